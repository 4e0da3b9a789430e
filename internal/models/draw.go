package models

import "time"

// DrawRequest is the teacher's grade selection.
type DrawRequest struct {
	Grades []string `json:"grades" validate:"required,min=1,max=2,dive,required"`
}

// DrawResult is the outcome of a draw. Available is false when no lesson
// is left for the selection; that is a normal outcome, not an error.
type DrawResult struct {
	Available bool       `json:"available"`
	Lesson    *Lesson    `json:"lesson,omitempty"`
	ClassName string     `json:"class_name,omitempty"`
	DrawnAt   *time.Time `json:"drawn_at,omitempty"`
}

// DrawStatus describes a teacher's current draw state for the teacher panel.
type DrawStatus struct {
	HasDrawn         bool      `json:"has_drawn"`
	Lesson           *Lesson   `json:"lesson,omitempty"`
	ClassName        string    `json:"class_name,omitempty"`
	DrawStartTime    time.Time `json:"draw_start_time"`
	DrawEndTime      time.Time `json:"draw_end_time"`
	ForceSingleGrade bool      `json:"force_single_grade"`
	SubjectGroup     string    `json:"subject_group"`
}
