package models

import (
	"strings"
	"time"
)

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleAdmin   UserRole = "ADMIN"
	RoleManager UserRole = "MANAGER"
	RoleTeacher UserRole = "TEACHER"
)

// ParseRole maps free-form sheet values onto a role; anything unknown is a teacher.
func ParseRole(raw string) UserRole {
	switch UserRole(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	default:
		return RoleTeacher
	}
}

// User is a roster entry. Non-admin users are draw participants.
type User struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	PasswordHash     string    `db:"password_hash" json:"-"`
	FullName         string    `db:"full_name" json:"full_name"`
	Role             UserRole  `db:"role" json:"role"`
	SubjectGroup     string    `db:"subject_group" json:"subject_group"`
	DrawStartTime    time.Time `db:"draw_start_time" json:"draw_start_time"`
	DrawEndTime      time.Time `db:"draw_end_time" json:"draw_end_time"`
	HasDrawn         bool      `db:"has_drawn" json:"has_drawn"`
	DrawnLessonID    *string   `db:"drawn_lesson_id" json:"drawn_lesson_id,omitempty"`
	DrawnClass       *string   `db:"drawn_class" json:"drawn_class,omitempty"`
	ForceSingleGrade bool      `db:"force_single_grade" json:"force_single_grade"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// InWindow reports whether now lies inside the user's inclusive draw window.
func (u *User) InWindow(now time.Time) bool {
	return !now.Before(u.DrawStartTime) && !now.After(u.DrawEndTime)
}

// MaxGrades is how many grades the user may pick for a draw.
func (u *User) MaxGrades() int {
	if u.ForceSingleGrade {
		return 1
	}
	return 2
}

// ClearDraw drops any recorded draw result.
func (u *User) ClearDraw() {
	u.HasDrawn = false
	u.DrawnLessonID = nil
	u.DrawnClass = nil
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	HasDrawn  *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
