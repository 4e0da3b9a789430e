package models

import "time"

// Classroom is a physical class of a grade, e.g. 6A1 of "Khối 6".
type Classroom struct {
	ID    string `db:"id" json:"id"`
	Grade string `db:"grade" json:"grade"`
	Name  string `db:"name" json:"name"`
}

// Settings is the subject/grade/classroom taxonomy.
type Settings struct {
	Subjects []string    `json:"subjects"`
	Grades   []string    `json:"grades"`
	Classes  []Classroom `json:"classes"`
}

// HasGrade reports whether name is a configured grade.
func (s *Settings) HasGrade(name string) bool {
	for _, g := range s.Grades {
		if g == name {
			return true
		}
	}
	return false
}

// ClassesOfGrade returns the classrooms belonging to grade.
func (s *Settings) ClassesOfGrade(grade string) []Classroom {
	var out []Classroom
	for _, c := range s.Classes {
		if c.Grade == grade {
			out = append(out, c)
		}
	}
	return out
}

// Catalog is the read-only snapshot served to the draw screen.
type Catalog struct {
	Subjects    []string    `json:"subjects"`
	Grades      []string    `json:"grades"`
	Classes     []Classroom `json:"classes"`
	LessonCount int         `json:"lesson_count"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// TaxonomyRequest adds or removes a subject or grade.
type TaxonomyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// ClassroomRequest adds a classroom to a grade.
type ClassroomRequest struct {
	Grade string `json:"grade" validate:"required,max=100"`
	Name  string `json:"name" validate:"required,max=50"`
}

// LessonImportRequest replaces the lesson catalog with rows of
// [subject, grade, week, period, name].
type LessonImportRequest struct {
	Rows [][]interface{} `json:"rows" validate:"required,min=1"`
}
