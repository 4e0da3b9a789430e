package models

import "fmt"

// Lesson is an immutable catalog entry.
type Lesson struct {
	ID      string `db:"id" json:"id"`
	Subject string `db:"subject" json:"subject"`
	Grade   string `db:"grade" json:"grade"`
	Week    int    `db:"week" json:"week"`
	Period  int    `db:"period" json:"period"`
	Name    string `db:"name" json:"name"`
}

// SlotSignature identifies a teaching slot independent of the lesson filling it.
type SlotSignature struct {
	Subject string
	Grade   string
	Week    int
	Period  int
}

// Signature returns the lesson's slot signature.
func (l Lesson) Signature() SlotSignature {
	return SlotSignature{Subject: l.Subject, Grade: l.Grade, Week: l.Week, Period: l.Period}
}

func (s SlotSignature) String() string {
	return fmt.Sprintf("%s-%s-%d-%d", s.Subject, s.Grade, s.Week, s.Period)
}
