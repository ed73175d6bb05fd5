package models

import "time"

// ClassStatus tracks where a class sits in its delivery cycle.
type ClassStatus string

// Possible class statuses.
const (
	ClassStatusUpcoming ClassStatus = "upcoming"
	ClassStatusRunning  ClassStatus = "running"
	ClassStatusFinished ClassStatus = "finished"
)

// Class represents a tutoring class offered on the marketplace.
type Class struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	Subject     string      `db:"subject" json:"subject"`
	TutorName   string      `db:"tutor_name" json:"tutor_name"`
	Price       float64     `db:"price" json:"price"`
	MaxStudents int         `db:"max_students" json:"max_students"`
	Status      ClassStatus `db:"status" json:"status"`
	StartDate   *time.Time  `db:"start_date" json:"start_date,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// ClassFilter defines filter criteria for listing classes.
type ClassFilter struct {
	Subject   string
	Status    ClassStatus
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
