package models

import "time"

// Level numbering bounds within a course.
const (
	MinLevelNumber = 1
	MaxLevelNumber = 25
)

// Course groups a sequence of numbered levels.
type Course struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Level is a graded tier within a course with at most one prerequisite.
type Level struct {
	ID            string    `db:"id" json:"id"`
	CourseID      string    `db:"course_id" json:"course_id"`
	LevelNumber   int       `db:"level_number" json:"level_number"`
	Title         string    `db:"title" json:"title"`
	PrereqLevelID *string   `db:"prereq_level_id" json:"prereq_level_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ClassSession is a scheduled offering of a level.
type ClassSession struct {
	ID           string    `db:"id" json:"id"`
	LevelID      string    `db:"level_id" json:"level_id"`
	InstructorID string    `db:"instructor_id" json:"instructor_id"`
	Price        int64     `db:"price" json:"price"`
	Capacity     int       `db:"capacity" json:"capacity"`
	StartDate    time.Time `db:"start_date" json:"start_date"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SessionDetail enriches ClassSession with level context and the live seat count.
type SessionDetail struct {
	ClassSession
	CourseID      string `db:"course_id" json:"course_id"`
	LevelNumber   int    `db:"level_number" json:"level_number"`
	LevelTitle    string `db:"level_title" json:"level_title"`
	EnrolledCount int    `db:"enrolled_count" json:"enrolled_count"`
}

// IsFull reports whether the session has no remaining seats.
func (s SessionDetail) IsFull() bool {
	return s.EnrolledCount >= s.Capacity
}
