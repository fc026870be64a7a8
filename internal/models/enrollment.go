package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusReserved        EnrollmentStatus = "RESERVED"
	EnrollmentStatusActive          EnrollmentStatus = "ACTIVE"
	EnrollmentStatusConditionalPass EnrollmentStatus = "CONDITIONAL_PASS"
	EnrollmentStatusFailed          EnrollmentStatus = "FAILED"
)

// Valid reports whether the value is a known status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusReserved, EnrollmentStatusActive, EnrollmentStatusConditionalPass, EnrollmentStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusFailed
}

// Score bounds and classification thresholds for finalized enrollments.
const (
	MinFinalScore        = 0
	MaxFinalScore        = 100
	PassingScore         = 76
	ConditionalPassScore = 61
)

// ClassifyScore maps a final score onto the resulting enrollment status.
func ClassifyScore(score int) EnrollmentStatus {
	switch {
	case score < ConditionalPassScore:
		return EnrollmentStatusFailed
	case score < PassingScore:
		return EnrollmentStatusConditionalPass
	default:
		return EnrollmentStatusActive
	}
}

// Enrollment binds a user to a class session with a lifecycle status.
// SessionID and EnrolledAt are immutable after creation.
type Enrollment struct {
	ID         string           `db:"id" json:"id"`
	UserID     string           `db:"user_id" json:"user_id"`
	SessionID  string           `db:"session_id" json:"session_id"`
	Status     EnrollmentStatus `db:"status" json:"status"`
	FinalScore *int             `db:"final_score" json:"final_score,omitempty"`
	EnrolledAt time.Time        `db:"enrolled_at" json:"enrolled_at"`
}

// EnrollmentDetail enriches Enrollment with session and level context.
type EnrollmentDetail struct {
	Enrollment
	CourseID    string    `db:"course_id" json:"course_id"`
	LevelID     string    `db:"level_id" json:"level_id"`
	LevelNumber int       `db:"level_number" json:"level_number"`
	LevelTitle  string    `db:"level_title" json:"level_title"`
	Price       int64     `db:"price" json:"price"`
	StartDate   time.Time `db:"start_date" json:"start_date"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	UserID    string
	SessionID string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
}
