package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-core-api/internal/models"
)

const enrollmentColumns = "id, user_id, session_id, status, final_score, enrolled_at"

// EnrollmentRepository handles persistence of enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with session and level context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.user_id, e.session_id, e.status, e.final_score, e.enrolled_at,
        l.course_id, s.level_id, l.level_number, l.title AS level_title, s.price, s.start_date
        FROM enrollments e
        JOIN class_sessions s ON s.id = e.session_id
        JOIN levels l ON l.id = s.level_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns enrollments matching the filter with session context.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
JOIN class_sessions s ON s.id = e.session_id
JOIN levels l ON l.id = s.level_id`
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("e.user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("e.session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.user_id, e.session_id, e.status, e.final_score, e.enrolled_at,
        l.course_id, s.level_id, l.level_number, l.title AS level_title, s.price, s.start_date
        %s ORDER BY e.enrolled_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// Exists checks whether the user already holds an enrollment for the session.
func (r *EnrollmentRepository) Exists(ctx context.Context, userID, sessionID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE user_id = $1 AND session_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, userID, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return true, nil
}

// LatestGradedAtLevel returns the user's most recent enrollment at the given
// level number within a course whose final score is recorded and whose status
// still counts (ACTIVE or CONDITIONAL_PASS). Earlier attempts are ignored.
func (r *EnrollmentRepository) LatestGradedAtLevel(ctx context.Context, userID, courseID string, levelNumber int) (*models.Enrollment, error) {
	const query = `SELECT e.id, e.user_id, e.session_id, e.status, e.final_score, e.enrolled_at
        FROM enrollments e
        JOIN class_sessions s ON s.id = e.session_id
        JOIN levels l ON l.id = s.level_id
        WHERE e.user_id = $1 AND l.course_id = $2 AND l.level_number = $3
          AND e.final_score IS NOT NULL AND e.status IN ($4, $5)
        ORDER BY e.enrolled_at DESC LIMIT 1`
	var enrollment models.Enrollment
	err := r.db.GetContext(ctx, &enrollment, query, userID, courseID, levelNumber,
		models.EnrollmentStatusActive, models.EnrollmentStatusConditionalPass)
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ExistsTx is the uniqueness check on the caller's transaction. Run after
// LockSessionSeatsTx it is authoritative: the session lock serializes the
// competing create that the unlocked check could miss.
func (r *EnrollmentRepository) ExistsTx(ctx context.Context, tx *sqlx.Tx, userID, sessionID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE user_id = $1 AND session_id = $2 LIMIT 1`
	var exists int
	if err := tx.GetContext(ctx, &exists, query, userID, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check enrollment exists: %w", err)
	}
	return true, nil
}

// LockDetailTx re-reads the enrollment with session and level context while
// taking an exclusive lock on the enrollment row, serializing concurrent
// finalizations of the same enrollment.
func (r *EnrollmentRepository) LockDetailTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.user_id, e.session_id, e.status, e.final_score, e.enrolled_at,
        l.course_id, s.level_id, l.level_number, l.title AS level_title, s.price, s.start_date
        FROM enrollments e
        JOIN class_sessions s ON s.id = e.session_id
        JOIN levels l ON l.id = s.level_id
        WHERE e.id = $1
        FOR UPDATE OF e`
	var detail models.EnrollmentDetail
	if err := tx.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// FindByUserLevelAndStatusTx returns the user's latest enrollment with the
// given status at the given level, locked for update. Used to locate cascade
// targets; the lock keeps a concurrent finalize from acting on the same row.
func (r *EnrollmentRepository) FindByUserLevelAndStatusTx(ctx context.Context, tx *sqlx.Tx, userID, levelID string, status models.EnrollmentStatus) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.user_id, e.session_id, e.status, e.final_score, e.enrolled_at,
        l.course_id, s.level_id, l.level_number, l.title AS level_title, s.price, s.start_date
        FROM enrollments e
        JOIN class_sessions s ON s.id = e.session_id
        JOIN levels l ON l.id = s.level_id
        WHERE e.user_id = $1 AND s.level_id = $2 AND e.status = $3
        ORDER BY e.enrolled_at DESC LIMIT 1
        FOR UPDATE OF e`
	var detail models.EnrollmentDetail
	if err := tx.GetContext(ctx, &detail, query, userID, levelID, status); err != nil {
		return nil, err
	}
	return &detail, nil
}

// LockSessionSeatsTx locks the session row and recounts its held seats
// (ACTIVE or RESERVED) inside tx, serializing concurrent creations against
// the same session.
func (r *EnrollmentRepository) LockSessionSeatsTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (capacity, enrolled int, err error) {
	var session struct {
		ID       string `db:"id"`
		Capacity int    `db:"capacity"`
	}
	const lock = `SELECT id, capacity FROM class_sessions WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &session, lock, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("lock session: %w", err)
	}

	const count = `SELECT COUNT(*) FROM enrollments WHERE session_id = $1 AND status IN ($2, $3)`
	var held int
	if err := tx.GetContext(ctx, &held, count, sessionID,
		models.EnrollmentStatusActive, models.EnrollmentStatusReserved); err != nil {
		return 0, 0, fmt.Errorf("count held seats: %w", err)
	}
	return session.Capacity, held, nil
}

// CreateTx inserts a new enrollment row inside tx.
func (r *EnrollmentRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollments (id, user_id, session_id, status, final_score, enrolled_at)
        VALUES (:id, :user_id, :session_id, :status, :final_score, :enrolled_at)`
	if _, err := tx.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UpdateStatusTx updates only the status inside tx.
func (r *EnrollmentRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET status = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// FinalizeTx persists the final score together with the resulting status inside tx.
func (r *EnrollmentRepository) FinalizeTx(ctx context.Context, tx *sqlx.Tx, id string, score int, status models.EnrollmentStatus) error {
	const query = `UPDATE enrollments SET final_score = $2, status = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, score, status); err != nil {
		return fmt.Errorf("finalize enrollment: %w", err)
	}
	return nil
}
