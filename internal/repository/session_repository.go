package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-core-api/internal/models"
)

const sessionDetailSelect = `SELECT s.id, s.level_id, s.instructor_id, s.price, s.capacity, s.start_date, s.created_at, s.updated_at,
        l.course_id, l.level_number, l.title AS level_title,
        (SELECT COUNT(*) FROM enrollments e WHERE e.session_id = s.id AND e.status IN ('ACTIVE', 'RESERVED')) AS enrolled_count
        FROM class_sessions s
        JOIN levels l ON l.id = s.level_id`

// SessionRepository persists class sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindDetailByID returns a session with level context and its live seat count.
func (r *SessionRepository) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	query := sessionDetailSelect + " WHERE s.id = $1"
	var detail models.SessionDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListByLevel returns a level's sessions ordered by start date.
func (r *SessionRepository) ListByLevel(ctx context.Context, levelID string) ([]models.SessionDetail, error) {
	query := sessionDetailSelect + " WHERE s.level_id = $1 ORDER BY s.start_date"
	var sessions []models.SessionDetail
	if err := r.db.SelectContext(ctx, &sessions, query, levelID); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Create inserts a class session.
func (r *SessionRepository) Create(ctx context.Context, session *models.ClassSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	const query = `INSERT INTO class_sessions (id, level_id, instructor_id, price, capacity, start_date, created_at, updated_at)
        VALUES (:id, :level_id, :instructor_id, :price, :capacity, :start_date, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}
