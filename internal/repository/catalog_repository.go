package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-core-api/internal/models"
)

// CatalogRepository persists courses and levels.
type CatalogRepository struct {
	db *sqlx.DB
}

// NewCatalogRepository constructs the repository.
func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// ListCourses returns all courses ordered by title.
func (r *CatalogRepository) ListCourses(ctx context.Context) ([]models.Course, error) {
	const query = `SELECT id, title, description, created_at FROM courses ORDER BY title`
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return courses, nil
}

// FindCourse returns a course by ID.
func (r *CatalogRepository) FindCourse(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, description, created_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// CreateCourse inserts a course.
func (r *CatalogRepository) CreateCourse(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	if course.CreatedAt.IsZero() {
		course.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO courses (id, title, description, created_at)
        VALUES (:id, :title, :description, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// FindLevel returns a level by ID.
func (r *CatalogRepository) FindLevel(ctx context.Context, id string) (*models.Level, error) {
	const query = `SELECT id, course_id, level_number, title, prereq_level_id, created_at FROM levels WHERE id = $1`
	var level models.Level
	if err := r.db.GetContext(ctx, &level, query, id); err != nil {
		return nil, err
	}
	return &level, nil
}

// FindLevelByNumber returns the level with the given number within a course.
func (r *CatalogRepository) FindLevelByNumber(ctx context.Context, courseID string, levelNumber int) (*models.Level, error) {
	const query = `SELECT id, course_id, level_number, title, prereq_level_id, created_at
        FROM levels WHERE course_id = $1 AND level_number = $2`
	var level models.Level
	if err := r.db.GetContext(ctx, &level, query, courseID, levelNumber); err != nil {
		return nil, err
	}
	return &level, nil
}

// FindLevelTx returns a level by ID on the caller's transaction, so cascade
// decisions read the same snapshot as the updates they drive.
func (r *CatalogRepository) FindLevelTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Level, error) {
	const query = `SELECT id, course_id, level_number, title, prereq_level_id, created_at FROM levels WHERE id = $1`
	var level models.Level
	if err := tx.GetContext(ctx, &level, query, id); err != nil {
		return nil, err
	}
	return &level, nil
}

// FindDependentLevelTx returns the level whose prerequisite is the given
// level, or sql.ErrNoRows when nothing gates on it. Runs on the caller's
// transaction.
func (r *CatalogRepository) FindDependentLevelTx(ctx context.Context, tx *sqlx.Tx, levelID string) (*models.Level, error) {
	const query = `SELECT id, course_id, level_number, title, prereq_level_id, created_at
        FROM levels WHERE prereq_level_id = $1 ORDER BY level_number LIMIT 1`
	var level models.Level
	if err := tx.GetContext(ctx, &level, query, levelID); err != nil {
		return nil, err
	}
	return &level, nil
}

// ListLevels returns a course's levels ordered by number.
func (r *CatalogRepository) ListLevels(ctx context.Context, courseID string) ([]models.Level, error) {
	const query = `SELECT id, course_id, level_number, title, prereq_level_id, created_at
        FROM levels WHERE course_id = $1 ORDER BY level_number`
	var levels []models.Level
	if err := r.db.SelectContext(ctx, &levels, query, courseID); err != nil {
		return nil, fmt.Errorf("list levels: %w", err)
	}
	return levels, nil
}

// CountLevels counts levels within a course. Bounds the prerequisite chain walk.
func (r *CatalogRepository) CountLevels(ctx context.Context, courseID string) (int, error) {
	const query = `SELECT COUNT(*) FROM levels WHERE course_id = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, query, courseID); err != nil {
		return 0, fmt.Errorf("count levels: %w", err)
	}
	return total, nil
}

// LevelNumberExists reports whether a course already uses the level number.
func (r *CatalogRepository) LevelNumberExists(ctx context.Context, courseID string, levelNumber int, excludeID string) (bool, error) {
	query := `SELECT 1 FROM levels WHERE course_id = $1 AND level_number = $2`
	args := []interface{}{courseID, levelNumber}
	if excludeID != "" {
		query += fmt.Sprintf(" AND id <> $%d", len(args)+1)
		args = append(args, excludeID)
	}
	query += " LIMIT 1"
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check level number: %w", err)
	}
	return true, nil
}

// CreateLevel inserts a level.
func (r *CatalogRepository) CreateLevel(ctx context.Context, level *models.Level) error {
	if level.ID == "" {
		level.ID = uuid.NewString()
	}
	if level.CreatedAt.IsZero() {
		level.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO levels (id, course_id, level_number, title, prereq_level_id, created_at)
        VALUES (:id, :course_id, :level_number, :title, :prereq_level_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, level); err != nil {
		return fmt.Errorf("create level: %w", err)
	}
	return nil
}

// UpdateLevelPrereq relinks a level's prerequisite.
func (r *CatalogRepository) UpdateLevelPrereq(ctx context.Context, id string, prereqLevelID *string) error {
	const query = `UPDATE levels SET prereq_level_id = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, prereqLevelID); err != nil {
		return fmt.Errorf("update level prerequisite: %w", err)
	}
	return nil
}
