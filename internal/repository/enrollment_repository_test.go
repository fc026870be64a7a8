package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-core-api/internal/models"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEnrollmentRepositoryExists(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments WHERE user_id = $1 AND session_id = $2 LIMIT 1")).
		WithArgs("user-1", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.Exists(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsNoRows(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments WHERE user_id = $1 AND session_id = $2 LIMIT 1")).
		WithArgs("user-1", "sess-1").
		WillReturnError(sql.ErrNoRows)

	exists, err := repo.Exists(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryLatestGradedAtLevel(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	score := 80
	rows := sqlmock.NewRows([]string{"id", "user_id", "session_id", "status", "final_score", "enrolled_at"}).
		AddRow("enr-1", "user-1", "sess-1", models.EnrollmentStatusActive, score, time.Now())
	mock.ExpectQuery("AND e.final_score IS NOT NULL AND e.status IN").
		WithArgs("user-1", "course-1", 4, models.EnrollmentStatusActive, models.EnrollmentStatusConditionalPass).
		WillReturnRows(rows)

	enrollment, err := repo.LatestGradedAtLevel(context.Background(), "user-1", "course-1", 4)
	require.NoError(t, err)
	require.NotNil(t, enrollment.FinalScore)
	require.Equal(t, 80, *enrollment.FinalScore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsTx(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments WHERE user_id = $1 AND session_id = $2 LIMIT 1")).
		WithArgs("user-1", "sess-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	exists, err := repo.ExistsTx(context.Background(), tx, "user-1", "sess-1")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryLockDetailTxLocksRow(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "user_id", "session_id", "status", "final_score", "enrolled_at",
		"course_id", "level_id", "level_number", "level_title", "price", "start_date"}).
		AddRow("enr-1", "user-1", "sess-1", models.EnrollmentStatusActive, nil, time.Now(),
			"course-1", "lvl-5", 5, "Advanced", int64(5000), time.Now())
	mock.ExpectBegin()
	mock.ExpectQuery("WHERE e.id = \\$1\\s+FOR UPDATE OF e").
		WithArgs("enr-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	detail, err := repo.LockDetailTx(context.Background(), tx, "enr-1")
	require.NoError(t, err)
	require.Equal(t, "enr-1", detail.ID)
	require.Equal(t, models.EnrollmentStatusActive, detail.Status)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByUserLevelAndStatusTxLocksRow(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "user_id", "session_id", "status", "final_score", "enrolled_at",
		"course_id", "level_id", "level_number", "level_title", "price", "start_date"}).
		AddRow("enr-6", "user-1", "sess-6", models.EnrollmentStatusReserved, nil, time.Now(),
			"course-1", "lvl-6", 6, "Expert", int64(7000), time.Now())
	mock.ExpectBegin()
	mock.ExpectQuery("ORDER BY e.enrolled_at DESC LIMIT 1\\s+FOR UPDATE OF e").
		WithArgs("user-1", "lvl-6", models.EnrollmentStatusReserved).
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	detail, err := repo.FindByUserLevelAndStatusTx(context.Background(), tx, "user-1", "lvl-6", models.EnrollmentStatusReserved)
	require.NoError(t, err)
	require.Equal(t, "enr-6", detail.ID)
	require.Equal(t, models.EnrollmentStatusReserved, detail.Status)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryLockSessionSeatsTx(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, capacity FROM class_sessions WHERE id = $1 FOR UPDATE")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "capacity"}).AddRow("sess-1", 12))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM enrollments WHERE session_id = $1 AND status IN ($2, $3)")).
		WithArgs("sess-1", models.EnrollmentStatusActive, models.EnrollmentStatusReserved).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	capacity, enrolled, err := repo.LockSessionSeatsTx(context.Background(), tx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 12, capacity)
	require.Equal(t, 7, enrolled)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateTx(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	enrollment := &models.Enrollment{UserID: "user-1", SessionID: "sess-1", Status: models.EnrollmentStatusActive}
	require.NoError(t, repo.CreateTx(context.Background(), tx, enrollment))
	require.NotEmpty(t, enrollment.ID)
	require.False(t, enrollment.EnrolledAt.IsZero())
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFinalizeTx(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET final_score = $2, status = $3 WHERE id = $1")).
		WithArgs("enr-1", 70, models.EnrollmentStatusConditionalPass).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, repo.FinalizeTx(context.Background(), tx, "enr-1", 70, models.EnrollmentStatusConditionalPass))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListFiltered(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "user_id", "session_id", "status", "final_score", "enrolled_at",
		"course_id", "level_id", "level_number", "level_title", "price", "start_date"}).
		AddRow("enr-1", "user-1", "sess-1", models.EnrollmentStatusActive, nil, time.Now(),
			"course-1", "lvl-1", 1, "Beginner", int64(5000), time.Now())
	mock.ExpectQuery("ORDER BY e.enrolled_at DESC LIMIT 20 OFFSET 0").
		WithArgs("user-1", models.EnrollmentStatusActive).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("user-1", models.EnrollmentStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	enrollments, total, err := repo.List(context.Background(), models.EnrollmentFilter{
		UserID: "user-1",
		Status: models.EnrollmentStatusActive,
		Page:   1,
	})
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}
