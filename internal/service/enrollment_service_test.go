package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/jobs"
)

type mockEnrollmentStore struct {
	enrollments map[string]models.EnrollmentDetail
	byUserLevel map[string]models.EnrollmentDetail
	locked      map[string]models.EnrollmentDetail
	exists      bool
	existsInTx  bool
	capacity    int
	enrolled    int
	created     *models.Enrollment
	status      map[string]models.EnrollmentStatus
	finalized   map[string]int
}

func (m *mockEnrollmentStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e.Enrollment, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	if m.created != nil && m.created.ID == id {
		return &models.EnrollmentDetail{Enrollment: *m.created}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (m *mockEnrollmentStore) Exists(ctx context.Context, userID, sessionID string) (bool, error) {
	return m.exists, nil
}

func (m *mockEnrollmentStore) ExistsTx(ctx context.Context, tx *sqlx.Tx, userID, sessionID string) (bool, error) {
	return m.existsInTx, nil
}

// LockDetailTx serves from the locked overrides when set, so tests can model
// a row whose committed state moved on after the unlocked pre-check read it.
func (m *mockEnrollmentStore) LockDetailTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.locked[id]; ok {
		return &e, nil
	}
	return m.FindDetailByID(ctx, id)
}

func (m *mockEnrollmentStore) FindByUserLevelAndStatusTx(ctx context.Context, tx *sqlx.Tx, userID, levelID string, status models.EnrollmentStatus) (*models.EnrollmentDetail, error) {
	if e, ok := m.byUserLevel[levelID+"/"+string(status)]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentStore) LockSessionSeatsTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (int, int, error) {
	return m.capacity, m.enrolled, nil
}

func (m *mockEnrollmentStore) CreateTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error {
	m.created = enrollment
	return nil
}

func (m *mockEnrollmentStore) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus) error {
	if m.status == nil {
		m.status = make(map[string]models.EnrollmentStatus)
	}
	m.status[id] = status
	return nil
}

func (m *mockEnrollmentStore) FinalizeTx(ctx context.Context, tx *sqlx.Tx, id string, score int, status models.EnrollmentStatus) error {
	if m.finalized == nil {
		m.finalized = make(map[string]int)
	}
	m.finalized[id] = score
	if e, ok := m.enrollments[id]; ok {
		e.Status = status
		e.FinalScore = &score
		m.enrollments[id] = e
	}
	return nil
}

type mockSessionReader struct {
	sessions map[string]models.SessionDetail
}

func (m *mockSessionReader) FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error) {
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

type mockLevelGraph struct {
	levels     map[string]models.Level
	dependents map[string]models.Level
}

func (m *mockLevelGraph) FindLevelTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Level, error) {
	if l, ok := m.levels[id]; ok {
		return &l, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLevelGraph) FindDependentLevelTx(ctx context.Context, tx *sqlx.Tx, levelID string) (*models.Level, error) {
	if l, ok := m.dependents[levelID]; ok {
		return &l, nil
	}
	return nil, sql.ErrNoRows
}

type mockResolver struct {
	eligibility models.Eligibility
}

func (m *mockResolver) Resolve(ctx context.Context, userID, courseID string, levelNumber int) (*models.Eligibility, error) {
	e := m.eligibility
	return &e, nil
}

type mockLedger struct {
	payErr    error
	refundErr error
	payments  []string
	refunds   []string
}

func (m *mockLedger) PayForEnrollmentTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, enrollmentID string) error {
	if m.payErr != nil {
		return m.payErr
	}
	m.payments = append(m.payments, enrollmentID)
	return nil
}

func (m *mockLedger) RefundEnrollment(ctx context.Context, userID string, amount int64, enrollmentID, description string) (*models.Wallet, error) {
	if m.refundErr != nil {
		return nil, m.refundErr
	}
	m.refunds = append(m.refunds, enrollmentID)
	return &models.Wallet{UserID: userID}, nil
}

type mockTxRunner struct{}

func (m *mockTxRunner) WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

type mockRefundQueue struct {
	jobs []jobs.Job
}

func (m *mockRefundQueue) Enqueue(job jobs.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

func newEnrollmentFixture(repo *mockEnrollmentStore, sessions *mockSessionReader, levels *mockLevelGraph, resolver *mockResolver, ledger *mockLedger, queue *mockRefundQueue) *EnrollmentService {
	return NewEnrollmentService(repo, sessions, levels, resolver, ledger, &mockTxRunner{}, queue, validator.New(), zap.NewNop(), nil)
}

func TestEnrollmentServiceEnroll(t *testing.T) {
	repo := &mockEnrollmentStore{capacity: 10, enrolled: 3}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Price: 5000, Capacity: 10}, CourseID: "course-1", LevelNumber: 3},
	}}
	ledger := &mockLedger{}
	resolver := &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityPass}}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, resolver, ledger, &mockRefundQueue{})

	detail, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
	require.NotNil(t, repo.created)
	assert.Contains(t, ledger.payments, repo.created.ID)
}

func TestEnrollmentServiceEnrollConditionalReserves(t *testing.T) {
	repo := &mockEnrollmentStore{capacity: 10}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Price: 5000, Capacity: 10}, CourseID: "course-1", LevelNumber: 6},
	}}
	resolver := &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityConditional}}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, resolver, &mockLedger{}, &mockRefundQueue{})

	detail, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusReserved, detail.Status)
}

func TestEnrollmentServiceEnrollDuplicate(t *testing.T) {
	repo := &mockEnrollmentStore{exists: true, capacity: 10}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Capacity: 10}},
	}}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityPass}}, &mockLedger{}, &mockRefundQueue{})

	_, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrAlreadyEnrolled.Code, appErr.Code)
}

func TestEnrollmentServiceEnrollSessionFull(t *testing.T) {
	repo := &mockEnrollmentStore{capacity: 2, enrolled: 2}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Capacity: 2}, EnrolledCount: 1},
	}}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityPass}}, &mockLedger{}, &mockRefundQueue{})

	// The unlocked pre-check passes (1 of 2 seats taken); the locked recount
	// inside the transaction sees the session already full.
	_, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrSessionFull.Code, appErr.Code)
}

func TestEnrollmentServiceEnrollIneligible(t *testing.T) {
	repo := &mockEnrollmentStore{capacity: 10}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Capacity: 10}},
	}}
	resolver := &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityFail, Reason: "prerequisite level failed"}}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, resolver, &mockLedger{}, &mockRefundQueue{})

	_, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrIneligible.Code, appErr.Code)
	assert.Nil(t, repo.created)
}

func TestEnrollmentServiceEnrollInsufficientFunds(t *testing.T) {
	repo := &mockEnrollmentStore{capacity: 10}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Price: 9000, Capacity: 10}},
	}}
	ledger := &mockLedger{payErr: appErrors.Clone(appErrors.ErrInsufficientFunds, "")}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityPass}}, ledger, &mockRefundQueue{})

	_, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInsufficientFunds.Code, appErr.Code)
}

func scorePtr(v int) *int { return &v }

func finalizeFixture() (*mockEnrollmentStore, *mockLevelGraph, *mockLedger, *mockRefundQueue) {
	repo := &mockEnrollmentStore{
		enrollments: map[string]models.EnrollmentDetail{
			"enr-5": {
				Enrollment: models.Enrollment{ID: "enr-5", UserID: "user-1", SessionID: "sess-5", Status: models.EnrollmentStatusActive},
				LevelID:    "lvl-5",
				Price:      5000,
			},
		},
		byUserLevel: map[string]models.EnrollmentDetail{},
	}
	levels := &mockLevelGraph{
		levels:     map[string]models.Level{"lvl-5": {ID: "lvl-5", CourseID: "course-1", LevelNumber: 5}},
		dependents: map[string]models.Level{},
	}
	return repo, levels, &mockLedger{}, &mockRefundQueue{}
}

func TestFinalizeScoreClassifiesStatus(t *testing.T) {
	cases := []struct {
		name  string
		score int
		want  models.EnrollmentStatus
	}{
		{"pass", 80, models.EnrollmentStatusActive},
		{"conditional", 70, models.EnrollmentStatusConditionalPass},
		{"fail", 45, models.EnrollmentStatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, levels, ledger, queue := finalizeFixture()
			svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

			result, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(tc.score)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.Enrollment.Status)
			assert.Equal(t, tc.score, repo.finalized["enr-5"])
			assert.Empty(t, result.PendingRefunds)
		})
	}
}

func TestFinalizeScoreRejectsOutOfRange(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(101)})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Empty(t, repo.finalized)
}

func TestFinalizeScoreRejectsTerminal(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	failed := repo.enrollments["enr-5"]
	failed.Status = models.EnrollmentStatusFailed
	repo.enrollments["enr-5"] = failed
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(90)})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestFinalizeScoreInstructorOwnershipEnforced(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-5": {ClassSession: models.ClassSession{ID: "sess-5", InstructorID: "instructor-1"}},
	}}
	svc := newEnrollmentFixture(repo, sessions, levels, &mockResolver{}, ledger, queue)

	claims := &models.JWTClaims{UserID: "instructor-2", Role: models.RoleInstructor}
	_, err := svc.FinalizeScore(context.Background(), claims, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(90)})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	claims.UserID = "instructor-1"
	_, err = svc.FinalizeScore(context.Background(), claims, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(90)})
	require.NoError(t, err)
}

func TestFinalizeScorePromotesDependentReservation(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	levels.dependents["lvl-5"] = models.Level{ID: "lvl-6", CourseID: "course-1", LevelNumber: 6}
	repo.byUserLevel["lvl-6/"+string(models.EnrollmentStatusReserved)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-6", UserID: "user-1", Status: models.EnrollmentStatusReserved},
		LevelID:    "lvl-6",
		Price:      6000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(82)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, repo.status["enr-6"])
	assert.Empty(t, ledger.refunds)
}

func TestFinalizeScoreFailsDependentAndRefunds(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	levels.dependents["lvl-5"] = models.Level{ID: "lvl-6", CourseID: "course-1", LevelNumber: 6}
	repo.byUserLevel["lvl-6/"+string(models.EnrollmentStatusReserved)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-6", UserID: "user-1", Status: models.EnrollmentStatusReserved},
		LevelID:    "lvl-6",
		Price:      6000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	result, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(40)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, repo.status["enr-6"])
	assert.Contains(t, ledger.refunds, "enr-6")
	assert.Empty(t, result.PendingRefunds)
}

func TestFinalizeScoreConfirmsConditionalPrerequisite(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	prereqID := "lvl-4"
	levels.levels["lvl-5"] = models.Level{ID: "lvl-5", CourseID: "course-1", LevelNumber: 5, PrereqLevelID: &prereqID}
	repo.byUserLevel["lvl-4/"+string(models.EnrollmentStatusConditionalPass)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-4", UserID: "user-1", Status: models.EnrollmentStatusConditionalPass},
		LevelID:    "lvl-4",
		Price:      4000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(88)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, repo.status["enr-4"])
	assert.Empty(t, ledger.refunds)
}

func TestFinalizeScoreRevokesConditionalPrerequisite(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	prereqID := "lvl-4"
	levels.levels["lvl-5"] = models.Level{ID: "lvl-5", CourseID: "course-1", LevelNumber: 5, PrereqLevelID: &prereqID}
	repo.byUserLevel["lvl-4/"+string(models.EnrollmentStatusConditionalPass)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-4", UserID: "user-1", Status: models.EnrollmentStatusConditionalPass},
		LevelID:    "lvl-4",
		Price:      4000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	// 70 is conditional on its own, but a conditional result cannot confirm
	// the provisional pass that unlocked this level: both fail and both are
	// refunded.
	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(70)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, repo.status["enr-4"])
	assert.Equal(t, models.EnrollmentStatusFailed, repo.status["enr-5"])
	assert.Contains(t, ledger.refunds, "enr-4")
	assert.Contains(t, ledger.refunds, "enr-5")
}

func TestEnrollmentServiceEnrollDuplicateCaughtUnderLock(t *testing.T) {
	// The unlocked pre-check reads before a competing create commits; the
	// re-check behind the session lock must still reject the duplicate.
	repo := &mockEnrollmentStore{exists: false, existsInTx: true, capacity: 10}
	sessions := &mockSessionReader{sessions: map[string]models.SessionDetail{
		"sess-1": {ClassSession: models.ClassSession{ID: "sess-1", Price: 5000, Capacity: 10}},
	}}
	ledger := &mockLedger{}
	svc := newEnrollmentFixture(repo, sessions, &mockLevelGraph{}, &mockResolver{eligibility: models.Eligibility{Status: models.EligibilityPass}}, ledger, &mockRefundQueue{})

	_, err := svc.Enroll(context.Background(), "user-1", EnrollRequest{SessionID: "sess-1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrAlreadyEnrolled.Code, appErr.Code)
	assert.Nil(t, repo.created)
	assert.Empty(t, ledger.payments)
}

func TestFinalizeScoreTerminalUnderLockRejectsSecondFinalize(t *testing.T) {
	// A concurrent finalize may commit FAILED after this call's unlocked
	// pre-check read ACTIVE. The locked re-read inside the transaction must
	// reject instead of cascading, or the dependent would be refunded twice.
	repo, levels, ledger, queue := finalizeFixture()
	repo.locked = map[string]models.EnrollmentDetail{}
	failed := repo.enrollments["enr-5"]
	failed.Status = models.EnrollmentStatusFailed
	repo.locked["enr-5"] = failed

	levels.dependents["lvl-5"] = models.Level{ID: "lvl-6", CourseID: "course-1", LevelNumber: 6}
	repo.byUserLevel["lvl-6/"+string(models.EnrollmentStatusReserved)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-6", UserID: "user-1", Status: models.EnrollmentStatusReserved},
		LevelID:    "lvl-6",
		Price:      6000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(30)})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Empty(t, repo.finalized)
	assert.Empty(t, ledger.refunds)
}

func TestFinalizeScoreDependentJudgedBeforePrerequisiteForcesFail(t *testing.T) {
	// Both cascades apply: a conditional 70 promotes the reserved dependent
	// on the score's own classification, then the prerequisite cascade
	// force-fails this enrollment. The earlier promotion must stand.
	repo, levels, ledger, queue := finalizeFixture()
	prereqID := "lvl-4"
	levels.levels["lvl-5"] = models.Level{ID: "lvl-5", CourseID: "course-1", LevelNumber: 5, PrereqLevelID: &prereqID}
	levels.dependents["lvl-5"] = models.Level{ID: "lvl-6", CourseID: "course-1", LevelNumber: 6}
	repo.byUserLevel["lvl-6/"+string(models.EnrollmentStatusReserved)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-6", UserID: "user-1", Status: models.EnrollmentStatusReserved},
		LevelID:    "lvl-6",
		Price:      6000,
	}
	repo.byUserLevel["lvl-4/"+string(models.EnrollmentStatusConditionalPass)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-4", UserID: "user-1", Status: models.EnrollmentStatusConditionalPass},
		LevelID:    "lvl-4",
		Price:      4000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	_, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(70)})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, repo.status["enr-6"])
	assert.Equal(t, models.EnrollmentStatusFailed, repo.status["enr-4"])
	assert.Equal(t, models.EnrollmentStatusFailed, repo.status["enr-5"])
	assert.NotContains(t, ledger.refunds, "enr-6")
	assert.Contains(t, ledger.refunds, "enr-4")
	assert.Contains(t, ledger.refunds, "enr-5")
}

func TestFinalizeScoreQueuesFailedRefunds(t *testing.T) {
	repo, levels, ledger, queue := finalizeFixture()
	ledger.refundErr = errors.New("ledger unavailable")
	levels.dependents["lvl-5"] = models.Level{ID: "lvl-6", CourseID: "course-1", LevelNumber: 6}
	repo.byUserLevel["lvl-6/"+string(models.EnrollmentStatusReserved)] = models.EnrollmentDetail{
		Enrollment: models.Enrollment{ID: "enr-6", UserID: "user-1", Status: models.EnrollmentStatusReserved},
		LevelID:    "lvl-6",
		Price:      6000,
	}
	svc := newEnrollmentFixture(repo, &mockSessionReader{}, levels, &mockResolver{}, ledger, queue)

	result, err := svc.FinalizeScore(context.Background(), nil, "enr-5", FinalizeScoreRequest{FinalScore: scorePtr(30)})
	require.NoError(t, err)
	assert.Contains(t, result.PendingRefunds, "enr-6")
	require.Len(t, queue.jobs, 1)
	payload, ok := queue.jobs[0].Payload.(RefundJob)
	require.True(t, ok)
	assert.Equal(t, "enr-6", payload.EnrollmentID)
	assert.Equal(t, int64(6000), payload.Amount)
}
