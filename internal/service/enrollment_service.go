package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/jobs"
)

type enrollmentStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	Exists(ctx context.Context, userID, sessionID string) (bool, error)
	ExistsTx(ctx context.Context, tx *sqlx.Tx, userID, sessionID string) (bool, error)
	LockDetailTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.EnrollmentDetail, error)
	FindByUserLevelAndStatusTx(ctx context.Context, tx *sqlx.Tx, userID, levelID string, status models.EnrollmentStatus) (*models.EnrollmentDetail, error)
	LockSessionSeatsTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (capacity, enrolled int, err error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.Enrollment) error
	UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status models.EnrollmentStatus) error
	FinalizeTx(ctx context.Context, tx *sqlx.Tx, id string, score int, status models.EnrollmentStatus) error
}

type sessionDetailReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error)
}

type levelGraphReader interface {
	FindLevelTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Level, error)
	FindDependentLevelTx(ctx context.Context, tx *sqlx.Tx, levelID string) (*models.Level, error)
}

type eligibilityResolver interface {
	Resolve(ctx context.Context, userID, courseID string, levelNumber int) (*models.Eligibility, error)
}

type paymentLedger interface {
	PayForEnrollmentTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, enrollmentID string) error
	RefundEnrollment(ctx context.Context, userID string, amount int64, enrollmentID, description string) (*models.Wallet, error)
}

type refundScheduler interface {
	Enqueue(job jobs.Job) error
}

// EnrollRequest describes enrollment creation payload.
type EnrollRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// FinalizeScoreRequest carries the authoritative final score.
type FinalizeScoreRequest struct {
	FinalScore *int `json:"final_score" validate:"required,min=0,max=100"`
}

// FinalizeScoreResult reports the finalized enrollment and any refunds that
// could not be issued inline and await reconciliation.
type FinalizeScoreResult struct {
	Enrollment     *models.EnrollmentDetail `json:"enrollment"`
	PendingRefunds []string                 `json:"pending_refunds,omitempty"`
}

// RefundJob is the reconciliation queue payload for a refund that failed inline.
type RefundJob struct {
	EnrollmentID string
	UserID       string
	Amount       int64
	Description  string
}

// refundOwed accumulates refunds decided inside the finalize transaction and
// issued after commit.
type refundOwed struct {
	enrollmentID string
	userID       string
	amount       int64
	description  string
}

// EnrollmentService owns the enrollment lifecycle: creation against the
// capacity/eligibility gates with an atomic wallet debit, and score
// finalization with cascading effects on neighboring enrollments.
type EnrollmentService struct {
	enrollments enrollmentStore
	sessions    sessionDetailReader
	levels      levelGraphReader
	resolver    eligibilityResolver
	ledger      paymentLedger
	store       txRunner
	refundQueue refundScheduler
	validator   *validator.Validate
	logger      *zap.Logger
	metrics     *MetricsService
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(enrollments enrollmentStore, sessions sessionDetailReader, levels levelGraphReader, resolver eligibilityResolver, ledger paymentLedger, store txRunner, refundQueue refundScheduler, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		enrollments: enrollments,
		sessions:    sessions,
		levels:      levels,
		resolver:    resolver,
		ledger:      ledger,
		store:       store,
		refundQueue: refundQueue,
		validator:   validate,
		logger:      logger,
		metrics:     metrics,
	}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.enrollments.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one enrollment with session context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.enrollments.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Enroll registers the user to a session. On success exactly one enrollment
// row and one successful PAYMENT transaction exist and the balance has
// decreased by the session price; on any failure neither exists.
func (s *EnrollmentService) Enroll(ctx context.Context, userID string, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	session, err := s.sessions.FindDetailByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	exists, err := s.enrollments.Exists(ctx, userID, req.SessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		s.metrics.RecordEnrollmentRejection("already_enrolled")
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
	}

	if session.IsFull() {
		s.metrics.RecordEnrollmentRejection("session_full")
		return nil, appErrors.Clone(appErrors.ErrSessionFull, "")
	}

	eligibility, err := s.resolver.Resolve(ctx, userID, session.CourseID, session.LevelNumber)
	if err != nil {
		return nil, err
	}
	if !eligibility.Status.Admits() {
		s.metrics.RecordEnrollmentRejection("ineligible")
		return nil, appErrors.Clone(appErrors.ErrIneligible, eligibility.Reason)
	}

	initialStatus := models.EnrollmentStatusActive
	if eligibility.Status == models.EligibilityConditional {
		initialStatus = models.EnrollmentStatusReserved
	}

	enrollment := &models.Enrollment{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: req.SessionID,
		Status:    initialStatus,
	}

	err = s.store.WithinTx(ctx, func(tx *sqlx.Tx) error {
		// The session row lock serializes concurrent creations, so the
		// recount below is authoritative even though the pre-check above
		// ran without a lock.
		capacity, enrolled, err := s.enrollments.LockSessionSeatsTx(ctx, tx, req.SessionID)
		if err != nil {
			return fmt.Errorf("lock session seats: %w", err)
		}
		if enrolled >= capacity {
			return appErrors.Clone(appErrors.ErrSessionFull, "")
		}
		// With the session locked, the uniqueness re-check is authoritative:
		// a competing create for the same (user, session) has either committed
		// and is visible here, or is still queued behind the lock.
		taken, err := s.enrollments.ExistsTx(ctx, tx, userID, req.SessionID)
		if err != nil {
			return fmt.Errorf("recheck enrollment: %w", err)
		}
		if taken {
			return appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		}
		if err := s.enrollments.CreateTx(ctx, tx, enrollment); err != nil {
			return err
		}
		if session.Price > 0 {
			return s.ledger.PayForEnrollmentTx(ctx, tx, userID, session.Price, enrollment.ID)
		}
		return nil
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case appErrors.ErrInsufficientFunds.Code:
				s.metrics.RecordEnrollmentRejection("insufficient_funds")
			case appErrors.ErrSessionFull.Code:
				s.metrics.RecordEnrollmentRejection("session_full")
			case appErrors.ErrAlreadyEnrolled.Code:
				s.metrics.RecordEnrollmentRejection("already_enrolled")
			}
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	s.metrics.RecordEnrollmentCreated()
	s.logger.Info("enrollment created",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("user_id", userID),
		zap.String("session_id", req.SessionID),
		zap.String("status", string(initialStatus)))

	detail, err := s.enrollments.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

// FinalizeScore records the authoritative final score, derives the resulting
// status and cascades to neighboring enrollments: the dependent level the
// user pre-reserved, then the provisionally passed prerequisite. Status
// changes commit as one atomic unit; compensating refunds are issued after
// commit and never roll the score back.
func (s *EnrollmentService) FinalizeScore(ctx context.Context, actor *models.JWTClaims, enrollmentID string, req FinalizeScoreRequest) (*FinalizeScoreResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "final score must be between 0 and 100")
	}
	score := *req.FinalScore

	enrollment, err := s.enrollments.FindDetailByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	if enrollment.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment already failed")
	}

	if actor != nil && actor.Role == models.RoleInstructor {
		session, err := s.sessions.FindDetailByID(ctx, enrollment.SessionID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
		}
		if session.InstructorID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session instructor may enter scores")
		}
	}

	newStatus := models.ClassifyScore(score)

	var owed []refundOwed
	err = s.store.WithinTx(ctx, func(tx *sqlx.Tx) error {
		owed = owed[:0]
		// The unlocked pre-check above can race a concurrent finalize; the
		// row lock serializes them and the locked read is authoritative, so
		// the loser of the race observes the winner's terminal status here
		// instead of cascading (and refunding) a second time.
		locked, err := s.enrollments.LockDetailTx(ctx, tx, enrollment.ID)
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if locked.Status.Terminal() {
			return appErrors.Clone(appErrors.ErrConflict, "enrollment already failed")
		}

		if err := s.enrollments.FinalizeTx(ctx, tx, locked.ID, score, newStatus); err != nil {
			return err
		}

		// Dependent cascade runs before the prerequisite cascade: the
		// prerequisite cascade may force this enrollment to FAILED, and
		// the dependent must be judged on the score's own classification.
		if err := s.cascadeDependentTx(ctx, tx, locked, newStatus, &owed); err != nil {
			return err
		}
		return s.cascadePrerequisiteTx(ctx, tx, locked, score, &owed)
	})
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize score")
	}

	pending := s.issueRefunds(ctx, owed)

	detail, err := s.enrollments.FindDetailByID(ctx, enrollment.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}

	s.logger.Info("score finalized",
		zap.String("enrollment_id", enrollment.ID),
		zap.Int("final_score", score),
		zap.String("status", string(detail.Status)),
		zap.Int("refunds_owed", len(owed)),
		zap.Int("refunds_pending", len(pending)))

	return &FinalizeScoreResult{Enrollment: detail, PendingRefunds: pending}, nil
}

// cascadeDependentTx resolves the RESERVED enrollment the user holds at the
// level gated by this one, promoting it on pass/conditional and failing plus
// refunding it when this result is a fail.
func (s *EnrollmentService) cascadeDependentTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.EnrollmentDetail, newStatus models.EnrollmentStatus, owed *[]refundOwed) error {
	depLevel, err := s.levels.FindDependentLevelTx(ctx, tx, enrollment.LevelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("find dependent level: %w", err)
	}

	dependent, err := s.enrollments.FindByUserLevelAndStatusTx(ctx, tx, enrollment.UserID, depLevel.ID, models.EnrollmentStatusReserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("find dependent enrollment: %w", err)
	}

	if newStatus == models.EnrollmentStatusFailed {
		if err := s.enrollments.UpdateStatusTx(ctx, tx, dependent.ID, models.EnrollmentStatusFailed); err != nil {
			return err
		}
		*owed = append(*owed, refundOwed{
			enrollmentID: dependent.ID,
			userID:       dependent.UserID,
			amount:       dependent.Price,
			description:  fmt.Sprintf("refund for enrollment %s, prerequisite level failed", dependent.ID),
		})
		return nil
	}
	return s.enrollments.UpdateStatusTx(ctx, tx, dependent.ID, models.EnrollmentStatusActive)
}

// cascadePrerequisiteTx resolves the CONDITIONAL_PASS enrollment at this
// level's prerequisite. A passing score confirms it; anything less fails it
// retroactively, which also invalidates this enrollment.
func (s *EnrollmentService) cascadePrerequisiteTx(ctx context.Context, tx *sqlx.Tx, enrollment *models.EnrollmentDetail, score int, owed *[]refundOwed) error {
	level, err := s.levels.FindLevelTx(ctx, tx, enrollment.LevelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("find level: %w", err)
	}
	if level.PrereqLevelID == nil {
		return nil
	}

	prereq, err := s.enrollments.FindByUserLevelAndStatusTx(ctx, tx, enrollment.UserID, *level.PrereqLevelID, models.EnrollmentStatusConditionalPass)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("find prerequisite enrollment: %w", err)
	}

	if score >= models.PassingScore {
		return s.enrollments.UpdateStatusTx(ctx, tx, prereq.ID, models.EnrollmentStatusActive)
	}

	// A failed confirmation retroactively invalidates the conditional pass
	// that unlocked this level, so both enrollments fail and are refunded.
	if err := s.enrollments.UpdateStatusTx(ctx, tx, prereq.ID, models.EnrollmentStatusFailed); err != nil {
		return err
	}
	if err := s.enrollments.UpdateStatusTx(ctx, tx, enrollment.ID, models.EnrollmentStatusFailed); err != nil {
		return err
	}
	*owed = append(*owed,
		refundOwed{
			enrollmentID: enrollment.ID,
			userID:       enrollment.UserID,
			amount:       enrollment.Price,
			description:  fmt.Sprintf("refund for enrollment %s, conditional prerequisite not confirmed", enrollment.ID),
		},
		refundOwed{
			enrollmentID: prereq.ID,
			userID:       prereq.UserID,
			amount:       prereq.Price,
			description:  fmt.Sprintf("refund for enrollment %s, conditional pass revoked", prereq.ID),
		})
	return nil
}

// issueRefunds performs the compensating credits decided during finalize.
// A refund failure never aborts the finalize result: it is logged, counted
// and parked on the reconciliation queue for retry.
func (s *EnrollmentService) issueRefunds(ctx context.Context, owed []refundOwed) []string {
	var pending []string
	for _, refund := range owed {
		if refund.amount <= 0 {
			continue
		}
		if _, err := s.ledger.RefundEnrollment(ctx, refund.userID, refund.amount, refund.enrollmentID, refund.description); err == nil {
			continue
		} else {
			s.metrics.RecordRefundFailure()
			s.logger.Error("refund failed, queued for reconciliation",
				zap.String("enrollment_id", refund.enrollmentID),
				zap.String("user_id", refund.userID),
				zap.Int64("amount", refund.amount),
				zap.Error(err))
		}
		pending = append(pending, refund.enrollmentID)
		if s.refundQueue == nil {
			continue
		}
		job := jobs.Job{
			ID:   uuid.NewString(),
			Type: "refund",
			Payload: RefundJob{
				EnrollmentID: refund.enrollmentID,
				UserID:       refund.userID,
				Amount:       refund.amount,
				Description:  refund.description,
			},
		}
		if err := s.refundQueue.Enqueue(job); err != nil {
			s.logger.Error("failed to enqueue refund reconciliation",
				zap.String("enrollment_id", refund.enrollmentID),
				zap.Error(err))
		}
	}
	return pending
}
