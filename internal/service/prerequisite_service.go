package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
)

type prereqLevelReader interface {
	FindLevel(ctx context.Context, id string) (*models.Level, error)
	FindLevelByNumber(ctx context.Context, courseID string, levelNumber int) (*models.Level, error)
}

type prereqEnrollmentReader interface {
	LatestGradedAtLevel(ctx context.Context, userID, courseID string, levelNumber int) (*models.Enrollment, error)
}

// PrerequisiteService classifies a user's eligibility for a target level.
// It is a pure read over catalog and enrollment history: calling it twice
// with no intervening writes yields identical results.
type PrerequisiteService struct {
	levels      prereqLevelReader
	enrollments prereqEnrollmentReader
	logger      *zap.Logger
}

// NewPrerequisiteService constructs PrerequisiteService.
func NewPrerequisiteService(levels prereqLevelReader, enrollments prereqEnrollmentReader, logger *zap.Logger) *PrerequisiteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrerequisiteService{levels: levels, enrollments: enrollments, logger: logger}
}

// Resolve walks the target level's prerequisite link and the user's graded
// history. A missing level or a level without a prerequisite means no gate.
// Only the single most recent graded attempt at the prerequisite level
// counts; earlier attempts are ignored even when higher-scoring.
func (s *PrerequisiteService) Resolve(ctx context.Context, userID, courseID string, levelNumber int) (*models.Eligibility, error) {
	level, err := s.levels.FindLevelByNumber(ctx, courseID, levelNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Eligibility{Status: models.EligibilityEligible, Reason: "level not defined, no prerequisite gate"}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load level")
	}

	if level.PrereqLevelID == nil {
		return &models.Eligibility{Status: models.EligibilityEligible, Reason: "no prerequisite"}, nil
	}

	prereq, err := s.levels.FindLevel(ctx, *level.PrereqLevelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Eligibility{Status: models.EligibilityEligible, Reason: "prerequisite level missing, no gate"}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite level")
	}

	latest, err := s.enrollments.LatestGradedAtLevel(ctx, userID, courseID, prereq.LevelNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Eligibility{
				Status:      models.EligibilityIneligible,
				PrereqLevel: prereq.LevelNumber,
				Reason:      fmt.Sprintf("no recorded score for prerequisite level %d", prereq.LevelNumber),
			}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite history")
	}

	score := *latest.FinalScore
	result := &models.Eligibility{Score: &score, PrereqLevel: prereq.LevelNumber}
	switch {
	case score >= models.PassingScore:
		result.Status = models.EligibilityPass
	case score >= models.ConditionalPassScore:
		result.Status = models.EligibilityConditional
	default:
		result.Status = models.EligibilityFail
	}
	return result, nil
}
