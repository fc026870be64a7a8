package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
)

type catalogStore interface {
	ListCourses(ctx context.Context) ([]models.Course, error)
	FindCourse(ctx context.Context, id string) (*models.Course, error)
	CreateCourse(ctx context.Context, course *models.Course) error
	FindLevel(ctx context.Context, id string) (*models.Level, error)
	ListLevels(ctx context.Context, courseID string) ([]models.Level, error)
	CountLevels(ctx context.Context, courseID string) (int, error)
	LevelNumberExists(ctx context.Context, courseID string, levelNumber int, excludeID string) (bool, error)
	CreateLevel(ctx context.Context, level *models.Level) error
	UpdateLevelPrereq(ctx context.Context, id string, prereqLevelID *string) error
}

type sessionStore interface {
	FindDetailByID(ctx context.Context, id string) (*models.SessionDetail, error)
	ListByLevel(ctx context.Context, levelID string) ([]models.SessionDetail, error)
	Create(ctx context.Context, session *models.ClassSession) error
}

type instructorReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// CreateCourseRequest describes course creation payload.
type CreateCourseRequest struct {
	Title       string `json:"title" validate:"required,min=2,max=150"`
	Description string `json:"description" validate:"max=2000"`
}

// CreateLevelRequest describes level creation payload.
type CreateLevelRequest struct {
	LevelNumber   int     `json:"level_number" validate:"required,min=1,max=25"`
	Title         string  `json:"title" validate:"required,min=2,max=150"`
	PrereqLevelID *string `json:"prereq_level_id"`
}

// CreateSessionRequest describes session creation payload.
type CreateSessionRequest struct {
	LevelID      string    `json:"level_id" validate:"required"`
	InstructorID string    `json:"instructor_id" validate:"required"`
	Price        int64     `json:"price" validate:"min=0"`
	Capacity     int       `json:"capacity" validate:"required,min=1"`
	StartDate    time.Time `json:"start_date" validate:"required"`
}

// CatalogService manages courses, levels and sessions. Course reads go
// through the cache; catalog writes invalidate it wholesale.
type CatalogService struct {
	catalog   catalogStore
	sessions  sessionStore
	users     instructorReader
	cache     *CacheService
	cacheTTL  time.Duration
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(catalog catalogStore, sessions sessionStore, users instructorReader, cache *CacheService, cacheTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &CatalogService{
		catalog:   catalog,
		sessions:  sessions,
		users:     users,
		cache:     cache,
		cacheTTL:  cacheTTL,
		validator: validate,
		logger:    logger,
	}
}

// ListCourses returns all courses.
func (s *CatalogService) ListCourses(ctx context.Context) ([]models.Course, error) {
	const cacheKey = "catalog:courses"
	var cached []models.Course
	if s.cache.Enabled() {
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	courses, err := s.catalog.ListCourses(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
	}
	if s.cache.Enabled() {
		_ = s.cache.Set(ctx, cacheKey, courses, s.cacheTTL)
	}
	return courses, nil
}

// GetCourse returns a course by ID.
func (s *CatalogService) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.catalog.FindCourse(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// CreateCourse registers a new course.
func (s *CatalogService) CreateCourse(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course := &models.Course{Title: req.Title, Description: req.Description}
	if err := s.catalog.CreateCourse(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	s.invalidateCatalog(ctx)
	s.logger.Info("course created", zap.String("course_id", course.ID), zap.String("title", course.Title))
	return course, nil
}

// ListLevels returns a course's levels ordered by number.
func (s *CatalogService) ListLevels(ctx context.Context, courseID string) ([]models.Level, error) {
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	cacheKey := "catalog:levels:" + courseID
	var cached []models.Level
	if s.cache.Enabled() {
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	levels, err := s.catalog.ListLevels(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list levels")
	}
	if s.cache.Enabled() {
		_ = s.cache.Set(ctx, cacheKey, levels, s.cacheTTL)
	}
	return levels, nil
}

// CreateLevel registers a level within a course. The level number must be
// unique in the course and within 1..25, and the prerequisite, when set, must
// belong to the same course without closing a cycle.
func (s *CatalogService) CreateLevel(ctx context.Context, courseID string, req CreateLevelRequest) (*models.Level, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status,
			fmt.Sprintf("level number must be between %d and %d", models.MinLevelNumber, models.MaxLevelNumber))
	}
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	taken, err := s.catalog.LevelNumberExists(ctx, courseID, req.LevelNumber, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate level number")
	}
	if taken {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("level number %d already exists in course", req.LevelNumber))
	}

	if req.PrereqLevelID != nil {
		if err := s.validatePrereq(ctx, courseID, "", *req.PrereqLevelID); err != nil {
			return nil, err
		}
	}

	level := &models.Level{
		CourseID:      courseID,
		LevelNumber:   req.LevelNumber,
		Title:         req.Title,
		PrereqLevelID: req.PrereqLevelID,
	}
	if err := s.catalog.CreateLevel(ctx, level); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create level")
	}
	s.invalidateCatalog(ctx)
	s.logger.Info("level created",
		zap.String("level_id", level.ID),
		zap.String("course_id", courseID),
		zap.Int("level_number", level.LevelNumber))
	return level, nil
}

// SetLevelPrereq relinks a level's prerequisite, or clears it when nil.
func (s *CatalogService) SetLevelPrereq(ctx context.Context, levelID string, prereqLevelID *string) (*models.Level, error) {
	level, err := s.catalog.FindLevel(ctx, levelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "level not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load level")
	}

	if prereqLevelID != nil {
		if err := s.validatePrereq(ctx, level.CourseID, level.ID, *prereqLevelID); err != nil {
			return nil, err
		}
	}

	if err := s.catalog.UpdateLevelPrereq(ctx, levelID, prereqLevelID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update level")
	}
	s.invalidateCatalog(ctx)

	level.PrereqLevelID = prereqLevelID
	return level, nil
}

// validatePrereq enforces that a prerequisite belongs to the same course and
// does not close a cycle. The chain walk is bounded by the course's level
// count so a corrupted graph cannot loop forever.
func (s *CatalogService) validatePrereq(ctx context.Context, courseID, levelID, prereqID string) error {
	if prereqID == levelID && levelID != "" {
		return appErrors.Clone(appErrors.ErrValidation, "level cannot be its own prerequisite")
	}

	prereq, err := s.catalog.FindLevel(ctx, prereqID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrValidation, "prerequisite level not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisite level")
	}
	if prereq.CourseID != courseID {
		return appErrors.Clone(appErrors.ErrValidation, "prerequisite must belong to the same course")
	}

	maxDepth, err := s.catalog.CountLevels(ctx, courseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count levels")
	}

	visited := map[string]bool{}
	if levelID != "" {
		visited[levelID] = true
	}
	current := prereq
	for depth := 0; depth <= maxDepth; depth++ {
		if visited[current.ID] {
			return appErrors.Clone(appErrors.ErrValidation, "prerequisite chain would form a cycle")
		}
		visited[current.ID] = true
		if current.PrereqLevelID == nil {
			return nil
		}
		next, err := s.catalog.FindLevel(ctx, *current.PrereqLevelID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to walk prerequisite chain")
		}
		current = next
	}
	return appErrors.Clone(appErrors.ErrValidation, "prerequisite chain exceeds course level count")
}

// GetSession returns a session with its live seat count.
func (s *CatalogService) GetSession(ctx context.Context, id string) (*models.SessionDetail, error) {
	session, err := s.sessions.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// ListSessions returns a level's sessions ordered by start date.
func (s *CatalogService) ListSessions(ctx context.Context, levelID string) ([]models.SessionDetail, error) {
	if _, err := s.catalog.FindLevel(ctx, levelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "level not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load level")
	}

	sessions, err := s.sessions.ListByLevel(ctx, levelID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	return sessions, nil
}

// CreateSession schedules a session for a level. The assigned instructor
// must exist and carry the INSTRUCTOR role.
func (s *CatalogService) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.SessionDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "capacity must be at least 1 and price non-negative")
	}

	if _, err := s.catalog.FindLevel(ctx, req.LevelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "level not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load level")
	}

	instructor, err := s.users.FindByID(ctx, req.InstructorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "instructor not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instructor")
	}
	if instructor.Role != models.RoleInstructor {
		return nil, appErrors.Clone(appErrors.ErrValidation, "assigned user is not an instructor")
	}

	session := &models.ClassSession{
		LevelID:      req.LevelID,
		InstructorID: req.InstructorID,
		Price:        req.Price,
		Capacity:     req.Capacity,
		StartDate:    req.StartDate,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	s.invalidateCatalog(ctx)
	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("level_id", session.LevelID),
		zap.Int("capacity", session.Capacity))

	return s.GetSession(ctx, session.ID)
}

func (s *CatalogService) invalidateCatalog(ctx context.Context) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, "catalog:*"); err != nil {
		s.logger.Warn("catalog cache invalidation failed", zap.Error(err))
	}
}
