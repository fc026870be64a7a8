package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/lms-core-api/api/swagger"
	"github.com/noah-isme/lms-core-api/internal/handler"
	"github.com/noah-isme/lms-core-api/internal/middleware"
	"github.com/noah-isme/lms-core-api/internal/models"
	"github.com/noah-isme/lms-core-api/internal/repository"
	"github.com/noah-isme/lms-core-api/internal/service"
	"github.com/noah-isme/lms-core-api/pkg/cache"
	"github.com/noah-isme/lms-core-api/pkg/config"
	"github.com/noah-isme/lms-core-api/pkg/database"
	"github.com/noah-isme/lms-core-api/pkg/jobs"
	"github.com/noah-isme/lms-core-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/lms-core-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/lms-core-api/pkg/middleware/requestid"
	"github.com/noah-isme/lms-core-api/pkg/storage"
)

// @title LMS Core API
// @version 1.0.0
// @description Course catalog, prerequisite-gated enrollment and wallet ledger
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	store := repository.NewStore(db)
	userRepo := repository.NewUserRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Catalog.CacheTTL, logr, cfg.Catalog.CacheEnabled)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "lms-core-api",
	})
	walletSvc := service.NewWalletService(walletRepo, store, validate, logr, metricsSvc)

	statementStore, err := storage.NewLocalStorage(cfg.Statements.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare statement storage", "error", err)
	}
	statementSigner := storage.NewSignedURLSigner(cfg.Statements.SignedURLSecret, cfg.Statements.SignedURLTTL)
	statementSvc := service.NewStatementExportService(walletSvc, statementStore, statementSigner, service.StatementExportConfig{
		APIPrefix:       cfg.APIPrefix,
		ResultTTL:       cfg.Statements.SignedURLTTL,
		CleanupInterval: cfg.Statements.CleanupInterval,
	}, logr)

	prereqSvc := service.NewPrerequisiteService(catalogRepo, enrollmentRepo, logr)
	catalogSvc := service.NewCatalogService(catalogRepo, sessionRepo, userRepo, cacheSvc, cfg.Catalog.CacheTTL, validate, logr)

	refundQueue := jobs.NewQueue("refund-reconciliation", func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(service.RefundJob)
		if !ok {
			return fmt.Errorf("unexpected payload for job %s", job.ID)
		}
		_, err := walletSvc.RefundEnrollment(ctx, payload.UserID, payload.Amount, payload.EnrollmentID, payload.Description)
		return err
	}, jobs.QueueConfig{
		Workers:    cfg.Refunds.WorkerConcurrency,
		MaxRetries: cfg.Refunds.WorkerRetries,
		RetryDelay: cfg.Refunds.RetryDelay,
		Logger:     logr,
	})

	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, sessionRepo, catalogRepo, prereqSvc, walletSvc, store, refundQueue, validate, logr, metricsSvc)

	authHandler := handler.NewAuthHandler(authSvc)
	catalogHandler := handler.NewCatalogHandler(catalogSvc)
	placementHandler := handler.NewPlacementHandler(prereqSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	walletHandler := handler.NewWalletHandler(walletSvc, statementSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	protected := api.Group("", middleware.JWT(authSvc))
	{
		protected.GET("/courses", catalogHandler.ListCourses)
		protected.GET("/courses/:id", catalogHandler.GetCourse)
		protected.POST("/courses", middleware.RequireRoles(models.RoleAdmin), catalogHandler.CreateCourse)
		protected.GET("/courses/:id/levels", catalogHandler.ListLevels)
		protected.POST("/courses/:id/levels", middleware.RequireRoles(models.RoleAdmin), catalogHandler.CreateLevel)
		protected.GET("/courses/:id/levels/:number/eligibility", placementHandler.Eligibility)
		protected.PUT("/levels/:id/prerequisite", middleware.RequireRoles(models.RoleAdmin), catalogHandler.SetLevelPrereq)
		protected.GET("/levels/:id/sessions", catalogHandler.ListSessions)
		protected.GET("/sessions/:id", catalogHandler.GetSession)
		protected.POST("/sessions", middleware.RequireRoles(models.RoleAdmin), catalogHandler.CreateSession)

		protected.GET("/enrollments", enrollmentHandler.List)
		protected.GET("/enrollments/:id", enrollmentHandler.Get)
		protected.POST("/enrollments", middleware.RequireRoles(models.RoleStudent), enrollmentHandler.Create)
		protected.PUT("/enrollments/:id/score", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), enrollmentHandler.FinalizeScore)

		protected.GET("/wallet", walletHandler.Get)
		protected.POST("/wallet/deposit", walletHandler.Deposit)
		protected.GET("/wallet/transactions", walletHandler.Transactions)
		protected.GET("/wallet/statement", walletHandler.Statement)
		protected.POST("/wallet/statement/export", walletHandler.ExportStatement)
		protected.GET("/wallet/statement/downloads/:token", walletHandler.DownloadStatement)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	refundQueue.Start(rootCtx)
	defer refundQueue.Stop()

	statementSvc.StartCleanup(rootCtx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
