package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/storage"
)

type statementRenderer interface {
	Statement(ctx context.Context, userID, format string) ([]byte, string, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// StatementExportConfig tunes export persistence behaviour.
type StatementExportConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// StatementExport captures successful generation metadata.
type StatementExport struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StatementDownload aggregates resolved download data.
type StatementDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	SizeBytes   int64
	ExpiresAt   time.Time
}

// StatementExportService persists rendered wallet statements and hands out
// signed download links bound to the statement owner.
type StatementExportService struct {
	renderer statementRenderer
	storage  fileStorage
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      StatementExportConfig
}

// NewStatementExportService constructs a StatementExportService.
func NewStatementExportService(renderer statementRenderer, store fileStorage, signer *storage.SignedURLSigner, cfg StatementExportConfig, logger *zap.Logger) *StatementExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &StatementExportService{
		renderer: renderer,
		storage:  store,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Export renders the user's statement, stores the file, and returns a signed
// download URL valid until the configured TTL.
func (s *StatementExportService) Export(ctx context.Context, userID, format string) (*StatementExport, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = "csv"
	}

	payload, _, err := s.renderer.Statement(ctx, userID, format)
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("%s/statement_%s.%s", userID, time.Now().UTC().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store statement")
	}

	token, expiresAt, err := s.signer.Generate(userID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign statement URL")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	url := fmt.Sprintf("%s/wallet/statement/downloads/%s", prefix, token)

	s.logger.Info("statement exported",
		zap.String("user_id", userID),
		zap.String("format", format),
		zap.String("path", relPath))

	return &StatementExport{
		Token:     token,
		URL:       url,
		Format:    format,
		ExpiresAt: expiresAt,
	}, nil
}

// Download validates the signed token, enforces ownership, and opens the
// stored statement file. Admins may fetch any user's export.
func (s *StatementExportService) Download(token string, actor *models.JWTClaims) (*StatementDownload, error) {
	ownerID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.UserID != ownerID && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}

	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "statement no longer available")
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat statement file")
	}

	contentType := "text/csv"
	if strings.EqualFold(filepath.Ext(relPath), ".pdf") {
		contentType = "application/pdf"
	}

	return &StatementDownload{
		File:        file,
		Filename:    filepath.Base(relPath),
		ContentType: contentType,
		SizeBytes:   info.Size(),
		ExpiresAt:   expiresAt,
	}, nil
}

// StartCleanup boots a goroutine that purges expired statement files periodically.
func (s *StatementExportService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
				if err != nil {
					s.logger.Warn("statement cleanup failed", zap.Error(err))
					continue
				}
				if len(deleted) > 0 {
					s.logger.Info("expired statements removed", zap.Int("count", len(deleted)))
				}
			}
		}
	}()
}
