package service

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/storage"
)

type rendererStub struct{}

func (rendererStub) Statement(ctx context.Context, userID, format string) ([]byte, string, error) {
	switch format {
	case "csv":
		return []byte("Date,Type,Amount\n2026-08-01,DEPOSIT,5000\n"), "text/csv", nil
	case "pdf":
		return []byte("%PDF-1.4 stub"), "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported statement format")
	}
}

func newStatementExportFixture(t *testing.T) (*StatementExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := StatementExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	return NewStatementExportService(rendererStub{}, store, signer, cfg, zap.NewNop()), store
}

func studentClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleStudent}
}

func TestStatementExportServiceExportCSV(t *testing.T) {
	svc, store := newStatementExportFixture(t)

	result, err := svc.Export(context.Background(), "user-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "csv", result.Format)
	assert.Contains(t, result.URL, "/api/v1/wallet/statement/downloads/")
	assert.True(t, result.ExpiresAt.After(time.Now()))

	_, relPath, _, err := storage.NewSignedURLSigner("secret", time.Hour).Parse(result.Token, false)
	require.NoError(t, err)
	info, err := os.Stat(store.Path(relPath))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestStatementExportServiceDownloadRoundTrip(t *testing.T) {
	svc, _ := newStatementExportFixture(t)

	result, err := svc.Export(context.Background(), "user-1", "pdf")
	require.NoError(t, err)

	download, err := svc.Download(result.Token, studentClaims("user-1"))
	require.NoError(t, err)
	defer download.File.Close()

	assert.Equal(t, "application/pdf", download.ContentType)
	assert.True(t, strings.HasSuffix(download.Filename, ".pdf"))
	payload, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Equal(t, download.SizeBytes, int64(len(payload)))
}

func TestStatementExportServiceDownloadForeignUserForbidden(t *testing.T) {
	svc, _ := newStatementExportFixture(t)

	result, err := svc.Export(context.Background(), "user-1", "csv")
	require.NoError(t, err)

	_, err = svc.Download(result.Token, studentClaims("user-2"))
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestStatementExportServiceDownloadAdminAllowed(t *testing.T) {
	svc, _ := newStatementExportFixture(t)

	result, err := svc.Export(context.Background(), "user-1", "csv")
	require.NoError(t, err)

	download, err := svc.Download(result.Token, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, "text/csv", download.ContentType)
}

func TestStatementExportServiceDownloadRejectsTamperedToken(t *testing.T) {
	svc, _ := newStatementExportFixture(t)

	result, err := svc.Export(context.Background(), "user-1", "csv")
	require.NoError(t, err)

	tampered := result.Token[:len(result.Token)-2] + "xx"
	_, err = svc.Download(tampered, studentClaims("user-1"))
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestStatementExportServiceExportRejectsUnknownFormat(t *testing.T) {
	svc, _ := newStatementExportFixture(t)

	_, err := svc.Export(context.Background(), "user-1", "xlsx")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}
