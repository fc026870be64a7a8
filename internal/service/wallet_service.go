package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	"github.com/noah-isme/lms-core-api/internal/repository"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/export"
)

type walletStore interface {
	FindByUser(ctx context.Context, userID string) (*models.Wallet, error)
	CreateIfMissing(ctx context.Context, userID string) (*models.Wallet, error)
	DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error)
	CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error)
	ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]models.Transaction, int, error)
	ListAllTransactions(ctx context.Context, walletID string) ([]models.Transaction, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

// DepositRequest describes a wallet top-up payload.
type DepositRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// WalletService owns the ledger: balance mutations always travel with one
// appended transaction row inside a single atomic unit.
type WalletService struct {
	wallets   walletStore
	store     txRunner
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// NewWalletService constructs WalletService.
func NewWalletService(wallets walletStore, store txRunner, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService) *WalletService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletService{wallets: wallets, store: store, validator: validate, logger: logger, metrics: metrics}
}

// GetWallet returns the user's wallet, creating an empty one on first access.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := s.wallets.CreateIfMissing(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load wallet")
	}
	return wallet, nil
}

// Deposit credits a settled top-up onto the wallet.
func (s *WalletService) Deposit(ctx context.Context, userID string, req DepositRequest) (*models.Wallet, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "deposit amount must be positive")
	}
	if _, err := s.wallets.CreateIfMissing(ctx, userID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load wallet")
	}

	var wallet *models.Wallet
	err := s.store.WithinTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		wallet, err = s.wallets.CreditTx(ctx, tx, userID, req.Amount, models.Transaction{
			Amount:      req.Amount,
			Type:        models.TransactionTypeDeposit,
			Description: fmt.Sprintf("wallet deposit of %d", req.Amount),
		})
		return err
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deposit")
	}
	s.metrics.RecordWalletTransaction(models.TransactionTypeDeposit)
	s.logger.Info("wallet deposit",
		zap.String("user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", wallet.Balance))
	return wallet, nil
}

// RefundEnrollment credits a compensating refund tagged with the enrollment.
func (s *WalletService) RefundEnrollment(ctx context.Context, userID string, amount int64, enrollmentID, description string) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "refund amount must be positive")
	}
	if _, err := s.wallets.CreateIfMissing(ctx, userID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load wallet")
	}

	var wallet *models.Wallet
	err := s.store.WithinTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		wallet, err = s.wallets.CreditTx(ctx, tx, userID, amount, models.Transaction{
			EnrollmentID: &enrollmentID,
			Amount:       amount,
			Type:         models.TransactionTypeRefund,
			Description:  description,
		})
		return err
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to refund")
	}
	s.metrics.RecordWalletTransaction(models.TransactionTypeRefund)
	return wallet, nil
}

// PayForEnrollmentTx debits the session price inside the caller's transaction,
// tagging the payment with the enrollment for audit. The caller owns the
// atomic unit; an insufficient balance surfaces as ErrInsufficientFunds and
// must roll the whole unit back.
func (s *WalletService) PayForEnrollmentTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, enrollmentID string) error {
	_, err := s.wallets.DebitTx(ctx, tx, userID, amount, models.Transaction{
		EnrollmentID: &enrollmentID,
		Amount:       amount,
		Type:         models.TransactionTypePayment,
		Description:  fmt.Sprintf("payment of %d for enrollment %s", amount, enrollmentID),
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return appErrors.Clone(appErrors.ErrInsufficientFunds, "")
		}
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInsufficientFunds, "wallet not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to debit wallet")
	}
	s.metrics.RecordWalletTransaction(models.TransactionTypePayment)
	return nil
}

// ListTransactions returns the wallet history with pagination, newest first.
func (s *WalletService) ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]models.Transaction, *models.Pagination, error) {
	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	entries, total, err := s.wallets.ListTransactions(ctx, wallet.ID, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list transactions")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return entries, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Statement renders the full transaction history as CSV or PDF.
func (s *WalletService) Statement(ctx context.Context, userID, format string) ([]byte, string, error) {
	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	entries, err := s.wallets.ListAllTransactions(ctx, wallet.ID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load statement")
	}

	dataset := export.Dataset{
		Headers: []string{"Date", "Type", "Amount", "Enrollment", "Successful", "Description"},
		Rows:    make([]map[string]string, 0, len(entries)),
	}
	for _, entry := range entries {
		enrollmentRef := ""
		if entry.EnrollmentID != nil {
			enrollmentRef = *entry.EnrollmentID
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Date":        entry.CreatedAt.UTC().Format(time.RFC3339),
			"Type":        string(entry.Type),
			"Amount":      strconv.FormatInt(entry.Amount, 10),
			"Enrollment":  enrollmentRef,
			"Successful":  strconv.FormatBool(entry.IsSuccessful),
			"Description": entry.Description,
		})
	}

	switch strings.ToLower(format) {
	case "", "csv":
		payload, err := export.NewCSVExporter().Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render statement")
		}
		return payload, "text/csv", nil
	case "pdf":
		payload, err := export.NewPDFExporter().Render(dataset, "Wallet Statement")
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render statement")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported statement format")
	}
}
