package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-core-api/internal/models"
	"github.com/noah-isme/lms-core-api/internal/repository"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
)

type mockWalletStore struct {
	wallets map[string]*models.Wallet
	entries []models.Transaction
}

func (m *mockWalletStore) FindByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	if w, ok := m.wallets[userID]; ok {
		return w, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockWalletStore) CreateIfMissing(ctx context.Context, userID string) (*models.Wallet, error) {
	if m.wallets == nil {
		m.wallets = make(map[string]*models.Wallet)
	}
	if w, ok := m.wallets[userID]; ok {
		return w, nil
	}
	w := &models.Wallet{ID: "wallet-" + userID, UserID: userID}
	m.wallets[userID] = w
	return w, nil
}

func (m *mockWalletStore) DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return nil, repository.ErrInsufficientFunds
	}
	if w.Balance < amount {
		return nil, repository.ErrInsufficientFunds
	}
	w.Balance -= amount
	entry.WalletID = w.ID
	entry.IsSuccessful = true
	m.entries = append(m.entries, entry)
	return w, nil
}

func (m *mockWalletStore) CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error) {
	w := m.wallets[userID]
	w.Balance += amount
	entry.WalletID = w.ID
	entry.IsSuccessful = true
	m.entries = append(m.entries, entry)
	return w, nil
}

func (m *mockWalletStore) ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]models.Transaction, int, error) {
	return m.entries, len(m.entries), nil
}

func (m *mockWalletStore) ListAllTransactions(ctx context.Context, walletID string) ([]models.Transaction, error) {
	return m.entries, nil
}

func TestWalletServiceGetCreatesOnFirstAccess(t *testing.T) {
	store := &mockWalletStore{}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	wallet, err := svc.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wallet.Balance)

	again, err := svc.GetWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, wallet.ID, again.ID)
}

func TestWalletServiceDeposit(t *testing.T) {
	store := &mockWalletStore{}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	wallet, err := svc.Deposit(context.Background(), "user-1", DepositRequest{Amount: 2500})
	require.NoError(t, err)
	assert.Equal(t, int64(2500), wallet.Balance)
	require.Len(t, store.entries, 1)
	assert.Equal(t, models.TransactionTypeDeposit, store.entries[0].Type)
	assert.True(t, store.entries[0].IsSuccessful)
}

func TestWalletServiceDepositRejectsNonPositive(t *testing.T) {
	svc := NewWalletService(&mockWalletStore{}, &mockTxRunner{}, nil, zap.NewNop(), nil)

	for _, amount := range []int64{0, -100} {
		_, err := svc.Deposit(context.Background(), "user-1", DepositRequest{Amount: amount})
		require.Error(t, err)
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	}
}

func TestWalletServicePayForEnrollment(t *testing.T) {
	store := &mockWalletStore{wallets: map[string]*models.Wallet{
		"user-1": {ID: "wallet-1", UserID: "user-1", Balance: 10000},
	}}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	err := svc.PayForEnrollmentTx(context.Background(), nil, "user-1", 6000, "enr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), store.wallets["user-1"].Balance)
	require.Len(t, store.entries, 1)
	assert.Equal(t, models.TransactionTypePayment, store.entries[0].Type)
	require.NotNil(t, store.entries[0].EnrollmentID)
	assert.Equal(t, "enr-1", *store.entries[0].EnrollmentID)
}

func TestWalletServicePayInsufficientFunds(t *testing.T) {
	store := &mockWalletStore{wallets: map[string]*models.Wallet{
		"user-1": {ID: "wallet-1", UserID: "user-1", Balance: 100},
	}}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	err := svc.PayForEnrollmentTx(context.Background(), nil, "user-1", 6000, "enr-1")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInsufficientFunds.Code, appErr.Code)
	assert.Equal(t, int64(100), store.wallets["user-1"].Balance)
}

func TestWalletServiceRefundEnrollment(t *testing.T) {
	store := &mockWalletStore{wallets: map[string]*models.Wallet{
		"user-1": {ID: "wallet-1", UserID: "user-1", Balance: 500},
	}}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	wallet, err := svc.RefundEnrollment(context.Background(), "user-1", 6000, "enr-1", "refund for enrollment enr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6500), wallet.Balance)
	require.Len(t, store.entries, 1)
	assert.Equal(t, models.TransactionTypeRefund, store.entries[0].Type)
}

func TestWalletServiceStatementCSV(t *testing.T) {
	enrollmentID := "enr-1"
	store := &mockWalletStore{
		wallets: map[string]*models.Wallet{"user-1": {ID: "wallet-1", UserID: "user-1"}},
		entries: []models.Transaction{
			{WalletID: "wallet-1", Amount: 2500, Type: models.TransactionTypeDeposit, IsSuccessful: true, CreatedAt: time.Now()},
			{WalletID: "wallet-1", EnrollmentID: &enrollmentID, Amount: 2000, Type: models.TransactionTypePayment, IsSuccessful: true, CreatedAt: time.Now()},
		},
	}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	payload, contentType, err := svc.Statement(context.Background(), "user-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	body := string(payload)
	assert.True(t, strings.Contains(body, "DEPOSIT"))
	assert.True(t, strings.Contains(body, "PAYMENT"))
	assert.True(t, strings.Contains(body, "enr-1"))
}

func TestWalletServiceStatementUnknownFormat(t *testing.T) {
	store := &mockWalletStore{wallets: map[string]*models.Wallet{"user-1": {ID: "wallet-1", UserID: "user-1"}}}
	svc := NewWalletService(store, &mockTxRunner{}, nil, zap.NewNop(), nil)

	_, _, err := svc.Statement(context.Background(), "user-1", "xlsx")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}
