package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-core-api/internal/models"
)

// ErrInsufficientFunds is returned by DebitTx when the locked balance cannot
// cover the requested amount. The surrounding transaction must be rolled back.
var ErrInsufficientFunds = errors.New("insufficient wallet balance")

// WalletRepository persists wallets and their append-only transaction log.
type WalletRepository struct {
	db *sqlx.DB
}

// NewWalletRepository constructs the repository.
func NewWalletRepository(db *sqlx.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// FindByUser returns the wallet owned by the given user.
func (r *WalletRepository) FindByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	const query = `SELECT id, user_id, balance, updated_at FROM wallets WHERE user_id = $1`
	var wallet models.Wallet
	if err := r.db.GetContext(ctx, &wallet, query, userID); err != nil {
		return nil, err
	}
	return &wallet, nil
}

// CreateIfMissing inserts a zero-balance wallet for the user unless one exists,
// then returns the current row.
func (r *WalletRepository) CreateIfMissing(ctx context.Context, userID string) (*models.Wallet, error) {
	const insert = `INSERT INTO wallets (id, user_id, balance, updated_at)
        VALUES ($1, $2, 0, $3)
        ON CONFLICT (user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, insert, uuid.NewString(), userID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return r.FindByUser(ctx, userID)
}

// lockTx reads the wallet row under an exclusive lock scoped to tx.
func (r *WalletRepository) lockTx(ctx context.Context, tx *sqlx.Tx, userID string) (*models.Wallet, error) {
	const query = `SELECT id, user_id, balance, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE`
	var wallet models.Wallet
	if err := tx.GetContext(ctx, &wallet, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &wallet, nil
}

// DebitTx locks the user's wallet row, verifies the balance covers amount and
// decrements it, appending one successful transaction entry in the same
// atomic unit. Returns ErrInsufficientFunds without mutating anything when
// the balance is too low.
func (r *WalletRepository) DebitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error) {
	wallet, err := r.lockTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < amount {
		return nil, ErrInsufficientFunds
	}
	return r.applyTx(ctx, tx, wallet, -amount, entry)
}

// CreditTx locks the user's wallet row and increments the balance, appending
// one successful transaction entry in the same atomic unit.
func (r *WalletRepository) CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, entry models.Transaction) (*models.Wallet, error) {
	wallet, err := r.lockTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	return r.applyTx(ctx, tx, wallet, amount, entry)
}

func (r *WalletRepository) applyTx(ctx context.Context, tx *sqlx.Tx, wallet *models.Wallet, delta int64, entry models.Transaction) (*models.Wallet, error) {
	now := time.Now().UTC()
	const update = `UPDATE wallets SET balance = balance + $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, wallet.ID, delta, now); err != nil {
		return nil, fmt.Errorf("update wallet balance: %w", err)
	}

	entry.ID = uuid.NewString()
	entry.WalletID = wallet.ID
	entry.IsSuccessful = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	const insert = `INSERT INTO transactions (id, wallet_id, enrollment_id, amount, transaction_type, is_successful, description, created_at)
        VALUES (:id, :wallet_id, :enrollment_id, :amount, :transaction_type, :is_successful, :description, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, entry); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	wallet.Balance += delta
	wallet.UpdatedAt = now
	return wallet, nil
}

// ListTransactions returns the wallet's history, newest first.
func (r *WalletRepository) ListTransactions(ctx context.Context, walletID string, filter models.TransactionFilter) ([]models.Transaction, int, error) {
	base := "FROM transactions WHERE wallet_id = $1"
	args := []interface{}{walletID}
	var conditions []string
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("transaction_type = $%d", len(args)+1))
		args = append(args, filter.Type)
	}
	clause := base
	if len(conditions) > 0 {
		clause += " AND " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT id, wallet_id, enrollment_id, amount, transaction_type, is_successful, description, created_at
        %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, clause, size, offset)

	var entries []models.Transaction
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	return entries, total, nil
}

// ListAllTransactions returns the full history for statement export, newest first.
func (r *WalletRepository) ListAllTransactions(ctx context.Context, walletID string) ([]models.Transaction, error) {
	const query = `SELECT id, wallet_id, enrollment_id, amount, transaction_type, is_successful, description, created_at
        FROM transactions WHERE wallet_id = $1 ORDER BY created_at DESC`
	var entries []models.Transaction
	if err := r.db.SelectContext(ctx, &entries, query, walletID); err != nil {
		return nil, fmt.Errorf("list statement transactions: %w", err)
	}
	return entries, nil
}
