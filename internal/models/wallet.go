package models

import "time"

// Wallet holds a user's balance in whole currency units. Balance never goes
// negative; every change appends a Transaction in the same atomic unit.
type Wallet struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TransactionType tags ledger entries.
type TransactionType string

// Supported transaction types.
const (
	TransactionTypeDeposit TransactionType = "DEPOSIT"
	TransactionTypePayment TransactionType = "PAYMENT"
	TransactionTypeRefund  TransactionType = "REFUND"
)

// Transaction is an immutable, append-only ledger entry.
type Transaction struct {
	ID           string          `db:"id" json:"id"`
	WalletID     string          `db:"wallet_id" json:"wallet_id"`
	EnrollmentID *string         `db:"enrollment_id" json:"enrollment_id,omitempty"`
	Amount       int64           `db:"amount" json:"amount"`
	Type         TransactionType `db:"transaction_type" json:"transaction_type"`
	IsSuccessful bool            `db:"is_successful" json:"is_successful"`
	Description  string          `db:"description" json:"description"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// TransactionFilter narrows transaction history listings.
type TransactionFilter struct {
	Type     TransactionType
	Page     int
	PageSize int
}
