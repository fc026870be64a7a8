package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store wraps the database handle and runs multi-repository atomic units.
type Store struct {
	db *sqlx.DB
}

// NewStore constructs a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithinTx executes fn inside a single database transaction. Any error from
// fn rolls the whole unit back; row locks taken by fn are released on
// commit or rollback, never held beyond the transaction boundary.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
