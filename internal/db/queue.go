package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DbQueue serialises write access to PostgreSQL. Every mutation from the
// pipeline goes through Execute so partial writes never escape a transaction.
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a queue over an open connection.
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{db: db}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
