// Package storage owns the Postgres schema shared by the identity, audit
// and session stores.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the embedded DDL.
func Schema() string { return schemaSQL }

// EnsureSchema applies the embedded DDL. It is safe to run on every start.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("storage: db is nil")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}
