// Package migrations creates the database schema. Statements are idempotent
// so Apply can run on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS owner_balances (
		address    TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		asset      TEXT NOT NULL,
		balance    BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (owner, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS name_balances (
		address    TEXT PRIMARY KEY,
		username   TEXT NOT NULL,
		asset      TEXT NOT NULL,
		balance    BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (username, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS vaults (
		address    TEXT PRIMARY KEY,
		asset      TEXT NOT NULL UNIQUE,
		custodied  BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identity_sessions (
		owner              TEXT PRIMARY KEY,
		username           TEXT NOT NULL,
		validation_payload BYTEA NOT NULL,
		auth_at            BIGINT NOT NULL,
		verified           BOOLEAN NOT NULL DEFAULT FALSE,
		created_at         TIMESTAMPTZ NOT NULL,
		verified_at        TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS consumed_payloads (
		digest      TEXT PRIMARY KEY,
		consumed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delegations (
		id                      TEXT PRIMARY KEY,
		account                 TEXT NOT NULL,
		validator               TEXT NOT NULL DEFAULT '',
		status                  TEXT NOT NULL,
		delegated_at            TIMESTAMPTZ NOT NULL,
		undelegate_requested_at TIMESTAMPTZ,
		completed_at            TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS delegations_active_account
		ON delegations (account) WHERE status != 'resident'`,
	`CREATE TABLE IF NOT EXISTS staging_buffers (
		account    TEXT PRIMARY KEY,
		id         TEXT NOT NULL,
		balance    BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		flushed_at TIMESTAMPTZ
	)`,
}

// Apply runs all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// Count reports how many schema statements Apply runs. Used by tests.
func Count() int { return len(statements) }
