// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-network/custodia/internal/address"
	"github.com/custodia-network/custodia/internal/app/domain/delegation"
	"github.com/custodia-network/custodia/internal/app/domain/ledger"
	"github.com/custodia-network/custodia/internal/app/domain/session"
	"github.com/custodia-network/custodia/internal/app/storage"
	"github.com/custodia-network/custodia/internal/errors"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.DelegationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) CreateOwnerBalance(ctx context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_balances (address, owner, asset, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Address.String(), rec.Owner, rec.Asset, int64(rec.Balance), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return ledger.OwnerBalance{}, err
	}
	return rec, nil
}

func (s *Store) GetOwnerBalance(ctx context.Context, addr address.Address) (ledger.OwnerBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, owner, asset, balance, created_at, updated_at
		FROM owner_balances
		WHERE address = $1
	`, addr.String())

	var (
		rec     ledger.OwnerBalance
		rawAddr string
		balance int64
	)
	if err := row.Scan(&rawAddr, &rec.Owner, &rec.Asset, &balance, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OwnerBalance{}, mapNotFound(err, "owner balance not found")
	}
	rec.Address = address.Address(rawAddr)
	rec.Balance = uint64(balance)
	return rec, nil
}

func (s *Store) UpdateOwnerBalance(ctx context.Context, rec ledger.OwnerBalance) (ledger.OwnerBalance, error) {
	rec.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE owner_balances
		SET balance = $2, updated_at = $3
		WHERE address = $1
	`, rec.Address.String(), int64(rec.Balance), rec.UpdatedAt)
	if err != nil {
		return ledger.OwnerBalance{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ledger.OwnerBalance{}, errors.NotFound("owner balance not found")
	}
	return rec, nil
}

func (s *Store) ListOwnerBalances(ctx context.Context, asset string) ([]ledger.OwnerBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, owner, asset, balance, created_at, updated_at
		FROM owner_balances
		WHERE ($1 = '' OR asset = $1)
		ORDER BY created_at
	`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.OwnerBalance
	for rows.Next() {
		var (
			rec     ledger.OwnerBalance
			rawAddr string
			balance int64
		)
		if err := rows.Scan(&rawAddr, &rec.Owner, &rec.Asset, &balance, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Address = address.Address(rawAddr)
		rec.Balance = uint64(balance)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) CreateNameBalance(ctx context.Context, rec ledger.NameBalance) (ledger.NameBalance, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO name_balances (address, username, asset, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Address.String(), rec.Username, rec.Asset, int64(rec.Balance), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return ledger.NameBalance{}, err
	}
	return rec, nil
}

func (s *Store) GetNameBalance(ctx context.Context, addr address.Address) (ledger.NameBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, username, asset, balance, created_at, updated_at
		FROM name_balances
		WHERE address = $1
	`, addr.String())

	var (
		rec     ledger.NameBalance
		rawAddr string
		balance int64
	)
	if err := row.Scan(&rawAddr, &rec.Username, &rec.Asset, &balance, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.NameBalance{}, mapNotFound(err, "name balance not found")
	}
	rec.Address = address.Address(rawAddr)
	rec.Balance = uint64(balance)
	return rec, nil
}

func (s *Store) UpdateNameBalance(ctx context.Context, rec ledger.NameBalance) (ledger.NameBalance, error) {
	rec.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE name_balances
		SET balance = $2, updated_at = $3
		WHERE address = $1
	`, rec.Address.String(), int64(rec.Balance), rec.UpdatedAt)
	if err != nil {
		return ledger.NameBalance{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ledger.NameBalance{}, errors.NotFound("name balance not found")
	}
	return rec, nil
}

func (s *Store) ListNameBalances(ctx context.Context, asset string) ([]ledger.NameBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, username, asset, balance, created_at, updated_at
		FROM name_balances
		WHERE ($1 = '' OR asset = $1)
		ORDER BY created_at
	`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.NameBalance
	for rows.Next() {
		var (
			rec     ledger.NameBalance
			rawAddr string
			balance int64
		)
		if err := rows.Scan(&rawAddr, &rec.Username, &rec.Asset, &balance, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Address = address.Address(rawAddr)
		rec.Balance = uint64(balance)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) GetVault(ctx context.Context, addr address.Address) (ledger.Vault, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, asset, custodied, created_at, updated_at
		FROM vaults
		WHERE address = $1
	`, addr.String())

	var (
		vault     ledger.Vault
		rawAddr   string
		custodied int64
	)
	if err := row.Scan(&rawAddr, &vault.Asset, &custodied, &vault.CreatedAt, &vault.UpdatedAt); err != nil {
		return ledger.Vault{}, mapNotFound(err, "vault not found")
	}
	vault.Address = address.Address(rawAddr)
	vault.Custodied = uint64(custodied)
	return vault, nil
}

func (s *Store) UpsertVault(ctx context.Context, vault ledger.Vault) (ledger.Vault, error) {
	now := time.Now().UTC()
	if vault.CreatedAt.IsZero() {
		vault.CreatedAt = now
	}
	vault.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vaults (address, asset, custodied, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE
		SET custodied = EXCLUDED.custodied, updated_at = EXCLUDED.updated_at
	`, vault.Address.String(), vault.Asset, int64(vault.Custodied), vault.CreatedAt, vault.UpdatedAt)
	if err != nil {
		return ledger.Vault{}, err
	}
	return vault, nil
}

func (s *Store) ListVaults(ctx context.Context) ([]ledger.Vault, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, asset, custodied, created_at, updated_at
		FROM vaults
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Vault
	for rows.Next() {
		var (
			vault     ledger.Vault
			rawAddr   string
			custodied int64
		)
		if err := rows.Scan(&rawAddr, &vault.Asset, &custodied, &vault.CreatedAt, &vault.UpdatedAt); err != nil {
			return nil, err
		}
		vault.Address = address.Address(rawAddr)
		vault.Custodied = uint64(custodied)
		result = append(result, vault)
	}
	return result, rows.Err()
}

// --- SessionStore -----------------------------------------------------------

func (s *Store) PutSession(ctx context.Context, sess session.IdentitySession) (session.IdentitySession, error) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_sessions (owner, username, validation_payload, auth_at, verified, created_at, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner) DO UPDATE
		SET username = EXCLUDED.username,
		    validation_payload = EXCLUDED.validation_payload,
		    auth_at = EXCLUDED.auth_at,
		    verified = EXCLUDED.verified,
		    created_at = EXCLUDED.created_at,
		    verified_at = EXCLUDED.verified_at
	`, sess.Owner, sess.Username, sess.ValidationPayload, int64(sess.AuthAt), sess.Verified, sess.CreatedAt, sess.VerifiedAt)
	if err != nil {
		return session.IdentitySession{}, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, owner string) (session.IdentitySession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner, username, validation_payload, auth_at, verified, created_at, verified_at
		FROM identity_sessions
		WHERE owner = $1
	`, owner)

	var (
		sess   session.IdentitySession
		authAt int64
	)
	if err := row.Scan(&sess.Owner, &sess.Username, &sess.ValidationPayload, &authAt, &sess.Verified, &sess.CreatedAt, &sess.VerifiedAt); err != nil {
		return session.IdentitySession{}, mapNotFound(err, "identity session not found")
	}
	sess.AuthAt = uint64(authAt)
	return sess, nil
}

func (s *Store) ConsumePayload(ctx context.Context, digest string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO consumed_payloads (digest, consumed_at)
		VALUES ($1, $2)
		ON CONFLICT (digest) DO NOTHING
	`, digest, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.Replay("validation payload already consumed")
	}
	return nil
}

// --- DelegationStore --------------------------------------------------------

func (s *Store) CreateDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DelegatedAt.IsZero() {
		rec.DelegatedAt = time.Now().UTC()
	}

	// The partial unique index on active delegations turns a concurrent
	// double-delegate into a constraint violation.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, account, validator, status, delegated_at, undelegate_requested_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Account.String(), rec.Validator, string(rec.Status), rec.DelegatedAt, rec.UndelegateRequestedAt, rec.CompletedAt)
	if err != nil {
		return delegation.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetActiveDelegation(ctx context.Context, account address.Address) (delegation.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account, validator, status, delegated_at, undelegate_requested_at, completed_at
		FROM delegations
		WHERE account = $1 AND status != $2
	`, account.String(), string(delegation.StatusResident))
	return scanDelegation(row)
}

func (s *Store) UpdateDelegation(ctx context.Context, rec delegation.Record) (delegation.Record, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET status = $2, undelegate_requested_at = $3, completed_at = $4
		WHERE id = $1
	`, rec.ID, string(rec.Status), rec.UndelegateRequestedAt, rec.CompletedAt)
	if err != nil {
		return delegation.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return delegation.Record{}, errors.NotFound("delegation not found")
	}
	return rec, nil
}

func (s *Store) DeleteDelegation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM delegations WHERE id = $1
	`, id)
	return err
}

func (s *Store) ListDelegations(ctx context.Context) ([]delegation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account, validator, status, delegated_at, undelegate_requested_at, completed_at
		FROM delegations
		ORDER BY delegated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []delegation.Record
	for rows.Next() {
		rec, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) PutBuffer(ctx context.Context, buf delegation.StagingBuffer) (delegation.StagingBuffer, error) {
	if buf.ID == "" {
		buf.ID = uuid.NewString()
	}
	if buf.CreatedAt.IsZero() {
		buf.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staging_buffers (account, id, balance, created_at, flushed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE
		SET balance = EXCLUDED.balance, flushed_at = EXCLUDED.flushed_at
	`, buf.Account.String(), buf.ID, int64(buf.Balance), buf.CreatedAt, buf.FlushedAt)
	if err != nil {
		return delegation.StagingBuffer{}, err
	}
	return buf, nil
}

func (s *Store) GetBuffer(ctx context.Context, account address.Address) (delegation.StagingBuffer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account, id, balance, created_at, flushed_at
		FROM staging_buffers
		WHERE account = $1
	`, account.String())

	var (
		buf        delegation.StagingBuffer
		rawAccount string
		balance    int64
	)
	if err := row.Scan(&rawAccount, &buf.ID, &balance, &buf.CreatedAt, &buf.FlushedAt); err != nil {
		return delegation.StagingBuffer{}, mapNotFound(err, "staging buffer not found")
	}
	buf.Account = address.Address(rawAccount)
	buf.Balance = uint64(balance)
	return buf, nil
}

func (s *Store) DeleteBuffer(ctx context.Context, account address.Address) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM staging_buffers WHERE account = $1
	`, account.String())
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelegation(row rowScanner) (delegation.Record, error) {
	var (
		rec        delegation.Record
		rawAccount string
		status     string
	)
	if err := row.Scan(&rec.ID, &rawAccount, &rec.Validator, &status, &rec.DelegatedAt, &rec.UndelegateRequestedAt, &rec.CompletedAt); err != nil {
		return delegation.Record{}, mapNotFound(err, "delegation not found")
	}
	rec.Account = address.Address(rawAccount)
	rec.Status = delegation.Status(status)
	return rec, nil
}

func mapNotFound(err error, message string) error {
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(message)
	}
	return err
}
