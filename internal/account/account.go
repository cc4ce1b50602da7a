// Package account provides the data model and operations for user
// accounts. Each account is identified by a DID derived from its
// signing key and a DNS-based handle. The signing key is generated at
// account creation and persisted with the account row; it signs every
// repository commit the account makes.
//
// Statuses control the account's operational state:
//   - active:    fully functional
//   - suspended: can post locally but data is not synced to relays
//   - disabled:  data preserved but cannot create new content
//   - removed:   tombstone row; all associated data is deleted
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/primal-host/quartz-pds/internal/crypto"
	"github.com/primal-host/quartz-pds/internal/database"
)

// Sentinel errors for account operations.
var (
	ErrNotFound    = errors.New("account: not found")
	ErrHandleTaken = errors.New("account: handle already taken")
)

// Valid statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
	StatusRemoved   = "removed"
)

// Account represents a user account hosted by this PDS.
type Account struct {
	ID        int       `json:"id"`
	DID       string    `json:"did"`
	Handle    string    `json:"handle"`
	Email     string    `json:"email,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for creating a new account.
type CreateParams struct {
	Handle   string
	Email    string
	Password string // plaintext, will be hashed
}

// Store provides account CRUD operations backed by PostgreSQL.
type Store struct {
	db              *database.DB
	serviceEndpoint string
}

// NewStore creates an account Store. serviceEndpoint is this PDS's
// public URL, baked into each account's genesis PLC operation.
func NewStore(db *database.DB, serviceEndpoint string) *Store {
	return &Store{db: db, serviceEndpoint: serviceEndpoint}
}

// Create inserts a new account. It generates a K-256 signing key,
// derives the did:plc from the genesis operation, hashes the password,
// and stores everything in one row. The genesis operation is returned
// for optional PLC directory registration.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, *PLCOperation, error) {
	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}
	signingKey := crypto.FormatPrivateKey(key)

	did, op, err := GeneratePLCDID(signingKey, p.Handle, s.serviceEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (did, handle, email, password, signing_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, did, handle, email, status, created_at, updated_at`,
		did, p.Handle, p.Email, hash, signingKey,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create %q: %w", p.Handle, err)
	}
	return &a, op, nil
}

// GetByHandle returns an account by its handle.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, status, created_at, updated_at
		 FROM accounts WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by handle %q: %w", handle, err)
	}
	return &a, nil
}

// GetByDID returns an account by its DID.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, status, created_at, updated_at
		 FROM accounts WHERE did = $1`,
		did,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by did %q: %w", did, err)
	}
	return &a, nil
}

// SigningKey returns the stored signing key for a DID in its
// "<curve>:<hex>" form.
func (s *Store) SigningKey(ctx context.Context, did string) (string, error) {
	var key string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT signing_key FROM accounts WHERE did = $1`, did,
	).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return "", fmt.Errorf("account: signing key for %q: %w", did, err)
	}
	return key, nil
}

// List returns all accounts ordered by handle.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, did, handle, email, status, created_at, updated_at
		 FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("account: list scan: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateStatus changes an account's status.
func (s *Store) UpdateStatus(ctx context.Context, handle, status string) (*Account, error) {
	var a Account
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW()
		 WHERE handle = $2
		 RETURNING id, did, handle, email, status, created_at, updated_at`,
		status, handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update status %q: %w", handle, err)
	}
	return &a, nil
}

// Delete permanently removes an account. Repository state goes with it
// via ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, handle string) error {
	result, err := s.db.Pool.Exec(ctx,
		`DELETE FROM accounts WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("account: delete %q: %w", handle, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return nil
}

// ResolveHandle looks up the DID for a given handle. This is used by
// the /.well-known/atproto-did endpoint. Only returns DIDs for
// non-removed accounts.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT did FROM accounts WHERE handle = $1 AND status != 'removed'`,
		handle,
	).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return "", fmt.Errorf("account: resolve handle %q: %w", handle, err)
	}
	return did, nil
}
