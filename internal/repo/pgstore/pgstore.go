// Package pgstore is a PostgreSQL record store for settlement transactions
// built directly on pgx. It satisfies the same store contract as the GORM
// repository and reports the same sentinel errors (repo.ErrNotFound,
// repo.ErrDuplicate, repo.ErrStaleWrite), so services and workers are unaware
// of which backend is in use.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/repo"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id                BIGSERIAL PRIMARY KEY,
	external_id       VARCHAR(64)    NOT NULL,
	account_id        VARCHAR(128)   NOT NULL,
	amount            NUMERIC(20,4)  NOT NULL CHECK (amount > 0),
	kind              VARCHAR(8)     NOT NULL CHECK (kind IN ('CREDIT','DEBIT')),
	status            VARCHAR(16)    NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
	partner_reference VARCHAR(64),
	attempts          INTEGER        NOT NULL DEFAULT 0,
	last_error        TEXT           NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ    NOT NULL,
	updated_at        TIMESTAMPTZ    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_external_id ON transactions (external_id);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status);
`

// columns is the select list matching scanTransaction.
const columns = `id, external_id, account_id, amount::text, kind, status,
	partner_reference, attempts, last_error, created_at, updated_at`

// Store is a pgxpool-backed record store.
type Store struct {
	Db  *pgxpool.Pool
	Now func() time.Time
}

// Open parses connString, creates a pool and verifies connectivity.
func Open(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, Now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.Db.Close()
	return nil
}

// Migrate creates the transactions table and indexes if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, schema)
	return err
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// mapErr converts pgx's no-rows error to the shared not-found sentinel.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

// Create inserts t and fills in its store-assigned fields.
func (s *Store) Create(ctx context.Context, t *domain.Transaction) error {
	now := s.now()
	err := s.Db.QueryRow(ctx, `
		INSERT INTO transactions
			(external_id, account_id, amount, kind, status, partner_reference, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`,
		t.ExternalID, t.AccountID, t.Amount.String(), string(t.Kind), string(t.Status),
		t.PartnerReference, t.Attempts, t.LastError, now,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicate
		}
		return err
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// Get fetches a record by id.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	row := s.Db.QueryRow(ctx, "SELECT "+columns+" FROM transactions WHERE id = $1", id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

// GetByExternalID fetches a record by its idempotency key.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	row := s.Db.QueryRow(ctx, "SELECT "+columns+" FROM transactions WHERE external_id = $1", externalID)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

// Update writes the lifecycle fields of t if the stored status is expect.
func (s *Store) Update(ctx context.Context, t *domain.Transaction, expect domain.Status) error {
	now := s.now()
	tag, err := s.Db.Exec(ctx, `
		UPDATE transactions
		SET status = $1, partner_reference = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(t.Status), t.PartnerReference, t.Attempts, t.LastError, now, t.ID, string(expect))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, t.ID)
	}
	t.UpdatedAt = now
	return nil
}

// Claim moves a pending (or stale processing) record to processing.
func (s *Store) Claim(ctx context.Context, id int64, now, staleBefore time.Time) (*domain.Transaction, error) {
	row := s.Db.QueryRow(ctx, `
		UPDATE transactions
		SET status = 'processing', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND (status = 'pending' OR (status = 'processing' AND updated_at < $3))
		RETURNING `+columns,
		id, now.UTC(), staleBefore.UTC())
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOrStale(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) missingOrStale(ctx context.Context, id int64) error {
	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repo.ErrNotFound
	}
	return repo.ErrStaleWrite
}

// AccountExists reports whether any record references accountID.
func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE account_id = $1)", accountID).Scan(&exists)
	return exists, err
}

// CompletedTotals sums completed credits and debits for accountID. NUMERIC
// arithmetic in Postgres is exact, so the sums are done server side.
func (s *Store) CompletedTotals(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	var credits, debits string
	err := s.Db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE kind = 'CREDIT'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE kind = 'DEBIT'), 0)::text
		FROM transactions
		WHERE account_id = $1 AND status = 'completed'`, accountID).Scan(&credits, &debits)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	c, err := decimal.NewFromString(credits)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	d, err := decimal.NewFromString(debits)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return c, d, nil
}

// CountByAccount returns the number of records for accountID.
func (s *Store) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE account_id = $1", accountID).Scan(&n)
	return n, err
}

// ListByAccount returns a page of records for accountID, newest first.
func (s *Store) ListByAccount(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+columns+" FROM transactions WHERE account_id = $1 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3",
		accountID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t            domain.Transaction
		amount       string
		kind, status string
		partnerRef   *string
	)
	err := row.Scan(&t.ID, &t.ExternalID, &t.AccountID, &amount, &kind, &status,
		&partnerRef, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan amount %q: %w", amount, err)
	}
	t.Kind = domain.Kind(kind)
	t.Status = domain.Status(status)
	t.PartnerReference = partnerRef
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
