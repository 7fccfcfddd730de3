package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-settlement-backend/internal/domain"
)

// Store adapts the package-level GORM functions to the record store
// interfaces consumed by the service and worker layers.
type Store struct {
	DB *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) Create(ctx context.Context, t *domain.Transaction) error {
	return CreateTransaction(ctx, s.DB, t)
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	return GetTransaction(ctx, s.DB, id)
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	return GetTransactionByExternalID(ctx, s.DB, externalID)
}

func (s *Store) Update(ctx context.Context, t *domain.Transaction, expect domain.Status) error {
	return UpdateTransaction(ctx, s.DB, t, expect)
}

func (s *Store) Claim(ctx context.Context, id int64, now, staleBefore time.Time) (*domain.Transaction, error) {
	return ClaimTransaction(ctx, s.DB, id, now, staleBefore)
}

func (s *Store) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return AccountExists(ctx, s.DB, accountID)
}

func (s *Store) CompletedTotals(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	return CompletedTotals(ctx, s.DB, accountID)
}

func (s *Store) ListByAccount(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error) {
	return ListTransactionsByAccount(ctx, s.DB, accountID, offset, limit)
}

func (s *Store) CountByAccount(ctx context.Context, accountID string) (int64, error) {
	return CountTransactionsByAccount(ctx, s.DB, accountID)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
