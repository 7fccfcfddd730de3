// Package repo implements the data persistence layer for settlement
// transactions, backed by GORM. This file provides repository functions for
// the Transaction model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business rules beyond the
// conditional status writes that keep concurrent workers from clobbering
// each other.
//
// Error semantics:
//   - ErrNotFound when the record does not exist.
//   - ErrDuplicate when an insert loses the external_id unique constraint.
//   - ErrStaleWrite when a conditional update finds the record in a status
//     other than the one the caller expected.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-settlement-backend/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	// It aliases gorm.ErrRecordNotFound for convenience and consistency
	// across the service layer and handlers.
	ErrNotFound = gorm.ErrRecordNotFound

	// ErrDuplicate indicates that a transaction with the same external_id
	// already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrStaleWrite indicates that a conditional update matched no row
	// because the record's status changed underneath the caller.
	ErrStaleWrite = errors.New("stale write")
)

// IsUniqueViolation reports whether err is a unique-constraint failure as
// surfaced by GORM or the pure-Go SQLite driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreateTransaction inserts t. ID, CreatedAt and UpdatedAt are assigned by
// the store. A lost race on external_id yields ErrDuplicate.
func CreateTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction) error {
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetTransaction fetches a record by primary key, or ErrNotFound.
func GetTransaction(ctx context.Context, db *gorm.DB, id int64) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByExternalID fetches a record by its idempotency key, or
// ErrNotFound.
func GetTransactionByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := db.WithContext(ctx).First(&t, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTransaction persists the mutable lifecycle fields of t, but only if
// the stored status still equals expect. On success t.UpdatedAt is refreshed.
func UpdateTransaction(ctx context.Context, db *gorm.DB, t *domain.Transaction, expect domain.Status) error {
	now := db.NowFunc()
	res := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("id = ? AND status = ?", t.ID, expect).
		Updates(map[string]any{
			"status":            t.Status,
			"partner_reference": t.PartnerReference,
			"attempts":          t.Attempts,
			"last_error":        t.LastError,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOrStale(ctx, db, t.ID)
	}
	t.UpdatedAt = now
	return nil
}

// ClaimTransaction atomically moves a record to processing and bumps its
// attempt counter. The claim succeeds when the record is pending, or when it
// is processing but was last touched before staleBefore (an attempt that
// crashed without releasing it). Otherwise ErrStaleWrite is returned.
func ClaimTransaction(ctx context.Context, db *gorm.DB, id int64, now, staleBefore time.Time) (*domain.Transaction, error) {
	res := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
			id, domain.StatusPending, domain.StatusProcessing, staleBefore.UTC()).
		Updates(map[string]any{
			"status":     domain.StatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, missingOrStale(ctx, db, id)
	}
	return GetTransaction(ctx, db, id)
}

// missingOrStale distinguishes a vanished row from a status mismatch after a
// conditional update touched nothing.
func missingOrStale(ctx context.Context, db *gorm.DB, id int64) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Transaction{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStaleWrite
}

// AccountExists reports whether any record, in any status, references
// accountID.
func AccountExists(ctx context.Context, db *gorm.DB, accountID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

// CompletedTotals returns the summed amounts of completed credits and
// completed debits for accountID. Sums are computed with decimal arithmetic
// rather than SQL SUM, which SQLite evaluates in floating point.
func CompletedTotals(ctx context.Context, db *gorm.DB, accountID string) (credits, debits decimal.Decimal, err error) {
	var rows []struct {
		Kind   domain.Kind
		Amount decimal.Decimal
	}
	err = db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Select("kind", "amount").
		Where("account_id = ? AND status = ?", accountID, domain.StatusCompleted).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	credits, debits = decimal.Zero, decimal.Zero
	for _, r := range rows {
		switch r.Kind {
		case domain.KindCredit:
			credits = credits.Add(r.Amount)
		case domain.KindDebit:
			debits = debits.Add(r.Amount)
		}
	}
	return credits, debits, nil
}

// CountTransactionsByAccount returns the number of records for accountID.
func CountTransactionsByAccount(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("account_id = ?", accountID).
		Count(&total).Error
	return total, err
}

// ListTransactionsByAccount returns a page of records for accountID, newest
// first. The caller computes offset and limit.
func ListTransactionsByAccount(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
