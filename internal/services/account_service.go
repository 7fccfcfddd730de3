// Package services – AccountService
//
// AccountService answers balance queries. A balance counts only completed
// transactions: the sum of completed credits minus the sum of completed
// debits. Pending, processing and failed records do not move the balance but
// do make the account known.

package services

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AccountService computes account balances from settled transactions.
type AccountService struct {
	Store TransactionStore
}

// Balance returns the settled balance for accountID, or ErrAccountNotFound
// when no transaction references it.
func (s *AccountService) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	tr := otel.Tracer("services/AccountService")
	ctx, span := tr.Start(ctx, "Balance",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	exists, err := s.Store.AccountExists(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	if !exists {
		return decimal.Zero, ErrAccountNotFound
	}

	credits, debits, err := s.Store.CompletedTotals(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return credits.Sub(debits), nil
}
