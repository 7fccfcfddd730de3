// Package services – TransactionService
//
// This file implements TransactionService, the intake side of the settlement
// lifecycle. Submit is idempotent on external_id: the first request creates a
// pending record and hands its id to the dispatch queue, and every later
// request with the same external_id returns the stored record unchanged
// without validating or dispatching again. Uniqueness is enforced by the
// store, so concurrent duplicates resolve to a single winner without any
// in-process locking.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/repo"
	"github.com/tbourn/go-settlement-backend/internal/utils"
)

// TransactionStore is the record store contract used by the services.
// Both repo.Store and pgstore.Store satisfy it.
type TransactionStore interface {
	Create(ctx context.Context, t *domain.Transaction) error
	Get(ctx context.Context, id int64) (*domain.Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	AccountExists(ctx context.Context, accountID string) (bool, error)
	CompletedTotals(ctx context.Context, accountID string) (credits, debits decimal.Decimal, err error)
	ListByAccount(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, error)
	CountByAccount(ctx context.Context, accountID string) (int64, error)
}

// Dispatcher hands a record id to the asynchronous processing pipeline.
type Dispatcher interface {
	Enqueue(ctx context.Context, recordID int64) error
}

// SubmitInput is a transaction request as received at the boundary.
type SubmitInput struct {
	ExternalID string
	Amount     decimal.Decimal
	Kind       string
	AccountID  string
}

// TransactionService coordinates intake, lookup and re-dispatch.
type TransactionService struct {
	Store      TransactionStore
	Dispatcher Dispatcher
}

// Submit creates a pending transaction and dispatches it, or returns the
// existing record for a repeated external_id. created reports whether this
// call inserted the record.
//
// When the record is stored but the queue rejects it, the record is returned
// together with an error wrapping ErrDispatchUnavailable; it remains pending
// and can be re-dispatched later.
func (s *TransactionService) Submit(ctx context.Context, in SubmitInput) (rec *domain.Transaction, created bool, err error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("transaction.external_id", in.ExternalID),
			attribute.String("account.id", in.AccountID),
		),
	)
	defer span.End()

	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.AccountID = strings.TrimSpace(in.AccountID)
	if in.ExternalID == "" || in.AccountID == "" {
		return nil, false, ErrInvalidInput
	}

	existing, err := s.Store.GetByExternalID(ctx, in.ExternalID)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Bool("transaction.created", false))
		return existing, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, false, err
	}

	if !in.Amount.IsPositive() || !domain.AmountFits(in.Amount) {
		return nil, false, ErrInvalidAmount
	}
	kind, ok := domain.ParseKind(in.Kind)
	if !ok {
		return nil, false, ErrInvalidKind
	}

	t := &domain.Transaction{
		ExternalID: in.ExternalID,
		AccountID:  in.AccountID,
		Amount:     in.Amount,
		Kind:       kind,
		Status:     domain.StatusPending,
	}
	if err := s.Store.Create(ctx, t); err != nil {
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, false, err
		}
		// Lost the insert race; the winner's record is the answer.
		winner, gerr := s.Store.GetByExternalID(ctx, in.ExternalID)
		if gerr != nil {
			return nil, false, gerr
		}
		span.SetAttributes(attribute.Bool("transaction.created", false))
		return winner, false, nil
	}
	span.SetAttributes(
		attribute.Bool("transaction.created", true),
		attribute.Int64("transaction.id", t.ID),
	)

	if err := s.Dispatcher.Enqueue(ctx, t.ID); err != nil {
		log.Error().Err(err).
			Int64("record_id", t.ID).
			Str("external_id", t.ExternalID).
			Msg("dispatch failed; record left pending")
		span.RecordError(err)
		return t, true, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	return t, true, nil
}

// Get returns the record with id.
func (s *TransactionService) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.Int64("transaction.id", id)),
	)
	defer span.End()

	t, err := s.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// ListByAccount returns a page of an account's transactions, newest first,
// along with the total count.
func (s *TransactionService) ListByAccount(ctx context.Context, accountID string, page, pageSize int) ([]domain.Transaction, int64, error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "ListByAccount",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = utils.ClampPage(page, pageSize)
	offset := utils.Offset(page, pageSize)

	total, err := s.Store.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, ErrAccountNotFound
	}

	items, err := s.Store.ListByAccount(ctx, accountID, offset, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.Transaction{}
	}
	return items, total, nil
}

// Redispatch re-enqueues a pending record, e.g. after Submit reported
// ErrDispatchUnavailable.
func (s *TransactionService) Redispatch(ctx context.Context, id int64) (*domain.Transaction, error) {
	tr := otel.Tracer("services/TransactionService")
	ctx, span := tr.Start(ctx, "Redispatch",
		trace.WithAttributes(attribute.Int64("transaction.id", id)),
	)
	defer span.End()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.StatusPending {
		return t, ErrNotDispatchable
	}
	if err := s.Dispatcher.Enqueue(ctx, t.ID); err != nil {
		span.RecordError(err)
		return t, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	log.Info().Int64("record_id", t.ID).Str("external_id", t.ExternalID).Msg("record re-dispatched")
	return t, nil
}
