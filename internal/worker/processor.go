// Package worker drives transactions through settlement. Processor handles
// one dispatch message for one record; Consumer pulls messages off the
// dispatch queue and turns each Processor outcome into an ack, a delayed
// retry, or a dead letter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/repo"
	"github.com/tbourn/go-settlement-backend/internal/settlement"
)

// Store is the subset of the record store the processor needs.
type Store interface {
	Get(ctx context.Context, id int64) (*domain.Transaction, error)
	Claim(ctx context.Context, id int64, now, staleBefore time.Time) (*domain.Transaction, error)
	Update(ctx context.Context, t *domain.Transaction, expect domain.Status) error
}

// ErrInFlight means another live delivery holds the record's claim. The
// message should not be acknowledged; its lease will bring it back.
var ErrInFlight = errors.New("record is being settled by another delivery")

// SettlementError is returned by Process when the gateway rejected the
// attempt. The record has already been persisted as pending (Final=false)
// or failed (Final=true).
type SettlementError struct {
	RecordID int64
	Final    bool
	Err      error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("record %d: %v", e.RecordID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Processor settles a single record per call. It is safe for concurrent use
// across different record ids and tolerates redelivery of the same id.
type Processor struct {
	Store   Store
	Gateway settlement.Gateway

	// ClaimStaleAfter is how long a processing claim is honoured before a
	// redelivery may take it over. Must exceed SettleTimeout.
	ClaimStaleAfter time.Duration
	// SettleTimeout bounds one gateway call.
	SettleTimeout time.Duration

	Now func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Process drives record id through one settlement attempt.
//
// It returns nil when the record is missing, already completed, or settled
// by this call; a final *SettlementError when the record is already failed;
// ErrInFlight when a concurrent delivery owns the record; a
// *SettlementError when the gateway failed and the record was updated; and
// any other error when the store could not be read or written.
func (p *Processor) Process(ctx context.Context, id int64, isLastAttempt bool) error {
	tr := otel.Tracer("worker/Processor")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.Int64("transaction.id", id),
			attribute.Bool("last_attempt", isLastAttempt),
		),
	)
	defer span.End()

	lg := log.With().Int64("record_id", id).Bool("last_attempt", isLastAttempt).Logger()

	rec, err := p.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		lg.Warn().Msg("record not found; dropping message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.Status == domain.StatusFailed {
		// A final failure whose dead letter never committed comes back
		// here; hand it to the consumer again without calling the partner.
		lg.Info().Msg("record already failed; replaying dead letter")
		return &SettlementError{RecordID: id, Final: true, Err: recordedFailure(rec)}
	}
	if rec.Status.Terminal() {
		lg.Debug().Str("status", string(rec.Status)).Msg("record already settled; skipping")
		return nil
	}

	now := p.now()
	rec, err = p.Store.Claim(ctx, id, now, now.Add(-p.ClaimStaleAfter))
	switch {
	case errors.Is(err, repo.ErrNotFound):
		lg.Warn().Msg("record vanished before claim; dropping message")
		return nil
	case errors.Is(err, repo.ErrStaleWrite):
		return p.lostClaim(ctx, id, lg)
	case err != nil:
		return fmt.Errorf("claim record: %w", err)
	}
	lg = lg.With().Str("external_id", rec.ExternalID).Int("attempt", rec.Attempts).Logger()

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, p.SettleTimeout)
	ref, serr := p.Gateway.Settle(sctx, rec.ExternalID, rec.Amount, rec.Kind)
	cancel()
	settleDuration.Observe(time.Since(start).Seconds())

	// The outcome must be recorded even if the caller is shutting down.
	wctx := context.WithoutCancel(ctx)

	if serr == nil {
		if err := rec.Complete(ref); err != nil {
			return err
		}
		if err := p.Store.Update(wctx, rec, domain.StatusProcessing); err != nil {
			lg.Error().Err(err).Str("partner_reference", ref).Msg("settled with partner but completion not persisted")
			return fmt.Errorf("persist completion: %w", err)
		}
		settleAttempts.WithLabelValues(outcomeCompleted).Inc()
		lg.Info().Str("partner_reference", ref).Msg("transaction settled")
		return nil
	}

	if !errors.Is(serr, settlement.ErrSettlementFailed) {
		serr = fmt.Errorf("%w: %v", settlement.ErrSettlementFailed, serr)
	}
	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Error())

	reason := serr.Error()
	outcome := outcomeRetry
	if isLastAttempt {
		err = rec.Fail(reason)
		outcome = outcomeFailed
	} else {
		err = rec.Release(reason)
	}
	if err != nil {
		return err
	}
	if err := p.Store.Update(wctx, rec, domain.StatusProcessing); err != nil {
		return fmt.Errorf("persist %s: %w", rec.Status, err)
	}
	settleAttempts.WithLabelValues(outcome).Inc()
	lg.Warn().Err(serr).Str("status", string(rec.Status)).Msg("settlement attempt failed")
	return &SettlementError{RecordID: id, Final: isLastAttempt, Err: serr}
}

// recordedFailure rebuilds the gateway error persisted on a failed record.
func recordedFailure(rec *domain.Transaction) error {
	reason := strings.TrimPrefix(rec.LastError, settlement.ErrSettlementFailed.Error()+": ")
	if reason == "" {
		return settlement.ErrSettlementFailed
	}
	return fmt.Errorf("%w: %s", settlement.ErrSettlementFailed, reason)
}

// lostClaim decides what a failed claim means: a record that reached a
// terminal status since step one is a duplicate to drop; anything else is
// owned by a live delivery.
func (p *Processor) lostClaim(ctx context.Context, id int64, lg zerolog.Logger) error {
	cur, err := p.Store.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload record: %w", err)
	}
	if cur.Status.Terminal() {
		lg.Debug().Str("status", string(cur.Status)).Msg("record settled concurrently; skipping")
		return nil
	}
	lg.Info().Str("status", string(cur.Status)).Msg("record claimed by another delivery")
	return ErrInFlight
}
