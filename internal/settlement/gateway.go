// Package settlement defines the contract with the external settlement
// partner and a simulated partner used when no real one is configured.
//
// The partner is modelled as unreliable: every call may fail, and a failure
// carries no detail beyond a human-readable reason. Callers decide whether
// to retry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-settlement-backend/internal/domain"
)

// ErrSettlementFailed is the single failure kind reported by a gateway.
var ErrSettlementFailed = errors.New("settlement failed")

// Gateway settles a transaction with the partner and returns the partner's
// reference on success. Any error means the attempt failed; implementations
// wrap ErrSettlementFailed.
type Gateway interface {
	Settle(ctx context.Context, externalID string, amount decimal.Decimal, kind domain.Kind) (string, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, externalID string, amount decimal.Decimal, kind domain.Kind) (string, error)

// Settle calls f.
func (f GatewayFunc) Settle(ctx context.Context, externalID string, amount decimal.Decimal, kind domain.Kind) (string, error) {
	return f(ctx, externalID, amount, kind)
}

// Failf builds a settlement failure with a reason.
func Failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSettlementFailed, fmt.Sprintf(format, args...))
}

// SimulatedPartner imitates a slow, flaky bank partner: each call waits
// Latency, then fails with probability FailureRatio, otherwise returns a
// fresh UUID reference. Calls are throttled by Limiter when set.
type SimulatedPartner struct {
	Latency      time.Duration
	FailureRatio float64
	Limiter      *rate.Limiter

	// Test seams.
	Rand  func() float64
	NewID func() string

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedPartner returns a partner with the given behaviour. rps <= 0
// disables throttling.
func NewSimulatedPartner(latency time.Duration, failureRatio, rps float64, burst int) *SimulatedPartner {
	p := &SimulatedPartner{
		Latency:      latency,
		FailureRatio: failureRatio,
		NewID:        uuid.NewString,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		p.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return p
}

func (p *SimulatedPartner) roll() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}

// Settle implements Gateway.
func (p *SimulatedPartner) Settle(ctx context.Context, externalID string, amount decimal.Decimal, kind domain.Kind) (string, error) {
	ctx, span := otel.Tracer("settlement/partner").Start(ctx, "Settle",
		trace.WithAttributes(
			attribute.String("external_id", externalID),
			attribute.String("amount", amount.String()),
			attribute.String("kind", string(kind)),
		),
	)
	defer span.End()

	ref, err := p.settle(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("partner_reference", ref))
	return ref, nil
}

func (p *SimulatedPartner) settle(ctx context.Context) (string, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return "", Failf("partner throttled: %v", err)
		}
	}

	if p.Latency > 0 {
		timer := time.NewTimer(p.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", Failf("partner call aborted: %v", ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", Failf("partner call aborted: %v", err)
	}

	if p.roll() < p.FailureRatio {
		return "", Failf("bank API temporarily unavailable")
	}

	newID := p.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return newID(), nil
}
