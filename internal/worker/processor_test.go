package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/repo"
	"github.com/tbourn/go-settlement-backend/internal/settlement"
)

// ----- helpers -----

func newStore(t *testing.T) *repo.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:worker_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), repo.Config())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return repo.NewStore(db)
}

func seed(t *testing.T, s *repo.Store, ext string) *domain.Transaction {
	t.Helper()
	rec := &domain.Transaction{
		ExternalID: ext,
		AccountID:  "A",
		Amount:     decimal.RequireFromString("100.00"),
		Kind:       domain.KindCredit,
		Status:     domain.StatusPending,
	}
	if err := s.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func reload(t *testing.T, s *repo.Store, id int64) *domain.Transaction {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec
}

// countingGateway succeeds with "P1" unless fail is set.
type countingGateway struct {
	calls atomic.Int32
	fail  bool
}

func (g *countingGateway) Settle(ctx context.Context, _ string, _ decimal.Decimal, _ domain.Kind) (string, error) {
	g.calls.Add(1)
	if g.fail {
		return "", settlement.Failf("partner rejected")
	}
	return "P1", nil
}

func newProcessor(s Store, g settlement.Gateway) *Processor {
	return &Processor{
		Store:           s,
		Gateway:         g,
		ClaimStaleAfter: 30 * time.Second,
		SettleTimeout:   time.Second,
	}
}

// ----- tests -----

func TestProcess_SuccessCompletesRecord(t *testing.T) {
	store := newStore(t)
	gw := &countingGateway{}
	rec := seed(t, store, "E")

	if err := newProcessor(store, gw).Process(context.Background(), rec.ID, false); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := reload(t, store, rec.ID)
	if got.Status != domain.StatusCompleted || got.PartnerReference == nil || *got.PartnerReference != "P1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Attempts != 1 || got.LastError != "" {
		t.Fatalf("attempts=%d last_error=%q", got.Attempts, got.LastError)
	}
}

func TestProcess_FailureReleasesOrFails(t *testing.T) {
	cases := []struct {
		name   string
		isLast bool
		want   domain.Status
	}{
		{"retryable", false, domain.StatusPending},
		{"final", true, domain.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			rec := seed(t, store, "E-"+tc.name)

			err := newProcessor(store, &countingGateway{fail: true}).Process(context.Background(), rec.ID, tc.isLast)
			var serr *SettlementError
			if !errors.As(err, &serr) {
				t.Fatalf("want *SettlementError, got %v", err)
			}
			if serr.Final != tc.isLast || !errors.Is(err, settlement.ErrSettlementFailed) {
				t.Fatalf("unexpected error: %+v", serr)
			}
			got := reload(t, store, rec.ID)
			if got.Status != tc.want || got.LastError == "" || got.PartnerReference != nil {
				t.Fatalf("unexpected record: %+v", got)
			}
		})
	}
}

func TestProcess_MissingRecordIsDropped(t *testing.T) {
	gw := &countingGateway{}
	if err := newProcessor(newStore(t), gw).Process(context.Background(), 4242, false); err != nil {
		t.Fatalf("missing record should be a no-op, got %v", err)
	}
	if gw.calls.Load() != 0 {
		t.Fatal("gateway must not be called for a missing record")
	}
}

func TestProcess_TerminalRecordSkipsGateway(t *testing.T) {
	store := newStore(t)
	gw := &countingGateway{}
	p := newProcessor(store, gw)
	rec := seed(t, store, "E")

	if err := p.Process(context.Background(), rec.ID, false); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := p.Process(context.Background(), rec.ID, false); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d; want 1", gw.calls.Load())
	}
	if got := reload(t, store, rec.ID); got.Attempts != 1 {
		t.Fatalf("attempts = %d; want 1", got.Attempts)
	}
}

func TestProcess_LiveClaimIsInFlight(t *testing.T) {
	store := newStore(t)
	gw := &countingGateway{}
	rec := seed(t, store, "E")

	now := time.Now().UTC()
	if _, err := store.Claim(context.Background(), rec.ID, now, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := newProcessor(store, gw).Process(context.Background(), rec.ID, false)
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("want ErrInFlight, got %v", err)
	}
	if gw.calls.Load() != 0 {
		t.Fatal("gateway must not be called while another delivery holds the claim")
	}
}

func TestProcess_StaleClaimIsTakenOver(t *testing.T) {
	store := newStore(t)
	gw := &countingGateway{}
	rec := seed(t, store, "E")

	// A previous attempt claimed the record an hour ago and never finished.
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := store.Claim(context.Background(), rec.ID, past, past.Add(-time.Minute)); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := newProcessor(store, gw).Process(context.Background(), rec.ID, false); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := reload(t, store, rec.ID)
	if got.Status != domain.StatusCompleted || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d; want completed/2", got.Status, got.Attempts)
	}
}

func TestProcess_GatewayTimeoutIsFailure(t *testing.T) {
	store := newStore(t)
	rec := seed(t, store, "E")
	slow := settlement.GatewayFunc(func(ctx context.Context, _ string, _ decimal.Decimal, _ domain.Kind) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	p := newProcessor(store, slow)
	p.SettleTimeout = 20 * time.Millisecond

	err := p.Process(context.Background(), rec.ID, false)
	var serr *SettlementError
	if !errors.As(err, &serr) || !errors.Is(err, settlement.ErrSettlementFailed) {
		t.Fatalf("timeout should surface as a settlement failure, got %v", err)
	}
	if got := reload(t, store, rec.ID); got.Status != domain.StatusPending {
		t.Fatalf("status = %s; want pending", got.Status)
	}
}

func TestProcess_CancelledCallerStillPersistsOutcome(t *testing.T) {
	store := newStore(t)
	rec := seed(t, store, "E")

	ctx, cancel := context.WithCancel(context.Background())
	gw := settlement.GatewayFunc(func(context.Context, string, decimal.Decimal, domain.Kind) (string, error) {
		cancel() // shutdown arrives mid-call
		return "P9", nil
	})

	if err := newProcessor(store, gw).Process(ctx, rec.ID, false); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := reload(t, store, rec.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s; want completed", got.Status)
	}
}

func TestProcess_FailedRecordReplaysFinalError(t *testing.T) {
	store := newStore(t)
	rec := seed(t, store, "E")
	if err := newProcessor(store, &countingGateway{fail: true}).Process(context.Background(), rec.ID, true); err == nil {
		t.Fatal("expected final failure")
	}
	before := reload(t, store, rec.ID)

	gw := &countingGateway{}
	err := newProcessor(store, gw).Process(context.Background(), rec.ID, false)
	var serr *SettlementError
	if !errors.As(err, &serr) || !serr.Final || !errors.Is(err, settlement.ErrSettlementFailed) {
		t.Fatalf("want final *SettlementError, got %v", err)
	}
	if serr.Err.Error() != before.LastError {
		t.Fatalf("replayed reason %q; want %q", serr.Err.Error(), before.LastError)
	}
	if gw.calls.Load() != 0 {
		t.Fatal("a failed record must not reach the gateway again")
	}
	if got := reload(t, store, rec.ID); got.Status != domain.StatusFailed || got.Attempts != before.Attempts {
		t.Fatalf("record changed: %+v", got)
	}
}
