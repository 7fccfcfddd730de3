package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/queue"
)

func openQueue(t *testing.T) *queue.BoltQueue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "dispatch.queue"), queue.Options{
		RetryDelay:      10 * time.Millisecond,
		PromoteInterval: 5 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// runPipeline starts the queue promoter and a consumer; the returned stop
// waits for both to exit.
func runPipeline(t *testing.T, q *queue.BoltQueue, h Handler, workers int) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{Source: q, Handler: h, MaxRetries: 3, Workers: workers}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = q.Run(ctx) }()
	go func() { defer wg.Done(); _ = c.Run(ctx) }()

	var once sync.Once
	stop = func() { once.Do(func() { cancel(); wg.Wait() }) }
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func laneDepth(t *testing.T, q *queue.BoltQueue) map[queue.Lane]int {
	t.Helper()
	s, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func drained(t *testing.T, q *queue.BoltQueue) bool {
	s := laneDepth(t, q)
	return s[queue.LaneMain] == 0 && s[queue.LaneRetry] == 0 && s[queue.LaneInflight] == 0
}

func TestConsumer_SuccessAcksMessage(t *testing.T) {
	store := newStore(t)
	q := openQueue(t)
	gw := &countingGateway{}
	rec := seed(t, store, "E")

	if err := q.Enqueue(context.Background(), rec.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stop := runPipeline(t, q, newProcessor(store, gw), 2)

	waitFor(t, "completion", func() bool {
		return reload(t, store, rec.ID).Status == domain.StatusCompleted
	})
	waitFor(t, "queue drained", func() bool { return drained(t, q) })
	stop()

	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d; want 1", gw.calls.Load())
	}
	if laneDepth(t, q)[queue.LaneDeadLetter] != 0 {
		t.Fatal("nothing should be dead-lettered")
	}
}

func TestConsumer_RetryCeilingThenDeadLetter(t *testing.T) {
	store := newStore(t)
	q := openQueue(t)
	gw := &countingGateway{fail: true}
	rec := seed(t, store, "E")

	if err := q.Enqueue(context.Background(), rec.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stop := runPipeline(t, q, newProcessor(store, gw), 1)

	waitFor(t, "dead letter", func() bool {
		return laneDepth(t, q)[queue.LaneDeadLetter] == 1
	})
	waitFor(t, "queue drained", func() bool { return drained(t, q) })
	stop()

	if gw.calls.Load() != 4 {
		t.Fatalf("gateway calls = %d; want 1 + 3 retries", gw.calls.Load())
	}
	got := reload(t, store, rec.ID)
	if got.Status != domain.StatusFailed || got.Attempts != 4 || got.LastError == "" {
		t.Fatalf("unexpected record: %+v", got)
	}

	dls, err := q.DeadLetters(context.Background())
	if err != nil || len(dls) != 1 {
		t.Fatalf("DeadLetters: %v %v", dls, err)
	}
	if dls[0].RecordID != rec.ID || dls[0].RetryCount != 3 || dls[0].Reason == "" {
		t.Fatalf("unexpected dead letter: %+v", dls[0])
	}
}

func TestConsumer_MissingRecordIsAcked(t *testing.T) {
	q := openQueue(t)
	gw := &countingGateway{}
	if err := q.Enqueue(context.Background(), 777); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runPipeline(t, q, newProcessor(newStore(t), gw), 1)

	waitFor(t, "queue drained", func() bool { return drained(t, q) })
	if gw.calls.Load() != 0 || laneDepth(t, q)[queue.LaneDeadLetter] != 0 {
		t.Fatalf("missing record should be acked silently: calls=%d", gw.calls.Load())
	}
}

func TestConsumer_DuplicateDeliverySettlesOnce(t *testing.T) {
	store := newStore(t)
	q := openQueue(t)
	gw := &countingGateway{}
	rec := seed(t, store, "E")

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), rec.ID); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stop := runPipeline(t, q, newProcessor(store, gw), 1)
	waitFor(t, "queue drained", func() bool { return drained(t, q) })
	stop()

	if gw.calls.Load() != 1 {
		t.Fatalf("gateway calls = %d; want 1", gw.calls.Load())
	}
	if got := reload(t, store, rec.ID); got.Status != domain.StatusCompleted || got.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

// handlerFunc adapts a function to Handler.
type handlerFunc func(ctx context.Context, id int64, isLast bool) error

func (f handlerFunc) Process(ctx context.Context, id int64, isLast bool) error { return f(ctx, id, isLast) }

func TestHandle_InFlightLeavesMessageLeased(t *testing.T) {
	q := openQueue(t)
	if err := q.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	c := &Consumer{MaxRetries: 3, Handler: handlerFunc(func(context.Context, int64, bool) error {
		return ErrInFlight
	})}
	c.Handle(ctx, d)

	if s := laneDepth(t, q); s[queue.LaneInflight] != 1 || s[queue.LaneMain] != 0 {
		t.Fatalf("message should stay in flight: %v", s)
	}
}

func TestHandle_LastAttemptFlag(t *testing.T) {
	q := openQueue(t)
	ctx := context.Background()
	if err := q.EnqueueRetry(ctx, 1, 3); err != nil {
		t.Fatalf("EnqueueRetry: %v", err)
	}
	if _, _, err := q.Promote(ctx); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	// RetryDelay is 10ms; wait for the message to become due.
	waitFor(t, "promotion", func() bool {
		_, _, _ = q.Promote(ctx)
		return laneDepth(t, q)[queue.LaneMain] == 1
	})
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	var sawLast bool
	c := &Consumer{MaxRetries: 3, Handler: handlerFunc(func(_ context.Context, _ int64, isLast bool) error {
		sawLast = isLast
		return nil
	})}
	c.Handle(ctx, d)

	if !sawLast {
		t.Fatal("retry_count == MaxRetries must be the last attempt")
	}
	if !drained(t, q) {
		t.Fatalf("message should be acked: %v", laneDepth(t, q))
	}
}

// A crash between persisting "failed" and committing the dead letter leaves
// the message to come back on main; the redelivery dead-letters it once.
func TestConsumer_RedeliveredFailedRecordIsDeadLettered(t *testing.T) {
	store := newStore(t)
	q := openQueue(t)
	rec := seed(t, store, "E")
	ctx := context.Background()

	if err := newProcessor(store, &countingGateway{fail: true}).Process(ctx, rec.ID, true); err == nil {
		t.Fatal("expected final failure")
	}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, rec.ID); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	gw := &countingGateway{}
	stop := runPipeline(t, q, newProcessor(store, gw), 1)
	waitFor(t, "queue drained", func() bool { return drained(t, q) })
	stop()

	dls, err := q.DeadLetters(ctx)
	if err != nil || len(dls) != 1 {
		t.Fatalf("want exactly one dead letter, got %+v %v", dls, err)
	}
	if dls[0].RecordID != rec.ID || dls[0].Reason != reload(t, store, rec.ID).LastError {
		t.Fatalf("unexpected dead letter: %+v", dls[0])
	}
	if gw.calls.Load() != 0 {
		t.Fatalf("gateway calls = %d; want 0", gw.calls.Load())
	}
}
