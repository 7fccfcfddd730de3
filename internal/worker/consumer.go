package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-settlement-backend/internal/queue"
)

// Source hands out leased dispatch messages.
type Source interface {
	Receive(ctx context.Context) (*queue.Delivery, error)
}

// Handler settles one record. *Processor is the production Handler.
type Handler interface {
	Process(ctx context.Context, recordID int64, isLastAttempt bool) error
}

// Consumer is the driving loop: it receives dispatch messages and settles
// each one according to the handler's result.
type Consumer struct {
	Source  Source
	Handler Handler

	// MaxRetries is how many retries follow the first attempt, so a record
	// gets at most MaxRetries+1 gateway calls.
	MaxRetries int
	// Workers is the number of concurrent receive loops.
	Workers int
	// ErrorBackoff is the pause after an unexpected Receive error.
	ErrorBackoff time.Duration
}

// Run blocks until ctx is cancelled or the source is closed, then waits for
// messages already received to be handled. It returns nil on either; any
// other return value is a bug.
func (c *Consumer) Run(ctx context.Context) error {
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	log.Info().Int("workers", workers).Int("max_retries", c.MaxRetries).Msg("dispatch consumer started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error { return c.loop(gctx, id) })
	}
	err := g.Wait()
	log.Info().Msg("dispatch consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context, worker int) error {
	backoff := c.ErrorBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for {
		d, err := c.Source.Receive(ctx)
		switch {
		case err == nil:
			// A received message is finished even if ctx ends meanwhile;
			// the handler bounds its own partner call.
			c.Handle(context.WithoutCancel(ctx), d)
			continue
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		}
		log.Error().Err(err).Int("worker", worker).Msg("receive failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// Handle runs one delivery through the handler and settles it on the queue.
//
//   - nil: ack
//   - *SettlementError on a non-final attempt: ack and park a retry
//   - *SettlementError on the final attempt: ack and dead-letter
//   - anything else: leave unacked; the lease brings it back
func (c *Consumer) Handle(ctx context.Context, d *queue.Delivery) {
	lg := log.With().
		Int64("record_id", d.RecordID).
		Uint64("seq", d.Seq).
		Int("retry_count", d.RetryCount).
		Logger()

	isLast := d.RetryCount >= c.MaxRetries
	perr := c.Handler.Process(ctx, d.RecordID, isLast)

	// Queue writes complete even during shutdown so the outcome already
	// persisted on the record is matched by the queue.
	qctx := context.WithoutCancel(ctx)

	var serr *SettlementError
	var err error
	switch {
	case perr == nil:
		err = d.Ack(qctx)
	case errors.As(perr, &serr) && !serr.Final:
		err = d.Retry(qctx, d.RetryCount+1)
		if err == nil {
			retriesScheduled.Inc()
			lg.Info().Int("next_retry_count", d.RetryCount+1).Msg("retry scheduled")
		}
	case errors.As(perr, &serr):
		err = d.DeadLetter(qctx, d.RetryCount, serr.Err.Error())
		if err == nil {
			deadLettered.Inc()
			lg.Warn().Str("reason", serr.Err.Error()).Msg("message dead-lettered")
		}
	case errors.Is(perr, ErrInFlight):
		lg.Debug().Msg("record busy; leaving message for redelivery")
		return
	default:
		lg.Error().Err(perr).Msg("processing error; leaving message for redelivery")
		return
	}

	if errors.Is(err, queue.ErrLeaseLost) {
		lg.Warn().Msg("lease expired before settle; message was redelivered")
		return
	}
	if err != nil {
		lg.Error().Err(err).Msg("settle delivery failed")
	}
}
