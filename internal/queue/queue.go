// Package queue implements the durable dispatch queue that carries
// transaction ids from intake to the settlement workers.
//
// The queue is a single BoltDB file with four buckets, one per lane:
//
//   - main:        messages ready for delivery, FIFO by bucket sequence
//   - retry:       messages parked until AvailableAt, then promoted to main
//   - inflight:    messages handed to a consumer and not yet acknowledged
//   - dead_letter: messages that exhausted their retries; never redelivered
//
// Delivery is at-least-once. Receive moves a message from main to inflight
// in one write transaction and stamps a lease. Ack, Retry and DeadLetter
// each remove the in-flight entry and place the follow-up (if any) in the
// same transaction, so a crash between the two halves cannot lose or
// duplicate the hand-off. In-flight messages whose lease expires, and every
// in-flight message found when the file is opened, go back to main.
//
// Bolt holds an exclusive file lock, so exactly one process owns a queue
// file at a time.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/rs/zerolog/log"
)

// Lane names a queue bucket.
type Lane string

const (
	LaneMain       Lane = "main"
	LaneRetry      Lane = "retry"
	LaneInflight   Lane = "inflight"
	LaneDeadLetter Lane = "dead_letter"
)

// Lanes lists every lane in a stable order.
var Lanes = []Lane{LaneMain, LaneRetry, LaneInflight, LaneDeadLetter}

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrLeaseLost is returned when a delivery is settled after its lease
	// expired and the message was already handed back to main.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Message is a dispatch request for one transaction.
type Message struct {
	Seq            uint64    `json:"seq"`
	RecordID       int64     `json:"record_id"`
	RetryCount     int       `json:"retry_count"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	AvailableAt    time.Time `json:"available_at,omitempty"`
	LeaseUntil     time.Time `json:"lease_until,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at,omitempty"`
}

// Options tunes queue timing. Zero values take the defaults shown.
type Options struct {
	RetryDelay      time.Duration // 5s, how long a retry waits before promotion
	LeaseTimeout    time.Duration // 1m, how long a consumer may hold a message
	PollInterval    time.Duration // 250ms, Receive fallback wake-up
	PromoteInterval time.Duration // 250ms, Run tick
	OpenTimeout     time.Duration // 1s, wait for the file lock
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.PromoteInterval <= 0 {
		o.PromoteInterval = 250 * time.Millisecond
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// BoltQueue is a three-lane queue (plus in-flight tracking) in a bolt file.
// It is safe for concurrent use.
type BoltQueue struct {
	db   *bolt.DB
	opts Options

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) the queue file at path, ensures every lane
// exists, and returns in-flight messages left by a previous process to main.
func Open(path string, opts Options) (*BoltQueue, error) {
	opts = opts.withDefaults()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, err
	}

	q := &BoltQueue{
		db:     db,
		opts:   opts,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	var recovered int
	err = db.Update(func(tx *bolt.Tx) error {
		for _, lane := range Lanes {
			if _, err := tx.CreateBucketIfNotExists([]byte(lane)); err != nil {
				return err
			}
		}
		n, err := q.moveWhere(tx, LaneInflight, LaneMain, func(Message) bool { return true })
		recovered = n
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("queue: returned unacknowledged messages to main")
	}

	q.refreshDepth()
	return q, nil
}

// Close releases the file lock. Blocked Receive calls return ErrClosed.
func (q *BoltQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.db.Close()
	})
	return err
}

func (q *BoltQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// signal wakes one blocked receiver, if any.
func (q *BoltQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *BoltQueue) update(ctx context.Context, fn func(*bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}
	return q.db.Update(fn)
}

// Enqueue places a fresh message for recordID on main.
func (q *BoltQueue) Enqueue(ctx context.Context, recordID int64) error {
	m := Message{RecordID: recordID, EnqueuedAt: q.opts.Now()}
	if err := q.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, LaneMain, &m)
	}); err != nil {
		return err
	}
	queueDepth.WithLabelValues(string(LaneMain)).Inc()
	q.signal()
	return nil
}

// EnqueueRetry parks a message on the retry lane for RetryDelay.
func (q *BoltQueue) EnqueueRetry(ctx context.Context, recordID int64, retryCount int) error {
	m := q.retryMessage(recordID, retryCount)
	if err := q.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, LaneRetry, &m)
	}); err != nil {
		return err
	}
	queueDepth.WithLabelValues(string(LaneRetry)).Inc()
	return nil
}

// EnqueueDeadLetter records a terminally failed message.
func (q *BoltQueue) EnqueueDeadLetter(ctx context.Context, recordID int64, retryCount int, reason string) error {
	m := q.deadLetterMessage(recordID, retryCount, reason)
	if err := q.update(ctx, func(tx *bolt.Tx) error {
		return put(tx, LaneDeadLetter, &m)
	}); err != nil {
		return err
	}
	queueDepth.WithLabelValues(string(LaneDeadLetter)).Inc()
	return nil
}

func (q *BoltQueue) retryMessage(recordID int64, retryCount int) Message {
	now := q.opts.Now()
	return Message{
		RecordID:    recordID,
		RetryCount:  retryCount,
		EnqueuedAt:  now,
		AvailableAt: now.Add(q.opts.RetryDelay),
	}
}

func (q *BoltQueue) deadLetterMessage(recordID int64, retryCount int, reason string) Message {
	now := q.opts.Now()
	return Message{
		RecordID:       recordID,
		RetryCount:     retryCount,
		EnqueuedAt:     now,
		Reason:         reason,
		DeadLetteredAt: now,
	}
}

// Receive blocks until a main-lane message is available, ctx ends, or the
// queue is closed. The returned Delivery must be settled with Ack, Retry or
// DeadLetter; otherwise the message returns to main when its lease expires.
func (q *BoltQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, more, err := q.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			if more {
				q.signal()
			}
			return d, nil
		}

		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryReceive leases the head of main, if any. more reports whether main
// still holds messages afterwards.
func (q *BoltQueue) tryReceive(ctx context.Context) (d *Delivery, more bool, err error) {
	err = q.update(ctx, func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(LaneMain)).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		m.LeaseUntil = q.opts.Now().Add(q.opts.LeaseTimeout)
		if err := put(tx, LaneInflight, &m); err != nil {
			return err
		}
		nk, _ := c.First()
		more = nk != nil
		d = &Delivery{q: q, Message: m}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if d != nil {
		queueDepth.WithLabelValues(string(LaneMain)).Dec()
		queueDepth.WithLabelValues(string(LaneInflight)).Inc()
	}
	return d, more, nil
}

// Run promotes due retry messages and reclaims expired leases every
// PromoteInterval until ctx ends or the queue is closed. It returns nil on
// a clean stop.
func (q *BoltQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		case <-ticker.C:
			if _, _, err := q.Promote(ctx); err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("queue: promote failed")
			}
		}
	}
}

// Promote moves due retry messages and expired in-flight messages to main
// and reports how many of each were moved.
func (q *BoltQueue) Promote(ctx context.Context) (retried, reclaimed int, err error) {
	now := q.opts.Now()
	err = q.update(ctx, func(tx *bolt.Tx) error {
		var err error
		retried, err = q.moveWhere(tx, LaneRetry, LaneMain, func(m Message) bool {
			return !m.AvailableAt.After(now)
		})
		if err != nil {
			return err
		}
		reclaimed, err = q.moveWhere(tx, LaneInflight, LaneMain, func(m Message) bool {
			return m.LeaseUntil.Before(now)
		})
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	if reclaimed > 0 {
		log.Warn().Int("count", reclaimed).Msg("queue: reclaimed expired leases")
	}
	if retried+reclaimed > 0 {
		log.Debug().Int("retried", retried).Int("reclaimed", reclaimed).Msg("queue: promoted to main")
		q.refreshDepth()
		q.signal()
	}
	return retried, reclaimed, nil
}

// moveWhere moves every message in from that satisfies pred onto to,
// preserving RecordID, RetryCount and EnqueuedAt.
func (q *BoltQueue) moveWhere(tx *bolt.Tx, from, to Lane, pred func(Message) bool) (int, error) {
	src := tx.Bucket([]byte(from))
	var (
		keys [][]byte
		msgs []Message
	)
	if err := src.ForEach(func(k, v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if pred(m) {
			keys = append(keys, append([]byte(nil), k...))
			msgs = append(msgs, m)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := src.Delete(k); err != nil {
			return 0, err
		}
		m := msgs[i]
		m.AvailableAt = time.Time{}
		m.LeaseUntil = time.Time{}
		if err := put(tx, to, &m); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// DeadLetters returns every dead-lettered message, oldest first.
func (q *BoltQueue) DeadLetters(ctx context.Context) ([]Message, error) {
	return q.list(ctx, LaneDeadLetter)
}

// List returns every message currently in lane, in delivery order.
func (q *BoltQueue) List(ctx context.Context, lane Lane) ([]Message, error) {
	return q.list(ctx, lane)
}

func (q *BoltQueue) list(ctx context.Context, lane Lane) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, ErrClosed
	}
	items := []Message{}
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(lane)).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			items = append(items, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Stats returns the number of messages in each lane.
func (q *BoltQueue) Stats(ctx context.Context) (map[Lane]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.isClosed() {
		return nil, ErrClosed
	}
	out := make(map[Lane]int, len(Lanes))
	err := q.db.View(func(tx *bolt.Tx) error {
		for _, lane := range Lanes {
			out[lane] = tx.Bucket([]byte(lane)).Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refreshDepth resets the depth gauges from the file.
func (q *BoltQueue) refreshDepth() {
	stats, err := q.Stats(context.Background())
	if err != nil {
		return
	}
	for lane, n := range stats {
		queueDepth.WithLabelValues(string(lane)).Set(float64(n))
	}
}

// put appends m to lane under the bucket's next sequence number.
func put(tx *bolt.Tx, lane Lane, m *Message) error {
	b := tx.Bucket([]byte(lane))
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	m.Seq = seq
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put(itob(seq), data)
}

// itob encodes v big-endian so byte order matches numeric order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
