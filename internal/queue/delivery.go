package queue

import (
	"context"
	"encoding/json"

	bolt "github.com/boltdb/bolt"
)

// Delivery is a leased in-flight message. Exactly one of Ack, Retry or
// DeadLetter should be called; each is atomic with respect to the queue file.
type Delivery struct {
	Message

	q *BoltQueue
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, nil, "")
}

// Retry acknowledges the delivery and parks a copy with retryCount on the
// retry lane.
func (d *Delivery) Retry(ctx context.Context, retryCount int) error {
	m := d.q.retryMessage(d.RecordID, retryCount)
	return d.settle(ctx, &m, LaneRetry)
}

// DeadLetter acknowledges the delivery and records it on the dead-letter
// lane with reason. A record already on the lane is not added twice.
func (d *Delivery) DeadLetter(ctx context.Context, retryCount int, reason string) error {
	m := d.q.deadLetterMessage(d.RecordID, retryCount, reason)
	return d.settle(ctx, &m, LaneDeadLetter)
}

// settle deletes the in-flight entry and, when next is set, places it on
// lane in the same transaction.
func (d *Delivery) settle(ctx context.Context, next *Message, lane Lane) error {
	key := itob(d.Seq)
	placed := false
	err := d.q.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(LaneInflight))
		if b.Get(key) == nil {
			return ErrLeaseLost
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if lane == LaneDeadLetter {
			dup, err := holds(tx, lane, next.RecordID)
			if err != nil || dup {
				return err
			}
		}
		placed = true
		return put(tx, lane, next)
	})
	if err != nil {
		return err
	}
	queueDepth.WithLabelValues(string(LaneInflight)).Dec()
	if placed {
		queueDepth.WithLabelValues(string(lane)).Inc()
	}
	return nil
}

// holds reports whether lane already has a message for recordID.
func holds(tx *bolt.Tx, lane Lane, recordID int64) (bool, error) {
	found := false
	err := tx.Bucket([]byte(lane)).ForEach(func(_, v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.RecordID == recordID {
			found = true
		}
		return nil
	})
	return found, err
}
