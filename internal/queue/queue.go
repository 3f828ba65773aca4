// Package queue provides the ingestion message queue abstraction: at-least-once
// delivery with visibility timeouts, lease-scoped acknowledgement, and
// dead-letter redirection after too many deliveries.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseExpired is returned by ExtendVisibility, Ack, and Nack when the
// message's lease is no longer held: the visibility window lapsed and another
// consumer received the message. The caller's work is void; the redelivery
// will redo it.
var ErrLeaseExpired = errors.New("message lease expired or held by another consumer")

// Message is one ingestion dispatch. ReceiveCount is the queue's own
// redelivery counter. It is correlated with, but distinct from, the ledger's
// attempt count; the two are reconciled when the job is claimed.
type Message struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	VideoID      uuid.UUID
	BlobKey      string
	ReceiveCount int

	// LeaseToken identifies the current receive. Every ack/nack/extend is
	// scoped to it, so a consumer that lost its lease cannot clobber the
	// next consumer's delivery.
	LeaseToken uuid.UUID
}

// SendRequest enqueues one ingestion dispatch.
type SendRequest struct {
	JobID   uuid.UUID
	VideoID uuid.UUID
	BlobKey string
}

// Queue is the message queue consumed by the work distributor. At-least-once:
// a message received but neither acked nor extended becomes visible again
// after the visibility timeout, modeling a crashed worker.
type Queue interface {
	// Send enqueues a message, immediately visible.
	Send(ctx context.Context, req SendRequest) error

	// Receive returns up to maxBatch visible messages, waiting up to wait for
	// at least one. Received messages are invisible to other consumers for
	// the queue's visibility timeout. Messages whose delivery count exceeds
	// the queue's maximum are routed to the dead-letter store, not returned.
	Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Message, error)

	// ExtendVisibility pushes the message's visibility deadline d into the
	// future. The heartbeat discipline for long-running embedding calls.
	ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error

	// Ack removes the message permanently.
	Ack(ctx context.Context, msg *Message) error

	// Nack makes the message visible again immediately for redelivery.
	Nack(ctx context.Context, msg *Message) error

	// Depth reports the number of pending messages (visible or leased).
	// This is the backlog signal exported for external autoscaling.
	Depth(ctx context.Context) (int64, error)
}
