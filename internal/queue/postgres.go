package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pollInterval is how often Receive re-checks for visible messages while
// long-polling.
const pollInterval = 500 * time.Millisecond

// PostgresOptions configures the Postgres-backed queue.
type PostgresOptions struct {
	// VisibilityTimeout is how long a received message stays invisible
	// (default: 15 minutes).
	VisibilityTimeout time.Duration
	// MaxReceiveCount dead-letters a message after this many deliveries
	// (default: 5). Kept above the ledger's attempt budget so the ledger,
	// not the queue, normally decides when a job is done retrying.
	MaxReceiveCount int
}

// Postgres is a queue on a Postgres table. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent consumers never receive the same
// message, and a visible_at column models the visibility timeout.
type Postgres struct {
	db   *pgxpool.Pool
	opts PostgresOptions
}

// Ensure Postgres implements Queue.
var _ Queue = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed queue.
func NewPostgres(db *pgxpool.Pool, opts PostgresOptions) *Postgres {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}

	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = 5
	}

	return &Postgres{db: db, opts: opts}
}

// Send enqueues a message, immediately visible.
func (q *Postgres) Send(ctx context.Context, req SendRequest) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO queue_messages (id, job_id, video_id, blob_key, visible_at, receive_count, enqueued_at)
		VALUES ($1, $2, $3, $4, now(), 0, now())`,
		uuid.New(), req.JobID, req.VideoID, req.BlobKey,
	)
	if err != nil {
		return fmt.Errorf("queue send: %w", err)
	}

	return nil
}

// Receive claims up to maxBatch visible messages, long-polling up to wait.
func (q *Postgres) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Message, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}

	deadline := time.Now().Add(wait)

	for {
		msgs, err := q.receiveOnce(ctx, maxBatch)
		if err != nil {
			return nil, err
		}

		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Postgres) receiveOnce(ctx context.Context, maxBatch int) ([]*Message, error) {
	if err := q.sweepExhausted(ctx); err != nil {
		return nil, err
	}

	leaseToken := uuid.New()

	rows, err := q.db.Query(ctx, `
		UPDATE queue_messages
		SET visible_at = now() + $1,
		    receive_count = receive_count + 1,
		    lease_token = $2
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE visible_at <= now()
			ORDER BY enqueued_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_id, video_id, blob_key, receive_count`,
		q.opts.VisibilityTimeout, leaseToken, maxBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("queue receive: %w", err)
	}

	defer rows.Close()

	var msgs []*Message

	for rows.Next() {
		msg := &Message{LeaseToken: leaseToken}
		if err := rows.Scan(&msg.ID, &msg.JobID, &msg.VideoID, &msg.BlobKey, &msg.ReceiveCount); err != nil {
			return nil, fmt.Errorf("scan queue message: %w", err)
		}

		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue messages: %w", err)
	}

	return msgs, nil
}

// sweepExhausted routes messages past the delivery cap to the dead-letter
// table before they can be claimed again.
func (q *Postgres) sweepExhausted(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `
		WITH exhausted AS (
			DELETE FROM queue_messages
			WHERE visible_at <= now() AND receive_count >= $1
			RETURNING id, job_id, video_id, blob_key, receive_count, enqueued_at
		)
		INSERT INTO queue_dead_letters (id, job_id, video_id, blob_key, receive_count, enqueued_at, dead_lettered_at)
		SELECT id, job_id, video_id, blob_key, receive_count, enqueued_at, now() FROM exhausted`,
		q.opts.MaxReceiveCount,
	)
	if err != nil {
		return fmt.Errorf("queue dead-letter sweep: %w", err)
	}

	return nil
}

// ExtendVisibility pushes the visibility deadline d into the future, scoped to
// the caller's lease.
func (q *Postgres) ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = now() + $1
		WHERE id = $2 AND lease_token = $3`,
		d, msg.ID, msg.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("queue extend visibility: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}

	return nil
}

// Ack removes the message permanently, scoped to the caller's lease.
func (q *Postgres) Ack(ctx context.Context, msg *Message) error {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM queue_messages WHERE id = $1 AND lease_token = $2`,
		msg.ID, msg.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}

	return nil
}

// Nack makes the message visible again immediately, scoped to the caller's lease.
func (q *Postgres) Nack(ctx context.Context, msg *Message) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE queue_messages
		SET visible_at = now()
		WHERE id = $1 AND lease_token = $2`,
		msg.ID, msg.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("queue nack: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}

	return nil
}

// Depth reports pending messages (visible or leased).
func (q *Postgres) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM queue_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}

	return n, nil
}
