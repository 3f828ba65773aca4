package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryMessage struct {
	msg        Message
	visibleAt  time.Time
	enqueuedAt time.Time
}

// Memory is an in-process queue with the same delivery semantics as the
// Postgres implementation. Used in tests and single-process deployments.
type Memory struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]*memoryMessage
	deadLetters []Message

	visibilityTimeout time.Duration
	maxReceiveCount   int

	now func() time.Time
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-memory queue.
func NewMemory(opts PostgresOptions) *Memory {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}

	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = 5
	}

	return &Memory{
		messages:          make(map[uuid.UUID]*memoryMessage),
		visibilityTimeout: opts.VisibilityTimeout,
		maxReceiveCount:   opts.MaxReceiveCount,
		now:               time.Now,
	}
}

func (q *Memory) Send(_ context.Context, req SendRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New()
	now := q.now()
	q.messages[id] = &memoryMessage{
		msg: Message{
			ID:      id,
			JobID:   req.JobID,
			VideoID: req.VideoID,
			BlobKey: req.BlobKey,
		},
		visibleAt:  now,
		enqueuedAt: now,
	}

	return nil
}

func (q *Memory) Receive(ctx context.Context, maxBatch int, wait time.Duration) ([]*Message, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}

	deadline := q.now().Add(wait)

	for {
		msgs := q.receiveOnce(maxBatch)
		if len(msgs) > 0 || q.now().After(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *Memory) receiveOnce(maxBatch int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	var visible []*memoryMessage

	for id, m := range q.messages {
		if m.visibleAt.After(now) {
			continue
		}

		if m.msg.ReceiveCount >= q.maxReceiveCount {
			q.deadLetters = append(q.deadLetters, m.msg)
			delete(q.messages, id)

			continue
		}

		visible = append(visible, m)
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].enqueuedAt.Before(visible[j].enqueuedAt)
	})

	if len(visible) > maxBatch {
		visible = visible[:maxBatch]
	}

	msgs := make([]*Message, 0, len(visible))

	for _, m := range visible {
		m.msg.ReceiveCount++
		m.msg.LeaseToken = uuid.New()
		m.visibleAt = now.Add(q.visibilityTimeout)

		out := m.msg
		msgs = append(msgs, &out)
	}

	return msgs
}

func (q *Memory) ExtendVisibility(_ context.Context, msg *Message, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[msg.ID]
	if !ok || m.msg.LeaseToken != msg.LeaseToken {
		return ErrLeaseExpired
	}

	m.visibleAt = q.now().Add(d)

	return nil
}

func (q *Memory) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[msg.ID]
	if !ok || m.msg.LeaseToken != msg.LeaseToken {
		return ErrLeaseExpired
	}

	delete(q.messages, msg.ID)

	return nil
}

func (q *Memory) Nack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[msg.ID]
	if !ok || m.msg.LeaseToken != msg.LeaseToken {
		return ErrLeaseExpired
	}

	m.visibleAt = q.now()

	return nil
}

func (q *Memory) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(len(q.messages)), nil
}

// DeadLetters returns a copy of the messages that exhausted their delivery
// budget.
func (q *Memory) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, len(q.deadLetters))
	copy(out, q.deadLetters)

	return out
}
