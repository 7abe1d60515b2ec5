// Package queue is the durable FIFO of write operations that could not reach
// the server. Operations are replayed in order once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

// Operation is one pending write. Its identity is its position in the queue;
// there is no id and no duplicate suppression, since every mutation endpoint
// is idempotent against a stable entity id.
type Operation struct {
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Body       json.RawMessage `json:"body,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func (op Operation) Validate() error {
	if strings.TrimSpace(op.Method) == "" || strings.TrimSpace(op.URL) == "" {
		return ErrInvalidInput
	}
	return nil
}

// Queue is implemented by every backend. Peek and Pop are split so that an
// operation is only removed after it has been replayed.
type Queue interface {
	Append(ctx context.Context, op Operation) error
	Peek(ctx context.Context) (Operation, bool, error)
	Pop(ctx context.Context) error
	Snapshot(ctx context.Context) ([]Operation, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Capacity() int
	Close() error
}

const defaultCapacity = 1024

func normalizeCapacity(capacity int) int {
	if capacity <= 0 {
		return defaultCapacity
	}
	return capacity
}

func stamp(op Operation) Operation {
	op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
	op.URL = strings.TrimSpace(op.URL)
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	return op
}
