package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/queue"
)

// Requester is the call signature shared by Client and GuardedClient's
// underlying transport.
type Requester interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

type OnlineReporter interface {
	Online() bool
}

// Outcome tells the caller whether the write reached the server. A queued
// write returns no response body.
type Outcome struct {
	Queued bool
}

const (
	reasonOffline = "offline"
	reasonNetwork = "network"
)

// GuardedClient routes writes through the offline queue whenever the server
// cannot be reached. Reads should use the plain client.
type GuardedClient struct {
	client   Requester
	detector OnlineReporter
	queue    queue.Queue
	logger   zerolog.Logger

	mu        sync.Mutex
	onEnqueue func()
}

func NewGuardedClient(client Requester, detector OnlineReporter, q queue.Queue, logger zerolog.Logger) *GuardedClient {
	return &GuardedClient{
		client:   client,
		detector: detector,
		queue:    q,
		logger:   logger,
	}
}

// OnEnqueue registers fn to run after every write that was queued, so a
// drain can start without waiting for a connectivity change.
func (g *GuardedClient) OnEnqueue(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEnqueue = fn
}

// Do performs the request, or queues it when offline or when the transport
// fails. Server rejections are returned unchanged and never queued.
func (g *GuardedClient) Do(ctx context.Context, method, path string, body, out any) (Outcome, error) {
	if !g.detector.Online() {
		return g.enqueue(ctx, method, path, body, reasonOffline)
	}
	err := g.client.Do(ctx, method, path, body, out)
	if err == nil {
		return Outcome{}, nil
	}
	if IsNetworkError(err) {
		g.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("request failed in transit, queueing")
		return g.enqueue(ctx, method, path, body, reasonNetwork)
	}
	return Outcome{}, err
}

func (g *GuardedClient) enqueue(ctx context.Context, method, path string, body any, reason string) (Outcome, error) {
	op := queue.Operation{Method: method, URL: path}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Outcome{}, err
		}
		op.Body = raw
	}
	if err := g.queue.Append(ctx, op); err != nil {
		return Outcome{}, fmt.Errorf("queue %s %s: %w", method, path, err)
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(reason).Inc()
	if n, err := g.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	g.logger.Debug().Str("method", method).Str("path", path).Str("reason", reason).Msg("write queued")
	g.mu.Lock()
	onEnqueue := g.onEnqueue
	g.mu.Unlock()
	if onEnqueue != nil {
		onEnqueue()
	}
	return Outcome{Queued: true}, nil
}
