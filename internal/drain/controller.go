// Package drain replays the offline queue once the client is back online.
package drain

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/boardsync/internal/api"
	"github.com/agentworkforce/boardsync/internal/backoff"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/queue"
)

type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// Replayer resends one queued operation.
type Replayer interface {
	Replay(ctx context.Context, op queue.Operation) error
}

type Detector interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Result summarises one drain pass.
type Result struct {
	Succeeded int
	Failed    int
	Remaining int
	// Interrupted is set when a transport failure stopped the pass early.
	Interrupted bool
	// Skipped is set when the pass did not run at all.
	Skipped bool
}

type Options struct {
	// ReplayRate limits replayed requests per second. Zero means unlimited.
	ReplayRate float64
	// Warn receives a user-facing message when some operations were rejected.
	Warn func(message string)
	// RetryBase and RetryMax bound the delay before a pass that was cut short
	// by a transport failure is tried again. Defaults 1s and 30s.
	RetryBase time.Duration
	RetryMax  time.Duration
	Logger    zerolog.Logger
}

type Controller struct {
	queue    queue.Queue
	replayer Replayer
	detector Detector
	bus      *bus.Bus
	limiter  *rate.Limiter
	warn     func(string)
	logger   zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration

	state atomic.Int32
	// pending records a trigger that arrived while a pass was running.
	pending atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	retryTimer  *time.Timer
	retries     int
	wg          sync.WaitGroup
}

func NewController(q queue.Queue, replayer Replayer, detector Detector, b *bus.Bus, opts Options) *Controller {
	limit := rate.Inf
	burst := 1
	if opts.ReplayRate > 0 {
		limit = rate.Limit(opts.ReplayRate)
		burst = max(1, int(opts.ReplayRate))
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	retryMax := opts.RetryMax
	if retryMax < retryBase {
		retryMax = max(retryBase, 30*time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		queue:    q,
		replayer: replayer,
		detector: detector,
		bus:      b,
		limiter:  rate.NewLimiter(limit, burst),
		warn:     opts.Warn,
		logger:    opts.Logger,
		retryBase: retryBase,
		retryMax:  retryMax,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start drains once if already online, again on every transition to online
// and whenever Notify reports a new queued write. A pass interrupted by a
// transport failure is retried with backoff while the client stays online.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.unsubscribe != nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.unsubscribe = c.detector.Subscribe(func(online bool) {
		if online {
			c.mu.Lock()
			c.retries = 0
			c.mu.Unlock()
			c.drainAsync()
		}
	})
	c.mu.Unlock()
	if c.detector.Online() {
		c.drainAsync()
	}
}

// Notify re-evaluates the drain condition after the queue grew. It does
// nothing until Start has been called.
func (c *Controller) Notify() {
	c.mu.Lock()
	started := c.unsubscribe != nil
	c.mu.Unlock()
	if started {
		c.drainAsync()
	}
}

// Stop detaches from the detector, aborts a running pass between operations
// and waits for it to return.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancel()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.wg.Wait()
}

func (c *Controller) drainAsync() {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.Drain(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("drain failed")
		}
	}()
}

// Drain replays the queue head first. It is a no-op while offline, while the
// queue is empty, or while another pass is running. Rejected operations are
// counted and dropped; a transport failure ends the pass and keeps the rest.
func (c *Controller) Drain(ctx context.Context) (Result, error) {
	if !c.detector.Online() {
		return Result{Skipped: true}, nil
	}
	n, err := c.queue.Len(ctx)
	if err != nil {
		return Result{Skipped: true}, err
	}
	if n == 0 {
		return Result{Skipped: true}, nil
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		c.pending.Store(true)
		// The running pass may have finished between the swap and the store.
		if c.State() == StateIdle && c.pending.Swap(false) {
			c.Notify()
		}
		return Result{Skipped: true}, nil
	}

	metrics.DrainRunsTotal.Inc()
	c.logger.Info().Int("queued", n).Msg("draining offline queue")

	var result Result
	err = c.replayAll(ctx, &result)
	if remaining, lenErr := c.queue.Len(ctx); lenErr == nil {
		result.Remaining = remaining
		metrics.QueueDepth.Set(float64(remaining))
	}
	c.finish(result)
	c.state.Store(int32(StateIdle))
	c.afterPass(result, err)
	return result, err
}

// afterPass schedules the follow-up work of a completed pass: a retry with
// backoff when it was interrupted, another pass when a trigger arrived
// meanwhile.
func (c *Controller) afterPass(result Result, err error) {
	if result.Interrupted {
		c.scheduleRetry()
		return
	}
	if err == nil {
		c.mu.Lock()
		c.retries = 0
		c.mu.Unlock()
	}
	if c.pending.Swap(false) {
		c.Notify()
	}
}

func (c *Controller) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe == nil || c.ctx.Err() != nil || c.retryTimer != nil {
		return
	}
	c.retries++
	delay := backoff.Jittered(c.retries, c.retryBase, c.retryMax, rand.Float64())
	c.logger.Info().Int("attempt", c.retries).Dur("delay", delay).Msg("drain retry scheduled")
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.drainAsync()
	})
}

func (c *Controller) replayAll(ctx context.Context, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, ok, err := c.queue.Peek(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		replayErr := c.replayer.Replay(ctx, op)
		switch {
		case replayErr == nil:
			result.Succeeded++
			metrics.DrainReplayedTotal.WithLabelValues("success").Inc()
		case api.IsNetworkError(replayErr) || ctx.Err() != nil:
			result.Interrupted = true
			metrics.DrainReplayedTotal.WithLabelValues("interrupted").Inc()
			c.logger.Warn().Err(replayErr).Str("method", op.Method).Str("url", op.URL).Msg("drain interrupted")
			return nil
		default:
			result.Failed++
			metrics.DrainReplayedTotal.WithLabelValues("rejected").Inc()
			c.logger.Warn().Err(replayErr).Str("method", op.Method).Str("url", op.URL).Msg("queued operation rejected")
		}
		if err := c.queue.Pop(ctx); err != nil {
			return err
		}
	}
}

func (c *Controller) finish(result Result) {
	c.logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("remaining", result.Remaining).
		Bool("interrupted", result.Interrupted).
		Msg("drain finished")
	if result.Succeeded > 0 && c.bus != nil {
		c.bus.PublishQueueDrained()
	}
	if result.Failed > 0 && c.warn != nil {
		c.warn(fmt.Sprintf("%d queued change(s) were rejected by the server and discarded", result.Failed))
	}
}

// NotifyExternalDrain is called when another process replayed the queue on
// our behalf. It is handled like a successful local drain.
func (c *Controller) NotifyExternalDrain() {
	c.logger.Info().Msg("queue drained externally")
	if n, err := c.queue.Len(c.ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	if c.bus != nil {
		c.bus.PublishQueueDrained()
	}
}
