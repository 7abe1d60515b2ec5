// Package pushchannel keeps one WebSocket push channel open per session and
// republishes every inbound frame on the bus.
package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/boardsync/internal/backoff"
	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/wire"
)

const streamPath = "/v1/stream"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the part of a WebSocket connection the consumer needs.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

type DialFunc func(ctx context.Context, streamURL string, header http.Header) (Conn, error)

// Detector is the connectivity source the consumer follows.
type Detector interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

type Options struct {
	BaseURL     string
	SessionID   string
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFailures int
	Dial        DialFunc
	// Sample returns a uniform value in [0,1) for jitter.
	Sample func() float64
	Logger zerolog.Logger
}

type Consumer struct {
	opts     Options
	bus      *bus.Bus
	detector Detector
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	everOpened  bool
	started     bool
	generation  int
	cancelConn  context.CancelFunc
	timer       *time.Timer
	unsubscribe func()
	stopAfter   func() bool
	parent      context.Context
	wg          sync.WaitGroup
}

func NewConsumer(b *bus.Bus, detector Detector, opts Options) *Consumer {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 10
	}
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	return &Consumer{
		opts:     opts,
		bus:      b,
		detector: detector,
		logger:   opts.Logger,
		state:    StateIdle,
	}
}

// DialWebSocket is the default DialFunc.
func DialWebSocket(ctx context.Context, streamURL string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// StreamURL is the push endpoint for a session, with http(s) mapped onto
// ws(s).
func StreamURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported push channel scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + streamPath
	u.RawQuery = url.Values{"session": []string{sessionID}}.Encode()
	return u.String(), nil
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Start follows the detector and connects immediately when online. The
// consumer stops when ctx is cancelled. Calling Start twice is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := StreamURL(c.opts.BaseURL, c.opts.SessionID); err != nil {
		return err
	}
	c.mu.Lock()
	if c.started || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.parent = ctx
	c.mu.Unlock()

	unsubscribe := c.detector.Subscribe(c.onConnectivity)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.stopAfter = context.AfterFunc(ctx, c.Stop)
	if c.detector.Online() {
		c.connectLocked()
	}
	c.mu.Unlock()
	return nil
}

// Stop closes any open channel, cancels a pending reconnect and waits for the
// connection goroutine to exit. The consumer cannot be restarted.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateStopped)
	c.stopTimerLocked()
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	stopAfter := c.stopAfter
	c.stopAfter = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if stopAfter != nil {
		stopAfter()
	}
	c.wg.Wait()
}

func (c *Consumer) onConnectivity(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.stopTimerLocked()
	if !online {
		if c.cancelConn != nil {
			c.cancelConn()
			c.cancelConn = nil
		}
		c.generation++
		c.setStateLocked(StateIdle)
		c.logger.Info().Msg("offline, push channel closed")
		return
	}
	c.failures = 0
	if c.state == StateConnecting || c.state == StateOpen {
		return
	}
	c.connectLocked()
}

func (c *Consumer) connectLocked() {
	if c.state == StateStopped || c.state == StateConnecting || c.state == StateOpen {
		return
	}
	streamURL, err := StreamURL(c.opts.BaseURL, c.opts.SessionID)
	if err != nil {
		c.logger.Error().Err(err).Msg("invalid push channel url")
		return
	}
	c.generation++
	gen := c.generation
	parent := c.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancelConn = cancel
	c.setStateLocked(StateConnecting)
	c.wg.Add(1)
	go c.run(ctx, gen, streamURL)
}

func (c *Consumer) run(ctx context.Context, gen int, streamURL string) {
	defer c.wg.Done()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, err := c.opts.Dial(ctx, streamURL, header)
	if err != nil {
		metrics.PushConnectsTotal.WithLabelValues("failure").Inc()
		c.handleFailure(ctx, gen, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	if gen != c.generation || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateOpen)
	c.failures = 0
	reconnected := c.everOpened
	c.everOpened = true
	c.mu.Unlock()

	metrics.PushConnectsTotal.WithLabelValues("success").Inc()
	c.logger.Info().Bool("reconnect", reconnected).Msg("push channel open")
	if reconnected {
		c.bus.PublishReconnected()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleFailure(ctx, gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Consumer) dispatch(frame []byte) {
	decoded, err := wire.Decode(frame)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownMessage) {
			c.logger.Debug().Err(err).Msg("ignoring push frame")
		} else {
			c.logger.Warn().Err(err).Msg("dropping invalid push frame")
		}
		metrics.PushMessagesTotal.WithLabelValues("invalid").Inc()
		return
	}
	metrics.PushMessagesTotal.WithLabelValues(string(decoded.Type)).Inc()
	switch decoded.Type {
	case wire.MessageSync:
		c.bus.PublishSync(*decoded.Sync)
	case wire.MessageNotification:
		c.bus.PublishNotification(*decoded.Notification)
	}
}

// handleFailure schedules the next attempt unless the connection was closed
// on purpose, the client is offline, or the failure budget is spent.
func (c *Consumer) handleFailure(ctx context.Context, gen int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state == StateStopped || ctx.Err() != nil {
		return
	}
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	if !c.detector.Online() {
		c.setStateLocked(StateIdle)
		return
	}
	c.failures++
	if c.failures >= c.opts.MaxFailures {
		c.setStateLocked(StateIdle)
		c.logger.Warn().Err(cause).Int("failures", c.failures).Msg("push channel giving up")
		return
	}
	delay := backoff.Jittered(c.failures, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Sample())
	c.setStateLocked(StateBackoff)
	c.logger.Warn().Err(cause).Int("failures", c.failures).Dur("delay", delay).Msg("push channel lost, reconnecting")
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Consumer) reconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != StateBackoff {
		return
	}
	c.timer = nil
	c.connectLocked()
}

func (c *Consumer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Consumer) setStateLocked(s State) {
	c.state = s
	metrics.PushState.Set(float64(s))
}
