package connectivity

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthCheckerOptions struct {
	Interval    time.Duration
	JitterRatio float64
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// HealthChecker polls the server health endpoint and feeds the result into a
// Detector.
type HealthChecker struct {
	pinger   Pinger
	detector *Detector
	interval time.Duration
	jitter   float64
	timeout  time.Duration
	logger   zerolog.Logger
	rng      *rand.Rand

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthChecker(pinger Pinger, detector *Detector, opts HealthCheckerOptions) *HealthChecker {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		pinger:   pinger,
		detector: detector,
		interval: interval,
		jitter:   ClampJitterRatio(opts.JitterRatio),
		timeout:  timeout,
		logger:   opts.Logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CheckOnce pings the server and updates the detector.
func (h *HealthChecker) CheckOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	err := h.pinger.Ping(ctx)
	online := err == nil
	if err != nil && h.detector.Online() {
		h.logger.Warn().Err(err).Msg("health check failed; marking offline")
	}
	h.detector.Set(online)
	return online
}

func (h *HealthChecker) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.CheckOnce(ctx)
		timer := time.NewTimer(JitteredInterval(h.interval, h.jitter, h.rng.Float64()))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				h.CheckOnce(ctx)
				timer.Reset(JitteredInterval(h.interval, h.jitter, h.rng.Float64()))
			}
		}
	}()
}

func (h *HealthChecker) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by ±jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
