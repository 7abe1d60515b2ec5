// Package backoff computes the capped exponential delays shared by request
// retries, push channel reconnects and interrupted queue drains.
package backoff

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Exponential is base doubled once per earlier attempt (attempt is 1-based),
// never more than max.
func Exponential(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Jittered adds up to 10% of the exponential delay, scaled by sample in
// [0,1). The result still never exceeds max.
func Jittered(attempt int, base, max time.Duration, sample float64) time.Duration {
	delay := Exponential(attempt, base, max)
	if max < delay {
		max = delay
	}
	switch {
	case sample < 0:
		sample = 0
	case sample > 1:
		sample = 1
	}
	delay += time.Duration(float64(delay) * 0.1 * sample)
	return min(delay, max)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// Missing, malformed or past values yield zero.
func RetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// Sleep waits for delay or until ctx is done.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
