package prism

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy computes how long to wait after a failed connection attempt.
type Strategy string

const (
	// StrategyExponential waits e^attempt seconds.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear waits attempt × φ seconds.
	StrategyLinear Strategy = "linear"
)

const phi = 1.618033988749895

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyExponential:
		return StrategyExponential, nil
	case StrategyLinear:
		return StrategyLinear, nil
	}
	return "", fmt.Errorf("unknown backoff strategy %q", s)
}

// Seconds is the raw delay for attempt, counted from zero.
func (s Strategy) Seconds(attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	if s == StrategyLinear {
		return float64(attempt) * phi
	}
	return math.Exp(float64(attempt))
}

// Delay is Seconds as a Duration, saturating at the largest Duration.
func (s Strategy) Delay(attempt int) time.Duration {
	ns := s.Seconds(attempt) * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
