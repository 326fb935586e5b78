// Package source connects to the detection backend: the streaming event
// feed (websocket or NATS), the historical query endpoint and the
// stream-control endpoints.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

// ErrReconnectExhausted is returned by Run once MaxAttempts consecutive
// connection attempts have failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Backoff selects how the reconnect delay grows
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ReconnectConfig bounds reconnection
type ReconnectConfig struct {
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	// MaxAttempts is the number of consecutive failures tolerated; 0 retries forever
	MaxAttempts int     `yaml:"max_attempts"`
	Backoff     Backoff `yaml:"backoff"`
}

// DefaultReconnectConfig retries every second, ten times
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Delay:       time.Second,
		MaxDelay:    32 * time.Second,
		MaxAttempts: 10,
		Backoff:     BackoffFixed,
	}
}

// DelayFor returns the wait before the given 1-based attempt
func (c ReconnectConfig) DelayFor(attempt int) time.Duration {
	d := c.Delay
	if d <= 0 {
		d = time.Second
	}
	if c.Backoff != BackoffExponential {
		return d
	}
	max := c.MaxDelay
	if max <= 0 {
		max = 32 * time.Second
	}
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Source delivers backend events in arrival order until ctx is cancelled
type Source interface {
	Run(ctx context.Context, out chan<- events.Event) error
}

// emit hands ev to out unless the source is shutting down
func emit(ctx context.Context, stop <-chan struct{}, out chan<- events.Event, ev events.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// sleep waits for d; false means the wait was interrupted
func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
