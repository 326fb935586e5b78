package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
)

// DefaultNATSSubject matches everything detection workers publish
const DefaultNATSSubject = "crowdsense.events.>"

// NATSConfig configures the NATS event source
type NATSConfig struct {
	URL       string
	Subject   string
	Name      string
	Reconnect ReconnectConfig
}

// NATS consumes backend events from a NATS subject
type NATS struct {
	cfg    NATSConfig
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewNATS creates a source; nothing connects until Run
func NewNATS(cfg NATSConfig) *NATS {
	if cfg.Subject == "" {
		cfg.Subject = DefaultNATSSubject
	}
	if cfg.Name == "" {
		cfg.Name = "crowdsense-dashboard"
	}
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return &NATS{
		cfg:    cfg,
		logger: slog.Default().With("component", "nats_source", "subject", cfg.Subject),
		stop:   make(chan struct{}),
	}
}

// options maps the reconnect policy onto the client's own reconnect logic
func (n *NATS) options(lifecycle chan<- events.Event, closed chan<- struct{}) []nats.Option {
	rc := n.cfg.Reconnect
	maxReconnects := rc.MaxAttempts
	if maxReconnects <= 0 {
		maxReconnects = -1
	}

	push := func(ev events.Event) {
		select {
		case lifecycle <- ev:
		default:
			n.logger.Warn("Dropping lifecycle event", "kind", ev.Kind())
		}
	}

	var closeOnce sync.Once
	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(rc.DelayFor(1)),
		nats.ConnectHandler(func(*nats.Conn) {
			push(events.Connected{})
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			reason := "connection lost"
			if err != nil {
				reason = err.Error()
			}
			push(events.Disconnected{Reason: reason})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.Reconnects.Inc()
			n.logger.Info("Reconnected", "url", nc.ConnectedUrl())
			push(events.Connected{})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			closeOnce.Do(func() { close(closed) })
		}),
	}
	if rc.Backoff == BackoffExponential {
		opts = append(opts, nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return rc.DelayFor(attempts)
		}))
	}
	return opts
}

// Run subscribes and delivers events until ctx is cancelled or Close is
// called. When the client gives up reconnecting a TransportError is
// emitted and ErrReconnectExhausted returned.
func (n *NATS) Run(ctx context.Context, out chan<- events.Event) error {
	lifecycle := make(chan events.Event, 16)
	closed := make(chan struct{})

	nc, err := nats.Connect(n.cfg.URL, n.options(lifecycle, closed)...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(n.cfg.Subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.cfg.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if nc.IsConnected() {
		if err := nc.FlushTimeout(2 * time.Second); err != nil {
			n.logger.Warn("Subscription flush failed", "error", err)
		}
		n.logger.Info("Connected to event bus", "url", nc.ConnectedUrl())
		if !emit(ctx, n.stop, out, events.Connected{}) {
			return nil
		}
	}

	return n.pump(ctx, out, lifecycle, msgs, closed, nc.LastError)
}

// pump forwards messages and lifecycle events in arrival order. The client
// reports lifecycle changes on a different goroutine than it delivers
// messages, so two rules restore the order: a pending lifecycle event is
// handled before any pending message, and a disconnect first flushes the
// messages already received on the old connection.
func (n *NATS) pump(ctx context.Context, out chan<- events.Event, lifecycle <-chan events.Event, msgs <-chan *nats.Msg, closed <-chan struct{}, lastErr func() error) error {
	for {
		if !n.drainLifecycle(ctx, out, lifecycle, msgs) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.stop:
			return nil

		case ev := <-lifecycle:
			if !n.forwardLifecycle(ctx, out, msgs, ev) {
				return nil
			}

		case <-closed:
			// handlers may have queued a final Disconnected
			if !n.drainLifecycle(ctx, out, lifecycle, msgs) {
				return nil
			}
			n.flushMessages(ctx, out, msgs)

			reason := "NATS connection closed"
			if err := lastErr(); err != nil {
				reason = err.Error()
			}
			emit(ctx, n.stop, out, events.TransportError{Reason: reason})
			return fmt.Errorf("%w: %s", ErrReconnectExhausted, reason)

		case msg := <-msgs:
			if !n.forwardMessage(ctx, out, msg) {
				return nil
			}
		}
	}
}

func (n *NATS) drainLifecycle(ctx context.Context, out chan<- events.Event, lifecycle <-chan events.Event, msgs <-chan *nats.Msg) bool {
	for {
		select {
		case ev := <-lifecycle:
			if !n.forwardLifecycle(ctx, out, msgs, ev) {
				return false
			}
		default:
			return true
		}
	}
}

func (n *NATS) forwardLifecycle(ctx context.Context, out chan<- events.Event, msgs <-chan *nats.Msg, ev events.Event) bool {
	if ev.Kind() == events.KindDisconnected && !n.flushMessages(ctx, out, msgs) {
		return false
	}
	return emit(ctx, n.stop, out, ev)
}

// flushMessages forwards every message already queued
func (n *NATS) flushMessages(ctx context.Context, out chan<- events.Event, msgs <-chan *nats.Msg) bool {
	for {
		select {
		case msg := <-msgs:
			if !n.forwardMessage(ctx, out, msg) {
				return false
			}
		default:
			return true
		}
	}
}

func (n *NATS) forwardMessage(ctx context.Context, out chan<- events.Event, msg *nats.Msg) bool {
	ev, err := events.Decode(msg.Data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, events.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		n.logger.Warn("Dropping message", "subject", msg.Subject, "error", err)
		return true
	}
	if ev == nil {
		return true
	}
	return emit(ctx, n.stop, out, ev)
}

// Close stops Run
func (n *NATS) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })
	return nil
}
