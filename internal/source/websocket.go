package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
)

// WebSocketConfig configures the streaming client
type WebSocketConfig struct {
	URL              string
	Reconnect        ReconnectConfig
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// WebSocket streams backend events over a persistent websocket connection
type WebSocket struct {
	cfg    WebSocketConfig
	dialer websocket.Dialer
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebSocket creates a client; nothing is dialled until Run
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}

	return &WebSocket{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
		logger: slog.Default().With("component", "ws_source", "url", cfg.URL),
		stop:   make(chan struct{}),
	}
}

// Run connects and delivers events to out until ctx is cancelled or Close
// is called, both of which return nil. Each connection is announced with
// Connected and each drop with Disconnected. After MaxAttempts consecutive
// failed dials a TransportError is emitted and ErrReconnectExhausted
// returned.
func (w *WebSocket) Run(ctx context.Context, out chan<- events.Event) error {
	failures := 0

	for {
		conn, err := w.dial(ctx)
		if err != nil {
			if w.stopped(ctx) {
				return nil
			}
			failures++
			w.logger.Warn("Connection attempt failed", "attempt", failures, "error", err)

			if max := w.cfg.Reconnect.MaxAttempts; max > 0 && failures >= max {
				reason := fmt.Sprintf("gave up after %d attempts: %v", failures, err)
				emit(ctx, w.stop, out, events.TransportError{Reason: reason})
				return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
			}
			if !sleep(ctx, w.stop, w.cfg.Reconnect.DelayFor(failures)) {
				return nil
			}
			metrics.Reconnects.Inc()
			continue
		}

		failures = 0
		w.logger.Info("Connected to event stream")
		if !emit(ctx, w.stop, out, events.Connected{}) {
			_ = conn.Close()
			return nil
		}

		reason := w.readLoop(ctx, conn, out)
		if w.stopped(ctx) {
			return nil
		}

		w.logger.Warn("Event stream disconnected", "reason", reason)
		if !emit(ctx, w.stop, out, events.Disconnected{Reason: reason}) {
			return nil
		}
		if !sleep(ctx, w.stop, w.cfg.Reconnect.DelayFor(1)) {
			return nil
		}
		metrics.Reconnects.Inc()
	}
}

// Close stops Run
func (w *WebSocket) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return nil
}

func (w *WebSocket) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// readLoop decodes frames until the connection fails and returns why it
// ended. The connection is closed on return.
func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- events.Event) string {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.keepAlive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	}
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		extend()
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed by server"
			}
			return err.Error()
		}

		ev, err := events.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, events.ErrUnknownType) {
				reason = "unknown_type"
			}
			metrics.FramesDropped.WithLabelValues(reason).Inc()
			w.logger.Warn("Dropping frame", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		if !emit(ctx, w.stop, out, ev) {
			return "shutdown"
		}
	}
}

// keepAlive pings the server and closes conn on shutdown so a blocked read
// returns.
func (w *WebSocket) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-w.stop:
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				w.logger.Warn("Ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}
