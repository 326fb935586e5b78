package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
)

// BreakerConfig tunes the circuit breaker around backend HTTP calls
type BreakerConfig struct {
	// MaxRequests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval after which closed-state counts reset
	Interval time.Duration `yaml:"interval"`
	// Timeout spent open before probing again
	Timeout time.Duration `yaml:"timeout"`
	// ConsecutiveFailures that trip the breaker
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig trips after five straight failures and probes again
// after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func newBreaker[T any](name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// HistoryConfig configures the historical query client
type HistoryConfig struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// HistoryClient queries the backend's stored detections
type HistoryClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker[[]events.DetectionRecord]
	logger     *slog.Logger
}

// NewHistoryClient creates a client for cfg.BaseURL
func NewHistoryClient(cfg HistoryConfig) *HistoryClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}
	logger := slog.Default().With("component", "history_client")

	return &HistoryClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cb:         newBreaker[[]events.DetectionRecord]("history", cfg.Breaker, logger),
		logger:     logger,
	}
}

// Query returns the detections recorded on date (YYYY-MM-DD), optionally
// restricted to one alert type.
func (c *HistoryClient) Query(ctx context.Context, date, typeFilter string) ([]events.DetectionRecord, error) {
	q := url.Values{}
	if typeFilter != "" {
		q.Set("type", typeFilter)
	}
	return c.get(ctx, "/api/detections/"+url.PathEscape(date), q)
}

// QueryRange returns the detections between start and end inclusive. Either
// bound may be empty.
func (c *HistoryClient) QueryRange(ctx context.Context, start, end, typeFilter string) ([]events.DetectionRecord, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	if typeFilter != "" {
		q.Set("type", typeFilter)
	}
	return c.get(ctx, "/api/detections/range", q)
}

func (c *HistoryClient) get(ctx context.Context, path string, q url.Values) ([]events.DetectionRecord, error) {
	return c.cb.Execute(func() ([]events.DetectionRecord, error) {
		u := c.baseURL + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("history request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp)
		}

		var records []events.DetectionRecord
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode history response: %w", err)
		}

		c.logger.Debug("History query completed", "path", path, "records", len(records), "latency", time.Since(start))
		return records, nil
	})
}

// statusError builds an error from a non-200 response, preferring the
// backend's {"error": ...} message.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("backend returned %d", resp.StatusCode)
}
