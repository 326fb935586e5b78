package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// StartResult is the backend's reply to a live-camera start
type StartResult struct {
	Status      string `json:"status"`
	CameraID    string `json:"camera_id"`
	StreamURL   string `json:"stream_url"`
	CameraIndex int    `json:"camera_index"`
}

type statusReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ControlClient drives the backend's stream-control endpoints
type ControlClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

// NewControlClient creates a client against baseURL
func NewControlClient(baseURL string, timeout time.Duration, breaker BreakerConfig) *ControlClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if breaker == (BreakerConfig{}) {
		breaker = DefaultBreakerConfig()
	}
	logger := slog.Default().With("component", "control_client")

	return &ControlClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		cb:         newBreaker[[]byte]("control", breaker, logger),
		logger:     logger,
	}
}

// StartLiveCamera asks the backend to open capture device index for cameraID
func (c *ControlClient) StartLiveCamera(ctx context.Context, cameraID string, index int) (StartResult, error) {
	body, err := c.post(ctx, "/api/start_live_camera/"+url.PathEscape(cameraID), map[string]int{"camera_index": index})
	if err != nil {
		return StartResult{}, err
	}

	var res StartResult
	if err := json.Unmarshal(body, &res); err != nil {
		return StartResult{}, fmt.Errorf("failed to decode start response: %w", err)
	}
	if res.Status != "success" {
		return res, fmt.Errorf("backend refused to start camera %s: status %q", cameraID, res.Status)
	}

	c.logger.Info("Live camera started", "camera", cameraID, "index", index, "stream", res.StreamURL)
	return res, nil
}

// StopVideo stops whatever stream the backend runs for cameraID
func (c *ControlClient) StopVideo(ctx context.Context, cameraID string) error {
	body, err := c.post(ctx, "/api/stop_video/"+url.PathEscape(cameraID), nil)
	if err != nil {
		return err
	}

	var res statusReply
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("failed to decode stop response: %w", err)
	}
	if res.Status != "success" {
		return fmt.Errorf("backend refused to stop camera %s: status %q", cameraID, res.Status)
	}

	c.logger.Info("Video stopped", "camera", cameraID)
	return nil
}

func (c *ControlClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		var reader *bytes.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request: %w", err)
			}
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("control request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp)
		}

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return buf.Bytes(), nil
	})
}
