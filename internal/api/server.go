// Package api exposes the dashboard state and view intents over HTTP and
// pushes snapshots to browsers over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/Manav1207351/crowdsense360/internal/config"
	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/logging"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
	"github.com/Manav1207351/crowdsense360/internal/source"
	"github.com/Manav1207351/crowdsense360/internal/store"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// Engine is the part of store.Engine the API drives
type Engine interface {
	Snapshot() *store.Snapshot
	SetFilter(ctx context.Context, f store.Filter) (*store.Snapshot, error)
	Clear(ctx context.Context) error
	SetMode(ctx context.Context, m timeline.Mode) error
	ApplyUploadResult(ctx context.Context, cameraID string, o events.UploadOutcome) error
	StopCamera(ctx context.Context, cameraID string) error
	Diagnostics(ctx context.Context) ([]store.Diagnostic, error)
	Analytics(ctx context.Context, req store.AnalyticsRequest) (timeline.Report, error)
	Submit(ctx context.Context, ev events.Event) error
}

// Publisher forwards ingested events onto the event bus
type Publisher interface {
	Publish(ev events.Event) error
	Flush(ctx context.Context) error
}

// Controller starts and stops backend streams
type Controller interface {
	StartLiveCamera(ctx context.Context, cameraID string, index int) (source.StartResult, error)
	StopVideo(ctx context.Context, cameraID string) error
}

// Options configures a Server
type Options struct {
	Engine Engine
	// Control is optional; without it camera start is unavailable and stop
	// only updates local state
	Control Controller
	Hub     *Hub
	// Publisher is optional; without it ingested events go straight to
	// the engine
	Publisher Publisher
	Logs      *logging.Buffer
	Level     *slog.LevelVar
	// Config supplies the default capture index per camera; a reload takes
	// effect on the next start
	Config      *config.Config
	CORSOrigins []string
	// Checks are probed by /api/health
	Checks map[string]func(context.Context) error
}

// Server holds the HTTP handlers
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewServer creates a server
func NewServer(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the HTTP routes
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.HandleWebSocket)
	}
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// streams outlive the request timeout
		r.Get("/diagnostics/logs/stream", s.handleLogStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/health", s.handleHealth)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/alerts", s.handleAlerts)
			r.Put("/filter", s.handleSetFilter)
			r.Post("/clear", s.handleClear)
			r.Get("/timeline", s.handleTimeline)
			r.Put("/timeline/mode", s.handleSetMode)
			r.Get("/analytics", s.handleAnalytics)
			r.Post("/ingest", s.handleIngest)

			r.Get("/diagnostics", s.handleDiagnostics)
			r.Get("/diagnostics/logs", s.handleLogs)
			r.Put("/diagnostics/level", s.handleSetLevel)

			r.Get("/cameras", s.handleCameras)
			r.Post("/cameras/{id}/start", s.handleStartCamera)
			r.Post("/cameras/{id}/stop", s.handleStopCamera)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Engine.Snapshot()
	checks := make(map[string]string, len(s.opts.Checks))
	status := "healthy"

	for name, check := range s.opts.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}
	if !snap.Connected {
		status = "degraded"
	}

	OK(w, map[string]any{
		"status":    status,
		"connected": snap.Connected,
		"version":   snap.Version,
		"checks":    checks,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	OK(w, s.opts.Engine.Snapshot())
}

// handleAlerts applies the filter given in the query string and returns the
// matching alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Severity:  q.Get("severity"),
		AlertType: q.Get("type"),
		Date:      q.Get("date"),
	}
	if errs := ValidateFilter(f); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	snap, err := s.opts.Engine.SetFilter(r.Context(), f)
	if err != nil {
		s.intentError(w, err)
		return
	}
	JSONWithMeta(w, http.StatusOK, snap.FilteredAlerts, &Meta{
		Total:     len(snap.FilteredAlerts),
		Version:   snap.Version,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if !decodeBody(w, r, &f) {
		return
	}
	if errs := ValidateFilter(f); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	snap, err := s.opts.Engine.SetFilter(r.Context(), f)
	if err != nil {
		s.intentError(w, err)
		return
	}
	OK(w, snap)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Engine.Clear(r.Context()); err != nil {
		s.intentError(w, err)
		return
	}
	s.logger.Info("Alerts cleared", "request_id", middleware.GetReqID(r.Context()))
	OK(w, s.opts.Engine.Snapshot())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	OK(w, s.opts.Engine.Snapshot().Timeline)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := ValidateMode(req.Mode); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	if err := s.opts.Engine.SetMode(r.Context(), timeline.Mode(req.Mode)); err != nil {
		s.intentError(w, err)
		return
	}
	OK(w, s.opts.Engine.Snapshot().Timeline)
}

// handleAnalytics summarizes one day (date) or a span of days (start, end)
// of stored detections
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := store.AnalyticsRequest{
		Date:  q.Get("date"),
		Start: q.Get("start"),
		End:   q.Get("end"),
		Type:  q.Get("type"),
	}
	if errs := ValidateAnalytics(req); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	rep, err := s.opts.Engine.Analytics(r.Context(), req)
	switch {
	case err == nil:
		JSONWithMeta(w, http.StatusOK, rep, &Meta{
			Total:     rep.Totals.Total,
			RequestID: middleware.GetReqID(r.Context()),
		})
	case errors.Is(err, store.ErrNoHistory):
		ServiceUnavailable(w, err.Error())
	case errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.intentError(w, err)
	default:
		s.logger.Warn("Analytics query failed", "error", err)
		BadGateway(w, err.Error())
	}
}

// handleIngest accepts one event frame over HTTP. With a publisher the
// event joins the bus so it is ordered with everything else published
// there; otherwise it is queued on the engine directly.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}
	ev, err := events.Decode(body)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, events.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		BadRequest(w, err.Error())
		return
	}
	if ev == nil {
		BadRequest(w, "frame carries no event")
		return
	}

	route := "engine"
	if s.opts.Publisher != nil {
		route = "bus"
		if err := s.opts.Publisher.Publish(ev); err != nil {
			BadGateway(w, "failed to publish event: "+err.Error())
			return
		}
		if err := s.opts.Publisher.Flush(r.Context()); err != nil {
			BadGateway(w, "failed to flush event: "+err.Error())
			return
		}
	} else if err := s.opts.Engine.Submit(r.Context(), ev); err != nil {
		s.intentError(w, err)
		return
	}

	s.logger.Debug("Event ingested", "kind", ev.Kind(), "route", route)
	JSON(w, http.StatusAccepted, map[string]string{"kind": string(ev.Kind()), "route": route})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diags, err := s.opts.Engine.Diagnostics(r.Context())
	if err != nil {
		s.intentError(w, err)
		return
	}
	JSONWithMeta(w, http.StatusOK, diags, &Meta{Total: len(diags)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		OK(w, []logging.Entry{})
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			ValidationErrorResponse(w, ValidationErrors{{Field: "limit", Message: "must be a positive integer"}})
			return
		}
		limit = n
	}
	level, ok := logLevelParam(w, r)
	if !ok {
		return
	}

	entries := s.opts.Logs.Recent(limit, level, q.Get("component"))
	JSONWithMeta(w, http.StatusOK, entries, &Meta{Total: len(entries)})
}

// handleLogStream tails captured log records as server-sent events,
// filtered like handleLogs
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		ServiceUnavailable(w, "log capture is not configured")
		return
	}
	level, ok := logLevelParam(w, r)
	if !ok {
		return
	}
	component := r.URL.Query().Get("component")

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming not supported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := s.opts.Logs.Subscribe()
	defer s.opts.Logs.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case entry, open := <-ch:
			if !open {
				return
			}
			if !logging.Matches(entry, level, component) {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func logLevelParam(w http.ResponseWriter, r *http.Request) (slog.Level, bool) {
	v := r.URL.Query().Get("level")
	if v == "" {
		return slog.LevelDebug, true
	}
	l, err := config.ParseLevel(v)
	if err != nil {
		ValidationErrorResponse(w, ValidationErrors{{Field: "level", Message: err.Error()}})
		return 0, false
	}
	return l, true
}

func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	if s.opts.Level == nil {
		ServiceUnavailable(w, "log level is not adjustable")
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	level, err := config.ParseLevel(req.Level)
	if err != nil {
		ValidationErrorResponse(w, ValidationErrors{{Field: "level", Message: err.Error()}})
		return
	}

	s.opts.Level.Set(level)
	s.logger.Info("Log level changed", "level", level.String())
	OK(w, map[string]string{"level": level.String()})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	OK(w, s.opts.Engine.Snapshot().Cameras)
}

// handleStartCamera asks the backend to open a live camera and marks the
// camera online with its stream URL. A failed start leaves the camera
// stopped.
func (s *Server) handleStartCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.knownCamera(w, id) {
		return
	}
	if s.opts.Control == nil {
		ServiceUnavailable(w, "stream control is not configured")
		return
	}

	var req struct {
		CameraIndex *int `json:"camera_index"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	index := s.defaultIndex(id)
	if req.CameraIndex != nil {
		index = *req.CameraIndex
	}
	if errs := ValidateCameraIndex(index); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	res, err := s.opts.Control.StartLiveCamera(r.Context(), id, index)
	if err != nil {
		s.logger.Error("Failed to start live camera", "camera", id, "error", err)
		if stopErr := s.opts.Engine.StopCamera(r.Context(), id); stopErr != nil {
			s.logger.Warn("Failed to reset camera", "camera", id, "error", stopErr)
		}
		BadGateway(w, "failed to start live camera: "+err.Error())
		return
	}

	if err := s.opts.Engine.ApplyUploadResult(r.Context(), id, events.UploadOutcome{StreamURL: res.StreamURL}); err != nil {
		s.intentError(w, err)
		return
	}
	OK(w, res)
}

// handleStopCamera stops the backend stream and always takes the camera
// offline locally, even when the backend call fails
func (s *Server) handleStopCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.knownCamera(w, id) {
		return
	}

	backendErr := ""
	if s.opts.Control != nil {
		if err := s.opts.Control.StopVideo(r.Context(), id); err != nil {
			s.logger.Warn("Backend stop failed", "camera", id, "error", err)
			backendErr = err.Error()
		}
	}

	if err := s.opts.Engine.StopCamera(r.Context(), id); err != nil {
		s.intentError(w, err)
		return
	}

	resp := map[string]any{"camera_id": id, "status": "offline"}
	if backendErr != "" {
		resp["backend_error"] = backendErr
	}
	OK(w, resp)
}

// defaultIndex is the configured capture index for id, 0 when unset
func (s *Server) defaultIndex(id string) int {
	if s.opts.Config == nil {
		return 0
	}
	if cam := s.opts.Config.GetCamera(id); cam != nil {
		return cam.Index
	}
	return 0
}

func (s *Server) knownCamera(w http.ResponseWriter, id string) bool {
	if err := ValidateCameraID(id); err != nil {
		BadRequest(w, err.Error())
		return false
	}
	if _, ok := s.opts.Engine.Snapshot().Camera(id); !ok {
		NotFound(w, "camera not found: "+id)
		return false
	}
	return true
}

// intentError maps engine errors onto responses
func (s *Server) intentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidFilter), errors.Is(err, store.ErrUnknownCamera):
		BadRequest(w, err.Error())
	case errors.Is(err, store.ErrEngineStopped):
		ServiceUnavailable(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		Error(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		s.logger.Error("Intent failed", "error", err)
		InternalError(w, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
