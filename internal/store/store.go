// Package store folds the event stream into the dashboard's state: the
// camera table, the capped alert feed and the timeline buckets. A Store has
// a single writer; the Engine owns it and publishes immutable snapshots.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/alertlog"
	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// ErrUnknownCamera is returned for camera ids outside the roster
var ErrUnknownCamera = errors.New("unknown camera")

// Diagnostic kinds
const (
	DiagUnknownCamera  = "unknown_camera"
	DiagInvalidFrame   = "invalid_frame"
	DiagInvalidAlert   = "invalid_alert"
	DiagDuplicateAlert = "duplicate_alert"
	DiagUnknownEvent   = "unknown_event"
	DiagTransport      = "transport_error"
	DiagHistory        = "history"
)

// Diagnostic records a semantic fault the store recovered from
type Diagnostic struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Options configures a Store
type Options struct {
	// Cameras is the fixed roster; only ID and Name are read
	Cameras         []events.Camera
	FeedCapacity    int
	ArchiveCapacity int
	Timeline        timeline.Config
	// DiagnosticsCapacity bounds the retained diagnostics
	DiagnosticsCapacity int
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Dirty reports which persisted blobs a mutation touched
type Dirty struct {
	Alerts   bool
	Timeline bool
	// EventTimeline covers the backend minute series
	EventTimeline bool
	// Cleared means the persisted copies should be removed
	Cleared bool
}

// Any reports whether anything needs persisting
func (d Dirty) Any() bool {
	return d.Alerts || d.Timeline || d.EventTimeline || d.Cleared
}

// Store is the reconciliation state machine. It is not safe for concurrent
// use; all calls must come from one goroutine.
type Store struct {
	cameras  []events.Camera
	camIndex map[string]int

	feed    *alertlog.Log
	archive *alertlog.Log
	agg     *timeline.Aggregator
	norm    *events.Normalizer

	filter    Filter
	query     QueryState
	connected bool

	diags   []Diagnostic
	diagCap int

	loc *time.Location
	now func() time.Time

	version uint64
	dirty   Dirty
	snap    *Snapshot

	logger *slog.Logger
}

// New creates a store with every roster camera offline
func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DiagnosticsCapacity <= 0 {
		opts.DiagnosticsCapacity = 100
	}
	if opts.FeedCapacity <= 0 {
		opts.FeedCapacity = alertlog.FeedCapacity
	}
	if opts.ArchiveCapacity <= 0 {
		opts.ArchiveCapacity = alertlog.ArchiveCapacity
	}
	loc := opts.Timeline.Location
	if loc == nil {
		loc = time.UTC
		opts.Timeline.Location = loc
	}

	s := &Store{
		camIndex: make(map[string]int, len(opts.Cameras)),
		feed:     alertlog.New(opts.FeedCapacity),
		archive:  alertlog.New(opts.ArchiveCapacity),
		agg:      timeline.New(opts.Timeline),
		norm:     events.NewNormalizer(loc),
		query:    QueryState{Status: QueryIdle},
		diagCap:  opts.DiagnosticsCapacity,
		loc:      loc,
		now:      opts.Now,
		logger:   slog.Default().With("component", "store"),
	}
	s.norm.SetClock(opts.Now)

	for _, c := range opts.Cameras {
		if _, dup := s.camIndex[c.ID]; dup || c.ID == "" {
			continue
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		s.camIndex[c.ID] = len(s.cameras)
		s.cameras = append(s.cameras, events.Camera{ID: c.ID, Name: name, Status: events.CameraOffline})
	}
	return s
}

// Version increases by one for every mutation
func (s *Store) Version() uint64 {
	return s.version
}

// Location is the timezone used for bucket keys and date filters
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) touch() {
	s.version++
}

// Apply dispatches an event to its reducer and reports whether the state
// changed.
func (s *Store) Apply(ev events.Event) bool {
	if ev == nil {
		return false
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Kind())).Inc()

	switch e := ev.(type) {
	case events.CameraStatus:
		return s.applyCameraStatus(e)
	case events.FrameAnalysis:
		return s.applyFrameAnalysis(e)
	case events.DetectionAlert:
		_, ok := s.ApplyAlert(e.Raw)
		return ok
	case events.TimelineUpdate:
		s.agg.ReplaceMinutes(e.Buckets)
		s.dirty.EventTimeline = true
		s.touch()
		return true
	case events.UploadResult:
		return s.ApplyUploadResult(e.CameraID, e.Outcome) == nil
	case events.Connected:
		return s.setConnected(true)
	case events.Disconnected:
		return s.setConnected(false)
	case events.TransportError:
		s.diagnose(DiagTransport, e.Reason)
		s.setConnected(false)
		s.touch()
		return true
	default:
		s.diagnose(DiagUnknownEvent, fmt.Sprintf("%T", ev))
		return false
	}
}

func (s *Store) setConnected(up bool) bool {
	if up {
		metrics.Connected.Set(1)
	} else {
		metrics.Connected.Set(0)
	}
	if s.connected == up {
		return false
	}
	s.connected = up
	s.touch()
	return true
}

// applyCameraStatus switches a camera. Going offline always zeroes the
// counters; ResetStats zeroes them for an online camera too.
func (s *Store) applyCameraStatus(e events.CameraStatus) bool {
	i, ok := s.camIndex[e.CameraID]
	if !ok {
		s.diagnose(DiagUnknownCamera, e.CameraID)
		return false
	}
	cam := &s.cameras[i]

	changed := false
	if cam.Status != e.Status {
		cam.Status = e.Status
		changed = true
	}
	if (e.Status == events.CameraOffline || e.ResetStats) && (cam.Count != 0 || cam.Flow != 0) {
		cam.Count, cam.Flow = 0, 0
		changed = true
	}
	if e.Status == events.CameraOffline && cam.StreamURL != "" {
		cam.StreamURL = ""
		changed = true
	}
	if changed {
		s.touch()
	}
	return changed
}

// applyFrameAnalysis patches only the fields present in the event
func (s *Store) applyFrameAnalysis(e events.FrameAnalysis) bool {
	i, ok := s.camIndex[e.CameraID]
	if !ok {
		s.diagnose(DiagUnknownCamera, e.CameraID)
		return false
	}
	if e.Count != nil && *e.Count < 0 {
		s.diagnose(DiagInvalidFrame, fmt.Sprintf("%s: negative count %d", e.CameraID, *e.Count))
		return false
	}
	cam := &s.cameras[i]

	changed := false
	if e.Count != nil && cam.Count != *e.Count {
		cam.Count = *e.Count
		changed = true
	}
	if e.Flow != nil && cam.Flow != *e.Flow {
		cam.Flow = *e.Flow
		changed = true
	}
	if changed {
		s.touch()
	}
	return changed
}

// ApplyAlert normalizes raw, prepends it to the feed and the archive and
// counts it into the live timeline.
func (s *Store) ApplyAlert(raw events.RawAlert) (events.Alert, bool) {
	a, err := s.norm.Normalize(raw)
	if err != nil {
		s.diagnose(DiagInvalidAlert, err.Error())
		return events.Alert{}, false
	}

	evicted, err := s.feed.Insert(a)
	if err != nil {
		s.diagnose(DiagDuplicateAlert, a.ID)
		return events.Alert{}, false
	}
	if evicted != nil {
		metrics.AlertsEvicted.Inc()
	}
	if _, err := s.archive.Insert(a); err != nil {
		s.diagnose(DiagDuplicateAlert, a.ID)
	}

	if s.agg.Record(string(a.AlertType), a.Timestamp) {
		s.dirty.Timeline = true
	}
	s.dirty.Alerts = true
	s.touch()

	metrics.AlertsIngested.WithLabelValues(string(a.AlertType), string(a.Severity)).Inc()
	s.logger.Debug("Alert ingested", "id", a.ID, "type", a.AlertType, "severity", a.Severity, "camera", a.CameraID)
	return a, true
}

// ApplyUploadResult marks the camera online, records its stream handle,
// patches its counters and raises one alert per positive detection flag.
func (s *Store) ApplyUploadResult(cameraID string, o events.UploadOutcome) error {
	i, ok := s.camIndex[cameraID]
	if !ok {
		s.diagnose(DiagUnknownCamera, cameraID)
		return fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
	}

	s.applyCameraStatus(events.CameraStatus{CameraID: cameraID, Status: events.CameraOnline})
	if o.StreamURL != "" && s.cameras[i].StreamURL != o.StreamURL {
		s.cameras[i].StreamURL = o.StreamURL
		s.touch()
	}
	s.applyFrameAnalysis(events.FrameAnalysis{CameraID: cameraID, Count: o.Count, Flow: o.Flow})

	for _, raw := range events.OutcomeAlerts(cameraID, o) {
		s.ApplyAlert(raw)
	}
	return nil
}

// SetFilter replaces the alert filter. It never touches the network; in
// historical mode the engine notices the new query key afterwards.
func (s *Store) SetFilter(f Filter) error {
	canon, err := f.Canonical()
	if err != nil {
		return err
	}
	if canon == s.filter {
		return nil
	}
	s.filter = canon
	s.touch()
	return nil
}

// Filter returns the active filter
func (s *Store) Filter() Filter {
	return s.filter
}

// Clear empties both alert logs and the timeline and asks for the
// persisted copies to be removed.
func (s *Store) Clear() {
	s.feed.Clear()
	s.archive.Clear()
	s.agg.Clear()
	s.dirty = Dirty{Cleared: true}
	s.touch()
	s.logger.Info("Dashboard state cleared")
}

// Mode returns the timeline mode
func (s *Store) Mode() timeline.Mode {
	return s.agg.Mode()
}

// SetMode switches the timeline between live and historical, discarding
// the buckets of the previous mode.
func (s *Store) SetMode(m timeline.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown timeline mode %q", m)
	}
	if !s.agg.SetMode(m) {
		return nil
	}
	s.query = QueryState{Status: QueryIdle}
	s.dirty.Timeline = true
	s.touch()
	return nil
}

// HistoryKey is the query the current filter asks for. Without a date
// filter it targets today in the store's location.
func (s *Store) HistoryKey() QueryKey {
	date := s.filter.Date
	if date == "" {
		date = s.now().In(s.loc).Format(DateLayout)
	}
	return QueryKey{Date: date, Type: s.filter.AlertType}
}

// PendingQuery returns the historical query that should be issued, if the
// timeline is in historical mode and the last query no longer matches.
func (s *Store) PendingQuery() (QueryKey, bool) {
	if s.agg.Mode() != timeline.ModeHistorical {
		return QueryKey{}, false
	}
	key := s.HistoryKey()
	if s.query.Status != QueryIdle && s.query.Key == key {
		return QueryKey{}, false
	}
	return key, true
}

// BeginQuery records that key is in flight. Any earlier in-flight query
// becomes stale.
func (s *Store) BeginQuery(key QueryKey) {
	s.query = QueryState{Key: key, Status: QueryLoading, RequestedAt: s.now()}
	s.touch()
}

// ApplyHistory delivers a query result. Results for a key other than the
// in-flight one are discarded and reported as not applied.
func (s *Store) ApplyHistory(key QueryKey, records []events.DetectionRecord, err error) bool {
	if s.agg.Mode() != timeline.ModeHistorical || s.query.Status != QueryLoading || s.query.Key != key {
		metrics.HistoryQueries.WithLabelValues("stale").Inc()
		s.logger.Debug("Discarding stale history result", "date", key.Date, "type", key.Type)
		return false
	}

	if err != nil {
		s.query.Status = QueryFailed
		s.query.Error = err.Error()
		s.diagnose(DiagHistory, err.Error())
		metrics.HistoryQueries.WithLabelValues("failed").Inc()
		s.touch()
		return true
	}

	if key.Type != "" {
		kept := make([]events.DetectionRecord, 0, len(records))
		for _, r := range records {
			if string(r.Type) == key.Type {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	skipped, _ := s.agg.LoadHistory(records)
	if skipped > 0 {
		s.diagnose(DiagHistory, fmt.Sprintf("skipped %d unreadable records for %s", skipped, key.Date))
	}
	s.query.Status = QueryReady
	s.query.Skipped = skipped
	s.query.Error = ""
	s.dirty.Timeline = true
	metrics.HistoryQueries.WithLabelValues("ready").Inc()
	s.touch()
	return true
}

// Restore seeds the store from persisted state. The archive is restored
// whole; the feed receives its newest entries.
func (s *Store) Restore(archive []events.Alert, tl *timeline.State) {
	s.archive.Restore(archive)
	s.feed.Restore(archive)
	for _, a := range archive {
		s.norm.Observe(a.ID)
	}
	if tl != nil {
		s.agg.Import(*tl)
	}
	s.touch()
}

// RestoreEventTimeline seeds the backend minute series from persisted state
func (s *Store) RestoreEventTimeline(series []timeline.Bucket) {
	s.agg.RestoreBackend(series)
	s.touch()
}

// EventTimeline returns the backend minute series
func (s *Store) EventTimeline() []timeline.Bucket {
	return s.agg.Backend()
}

// Archive returns the archived alerts newest first
func (s *Store) Archive() []events.Alert {
	return s.archive.Items()
}

// TimelineState returns the timeline in its persisted form
func (s *Store) TimelineState() timeline.State {
	return s.agg.Export()
}

// TakeDirty returns and resets the pending persistence flags
func (s *Store) TakeDirty() Dirty {
	d := s.dirty
	s.dirty = Dirty{}
	return d
}

func (s *Store) diagnose(kind, detail string) {
	metrics.Diagnostics.WithLabelValues(kind).Inc()
	s.logger.Warn("Event rejected", "kind", kind, "detail", detail)

	s.diags = append(s.diags, Diagnostic{Time: s.now(), Kind: kind, Detail: detail})
	if len(s.diags) > s.diagCap {
		s.diags = append([]Diagnostic(nil), s.diags[len(s.diags)-s.diagCap:]...)
	}
}

// Diagnostics returns the retained diagnostics, oldest first
func (s *Store) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), s.diags...)
}

// Snapshot returns the current immutable view. Repeated calls without an
// intervening mutation return the same value.
func (s *Store) Snapshot() *Snapshot {
	if s.snap != nil && s.snap.Version == s.version {
		return s.snap
	}

	archive := s.archive.Items()
	s.snap = &Snapshot{
		Version:        s.version,
		Connected:      s.connected,
		Cameras:        append([]events.Camera(nil), s.cameras...),
		Alerts:         s.feed.Items(),
		Archive:        archive,
		FilteredAlerts: s.filter.Apply(archive, s.loc),
		Filter:         s.filter,
		Timeline: TimelineView{
			Mode:    s.agg.Mode(),
			Buckets: s.agg.Buckets(),
			Backend: s.agg.Backend(),
			Query:   s.query,
		},
		GeneratedAt: s.now(),
	}
	return s.snap
}
