package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/persistence"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// gatedHistory blocks each query until its date is released
type gatedHistory struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	records map[string][]events.DetectionRecord
	calls   []string
}

func newGatedHistory() *gatedHistory {
	return &gatedHistory{
		gates:   make(map[string]chan struct{}),
		records: make(map[string][]events.DetectionRecord),
	}
}

func (h *gatedHistory) gate(date string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.gates[date]
	if !ok {
		g = make(chan struct{})
		h.gates[date] = g
	}
	return g
}

func (h *gatedHistory) release(date string) {
	close(h.gate(date))
}

func (h *gatedHistory) Query(ctx context.Context, date, typeFilter string) ([]events.DetectionRecord, error) {
	h.mu.Lock()
	h.calls = append(h.calls, date)
	h.mu.Unlock()

	select {
	case <-h.gate(date):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records[date], nil
}

func (h *gatedHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func startEngine(t *testing.T, e *Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	return func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("Run returned %v", err)
		}
		if err := e.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}
}

func TestEngine_AppliesEventsInOrder(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	stop := startEngine(t, e)
	defer stop()

	e.Events() <- events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline}
	e.Events() <- events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(12), Flow: events.IntPtr(3)}
	e.Events() <- events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(8)}

	waitFor(t, "frame updates", func() bool {
		c, _ := e.Snapshot().Camera("Cam-1")
		return c.Count == 8
	})
	c, _ := e.Snapshot().Camera("Cam-1")
	if c.Status != events.CameraOnline || c.Flow != 3 {
		t.Errorf("Expected online with flow 3, got %+v", c)
	}
}

func TestEngine_Subscribe(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	sub := e.Subscribe()
	stop := startEngine(t, e)

	e.Events() <- events.Connected{}

	select {
	case snap := <-sub:
		if !snap.Connected {
			t.Error("Expected connected snapshot")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No snapshot published")
	}

	stop()
	for range sub {
	}
}

func TestEngine_SlowSubscriberGetsNewest(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	sub := e.Subscribe()
	stop := startEngine(t, e)
	defer stop()

	for i := 1; i <= 40; i++ {
		e.Events() <- events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(i)}
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub:
			if c, _ := snap.Camera("Cam-1"); c.Count == 40 {
				return
			}
		case <-timeout:
			t.Fatal("Newest snapshot never delivered")
		}
	}
}

func TestEngine_PersistenceRoundTrip(t *testing.T) {
	kv := persistence.NewMemory()

	first := NewEngine(newTestStore(), EngineOptions{KV: kv})
	stop := startEngine(t, first)

	// mix both alert shapes across several minutes so the feed has to be
	// rebuilt from a larger archive
	for i := 0; i < 30; i++ {
		n := i
		conf := 0.5 + float64(i%5)/10
		raw := events.RawAlert{
			AlertType: "fight",
			CameraID:  "Cam-2",
			Timestamp: fmt.Sprintf("2025-03-01T10:%02d:00Z", i%7),
			Evidence:  []string{"motion", fmt.Sprintf("frame-%d", i)},
		}
		if i%2 == 1 {
			dur := float64(i)
			raw = events.RawAlert{
				Type:        "crowd",
				Camera:      "Cam-1",
				Time:        fmt.Sprintf("2025-03-01T09:%02d:30Z", i%11),
				Message:     fmt.Sprintf("crowd of %d", n),
				PeopleCount: &n,
				Duration:    &dur,
				Confidence:  &conf,
			}
		}
		first.Events() <- events.DetectionAlert{Raw: raw}
	}
	first.Events() <- events.TimelineUpdate{Buckets: []events.MinuteBucket{{Minute: -1, Events: 2}, {Minute: 0, Events: 7}}}
	waitFor(t, "alerts", func() bool {
		snap := first.Snapshot()
		return len(snap.Archive) == 30 && len(snap.Timeline.Backend) == 2
	})
	before := first.Snapshot()
	stop()

	if len(before.Alerts) != 20 {
		t.Fatalf("Expected a full feed of 20, got %d", len(before.Alerts))
	}

	second := NewEngine(newTestStore(), EngineOptions{KV: kv})
	if err := second.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	after := second.Snapshot()

	fields := []struct {
		name          string
		before, after any
	}{
		{"alerts", before.Alerts, after.Alerts},
		{"archive", before.Archive, after.Archive},
		{"filteredAlerts", before.FilteredAlerts, after.FilteredAlerts},
		{"timeline", before.Timeline, after.Timeline},
		{"cameras", before.Cameras, after.Cameras},
	}
	for _, f := range fields {
		want, err := json.Marshal(f.before)
		if err != nil {
			t.Fatalf("Failed to encode %s: %v", f.name, err)
		}
		got, err := json.Marshal(f.after)
		if err != nil {
			t.Fatalf("Failed to encode %s: %v", f.name, err)
		}
		if string(want) != string(got) {
			t.Errorf("%s differs after reload:\nwant %s\ngot  %s", f.name, want, got)
		}
	}
}

func TestEngine_ClearRemovesPersistedState(t *testing.T) {
	kv := persistence.NewMemory()
	e := NewEngine(newTestStore(), EngineOptions{KV: kv})
	stop := startEngine(t, e)
	defer stop()

	e.Events() <- events.DetectionAlert{Raw: weapon("Cam-1")}
	waitFor(t, "alert", func() bool { return len(e.Snapshot().Alerts) == 1 })

	if _, err := kv.Get(context.Background(), persistence.KeyAlerts); err != nil {
		t.Fatalf("Expected persisted alerts, got %v", err)
	}

	if err := e.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := kv.Get(context.Background(), persistence.KeyAlerts); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Expected alerts removed, got %v", err)
	}
	if _, err := kv.Get(context.Background(), persistence.KeyGraphData); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("Expected graph data removed, got %v", err)
	}
}

func TestEngine_LoadIgnoresCorruptState(t *testing.T) {
	kv := persistence.NewMemory()
	_ = kv.Set(context.Background(), persistence.KeyAlerts, []byte("not json"))

	e := NewEngine(newTestStore(), EngineOptions{KV: kv})
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(e.Snapshot().Alerts) != 0 {
		t.Error("Corrupt state should load as empty")
	}
}

func TestEngine_HistoricalQueryAndStaleGuard(t *testing.T) {
	h := newGatedHistory()
	h.records["2025-02-28"] = []events.DetectionRecord{
		{Timestamp: "2025-02-28T09:00:00", Type: events.AlertWeapon},
	}
	h.records["2025-03-01"] = []events.DetectionRecord{
		{Timestamp: "2025-03-01T14:00:00", Type: events.AlertFight},
		{Timestamp: "2025-03-01T15:00:00", Type: events.AlertFight},
	}

	e := NewEngine(newTestStore(), EngineOptions{History: h})
	stop := startEngine(t, e)
	defer stop()

	ctx := context.Background()
	if err := e.SetMode(ctx, timeline.ModeHistorical); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if e.Snapshot().Timeline.Query.Status != QueryLoading {
		t.Errorf("Expected loading, got %s", e.Snapshot().Timeline.Query.Status)
	}
	waitFor(t, "first query", func() bool { return h.callCount() == 1 })

	// live events keep flowing while the query is pending
	e.Events() <- events.CameraStatus{CameraID: "Cam-3", Status: events.CameraOnline}
	waitFor(t, "live update", func() bool {
		c, _ := e.Snapshot().Camera("Cam-3")
		return c.Status == events.CameraOnline
	})

	if _, err := e.SetFilter(ctx, Filter{Date: "2025-02-28"}); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}
	waitFor(t, "second query", func() bool { return h.callCount() == 2 })

	// the superseded query finishes first and must be ignored
	h.release("2025-03-01")
	h.release("2025-02-28")

	waitFor(t, "fresh result", func() bool {
		return e.Snapshot().Timeline.Query.Status == QueryReady
	})
	snap := e.Snapshot()
	if snap.Timeline.Query.Key.Date != "2025-02-28" {
		t.Errorf("Expected result for 2025-02-28, got %+v", snap.Timeline.Query.Key)
	}
	if len(snap.Timeline.Buckets) != 1 || snap.Timeline.Buckets[0].Key != "9:00" {
		t.Errorf("Expected a single 9:00 bucket, got %+v", snap.Timeline.Buckets)
	}
}

func TestEngine_HistoricalWithoutClient(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	stop := startEngine(t, e)
	defer stop()

	if err := e.SetMode(context.Background(), timeline.ModeHistorical); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	q := e.Snapshot().Timeline.Query
	if q.Status != QueryFailed || q.Error != ErrNoHistory.Error() {
		t.Errorf("Expected failed query, got %+v", q)
	}
}

func TestEngine_IntentErrors(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	stop := startEngine(t, e)

	ctx := context.Background()
	if _, err := e.SetFilter(ctx, Filter{Severity: "urgent"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("Expected ErrInvalidFilter, got %v", err)
	}
	if err := e.StopCamera(ctx, "Cam-9"); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("Expected ErrUnknownCamera, got %v", err)
	}
	stop()

	if err := e.Clear(ctx); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Expected ErrEngineStopped, got %v", err)
	}
	// the buffered channel may still accept the event
	if err := e.Submit(ctx, events.Connected{}); err != nil && !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestEngine_UploadAndStop(t *testing.T) {
	e := NewEngine(newTestStore(), EngineOptions{})
	stop := startEngine(t, e)
	defer stop()

	ctx := context.Background()
	if err := e.ApplyUploadResult(ctx, "Cam-1", events.UploadOutcome{Count: events.IntPtr(9), Fight: true}); err != nil {
		t.Fatalf("ApplyUploadResult failed: %v", err)
	}
	snap := e.Snapshot()
	if c, _ := snap.Camera("Cam-1"); c.Status != events.CameraOnline || c.Count != 9 {
		t.Errorf("Expected online camera with count 9, got %+v", c)
	}
	if len(snap.Alerts) != 1 || snap.Alerts[0].AlertType != events.AlertFight {
		t.Errorf("Expected one fight alert, got %+v", snap.Alerts)
	}

	if err := e.StopCamera(ctx, "Cam-1"); err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	if c, _ := e.Snapshot().Camera("Cam-1"); c.Status != events.CameraOffline || c.Count != 0 {
		t.Errorf("Expected offline camera with cleared stats, got %+v", c)
	}
}
