package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

var testNow = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

func newTestStore() *Store {
	return New(Options{
		Cameras: []events.Camera{
			{ID: "Cam-1", Name: "Main Gate"},
			{ID: "Cam-2", Name: "Parking"},
			{ID: "Cam-3"},
		},
		Now: func() time.Time { return testNow },
	})
}

func camera(t *testing.T, s *Store, id string) events.Camera {
	t.Helper()
	c, ok := s.Snapshot().Camera(id)
	if !ok {
		t.Fatalf("Camera %s not in snapshot", id)
	}
	return c
}

func weapon(camera string) events.RawAlert {
	return events.RawAlert{AlertType: "weapon", CameraID: camera, Timestamp: "2025-03-01T10:29:00Z"}
}

func TestNew_Roster(t *testing.T) {
	s := New(Options{Cameras: []events.Camera{{ID: "Cam-1"}, {ID: "Cam-1"}, {ID: ""}, {ID: "Cam-2", Name: "Yard"}}})
	snap := s.Snapshot()

	if len(snap.Cameras) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(snap.Cameras))
	}
	for _, c := range snap.Cameras {
		if c.Status != events.CameraOffline || c.Count != 0 || c.Flow != 0 {
			t.Errorf("Expected fresh offline camera, got %+v", c)
		}
	}
	if snap.Cameras[0].Name != "Cam-1" {
		t.Errorf("Expected name to default to id, got %s", snap.Cameras[0].Name)
	}
	if snap.Timeline.Mode != timeline.ModeLive {
		t.Errorf("Expected live mode, got %s", snap.Timeline.Mode)
	}
}

func TestFrameAnalysis_PartialPatch(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(12), Flow: events.IntPtr(3)})

	// count only: flow must be kept
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(7)})
	c := camera(t, s, "Cam-1")
	if c.Count != 7 || c.Flow != 3 {
		t.Errorf("Expected count 7 flow 3, got %d/%d", c.Count, c.Flow)
	}

	// present zero is an update
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Flow: events.IntPtr(0)})
	c = camera(t, s, "Cam-1")
	if c.Count != 7 || c.Flow != 0 {
		t.Errorf("Expected count 7 flow 0, got %d/%d", c.Count, c.Flow)
	}

	// other cameras untouched
	if c2 := camera(t, s, "Cam-2"); c2.Count != 0 || c2.Flow != 0 {
		t.Errorf("Cam-2 should be untouched, got %+v", c2)
	}
}

func TestFrameAnalysis_RejectsNegativeCount(t *testing.T) {
	s := newTestStore()
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(4)})

	if s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(-1), Flow: events.IntPtr(9)}) {
		t.Error("Negative count should be rejected")
	}
	if c := camera(t, s, "Cam-1"); c.Count != 4 || c.Flow != 0 {
		t.Errorf("Expected unchanged camera, got %+v", c)
	}
	if d := s.Diagnostics(); len(d) != 1 || d[0].Kind != DiagInvalidFrame {
		t.Errorf("Expected one invalid_frame diagnostic, got %+v", d)
	}
}

func TestCameraStatus_OnlineThenFrame(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(12), Flow: events.IntPtr(3)})

	c := camera(t, s, "Cam-1")
	if c.Status != events.CameraOnline || c.Count != 12 || c.Flow != 3 {
		t.Errorf("Expected online 12/3, got %+v", c)
	}
}

func TestCameraStatus_OfflineClearsStats(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(12), Flow: events.IntPtr(3)})
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOffline})

	c := camera(t, s, "Cam-1")
	if c.Status != events.CameraOffline || c.Count != 0 || c.Flow != 0 {
		t.Errorf("Expected offline 0/0, got %+v", c)
	}
}

func TestCameraStatus_ResetStatsWhileOnline(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	s.Apply(events.FrameAnalysis{CameraID: "Cam-1", Count: events.IntPtr(5), Flow: events.IntPtr(1)})

	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	if c := camera(t, s, "Cam-1"); c.Count != 5 {
		t.Errorf("Plain online status should keep counters, got %+v", c)
	}

	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline, ResetStats: true})
	if c := camera(t, s, "Cam-1"); c.Status != events.CameraOnline || c.Count != 0 || c.Flow != 0 {
		t.Errorf("Expected online with cleared counters, got %+v", c)
	}
}

func TestCameraStatus_Idempotent(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})
	before := s.Snapshot()

	if s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline}) {
		t.Error("Repeated status should report no change")
	}
	after := s.Snapshot()
	if after != before {
		t.Error("Repeated status should not produce a new snapshot")
	}
}

func TestUnknownCameraIsNoop(t *testing.T) {
	s := newTestStore()
	before := s.Snapshot()

	if s.Apply(events.CameraStatus{CameraID: "Cam-9", Status: events.CameraOnline}) {
		t.Error("Unknown camera should be a no-op")
	}
	if s.Apply(events.FrameAnalysis{CameraID: "Cam-9", Count: events.IntPtr(1)}) {
		t.Error("Unknown camera should be a no-op")
	}
	if s.Snapshot().Version != before.Version {
		t.Error("State should not change for unknown cameras")
	}
	if len(s.Diagnostics()) != 2 {
		t.Errorf("Expected 2 diagnostics, got %d", len(s.Diagnostics()))
	}
}

func TestApplyAlert_WeaponScenario(t *testing.T) {
	s := newTestStore()
	ok := s.Apply(events.DetectionAlert{Raw: weapon("Cam-1")})
	if !ok {
		t.Fatal("Expected alert to be accepted")
	}

	snap := s.Snapshot()
	if len(snap.Alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(snap.Alerts))
	}
	a := snap.Alerts[0]
	if a.Severity != events.SeverityHigh {
		t.Errorf("Expected high severity, got %s", a.Severity)
	}
	if len(a.Evidence) != 2 || a.Evidence[0] != "object detection" || a.Evidence[1] != "visual" {
		t.Errorf("Unexpected evidence %v", a.Evidence)
	}
	if len(snap.Archive) != 1 {
		t.Errorf("Expected archived alert, got %d", len(snap.Archive))
	}

	if len(snap.Timeline.Buckets) != 1 || snap.Timeline.Buckets[0].Key != "10:29" {
		t.Fatalf("Expected one live bucket 10:29, got %+v", snap.Timeline.Buckets)
	}
	if snap.Timeline.Buckets[0].Counts["weapon"] != 1 {
		t.Errorf("Expected weapon count 1, got %v", snap.Timeline.Buckets[0].Counts)
	}
}

func TestApplyAlert_CapScenario(t *testing.T) {
	s := newTestStore()

	var ids []string
	for i := 1; i <= 25; i++ {
		a, ok := s.ApplyAlert(weapon("Cam-1"))
		if !ok {
			t.Fatalf("Alert %d rejected", i)
		}
		ids = append(ids, a.ID)
		if n := len(s.Snapshot().Alerts); n > 20 {
			t.Fatalf("Feed length %d exceeds cap after insert %d", n, i)
		}
	}

	snap := s.Snapshot()
	if len(snap.Alerts) != 20 {
		t.Fatalf("Expected 20 alerts, got %d", len(snap.Alerts))
	}
	for i, a := range snap.Alerts {
		if want := ids[24-i]; a.ID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, a.ID)
		}
	}
	if len(snap.Archive) != 25 {
		t.Errorf("Expected archive to keep all 25, got %d", len(snap.Archive))
	}
}

func TestApplyAlert_InvalidIsDiagnosed(t *testing.T) {
	s := newTestStore()

	if _, ok := s.ApplyAlert(events.RawAlert{AlertType: "weapon"}); ok {
		t.Error("Alert without camera should be rejected")
	}
	if _, ok := s.ApplyAlert(events.RawAlert{AlertType: "smoke", CameraID: "Cam-1"}); ok {
		t.Error("Unknown alert type should be rejected")
	}
	if len(s.Snapshot().Alerts) != 0 {
		t.Error("No alert should be stored")
	}
	for _, d := range s.Diagnostics() {
		if d.Kind != DiagInvalidAlert {
			t.Errorf("Expected invalid_alert, got %s", d.Kind)
		}
	}
}

func TestApplyUploadResult(t *testing.T) {
	s := newTestStore()

	err := s.ApplyUploadResult("Cam-2", events.UploadOutcome{
		Count: events.IntPtr(30), Flow: events.IntPtr(4), Crowd: true, CrowdSeverity: "high", Weapon: true,
	})
	if err != nil {
		t.Fatalf("ApplyUploadResult failed: %v", err)
	}

	c := camera(t, s, "Cam-2")
	if c.Status != events.CameraOnline || c.Count != 30 || c.Flow != 4 {
		t.Errorf("Expected online 30/4, got %+v", c)
	}

	alerts := s.Snapshot().Alerts
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(alerts))
	}
	// newest first: weapon was raised after crowd
	if alerts[0].AlertType != events.AlertWeapon || alerts[1].AlertType != events.AlertCrowd {
		t.Errorf("Unexpected order %s, %s", alerts[0].AlertType, alerts[1].AlertType)
	}
	if alerts[1].Severity != events.SeverityHigh {
		t.Errorf("Expected crowd severity from result, got %s", alerts[1].Severity)
	}

	if err := s.ApplyUploadResult("Cam-9", events.UploadOutcome{}); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("Expected ErrUnknownCamera, got %v", err)
	}
}

func TestApplyUploadResult_StreamURL(t *testing.T) {
	s := newTestStore()

	if err := s.ApplyUploadResult("Cam-1", events.UploadOutcome{StreamURL: "/video_feed/Cam-1"}); err != nil {
		t.Fatalf("ApplyUploadResult failed: %v", err)
	}
	c := camera(t, s, "Cam-1")
	if c.Status != events.CameraOnline || c.StreamURL != "/video_feed/Cam-1" {
		t.Errorf("Expected online with stream URL, got %+v", c)
	}

	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOffline})
	if c := camera(t, s, "Cam-1"); c.StreamURL != "" {
		t.Errorf("Expected stream URL cleared on stop, got %q", c.StreamURL)
	}
}

func TestTimelineUpdate_KeptApartFromLiveChart(t *testing.T) {
	s := newTestStore()
	s.ApplyAlert(weapon("Cam-1"))
	s.ApplyAlert(weapon("Cam-1"))
	s.TakeDirty()

	s.Apply(events.TimelineUpdate{Buckets: []events.MinuteBucket{{Minute: 0, Events: 3}, {Minute: 1, Events: 5}}})

	d := s.TakeDirty()
	if !d.EventTimeline || d.Timeline {
		t.Errorf("Expected only the event timeline dirty, got %+v", d)
	}

	s.ApplyAlert(weapon("Cam-2"))

	tl := s.Snapshot().Timeline
	if len(tl.Buckets) != 1 || tl.Buckets[0].Key != "10:29" || tl.Buckets[0].Total != 3 {
		t.Errorf("Expected one 10:29 bucket with 3 alerts, got %+v", tl.Buckets)
	}
	if len(tl.Backend) != 2 || tl.Backend[0].Key != "0m" || tl.Backend[1].Total != 5 {
		t.Errorf("Unexpected backend series %+v", tl.Backend)
	}
}

func TestConnectivity(t *testing.T) {
	s := newTestStore()
	s.Apply(events.CameraStatus{CameraID: "Cam-1", Status: events.CameraOnline})

	s.Apply(events.Connected{})
	if !s.Snapshot().Connected {
		t.Error("Expected connected")
	}

	s.Apply(events.Disconnected{Reason: "read timeout"})
	snap := s.Snapshot()
	if snap.Connected {
		t.Error("Expected disconnected")
	}
	if c, _ := snap.Camera("Cam-1"); c.Status != events.CameraOnline {
		t.Error("Disconnect must not force cameras offline")
	}

	s.Apply(events.Connected{})
	s.Apply(events.TransportError{Reason: "gave up"})
	if s.Snapshot().Connected {
		t.Error("Transport error should mark disconnected")
	}
}

func TestSetFilter_AndSemantics(t *testing.T) {
	s := newTestStore()
	day1 := "2025-03-01T09:00:00Z"
	day2 := "2025-03-02T09:00:00Z"

	s.ApplyAlert(events.RawAlert{AlertType: "weapon", CameraID: "Cam-1", Timestamp: day1})
	s.ApplyAlert(events.RawAlert{AlertType: "weapon", CameraID: "Cam-1", Timestamp: day2})
	s.ApplyAlert(events.RawAlert{AlertType: "fight", CameraID: "Cam-1", Timestamp: day1})
	s.ApplyAlert(events.RawAlert{AlertType: "weapon", CameraID: "Cam-1", Severity: "low", Timestamp: day1})
	s.ApplyAlert(events.RawAlert{AlertType: "crowd", CameraID: "Cam-2", Timestamp: day1})

	tests := []struct {
		filter Filter
		want   int
	}{
		{Filter{Severity: "HIGH", AlertType: "weapon", Date: "2025-03-01"}, 1},
		{Filter{Severity: "ALL", AlertType: "weapon", Date: "2025-03-01"}, 2},
		{Filter{Severity: "HIGH", AlertType: "all", Date: "2025-03-01"}, 2},
		{Filter{Severity: "HIGH", AlertType: "weapon"}, 2},
		{Filter{Severity: "MED"}, 1},
		{Filter{}, 5},
	}

	for _, tt := range tests {
		if err := s.SetFilter(tt.filter); err != nil {
			t.Fatalf("SetFilter(%+v) failed: %v", tt.filter, err)
		}
		got := s.Snapshot().FilteredAlerts
		if len(got) != tt.want {
			t.Errorf("Filter %+v: expected %d alerts, got %d", tt.filter, tt.want, len(got))
		}
		canon, _ := tt.filter.Canonical()
		for _, a := range got {
			if !canon.Match(a, time.UTC) {
				t.Errorf("Filter %+v: alert %+v should not pass", tt.filter, a)
			}
		}
	}
}

func TestSetFilter_Invalid(t *testing.T) {
	s := newTestStore()
	_ = s.SetFilter(Filter{Severity: "high"})

	for _, f := range []Filter{{Severity: "urgent"}, {AlertType: "smoke"}, {Date: "03/01/2025"}} {
		if err := s.SetFilter(f); !errors.Is(err, ErrInvalidFilter) {
			t.Errorf("SetFilter(%+v): expected ErrInvalidFilter, got %v", f, err)
		}
	}
	if s.Filter().Severity != "high" {
		t.Error("Invalid filter must leave the previous one in place")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 3; i++ {
		s.ApplyAlert(weapon("Cam-1"))
	}
	s.TakeDirty()

	s.Clear()
	snap := s.Snapshot()
	if len(snap.Alerts) != 0 || len(snap.Archive) != 0 || len(snap.Timeline.Buckets) != 0 {
		t.Errorf("Expected empty state after Clear, got %d/%d/%d", len(snap.Alerts), len(snap.Archive), len(snap.Timeline.Buckets))
	}
	if d := s.TakeDirty(); !d.Cleared {
		t.Error("Clear should request removal of persisted copies")
	}

	// ids keep growing after a clear
	a, _ := s.ApplyAlert(weapon("Cam-1"))
	if a.ID[:2] != "4-" {
		t.Errorf("Expected sequence to continue at 4, got %s", a.ID)
	}
}

func TestSetMode_DiscardsLiveBuckets(t *testing.T) {
	s := newTestStore()
	s.ApplyAlert(weapon("Cam-1"))

	if err := s.SetMode(timeline.ModeHistorical); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	snap := s.Snapshot()
	if snap.Timeline.Mode != timeline.ModeHistorical || len(snap.Timeline.Buckets) != 0 {
		t.Errorf("Expected empty historical timeline, got %+v", snap.Timeline)
	}
	if len(snap.Alerts) != 1 {
		t.Error("Mode switch must not touch the alert feed")
	}

	// alerts no longer feed the chart in historical mode
	s.ApplyAlert(weapon("Cam-1"))
	if len(s.Snapshot().Timeline.Buckets) != 0 {
		t.Error("Historical timeline should ignore live alerts")
	}

	if err := s.SetMode("weekly"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func TestHistory_StaleResponseDiscarded(t *testing.T) {
	s := newTestStore()
	_ = s.SetMode(timeline.ModeHistorical)

	first, ok := s.PendingQuery()
	if !ok {
		t.Fatal("Expected a pending query in historical mode")
	}
	if first.Date != "2025-03-01" || first.Type != "" {
		t.Errorf("Expected today's unfiltered query, got %+v", first)
	}
	s.BeginQuery(first)
	if _, ok := s.PendingQuery(); ok {
		t.Error("In-flight query should not be reissued")
	}

	_ = s.SetFilter(Filter{Date: "2025-02-28", AlertType: "fight"})
	second, ok := s.PendingQuery()
	if !ok || second.Date != "2025-02-28" || second.Type != "fight" {
		t.Fatalf("Expected new query for the new filter, got %+v %v", second, ok)
	}
	s.BeginQuery(second)

	stale := []events.DetectionRecord{{Timestamp: "2025-03-01T09:00:00", Type: events.AlertWeapon}}
	if s.ApplyHistory(first, stale, nil) {
		t.Error("Stale result should be discarded")
	}
	if len(s.Snapshot().Timeline.Buckets) != 0 {
		t.Error("Stale result must not reach the buckets")
	}

	fresh := []events.DetectionRecord{
		{Timestamp: "2025-02-28T09:10:00", Type: events.AlertFight},
		{Timestamp: "2025-02-28T09:20:00", Type: events.AlertWeapon},
	}
	if !s.ApplyHistory(second, fresh, nil) {
		t.Fatal("Fresh result should be applied")
	}
	snap := s.Snapshot()
	if snap.Timeline.Query.Status != QueryReady {
		t.Errorf("Expected ready, got %s", snap.Timeline.Query.Status)
	}
	if len(snap.Timeline.Buckets) != 1 || snap.Timeline.Buckets[0].Counts["fight"] != 1 || snap.Timeline.Buckets[0].Counts["weapon"] != 0 {
		t.Errorf("Expected only the fight record in 9:00, got %+v", snap.Timeline.Buckets)
	}
}

func TestHistory_Hourly(t *testing.T) {
	s := newTestStore()
	_ = s.SetMode(timeline.ModeHistorical)
	key, _ := s.PendingQuery()
	s.BeginQuery(key)

	var records []events.DetectionRecord
	for _, r := range []struct {
		typ events.AlertType
		ts  string
	}{
		{events.AlertWeapon, "2025-03-01T09:05:00"},
		{events.AlertWeapon, "2025-03-01T09:55:00"},
		{events.AlertWeapon, "2025-03-01T10:15:00"},
		{events.AlertFight, "2025-03-01T09:30:00"},
		{events.AlertFight, "2025-03-01T10:45:00"},
	} {
		records = append(records, events.DetectionRecord{Timestamp: r.ts, Type: r.typ, Camera: "Cam-1"})
	}
	s.ApplyHistory(key, records, nil)

	got := make(map[string]map[string]int)
	var order []string
	for _, b := range s.Snapshot().Timeline.Buckets {
		got[b.Key] = b.Counts
		order = append(order, b.Key)
	}
	if fmt.Sprint(order) != "[9:00 10:00]" {
		t.Fatalf("Expected [9:00 10:00], got %v", order)
	}
	if got["9:00"]["weapon"] != 2 || got["9:00"]["fight"] != 1 {
		t.Errorf("9:00: unexpected %v", got["9:00"])
	}
	if got["10:00"]["weapon"] != 1 || got["10:00"]["fight"] != 1 {
		t.Errorf("10:00: unexpected %v", got["10:00"])
	}
}

func TestHistory_Failure(t *testing.T) {
	s := newTestStore()
	s.ApplyAlert(weapon("Cam-1"))
	_ = s.SetMode(timeline.ModeHistorical)
	key, _ := s.PendingQuery()
	s.BeginQuery(key)

	s.ApplyHistory(key, nil, errors.New("connection refused"))
	snap := s.Snapshot()
	if snap.Timeline.Query.Status != QueryFailed || snap.Timeline.Query.Error == "" {
		t.Errorf("Expected failed query state, got %+v", snap.Timeline.Query)
	}
	if len(snap.Alerts) != 1 {
		t.Error("Query failure must not affect live data")
	}
	if _, ok := s.PendingQuery(); ok {
		t.Error("A failed query should not be retried until the key changes")
	}
}

func TestRestore(t *testing.T) {
	src := newTestStore()
	for i := 0; i < 30; i++ {
		src.ApplyAlert(weapon("Cam-1"))
	}
	state := src.TimelineState()

	dst := newTestStore()
	dst.Restore(src.Archive(), &state)

	snap := dst.Snapshot()
	if len(snap.Archive) != 30 {
		t.Errorf("Expected 30 archived alerts, got %d", len(snap.Archive))
	}
	if len(snap.Alerts) != 20 || snap.Alerts[0].ID != snap.Archive[0].ID {
		t.Errorf("Expected the 20 newest alerts in the feed, got %d", len(snap.Alerts))
	}
	if len(snap.Timeline.Buckets) != 1 || snap.Timeline.Buckets[0].Total != 30 {
		t.Errorf("Expected restored timeline, got %+v", snap.Timeline.Buckets)
	}

	a, _ := dst.ApplyAlert(weapon("Cam-1"))
	if a.ID[:3] != "31-" {
		t.Errorf("Expected id sequence to continue at 31, got %s", a.ID)
	}
}

func TestDiagnostics_Bounded(t *testing.T) {
	s := New(Options{DiagnosticsCapacity: 3})
	for i := 0; i < 5; i++ {
		s.Apply(events.CameraStatus{CameraID: fmt.Sprintf("X-%d", i), Status: events.CameraOnline})
	}
	d := s.Diagnostics()
	if len(d) != 3 {
		t.Fatalf("Expected 3 diagnostics, got %d", len(d))
	}
	if d[0].Detail != "X-2" || d[2].Detail != "X-4" {
		t.Errorf("Expected the newest diagnostics, got %+v", d)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := newTestStore()
	s.ApplyAlert(weapon("Cam-1"))
	snap := s.Snapshot()

	snap.Cameras[0].Count = 99
	snap.Timeline.Buckets[0].Counts["weapon"] = 99
	snap.Alerts[0].Evidence[0] = "tampered"
	snap.Archive[0].Evidence[1] = "tampered"
	snap.FilteredAlerts[0].Evidence[0] = "tampered"
	s.Apply(events.FrameAnalysis{CameraID: "Cam-2", Count: events.IntPtr(1)})

	next := s.Snapshot()
	if next.Cameras[0].Count != 0 {
		t.Error("Snapshot cameras should not alias store state")
	}
	if next.Timeline.Buckets[0].Counts["weapon"] != 1 {
		t.Error("Snapshot buckets should not alias store state")
	}
	want := events.DefaultEvidence[events.AlertWeapon]
	for name, list := range map[string][]events.Alert{"alerts": next.Alerts, "archive": next.Archive, "filtered": next.FilteredAlerts} {
		for i, ev := range list[0].Evidence {
			if ev != want[i] {
				t.Errorf("%s evidence should not alias store state, got %v", name, list[0].Evidence)
				break
			}
		}
	}
}
