package events

import (
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNormalize_SeverityDerivation(t *testing.T) {
	n := NewNormalizer(time.UTC)

	tests := []struct {
		raw  RawAlert
		want Severity
	}{
		{RawAlert{AlertType: "weapon", CameraID: "Cam-1"}, SeverityHigh},
		{RawAlert{AlertType: "fight", CameraID: "Cam-1"}, SeverityHigh},
		{RawAlert{AlertType: "crowd", CameraID: "Cam-1"}, SeverityMed},
		{RawAlert{AlertType: "crowd", CameraID: "Cam-1", Severity: "low"}, SeverityLow},
		{RawAlert{Type: "crowd", Camera: "Cam-1", Severity: "medium"}, SeverityMed},
		{RawAlert{AlertType: "weapon", CameraID: "Cam-1", Severity: "bogus"}, SeverityHigh},
		{RawAlert{AlertType: "fight", CameraID: "Cam-1", Severity: "LOW"}, SeverityLow},
	}

	for _, tt := range tests {
		a, err := n.Normalize(tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%+v) failed: %v", tt.raw, err)
		}
		if a.Severity != tt.want {
			t.Errorf("Normalize(%+v): expected severity %s, got %s", tt.raw, tt.want, a.Severity)
		}
	}
}

func TestNormalize_EvidenceTable(t *testing.T) {
	n := NewNormalizer(time.UTC)

	for _, typ := range AlertTypes {
		a, err := n.Normalize(RawAlert{AlertType: string(typ), CameraID: "Cam-1"})
		if err != nil {
			t.Fatalf("Normalize failed: %v", err)
		}
		if !reflect.DeepEqual(a.Evidence, DefaultEvidence[typ]) {
			t.Errorf("%s: expected evidence %v, got %v", typ, DefaultEvidence[typ], a.Evidence)
		}
		// must be a copy of the table entry
		a.Evidence[0] = "mutated"
		if DefaultEvidence[typ][0] == "mutated" {
			t.Fatalf("%s: evidence aliases the mapping table", typ)
		}
	}

	a, _ := n.Normalize(RawAlert{AlertType: "weapon", CameraID: "Cam-1", Evidence: []string{"thermal"}})
	if !reflect.DeepEqual(a.Evidence, []string{"thermal"}) {
		t.Errorf("Expected explicit evidence to be kept, got %v", a.Evidence)
	}
}

func TestNormalize_LegacyShape(t *testing.T) {
	n := NewNormalizer(time.UTC)
	dur := 61.6
	conf := 1.7

	a, err := n.Normalize(RawAlert{
		Type:        "crowd_group_complete",
		Camera:      "Cam-2",
		Time:        "2025-03-01T09:15:30.123456",
		PeopleCount: IntPtr(14),
		Duration:    &dur,
		Confidence:  &conf,
		Message:     "14 people detected for 61 seconds",
	})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if a.AlertType != AlertCrowd {
		t.Errorf("Expected crowd, got %s", a.AlertType)
	}
	if a.CameraID != "Cam-2" {
		t.Errorf("Expected Cam-2, got %s", a.CameraID)
	}
	if a.Count == nil || *a.Count != 14 {
		t.Errorf("Expected count 14, got %v", a.Count)
	}
	if a.Duration == nil || *a.Duration != 62 {
		t.Errorf("Expected duration 62, got %v", a.Duration)
	}
	if a.Confidence == nil || *a.Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %v", a.Confidence)
	}
	want := time.Date(2025, 3, 1, 9, 15, 30, 123456000, time.UTC)
	if !a.Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, a.Timestamp)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	n := NewNormalizer(time.UTC)

	tests := []struct {
		raw  RawAlert
		want error
	}{
		{RawAlert{CameraID: "Cam-1"}, ErrMissingAlertType},
		{RawAlert{AlertType: "smoke", CameraID: "Cam-1"}, ErrUnknownAlertType},
		{RawAlert{AlertType: "weapon"}, ErrMissingCamera},
	}

	for _, tt := range tests {
		if _, err := n.Normalize(tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("Normalize(%+v): expected %v, got %v", tt.raw, tt.want, err)
		}
	}
}

func TestNormalize_MissingTimestampUsesClock(t *testing.T) {
	n := NewNormalizer(time.UTC)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	n.SetClock(func() time.Time { return fixed })

	a, err := n.Normalize(RawAlert{AlertType: "fight", CameraID: "Cam-1", Timestamp: "yesterday"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !a.Timestamp.Equal(fixed) {
		t.Errorf("Expected clock time %v, got %v", fixed, a.Timestamp)
	}
}

func TestNormalizer_IDsAreUniqueAndMonotonic(t *testing.T) {
	n := NewNormalizer(time.UTC)
	seen := make(map[string]bool)

	for i := 1; i <= 100; i++ {
		id := n.NextID()
		if seen[id] {
			t.Fatalf("Duplicate id %s", id)
		}
		seen[id] = true
		prefix, _, _ := strings.Cut(id, "-")
		if prefix != strconv.Itoa(i) {
			t.Fatalf("Expected sequence %d, got id %s", i, id)
		}
	}
}

func TestNormalizer_Observe(t *testing.T) {
	n := NewNormalizer(time.UTC)
	n.Observe("41-deadbeef")
	n.Observe("7-cafebabe")
	n.Observe("garbage")

	id := n.NextID()
	if !strings.HasPrefix(id, "42-") {
		t.Errorf("Expected id after 41, got %s", id)
	}
}

func TestClampConfidence(t *testing.T) {
	nan := math.NaN()
	neg := -0.2
	mid := 0.42

	if ClampConfidence(nil) != nil {
		t.Error("nil should stay nil")
	}
	if ClampConfidence(&nan) != nil {
		t.Error("NaN should become nil")
	}
	if got := ClampConfidence(&neg); *got != 0 {
		t.Errorf("Expected 0, got %v", *got)
	}
	if got := ClampConfidence(&mid); *got != 0.42 {
		t.Errorf("Expected 0.42, got %v", *got)
	}
}

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-01T10:00:00Z", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2025-03-01T10:00:00", time.Date(2025, 3, 1, 10, 0, 0, 0, loc)},
		{"2025-03-01 10:00:00.5", time.Date(2025, 3, 1, 10, 0, 0, 500000000, loc)},
		{"1740823200000", time.UnixMilli(1740823200000)},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in, loc)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) failed: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}

	if _, err := ParseTimestamp("", loc); err == nil {
		t.Error("Expected error for empty timestamp")
	}
}

func TestOutcomeAlerts(t *testing.T) {
	raws := OutcomeAlerts("Cam-1", UploadOutcome{Crowd: true, Fight: true, Weapon: true})
	if len(raws) != 3 {
		t.Fatalf("Expected 3 alerts, got %d", len(raws))
	}
	order := []string{"crowd", "fight", "weapon"}
	for i, r := range raws {
		if r.AlertType != order[i] || r.CameraID != "Cam-1" {
			t.Errorf("Alert %d: unexpected %+v", i, r)
		}
	}
	if raws[0].Severity != "med" {
		t.Errorf("Expected crowd default severity med, got %s", raws[0].Severity)
	}

	if len(OutcomeAlerts("Cam-1", UploadOutcome{})) != 0 {
		t.Error("Expected no alerts for an empty outcome")
	}
}

func TestAlertClone(t *testing.T) {
	a := Alert{ID: "1", Evidence: []string{"visual"}, Count: IntPtr(1), Duration: IntPtr(2), Confidence: FloatPtr(0.5)}
	c := a.Clone()

	c.Evidence[0] = "changed"
	*c.Count, *c.Duration, *c.Confidence = 10, 20, 1

	if a.Evidence[0] != "visual" || *a.Count != 1 || *a.Duration != 2 || *a.Confidence != 0.5 {
		t.Errorf("Clone shares state with the original: %+v", a)
	}
	if empty := (Alert{}).Clone(); empty.Evidence != nil || empty.Count != nil {
		t.Errorf("Expected nil fields to stay nil, got %+v", empty)
	}
}
