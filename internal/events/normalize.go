package events

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Normalization errors. The store treats them as semantic faults: the alert
// is dropped and a diagnostic is recorded.
var (
	ErrMissingAlertType = errors.New("alert type missing")
	ErrUnknownAlertType = errors.New("unknown alert type")
	ErrMissingCamera    = errors.New("alert camera missing")
)

// alertTypeAliases maps backend category names onto canonical alert types
var alertTypeAliases = map[string]AlertType{
	"crowd_group_complete": AlertCrowd,
	"group":                AlertCrowd,
	"gun":                  AlertWeapon,
	"knife":                AlertWeapon,
	"violence":             AlertFight,
}

// DefaultSeverity is used when the payload carries no recognizable severity
var DefaultSeverity = map[AlertType]Severity{
	AlertWeapon: SeverityHigh,
	AlertFight:  SeverityHigh,
	AlertCrowd:  SeverityMed,
}

// DefaultEvidence is used when the payload carries no evidence tags
var DefaultEvidence = map[AlertType][]string{
	AlertWeapon: {"object detection", "visual"},
	AlertFight:  {"motion", "visual"},
	AlertCrowd:  {"density", "duration"},
}

// timestampLayouts are tried in order. The zone-less layouts are what the
// backend's isoformat() produces and are read in the normalizer's location.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp parses a backend timestamp. Zone-less values are taken to
// be in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ClampConfidence forces a confidence into [0,1]. NaN is treated as absent.
func ClampConfidence(c *float64) *float64 {
	if c == nil || math.IsNaN(*c) {
		return nil
	}
	v := math.Max(0, math.Min(1, *c))
	return &v
}

// Normalizer turns raw alert payloads into Alerts and hands out alert ids.
// Ids are "<sequence>-<random>"; the sequence only grows, so an id is never
// reused within a process, and Observe keeps it ahead of persisted ids.
type Normalizer struct {
	seq atomic.Uint64
	loc *time.Location
	now func() time.Time
}

// NewNormalizer creates a normalizer that reads zone-less timestamps in loc
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, now: time.Now}
}

// SetClock overrides the clock used for alerts without a timestamp
func (n *Normalizer) SetClock(now func() time.Time) {
	n.now = now
}

// NextID returns a fresh alert id
func (n *Normalizer) NextID() string {
	seq := n.seq.Add(1)
	return fmt.Sprintf("%d-%s", seq, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Observe advances the id sequence past an existing id
func (n *Normalizer) Observe(id string) {
	prefix, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return
	}
	for {
		cur := n.seq.Load()
		if v <= cur || n.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Normalize folds a raw payload into a canonical Alert with a new id
func (n *Normalizer) Normalize(raw RawAlert) (Alert, error) {
	typeName := raw.AlertType
	if typeName == "" {
		typeName = raw.Type
	}
	if strings.TrimSpace(typeName) == "" {
		return Alert{}, ErrMissingAlertType
	}
	alertType, ok := canonicalAlertType(typeName)
	if !ok {
		return Alert{}, fmt.Errorf("%w: %q", ErrUnknownAlertType, typeName)
	}

	cameraID := raw.CameraID
	if cameraID == "" {
		cameraID = raw.Camera
	}
	if cameraID == "" {
		return Alert{}, ErrMissingCamera
	}

	severity, ok := ParseSeverity(raw.Severity)
	if !ok {
		severity = DefaultSeverity[alertType]
	}

	var evidence []string
	if len(raw.Evidence) > 0 {
		evidence = append([]string(nil), raw.Evidence...)
	} else {
		evidence = append([]string(nil), DefaultEvidence[alertType]...)
	}

	ts := raw.Timestamp
	if ts == "" {
		ts = raw.Time
	}
	timestamp, err := ParseTimestamp(ts, n.loc)
	if err != nil {
		timestamp = n.now()
	}

	count := raw.Count
	if count == nil {
		count = raw.PeopleCount
	}
	if count != nil {
		count = IntPtr(*count)
	}

	var duration *int
	if raw.Duration != nil && !math.IsNaN(*raw.Duration) {
		duration = IntPtr(int(math.Round(*raw.Duration)))
	}

	return Alert{
		ID:         n.NextID(),
		AlertType:  alertType,
		Severity:   severity,
		CameraID:   cameraID,
		Timestamp:  timestamp,
		Evidence:   evidence,
		Message:    raw.Message,
		Count:      count,
		Duration:   duration,
		Confidence: ClampConfidence(raw.Confidence),
	}, nil
}

// OutcomeAlerts expands an upload outcome into the raw alerts it implies,
// in crowd, fight, weapon order.
func OutcomeAlerts(cameraID string, o UploadOutcome) []RawAlert {
	var out []RawAlert
	if o.Crowd {
		sev := o.CrowdSeverity
		if sev == "" {
			sev = string(SeverityMed)
		}
		out = append(out, RawAlert{AlertType: string(AlertCrowd), Severity: sev, CameraID: cameraID,
			Evidence: []string{"density", "visual"}})
	}
	if o.Fight {
		out = append(out, RawAlert{AlertType: string(AlertFight), Severity: string(SeverityHigh), CameraID: cameraID})
	}
	if o.Weapon {
		out = append(out, RawAlert{AlertType: string(AlertWeapon), Severity: string(SeverityHigh), CameraID: cameraID})
	}
	return out
}
