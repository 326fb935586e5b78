// Package events defines the camera, alert and stream event types shared by
// the event source, the reconciliation store and the API.
package events

import (
	"strings"
	"time"
)

// CameraState is the online/offline status of a camera feed
type CameraState string

const (
	CameraOnline  CameraState = "online"
	CameraOffline CameraState = "offline"
)

// Valid reports whether s is a known camera state
func (s CameraState) Valid() bool {
	return s == CameraOnline || s == CameraOffline
}

// AlertType is the detection category an alert belongs to
type AlertType string

const (
	AlertWeapon AlertType = "weapon"
	AlertFight  AlertType = "fight"
	AlertCrowd  AlertType = "crowd"
)

// AlertTypes lists every alert category in display order
var AlertTypes = []AlertType{AlertWeapon, AlertFight, AlertCrowd}

// Valid reports whether t is a known alert type
func (t AlertType) Valid() bool {
	switch t {
	case AlertWeapon, AlertFight, AlertCrowd:
		return true
	}
	return false
}

// Severity ranks how urgent an alert is
type Severity string

const (
	SeverityHigh Severity = "high"
	SeverityMed  Severity = "med"
	SeverityLow  Severity = "low"
)

// ParseSeverity accepts the spellings the backend and the UI use
// ("HIGH", "medium", "Med", ...). The second result is false for anything else.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return SeverityHigh, true
	case "med", "medium":
		return SeverityMed, true
	case "low":
		return SeverityLow, true
	}
	return "", false
}

// Camera is one entry of the fixed camera roster
type Camera struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Status CameraState `json:"status"`
	Count  int         `json:"count"`
	Flow   int         `json:"flow"`

	// StreamURL is the live feed handle from the last successful start
	StreamURL string `json:"streamUrl,omitempty"`
}

// Alert is a normalized detection alert. Alerts are never modified after
// normalization; the optional fields stay nil when the backend omitted them.
type Alert struct {
	ID         string    `json:"id"`
	AlertType  AlertType `json:"alertType"`
	Severity   Severity  `json:"severity"`
	CameraID   string    `json:"cameraId"`
	Timestamp  time.Time `json:"timestamp"`
	Evidence   []string  `json:"evidence"`
	Message    string    `json:"message,omitempty"`
	Count      *int      `json:"count,omitempty"`
	Duration   *int      `json:"duration,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// DetectionRecord is one row returned by the backend's historical query
type DetectionRecord struct {
	Timestamp  string    `json:"timestamp"`
	Type       AlertType `json:"type"`
	Camera     string    `json:"camera"`
	Count      *int      `json:"count,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// MinuteBucket is a backend-computed timeline point at a relative minute offset
type MinuteBucket struct {
	Minute int `json:"minute"`
	Events int `json:"events"`
}

// UploadOutcome is the result of a video upload or live-camera start as
// reported by the backend's stream-control side channel.
type UploadOutcome struct {
	Count         *int   `json:"count,omitempty"`
	Flow          *int   `json:"flow,omitempty"`
	Crowd         bool   `json:"crowd"`
	CrowdSeverity string `json:"crowd_severity,omitempty"`
	Fight         bool   `json:"fight"`
	Weapon        bool   `json:"weapon"`
	StreamURL     string `json:"stream_url,omitempty"`
}

// Clone returns a copy of a that shares no slices or pointers with it
func (a Alert) Clone() Alert {
	if a.Evidence != nil {
		a.Evidence = append([]string(nil), a.Evidence...)
	}
	if a.Count != nil {
		a.Count = IntPtr(*a.Count)
	}
	if a.Duration != nil {
		a.Duration = IntPtr(*a.Duration)
	}
	if a.Confidence != nil {
		a.Confidence = FloatPtr(*a.Confidence)
	}
	return a
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// FloatPtr returns a pointer to v
func FloatPtr(v float64) *float64 {
	return &v
}
