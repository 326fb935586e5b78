package store

import (
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// QueryStatus tracks the lifecycle of a historical query
type QueryStatus string

const (
	QueryIdle    QueryStatus = "idle"
	QueryLoading QueryStatus = "loading"
	QueryReady   QueryStatus = "ready"
	QueryFailed  QueryStatus = "failed"
)

// QueryKey identifies a historical query. A response is applied only while
// its key still matches what the view asks for.
type QueryKey struct {
	Date string `json:"date"`
	Type string `json:"type,omitempty"`
}

// QueryState is the status of the latest historical query
type QueryState struct {
	Key         QueryKey    `json:"key"`
	Status      QueryStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	Skipped     int         `json:"skipped,omitempty"`
	RequestedAt time.Time   `json:"requestedAt,omitempty"`
}

// TimelineView is the chart state carried by a snapshot
type TimelineView struct {
	Mode    timeline.Mode     `json:"mode"`
	Buckets []timeline.Bucket `json:"buckets"`
	// Backend is the backend's minute series, independent of Mode
	Backend []timeline.Bucket `json:"backend"`
	Query   QueryState        `json:"query"`
}

// Snapshot is an immutable copy of the store's state. Observers must not
// modify it; every field is a private copy.
type Snapshot struct {
	Version        uint64          `json:"version"`
	Connected      bool            `json:"connected"`
	Cameras        []events.Camera `json:"cameras"`
	Alerts         []events.Alert  `json:"alerts"`
	Archive        []events.Alert  `json:"archive"`
	FilteredAlerts []events.Alert  `json:"filteredAlerts"`
	Filter         Filter          `json:"filter"`
	Timeline       TimelineView    `json:"timeline"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

// Camera returns the camera with id from the snapshot
func (s *Snapshot) Camera(id string) (events.Camera, bool) {
	for _, c := range s.Cameras {
		if c.ID == id {
			return c, true
		}
	}
	return events.Camera{}, false
}
