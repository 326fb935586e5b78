package events

// Kind tags the variants of Event
type Kind string

const (
	KindCameraStatus   Kind = "camera_status"
	KindFrameAnalysis  Kind = "frame_analysis"
	KindDetectionAlert Kind = "detection_alert"
	KindTimelineUpdate Kind = "event_timeline_update"
	KindUploadResult   Kind = "upload_result"
	KindConnected      Kind = "connected"
	KindDisconnected   Kind = "disconnected"
	KindTransportError Kind = "transport_error"
)

// Event is the tagged union delivered by an event source. The set of
// variants is closed: only types in this package implement it.
type Event interface {
	Kind() Kind
	isEvent()
}

// CameraStatus switches a camera online or offline. ResetStats also clears
// count and flow when the camera stays online.
type CameraStatus struct {
	CameraID   string      `json:"cameraId"`
	Status     CameraState `json:"status"`
	ResetStats bool        `json:"resetStats,omitempty"`
}

// FrameAnalysis carries per-frame occupancy counters. Nil fields are absent
// and must not overwrite the stored value.
type FrameAnalysis struct {
	CameraID string `json:"cameraId"`
	Count    *int   `json:"count,omitempty"`
	Flow     *int   `json:"flow,omitempty"`
}

// DetectionAlert wraps a raw alert payload awaiting normalization
type DetectionAlert struct {
	Raw RawAlert
}

// TimelineUpdate replaces the live timeline with backend minute buckets
type TimelineUpdate struct {
	Buckets []MinuteBucket `json:"data"`
}

// UploadResult feeds a stream-control result back into the store
type UploadResult struct {
	CameraID string
	Outcome  UploadOutcome
}

// Connected signals that the transport is up
type Connected struct{}

// Disconnected signals that the transport dropped
type Disconnected struct {
	Reason string
}

// TransportError signals a transport failure the source could not hide
type TransportError struct {
	Reason string
}

func (CameraStatus) Kind() Kind   { return KindCameraStatus }
func (FrameAnalysis) Kind() Kind  { return KindFrameAnalysis }
func (DetectionAlert) Kind() Kind { return KindDetectionAlert }
func (TimelineUpdate) Kind() Kind { return KindTimelineUpdate }
func (UploadResult) Kind() Kind   { return KindUploadResult }
func (Connected) Kind() Kind      { return KindConnected }
func (Disconnected) Kind() Kind   { return KindDisconnected }
func (TransportError) Kind() Kind { return KindTransportError }

func (CameraStatus) isEvent()   {}
func (FrameAnalysis) isEvent()  {}
func (DetectionAlert) isEvent() {}
func (TimelineUpdate) isEvent() {}
func (UploadResult) isEvent()   {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (TransportError) isEvent() {}
