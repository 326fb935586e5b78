package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Sentinel decode errors. Callers log and drop frames that fail to decode.
var (
	ErrMalformed   = errors.New("malformed event payload")
	ErrUnknownType = errors.New("unknown event type")
)

// RawAlert is the union of the alert payload shapes the backend has emitted.
// The dashboard shape uses alertType/cameraId/timestamp, the legacy
// broadcast shape uses type/camera/time with people_count and a free-form
// severity. NormalizeAlert folds either into an Alert.
type RawAlert struct {
	AlertType   string   `json:"alertType,omitempty"`
	Type        string   `json:"type,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	CameraID    string   `json:"cameraId,omitempty"`
	Camera      string   `json:"camera,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Time        string   `json:"time,omitempty"`
	Message     string   `json:"message,omitempty"`
	Count       *int     `json:"count,omitempty"`
	PeopleCount *int     `json:"people_count,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type cameraStatusFrame struct {
	CameraID   string      `json:"cameraId"`
	Status     CameraState `json:"status"`
	ResetStats bool        `json:"resetStats"`
}

type uploadResultFrame struct {
	CameraID string        `json:"cameraId"`
	Result   UploadOutcome `json:"result"`
}

// Decode parses one transport frame into an Event. Informational frames
// (connection_status, ping, pong) decode to a nil Event and a nil error.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	case "connection_status", "ping", "pong":
		return nil, nil

	case string(KindCameraStatus):
		var f cameraStatusFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if f.CameraID == "" || !f.Status.Valid() {
			return nil, fmt.Errorf("%w: camera_status needs cameraId and online|offline", ErrMalformed)
		}
		return CameraStatus{CameraID: f.CameraID, Status: f.Status, ResetStats: f.ResetStats}, nil

	case string(KindFrameAnalysis):
		var f FrameAnalysis
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if f.CameraID == "" {
			return nil, fmt.Errorf("%w: frame_analysis needs cameraId", ErrMalformed)
		}
		return f, nil

	case string(KindDetectionAlert):
		var raw RawAlert
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		// "type" is the frame tag here, not the alert category
		raw.Type = ""
		return DetectionAlert{Raw: raw}, nil

	case string(KindTimelineUpdate):
		var u TimelineUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if u.Buckets == nil {
			return nil, fmt.Errorf("%w: event_timeline_update without data array", ErrMalformed)
		}
		return u, nil

	case string(KindUploadResult):
		var f uploadResultFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if f.CameraID == "" {
			return nil, fmt.Errorf("%w: upload_result needs cameraId", ErrMalformed)
		}
		return UploadResult{CameraID: f.CameraID, Outcome: f.Result}, nil

	case "new_alert":
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: new_alert without data", ErrMalformed)
		}
		var raw RawAlert
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return DetectionAlert{Raw: raw}, nil
	}

	// The legacy broadcaster sends the alert category itself as the tag
	if _, ok := canonicalAlertType(env.Type); ok {
		var raw RawAlert
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return DetectionAlert{Raw: raw}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Encode renders an event in the same frame format Decode accepts. It is
// used by the NATS bus publishers and by tests.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case CameraStatus:
		return json.Marshal(struct {
			Type string `json:"type"`
			cameraStatusFrame
		}{string(KindCameraStatus), cameraStatusFrame{e.CameraID, e.Status, e.ResetStats}})
	case FrameAnalysis:
		return json.Marshal(struct {
			Type string `json:"type"`
			FrameAnalysis
		}{string(KindFrameAnalysis), e})
	case DetectionAlert:
		return json.Marshal(struct {
			Type string `json:"type"`
			RawAlert
		}{string(KindDetectionAlert), withoutTag(e.Raw)})
	case TimelineUpdate:
		return json.Marshal(struct {
			Type string `json:"type"`
			TimelineUpdate
		}{string(KindTimelineUpdate), e})
	case UploadResult:
		return json.Marshal(struct {
			Type string `json:"type"`
			uploadResultFrame
		}{string(KindUploadResult), uploadResultFrame{e.CameraID, e.Outcome}})
	}
	return nil, fmt.Errorf("%w: cannot encode %T", ErrUnknownType, ev)
}

// withoutTag moves a legacy "type" category into alertType so the field
// does not collide with the frame tag.
func withoutTag(raw RawAlert) RawAlert {
	if raw.AlertType == "" {
		raw.AlertType = raw.Type
	}
	raw.Type = ""
	return raw
}

func canonicalAlertType(s string) (AlertType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := alertTypeAliases[s]; ok {
		return alias, true
	}
	t := AlertType(s)
	return t, t.Valid()
}
