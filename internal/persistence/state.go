package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// LoadAlerts reads the archived alert list, newest first. An absent key
// yields an empty list.
func LoadAlerts(ctx context.Context, kv KV) ([]events.Alert, error) {
	data, err := kv.Get(ctx, KeyAlerts)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var alerts []events.Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyAlerts, err)
	}
	return alerts, nil
}

// SaveAlerts writes the archived alert list
func SaveAlerts(ctx context.Context, kv KV, alerts []events.Alert) error {
	if alerts == nil {
		alerts = []events.Alert{}
	}
	data, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("failed to encode alerts: %w", err)
	}
	return kv.Set(ctx, KeyAlerts, data)
}

// LoadTimeline reads the persisted timeline. The second result is false
// when nothing was stored.
func LoadTimeline(ctx context.Context, kv KV) (timeline.State, bool, error) {
	data, err := kv.Get(ctx, KeyGraphData)
	if errors.Is(err, ErrNotFound) {
		return timeline.State{}, false, nil
	}
	if err != nil {
		return timeline.State{}, false, err
	}

	var st timeline.State
	if err := json.Unmarshal(data, &st); err != nil {
		return timeline.State{}, false, fmt.Errorf("failed to decode %s: %w", KeyGraphData, err)
	}
	return st, true, nil
}

// SaveTimeline writes the timeline state
func SaveTimeline(ctx context.Context, kv KV, st timeline.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode timeline: %w", err)
	}
	return kv.Set(ctx, KeyGraphData, data)
}

// LoadEventTimeline reads the backend minute series. An absent key yields
// an empty series.
func LoadEventTimeline(ctx context.Context, kv KV) ([]timeline.Bucket, error) {
	data, err := kv.Get(ctx, KeyEventTimeline)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var series []timeline.Bucket
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", KeyEventTimeline, err)
	}
	return series, nil
}

// SaveEventTimeline writes the backend minute series
func SaveEventTimeline(ctx context.Context, kv KV, series []timeline.Bucket) error {
	if series == nil {
		series = []timeline.Bucket{}
	}
	data, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to encode event timeline: %w", err)
	}
	return kv.Set(ctx, KeyEventTimeline, data)
}

// ClearAll removes every persisted key
func ClearAll(ctx context.Context, kv KV) error {
	for _, key := range []string{KeyAlerts, KeyGraphData, KeyEventTimeline} {
		if err := kv.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
