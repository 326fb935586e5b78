package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// RangeQuerier fetches detections across a span of days
type RangeQuerier interface {
	QueryRange(ctx context.Context, start, end, typeFilter string) ([]events.DetectionRecord, error)
}

// AnalyticsRequest selects the records an analytics report covers. Date
// and the Start/End range are mutually exclusive; with neither set the
// report covers today.
type AnalyticsRequest struct {
	Date  string
	Start string
	End   string
	Type  string
}

// IsRange reports whether the request asks for a range of days
func (r AnalyticsRequest) IsRange() bool {
	return r.Start != "" || r.End != ""
}

// Canonical validates r and fills in today's date when nothing is selected
func (r AnalyticsRequest) Canonical(today string) (AnalyticsRequest, error) {
	out := AnalyticsRequest{
		Date:  strings.TrimSpace(r.Date),
		Start: strings.TrimSpace(r.Start),
		End:   strings.TrimSpace(r.End),
	}

	if typ := strings.ToLower(strings.TrimSpace(r.Type)); typ != "" && typ != "all" {
		if !events.AlertType(typ).Valid() {
			return AnalyticsRequest{}, fmt.Errorf("%w: alert type %q", ErrInvalidFilter, r.Type)
		}
		out.Type = typ
	}

	if out.Date != "" && out.IsRange() {
		return AnalyticsRequest{}, fmt.Errorf("%w: date cannot be combined with start or end", ErrInvalidFilter)
	}
	for _, d := range []string{out.Date, out.Start, out.End} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return AnalyticsRequest{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, d)
		}
	}
	if out.Start != "" && out.End != "" && out.Start > out.End {
		return AnalyticsRequest{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidFilter, out.Start, out.End)
	}

	if out.Date == "" && !out.IsRange() {
		out.Date = today
	}
	return out, nil
}

// Analytics queries the backend for req and summarizes the records. It runs
// on the caller's goroutine and leaves the store untouched.
func (e *Engine) Analytics(ctx context.Context, req AnalyticsRequest) (timeline.Report, error) {
	now := e.now()
	req, err := req.Canonical(now.In(e.loc).Format(DateLayout))
	if err != nil {
		return timeline.Report{}, err
	}
	if e.history == nil {
		return timeline.Report{}, ErrNoHistory
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var records []events.DetectionRecord
	if req.IsRange() {
		ranger, ok := e.history.(RangeQuerier)
		if !ok {
			return timeline.Report{}, fmt.Errorf("%w: range queries are not supported", ErrNoHistory)
		}
		records, err = ranger.QueryRange(qctx, req.Start, req.End, req.Type)
	} else {
		records, err = e.history.Query(qctx, req.Date, req.Type)
	}
	metrics.HistoryQueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return timeline.Report{}, fmt.Errorf("analytics query failed: %w", err)
	}

	rep := timeline.Summarize(records, e.loc, now)
	if rep.Skipped > 0 {
		e.logger.Warn("Analytics skipped unreadable records", "skipped", rep.Skipped)
	}
	return rep, nil
}
