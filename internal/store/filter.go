package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

// ErrInvalidFilter is returned for filter values outside the known sets
var ErrInvalidFilter = errors.New("invalid filter")

// DateLayout is the ISO calendar date used by filters and history queries
const DateLayout = "2006-01-02"

// Filter narrows the visible alerts. Dimensions combine with AND; an empty
// dimension (or "all") matches everything.
type Filter struct {
	Severity  string `json:"severity"`
	AlertType string `json:"alertType"`
	Date      string `json:"date"`
}

// IsZero reports whether the filter matches every alert
func (f Filter) IsZero() bool {
	return f.Severity == "" && f.AlertType == "" && f.Date == ""
}

// Canonical validates f and returns it with "all" spellings collapsed to ""
// and severities reduced to high|med|low.
func (f Filter) Canonical() (Filter, error) {
	var out Filter

	if sev := strings.TrimSpace(f.Severity); sev != "" && !strings.EqualFold(sev, "all") {
		parsed, ok := events.ParseSeverity(sev)
		if !ok {
			return Filter{}, fmt.Errorf("%w: severity %q", ErrInvalidFilter, f.Severity)
		}
		out.Severity = string(parsed)
	}

	if typ := strings.ToLower(strings.TrimSpace(f.AlertType)); typ != "" && typ != "all" {
		if !events.AlertType(typ).Valid() {
			return Filter{}, fmt.Errorf("%w: alert type %q", ErrInvalidFilter, f.AlertType)
		}
		out.AlertType = typ
	}

	if date := strings.TrimSpace(f.Date); date != "" {
		if _, err := time.Parse(DateLayout, date); err != nil {
			return Filter{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, f.Date)
		}
		out.Date = date
	}

	return out, nil
}

// Match reports whether a satisfies every set dimension. The date is
// compared against the alert's calendar day in loc. f must be canonical.
func (f Filter) Match(a events.Alert, loc *time.Location) bool {
	if f.Severity != "" && string(a.Severity) != f.Severity {
		return false
	}
	if f.AlertType != "" && string(a.AlertType) != f.AlertType {
		return false
	}
	if f.Date != "" && a.Timestamp.In(loc).Format(DateLayout) != f.Date {
		return false
	}
	return true
}

// Apply returns the alerts matching f, preserving order
func (f Filter) Apply(alerts []events.Alert, loc *time.Location) []events.Alert {
	out := make([]events.Alert, 0, len(alerts))
	for _, a := range alerts {
		if f.Match(a, loc) {
			out = append(out, a.Clone())
		}
	}
	return out
}
