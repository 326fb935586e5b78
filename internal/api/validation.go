package api

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/store"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func isAll(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "all")
}

// ValidateFilter reports every invalid dimension of f
func ValidateFilter(f store.Filter) ValidationErrors {
	errs := make(ValidationErrors, 0)

	if !isAll(f.Severity) {
		if _, ok := events.ParseSeverity(strings.TrimSpace(f.Severity)); !ok {
			errs = append(errs, ValidationError{
				Field:   "severity",
				Message: "must be one of HIGH, MEDIUM, LOW or ALL",
			})
		}
	}
	if !isAll(f.AlertType) {
		if !events.AlertType(strings.ToLower(strings.TrimSpace(f.AlertType))).Valid() {
			errs = append(errs, ValidationError{
				Field:   "alertType",
				Message: "must be one of weapon, fight, crowd or all",
			})
		}
	}
	if d := strings.TrimSpace(f.Date); d != "" {
		if _, err := time.Parse(store.DateLayout, d); err != nil {
			errs = append(errs, ValidationError{
				Field:   "date",
				Message: "must be a calendar date in YYYY-MM-DD form",
			})
		}
	}
	return errs
}

// ValidateAnalytics reports every invalid field of an analytics request
func ValidateAnalytics(req store.AnalyticsRequest) ValidationErrors {
	errs := make(ValidationErrors, 0)

	if !isAll(req.Type) {
		if !events.AlertType(strings.ToLower(strings.TrimSpace(req.Type))).Valid() {
			errs = append(errs, ValidationError{Field: "type", Message: "must be one of weapon, fight, crowd or all"})
		}
	}
	for _, f := range []struct{ field, value string }{
		{"date", req.Date},
		{"start", req.Start},
		{"end", req.End},
	} {
		d := strings.TrimSpace(f.value)
		if d == "" {
			continue
		}
		if _, err := time.Parse(store.DateLayout, d); err != nil {
			errs = append(errs, ValidationError{Field: f.field, Message: "must be a calendar date in YYYY-MM-DD form"})
		}
	}
	if strings.TrimSpace(req.Date) != "" && req.IsRange() {
		errs = append(errs, ValidationError{Field: "date", Message: "cannot be combined with start or end"})
	}
	return errs
}

// ValidateMode checks a timeline mode name
func ValidateMode(m string) ValidationErrors {
	if timeline.Mode(m).Valid() {
		return nil
	}
	return ValidationErrors{{Field: "mode", Message: "must be live or historical"}}
}

var cameraIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateCameraID validates a camera ID format
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera ID is required")
	}
	if !cameraIDPattern.MatchString(id) {
		return fmt.Errorf("camera ID must contain only letters, numbers, underscores, and hyphens")
	}
	if len(id) > 50 {
		return fmt.Errorf("camera ID must be less than 50 characters")
	}
	return nil
}

// ValidateCameraIndex checks a capture device index
func ValidateCameraIndex(index int) ValidationErrors {
	if index < 0 || index > 63 {
		return ValidationErrors{{Field: "camera_index", Message: "must be between 0 and 63"}}
	}
	return nil
}
