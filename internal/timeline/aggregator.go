// Package timeline groups detections into fixed-width time buckets for the
// dashboard charts, either live as alerts arrive or from a day of history.
package timeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

// Mode selects which view the aggregator maintains
type Mode string

const (
	ModeLive       Mode = "live"
	ModeHistorical Mode = "historical"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModeHistorical
}

// CategoryEvents is the counter name used for backend minute buckets
const CategoryEvents = "events"

// Bucket is one aggregation unit
type Bucket struct {
	Key    string         `json:"key"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func (b Bucket) clone() Bucket {
	counts := make(map[string]int, len(b.Counts))
	for k, v := range b.Counts {
		counts[k] = v
	}
	return Bucket{Key: b.Key, Counts: counts, Total: b.Total}
}

// State is the persisted form of an aggregator
type State struct {
	Mode    Mode     `json:"mode"`
	Buckets []Bucket `json:"buckets"`
}

// Config holds aggregator settings
type Config struct {
	// Location used to derive wall-clock bucket keys
	Location *time.Location
	// LiveResolution is the live bucket width (second or minute scale)
	LiveResolution time.Duration
	// MaxLiveBuckets bounds the live window; the oldest key is dropped
	// when exceeded. Zero disables the bound.
	MaxLiveBuckets int
	// HistoryGranularity is the historical bucket width (hour or N minutes)
	HistoryGranularity time.Duration
}

// DefaultConfig returns the dashboard defaults
func DefaultConfig() Config {
	return Config{
		Location:           time.UTC,
		LiveResolution:     time.Minute,
		MaxLiveBuckets:     720,
		HistoryGranularity: time.Hour,
	}
}

// Aggregator maintains the buckets of exactly one mode at a time, plus the
// backend's own minute series, which is kept apart from both modes. Not
// safe for concurrent use.
type Aggregator struct {
	cfg     Config
	mode    Mode
	buckets []Bucket
	index   map[string]int
	backend []Bucket
}

// New creates an aggregator in live mode
func New(cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.LiveResolution <= 0 {
		cfg.LiveResolution = def.LiveResolution
	}
	if cfg.HistoryGranularity < time.Minute {
		cfg.HistoryGranularity = def.HistoryGranularity
	}
	if cfg.MaxLiveBuckets < 0 {
		cfg.MaxLiveBuckets = 0
	}
	return &Aggregator{
		cfg:   cfg,
		mode:  ModeLive,
		index: make(map[string]int),
	}
}

// Mode returns the active mode
func (a *Aggregator) Mode() Mode {
	return a.mode
}

// SetMode switches modes, discarding the previous mode's buckets. It
// reports whether anything changed.
func (a *Aggregator) SetMode(m Mode) bool {
	if m == a.mode || !m.Valid() {
		return false
	}
	a.mode = m
	a.reset()
	return true
}

// Clear drops all buckets, including the backend series, and keeps the mode
func (a *Aggregator) Clear() {
	a.reset()
	a.backend = nil
}

func (a *Aggregator) reset() {
	a.buckets = nil
	a.index = make(map[string]int)
}

// Len returns the number of buckets
func (a *Aggregator) Len() int {
	return len(a.buckets)
}

// Buckets returns a deep copy of the buckets in display order
func (a *Aggregator) Buckets() []Bucket {
	return cloneAll(a.buckets)
}

func cloneAll(in []Bucket) []Bucket {
	out := make([]Bucket, len(in))
	for i, b := range in {
		out[i] = b.clone()
	}
	return out
}

// LiveKey returns the live bucket key for t
func (a *Aggregator) LiveKey(t time.Time) string {
	local := t.In(a.cfg.Location)
	if a.cfg.LiveResolution < time.Minute {
		return local.Truncate(a.cfg.LiveResolution).Format("15:04:05")
	}
	return local.Truncate(a.cfg.LiveResolution).Format("15:04")
}

// Record counts one event of category at t. Keys are appended the first
// time they are seen, so the sequence is chronological only as long as
// events arrive in time order. Ignored outside live mode.
func (a *Aggregator) Record(category string, t time.Time) bool {
	if a.mode != ModeLive {
		return false
	}
	key := a.LiveKey(t)

	if i, ok := a.index[key]; ok {
		a.buckets[i].Counts[category]++
		a.buckets[i].Total++
		return true
	}

	b := newBucket(key)
	b.Counts[category]++
	b.Total = 1
	a.append(b)

	if a.cfg.MaxLiveBuckets > 0 && len(a.buckets) > a.cfg.MaxLiveBuckets {
		a.buckets = append([]Bucket(nil), a.buckets[len(a.buckets)-a.cfg.MaxLiveBuckets:]...)
		a.reindex()
	}
	return true
}

// ReplaceMinutes swaps the backend minute series for a new push. Repeated
// offsets are summed and the series is ordered by offset. The mode buckets
// are not touched.
func (a *Aggregator) ReplaceMinutes(points []events.MinuteBucket) {
	series := make([]Bucket, 0, len(points))
	seen := make(map[string]int, len(points))
	for _, p := range points {
		key := fmt.Sprintf("%dm", p.Minute)
		if i, ok := seen[key]; ok {
			series[i].Counts[CategoryEvents] += p.Events
			series[i].Total += p.Events
			continue
		}
		seen[key] = len(series)
		series = append(series, Bucket{Key: key, Counts: map[string]int{CategoryEvents: p.Events}, Total: p.Events})
	}
	sort.SliceStable(series, func(i, j int) bool {
		return KeyValue(series[i].Key) < KeyValue(series[j].Key)
	})
	a.backend = series
}

// Backend returns a deep copy of the backend minute series
func (a *Aggregator) Backend() []Bucket {
	return cloneAll(a.backend)
}

// RestoreBackend reinstates a persisted backend series
func (a *Aggregator) RestoreBackend(series []Bucket) {
	a.backend = cloneAll(series)
}

// LoadHistory replaces the buckets with one day of historical records,
// grouped by the history granularity and sorted by the time encoded in the
// key. Records with unreadable timestamps or unknown types are skipped and
// counted in the return value. Ignored outside historical mode.
func (a *Aggregator) LoadHistory(records []events.DetectionRecord) (skipped int, ok bool) {
	if a.mode != ModeHistorical {
		return 0, false
	}
	a.reset()

	width := int(a.cfg.HistoryGranularity / time.Minute)
	for _, r := range records {
		if !r.Type.Valid() {
			skipped++
			continue
		}
		ts, err := events.ParseTimestamp(r.Timestamp, a.cfg.Location)
		if err != nil {
			skipped++
			continue
		}
		local := ts.In(a.cfg.Location)
		mins := local.Hour()*60 + local.Minute()
		mins = mins / width * width
		key := fmt.Sprintf("%d:%02d", mins/60, mins%60)

		i, found := a.index[key]
		if !found {
			a.append(newBucket(key))
			i = len(a.buckets) - 1
		}
		a.buckets[i].Counts[string(r.Type)]++
		a.buckets[i].Total++
	}

	sort.SliceStable(a.buckets, func(i, j int) bool {
		return KeyValue(a.buckets[i].Key) < KeyValue(a.buckets[j].Key)
	})
	a.reindex()
	return skipped, true
}

// Export returns the persisted form
func (a *Aggregator) Export() State {
	return State{Mode: a.mode, Buckets: a.Buckets()}
}

// Import restores a persisted state. Duplicate keys are merged.
func (a *Aggregator) Import(s State) {
	if s.Mode.Valid() {
		a.mode = s.Mode
	}
	a.reset()
	for _, b := range s.Buckets {
		if i, ok := a.index[b.Key]; ok {
			for k, v := range b.Counts {
				a.buckets[i].Counts[k] += v
			}
			a.buckets[i].Total += b.Total
			continue
		}
		c := b.clone()
		if c.Counts == nil {
			c.Counts = make(map[string]int)
		}
		a.append(c)
	}
}

func (a *Aggregator) append(b Bucket) {
	a.index[b.Key] = len(a.buckets)
	a.buckets = append(a.buckets, b)
}

func (a *Aggregator) reindex() {
	a.index = make(map[string]int, len(a.buckets))
	for i, b := range a.buckets {
		a.index[b.Key] = i
	}
}

func newBucket(key string) Bucket {
	counts := make(map[string]int, len(events.AlertTypes))
	for _, t := range events.AlertTypes {
		counts[string(t)] = 0
	}
	return Bucket{Key: key, Counts: counts}
}

// KeyValue decodes the numeric position of a bucket key: minutes of day
// for "H:MM" or "H:MM:SS" keys (seconds for the latter), the offset for
// "Nm" keys. Unparseable keys sort last.
func KeyValue(key string) int {
	if strings.HasSuffix(key, "m") {
		if n, err := strconv.Atoi(strings.TrimSuffix(key, "m")); err == nil {
			return n
		}
	}
	parts := strings.Split(key, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return int(^uint(0) >> 1)
	}
	v := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return int(^uint(0) >> 1)
		}
		v = v*60 + n
	}
	return v
}
