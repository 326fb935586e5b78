package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

const (
	// RecentWindow is how far back the fine-grained series reaches
	RecentWindow = 2 * time.Hour
	// RecentWidth is the fine-grained bucket width
	RecentWidth = 10 * time.Minute
	// LatestLimit caps the newest-records list
	LatestLimit = 10
)

// Totals counts records per alert type
type Totals struct {
	Total  int `json:"total"`
	Weapon int `json:"weapon"`
	Fight  int `json:"fight"`
	Crowd  int `json:"crowd"`
}

func (t *Totals) add(typ events.AlertType) {
	t.Total++
	switch typ {
	case events.AlertWeapon:
		t.Weapon++
	case events.AlertFight:
		t.Fight++
	case events.AlertCrowd:
		t.Crowd++
	}
}

// Report summarizes a set of detection records for the analytics page
type Report struct {
	Totals Totals `json:"totals"`
	// Hourly groups every record by hour of day, ordered by hour
	Hourly []Bucket `json:"hourly"`
	// Recent groups records no older than RecentWindow into RecentWidth
	// buckets, oldest first
	Recent []Bucket `json:"recent"`
	// Latest holds the newest records, newest first
	Latest []events.DetectionRecord `json:"latest"`
	// Skipped counts records with an unknown type or unreadable timestamp
	Skipped int `json:"skipped"`
}

// series accumulates clock-keyed buckets of one width
type series struct {
	width   int
	loc     *time.Location
	buckets []Bucket
	starts  []time.Time
	index   map[string]int
}

func newSeries(width time.Duration, loc *time.Location) *series {
	return &series{
		width: int(width / time.Minute),
		loc:   loc,
		index: make(map[string]int),
	}
}

func (s *series) add(t time.Time, typ events.AlertType) {
	local := t.In(s.loc)
	mins := (local.Hour()*60 + local.Minute()) / s.width * s.width
	key := fmt.Sprintf("%d:%02d", mins/60, mins%60)

	i, ok := s.index[key]
	if !ok {
		i = len(s.buckets)
		s.index[key] = i
		s.buckets = append(s.buckets, newBucket(key))
		s.starts = append(s.starts, time.Date(local.Year(), local.Month(), local.Day(), mins/60, mins%60, 0, 0, s.loc))
	}
	s.buckets[i].Counts[string(typ)]++
	s.buckets[i].Total++
}

// byClock orders buckets by the time of day in their key
func (s *series) byClock() []Bucket {
	out := cloneAll(s.buckets)
	sort.SliceStable(out, func(i, j int) bool {
		return KeyValue(out[i].Key) < KeyValue(out[j].Key)
	})
	return out
}

// byStart orders buckets chronologically, so a window spanning midnight
// keeps 23:50 ahead of 0:00
func (s *series) byStart() []Bucket {
	order := make([]int, len(s.buckets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return s.starts[order[i]].Before(s.starts[order[j]])
	})
	out := make([]Bucket, len(order))
	for i, idx := range order {
		out[i] = s.buckets[idx].clone()
	}
	return out
}

// Summarize builds the analytics report for records as seen at now. Zone-less
// timestamps are read in loc.
func Summarize(records []events.DetectionRecord, loc *time.Location, now time.Time) Report {
	if loc == nil {
		loc = time.UTC
	}
	since := now.Add(-RecentWindow)
	hourly := newSeries(time.Hour, loc)
	recent := newSeries(RecentWidth, loc)

	type stamped struct {
		at  time.Time
		rec events.DetectionRecord
	}
	valid := make([]stamped, 0, len(records))

	var rep Report
	for _, r := range records {
		if !r.Type.Valid() {
			rep.Skipped++
			continue
		}
		ts, err := events.ParseTimestamp(r.Timestamp, loc)
		if err != nil {
			rep.Skipped++
			continue
		}
		rep.Totals.add(r.Type)
		hourly.add(ts, r.Type)
		if !ts.Before(since) {
			recent.add(ts, r.Type)
		}
		valid = append(valid, stamped{at: ts, rec: r})
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].at.After(valid[j].at) })
	latest := make([]events.DetectionRecord, 0, min(len(valid), LatestLimit))
	for _, v := range valid[:min(len(valid), LatestLimit)] {
		latest = append(latest, v.rec)
	}

	rep.Hourly = hourly.byClock()
	rep.Recent = recent.byStart()
	rep.Latest = latest
	return rep
}
