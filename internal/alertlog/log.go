// Package alertlog provides the capped, newest-first alert collection backing
// the live feed.
package alertlog

import (
	"errors"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

// Capacities used by the dashboard
const (
	FeedCapacity    = 20
	ArchiveCapacity = 50
)

var (
	ErrDuplicateID = errors.New("alert id already present")
	ErrEmptyID     = errors.New("alert id is empty")
)

// Log is a ring buffer of alerts. Inserting prepends; once the ring is full
// the oldest entry is overwritten. Not safe for concurrent use: the store
// owns it from a single goroutine.
type Log struct {
	alerts   []events.Alert
	ids      map[string]struct{}
	head     int // slot the next insert writes to
	count    int
	capacity int
}

// New creates a log holding at most capacity alerts
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = FeedCapacity
	}
	return &Log{
		alerts:   make([]events.Alert, capacity),
		ids:      make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Insert prepends an alert. A colliding id keeps the existing entry and
// returns ErrDuplicateID. The evicted alert, if any, is returned.
func (l *Log) Insert(a events.Alert) (*events.Alert, error) {
	if a.ID == "" {
		return nil, ErrEmptyID
	}
	if _, ok := l.ids[a.ID]; ok {
		return nil, ErrDuplicateID
	}

	var evicted *events.Alert
	if l.count == l.capacity {
		old := l.alerts[l.head]
		delete(l.ids, old.ID)
		evicted = &old
	} else {
		l.count++
	}

	l.alerts[l.head] = a.Clone()
	l.ids[a.ID] = struct{}{}
	l.head = (l.head + 1) % l.capacity

	return evicted, nil
}

// Items returns deep copies of the alerts, newest first
func (l *Log) Items() []events.Alert {
	out := make([]events.Alert, 0, l.count)
	idx := l.head
	for i := 0; i < l.count; i++ {
		idx = (idx - 1 + l.capacity) % l.capacity
		out = append(out, l.alerts[idx].Clone())
	}
	return out
}

// Contains reports whether an alert with id is retained
func (l *Log) Contains(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Len returns the number of retained alerts
func (l *Log) Len() int {
	return l.count
}

// Cap returns the maximum number of retained alerts
func (l *Log) Cap() int {
	return l.capacity
}

// Clear drops every alert
func (l *Log) Clear() {
	l.alerts = make([]events.Alert, l.capacity)
	l.ids = make(map[string]struct{}, l.capacity)
	l.head = 0
	l.count = 0
}

// Restore replaces the contents with alerts given newest first, as returned
// by Items. Entries beyond capacity and duplicate ids are skipped.
func (l *Log) Restore(newestFirst []events.Alert) {
	l.Clear()
	n := len(newestFirst)
	if n > l.capacity {
		n = l.capacity
	}
	for i := n - 1; i >= 0; i-- {
		_, _ = l.Insert(newestFirst[i])
	}
}
