package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Manav1207351/crowdsense360/internal/events"
	"github.com/Manav1207351/crowdsense360/internal/metrics"
	"github.com/Manav1207351/crowdsense360/internal/persistence"
	"github.com/Manav1207351/crowdsense360/internal/timeline"
)

// ErrEngineStopped is returned by intents submitted after Run has exited
var ErrEngineStopped = errors.New("engine stopped")

// ErrNoHistory is reported when historical mode is used without a query client
var ErrNoHistory = errors.New("historical queries are not configured")

// HistoryQuerier fetches one day of detection records
type HistoryQuerier interface {
	Query(ctx context.Context, date, typeFilter string) ([]events.DetectionRecord, error)
}

// EngineOptions configures an Engine
type EngineOptions struct {
	// KV persists the archive and the timeline; nil disables persistence
	KV persistence.KV
	// History serves historical mode; nil makes every query fail
	History HistoryQuerier
	// QueryTimeout bounds a single historical query
	QueryTimeout time.Duration
	// EventBuffer is the capacity of the inbound event channel
	EventBuffer int
}

type command struct {
	fn    func(*Store) error
	reply chan error
}

type historyResult struct {
	key     QueryKey
	records []events.DetectionRecord
	err     error
}

// Engine runs the single event loop that owns a Store. Sources write to
// Events(); view intents and query results are serialized through the same
// loop, and every mutation publishes a new Snapshot.
type Engine struct {
	store   *Store
	kv      persistence.KV
	history HistoryQuerier
	timeout time.Duration
	loc     *time.Location
	now     func() time.Time

	events   chan events.Event
	commands chan command
	results  chan historyResult

	current atomic.Pointer[Snapshot]

	mu          sync.RWMutex
	subscribers []chan *Snapshot

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	published uint64
	loopCtx   context.Context

	logger *slog.Logger
}

// NewEngine wraps store. The store must not be used directly afterwards.
func NewEngine(store *Store, opts EngineOptions) *Engine {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	e := &Engine{
		store:    store,
		kv:       opts.KV,
		history:  opts.History,
		timeout:  opts.QueryTimeout,
		loc:      store.loc,
		now:      store.now,
		events:   make(chan events.Event, opts.EventBuffer),
		commands: make(chan command),
		results:  make(chan historyResult, 4),
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "engine"),
	}
	e.current.Store(store.Snapshot())
	e.published = store.Version()
	return e
}

// Load restores persisted state. Call before Run. A corrupt blob is logged
// and treated as absent.
func (e *Engine) Load(ctx context.Context) error {
	if e.started.Load() {
		return errors.New("engine already running")
	}
	if e.kv == nil {
		return nil
	}

	alerts, err := persistence.LoadAlerts(ctx, e.kv)
	if err != nil {
		e.logger.Warn("Ignoring persisted alerts", "error", err)
		alerts = nil
	}

	var tl *timeline.State
	st, ok, err := persistence.LoadTimeline(ctx, e.kv)
	switch {
	case err != nil:
		e.logger.Warn("Ignoring persisted timeline", "error", err)
	case ok:
		tl = &st
	}

	e.store.Restore(alerts, tl)

	series, err := persistence.LoadEventTimeline(ctx, e.kv)
	if err != nil {
		e.logger.Warn("Ignoring persisted event timeline", "error", err)
		series = nil
	}
	e.store.RestoreEventTimeline(series)
	e.store.TakeDirty()
	e.current.Store(e.store.Snapshot())
	e.published = e.store.Version()

	e.logger.Info("Restored persisted state", "alerts", len(alerts), "timeline", tl != nil)
	return nil
}

// Events returns the channel sources deliver events on. Events are applied
// in the order they are received.
func (e *Engine) Events() chan<- events.Event {
	return e.events
}

// Run drives the loop until ctx is cancelled. Pending dirty state is
// persisted before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	e.loopCtx = ctx
	e.logger.Info("Engine started")
	e.afterMutation()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			e.logger.Info("Engine stopped")
			return nil

		case ev := <-e.events:
			e.store.Apply(ev)

		case cmd := <-e.commands:
			err := cmd.fn(e.store)
			e.afterMutation()
			cmd.reply <- err
			continue

		case res := <-e.results:
			e.store.ApplyHistory(res.key, res.records, res.err)
		}
		e.afterMutation()
	}
}

// Submit queues an event from outside the source pipeline
func (e *Engine) Submit(ctx context.Context, ev events.Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop goroutine and waits for it. The resulting
// snapshot is published before do returns.
func (e *Engine) do(ctx context.Context, fn func(*Store) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetFilter applies a filter intent and returns the resulting snapshot
func (e *Engine) SetFilter(ctx context.Context, f Filter) (*Snapshot, error) {
	err := e.do(ctx, func(s *Store) error {
		return s.SetFilter(f)
	})
	if err != nil {
		return nil, err
	}
	return e.current.Load(), nil
}

// Clear applies a clear intent
func (e *Engine) Clear(ctx context.Context) error {
	return e.do(ctx, func(s *Store) error {
		s.Clear()
		return nil
	})
}

// SetMode switches the timeline mode
func (e *Engine) SetMode(ctx context.Context, m timeline.Mode) error {
	return e.do(ctx, func(s *Store) error {
		return s.SetMode(m)
	})
}

// ApplyUploadResult feeds a stream-control result into the store
func (e *Engine) ApplyUploadResult(ctx context.Context, cameraID string, o events.UploadOutcome) error {
	return e.do(ctx, func(s *Store) error {
		return s.ApplyUploadResult(cameraID, o)
	})
}

// StopCamera takes a camera offline and clears its counters
func (e *Engine) StopCamera(ctx context.Context, cameraID string) error {
	return e.do(ctx, func(s *Store) error {
		if _, ok := s.camIndex[cameraID]; !ok {
			return ErrUnknownCamera
		}
		s.Apply(events.CameraStatus{CameraID: cameraID, Status: events.CameraOffline})
		return nil
	})
}

// Diagnostics returns the store's retained diagnostics
func (e *Engine) Diagnostics(ctx context.Context) ([]Diagnostic, error) {
	var out []Diagnostic
	err := e.do(ctx, func(s *Store) error {
		out = s.Diagnostics()
		return nil
	})
	return out, err
}

// Snapshot returns the latest published snapshot. Safe from any goroutine.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Subscribe returns a channel receiving every published snapshot. A slow
// subscriber skips intermediate snapshots but always gets the newest.
func (e *Engine) Subscribe() chan *Snapshot {
	ch := make(chan *Snapshot, 16)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (e *Engine) Unsubscribe(ch chan *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close waits for Run to return, persists the final state and closes every
// subscription. Cancel Run's context first.
func (e *Engine) Close(ctx context.Context) error {
	if e.started.Load() {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		e.flush()
	}

	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, ch := range e.subscribers {
			close(ch)
		}
		e.subscribers = nil
	})
	return nil
}

// afterMutation issues any query the new state calls for, persists what
// changed and publishes a snapshot when the version moved.
func (e *Engine) afterMutation() {
	e.maybeQuery(e.loopCtx)

	if d := e.store.TakeDirty(); d.Any() {
		e.persist(e.loopCtx, d)
	}

	if v := e.store.Version(); v != e.published {
		e.published = v
		e.publish(e.store.Snapshot())
	}
}

func (e *Engine) maybeQuery(ctx context.Context) {
	key, ok := e.store.PendingQuery()
	if !ok {
		return
	}
	e.store.BeginQuery(key)

	if e.history == nil {
		e.store.ApplyHistory(key, nil, ErrNoHistory)
		return
	}

	e.logger.Debug("Issuing history query", "date", key.Date, "type", key.Type)
	go func() {
		qctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		start := time.Now()
		records, err := e.history.Query(qctx, key.Date, key.Type)
		metrics.HistoryQueryDuration.Observe(time.Since(start).Seconds())

		select {
		case e.results <- historyResult{key: key, records: records, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) persist(ctx context.Context, d Dirty) {
	if e.kv == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	if d.Cleared {
		if err := persistence.ClearAll(ctx, e.kv); err != nil {
			metrics.PersistErrors.WithLabelValues("clear").Inc()
			e.logger.Error("Failed to remove persisted state", "error", err)
		}
		return
	}
	if d.Alerts {
		if err := persistence.SaveAlerts(ctx, e.kv, e.store.Archive()); err != nil {
			metrics.PersistErrors.WithLabelValues(persistence.KeyAlerts).Inc()
			e.logger.Error("Failed to persist alerts", "error", err)
		}
	}
	if d.Timeline {
		if err := persistence.SaveTimeline(ctx, e.kv, e.store.TimelineState()); err != nil {
			metrics.PersistErrors.WithLabelValues(persistence.KeyGraphData).Inc()
			e.logger.Error("Failed to persist timeline", "error", err)
		}
	}
	if d.EventTimeline {
		if err := persistence.SaveEventTimeline(ctx, e.kv, e.store.EventTimeline()); err != nil {
			metrics.PersistErrors.WithLabelValues(persistence.KeyEventTimeline).Inc()
			e.logger.Error("Failed to persist event timeline", "error", err)
		}
	}
}

// flush writes whatever is still dirty; called once the loop has stopped
func (e *Engine) flush() {
	if d := e.store.TakeDirty(); d.Any() {
		e.persist(context.Background(), d)
	}
}

func (e *Engine) publish(snap *Snapshot) {
	e.current.Store(snap)
	metrics.SnapshotsPublished.Inc()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- snap:
			continue
		default:
		}
		// full: drop the oldest queued snapshot and retry once
		select {
		case <-ch:
			metrics.SnapshotsDropped.Inc()
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
