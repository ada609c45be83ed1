// Package kvsync reconciles in-memory element state to the persistence
// adapter: a debounced, per-collection batch writer with change detection
// and numeric-field coercion.
//
// Requests within a debounce window coalesce by element id, so N state
// changes to the same element produce exactly one persisted write carrying
// the latest field values. Failed flushes are logged and dropped; the next
// state-changing sync is the recovery path. There is no retry queue.
package kvsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/persist"
)

// DefaultDebounce is the window between the first sync request for a
// collection and its flush.
const DefaultDebounce = 2 * time.Second

// requestBuffer bounds the request channel. The writer only ever tracks
// element ids, so overflow means thousands of distinct mutations inside one
// window; dropping the request is safe because the flush re-reads live
// state anyway.
const requestBuffer = 1024

type request struct {
	collection persist.Collection
	id         string
}

// Options configures a Writer.
type Options struct {
	// Debounce overrides DefaultDebounce.
	Debounce time.Duration

	// Logger receives flush lifecycle and dropped-write logs. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// OnFlush, when set, observes every attempted flush with the record
	// count written. Used for telemetry.
	OnFlush func(collection persist.Collection, count int)
}

// Writer is the debounced batch writer. Create with NewWriter, start with
// Start, and stop with Close, which flushes anything still pending.
type Writer struct {
	store    *element.Store
	adapter  persist.Adapter
	debounce time.Duration
	logger   *slog.Logger
	onFlush  func(persist.Collection, int)

	requests chan request
	kick     chan chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWriter returns a Writer mirroring store into adapter.
func NewWriter(store *element.Store, adapter persist.Adapter, opts Options) *Writer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Writer{
		store:    store,
		adapter:  adapter,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "kvsync"),
		onFlush:  opts.OnFlush,
		requests: make(chan request, requestBuffer),
		kick:     make(chan chan struct{}),
	}
}

// Start launches the background flusher. It is an error to request syncs
// before Start; such requests are dropped with a warning.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true
	go w.run(ctx)
}

// Close flushes pending work and stops the flusher.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.started = false
	w.mu.Unlock()

	cancel()
	<-done
}

// RequestSync marks the element as needing persistence. The write happens
// after the collection's debounce window; repeated requests for the same id
// within the window coalesce into one record carrying the state current at
// flush time.
//
// Unless force is set, the request is discarded when no tracked field
// differs from the element's last persisted snapshot.
func (w *Writer) RequestSync(collection persist.Collection, id string, force bool) {
	if !force {
		el, err := w.store.Get(id)
		if err != nil {
			return
		}
		if !persist.Changed(persist.FromElement(el), el.LastPersisted) {
			return
		}
	}
	select {
	case w.requests <- request{collection: collection, id: id}:
	default:
		w.logger.Warn("sync request buffer full, dropping request",
			"collection", collection,
			"id", id)
	}
}

// Flush forces an immediate flush of both collections and blocks until it
// completes. Primarily useful for tests and shutdown paths.
func (w *Writer) Flush() {
	ack := make(chan struct{})
	select {
	case w.kick <- ack:
		<-ack
	default:
		// Writer not running; nothing to flush.
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	pending := map[persist.Collection]map[string]struct{}{
		persist.Categories: make(map[string]struct{}),
		persist.Products:   make(map[string]struct{}),
	}

	catTimer := newStoppedTimer()
	prodTimer := newStoppedTimer()
	defer catTimer.Stop()
	defer prodTimer.Stop()

	timerFor := func(c persist.Collection) *time.Timer {
		if c == persist.Categories {
			return catTimer
		}
		return prodTimer
	}

	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean shutdown never strands dirty state.
			w.drainRequests(pending)
			w.flush(persist.Categories, pending)
			w.flush(persist.Products, pending)
			return

		case req := <-w.requests:
			set := pending[req.collection]
			if len(set) == 0 {
				timerFor(req.collection).Reset(w.debounce)
			}
			set[req.id] = struct{}{}

		case <-catTimer.C:
			w.flush(persist.Categories, pending)

		case <-prodTimer.C:
			w.flush(persist.Products, pending)

		case ack := <-w.kick:
			w.drainRequests(pending)
			catTimer.Stop()
			prodTimer.Stop()
			w.flush(persist.Categories, pending)
			w.flush(persist.Products, pending)
			close(ack)
		}
	}
}

// drainRequests empties the request channel into the pending sets so a
// forced flush sees everything requested before it.
func (w *Writer) drainRequests(pending map[persist.Collection]map[string]struct{}) {
	for {
		select {
		case req := <-w.requests:
			pending[req.collection][req.id] = struct{}{}
		default:
			return
		}
	}
}

// flush drains one collection's pending set into a single batch upsert.
// Records are rebuilt from live store state at flush time, which is what
// makes last-writer-wins hold within the window.
func (w *Writer) flush(c persist.Collection, pending map[persist.Collection]map[string]struct{}) {
	set := pending[c]
	if len(set) == 0 {
		return
	}

	records := make([]persist.Record, 0, len(set))
	ids := make([]string, 0, len(set))
	for id := range set {
		el, err := w.store.Get(id)
		if err != nil {
			// Deleted since the request; nothing to write.
			continue
		}
		rec := persist.FromElement(el)
		persist.CoerceNumeric(rec)
		records = append(records, rec)
		ids = append(ids, id)
	}
	pending[c] = make(map[string]struct{})

	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.adapter.BatchUpsert(ctx, c, records); err != nil {
		// Dropped on purpose: in-memory state stays authoritative and the
		// next state-changing sync retries naturally.
		w.logger.Warn("batch upsert failed, dropping write",
			"collection", c,
			"records", len(records),
			"error", err)
		if w.onFlush != nil {
			w.onFlush(c, 0)
		}
		return
	}

	for i, id := range ids {
		snapshot := map[string]any(records[i])
		_ = w.store.Update(id, func(el *element.Element) {
			el.LastPersisted = snapshot
		})
	}

	w.logger.Debug("flushed collection",
		"collection", c,
		"records", len(records))
	if w.onFlush != nil {
		w.onFlush(c, len(records))
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}
