package introspect

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/siftsec/introspect/config"
	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/kvsync"
	"github.com/siftsec/introspect/matcher"
	"github.com/siftsec/introspect/persist"
	"github.com/siftsec/introspect/sched"
	"github.com/siftsec/introspect/search"
	"github.com/siftsec/introspect/stage"
	"github.com/siftsec/introspect/telemetry"
)

// Callbacks is the presentation surface. The engine never assumes a
// rendering technology; hosts translate these into table rows, banners and
// the play/pause control. All callbacks are optional.
type Callbacks struct {
	// OnElementRow fires once per materialized (stage, element) row.
	OnElementRow func(stage element.StageName, id string, status element.Status, query, displayName string)

	// OnElementStatus fires when an element's derived status changes.
	OnElementStatus func(stage element.StageName, id string, status element.Status)

	// OnAggregate fires when the debounced summary changes.
	OnAggregate func(Summary)
}

// Engine is one introspection session.
type Engine struct {
	session  string
	cfg      config.EngineConfig
	catalog  map[string]config.CategoryConfig
	logger   *slog.Logger
	emitter  *telemetry.Emitter
	store    *element.Store
	table    *matcher.Table
	persist  persist.Adapter
	writer   *kvsync.Writer
	env      *stage.Env
	registry *stage.Registry
	sched    *sched.Scheduler
	agg      *aggregator

	started bool
}

// New assembles an engine from its configuration and the two external
// service adapters. The engine does nothing until Start.
func New(cfg *config.Config, searchAdapter search.Adapter, persistAdapter persist.Adapter, opts ...Option) (*Engine, error) {
	const op = "Engine.New"
	if cfg == nil {
		return nil, newError(op, KindConfiguration, ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(op, KindConfiguration, err)
	}
	if searchAdapter == nil || persistAdapter == nil {
		return nil, newError(op, KindConfiguration, fmt.Errorf("%w: both adapters are required", ErrInvalidConfig))
	}

	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()
	logger = logger.With("component", "introspect", "session", sessionID)

	engineCfg := cfg.Engine
	if options.concurrencyCap > 0 {
		engineCfg.ConcurrencyCap = options.concurrencyCap
	}
	if options.dispatchTick > 0 {
		engineCfg.DispatchTick = options.dispatchTick.String()
	}
	if options.reconcileTick > 0 {
		engineCfg.ReconcileTick = options.reconcileTick.String()
	}
	if options.syncDebounce > 0 {
		engineCfg.SyncDebounce = options.syncDebounce.String()
	}
	if options.aggregateDebounce > 0 {
		engineCfg.AggregateDebounce = options.aggregateDebounce.String()
	}

	emitter, err := telemetry.NewEmitter(options.meterProvider)
	if err != nil {
		return nil, newError(op, KindInternal, err)
	}

	table := matcher.NewTable()
	for _, rule := range cfg.Vendors {
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, newError(op, KindConfiguration,
				fmt.Errorf("vendor rule %s: %w", rule.ProductID, err))
		}
		table.Add(matcher.Rule{
			Field:       rule.Field,
			Pattern:     pattern,
			ProductID:   rule.ProductID,
			ProductName: rule.ProductName,
			VendorName:  rule.VendorName,
		})
	}

	catalog := make(map[string]config.CategoryConfig, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		catalog[cat.ID] = cat
	}

	store := element.NewStore()

	e := &Engine{
		session: sessionID,
		cfg:     engineCfg,
		catalog: catalog,
		logger:  logger,
		emitter: emitter,
		store:   store,
		table:   table,
		persist: persistAdapter,
	}

	e.writer = kvsync.NewWriter(store, persistAdapter, kvsync.Options{
		Debounce: engineCfg.GetSyncDebounce(),
		Logger:   logger,
		OnFlush: func(c persist.Collection, n int) {
			emitter.SyncFlush(context.Background(), string(c), n)
		},
	})

	e.env = &stage.Env{
		Store:   store,
		Search:  searchAdapter,
		Matcher: table,
		Logger:  logger,
		Emitter: emitter,
		Cfg:     engineCfg,
		Catalog: catalog,
		Callbacks: stage.Callbacks{
			OnElementRow:    options.callbacks.OnElementRow,
			OnElementStatus: options.callbacks.OnElementStatus,
		},
		Sync: func(id string) {
			e.writer.RequestSync(collectionFor(id), id, false)
		},
		DeleteElement: e.deleteElement,
	}
	e.registry = stage.NewRegistry(e.env)
	e.sched = sched.New(e.env, e.registry)
	e.agg = newAggregator(e.registry, emitter, engineCfg.GetAggregateDebounce(), options.callbacks.OnAggregate)
	e.env.Dirty = e.agg.Dirty

	return e, nil
}

// collectionFor maps an element id to its persisted collection. The init
// scan element rides in the categories collection.
func collectionFor(id string) persist.Collection {
	if id == stage.InitElementID || element.IsCategoryID(id) {
		return persist.Categories
	}
	return persist.Products
}

// Start boots the session: durable records are loaded and merged with the
// static catalog, tracked rows are materialized, and the scheduler loops
// begin. Durable records win over the catalog for known ids; searches left
// searching by a dead session are demoted to pending so they re-dispatch.
func (e *Engine) Start(ctx context.Context) error {
	const op = "Engine.Start"
	if e.started {
		return newError(op, KindValidation, ErrAlreadyStarted)
	}

	if err := e.loadCollection(ctx, persist.Categories); err != nil {
		return newError(op, KindPersistence, err)
	}
	if err := e.loadCollection(ctx, persist.Products); err != nil {
		return newError(op, KindPersistence, err)
	}
	e.pruneStaleLinks()
	e.mergeCatalog()
	e.ensureInitElement()
	e.seedDynamicRules()

	if err := e.materializeRows(ctx); err != nil {
		return newError(op, KindExecution, err)
	}

	e.writer.Start(ctx)
	e.sched.Run(ctx)
	e.agg.Dirty()
	e.started = true

	e.logger.Info("introspection session started",
		"elements", e.store.Len(),
		"categories", len(e.catalog),
		"concurrency_cap", e.cfg.GetConcurrencyCap())
	return nil
}

func (e *Engine) loadCollection(ctx context.Context, c persist.Collection) error {
	records, err := e.persist.ListAll(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", c, err)
	}
	for _, rec := range records {
		el, err := persist.ToElement(rec)
		if err != nil {
			e.logger.Warn("skipping unreadable record", "collection", c, "error", err)
			continue
		}
		// A search left running by a previous session is gone; requeue it.
		for _, st := range el.PerStage {
			if st.Status == element.StatusSearching {
				st.Demote()
			}
		}
		el.Job = nil
		el.Stage, el.Status = element.Derive(el.PerStage)
		if err := e.store.Insert(el); err != nil {
			e.logger.Warn("skipping duplicate record", "collection", c, "id", el.ID, "error", err)
		}
	}
	return nil
}

// pruneStaleLinks drops linked category ids whose category no longer
// exists in either the durable store or the catalog.
func (e *Engine) pruneStaleLinks() {
	for _, el := range e.store.All() {
		if element.IsCategoryID(el.ID) {
			continue
		}
		var kept []string
		for _, id := range el.LinkedCategoryIDs {
			if !element.IsCategoryID(id) {
				kept = append(kept, id)
				continue
			}
			if _, ok := e.catalog[id]; ok || e.store.Has(id) {
				kept = append(kept, id)
			}
		}
		if len(kept) != len(el.LinkedCategoryIDs) {
			pruned := len(el.LinkedCategoryIDs) - len(kept)
			_ = e.store.Update(el.ID, func(el *element.Element) {
				el.LinkedCategoryIDs = kept
			})
			e.logger.Info("pruned stale category links", "id", el.ID, "pruned", pruned)
		}
	}
}

// mergeCatalog introduces catalog categories the durable store did not
// already carry.
func (e *Engine) mergeCatalog() {
	for id, cat := range e.catalog {
		if e.store.Has(id) {
			// Durable copy wins; refresh the detection query only.
			detection := cat.DetectionQuery
			_ = e.store.Update(id, func(el *element.Element) {
				el.BaseSearch = detection
			})
			continue
		}
		el := element.NewElement(id)
		el.DisplayName = cat.Name
		el.BaseSearch = cat.DetectionQuery
		el.StageStateFor(element.StageCIM).Status = element.StatusPending
		el.Reconcile()
		if err := e.store.Insert(el); err != nil {
			e.logger.Warn("catalog merge failed", "id", id, "error", err)
		}
	}
}

func (e *Engine) ensureInitElement() {
	if e.store.Has(stage.InitElementID) {
		return
	}
	el := element.NewElement(stage.InitElementID)
	el.DisplayName = "Data source scan"
	el.StageStateFor(element.StageInit).Status = element.StatusPending
	el.Reconcile()
	_ = e.store.Insert(el)
}

// seedDynamicRules teaches the matcher every known product's narrowed
// terms, after the static rules so catalog rules keep precedence.
func (e *Engine) seedDynamicRules() {
	for _, el := range e.store.All() {
		if element.IsCategoryID(el.ID) || el.ID == stage.InitElementID {
			continue
		}
		if el.TermSearch != "" && !el.Identity.IsZero() {
			e.table.AddFromTermSearch(el.TermSearch, el.Identity)
		}
	}
}

// materializeRows runs Load for every (element, relevant stage) pair that
// already has state, so reloaded sessions repopulate their rows.
func (e *Engine) materializeRows(ctx context.Context) error {
	for _, el := range e.store.All() {
		for _, s := range e.registry.RelevantTo(el.ID) {
			if _, ok := el.PerStage[s.Name()]; !ok {
				continue
			}
			if err := s.Load(ctx, el.ID); err != nil {
				return fmt.Errorf("load %s/%s: %w", s.Name(), el.ID, err)
			}
		}
	}
	return nil
}

// Pause cancels all in-flight searches and suspends admission. Work
// returns to pending and re-dispatches after Resume.
func (e *Engine) Pause(ctx context.Context) error {
	if !e.started {
		return newError("Engine.Pause", KindValidation, ErrNotStarted)
	}
	e.sched.Pause(ctx)
	e.agg.Dirty()
	e.logger.Info("introspection paused")
	return nil
}

// Resume re-enables admission after Pause.
func (e *Engine) Resume() error {
	if !e.started {
		return newError("Engine.Resume", KindValidation, ErrNotStarted)
	}
	e.sched.Resume()
	e.agg.Dirty()
	e.logger.Info("introspection resumed")
	return nil
}

// Paused reports whether admission is suspended.
func (e *Engine) Paused() bool { return e.sched.Paused() }

// RerunIntrospection resets every non-review stage back to pending so the
// whole pass runs again. Failed stages never retry on their own; this is
// the one recovery path.
func (e *Engine) RerunIntrospection() error {
	if !e.started {
		return newError("Engine.RerunIntrospection", KindValidation, ErrNotStarted)
	}
	for _, snapshot := range e.store.All() {
		id := snapshot.ID
		touched := false
		_ = e.store.Update(id, func(el *element.Element) {
			for name, st := range el.PerStage {
				if name == element.StageReview {
					continue
				}
				if st.Status != element.StatusPending {
					st.Demote()
					st.Rows = nil
					st.Message = ""
					touched = true
				}
			}
			el.Job = nil
			if touched {
				el.Reconcile()
			}
		})
		if touched {
			e.writer.RequestSync(collectionFor(id), id, true)
		}
	}
	e.env.SetInitJobID("")
	e.agg.resetCompletion()
	e.agg.Dirty()
	e.logger.Info("introspection re-run requested")
	return nil
}

// ReviewConfirm finalizes a synthesized product with the reviewer's
// decision and advances it into the eventsize stage.
func (e *Engine) ReviewConfirm(ctx context.Context, id string, decision stage.ReviewDecision) error {
	const op = "Engine.ReviewConfirm"
	if !element.IsReviewID(id) {
		return newError(op, KindValidation, ErrNotReviewable).WithContext(map[string]any{"id": id})
	}
	if !e.store.Has(id) {
		return newError(op, KindNotFound, ErrElementNotFound).WithContext(map[string]any{"id": id})
	}
	if err := e.registry.Review().Confirm(ctx, id, decision); err != nil {
		return newError(op, KindExecution, err)
	}
	return nil
}

// ReviewReject deletes a synthesized product from the session and from the
// durable store. The only flow that ever deletes elements.
func (e *Engine) ReviewReject(ctx context.Context, id string) error {
	const op = "Engine.ReviewReject"
	if !element.IsReviewID(id) {
		return newError(op, KindValidation, ErrNotReviewable).WithContext(map[string]any{"id": id})
	}
	if err := e.registry.Review().Cancel(ctx, id); err != nil {
		return newError(op, KindExecution, err)
	}
	return nil
}

func (e *Engine) deleteElement(ctx context.Context, id string) error {
	if err := e.store.Delete(id); err != nil {
		return err
	}
	if err := e.persist.DeleteOne(ctx, collectionFor(id), id); err != nil && err != persist.ErrNotFound {
		return err
	}
	e.agg.Dirty()
	return nil
}

// SessionID returns this engine's unique session identifier, present on
// every log line the engine writes.
func (e *Engine) SessionID() string { return e.session }

// Element returns a copy of one element.
func (e *Engine) Element(id string) (*element.Element, error) {
	el, err := e.store.Get(id)
	if err != nil {
		return nil, newError("Engine.Element", KindNotFound, ErrElementNotFound).WithContext(map[string]any{"id": id})
	}
	return el, nil
}

// Elements returns copies of every tracked element, ordered by id.
func (e *Engine) Elements() []*element.Element { return e.store.All() }

// StageCounts returns display counts per stage.
func (e *Engine) StageCounts() map[element.StageName]stage.Counts {
	out := make(map[element.StageName]stage.Counts)
	for _, s := range e.registry.Ordered() {
		out[s.Name()] = s.Status()
	}
	return out
}

// Summary returns the last computed aggregate summary.
func (e *Engine) Summary() Summary { return e.agg.Current() }

// Reset wipes both durable collections and the in-memory store for a full
// inventory restart. The engine must be shut down first.
func (e *Engine) Reset(ctx context.Context) error {
	const op = "Engine.Reset"
	if e.started {
		return newError(op, KindValidation, fmt.Errorf("%w: shut down before reset", ErrAlreadyStarted))
	}
	for _, c := range []persist.Collection{persist.Categories, persist.Products} {
		if err := e.persist.DeleteAll(ctx, c); err != nil {
			return newError(op, KindPersistence, err)
		}
	}
	for _, id := range e.store.IDs() {
		_ = e.store.Delete(id)
	}
	return nil
}

// Shutdown stops the loops and flushes pending persistence work.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.started {
		return newError("Engine.Shutdown", KindValidation, ErrNotStarted)
	}
	e.sched.Stop()
	e.agg.close()
	e.writer.Close()
	e.started = false
	e.logger.Info("introspection session stopped")
	return nil
}
