package introspect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftsec/introspect/config"
	"github.com/siftsec/introspect/element"
	"github.com/siftsec/introspect/persist"
	"github.com/siftsec/introspect/search"
	"github.com/siftsec/introspect/stage"
)

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			ConcurrencyCap:    2,
			SyncDebounce:      "10ms",
			AggregateDebounce: "5ms",
		},
		Categories: []config.CategoryConfig{
			{
				ID:             "DS001AUTH",
				Name:           "Authentication",
				DetectionQuery: "tag=authentication",
				RequiredFields: []string{"src", "dest", "user", "action"},
			},
			{
				ID:             "DS004ENDPOINT",
				Name:           "Endpoint",
				DetectionQuery: "tag=endpoint",
			},
		},
		Vendors: []config.VendorRule{
			{
				Field:       "sourcetype",
				Pattern:     "^linux_secure$",
				ProductID:   "LinuxAuth",
				ProductName: "Linux Auth Logs",
				VendorName:  "Linux",
			},
		},
	}
}

// newIdleEngine builds an engine whose scheduler loops tick far too slowly
// to fire during a test, so boot state can be inspected undisturbed.
func newIdleEngine(t *testing.T, cfg *config.Config, store *persist.MemStore) (*Engine, *search.Fake) {
	t.Helper()
	fake := search.NewFake()
	e, err := New(cfg, fake, store,
		WithDispatchTick(time.Hour),
		WithReconcileTick(time.Hour))
	require.NoError(t, err)
	return e, fake
}

func TestNewValidation(t *testing.T) {
	fake := search.NewFake()
	store := persist.NewMemStore()

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, fake, store)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Categories[0].DetectionQuery = ""
		_, err := New(cfg, fake, store)
		require.Error(t, err)
		var ee *EngineError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, KindConfiguration, ee.Kind)
	})

	t.Run("missing adapters", func(t *testing.T) {
		_, err := New(testConfig(), nil, store)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		_, err = New(testConfig(), fake, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("bad vendor pattern", func(t *testing.T) {
		cfg := testConfig()
		cfg.Vendors[0].Pattern = "("
		_, err := New(cfg, fake, store)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LinuxAuth")
	})
}

func TestSessionID(t *testing.T) {
	a, _ := newIdleEngine(t, testConfig(), persist.NewMemStore())
	b, _ := newIdleEngine(t, testConfig(), persist.NewMemStore())
	assert.NotEmpty(t, a.SessionID())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestStartBootstrapsFromDurableState(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemStore()

	// A category a previous session left mid-scan.
	cat := element.NewElement("DS001AUTH")
	cat.BaseSearch = "tag=auth_old"
	cat.StageStateFor(element.StageCIM).Status = element.StatusSearching
	cat.Reconcile()
	require.NoError(t, store.BatchUpsert(ctx, persist.Categories, []persist.Record{persist.FromElement(cat)}))

	// A discovered product linked to both a live and a vanished category.
	prod := element.NewElement("LinuxAuth")
	prod.DisplayName = "Linux Linux Auth Logs"
	prod.TermSearch = `sourcetype="linux_secure"`
	prod.Identity = element.Identity{ProductID: "LinuxAuth", ProductName: "Linux Auth Logs", VendorName: "Linux"}
	prod.LinkedCategoryIDs = []string{"DS001AUTH", "DS099GONE"}
	prod.StageStateFor(element.StageEventsize).Status = element.StatusPending
	prod.Reconcile()
	require.NoError(t, store.BatchUpsert(ctx, persist.Products, []persist.Record{persist.FromElement(prod)}))

	e, _ := newIdleEngine(t, testConfig(), store)
	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Shutdown(ctx)) }()

	t.Run("stranded search demoted to pending", func(t *testing.T) {
		el, err := e.Element("DS001AUTH")
		require.NoError(t, err)
		assert.Equal(t, element.StatusPending, el.PerStage[element.StageCIM].Status)
		assert.Nil(t, el.Job)
	})

	t.Run("detection query refreshed from catalog", func(t *testing.T) {
		el, err := e.Element("DS001AUTH")
		require.NoError(t, err)
		assert.Equal(t, "tag=authentication", el.BaseSearch)
	})

	t.Run("new catalog category merged in", func(t *testing.T) {
		el, err := e.Element("DS004ENDPOINT")
		require.NoError(t, err)
		assert.Equal(t, "Endpoint", el.DisplayName)
		assert.Equal(t, element.StatusPending, el.PerStage[element.StageCIM].Status)
	})

	t.Run("vanished category link pruned", func(t *testing.T) {
		el, err := e.Element("LinuxAuth")
		require.NoError(t, err)
		assert.Equal(t, []string{"DS001AUTH"}, el.LinkedCategoryIDs)
	})

	t.Run("init element present", func(t *testing.T) {
		el, err := e.Element(stage.InitElementID)
		require.NoError(t, err)
		assert.Equal(t, element.StatusPending, el.PerStage[element.StageInit].Status)
	})

	t.Run("double start refused", func(t *testing.T) {
		assert.ErrorIs(t, e.Start(ctx), ErrAlreadyStarted)
	})
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	e, _ := newIdleEngine(t, testConfig(), persist.NewMemStore())

	assert.ErrorIs(t, e.Pause(ctx), ErrNotStarted)
	assert.ErrorIs(t, e.Resume(), ErrNotStarted)
	assert.ErrorIs(t, e.RerunIntrospection(), ErrNotStarted)
	assert.ErrorIs(t, e.Shutdown(ctx), ErrNotStarted)

	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Reset(ctx), ErrAlreadyStarted)
	require.NoError(t, e.Shutdown(ctx))
	assert.ErrorIs(t, e.Shutdown(ctx), ErrNotStarted)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemStore()
	fake := search.NewFake()
	fake.AddScript(search.Script{QueryContains: "", Hold: true})

	e, err := New(testConfig(), fake, store,
		WithDispatchTick(5*time.Millisecond),
		WithReconcileTick(5*time.Millisecond),
		WithConcurrencyCap(1))
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Shutdown(ctx)) }()

	require.Eventually(t, func() bool {
		return len(fake.Submitted) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Pause(ctx))
	assert.True(t, e.Paused())
	for _, el := range e.Elements() {
		for _, st := range el.PerStage {
			assert.NotEqual(t, element.StatusSearching, st.Status, "element %s still searching", el.ID)
		}
	}

	require.NoError(t, e.Resume())
	assert.False(t, e.Paused())
	before := len(fake.Submitted)
	assert.Eventually(t, func() bool {
		return len(fake.Submitted) > before
	}, time.Second, 5*time.Millisecond)
}

func TestReviewRouting(t *testing.T) {
	ctx := context.Background()
	e, _ := newIdleEngine(t, testConfig(), persist.NewMemStore())
	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Shutdown(ctx)) }()

	t.Run("non-review id refused", func(t *testing.T) {
		err := e.ReviewConfirm(ctx, "DS001AUTH", stage.ReviewDecision{ProductID: "X"})
		assert.ErrorIs(t, err, ErrNotReviewable)
		assert.ErrorIs(t, e.ReviewReject(ctx, "DS001AUTH"), ErrNotReviewable)
	})

	t.Run("unknown review id", func(t *testing.T) {
		err := e.ReviewConfirm(ctx, "NEEDSREVIEW_main_ghost", stage.ReviewDecision{ProductID: "X"})
		assert.ErrorIs(t, err, ErrElementNotFound)
	})
}

func TestResetWipesDurableState(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemStore()
	rec := persist.FromElement(element.NewElement("DS001AUTH"))
	require.NoError(t, store.BatchUpsert(ctx, persist.Categories, []persist.Record{rec}))

	e, _ := newIdleEngine(t, testConfig(), store)
	require.NoError(t, e.Reset(ctx))
	assert.Zero(t, store.Len(persist.Categories))
	assert.Zero(t, store.Len(persist.Products))
	assert.Empty(t, e.Elements())
}

func TestElementAccess(t *testing.T) {
	ctx := context.Background()
	e, _ := newIdleEngine(t, testConfig(), persist.NewMemStore())
	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Shutdown(ctx)) }()

	t.Run("unknown id", func(t *testing.T) {
		_, err := e.Element("nope")
		assert.ErrorIs(t, err, ErrElementNotFound)
	})

	t.Run("elements returns copies", func(t *testing.T) {
		all := e.Elements()
		require.NotEmpty(t, all)
		all[0].DisplayName = "mutated"
		fresh, err := e.Element(all[0].ID)
		require.NoError(t, err)
		assert.NotEqual(t, "mutated", fresh.DisplayName)
	})

	t.Run("stage counts cover the pipeline", func(t *testing.T) {
		counts := e.StageCounts()
		assert.Contains(t, counts, element.StageInit)
		assert.Contains(t, counts, element.StageCIM)
		// Both catalog categories pend their detection scan.
		assert.Equal(t, 2, counts[element.StageCIM].Pending)
	})
}

func TestRerunIntrospection(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemStore()

	cat := element.NewElement("DS001AUTH")
	cat.BaseSearch = "tag=authentication"
	cat.StageStateFor(element.StageCIM).Status = element.StatusSuccess
	cat.Reconcile()
	require.NoError(t, store.BatchUpsert(ctx, persist.Categories, []persist.Record{persist.FromElement(cat)}))

	e, _ := newIdleEngine(t, testConfig(), store)
	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Shutdown(ctx)) }()

	require.NoError(t, e.RerunIntrospection())

	el, err := e.Element("DS001AUTH")
	require.NoError(t, err)
	assert.Equal(t, element.StatusPending, el.PerStage[element.StageCIM].Status)
	assert.Nil(t, el.Job)
	assert.Empty(t, e.env.InitJobID())
}
