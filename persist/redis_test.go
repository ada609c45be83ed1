package persist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore creates a miniredis instance and returns a connected store.
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisOptions{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestNewRedisStore(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStore(RedisOptions{
			URL: fmt.Sprintf("redis://%s", mr.Addr()),
		})
		require.NoError(t, err)
		require.NotNil(t, store)
		defer store.Close()
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewRedisStore(RedisOptions{URL: "not-a-url"})
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewRedisStore(RedisOptions{
			URL:            "redis://127.0.0.1:1",
			ConnectTimeout: 100 * time.Millisecond,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect")
	})
}

func TestRedisStoreBatchUpsertAndListAll(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	records := []Record{
		{FieldKey: "DS001AUTH", FieldStatus: "pending"},
		{FieldKey: "DS014WEB", FieldStatus: "complete", FieldEventSize: 412.5},
	}
	require.NoError(t, store.BatchUpsert(ctx, Categories, records))

	got, err := store.ListAll(ctx, Categories)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byKey := map[string]Record{}
	for _, rec := range got {
		byKey[rec.Key()] = rec
	}
	assert.Equal(t, "pending", byKey["DS001AUTH"][FieldStatus])
	assert.Equal(t, 412.5, byKey["DS014WEB"][FieldEventSize])

	t.Run("upsert replaces", func(t *testing.T) {
		require.NoError(t, store.BatchUpsert(ctx, Categories, []Record{
			{FieldKey: "DS001AUTH", FieldStatus: "searching"},
		}))
		got, err := store.ListAll(ctx, Categories)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("collections are isolated", func(t *testing.T) {
		got, err := store.ListAll(ctx, Products)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing key rejected", func(t *testing.T) {
		err := store.BatchUpsert(ctx, Products, []Record{{FieldStatus: "x"}})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		assert.NoError(t, store.BatchUpsert(ctx, Products, nil))
	})
}

func TestRedisStoreDeleteOne(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.BatchUpsert(ctx, Products, []Record{
		{FieldKey: "NEEDSREVIEW_main_foo"},
	}))

	require.NoError(t, store.DeleteOne(ctx, Products, "NEEDSREVIEW_main_foo"))

	got, err := store.ListAll(ctx, Products)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, store.DeleteOne(ctx, Products, "NEEDSREVIEW_main_foo"), ErrNotFound)
}

func TestRedisStoreDeleteAll(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.BatchUpsert(ctx, Categories, []Record{
		{FieldKey: "DS001AUTH"},
		{FieldKey: "DS014WEB"},
	}))
	require.NoError(t, store.BatchUpsert(ctx, Products, []Record{
		{FieldKey: "LinuxAuth"},
	}))

	require.NoError(t, store.DeleteAll(ctx, Categories))

	cats, err := store.ListAll(ctx, Categories)
	require.NoError(t, err)
	assert.Empty(t, cats)

	prods, err := store.ListAll(ctx, Products)
	require.NoError(t, err)
	assert.Len(t, prods, 1)
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := NewMemStore()
		require.NoError(t, s.BatchUpsert(ctx, Products, []Record{
			{FieldKey: "LinuxAuth", FieldStatus: "analyzing"},
		}))
		rec, ok := s.Get(Products, "LinuxAuth")
		require.True(t, ok)
		assert.Equal(t, "analyzing", rec[FieldStatus])
		assert.Equal(t, 1, s.Len(Products))

		got, err := s.ListAll(ctx, Products)
		require.NoError(t, err)
		require.Len(t, got, 1)

		// Listed records are copies.
		got[0][FieldStatus] = "mutated"
		rec, _ = s.Get(Products, "LinuxAuth")
		assert.Equal(t, "analyzing", rec[FieldStatus])
	})

	t.Run("scripted failure", func(t *testing.T) {
		s := NewMemStore()
		s.FailUpserts = true
		s.FailErr = assert.AnError
		err := s.BatchUpsert(ctx, Products, []Record{{FieldKey: "x"}})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, s.Upserts)
	})

	t.Run("delete", func(t *testing.T) {
		s := NewMemStore()
		require.NoError(t, s.BatchUpsert(ctx, Categories, []Record{{FieldKey: "DS001AUTH"}}))
		require.NoError(t, s.DeleteOne(ctx, Categories, "DS001AUTH"))
		assert.ErrorIs(t, s.DeleteOne(ctx, Categories, "DS001AUTH"), ErrNotFound)
		require.NoError(t, s.DeleteAll(ctx, Categories))
	})
}

func TestCollectionFor(t *testing.T) {
	assert.Equal(t, Categories, CollectionFor(true))
	assert.Equal(t, Products, CollectionFor(false))
}
