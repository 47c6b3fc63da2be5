package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBadgerStore(t *testing.T) {
	ctx := context.Background()

	t.Run("in_memory_round_trip", func(t *testing.T) {
		store, err := NewBadgerStore(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		defer store.Close()

		_, err = store.Read(ctx)
		assert.ErrorIs(t, err, ErrNoSnapshot)

		require.NoError(t, store.Write(ctx, []byte("v1")))
		require.NoError(t, store.Write(ctx, []byte("v2")))
		data, err := store.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), data)
		assert.Equal(t, "badger:memory", store.Name())
	})

	t.Run("survives_reopen_on_disk", func(t *testing.T) {
		dir := t.TempDir()
		g := sampleGraph()

		store, err := NewBadgerStore(BadgerOptions{DataDir: dir, SyncWrites: true, Logger: zaptest.NewLogger(t)})
		require.NoError(t, err)
		require.NoError(t, NewPersister(g, store).Save(ctx))
		require.NoError(t, store.Close())

		reopened, err := NewBadgerStore(BadgerOptions{DataDir: dir})
		require.NoError(t, err)
		defer reopened.Close()

		restored := NewGraph()
		_, err = NewPersister(restored, reopened).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, g.Describe(), restored.Describe())
		assert.Equal(t, g.Edges(), restored.Edges())
	})
}
