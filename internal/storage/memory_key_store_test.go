package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T, id, identity string) *APIKey {
	t.Helper()

	key, err := GenerateAPIKey()
	require.NoError(t, err)

	return &APIKey{
		ID:        id,
		Key:       key,
		Identity:  identity,
		Name:      "test key " + id,
		CreatedAt: time.Now(),
		Active:    true,
	}
}

func TestInMemoryKeyStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()

	t.Run("add and find", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		key := newTestKey(t, "k1", "alice@example.com")

		require.NoError(t, store.Add(ctx, key))

		found, ok := store.FindByKey(ctx, key.Key)
		require.True(t, ok)
		assert.Equal(t, "alice@example.com", found.Identity)

		found.Identity = "mallory@example.com"

		again, _ := store.FindByKey(ctx, key.Key)
		assert.Equal(t, "alice@example.com", again.Identity, "returned keys are copies")
	})

	t.Run("unknown key", func(t *testing.T) {
		found, ok := NewInMemoryKeyStore().FindByKey(ctx, "nope")
		assert.False(t, ok)
		assert.Nil(t, found)
	})

	t.Run("rejects invalid and duplicate keys", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		key := newTestKey(t, "k1", "alice@example.com")

		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
		assert.ErrorIs(t, store.Add(ctx, &APIKey{ID: "x", Key: key.Key}), ErrIdentityEmpty)

		require.NoError(t, store.Add(ctx, key))
		assert.ErrorIs(t, store.Add(ctx, key), ErrKeyAlreadyExists)

		sameSecret := *key
		sameSecret.ID = "k2"
		assert.ErrorIs(t, store.Add(ctx, &sameSecret), ErrKeyAlreadyExists)
	})

	t.Run("delete deactivates", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		key := newTestKey(t, "k1", "alice@example.com")
		require.NoError(t, store.Add(ctx, key))

		require.NoError(t, store.Delete(ctx, "k1"))
		assert.ErrorIs(t, store.Delete(ctx, "k1"), ErrKeyNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrKeyNotFound)

		found, ok := store.FindByKey(ctx, key.Key)
		require.True(t, ok)
		assert.False(t, found.Active)
	})

	t.Run("list by identity masks keys", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		require.NoError(t, store.Add(ctx, newTestKey(t, "a1", "alice@example.com")))
		require.NoError(t, store.Add(ctx, newTestKey(t, "a2", "alice@example.com")))
		require.NoError(t, store.Add(ctx, newTestKey(t, "b1", "bob@example.com")))
		require.NoError(t, store.Delete(ctx, "a2"))

		keys, err := store.ListByIdentity(ctx, "alice@example.com")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "a1", keys[0].ID)
		assert.Contains(t, keys[0].Key, "****")

		_, err = store.ListByIdentity(ctx, "")
		assert.ErrorIs(t, err, ErrIdentityEmpty)
	})

	t.Run("concurrent adds", func(t *testing.T) {
		store := NewInMemoryKeyStore()

		var wg sync.WaitGroup

		for i := range 20 {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				key, err := GenerateAPIKey()
				if err != nil {
					return
				}

				_ = store.Add(ctx, &APIKey{ID: fmt.Sprintf("k%d", i), Key: key, Identity: "alice@example.com", Active: true})
			}(i)
		}

		wg.Wait()

		keys, err := store.ListByIdentity(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Len(t, keys, 20)
	})
}
