package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentKeyStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := t.Context()
	conn := setupTestConnection(ctx, t)
	store := NewPersistentKeyStore(conn, nil)

	key, err := GenerateAPIKey()
	require.NoError(t, err)

	apiKey := &APIKey{
		ID:        uuid.NewString(),
		Key:       key,
		Identity:  "frank@example.com",
		Name:      "laptop",
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	require.NoError(t, store.Add(ctx, apiKey))
	require.ErrorIs(t, store.Add(ctx, apiKey), ErrKeyAlreadyExists)

	found, ok := store.FindByKey(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "frank@example.com", found.Identity)
	assert.NotEqual(t, key, found.Key, "plaintext key is never returned")

	_, ok = store.FindByKey(ctx, key[:len(key)-1]+"0")
	if key[len(key)-1] == '0' {
		_, ok = store.FindByKey(ctx, key[:len(key)-1]+"1")
	}

	assert.False(t, ok)

	var stored string
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT key_hash FROM api_keys WHERE id = $1`, apiKey.ID).Scan(&stored))
	assert.NotEqual(t, key, stored)

	keys, err := store.ListByIdentity(ctx, "frank@example.com")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "laptop", keys[0].Name)

	require.NoError(t, store.Delete(ctx, apiKey.ID))
	require.ErrorIs(t, store.Delete(ctx, apiKey.ID), ErrKeyNotFound)

	revoked, ok := store.FindByKey(ctx, key)
	require.True(t, ok)
	assert.False(t, revoked.Active)

	keys, err = store.ListByIdentity(ctx, "frank@example.com")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
