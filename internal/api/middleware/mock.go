package middleware

import (
	"context"

	"github.com/tablehouse-io/tablehouse/internal/storage"
)

var _ storage.APIKeyStore = (*MockAPIKeyStore)(nil)

// MockAPIKeyStore is a storage.APIKeyStore whose behaviour is set per test.
// Unset functions report "not found" or succeed.
type MockAPIKeyStore struct {
	FindByKeyFunc      func(ctx context.Context, key string) (*storage.APIKey, bool)
	AddFunc            func(ctx context.Context, apiKey *storage.APIKey) error
	DeleteFunc         func(ctx context.Context, keyID string) error
	ListByIdentityFunc func(ctx context.Context, identity string) ([]*storage.APIKey, error)
}

// FindByKey implements storage.APIKeyStore.
func (m *MockAPIKeyStore) FindByKey(ctx context.Context, key string) (*storage.APIKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.APIKeyStore.
func (m *MockAPIKeyStore) Add(ctx context.Context, apiKey *storage.APIKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, apiKey)
	}

	return nil
}

// Delete implements storage.APIKeyStore.
func (m *MockAPIKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByIdentity implements storage.APIKeyStore.
func (m *MockAPIKeyStore) ListByIdentity(ctx context.Context, identity string) ([]*storage.APIKey, error) {
	if m.ListByIdentityFunc != nil {
		return m.ListByIdentityFunc(ctx, identity)
	}

	return []*storage.APIKey{}, nil
}
