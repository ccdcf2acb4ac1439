package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	calls   int
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tenants: make(map[string]*Tenant)}
}

func (s *fakeStore) EnsureTenant(_ context.Context, identity, namespace, displayName string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	if s.err != nil {
		return nil, s.err
	}

	if tenant, ok := s.tenants[identity]; ok {
		return tenant, nil
	}

	tenant := &Tenant{
		Identity:    identity,
		Namespace:   namespace,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		Active:      true,
	}
	s.tenants[identity] = tenant

	return tenant, nil
}

func (s *fakeStore) GetTenant(_ context.Context, identity string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenants[identity]
	if !ok {
		return nil, ErrTenantNotFound
	}

	return tenant, nil
}

func (s *fakeStore) Deactivate(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenants[identity]
	if !ok {
		return ErrTenantNotFound
	}

	tenant.Active = false

	return nil
}

func (s *fakeStore) ListUploadedTables(context.Context, string) ([]UploadedTable, error) {
	return nil, nil
}

func TestRegistry_EnsureTenant(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	registry := NewRegistry(store, nil, nil)
	ctx := context.Background()

	first, err := registry.EnsureTenant(ctx, " Alice@Example.com", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", first.Identity)
	assert.Equal(t, ResolveNamespace("alice@example.com"), first.Namespace)

	second, err := registry.EnsureTenant(ctx, "alice@example.com", "Someone else")
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing tenant must be returned unchanged")
}

func TestRegistry_EnsureTenant_Aliases(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{IdentityAliases: map[string]string{"alice.work@corp.com": "alice@example.com"}}
	registry := NewRegistry(newFakeStore(), cfg, nil)

	tenant, err := registry.EnsureTenant(context.Background(), "Alice.Work@corp.com", "")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", tenant.Identity)
	assert.Equal(t, registry.NamespaceFor("alice@example.com"), tenant.Namespace)
}

func TestRegistry_EnsureTenant_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeStore()
	registry := NewRegistry(store, nil, nil)

	_, err := registry.EnsureTenant(context.Background(), "   ", "")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	require.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Zero(t, store.calls, "store must not be called for an empty identity")

	storeErr := errors.New("connection refused")
	store.err = storeErr

	_, err = registry.EnsureTenant(context.Background(), "bob@example.com", "")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	assert.ErrorIs(t, err, storeErr)
}

func TestRegistry_Deactivate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	registry := NewRegistry(newFakeStore(), nil, nil)
	ctx := context.Background()

	_, err := registry.EnsureTenant(ctx, "carol@example.com", "")
	require.NoError(t, err)

	require.NoError(t, registry.Deactivate(ctx, "CAROL@example.com"))

	tenant, err := registry.GetTenant(ctx, "carol@example.com")
	require.NoError(t, err)
	assert.False(t, tenant.Active)

	again, err := registry.EnsureTenant(ctx, "carol@example.com", "")
	require.NoError(t, err)
	assert.False(t, again.Active, "deactivated tenant is returned unchanged")

	assert.ErrorIs(t, registry.Deactivate(ctx, "nobody@example.com"), ErrTenantNotFound)
}
