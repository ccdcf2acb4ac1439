package storage

import (
	"context"
	"sync"
)

var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore is a thread-safe APIKeyStore for development and tests.
// Keys are held in plaintext.
type InMemoryKeyStore struct {
	// keys maps key strings to APIKey structs for fast lookup
	keys map[string]*APIKey
	// keysByID maps key IDs to APIKey structs for ID-based operations
	keysByID map[string]*APIKey
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:     make(map[string]*APIKey),
		keysByID: make(map[string]*APIKey),
	}
}

// FindByKey implements APIKeyStore.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	keyCopy := *apiKey

	return &keyCopy, true
}

// Add implements APIKeyStore.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.Identity == "" {
		return ErrIdentityEmpty
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	keyCopy := *apiKey

	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	return nil
}

// Delete implements APIKeyStore. The key stays findable but inactive, matching the
// persistent store's soft delete.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existingKey, exists := s.keysByID[keyID]
	if !exists || !existingKey.Active {
		return ErrKeyNotFound
	}

	existingKey.Active = false

	return nil
}

// ListByIdentity implements APIKeyStore. Only active keys are returned.
func (s *InMemoryKeyStore) ListByIdentity(_ context.Context, identity string) ([]*APIKey, error) {
	if identity == "" {
		return nil, ErrIdentityEmpty
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := []*APIKey{}

	for _, key := range s.keysByID {
		if key.Identity == identity && key.Active {
			keyCopy := *key
			keyCopy.Key = MaskKey(keyCopy.Key)
			result = append(result, &keyCopy)
		}
	}

	return result, nil
}
