// Package storage provides the PostgreSQL and filesystem implementations of the
// tenancy, ingestion and jobs interfaces, and API key storage.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// APIKeyPrefix starts every generated key.
	APIKeyPrefix = "tablehouse_ak_"

	randomBytesSize = 32
	apiKeyLength    = len(APIKeyPrefix) + 2*randomBytesSize // 78
	lookupPrefixLen = len(APIKeyPrefix) + 8                 // indexed, not secret enough to matter
	maskPrefixLen   = 18
	maskSuffixLen   = 4
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrIdentityEmpty is returned when a key is created without an owning identity.
	ErrIdentityEmpty = errors.New("identity cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

type (
	// APIKey authenticates requests on behalf of one identity.
	APIKey struct {
		ID        string     `json:"id"`
		Key       string     `json:"key"`
		Identity  string     `json:"identity"`
		Name      string     `json:"name"`
		CreatedAt time.Time  `json:"createdAt"`
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
		Active    bool       `json:"active"`
	}

	// APIKeyStore stores API keys. FindByKey also returns inactive and expired keys
	// so callers can report why authentication failed.
	APIKeyStore interface {
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
		Add(ctx context.Context, apiKey *APIKey) error
		Delete(ctx context.Context, keyID string) error
		ListByIdentity(ctx context.Context, identity string) ([]*APIKey, error)
	}
)

// Usable reports whether the key is active and not expired at now.
func (ak *APIKey) Usable(now time.Time) bool {
	return ak.Active && (ak.ExpiresAt == nil || now.Before(*ak.ExpiresAt))
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Keep the work proportional to len(a) even on a length mismatch.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for logging, keeping only a short prefix and suffix of
// standard-length keys.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength {
		return key[:maskPrefixLen] + strings.Repeat("*", keyLen-maskPrefixLen-maskSuffixLen) + key[keyLen-maskSuffixLen:]
	}

	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new random key: APIKeyPrefix followed by 64 hex characters.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey checks the format of a key taken from a request header.
// A leading "Bearer " is removed.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, APIKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}

// lookupPrefix is the indexed part of a key used to narrow bcrypt comparisons.
func lookupPrefix(key string) string {
	if len(key) < lookupPrefixLen {
		return key
	}

	return key[:lookupPrefixLen]
}
