package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// PersistentKeyStore is the PostgreSQL APIKeyStore. Only bcrypt hashes are stored;
// the indexed key_prefix narrows each lookup to a handful of hash comparisons.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a key store on an open connection.
func NewPersistentKeyStore(conn *Connection, logger *slog.Logger) *PersistentKeyStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PersistentKeyStore{conn: conn, logger: logger}
}

// FindByKey implements APIKeyStore. The returned key is masked.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, identity, name, created_at, expires_at, active
		FROM api_keys
		WHERE key_prefix = $1
		ORDER BY active DESC, created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, lookupPrefix(key))
	if err != nil {
		s.logger.Error("failed to query API keys",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var (
			apiKey  APIKey
			keyHash string
		)

		if err := rows.Scan(
			&apiKey.ID,
			&keyHash,
			&apiKey.Identity,
			&apiKey.Name,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		); err != nil {
			continue
		}

		if CompareAPIKeyHash(keyHash, key) {
			apiKey.Key = MaskKey(key)

			return &apiKey, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find key",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()),
		)
	}

	return nil, false
}

// Add implements APIKeyStore. The plaintext key is hashed before it is written.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.Identity == "" {
		return ErrIdentityEmpty
	}

	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (id, key_prefix, key_hash, identity, name, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(ctx, query,
		apiKey.ID,
		lookupPrefix(apiKey.Key),
		keyHash,
		apiKey.Identity,
		apiKey.Name,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyAlreadyExists
		}

		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.logger.Info("API key created",
		slog.String("key_id", apiKey.ID),
		slog.String("identity", apiKey.Identity),
		slog.String("key", MaskKey(apiKey.Key)),
	)

	return nil
}

// Delete implements APIKeyStore as a soft delete.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1 AND active`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.logger.Info("API key revoked", slog.String("key_id", keyID))

	return nil
}

// ListByIdentity implements APIKeyStore. Keys carry no secret material: only the
// lookup prefix is returned in the Key field.
func (s *PersistentKeyStore) ListByIdentity(ctx context.Context, identity string) ([]*APIKey, error) {
	if identity == "" {
		return nil, ErrIdentityEmpty
	}

	query := `
		SELECT id, key_prefix, identity, name, created_at, expires_at, active
		FROM api_keys
		WHERE identity = $1 AND active
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*APIKey{}

	for rows.Next() {
		var (
			apiKey APIKey
			prefix sql.NullString
		)

		if err := rows.Scan(
			&apiKey.ID,
			&prefix,
			&apiKey.Identity,
			&apiKey.Name,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}

		apiKey.Key = prefix.String + "..."
		keys = append(keys, &apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}
