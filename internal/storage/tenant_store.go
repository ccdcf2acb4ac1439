package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

var _ tenancy.Store = (*TenantStore)(nil)

// TenantStore implements tenancy.Store on PostgreSQL. Each tenant owns one schema;
// the registry rows live in public.tenants.
type TenantStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewTenantStore creates a TenantStore.
func NewTenantStore(conn *Connection, logger *slog.Logger) (*TenantStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TenantStore{conn: conn, logger: logger}, nil
}

// EnsureTenant implements tenancy.Store.
//
// The transaction takes an advisory lock keyed on the identity, so concurrent callers
// for one identity run one after another and the later caller sees the earlier
// caller's row. Schema creation is transactional in PostgreSQL: a failed insert
// rolls the schema back as well.
func (s *TenantStore) EnsureTenant(ctx context.Context, identity, namespace, displayName string) (*tenancy.Tenant, error) {
	if !tenancy.ValidNamespace(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, identity); err != nil {
		return nil, fmt.Errorf("failed to lock tenant: %w", err)
	}

	existing, err := scanTenant(tx.QueryRowContext(ctx, selectTenantSQL, identity))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}

		return existing, nil
	}

	if !errors.Is(err, tenancy.ErrTenantNotFound) {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(namespace)); err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", namespace, err)
	}

	var display sql.NullString
	if displayName != "" {
		display = sql.NullString{String: displayName, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenants (identity, namespace, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO NOTHING
	`, identity, namespace, display); err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	tenant, err := scanTenant(tx.QueryRowContext(ctx, selectTenantSQL, identity))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("Tenant provisioned",
		slog.String("identity", identity),
		slog.String("namespace", namespace))

	return tenant, nil
}

// GetTenant implements tenancy.Store.
func (s *TenantStore) GetTenant(ctx context.Context, identity string) (*tenancy.Tenant, error) {
	return scanTenant(s.conn.QueryRowContext(ctx, selectTenantSQL, identity))
}

// Deactivate implements tenancy.Store.
func (s *TenantStore) Deactivate(ctx context.Context, identity string) error {
	result, err := s.conn.ExecContext(ctx, `UPDATE tenants SET active = FALSE WHERE identity = $1`, identity)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return tenancy.ErrTenantNotFound
	}

	return nil
}

// ListUploadedTables implements tenancy.Store.
func (s *TenantStore) ListUploadedTables(ctx context.Context, identity string) ([]tenancy.UploadedTable, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT table_name, source_file, sheet_name, row_count, uploaded_at
		FROM uploaded_tables
		WHERE identity = $1
		ORDER BY uploaded_at DESC, id DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploaded tables: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	tables := []tenancy.UploadedTable{}

	for rows.Next() {
		var (
			table tenancy.UploadedTable
			sheet sql.NullString
		)

		if err := rows.Scan(&table.TableName, &table.SourceFile, &sheet, &table.RowCount, &table.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan uploaded table: %w", err)
		}

		if sheet.Valid {
			table.SheetName = &sheet.String
		}

		tables = append(tables, table)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tables, nil
}

const selectTenantSQL = `
	SELECT identity, namespace, display_name, created_at, active
	FROM tenants
	WHERE identity = $1
`

func scanTenant(row *sql.Row) (*tenancy.Tenant, error) {
	var (
		tenant  tenancy.Tenant
		display sql.NullString
	)

	err := row.Scan(&tenant.Identity, &tenant.Namespace, &display, &tenant.CreatedAt, &tenant.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenancy.ErrTenantNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read tenant: %w", err)
	}

	tenant.DisplayName = display.String

	return &tenant, nil
}
