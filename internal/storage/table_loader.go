package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/tablehouse-io/tablehouse/internal/ingestion"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

const maxNameAttempts = 10000

var (
	// ErrTableLoadFailed is returned when both the typed and the text load of a table fail.
	ErrTableLoadFailed = errors.New("table load failed")

	// ErrNoUniqueTableName is returned when every suffixed table name is taken.
	ErrNoUniqueTableName = errors.New("no unique table name available")

	_ ingestion.Loader = (*TableLoader)(nil)
)

// TableLoader implements ingestion.Loader on PostgreSQL.
//
// Every table is created in its own transaction together with its uploaded_tables
// row. The typed path bulk-loads with COPY; if anything in it fails the transaction
// is rolled back and the table is rebuilt with TEXT columns and row inserts.
type TableLoader struct {
	conn       *Connection
	logger     *slog.Logger
	sampleRows int
}

// NewTableLoader creates a TableLoader inferring types from sampleRows rows.
func NewTableLoader(conn *Connection, logger *slog.Logger, sampleRows int) (*TableLoader, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	if sampleRows <= 0 {
		sampleRows = ingestion.DefaultInferSampleRows
	}

	return &TableLoader{conn: conn, logger: logger, sampleRows: sampleRows}, nil
}

// LoadTable implements ingestion.Loader.
func (l *TableLoader) LoadTable(
	ctx context.Context,
	namespace, identity, name string,
	table *ingestion.Table,
	src ingestion.Source,
) (*ingestion.LoadResult, error) {
	if !tenancy.ValidNamespace(namespace) {
		return nil, fmt.Errorf("%w: invalid namespace %q", ErrTableLoadFailed, namespace)
	}

	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("%w: table has no columns", ErrTableLoadFailed)
	}

	types := ingestion.InferColumnTypes(table, l.sampleRows)

	result, primaryErr := l.loadTyped(ctx, namespace, identity, name, table, types, src)
	if primaryErr == nil {
		return result, nil
	}

	l.logger.Warn("Typed load failed, retrying with text columns",
		slog.String("namespace", namespace),
		slog.String("table", name),
		slog.String("error", primaryErr.Error()))

	result, fallbackErr := l.loadText(ctx, namespace, identity, name, table, src)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: typed load: %v; text load: %w", ErrTableLoadFailed, primaryErr, fallbackErr) //nolint:errorlint
	}

	return result, nil
}

func (l *TableLoader) loadTyped(
	ctx context.Context,
	namespace, identity, base string,
	table *ingestion.Table,
	types []ingestion.ColumnType,
	src ingestion.Source,
) (*ingestion.LoadResult, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	name, err := reserveTableName(ctx, tx, namespace, base)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, createTableSQL(namespace, name, table.Columns, types)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(namespace, name, table.Columns...))
	if err != nil {
		return nil, fmt.Errorf("failed to start copy: %w", err)
	}

	values := make([]any, len(table.Columns))

	for _, row := range table.Rows {
		for i, cell := range row[:len(table.Columns)] {
			values[i] = typedValue(cell, types[i])
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			_ = stmt.Close()

			return nil, fmt.Errorf("failed to copy row: %w", err)
		}
	}

	// An Exec without arguments flushes the COPY buffer; type errors surface here.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return nil, fmt.Errorf("failed to copy rows: %w", err)
	}

	if err := stmt.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish copy: %w", err)
	}

	rows := int64(len(table.Rows))

	if err := insertProvenance(ctx, tx, identity, namespace, name, src, rows); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &ingestion.LoadResult{TableName: name, Rows: rows}, nil
}

func (l *TableLoader) loadText(
	ctx context.Context,
	namespace, identity, base string,
	table *ingestion.Table,
	src ingestion.Source,
) (*ingestion.LoadResult, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	name, err := reserveTableName(ctx, tx, namespace, base)
	if err != nil {
		return nil, err
	}

	qualified := pq.QuoteIdentifier(namespace) + "." + pq.QuoteIdentifier(name)

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+qualified); err != nil {
		return nil, fmt.Errorf("failed to drop table: %w", err)
	}

	types := make([]ingestion.ColumnType, len(table.Columns))
	for i := range types {
		types[i] = ingestion.TypeText
	}

	if _, err := tx.ExecContext(ctx, createTableSQL(namespace, name, table.Columns, types)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertRowSQL(qualified, table.Columns))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	values := make([]any, len(table.Columns))

	for n, row := range table.Rows {
		for i, cell := range row[:len(table.Columns)] {
			values[i] = textValue(cell)
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return nil, fmt.Errorf("failed to insert row %d: %w", n+1, err)
		}
	}

	rows := int64(len(table.Rows))

	if err := insertProvenance(ctx, tx, identity, namespace, name, src, rows); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &ingestion.LoadResult{TableName: name, Rows: rows, Fallback: true}, nil
}

// reserveTableName serializes table creation within a namespace for the rest of the
// transaction and returns base, or base_1, base_2, ... if base is taken.
func reserveTableName(ctx context.Context, tx *sql.Tx, namespace, base string) (string, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`, namespace); err != nil {
		return "", fmt.Errorf("failed to lock namespace: %w", err)
	}

	for n := 0; n < maxNameAttempts; n++ {
		candidate := base
		if n > 0 {
			candidate = ingestion.WithSuffix(base, n)
		}

		var exists bool

		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = $1 AND table_name = $2
			)
		`, namespace, candidate).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("failed to check table name: %w", err)
		}

		if !exists {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoUniqueTableName, base)
}

func insertProvenance(
	ctx context.Context,
	tx *sql.Tx,
	identity, namespace, name string,
	src ingestion.Source,
	rows int64,
) error {
	var sheet sql.NullString
	if src.Sheet != "" {
		sheet = sql.NullString{String: src.Sheet, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO public.uploaded_tables (identity, namespace, table_name, source_file, sheet_name, row_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, identity, namespace, name, src.File, sheet, rows)
	if err != nil {
		return fmt.Errorf("failed to record uploaded table: %w", err)
	}

	return nil
}

func createTableSQL(namespace, name string, columns []string, types []ingestion.ColumnType) string {
	var b strings.Builder

	b.WriteString("CREATE TABLE ")
	b.WriteString(pq.QuoteIdentifier(namespace))
	b.WriteString(".")
	b.WriteString(pq.QuoteIdentifier(name))
	b.WriteString(" (")

	for i, column := range columns {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(pq.QuoteIdentifier(column))
		b.WriteString(" ")
		b.WriteString(string(types[i]))
	}

	b.WriteString(")")

	return b.String()
}

func insertRowSQL(qualified string, columns []string) string {
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))

	for i, column := range columns {
		quoted[i] = pq.QuoteIdentifier(column)
		params[i] = "$" + strconv.Itoa(i+1)
	}

	return "INSERT INTO " + qualified + " (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")"
}

func typedValue(cell string, columnType ingestion.ColumnType) any {
	if ingestion.IsNull(cell) {
		return nil
	}

	if columnType == ingestion.TypeText {
		return cell
	}

	return strings.TrimSpace(cell)
}

func textValue(cell string) any {
	if ingestion.IsNull(cell) {
		return nil
	}

	return cell
}
