package storage

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablehouse-io/tablehouse/internal/ingestion"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

func provisionTestTenant(t *testing.T, conn *Connection, identity string) string {
	t.Helper()

	store, err := NewTenantStore(conn, nil)
	require.NoError(t, err)

	tenant, err := store.EnsureTenant(t.Context(), identity, tenancy.ResolveNamespace(identity), "")
	require.NoError(t, err)

	return tenant.Namespace
}

func countRows(t *testing.T, conn *Connection, namespace, table string) int {
	t.Helper()

	var n int

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", pq.QuoteIdentifier(namespace), pq.QuoteIdentifier(table))
	require.NoError(t, conn.QueryRowContext(t.Context(), query).Scan(&n))

	return n
}

func TestTableLoader_TypedLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := t.Context()
	conn := setupTestConnection(ctx, t)
	identity := "carol@example.com"
	namespace := provisionTestTenant(t, conn, identity)

	loader, err := NewTableLoader(conn, nil, 0)
	require.NoError(t, err)

	table := &ingestion.Table{
		Columns: []string{"id", "price", "active", "name"},
		Rows: [][]string{
			{"1", "9.5", "true", "widget"},
			{"2", "", "false", "gadget"},
		},
	}

	result, err := loader.LoadTable(ctx, namespace, identity, "sales", table, ingestion.Source{File: "sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, "sales", result.TableName)
	assert.EqualValues(t, 2, result.Rows)
	assert.False(t, result.Fallback)

	var dataType string
	require.NoError(t, conn.QueryRowContext(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = 'sales' AND column_name = 'id'
	`, namespace).Scan(&dataType))
	assert.Equal(t, "bigint", dataType)

	var nulls int
	require.NoError(t, conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s.sales WHERE price IS NULL", pq.QuoteIdentifier(namespace))).Scan(&nulls))
	assert.Equal(t, 1, nulls)

	store, err := NewTenantStore(conn, nil)
	require.NoError(t, err)

	uploaded, err := store.ListUploadedTables(ctx, identity)
	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.Equal(t, "sales", uploaded[0].TableName)
	assert.Equal(t, "sales.csv", uploaded[0].SourceFile)
	assert.Nil(t, uploaded[0].SheetName)
}

func TestTableLoader_DuplicateNamesAreDisambiguated(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := t.Context()
	conn := setupTestConnection(ctx, t)
	identity := "dave@example.com"
	namespace := provisionTestTenant(t, conn, identity)

	loader, err := NewTableLoader(conn, nil, 0)
	require.NoError(t, err)

	first := &ingestion.Table{Columns: []string{"a"}, Rows: [][]string{{"1"}, {"2"}}}
	second := &ingestion.Table{Columns: []string{"b"}, Rows: [][]string{{"x"}, {"y"}, {"z"}}}

	r1, err := loader.LoadTable(ctx, namespace, identity, "report", first, ingestion.Source{File: "report.csv"})
	require.NoError(t, err)

	r2, err := loader.LoadTable(ctx, namespace, identity, "report", second, ingestion.Source{File: "report.csv"})
	require.NoError(t, err)

	assert.Equal(t, "report", r1.TableName)
	assert.Equal(t, "report_1", r2.TableName)

	assert.Equal(t, 2, countRows(t, conn, namespace, "report"))
	assert.Equal(t, 3, countRows(t, conn, namespace, "report_1"))
}

func TestTableLoader_FallsBackToTextColumns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := t.Context()
	conn := setupTestConnection(ctx, t)
	identity := "erin@example.com"
	namespace := provisionTestTenant(t, conn, identity)

	// Inference only sees the first two rows, so "qty" looks like BIGINT.
	loader, err := NewTableLoader(conn, nil, 2)
	require.NoError(t, err)

	table := &ingestion.Table{
		Columns: []string{"qty", "note"},
		Rows: [][]string{
			{"1", "first"},
			{"2", "second"},
			{"three", "third"},
			{"", "nan"},
		},
	}

	result, err := loader.LoadTable(ctx, namespace, identity, "mixed", table, ingestion.Source{File: "mixed.csv"})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, "mixed", result.TableName)
	assert.EqualValues(t, 4, result.Rows)

	var cells, nonNull int
	require.NoError(t, conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) * 2, COUNT(qty) + COUNT(note) FROM %s.mixed", pq.QuoteIdentifier(namespace),
	)).Scan(&cells, &nonNull))
	assert.Equal(t, 8, cells)
	assert.Equal(t, 6, nonNull, "empty and nan cells are stored as NULL")

	var dataType string
	require.NoError(t, conn.QueryRowContext(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = 'mixed' AND column_name = 'qty'
	`, namespace).Scan(&dataType))
	assert.Equal(t, "text", dataType)

	store, err := NewTenantStore(conn, nil)
	require.NoError(t, err)

	uploaded, err := store.ListUploadedTables(ctx, identity)
	require.NoError(t, err)
	assert.Len(t, uploaded, 1, "the failed typed attempt leaves no provenance row")
}
