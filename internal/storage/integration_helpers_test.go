package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/tablehouse-io/tablehouse/internal/config"
)

// setupTestConnection starts a migrated PostgreSQL container and returns a pooled
// connection to it. Both are released when the test ends.
func setupTestConnection(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := NewConnection(NewConfig(testDB.URL)) //nolint:contextcheck
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return conn
}
