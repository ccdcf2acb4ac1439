// Package tenancy provides the tenant model and the registry that maps an authenticated
// identity to its isolated PostgreSQL namespace.
//
// The package defines the Store interface it needs for persistence. The PostgreSQL
// implementation lives in internal/storage.
package tenancy

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProvisioningFailed wraps every failure to create or look up a tenant namespace.
	ErrProvisioningFailed = errors.New("tenant provisioning failed")

	// ErrInvalidIdentity is returned for an empty identity.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrTenantNotFound is returned when no tenant exists for an identity.
	ErrTenantNotFound = errors.New("tenant not found")
)

type (
	// Tenant is the registry record of one identity and its namespace.
	Tenant struct {
		Identity    string
		Namespace   string
		DisplayName string
		CreatedAt   time.Time
		Active      bool
	}

	// UploadedTable is one row of a tenant's upload log. A row exists iff the table exists.
	UploadedTable struct {
		TableName  string    `json:"table_name"`
		SourceFile string    `json:"source_file"`
		SheetName  *string   `json:"sheet_name"`
		RowCount   int64     `json:"row_count"`
		UploadedAt time.Time `json:"uploaded_at"`
	}

	// Store persists tenants and their namespaces.
	//
	// Implementations must make EnsureTenant atomic: the schema and the record are
	// created together or not at all, and concurrent calls for one identity yield a
	// single schema and a single record.
	Store interface {
		// EnsureTenant returns the existing tenant for identity or creates the namespace
		// schema and the record. An existing record is returned unchanged.
		EnsureTenant(ctx context.Context, identity, namespace, displayName string) (*Tenant, error)

		// GetTenant returns ErrTenantNotFound when identity has no record.
		GetTenant(ctx context.Context, identity string) (*Tenant, error)

		// Deactivate marks a tenant inactive. Tenants are never deleted.
		Deactivate(ctx context.Context, identity string) error

		// ListUploadedTables returns the tenant's upload log, newest first.
		ListUploadedTables(ctx context.Context, identity string) ([]UploadedTable, error)
	}
)
