package tenancy

import (
	"context"
	"fmt"
	"log/slog"
)

// Registry resolves identities to tenants, creating namespaces on first access.
// Safe for concurrent use; the alias table is immutable after construction.
type Registry struct {
	store   Store
	aliases map[string]string
	logger  *slog.Logger
}

// NewRegistry creates a Registry. cfg may be nil.
func NewRegistry(store Store, cfg *Config, logger *slog.Logger) *Registry {
	aliases := make(map[string]string)
	if cfg != nil {
		for k, v := range cfg.IdentityAliases {
			aliases[k] = v
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{store: store, aliases: aliases, logger: logger}
}

// Canonical normalizes identity and follows a single alias hop.
func (r *Registry) Canonical(identity string) string {
	normalized := NormalizeIdentity(identity)
	if canonical, ok := r.aliases[normalized]; ok {
		return canonical
	}

	return normalized
}

// NamespaceFor returns the namespace an identity maps to, without touching storage.
func (r *Registry) NamespaceFor(identity string) string {
	return ResolveNamespace(r.Canonical(identity))
}

// EnsureTenant returns the tenant for identity, provisioning its namespace if needed.
// All failures wrap ErrProvisioningFailed.
func (r *Registry) EnsureTenant(ctx context.Context, identity, displayName string) (*Tenant, error) {
	canonical := r.Canonical(identity)
	if canonical == "" {
		return nil, fmt.Errorf("%w: %w", ErrProvisioningFailed, ErrInvalidIdentity)
	}

	namespace := ResolveNamespace(canonical)

	tenant, err := r.store.EnsureTenant(ctx, canonical, namespace, displayName)
	if err != nil {
		r.logger.Error("Tenant provisioning failed",
			slog.String("identity", canonical),
			slog.String("namespace", namespace),
			slog.String("error", err.Error()))

		return nil, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	return tenant, nil
}

// GetTenant returns the tenant for identity or ErrTenantNotFound.
func (r *Registry) GetTenant(ctx context.Context, identity string) (*Tenant, error) {
	return r.store.GetTenant(ctx, r.Canonical(identity))
}

// Deactivate marks the tenant for identity inactive.
func (r *Registry) Deactivate(ctx context.Context, identity string) error {
	return r.store.Deactivate(ctx, r.Canonical(identity))
}

// ListUploadedTables returns the upload log of the tenant for identity.
func (r *Registry) ListUploadedTables(ctx context.Context, identity string) ([]UploadedTable, error) {
	return r.store.ListUploadedTables(ctx, r.Canonical(identity))
}
