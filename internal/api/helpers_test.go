package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablehouse-io/tablehouse/internal/api/middleware"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/storage"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

const (
	adaKey = "tablehouse_ak_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // pragma: allowlist secret
	bobKey = "tablehouse_ak_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" // pragma: allowlist secret
)

// memTenantStore is an in-memory tenancy.Store.
type memTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*tenancy.Tenant
	tables  map[string][]tenancy.UploadedTable
	err     error
}

func newMemTenantStore() *memTenantStore {
	return &memTenantStore{
		tenants: make(map[string]*tenancy.Tenant),
		tables:  make(map[string][]tenancy.UploadedTable),
	}
}

func (s *memTenantStore) EnsureTenant(_ context.Context, identity, namespace, displayName string) (*tenancy.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	if tenant, ok := s.tenants[identity]; ok {
		copied := *tenant

		return &copied, nil
	}

	tenant := &tenancy.Tenant{
		Identity:    identity,
		Namespace:   namespace,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		Active:      true,
	}
	s.tenants[identity] = tenant

	copied := *tenant

	return &copied, nil
}

func (s *memTenantStore) GetTenant(_ context.Context, identity string) (*tenancy.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenants[identity]
	if !ok {
		return nil, tenancy.ErrTenantNotFound
	}

	copied := *tenant

	return &copied, nil
}

func (s *memTenantStore) Deactivate(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenants[identity]
	if !ok {
		return tenancy.ErrTenantNotFound
	}

	tenant.Active = false

	return nil
}

func (s *memTenantStore) ListUploadedTables(_ context.Context, identity string) ([]tenancy.UploadedTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tables[identity], nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []jobs.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event jobs.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return p.err
}

func (p *recordingPublisher) recorded() []jobs.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]jobs.Event(nil), p.events...)
}

type apiFixture struct {
	tenants    *memTenantStore
	registry   *tenancy.Registry
	queue      *storage.FileQueue
	publisher  *recordingPublisher
	stagingDir string
	service    *UploadService
	server     *Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServerConfig(stagingDir string) *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Minute,
		WriteTimeout:    time.Minute,
		ShutdownTimeout: 5 * time.Second,
		MaxUploadSize:   1 << 20,
		MaxFiles:        5,
		StagingDir:      stagingDir,
	}
}

// newAPIFixture wires a server over an in-memory tenant store, a filesystem queue
// and two API keys: adaKey for ada@example.com and bobKey for bob@example.com.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	root := t.TempDir()

	queue, err := storage.NewFileQueue(filepath.Join(root, "queue"), discardLogger())
	require.NoError(t, err)

	keys := storage.NewInMemoryKeyStore()
	require.NoError(t, keys.Add(t.Context(), &storage.APIKey{
		ID: "key-ada", Key: adaKey, Identity: "ada@example.com", Active: true,
	}))
	require.NoError(t, keys.Add(t.Context(), &storage.APIKey{
		ID: "key-bob", Key: bobKey, Identity: "bob@example.com", Active: true,
	}))

	tenants := newMemTenantStore()
	registry := tenancy.NewRegistry(tenants, &tenancy.Config{
		IdentityAliases: map[string]string{"ada.lovelace@example.com": "ada@example.com"},
	}, discardLogger())
	publisher := &recordingPublisher{}
	stagingDir := filepath.Join(root, "staging")
	cfg := newTestServerConfig(stagingDir)

	service := NewUploadService(registry, queue, publisher, stagingDir, cfg.MaxFiles, discardLogger())

	server := NewServer(cfg, Dependencies{
		Uploads:     service,
		APIKeyStore: keys,
		Health:      queue,
		Logger:      discardLogger(),
	})

	return &apiFixture{
		tenants:    tenants,
		registry:   registry,
		queue:      queue,
		publisher:  publisher,
		stagingDir: stagingDir,
		service:    service,
		server:     server,
	}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

// multipartBody builds a multipart form with one "files" part per name.
func multipartBody(t *testing.T, files map[string]string, order ...string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	for _, name := range order {
		part, err := writer.CreateFormFile(uploadFormField, name)
		require.NoError(t, err)

		_, err = part.Write([]byte(files[name]))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return &body, writer.FormDataContentType()
}

func uploadRequest(t *testing.T, key string, files map[string]string, order ...string) *http.Request {
	t.Helper()

	body, contentType := multipartBody(t, files, order...)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)

	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}

	return req
}

func authedGet(path, key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+key)

	return req
}

var errBoom = errors.New("boom")

var _ middleware.CORSPolicy = (*CORSConfig)(nil)
