package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tablehouse-io/tablehouse/internal/ingestion"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

const (
	stagingDirPerm  = 0o750
	stagedFilePerm  = 0o640
	maxFileNameLen  = 200
	publishTimeout  = 5 * time.Second
	unnamedFileStem = "upload"
)

var (
	// ErrNoFiles is returned when an upload carries no files.
	ErrNoFiles = errors.New("no files uploaded")

	// ErrTooManyFiles is returned when an upload carries more files than allowed.
	ErrTooManyFiles = errors.New("too many files")

	// ErrUnsupportedFile is returned for files the ingestion engine cannot read.
	ErrUnsupportedFile = errors.New("unsupported file type")

	// ErrTenantInactive is returned when the caller's tenant has been deactivated.
	ErrTenantInactive = errors.New("tenant is deactivated")

	// ErrStagingFailed is returned when uploaded files cannot be written to disk.
	ErrStagingFailed = errors.New("failed to stage upload")
)

type (
	// TenantRegistry is the part of tenancy.Registry the API needs.
	TenantRegistry interface {
		Canonical(identity string) string
		EnsureTenant(ctx context.Context, identity, displayName string) (*tenancy.Tenant, error)
		ListUploadedTables(ctx context.Context, identity string) ([]tenancy.UploadedTable, error)
	}

	// UploadFile is one file of an upload request.
	UploadFile struct {
		Name    string
		Content io.Reader
	}

	// UploadService turns uploads into queued ingestion jobs and reports their status.
	UploadService struct {
		tenants    TenantRegistry
		queue      jobs.Store
		publisher  jobs.Publisher
		stagingDir string
		maxFiles   int
		logger     *slog.Logger
	}
)

var _ TenantRegistry = (*tenancy.Registry)(nil)

// NewUploadService creates an UploadService. A nil publisher discards events.
func NewUploadService(
	tenants TenantRegistry,
	queue jobs.Store,
	publisher jobs.Publisher,
	stagingDir string,
	maxFiles int,
	logger *slog.Logger,
) *UploadService {
	if publisher == nil {
		publisher = jobs.NopPublisher{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &UploadService{
		tenants:    tenants,
		queue:      queue,
		publisher:  publisher,
		stagingDir: stagingDir,
		maxFiles:   maxFiles,
		logger:     logger,
	}
}

// SubmitUpload provisions the caller's tenant, stages files under the staging
// directory and queues one job for them. It returns the job ID.
//
// Provisioning failures wrap tenancy.ErrProvisioningFailed and queue nothing.
func (s *UploadService) SubmitUpload(ctx context.Context, files []UploadFile, identity string) (string, error) {
	if err := s.checkFiles(files); err != nil {
		return "", err
	}

	tenant, err := s.tenants.EnsureTenant(ctx, identity, "")
	if err != nil {
		return "", err
	}

	if !tenant.Active {
		return "", fmt.Errorf("%w: %s", ErrTenantInactive, tenant.Identity)
	}

	job := jobs.NewJob(tenant.Identity, tenant.Namespace, nil)
	jobDir := filepath.Join(s.stagingDir, job.ID)

	paths, err := s.stage(jobDir, files)
	if err != nil {
		_ = os.RemoveAll(jobDir)

		return "", err
	}

	job.Files = paths

	if _, err := s.queue.Submit(ctx, job); err != nil {
		_ = os.RemoveAll(jobDir)

		return "", fmt.Errorf("failed to queue job: %w", err)
	}

	s.logger.Info("Upload queued",
		slog.String("task_id", job.ID),
		slog.String("identity", job.Identity),
		slog.String("namespace", job.Namespace),
		slog.Int("files", len(job.Files)),
	)

	s.publish(ctx, jobs.Event{
		Type:      jobs.EventSubmitted,
		JobID:     job.ID,
		Identity:  job.Identity,
		Namespace: job.Namespace,
		State:     jobs.StatePending,
		Files:     len(job.Files),
		Time:      time.Now().UTC(),
	})

	return job.ID, nil
}

// GetStatus returns the status record of jobID, or a not_found status when the job
// is unknown or its record is unreadable.
func (s *UploadService) GetStatus(ctx context.Context, jobID string) (*jobs.Status, error) {
	status, err := s.queue.ReadStatus(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return jobs.NotFoundStatus(jobID), nil
	}

	if err != nil {
		return nil, err
	}

	return status, nil
}

// GetStatusFor is GetStatus restricted to jobs owned by identity. Jobs of other
// identities are reported as not found.
func (s *UploadService) GetStatusFor(ctx context.Context, jobID, identity string) (*jobs.Status, error) {
	job, err := s.queue.ReadJob(ctx, jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return jobs.NotFoundStatus(jobID), nil
	}

	if err != nil {
		return nil, err
	}

	if job.Identity != s.tenants.Canonical(identity) {
		return jobs.NotFoundStatus(jobID), nil
	}

	return s.GetStatus(ctx, jobID)
}

// ListTables returns the upload log of identity's tenant.
func (s *UploadService) ListTables(ctx context.Context, identity string) ([]tenancy.UploadedTable, error) {
	return s.tenants.ListUploadedTables(ctx, identity)
}

func (s *UploadService) checkFiles(files []UploadFile) error {
	if len(files) == 0 {
		return ErrNoFiles
	}

	if s.maxFiles > 0 && len(files) > s.maxFiles {
		return fmt.Errorf("%w: %d files, at most %d allowed", ErrTooManyFiles, len(files), s.maxFiles)
	}

	for _, f := range files {
		if _, err := ingestion.DetectFormat(f.Name); err != nil {
			return fmt.Errorf("%w: %q (accepted: %s)",
				ErrUnsupportedFile, f.Name, strings.Join(ingestion.SupportedExtensions, ", "))
		}
	}

	return nil
}

// stage writes files into jobDir and returns their absolute paths in upload order.
func (s *UploadService) stage(jobDir string, files []UploadFile) ([]string, error) {
	if err := os.MkdirAll(jobDir, stagingDirPerm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingFailed, err)
	}

	absDir, err := filepath.Abs(jobDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStagingFailed, err)
	}

	used := make(map[string]bool, len(files))
	paths := make([]string, 0, len(files))

	for i, f := range files {
		name := uniqueName(sanitizeFileName(f.Name), used)
		path := filepath.Join(absDir, name)

		if err := writeStagedFile(path, f.Content); err != nil {
			return nil, fmt.Errorf("%w: file %d (%s): %w", ErrStagingFailed, i+1, f.Name, err)
		}

		paths = append(paths, path)
	}

	return paths, nil
}

func writeStagedFile(path string, content io.Reader) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, stagedFilePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, content); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

func (s *UploadService) publish(ctx context.Context, event jobs.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish job event",
			slog.String("task_id", event.JobID),
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

// sanitizeFileName keeps the base name of a client-supplied file name with control
// characters and separators replaced. The extension is preserved.
func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))

	stem := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' || r == ':' {
			return '_'
		}

		return r
	}, strings.TrimSuffix(base, filepath.Ext(base)))

	stem = strings.TrimLeft(stem, ".")
	if len(stem) > maxFileNameLen {
		cut := maxFileNameLen
		for cut > 0 && !utf8.RuneStart(stem[cut]) {
			cut--
		}

		stem = stem[:cut]
	}

	if stem == "" {
		stem = unnamedFileStem
	}

	return stem + ext
}

// uniqueName disambiguates repeated names within one upload: report.csv, 2_report.csv, ...
func uniqueName(name string, used map[string]bool) string {
	candidate := name

	for n := 2; used[strings.ToLower(candidate)]; n++ {
		candidate = strconv.Itoa(n) + "_" + name
	}

	used[strings.ToLower(candidate)] = true

	return candidate
}
