package api

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/tablehouse-io/tablehouse/internal/api/middleware"
	"github.com/tablehouse-io/tablehouse/internal/jobs"
	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

const (
	uploadFormField = "files"
	// multipartMemory is how much of a multipart body is buffered in memory before
	// the rest spills to temporary files.
	multipartMemory = 8 << 20
)

// handleCreateUpload accepts a multipart form whose "files" parts are spreadsheets
// and queues them as one ingestion job for the caller.
//
// Response codes:
//   - 202 Accepted: {"task_id": "..."}
//   - 400 Bad Request: not multipart, no files, too many files, unsupported extension
//   - 403 Forbidden: the caller's tenant is deactivated
//   - 413 Request Entity Too Large: body exceeds MaxUploadSize
//   - 500 Internal Server Error: provisioning, staging or queueing failed
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		WriteErrorResponse(w, r, s.logger, Unauthorized("Missing API key"))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Upload exceeds the maximum request size"))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Request must be multipart/form-data"))

		return
	}

	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files, closeAll, err := openUploadFiles(r.MultipartForm.File[uploadFormField])
	defer closeAll()

	if err != nil {
		s.logger.Error("Failed to open uploaded file",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, BadRequest("Uploaded file could not be read"))

		return
	}

	taskID, err := s.uploads.SubmitUpload(r.Context(), files, identity.Email)
	if err != nil {
		s.writeUploadError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, UploadAccepted{TaskID: taskID})
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var problem *ProblemDetail

	switch {
	case errors.Is(err, ErrNoFiles), errors.Is(err, ErrTooManyFiles), errors.Is(err, ErrUnsupportedFile):
		problem = BadRequest(err.Error())
	case errors.Is(err, ErrTenantInactive):
		problem = Forbidden("Tenant is deactivated")
	case errors.Is(err, tenancy.ErrProvisioningFailed):
		problem = InternalServerError("Failed to provision tenant namespace")
	default:
		problem = InternalServerError("Failed to queue upload")
	}

	if problem.Status >= http.StatusInternalServerError {
		s.logger.Error("Upload failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	WriteErrorResponse(w, r, s.logger, problem)
}

// openUploadFiles opens every part. The returned func closes whatever was opened,
// also on error.
func openUploadFiles(headers []*multipart.FileHeader) ([]UploadFile, func(), error) {
	opened := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	files := make([]UploadFile, 0, len(headers))

	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, err
		}

		opened = append(opened, f)
		files = append(files, UploadFile{Name: fh.Filename, Content: f})
	}

	return files, closeAll, nil
}

// handleGetUpload returns the status record of a job owned by the caller. Unknown
// jobs and jobs of other identities both yield 404 with {"status":"not_found"}.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		WriteErrorResponse(w, r, s.logger, Unauthorized("Missing API key"))

		return
	}

	status, err := s.uploads.GetStatusFor(r.Context(), r.PathValue("taskID"), identity.Email)
	if err != nil {
		s.logger.Error("Failed to read job status",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("task_id", r.PathValue("taskID")),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read job status"))

		return
	}

	code := http.StatusOK
	if status.State == jobs.StateNotFound {
		code = http.StatusNotFound
	}

	s.writeJSON(w, r, code, status)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		WriteErrorResponse(w, r, s.logger, Unauthorized("Missing API key"))

		return
	}

	tables, err := s.uploads.ListTables(r.Context(), identity.Email)
	if err != nil {
		s.logger.Error("Failed to list tables",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("identity", identity.Email),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list tables"))

		return
	}

	if tables == nil {
		tables = []tenancy.UploadedTable{}
	}

	s.writeJSON(w, r, http.StatusOK, TablesResponse{Identity: identity.Email, Tables: tables})
}
