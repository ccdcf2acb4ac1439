package api

import (
	"net/http"

	"github.com/tablehouse-io/tablehouse/internal/tenancy"
)

type (
	// HealthStatus is the body of GET /health.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// UploadAccepted is the body of a 202 response to POST /api/v1/uploads.
	UploadAccepted struct {
		TaskID string `json:"task_id"` //nolint: tagliatelle // matches the status record
	}

	// TablesResponse is the body of GET /api/v1/tables.
	TablesResponse struct {
		Identity string                  `json:"identity"`
		Tables   []tenancy.UploadedTable `json:"tables"`
	}

	// Route pairs a ServeMux pattern with its handler.
	Route struct {
		Path    string
		Handler http.Handler
	}
)
