package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files := []string{"/staging/a.csv"}
	job := NewJob("alice@example.com", "alice_0123456789abcdef", files)

	require.NoError(t, job.Validate())
	assert.Equal(t, "PENDING", job.State)
	assert.False(t, job.CreatedAt.IsZero())

	files[0] = "/mutated"
	assert.Equal(t, "/staging/a.csv", job.Files[0], "job must own its file list")
}

func TestJobUnmarshal_AcceptsDatabaseName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	data := []byte(`{
		"task_id": "4b1f0d2e-8a9c-4e57-9a3e-3f2d1c0b9a87",
		"files": ["/staging/a.csv"],
		"email": "alice@example.com",
		"database_name": "alice_0123456789abcdef",
		"created_at": "2025-01-02T03:04:05Z",
		"state": "PENDING"
	}`)

	var job Job
	require.NoError(t, json.Unmarshal(data, &job))

	assert.Equal(t, "alice_0123456789abcdef", job.Namespace)
	assert.Equal(t, "alice@example.com", job.Identity)
	assert.NoError(t, job.Validate())
}

func TestJobValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		mutate func(j *Job)
	}{
		{"bad id", func(j *Job) { j.ID = "not-a-uuid" }},
		{"missing identity", func(j *Job) { j.Identity = "" }},
		{"injected namespace", func(j *Job) { j.Namespace = "public; DROP SCHEMA x" }},
		{"empty namespace", func(j *Job) { j.Namespace = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("alice@example.com", "alice_0123456789abcdef", nil)
			tt.mutate(job)

			assert.ErrorIs(t, job.Validate(), ErrInvalidJob)
		})
	}
}
