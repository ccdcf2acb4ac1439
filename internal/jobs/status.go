package jobs

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// State is the lifecycle state of a job as reported to clients.
type State string

const (
	StatePending        State = "pending"
	StateProcessing     State = "processing"
	StateSuccess        State = "success"
	StatePartialSuccess State = "partial_success"
	StateFailure        State = "failure"
	StateNotFound       State = "not_found"
)

var (
	// ErrStatusRegression is returned when a status write would move a job backwards
	// or out of a terminal state.
	ErrStatusRegression = errors.New("status regression")

	// ErrInvalidStatus is returned when a status record carries fields its state does not allow.
	ErrInvalidStatus = errors.New("invalid status")
)

// IsTerminal reports whether no further transition is allowed from s.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StatePartialSuccess || s == StateFailure
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateSuccess, StatePartialSuccess, StateFailure, StateNotFound:
		return true
	}

	return false
}

func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateProcessing:
		return 1
	case StateSuccess, StatePartialSuccess, StateFailure:
		return 2 //nolint:mnd
	}

	return -1
}

// CanTransition reports whether a status in state from may be replaced by one in state to.
//
//   - pending → pending, processing or any terminal state
//   - processing → processing or any terminal state
//   - terminal → the same terminal state only (idempotent rewrite)
//   - not_found is never written
func CanTransition(from, to State) bool {
	if from == StateNotFound || to == StateNotFound || !from.Valid() || !to.Valid() {
		return false
	}

	if from.IsTerminal() {
		return from == to
	}

	return to.rank() >= from.rank()
}

// ValidateTransition is CanTransition returning ErrStatusRegression.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrStatusRegression, from, to)
	}

	return nil
}

// FileResult is the outcome of ingesting one file.
type FileResult struct {
	File            string   `json:"file"`
	Success         bool     `json:"success"`
	TablesCreated   []string `json:"tables_created"`
	TotalRows       int64    `json:"total_rows"`
	SheetsProcessed int      `json:"sheets_processed"`
	Error           string   `json:"error,omitempty"`
}

// FailedResult builds a failed FileResult for path.
func FailedResult(path string, err string) FileResult {
	return FileResult{
		File:          filepath.Base(path),
		TablesCreated: []string{},
		Error:         err,
	}
}

// Aggregate derives the terminal state of a finished job from its file results.
func Aggregate(results []FileResult) State {
	succeeded := 0

	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	switch {
	case len(results) == 0 || succeeded == 0:
		return StateFailure
	case succeeded == len(results):
		return StateSuccess
	default:
		return StatePartialSuccess
	}
}

// Status is the client-visible status record of a job. Which fields are set depends
// on State; build values with the New*Status constructors and check foreign ones
// with Validate.
type Status struct {
	TaskID    string       `json:"task_id"`
	State     State        `json:"status"`
	Message   string       `json:"message"`
	Progress  int          `json:"progress"`
	Total     int          `json:"total"`
	Result    []FileResult `json:"result"`
	Error     *string      `json:"error"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewPendingStatus is the status of a job waiting in the queue.
func NewPendingStatus(job *Job) *Status {
	return &Status{
		TaskID:    job.ID,
		State:     StatePending,
		Message:   fmt.Sprintf("Queued %d file(s)", len(job.Files)),
		Total:     len(job.Files),
		CreatedAt: job.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// NewRequeuedStatus is the status of a job returned to the queue after its lease
// expired. done holds the results of files finished before the interruption; the
// next claim skips those files.
func NewRequeuedStatus(job *Job, done []FileResult) *Status {
	status := NewPendingStatus(job)
	if len(done) == 0 {
		return status
	}

	status.Message = fmt.Sprintf("Requeued, %d of %d file(s) already processed", len(done), len(job.Files))
	status.Progress = len(done)
	status.Result = append([]FileResult(nil), done...)

	return status
}

// NewProcessingStatus reports that file current (1-based) of total is being ingested.
// done holds the results of the files finished so far, in submission order.
func NewProcessingStatus(job *Job, current, total int, file string, done []FileResult) *Status {
	status := &Status{
		TaskID:    job.ID,
		State:     StateProcessing,
		Message:   fmt.Sprintf("Processing file %d of %d: %s", current, total, filepath.Base(file)),
		Progress:  current,
		Total:     total,
		CreatedAt: job.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}

	if len(done) > 0 {
		status.Result = append([]FileResult(nil), done...)
	}

	return status
}

// CompletedResults returns the results a non-terminal status already holds for
// job's files. Only a prefix whose file names match job.Files in order is
// returned, so a foreign or reordered record is never trusted.
func CompletedResults(job *Job, status *Status) []FileResult {
	if status == nil || status.TaskID != job.ID || status.State.IsTerminal() {
		return nil
	}

	var done []FileResult

	for i, result := range status.Result {
		if i >= len(job.Files) || result.File != filepath.Base(job.Files[i]) {
			break
		}

		done = append(done, result)
	}

	return done
}

// NewFinishedStatus is the terminal status of a job whose files were all attempted.
func NewFinishedStatus(job *Job, results []FileResult) *Status {
	succeeded := 0

	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	if results == nil {
		results = []FileResult{}
	}

	return &Status{
		TaskID: job.ID,
		State:  Aggregate(results),
		Message: fmt.Sprintf("Processed %d file(s): %d succeeded, %d failed",
			len(results), succeeded, len(results)-succeeded),
		Progress:  len(results),
		Total:     len(results),
		Result:    results,
		CreatedAt: job.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// NewFailureStatus is the terminal status of a job that failed as a whole.
func NewFailureStatus(job *Job, err error) *Status {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	return &Status{
		TaskID:    job.ID,
		State:     StateFailure,
		Message:   "Job failed",
		Total:     len(job.Files),
		Error:     &msg,
		CreatedAt: job.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// NotFoundStatus is returned to readers for unknown job IDs. It is never persisted.
func NotFoundStatus(jobID string) *Status {
	return &Status{
		TaskID:  jobID,
		State:   StateNotFound,
		Message: "Job not found",
	}
}

// Validate rejects records whose fields do not match their state.
func (s *Status) Validate() error {
	if s.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidStatus)
	}

	if s.Progress < 0 || s.Total < 0 || s.Progress > s.Total {
		return fmt.Errorf("%w: progress %d of %d", ErrInvalidStatus, s.Progress, s.Total)
	}

	switch s.State {
	case StatePending:
		if s.Error != nil || s.Progress != len(s.Result) {
			return fmt.Errorf("%w: pending status carries an error or progress without results", ErrInvalidStatus)
		}
	case StateProcessing:
		if s.Error != nil || len(s.Result) > s.Progress {
			return fmt.Errorf("%w: processing status carries an error or results beyond its progress", ErrInvalidStatus)
		}
	case StateSuccess, StatePartialSuccess:
		if s.Error != nil {
			return fmt.Errorf("%w: %s status carries an error", ErrInvalidStatus, s.State)
		}

		if got := Aggregate(s.Result); got != s.State {
			return fmt.Errorf("%w: results aggregate to %s, not %s", ErrInvalidStatus, got, s.State)
		}
	case StateFailure:
		if s.Error != nil && s.Result != nil {
			return fmt.Errorf("%w: failure status carries both result and error", ErrInvalidStatus)
		}

		if s.Error == nil && Aggregate(s.Result) != StateFailure {
			return fmt.Errorf("%w: failure status has successful results", ErrInvalidStatus)
		}
	case StateNotFound:
		return fmt.Errorf("%w: not_found is never stored", ErrInvalidStatus)
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidStatus, s.State)
	}

	return nil
}
