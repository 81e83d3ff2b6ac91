// Package orchestrator accepts export submissions, de-duplicates them through
// the job store's atomic set-if-absent, executes them on a bounded worker
// pool, and records the resulting manifest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hamgam/exportd/pkg/manifest"
)

// Status is the job lifecycle state. PENDING and RUNNING are transient;
// SUCCESS and FAILED are terminal and immutable thereafter.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Error codes surfaced to callers.
const (
	CodeValidation = "EXPORT_VALIDATION_ERROR"
	CodeIO         = "EXPORT_IO_ERROR"
	CodeDuplicate  = "EXPORT_DUPLICATE"
	CodeQueueFull  = "EXPORT_QUEUE_FULL"
)

// JobError is the structured failure payload of a FAILED job.
type JobError struct {
	Code   string `json:"error_code"`
	Detail string `json:"detail"`
}

// Job is owned exclusively by the orchestrator and mutated only through its
// internal update path. Accessors return snapshots.
type Job struct {
	ID             string             `json:"id"`
	Status         Status             `json:"status"`
	Filters        map[string]string  `json:"filters,omitempty"`
	Options        map[string]string  `json:"options,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	Namespace      string             `json:"namespace"`
	CorrelationID  string             `json:"correlation_id"`
	QueuedAt       time.Time          `json:"queued_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
	Manifest       *manifest.Manifest `json:"manifest,omitempty"`
	Error          *JobError          `json:"error,omitempty"`
}

// Request is a submission.
type Request struct {
	Filters        map[string]string
	Options        map[string]string
	IdempotencyKey string
	Namespace      string
	CorrelationID  string
}

// Exporter is the external collaborator that turns filters into artifact
// bytes and reports what it produced. It is expected to return a
// *ValidationError for bad input, a *TransientIOError for retryable
// failures, and any other error for unrecoverable conditions.
type Exporter interface {
	Run(ctx context.Context, req Request) (*manifest.Manifest, error)
}

// ErrorKind classifies a worker failure. Classification is explicit rather
// than exception-type dispatch: every failure path maps to exactly one kind.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindTransientIO
	KindRetryExhausted
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientIO:
		return "transient_io"
	case KindRetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// ValidationError marks caller input at fault. Never retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Detail)
}

// TransientIOError marks a retryable I/O failure.
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io: %v", e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Classify maps an exporter error to its kind.
func Classify(err error) ErrorKind {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	var terr *TransientIOError
	if errors.As(err, &terr) {
		return KindTransientIO
	}
	return KindUnknown
}

// ErrDuplicate is returned by Submit when the dedup entry exists but its job
// id cannot be resolved locally (cross-instance race with no shared job
// table). Callers must poll by job id.
var ErrDuplicate = errors.New("orchestrator: duplicate submission, job not resolvable locally")

// ErrQueueFull is returned by Submit when the worker queue is saturated.
var ErrQueueFull = errors.New("orchestrator: worker queue full")

// ErrShuttingDown is returned by Submit between Shutdown and the next Start.
var ErrShuttingDown = errors.New("orchestrator: not accepting submissions")

// ErrUnknownJob is returned by accessors for an id the orchestrator does not
// know.
var ErrUnknownJob = errors.New("orchestrator: unknown job")
