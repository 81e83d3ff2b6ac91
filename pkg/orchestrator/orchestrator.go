package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamgam/exportd/pkg/jobstore"
	"github.com/hamgam/exportd/pkg/manifest"
	"github.com/hamgam/exportd/pkg/observability"
	"github.com/hamgam/exportd/pkg/retry"
)

const (
	dedupKeyPrefix = "export:dedup:"
	jobKeyPrefix   = "export:job:"
)

// Config tunes the orchestrator.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int
	// QueueDepth bounds pending submissions; beyond it Submit rejects.
	QueueDepth int
	// DedupTTL is the single-flight window for an idempotency key.
	DedupTTL time.Duration
	// Retry governs transient exporter failures.
	Retry retry.Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueDepth: 64,
		DedupTTL:   24 * time.Hour,
		Retry:      retry.DefaultPolicy(),
	}
}

// record pairs a job with its completion signal. The done channel is closed
// exactly once, when the job reaches a terminal state.
type record struct {
	job  Job
	done chan struct{}
}

// Orchestrator owns the job map and the worker pool. Lifecycle:
// New → Start → (Submit...) → Shutdown.
type Orchestrator struct {
	cfg      Config
	store    jobstore.Store
	exporter Exporter
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*record

	queue   chan string
	wg      sync.WaitGroup
	started bool
}

// New constructs an orchestrator. metrics may be nil (no-op).
func New(cfg Config, store jobstore.Store, exporter Exporter, metrics *observability.Metrics) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		exporter: exporter,
		metrics:  metrics,
		logger:   slog.Default().With("component", "orchestrator"),
		jobs:     make(map[string]*record),
		queue:    make(chan string, cfg.QueueDepth),
	}
}

// Start launches the worker pool. Workers run until Shutdown; ctx bounds the
// execution of individual jobs.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for id := range o.queue {
				o.execute(ctx, id)
			}
		}()
	}
}

// Shutdown stops accepting work and drains the queue. Jobs already queued run
// to completion; partial exports are never abandoned mid-flight.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	// Closing under the mutex pairs with Submit's guarded send: once started
	// flips, no submitter can reach the channel again.
	close(o.queue)
	o.mu.Unlock()

	o.wg.Wait()
}

// Submit registers an export request. The call returns immediately with the
// job snapshot; execution happens on the worker pool.
//
// Single-flight: the namespaced dedup key is claimed with an atomic
// set-if-absent carrying the new job id. A losing caller gets the winner's
// job back, or ErrDuplicate when the winner lives on another instance.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Job, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return Job{}, &ValidationError{Detail: "idempotency key required"}
	}
	if !validNamespace(req.Namespace) {
		return Job{}, &ValidationError{Detail: fmt.Sprintf("invalid namespace %q", req.Namespace)}
	}
	o.mu.Lock()
	running := o.started
	o.mu.Unlock()
	if !running {
		return Job{}, ErrShuttingDown
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	jobID := uuid.New().String()
	dedupKey := dedupKeyPrefix + req.Namespace + ":" + req.IdempotencyKey

	// Register the candidate job before claiming the dedup key, so a losing
	// concurrent caller that reads our id from the store can always resolve
	// it locally. Nobody else knows the fresh id yet.
	rec := &record{
		job: Job{
			ID:             jobID,
			Status:         StatusPending,
			Filters:        req.Filters,
			Options:        req.Options,
			IdempotencyKey: req.IdempotencyKey,
			Namespace:      req.Namespace,
			CorrelationID:  req.CorrelationID,
			QueuedAt:       time.Now(),
		},
		done: make(chan struct{}),
	}
	o.mu.Lock()
	o.jobs[jobID] = rec
	o.mu.Unlock()

	created, err := o.store.SetIfAbsent(ctx, dedupKey, jobID, o.cfg.DedupTTL)
	if err != nil || !created {
		o.mu.Lock()
		delete(o.jobs, jobID)
		o.mu.Unlock()
	}
	if err != nil {
		return Job{}, fmt.Errorf("dedup check: %w", err)
	}
	if !created {
		existingID, err := o.store.Get(ctx, dedupKey)
		if err != nil {
			return Job{}, fmt.Errorf("dedup lookup: %w", err)
		}
		o.mu.Lock()
		existing, ok := o.jobs[existingID]
		var snapshot Job
		if ok {
			snapshot = existing.job
		}
		o.mu.Unlock()
		if !ok {
			// Cross-instance race: the lock exists but the job table lives
			// in another process. Callers must poll by job id.
			o.recordSubmission(ctx, "duplicate")
			return Job{}, fmt.Errorf("%w (job %s)", ErrDuplicate, existingID)
		}
		o.recordSubmission(ctx, "deduped")
		return snapshot, nil
	}

	// The send is guarded by the same mutex Shutdown closes the queue under,
	// so a submission racing a drain is rejected instead of hitting a closed
	// channel.
	o.mu.Lock()
	if !o.started {
		delete(o.jobs, jobID)
		o.mu.Unlock()
		o.releaseClaim(ctx, dedupKey)
		return Job{}, ErrShuttingDown
	}
	select {
	case o.queue <- jobID:
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		// Bounded backpressure: reject rather than spawn unboundedly. No
		// work was performed, so the single-flight claim is released and the
		// same key may be retried once capacity returns.
		o.recordSubmission(ctx, "queue_full")
		o.releaseClaim(ctx, dedupKey)
		o.fail(ctx, jobID, &JobError{Code: CodeQueueFull, Detail: "worker queue saturated"})
		snapshot, _ := o.GetJob(jobID)
		return snapshot, ErrQueueFull
	}

	o.recordSubmission(ctx, "created")
	o.logger.InfoContext(ctx, "export job queued",
		"job_id", jobID,
		"namespace", req.Namespace,
		"idempotency_key", req.IdempotencyKey,
		"correlation_id", req.CorrelationID,
	)
	return rec.job, nil
}

// releaseClaim drops a dedup key whose submission never entered the queue.
func (o *Orchestrator) releaseClaim(ctx context.Context, dedupKey string) {
	if err := o.store.Delete(ctx, dedupKey); err != nil {
		o.logger.WarnContext(ctx, "release dedup claim", "key", dedupKey, "error", err)
	}
}

// GetJob returns a snapshot of the job.
func (o *Orchestrator) GetJob(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return rec.job, nil
}

// AwaitCompletion blocks the caller (not the worker) until the job reaches a
// terminal state or the timeout elapses, then returns the current snapshot
// regardless. The underlying job keeps running on timeout.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, id string, timeout time.Duration) (Job, error) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Job{}, ErrUnknownJob
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rec.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	return o.GetJob(id)
}

// execute runs one job to a terminal state. No error crosses this boundary
// uncaught: every path ends in SUCCESS or FAILED with a structured payload.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	queueWait := time.Since(rec.job.QueuedAt)
	now := time.Now()
	rec.job.Status = StatusRunning
	rec.job.StartedAt = &now
	req := Request{
		Filters:        rec.job.Filters,
		Options:        rec.job.Options,
		IdempotencyKey: rec.job.IdempotencyKey,
		Namespace:      rec.job.Namespace,
		CorrelationID:  rec.job.CorrelationID,
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordQueueWait(ctx, queueWait)
	}

	logger := o.logger.With("job_id", id, "correlation_id", req.CorrelationID)
	start := time.Now()

	var result *manifestResult
	attempt := 0
	err := retry.Do(ctx, o.cfg.Retry, id,
		func(err error) bool { return Classify(err) == KindTransientIO },
		func() error {
			attempt++
			if attempt > 1 {
				if o.metrics != nil {
					o.metrics.RecordRetry(ctx, "export")
				}
				logger.Warn("retrying export", "attempt", attempt)
			}
			m, runErr := o.exporter.Run(ctx, req)
			if runErr != nil {
				return runErr
			}
			result = &manifestResult{manifest: m}
			return nil
		})

	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordPhase(ctx, "export", elapsed)
	}

	if err == nil {
		o.succeed(ctx, id, result, elapsed, logger)
		return
	}

	kind := Classify(err)
	if retry.IsExhausted(err) {
		kind = KindRetryExhausted
		if o.metrics != nil {
			o.metrics.RecordExhausted(ctx, "export")
		}
	}
	logger.Error("export failed", "kind", kind.String(), "error", err, "attempts", attempt)

	jobErr := &JobError{Code: CodeIO, Detail: err.Error()}
	if kind == KindValidation {
		jobErr.Code = CodeValidation
	}
	o.fail(ctx, id, jobErr)
}

type manifestResult struct {
	manifest *manifest.Manifest
}

func (o *Orchestrator) succeed(ctx context.Context, id string, result *manifestResult, elapsed time.Duration, logger *slog.Logger) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	rec.job.Status = StatusSuccess
	rec.job.FinishedAt = &now
	rec.job.Manifest = result.manifest
	snapshot := rec.job
	close(rec.done)
	o.mu.Unlock()

	if o.metrics != nil {
		var bytes int64
		for _, f := range snapshot.Manifest.Files {
			bytes += f.ByteSize
		}
		o.metrics.RecordExportOutput(ctx, snapshot.Manifest.Format, snapshot.Manifest.TotalRows, bytes)
		o.metrics.RecordCompletion(ctx, string(StatusSuccess), snapshot.Manifest.Format)
	}
	o.mirror(ctx, snapshot)
	logger.Info("export succeeded",
		"files", len(snapshot.Manifest.Files),
		"rows", snapshot.Manifest.TotalRows,
		"duration", elapsed,
	)
}

func (o *Orchestrator) fail(ctx context.Context, id string, jobErr *JobError) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	rec.job.Status = StatusFailed
	rec.job.FinishedAt = &now
	rec.job.Error = jobErr
	snapshot := rec.job
	close(rec.done)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordCompletion(ctx, string(StatusFailed), "")
	}
	o.mirror(ctx, snapshot)
}

// mirror writes the terminal job record into the store for cross-process
// visibility. Best-effort: a mirror failure is logged, not fatal.
func (o *Orchestrator) mirror(ctx context.Context, job Job) {
	fields := map[string]string{
		"id":              job.ID,
		"status":          string(job.Status),
		"namespace":       job.Namespace,
		"idempotency_key": job.IdempotencyKey,
		"correlation_id":  job.CorrelationID,
		"queued_at":       job.QueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if job.FinishedAt != nil {
		fields["finished_at"] = job.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if job.Error != nil {
		fields["error_code"] = job.Error.Code
		fields["error_detail"] = job.Error.Detail
	}
	if job.Manifest != nil {
		if data, err := json.Marshal(job.Manifest); err == nil {
			fields["manifest"] = string(data)
		}
	}
	if err := o.store.HSet(ctx, jobKeyPrefix+job.ID, fields); err != nil {
		o.logger.Warn("failed to mirror job record", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) recordSubmission(ctx context.Context, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordSubmission(ctx, outcome)
	}
}

// validNamespace requires exactly one clean path component.
func validNamespace(ns string) bool {
	if ns == "" || ns == "." || ns == ".." {
		return false
	}
	return !strings.ContainsAny(ns, "/\\")
}
