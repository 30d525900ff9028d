// Package ingest drains queued call-ended events into the sync pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/metrics"
	"github.com/kalambet/callbridge/internal/pipeline"
	"github.com/kalambet/callbridge/internal/storage"
)

// JobCallSync is the queue job type of a finished call awaiting sync.
const JobCallSync = "call_sync"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)
}

// CallSyncer runs the pipeline for one call.
type CallSyncer interface {
	ProcessCallThroughIntegrations(ctx context.Context, agentID string, call integration.CallData) ([]pipeline.Result, error)
}

// CallSyncPayload is the JSON body of a call_sync job.
type CallSyncPayload struct {
	AgentID string               `json:"agent_id"`
	Call    integration.CallData `json:"call"`
}

// ErrInvalidCall is returned by NewCallSyncJob for events that cannot be synced.
var ErrInvalidCall = errors.New("invalid call event")

// NewCallSyncJob validates call and builds the queue job for it.
func NewCallSyncJob(agentID string, call integration.CallData) (storage.Job, error) {
	if agentID == "" {
		agentID = call.AgentID
	}
	switch {
	case agentID == "":
		return storage.Job{}, fmt.Errorf("%w: agent_id is required", ErrInvalidCall)
	case call.CallID == "":
		return storage.Job{}, fmt.Errorf("%w: call_id is required", ErrInvalidCall)
	case call.CallerPhone == "" && call.CallerEmail == "":
		return storage.Job{}, fmt.Errorf("%w: caller_phone or caller_email is required", ErrInvalidCall)
	}
	call.AgentID = agentID
	payload, err := json.Marshal(CallSyncPayload{AgentID: agentID, Call: call})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobCallSync,
		PayloadJSON: string(payload),
	}, nil
}

// DefaultLease is how long a job may stay running before the sweep hands it
// to another worker.
const DefaultLease = 10 * time.Minute

// Worker processes call_sync jobs from the job queue.
type Worker struct {
	store     JobStore
	syncer    CallSyncer
	poll      time.Duration
	lease     time.Duration
	lastSweep time.Time
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, syncer CallSyncer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		syncer: syncer,
		poll:   pollInterval,
		lease:  DefaultLease,
		logger: slog.Default(),
	}
}

// sweep requeues jobs abandoned by a crashed or killed worker. It runs at
// most once per half lease.
func (w *Worker) sweep(ctx context.Context) {
	if time.Since(w.lastSweep) < w.lease/2 {
		return
	}
	w.lastSweep = time.Now()
	n, err := w.store.RequeueStaleJobs(ctx, w.lease)
	if err != nil {
		w.logger.Error("requeueing stale jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stale jobs", "count", n)
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		w.sweep(ctx)

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single call_sync job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobCallSync})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Job bookkeeping must land even when shutdown cancels ctx mid-job.
	bookCtx := context.WithoutCancel(ctx)

	err = w.processJob(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("interrupted: %w", context.Cause(ctx))
	}
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		metrics.ObserveJob(job.Type, "failed")
		if failErr := w.store.FailJob(bookCtx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.ObserveJob(job.Type, "completed")
	if err := w.store.CompleteJob(bookCtx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob only fails for infrastructure problems. Adapter failures are
// recorded by the pipeline and never retried here.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload CallSyncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.AgentID == "" {
		return fmt.Errorf("payload has no agent_id")
	}

	results, err := w.syncer.ProcessCallThroughIntegrations(ctx, payload.AgentID, payload.Call)
	if err != nil {
		return err
	}
	w.logger.Debug("call_sync job done", "job_id", job.ID, "call_id", payload.Call.CallID, "integrations", len(results))
	return nil
}
