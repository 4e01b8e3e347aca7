// Package outbox retries backend notifications that failed when they were
// first attempted. Work items live in the SQLite job queue.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/epirank/internal/storage"
)

// JobSessionComplete is the job type for end-of-session notifications.
const JobSessionComplete = "session_complete"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueRunningJobs(ctx context.Context) (int, error)
}

// Notifier delivers end-of-session notifications to the backend.
type Notifier interface {
	NotifySessionComplete(ctx context.Context, sessionID string) error
}

type sessionCompletePayload struct {
	SessionID string `json:"session_id"`
}

// NewSessionCompleteJob builds a queued notification for sessionID.
func NewSessionCompleteJob(sessionID string) (storage.Job, error) {
	if sessionID == "" {
		return storage.Job{}, errors.New("session id is required")
	}
	payload, err := json.Marshal(sessionCompletePayload{SessionID: sessionID})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobSessionComplete,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	}, nil
}

// Worker processes session_complete jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	notifier Notifier
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, notifier Notifier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:    store,
		notifier: notifier,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled. Jobs left running by a previous
// process are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunningJobs(ctx); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", "error", err)
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

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobSessionComplete})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		w.logger.Warn("outbox job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var payload sessionCompletePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.SessionID == "" {
		return errors.New("payload has no session id")
	}
	if err := w.notifier.NotifySessionComplete(ctx, payload.SessionID); err != nil {
		return fmt.Errorf("notifying session %s complete: %w", payload.SessionID, err)
	}
	w.logger.Info("session completion delivered", "session_id", payload.SessionID, "job_id", job.ID)
	return nil
}
