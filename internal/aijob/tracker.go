// Package aijob tracks asynchronous jobs submitted to a remote AI execution
// service. Submission returns a job id at once; a polling loop resolves
// completion and invokes each job's callback exactly once.
package aijob

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNilCallback is returned when Submit is called without a callback.
var ErrNilCallback = errors.New("aijob: callback is required") //nolint:gochecknoglobals // sentinel error

const defaultCheckEvery = 4 * time.Second

type JobID string

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further status changes are expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Command describes one job for the remote service.
type Command struct {
	AppID      uuid.UUID
	MessageID  uuid.UUID
	FunctionID string
	EndpointID string
	Data       map[string]any
}

// Result is handed to the callback when a job reaches a terminal status.
type Result struct {
	JobID   JobID
	AppID   uuid.UUID
	MsgID   uuid.UUID
	Status  Status
	Payload any
}

type Callback func(Result)

// Backend is the remote execution service.
type Backend interface {
	Submit(ctx context.Context, cmd Command) (JobID, error)
	// Status returns the job status and, for terminal statuses, its result payload.
	Status(ctx context.Context, id JobID) (Status, any, error)
}

type pendingJob struct {
	cmd      Command
	callback Callback
}

type Tracker struct {
	backend    Backend
	checkEvery time.Duration

	mu      sync.Mutex
	running map[JobID]struct{}
	pending map[JobID]pendingJob
}

func NewTracker(backend Backend, checkEvery time.Duration) *Tracker {
	if checkEvery <= 0 {
		checkEvery = defaultCheckEvery
	}
	return &Tracker{
		backend:    backend,
		checkEvery: checkEvery,
		running:    make(map[JobID]struct{}),
		pending:    make(map[JobID]pendingJob),
	}
}

// Submit sends cmd to the backend and returns the job id without waiting
// for the job to finish.
func (t *Tracker) Submit(ctx context.Context, cmd Command, callback Callback) (JobID, error) {
	if callback == nil {
		return "", ErrNilCallback
	}

	id, err := t.backend.Submit(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("aijob.Tracker.Submit: %w", err)
	}

	t.mu.Lock()
	t.running[id] = struct{}{}
	t.pending[id] = pendingJob{cmd: cmd, callback: callback}
	t.mu.Unlock()

	log.Debug().Str("job_id", string(id)).Str("function_id", cmd.FunctionID).Msg("job submitted")
	return id, nil
}

// Pending returns the ids of jobs that have not completed, sorted.
func (t *Tracker) Pending() []JobID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.running))
}

// Run polls the backend every checkEvery until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("pending", len(t.Pending())).Msg("job tracker stopped")
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll checks every running job once and completes the finished ones.
func (t *Tracker) Poll(ctx context.Context) {
	for _, id := range t.Pending() {
		status, payload, err := t.backend.Status(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("job_id", string(id)).Msg("job status check failed")
			continue
		}
		if !status.Terminal() {
			continue
		}
		t.complete(id, status, payload)
	}
}

func (t *Tracker) complete(id JobID, status Status, payload any) {
	t.mu.Lock()
	job, ok := t.pending[id]
	delete(t.pending, id)
	delete(t.running, id)
	t.mu.Unlock()

	if !ok {
		return
	}

	log.Info().Str("job_id", string(id)).Str("status", string(status)).Msg("job finished")
	job.callback(Result{
		JobID:   id,
		AppID:   job.cmd.AppID,
		MsgID:   job.cmd.MessageID,
		Status:  status,
		Payload: payload,
	})
}
