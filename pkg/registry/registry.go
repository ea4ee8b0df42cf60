// Package registry implements the Submission Registry: a
// concurrently accessed map of submissions backed by a durable
// storage.Store, with the ordered startup rehydrate procedure that
// resumes in-flight executors, re-schedules pending cleanups and
// reconciles stale state with the cluster.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jobbroker/pkg/brokererr"
	"github.com/cuemby/jobbroker/pkg/cleanup"
	"github.com/cuemby/jobbroker/pkg/log"
	"github.com/cuemby/jobbroker/pkg/storage"
	"github.com/cuemby/jobbroker/pkg/types"
)

const storeKeyPrefix = "submission:"

// Executor is the per-submission behavior the registry binds back to
// a rehydrated Submission record. Implemented by pkg/executor.
type Executor interface {
	// Synchronize reconciles the submission's status with the cluster.
	Synchronize(ctx context.Context)
	// ResumeWaitForFinish re-enters wait_job_finish in the background.
	ResumeWaitForFinish(ctx context.Context)
	// DeleteJobResources tears down the submission's resources. Idempotent.
	DeleteJobResources(appID string)
}

// Binder reconstructs an Executor for a rehydrated submission.
type Binder interface {
	Bind(sub *types.Submission) Executor
}

// Registry is the process-wide submission map.
type Registry struct {
	mu          sync.RWMutex
	store       storage.Store
	submissions map[string]*types.Submission
	logger      zerolog.Logger
}

// New builds a Registry persisted through store.
func New(store storage.Store) *Registry {
	return &Registry{
		store:       store,
		submissions: make(map[string]*types.Submission),
		logger:      log.WithComponent("submission_registry"),
	}
}

// Put inserts or updates a submission record and persists it.
func (r *Registry) Put(sub *types.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(sub)
}

func (r *Registry) putLocked(sub *types.Submission) error {
	blob, err := json.Marshal(sub)
	if err != nil {
		return brokererr.FatalInternal(err, "encode submission %s", sub.AppID)
	}
	if err := r.store.Put(storeKeyPrefix+sub.AppID, blob); err != nil {
		return brokererr.FatalInternal(err, "persist submission %s", sub.AppID)
	}
	r.submissions[sub.AppID] = sub
	return nil
}

// Get returns the submission by id.
func (r *Registry) Get(appID string) (*types.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.submissions[appID]
	if !ok {
		return nil, brokererr.NotFound("submission %q not found", appID)
	}
	return sub, nil
}

// Delete removes a submission record from the registry and store.
func (r *Registry) Delete(appID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.submissions, appID)
	if err := r.store.Delete(storeKeyPrefix + appID); err != nil {
		return brokererr.FatalInternal(err, "delete submission %s", appID)
	}
	return nil
}

// DeleteAllTerminal removes every submission whose status is terminal.
func (r *Registry) DeleteAllTerminal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, sub := range r.submissions {
		if sub.Status.Terminal() {
			delete(r.submissions, id)
			if err := r.store.Delete(storeKeyPrefix + id); err != nil {
				return brokererr.FatalInternal(err, "delete submission %s", id)
			}
		}
	}
	return nil
}

// ListSubmissions returns a snapshot of every submission, satisfying
// metrics.SubmissionSource.
func (r *Registry) ListSubmissions() []*types.Submission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Submission, 0, len(r.submissions))
	for _, sub := range r.submissions {
		out = append(out, sub)
	}
	return out
}

// Map returns id -> submission, for the GET /submissions status listing.
func (r *Registry) Map() map[string]*types.Submission {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*types.Submission, len(r.submissions))
	for id, sub := range r.submissions {
		out[id] = sub
	}
	return out
}

// Rehydrate executes the four-step startup recovery procedure:
// load everything, retry-or-reschedule pending cleanups, resume
// in-flight executors, then reconcile every submission once against
// the cluster.
func (r *Registry) Rehydrate(ctx context.Context, binder Binder, scheduler *cleanup.Scheduler) error {
	if err := r.loadAll(); err != nil {
		return err
	}

	r.mu.RLock()
	snapshot := make([]*types.Submission, 0, len(r.submissions))
	for _, sub := range r.submissions {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		r.rehydrateCleanup(sub, binder, scheduler)
	}
	for _, sub := range snapshot {
		if !sub.JobCompleted && !sub.Terminated {
			binder.Bind(sub).ResumeWaitForFinish(ctx)
		}
	}
	for _, sub := range snapshot {
		binder.Bind(sub).Synchronize(ctx)
	}

	return nil
}

func (r *Registry) loadAll() error {
	blobs, err := r.store.GetAll(storeKeyPrefix)
	if err != nil {
		return fmt.Errorf("rehydrate submission registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, blob := range blobs {
		var sub types.Submission
		if err := json.Unmarshal(blob, &sub); err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("skipping corrupt submission record")
			continue
		}
		r.submissions[sub.AppID] = &sub
	}
	return nil
}

func (r *Registry) rehydrateCleanup(sub *types.Submission, binder Binder, scheduler *cleanup.Scheduler) {
	if sub.FinishTime.IsZero() || !sub.DeleteAuthorized {
		return
	}

	elapsed := time.Since(sub.FinishTime)
	remaining := time.Duration(sub.JobResourcesLifetime)*time.Second - elapsed

	if remaining <= 0 {
		executor := binder.Bind(sub)
		executor.DeleteJobResources(sub.AppID)
		return
	}

	scheduler.Insert(sub.AppID, int(remaining.Seconds()))
}
