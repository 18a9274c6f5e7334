// Package store defines the persistence contracts every other JWOC
// component depends on. No component talks to database/sql directly; they
// all go through JobStore / WorkStore, so a future non-SQLite backend only
// has to satisfy these two interfaces.
package store

import (
	"context"
	"time"

	"github.com/ternarybob/quaero/internal/jwoc/model"
)

// Clock abstracts wall-clock time so tests can inject a fixed clock instead
// of depending on time.Now.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// JobFilter narrows a ListJobs query.
type JobFilter struct {
	Username string
	Statuses []model.JobStatus
}

// Page requests a slice of a result set.
type Page struct {
	Limit  int
	Offset int
}

// JobStore is C1: CRUD and invariants for Jobs, workflow steps, errors, and
// links.
type JobStore interface {
	// CreateJob persists a new Job and its ordered WorkflowSteps in one
	// transaction. The Job starts in model.JobAccepted.
	CreateJob(ctx context.Context, job *model.Job, steps []model.WorkflowStep) error

	// SetStatus validates the transition against the status table and
	// applies it inside a single transaction while holding the per-Job
	// lock. message may be empty, in which case a default is applied.
	SetStatus(ctx context.Context, jobID string, newStatus model.JobStatus, message string) error

	// AppendError records a JobError against jobID.
	AppendError(ctx context.Context, jobID, url, message string, category model.ErrorCategory) error

	// AddLinks appends Links to a Job in sortIndex order.
	AddLinks(ctx context.Context, jobID string, links []model.Link) error

	// GetJob returns a Job with its Links and Errors embedded.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// ListJobs returns Jobs for a user matching filter, paginated.
	ListJobs(ctx context.Context, filter JobFilter, page Page) ([]model.Job, error)

	// GetWorkflowSteps returns the ordered WorkflowSteps for a Job, with
	// their running counters populated.
	GetWorkflowSteps(ctx context.Context, jobID string) ([]model.WorkflowStep, error)

	// BumpStepCounters adjusts a WorkflowStep's running counters by the
	// given deltas; any delta may be zero.
	BumpStepCounters(ctx context.Context, jobID string, stepIndex int, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta int) error

	// WithJobTx runs fn inside one transaction while holding the per-Job
	// lock for the duration of fn. Used by process.Processor
	// to guarantee the per-Job serialization the update algorithm requires.
	WithJobTx(ctx context.Context, jobID string, fn func(ctx context.Context, tx Tx) error) error

	// AppendEvent records one Job log line. Observability only; never
	// consulted by the status machine.
	AppendEvent(ctx context.Context, jobID, level, message string) error

	// ListEvents returns a Job's log lines in append order.
	ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)

	// DeleteTerminalOlderThan removes terminal Jobs (and their cascaded
	// rows) whose updatedAt precedes cutoff, returning the count removed.
	// Used by the retention sweep.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Tx is the transactional handle passed to JobStore.WithJobTx callbacks; it
// exposes the subset of JobStore/WorkStore operations that must run inside
// the same transaction as the Job row lock.
type Tx interface {
	GetJob(ctx context.Context) (*model.Job, error)
	SetStatus(ctx context.Context, newStatus model.JobStatus, message string) error
	AppendError(ctx context.Context, url, message string, category model.ErrorCategory) error
	GetWorkflowSteps(ctx context.Context) ([]model.WorkflowStep, error)
	BumpStepCounters(ctx context.Context, stepIndex int, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta int) error

	GetWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error)
	UpdateWorkItem(ctx context.Context, item *model.WorkItem) error
	CreateWorkItems(ctx context.Context, stepIndex int, items []model.WorkItem) error
	ListWorkItems(ctx context.Context) ([]model.WorkItem, error)
	CancelNonTerminalWorkItems(ctx context.Context) (int, error)

	IncrementUserWork(ctx context.Context, username, serviceID string, readyDelta, runningDelta int) error

	OpenBatch(ctx context.Context, stepIndex int) (*model.Batch, error)
	AppendBatchItem(ctx context.Context, batchID string, item model.BatchItem) (*model.Batch, error)
	SealBatch(ctx context.Context, batchID string, isLast bool) error
	// AdjustBatchExpected opens (or creates) the current Batch for stepIndex
	// and adjusts its ExpectedCount by delta, used when a would-be input to a
	// batched step is suppressed by ignoreErrors.
	AdjustBatchExpected(ctx context.Context, stepIndex int, delta int) (*model.Batch, error)
	// HasOpenBatches reports whether any unsealed Batch remains for the Job,
	// the second half of the Update Processor's completion predicate.
	HasOpenBatches(ctx context.Context) (bool, error)

	// SetProgress overwrites the Job's progress without touching status,
	// recomputed on every update per the monotonic progress formula.
	SetProgress(ctx context.Context, progress int) error
}

// WorkStore is C2: CRUD and invariants for WorkItems, batches, and user-work
// counters, for callers outside an active JobStore transaction (Dispatcher
// and the Failer's read path).
type WorkStore interface {
	GetByID(ctx context.Context, workItemID string) (*model.WorkItem, error)
	ListByJobID(ctx context.Context, jobID string) ([]model.WorkItem, error)

	// GetByAgeAndStatus returns WorkItems matching statuses, whose owning
	// Job is in jobStatuses, updated before olderThan, ordered by id
	// ascending starting after startingID, capped at limit. Used by the
	// Failer sweep.
	GetByAgeAndStatus(ctx context.Context, olderThan time.Time, statuses []model.WorkItemStatus, jobStatuses []model.JobStatus, limit int, startingID string) ([]model.WorkItem, error)

	// MaxSuccessfulDuration returns the maximum observed duration among
	// SUCCESSFUL WorkItems for (jobID, serviceID, stepIndex), and the count
	// of such items.
	MaxSuccessfulDuration(ctx context.Context, jobID, serviceID string, stepIndex int) (time.Duration, int, error)

	// ReadyWorkForService returns READY WorkItems for serviceID across all
	// non-paused Jobs, selected by the Dispatcher's round-robin policy.
	ReadyWorkForService(ctx context.Context, serviceID string, limit int) ([]model.WorkItem, error)

	// TransitionToQueued atomically moves a WorkItem from READY to QUEUED,
	// returning jwocerr.Conflict if it is no longer READY.
	TransitionToQueued(ctx context.Context, workItemID string) (*model.WorkItem, error)

	// TransitionToRunning atomically moves a WorkItem from QUEUED to
	// RUNNING.
	TransitionToRunning(ctx context.Context, workItemID string) (*model.WorkItem, error)
}
