// Package control bundles the JobStore/WorkStore/queue.Provider/Clock
// dependencies every other layer needs (the CoreContext of spec.md §9) and
// exposes the frontend-facing Job lifecycle surface: createJob, getJob,
// cancelJob, pauseJob, resumeJob, skipPreview, listJobs.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/dispatch"
	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// CredentialRefresher refreshes the access credentials embedded in each
// WorkflowStep's operation, invoked by SkipPreview because tokens minted at
// Job-acceptance time may have expired by the time a user skips the preview
// pause. Real CMR/EDL token minting sits outside JWOC's scope (spec.md §1
// Out of scope); the in-process implementation is a no-op that logs the
// attempt.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context, job *model.Job, steps []model.WorkflowStep) ([]model.WorkflowStep, error)
}

// NoopCredentialRefresher logs a refresh attempt without contacting any
// external credential service.
type NoopCredentialRefresher struct {
	Logger arbor.ILogger
}

func (n NoopCredentialRefresher) RefreshCredentials(ctx context.Context, job *model.Job, steps []model.WorkflowStep) ([]model.WorkflowStep, error) {
	n.Logger.Info().Str("job_id", job.ID).Msg("credential refresh requested (no-op: CMR/EDL token minting is out of scope)")
	return steps, nil
}

// Context is the CoreContext: every dependency the control surface and the
// components above it need, constructed once in cmd/jwocd/main.go.
type Context struct {
	Jobs        store.JobStore
	Work        store.WorkStore
	Dispatcher  *dispatch.Dispatcher
	Credentials CredentialRefresher
	Clock       store.Clock
	Logger      arbor.ILogger
}

// CancelContext carries the request context plus the optional human-readable
// reason for a cancel action; only CancelJob uses the reason.
type CancelContext struct {
	Request context.Context
	Reason  string
}

// CreateJobRequest is the input to CreateJob.
type CreateJobRequest struct {
	Username         string               `json:"username" validate:"required"`
	RequestURL       string               `json:"requestUrl" validate:"required"`
	Steps            []model.WorkflowStep `json:"steps" validate:"required,min=1"`
	InitialWorkItems []model.WorkItem     `json:"initialWorkItems"`
	IgnoreErrors     bool                 `json:"ignoreErrors"`
	NumInputGranules int                  `json:"numInputGranules"`
	CollectionRefs   []string             `json:"collectionRefs,omitempty"`
}

// CreateJob persists a new Job, its ordered WorkflowSteps, and its initial
// READY WorkItems (typically one catalog-query WorkItem at step 0), then
// notifies the Scheduler Queue for each distinct serviceId with initial
// ready work.
func (c *Context) CreateJob(ctx context.Context, req CreateJobRequest) (*model.Job, error) {
	job := &model.Job{
		ID:               common.NewJobID(),
		Username:         req.Username,
		RequestURL:       req.RequestURL,
		Status:           model.JobAccepted,
		IgnoreErrors:     req.IgnoreErrors,
		NumInputGranules: req.NumInputGranules,
		CollectionRefs:   req.CollectionRefs,
	}
	for i := range req.Steps {
		req.Steps[i].JobID = job.ID
	}

	if err := c.Jobs.CreateJob(ctx, job, req.Steps); err != nil {
		return nil, err
	}

	notified := map[string]bool{}
	for _, item := range req.InitialWorkItems {
		item.JobID = job.ID
		if item.ID == "" {
			item.ID = common.NewWorkItemID()
		}
		item.Status = model.WorkItemReady
		if err := c.Jobs.WithJobTx(ctx, job.ID, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateWorkItems(ctx, item.WorkflowStepIndex, []model.WorkItem{item})
		}); err != nil {
			return nil, err
		}
		if !notified[item.ServiceID] {
			notified[item.ServiceID] = true
			if err := c.Dispatcher.NotifyReady(ctx, item.ServiceID); err != nil {
				c.Logger.Warn().Err(err).Str("service_id", item.ServiceID).Msg("failed to notify scheduler queue for new job")
			}
		}
	}

	if err := c.Jobs.AppendEvent(ctx, job.ID, "info", "job accepted"); err != nil {
		c.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to append job event")
	}

	return c.Jobs.GetJob(ctx, job.ID)
}

// GetJob returns a Job with its Links, Errors, and Events embedded.
func (c *Context) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return c.Jobs.GetJob(ctx, jobID)
}

// ListJobs returns Jobs matching filter, paginated.
func (c *Context) ListJobs(ctx context.Context, filter store.JobFilter, page store.Page) ([]model.Job, error) {
	return c.Jobs.ListJobs(ctx, filter, page)
}

// GetJobEvents returns a Job's observability log stream.
func (c *Context) GetJobEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	return c.Jobs.ListEvents(ctx, jobID)
}

// CancelJob transitions a Job to CANCELED and cancels all its non-terminal
// WorkItems, atomically.
func (c *Context) CancelJob(ctx context.Context, jobID, reason string) error {
	return c.Jobs.WithJobTx(ctx, jobID, func(ctx context.Context, tx store.Tx) error {
		if err := tx.SetStatus(ctx, model.JobCanceled, reason); err != nil {
			return err
		}
		_, err := tx.CancelNonTerminalWorkItems(ctx)
		return err
	})
}

// PauseJob transitions a Job to PAUSED. The Dispatcher already treats a
// PAUSED Job as having no work; this call only updates status.
func (c *Context) PauseJob(ctx context.Context, jobID string) error {
	return c.Jobs.SetStatus(ctx, jobID, model.JobPaused, "")
}

// ResumeJob transitions a Job from PAUSED back to RUNNING and re-notifies
// the Scheduler Queue for every service with outstanding READY work, so
// items that accumulated while paused get dispatched promptly.
func (c *Context) ResumeJob(ctx context.Context, jobID string) error {
	if err := c.Jobs.SetStatus(ctx, jobID, model.JobRunning, ""); err != nil {
		return err
	}

	steps, err := c.Jobs.GetWorkflowSteps(ctx, jobID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.ReadyCount > 0 {
			if err := c.Dispatcher.NotifyReady(ctx, step.ServiceID); err != nil {
				c.Logger.Warn().Err(err).Str("service_id", step.ServiceID).Msg("failed to notify scheduler queue on resume")
			}
		}
	}
	return nil
}

// SkipPreview moves a PREVIEWING Job to RUNNING after passing its
// WorkflowSteps to Credentials.RefreshCredentials. The steps the refresher
// returns are not written back to the store, so the stored operations keep
// their original credentials.
func (c *Context) SkipPreview(ctx context.Context, jobID string) error {
	job, err := c.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobPreviewing {
		return jwocerr.New(jwocerr.IllegalStateTransition, fmt.Sprintf("cannot skip preview from status %s", job.Status))
	}

	steps, err := c.Jobs.GetWorkflowSteps(ctx, jobID)
	if err != nil {
		return err
	}
	if _, err := c.Credentials.RefreshCredentials(ctx, job, steps); err != nil {
		return err
	}

	return c.Jobs.SetStatus(ctx, jobID, model.JobRunning, "")
}

// RetentionSweeper periodically purges terminal Jobs older than a
// configured window, supplementing spec.md's scope as an ambient
// operational concern (it touches no in-scope invariant).
type RetentionSweeper struct {
	jobs          store.JobStore
	retentionDays int
	clock         store.Clock
	logger        arbor.ILogger
}

// NewRetentionSweeper builds a sweeper. Callers schedule Run via
// robfig/cron/v3 from cmd/jwocd/main.go.
func NewRetentionSweeper(jobs store.JobStore, retentionDays int, clock store.Clock, logger arbor.ILogger) *RetentionSweeper {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &RetentionSweeper{jobs: jobs, retentionDays: retentionDays, clock: clock, logger: logger}
}

// Run deletes terminal Jobs whose updatedAt precedes the retention window.
func (r *RetentionSweeper) Run(ctx context.Context) {
	if r.retentionDays <= 0 {
		return
	}
	cutoff := r.clock.Now().Add(-time.Duration(r.retentionDays) * 24 * time.Hour)
	count, err := r.jobs.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Warn().Err(err).Msg("retention sweep failed")
		return
	}
	if count > 0 {
		r.logger.Info().Int("count", count).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("retention sweep purged terminal jobs")
	}
}
