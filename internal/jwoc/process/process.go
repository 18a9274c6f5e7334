// Package process is C4, the Update Processor: the heart of JWOC. It ingests
// WorkItemUpdate records, advances the pipeline, aggregates batches, and
// applies error policy, entirely inside one transaction against the owning
// Job (store.JobStore.WithJobTx).
package process

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// Config carries the error-policy and batching tunables from
// common.JWOCConfig that the algorithm consults.
type Config struct {
	WorkItemRetryLimit                           int
	MaxErrorsForJob                              int
	MaxPercentErrorsForJob                       float64
	MinCompletedWorkItemsToCheckFailurePercentage int
	MaxBatchInputs                               int
	MaxBatchSizeInBytes                          int64
}

// ReadyNotifier is the Scheduler Queue hand-off the Processor posts to after
// commit, implemented by dispatch.Dispatcher.NotifyReady.
type ReadyNotifier interface {
	NotifyReady(ctx context.Context, serviceID string) error
}

// Result reports what Apply did, useful for tests and structured logging.
type Result struct {
	Dropped        bool
	Requeued       bool
	JobStatus      model.JobStatus
	ReadyServices  []string
}

// Processor implements the 8-step algorithm of the Update Processor.
type Processor struct {
	jobs     store.JobStore
	work     store.WorkStore
	notifier ReadyNotifier
	cfg      Config
	logger   arbor.ILogger
}

// New builds a Processor.
func New(jobs store.JobStore, work store.WorkStore, notifier ReadyNotifier, cfg Config, logger arbor.ILogger) *Processor {
	return &Processor{jobs: jobs, work: work, notifier: notifier, cfg: cfg, logger: logger}
}

// Apply processes one WorkItemUpdate to completion: load, mutate, evaluate
// error policy, materialize downstream work, check completion, commit, and
// notify the Scheduler Queue of any newly-ready services.
func (p *Processor) Apply(ctx context.Context, update model.WorkItemUpdate) (Result, error) {
	item, err := p.work.GetByID(ctx, update.WorkItemID)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = p.jobs.WithJobTx(ctx, item.JobID, func(ctx context.Context, tx store.Tx) error {
		r, applyErr := applyWithinTx(ctx, tx, update, p.cfg, p.logger)
		result = r
		return applyErr
	})
	if err != nil {
		return Result{}, err
	}

	for _, serviceID := range result.ReadyServices {
		if notifyErr := p.notifier.NotifyReady(ctx, serviceID); notifyErr != nil {
			p.logger.Warn().Err(notifyErr).Str("service_id", serviceID).Msg("failed to notify scheduler queue")
		}
	}
	return result, nil
}

func applyWithinTx(ctx context.Context, tx store.Tx, update model.WorkItemUpdate, cfg Config, logger arbor.ILogger) (Result, error) {
	// Step 1: load Job and WorkItem; drop idempotently on terminal state.
	job, err := tx.GetJob(ctx)
	if err != nil {
		return Result{}, err
	}
	item, err := tx.GetWorkItem(ctx, update.WorkItemID)
	if err != nil {
		return Result{}, err
	}
	if item.Status.Terminal() || job.Status.Terminal() {
		return Result{Dropped: true, JobStatus: job.Status}, nil
	}

	steps, err := tx.GetWorkflowSteps(ctx)
	if err != nil {
		return Result{}, err
	}
	step, ok := stepAt(steps, item.WorkflowStepIndex)
	if !ok {
		return Result{}, jwocerr.New(jwocerr.SystemError, fmt.Sprintf("workflow step %d not found for job %s", item.WorkflowStepIndex, job.ID))
	}

	// Step 2: apply reported status.
	prevStatus := item.Status
	item.Status = update.Status
	item.Message = update.Message
	item.ScrollID = update.ScrollID
	item.Duration = update.Duration
	if len(update.Results) > 0 {
		item.Results = update.Results
	}
	if update.TotalItemsSize > 0 {
		item.TotalItemsSize = update.TotalItemsSize
	}

	// Step 3: FAILED retry loop.
	if update.Status == model.WorkItemFailed {
		item.RetryCount++
		if item.RetryCount <= cfg.WorkItemRetryLimit {
			item.Status = model.WorkItemReady
			if err := tx.UpdateWorkItem(ctx, item); err != nil {
				return Result{}, err
			}
			if err := tx.BumpStepCounters(ctx, step.StepIndex, 1, -1, 0, 0, 0, 0); err != nil {
				return Result{}, err
			}
			if err := tx.IncrementUserWork(ctx, job.Username, step.ServiceID, 1, -1); err != nil {
				return Result{}, err
			}
			return finish(ctx, tx, job, steps, []string{step.ServiceID}, true)
		}
		// Retry budget exhausted: WorkItem is terminally FAILED, continue.
	}

	if err := tx.UpdateWorkItem(ctx, item); err != nil {
		return Result{}, err
	}
	if err := bumpForTransition(ctx, tx, step.StepIndex, prevStatus, item.Status); err != nil {
		return Result{}, err
	}

	terminalFailure := item.Status == model.WorkItemFailed
	isWarning := item.Status == model.WorkItemWarning

	var readyServices []string

	if terminalFailure || isWarning {
		// Step 4: record JobError.
		url := resultURL(item)
		category := model.ErrorCategoryError
		if isWarning {
			category = model.ErrorCategoryWarning
		}
		if err := tx.AppendError(ctx, url, item.Message, category); err != nil {
			return Result{}, err
		}

		// Step 5: error-policy evaluation.
		ignoreErrorsEffective := job.IgnoreErrors && !step.IsInputProducer
		cascade := false
		if terminalFailure && !ignoreErrorsEffective {
			cascade = true
		} else {
			job, err = tx.GetJob(ctx)
			if err != nil {
				return Result{}, err
			}
			errorCount := countCategory(job.Errors, model.ErrorCategoryError)
			completedItems := completedCount(steps)
			if cfg.MaxErrorsForJob >= 0 && errorCount > cfg.MaxErrorsForJob {
				cascade = true
			} else if cfg.MaxPercentErrorsForJob >= 0 && completedItems >= cfg.MinCompletedWorkItemsToCheckFailurePercentage {
				pct := float64(errorCount) / float64(completedItems) * 100
				if pct > cfg.MaxPercentErrorsForJob {
					cascade = true
				}
			}
		}

		if cascade {
			if _, err := tx.CancelNonTerminalWorkItems(ctx); err != nil {
				return Result{}, err
			}
			if err := tx.SetStatus(ctx, model.JobFailed, fmt.Sprintf("WorkItem failed: %s", item.Message)); err != nil {
				return Result{}, err
			}
			job, err = tx.GetJob(ctx)
			if err != nil {
				return Result{}, err
			}
			return finish(ctx, tx, job, steps, readyServices, false)
		}

		// Only a real failure marks the Job RUNNING_WITH_ERRORS; a warning
		// leaves it RUNNING so it can still complete as SUCCESSFUL.
		if terminalFailure && job.Status == model.JobRunning {
			if err := tx.SetStatus(ctx, model.JobRunningWithErrors, ""); err != nil {
				return Result{}, err
			}
		}

		if terminalFailure {
			// A suppressed downstream input under ignoreErrors still needs
			// the next batched step's expected count decremented so the
			// last-batch predicate stays correct.
			if next, ok := stepAt(steps, step.StepIndex+1); ok && next.IsBatched {
				if _, err := tx.AdjustBatchExpected(ctx, next.StepIndex, -1); err != nil {
					return Result{}, err
				}
			}
		}
	}

	// Step 6: materialize downstream WorkItems on SUCCESSFUL/WARNING.
	if item.Status == model.WorkItemSuccessful || item.Status == model.WorkItemWarning {
		services, err := materialize(ctx, tx, job, steps, step, item, cfg)
		if err != nil {
			return Result{}, err
		}
		readyServices = append(readyServices, services...)
	}

	job, err = tx.GetJob(ctx)
	if err != nil {
		return Result{}, err
	}
	return finish(ctx, tx, job, steps, readyServices, false)
}

// finish runs the progress recompute, completion check, and commit-adjacent
// bookkeeping shared by every exit path (steps 7-8).
func finish(ctx context.Context, tx store.Tx, job *model.Job, staleSteps []model.WorkflowStep, readyServices []string, requeued bool) (Result, error) {
	steps, err := tx.GetWorkflowSteps(ctx)
	if err != nil {
		return Result{}, err
	}

	progress := computeProgress(steps)
	if progress > job.Progress {
		if err := tx.SetProgress(ctx, progress); err != nil {
			return Result{}, err
		}
	}

	if !job.Status.Terminal() {
		allDone := true
		for _, s := range steps {
			if !s.Done() {
				allDone = false
				break
			}
		}
		if allDone {
			hasOpenBatches, err := tx.HasOpenBatches(ctx)
			if err != nil {
				return Result{}, err
			}
			if !hasOpenBatches {
				if err := completeJob(ctx, tx, job); err != nil {
					return Result{}, err
				}
			}
		}
	}

	final, err := tx.GetJob(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Requeued: requeued, JobStatus: final.Status, ReadyServices: dedupe(readyServices)}, nil
}

func completeJob(ctx context.Context, tx store.Tx, job *model.Job) error {
	switch {
	case job.HasErrorCategory(model.ErrorCategoryError):
		return tx.SetStatus(ctx, model.JobCompleteWithErrors, "")
	case job.HasErrorCategory(model.ErrorCategoryWarning):
		return tx.SetStatus(ctx, model.JobSuccessful, "Completed with warnings")
	default:
		return tx.SetStatus(ctx, model.JobSuccessful, "")
	}
}

// materialize implements step 6: non-batched and batched downstream
// WorkItem creation, including catalog-query re-paging and batch sealing.
func materialize(ctx context.Context, tx store.Tx, job *model.Job, steps []model.WorkflowStep, step model.WorkflowStep, item *model.WorkItem, cfg Config) ([]string, error) {
	var readyServices []string

	// Catalog paging: another page remains, queue a sibling WorkItem at the
	// same step referencing the next scroll position.
	if step.IsInputProducer && item.ScrollID != "" {
		next := model.WorkItem{
			ID:        item.ID + "_page",
			ServiceID: item.ServiceID,
			Operation: item.Operation,
			ScrollID:  item.ScrollID,
			Status:    model.WorkItemReady,
		}
		if err := tx.CreateWorkItems(ctx, step.StepIndex, []model.WorkItem{next}); err != nil {
			return nil, err
		}
		readyServices = append(readyServices, item.ServiceID)
	}

	nextStep, hasNext := stepAt(steps, step.StepIndex+1)
	if !hasNext || len(item.Results) == 0 {
		return readyServices, nil
	}

	if !nextStep.IsBatched {
		var created []model.WorkItem
		for i, r := range item.Results {
			created = append(created, model.WorkItem{
				ID:        fmt.Sprintf("%s_out_%d", item.ID, i),
				ServiceID: nextStep.ServiceID,
				Operation: r.Href,
				Status:    model.WorkItemReady,
			})
		}
		if err := tx.CreateWorkItems(ctx, nextStep.StepIndex, created); err != nil {
			return nil, err
		}
		readyServices = append(readyServices, nextStep.ServiceID)
		return readyServices, nil
	}

	batch, err := tx.OpenBatch(ctx, nextStep.StepIndex)
	if err != nil {
		return nil, err
	}
	for _, r := range item.Results {
		batch, err = tx.AppendBatchItem(ctx, batch.ID, model.BatchItem{Href: r.Href, Size: r.Size})
		if err != nil {
			return nil, err
		}
		full := (cfg.MaxBatchInputs > 0 && batch.ItemCount >= cfg.MaxBatchInputs) ||
			(cfg.MaxBatchSizeInBytes > 0 && batch.TotalSize >= cfg.MaxBatchSizeInBytes)
		if full {
			if err := sealAndCreate(ctx, tx, nextStep, batch, false); err != nil {
				return nil, err
			}
			readyServices = append(readyServices, nextStep.ServiceID)
			batch, err = tx.OpenBatch(ctx, nextStep.StepIndex)
			if err != nil {
				return nil, err
			}
		}
	}

	// Last-input detection: the step directly feeding this batch (step, not
	// necessarily a catalog/input-producer step — in [catalog, transformer,
	// aggregator] it's the transformer) has reached Done(), meaning every
	// WorkItem belonging to it is terminal. For an input-producer that also
	// requires no further scroll pages; non-producer predecessors never set
	// ScrollID, so the check is a no-op for them. steps is refetched here
	// because it was loaded before this update's own counters were bumped.
	if !step.IsInputProducer || item.ScrollID == "" {
		freshSteps, err := tx.GetWorkflowSteps(ctx)
		if err != nil {
			return nil, err
		}
		producingStep, ok := stepAt(freshSteps, step.StepIndex)
		if ok && producingStep.Done() && !batch.Sealed {
			if err := sealAndCreate(ctx, tx, nextStep, batch, true); err != nil {
				return nil, err
			}
			readyServices = append(readyServices, nextStep.ServiceID)
		}
	}

	return readyServices, nil
}

func sealAndCreate(ctx context.Context, tx store.Tx, nextStep model.WorkflowStep, batch *model.Batch, isLast bool) error {
	if err := tx.SealBatch(ctx, batch.ID, isLast); err != nil {
		return err
	}
	agg := model.WorkItem{
		ID:        batch.ID + "_agg",
		ServiceID: nextStep.ServiceID,
		Operation: fmt.Sprintf("batch:%s", batch.ID),
		BatchID:   batch.ID,
		Status:    model.WorkItemReady,
	}
	return tx.CreateWorkItems(ctx, nextStep.StepIndex, []model.WorkItem{agg})
}

func bumpForTransition(ctx context.Context, tx store.Tx, stepIndex int, from, to model.WorkItemStatus) error {
	var readyD, runningD, successD, failedD, canceledD, warningD int
	switch from {
	case model.WorkItemRunning, model.WorkItemQueued:
		runningD--
	case model.WorkItemReady:
		readyD--
	}
	switch to {
	case model.WorkItemSuccessful:
		successD++
	case model.WorkItemFailed:
		failedD++
	case model.WorkItemCanceled:
		canceledD++
	case model.WorkItemWarning:
		warningD++
	case model.WorkItemReady:
		readyD++
	}
	return tx.BumpStepCounters(ctx, stepIndex, readyD, runningD, successD, failedD, canceledD, warningD)
}

func stepAt(steps []model.WorkflowStep, index int) (model.WorkflowStep, bool) {
	for _, s := range steps {
		if s.StepIndex == index {
			return s, true
		}
	}
	return model.WorkflowStep{}, false
}

func completedCount(steps []model.WorkflowStep) int {
	total := 0
	for _, s := range steps {
		total += s.SuccessCount + s.FailedCount + s.CanceledCount + s.WarningCount
	}
	return total
}

func countCategory(errs []model.JobError, category model.ErrorCategory) int {
	count := 0
	for _, e := range errs {
		if e.Category == category {
			count++
		}
	}
	return count
}

func computeProgress(steps []model.WorkflowStep) int {
	var done, expected int
	for _, s := range steps {
		done += s.SuccessCount + s.FailedCount + s.CanceledCount + s.WarningCount
		expected += s.ExpectedCount
	}
	if expected == 0 {
		return 0
	}
	return int(100 * done / expected)
}

func resultURL(item *model.WorkItem) string {
	if len(item.Results) > 0 {
		return item.Results[0].Href
	}
	return fmt.Sprintf("urn:jwoc:work-item:%s", item.ID)
}

func dedupe(services []string) []string {
	if len(services) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
