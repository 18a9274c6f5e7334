// Package failer is C5: a periodic sweeper that times out stuck WorkItems
// and feeds synthetic FAILED updates into the Update Processor's normal
// path, exercising the retry/policy logic uniformly rather than duplicating
// it.
package failer

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/process"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// Applier is the Update Processor seam the Failer feeds synthetic updates
// into, implemented by process.Processor.Apply.
type Applier interface {
	Apply(ctx context.Context, update model.WorkItemUpdate) (process.Result, error)
}

// DepthChecker reports the Update Queue's approximate depth, implemented by
// queue.Queue.ApproxDepth.
type DepthChecker interface {
	ApproxDepth(ctx context.Context) (int, error)
}

// Config carries the sweep tunables from common.JWOCConfig.
type Config struct {
	PeriodSec                       int
	FailableWorkAgeMinutes          int
	BatchSize                       int
	MaxWorkItemsOnUpdateQueueFailer int // -1 disables the backpressure check
	DefaultTimeoutSeconds           int
	ServiceTimeoutSeconds           map[string]int
}

func (c Config) timeoutFor(serviceID string) time.Duration {
	if secs, ok := c.ServiceTimeoutSeconds[serviceID]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// Sweeper runs the periodic timeout sweep described in spec §4.5.
type Sweeper struct {
	work         store.WorkStore
	applier      Applier
	updateQueue  DepthChecker
	cfg          Config
	logger       arbor.ILogger
	clock        store.Clock

	cancel context.CancelFunc
}

// New builds a Sweeper.
func New(work store.WorkStore, applier Applier, updateQueue DepthChecker, cfg Config, clock store.Clock, logger arbor.ILogger) *Sweeper {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Sweeper{work: work, applier: applier, updateQueue: updateQueue, cfg: cfg, clock: clock, logger: logger}
}

// Start launches the sweep loop on a ticker, stopped when ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		period := time.Duration(s.cfg.PeriodSec) * time.Second
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.sweepOnce(runCtx); err != nil {
					s.logger.Warn().Err(err).Msg("failer sweep encountered an error")
				}
			}
		}
	}()
}

// Stop cancels the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// sweepOnce runs one complete pass: backpressure check, then one or more
// batches of overdue-WorkItem queries until a batch comes back short.
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	if s.cfg.MaxWorkItemsOnUpdateQueueFailer >= 0 {
		depth, err := s.updateQueue.ApproxDepth(ctx)
		if err != nil {
			return err
		}
		if depth > s.cfg.MaxWorkItemsOnUpdateQueueFailer {
			s.logger.Debug().Int("depth", depth).Msg("failer backpressure: update queue busy, skipping sweep")
			return nil
		}
	}

	olderThan := s.clock.Now().Add(-time.Duration(s.cfg.FailableWorkAgeMinutes) * time.Minute)
	statuses := []model.WorkItemStatus{model.WorkItemRunning, model.WorkItemQueued}
	jobStatuses := []model.JobStatus{model.JobRunning, model.JobRunningWithErrors}

	startingID := ""
	for {
		candidates, err := s.work.GetByAgeAndStatus(ctx, olderThan, statuses, jobStatuses, s.cfg.BatchSize, startingID)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, item := range candidates {
			if err := s.evaluate(ctx, item); err != nil {
				s.logger.Warn().Err(err).Str("work_item_id", item.ID).Msg("failer: error evaluating candidate")
			}
			startingID = item.ID
		}

		if len(candidates) < s.cfg.BatchSize {
			return nil
		}
	}
}

// evaluate computes the outlier threshold for one candidate's
// (jobId, serviceId, stepIndex) key and posts a synthetic FAILED update if
// it has exceeded it.
func (s *Sweeper) evaluate(ctx context.Context, item model.WorkItem) error {
	threshold, err := s.outlierThreshold(ctx, item)
	if err != nil {
		return err
	}

	running := s.clock.Now().Sub(item.StartedAt)
	if item.StartedAt.IsZero() {
		running = s.clock.Now().Sub(item.UpdatedAt)
	}
	if running <= threshold {
		return nil
	}

	update := model.WorkItemUpdate{
		WorkItemID:        item.ID,
		Status:            model.WorkItemFailed,
		Message:           fmt.Sprintf("Work item %s has exceeded the %d ms duration threshold.", item.ID, threshold.Milliseconds()),
		WorkflowStepIndex: item.WorkflowStepIndex,
	}
	_, err = s.applier.Apply(ctx, update)
	return err
}

// outlierThreshold implements spec §4.5 step 2: if at least two SUCCESSFUL
// items exist for (jobId, serviceId, stepIndex), threshold = 2x the maximum
// observed duration; otherwise fall back to the configured per-service (or
// default) timeout.
func (s *Sweeper) outlierThreshold(ctx context.Context, item model.WorkItem) (time.Duration, error) {
	maxDuration, count, err := s.work.MaxSuccessfulDuration(ctx, item.JobID, item.ServiceID, item.WorkflowStepIndex)
	if err != nil {
		return 0, err
	}
	if count >= 2 {
		return 2 * maxDuration, nil
	}
	return s.cfg.timeoutFor(item.ServiceID), nil
}
