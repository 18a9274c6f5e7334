package failer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/process"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

// fakeWorkStore implements only the two store.WorkStore methods the Sweeper
// actually calls; the rest panic if exercised, flagging a test that reaches
// further than this double supports.
type fakeWorkStore struct {
	candidates   [][]model.WorkItem // successive pages returned by GetByAgeAndStatus
	callCount    int
	maxDuration  time.Duration
	successCount int
}

func (f *fakeWorkStore) GetByAgeAndStatus(ctx context.Context, olderThan time.Time, statuses []model.WorkItemStatus, jobStatuses []model.JobStatus, limit int, startingID string) ([]model.WorkItem, error) {
	if f.callCount >= len(f.candidates) {
		return nil, nil
	}
	page := f.candidates[f.callCount]
	f.callCount++
	return page, nil
}

func (f *fakeWorkStore) MaxSuccessfulDuration(ctx context.Context, jobID, serviceID string, stepIndex int) (time.Duration, int, error) {
	return f.maxDuration, f.successCount, nil
}

func (f *fakeWorkStore) GetByID(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	panic("not used by Sweeper")
}
func (f *fakeWorkStore) ListByJobID(ctx context.Context, jobID string) ([]model.WorkItem, error) {
	panic("not used by Sweeper")
}
func (f *fakeWorkStore) ReadyWorkForService(ctx context.Context, serviceID string, limit int) ([]model.WorkItem, error) {
	panic("not used by Sweeper")
}
func (f *fakeWorkStore) TransitionToQueued(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	panic("not used by Sweeper")
}
func (f *fakeWorkStore) TransitionToRunning(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	panic("not used by Sweeper")
}

type fakeApplier struct {
	applied []model.WorkItemUpdate
}

func (f *fakeApplier) Apply(ctx context.Context, update model.WorkItemUpdate) (process.Result, error) {
	f.applied = append(f.applied, update)
	return process.Result{JobStatus: model.JobRunning}, nil
}

type fakeDepthChecker struct {
	depth int
}

func (f *fakeDepthChecker) ApproxDepth(ctx context.Context) (int, error) {
	return f.depth, nil
}

func baseConfig() Config {
	return Config{
		PeriodSec:                       30,
		FailableWorkAgeMinutes:          10,
		BatchSize:                       50,
		MaxWorkItemsOnUpdateQueueFailer: -1,
		DefaultTimeoutSeconds:           300,
		ServiceTimeoutSeconds:           map[string]int{},
	}
}

func TestSweeper_TimesOutStuckItemUsingDefaultTimeout(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	item := model.WorkItem{ID: "wi_1", JobID: "job_1", ServiceID: "svc-a", Status: model.WorkItemRunning, StartedAt: clock.now.Add(-10 * time.Minute)}
	work := &fakeWorkStore{candidates: [][]model.WorkItem{{item}}, successCount: 0}
	applier := &fakeApplier{}
	depth := &fakeDepthChecker{}

	cfg := baseConfig()
	cfg.DefaultTimeoutSeconds = 60 // the item has run 10 minutes, well past a 60s default
	s := New(work, applier, depth, cfg, clock, arbor.NewLogger())

	require.NoError(t, s.sweepOnce(context.Background()))
	require.Len(t, applier.applied, 1)
	assert.Equal(t, "wi_1", applier.applied[0].WorkItemID)
	assert.Equal(t, model.WorkItemFailed, applier.applied[0].Status)
}

func TestSweeper_DoesNotFailItemUnderThreshold(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	item := model.WorkItem{ID: "wi_2", JobID: "job_2", ServiceID: "svc-a", Status: model.WorkItemRunning, StartedAt: clock.now.Add(-1 * time.Minute)}
	work := &fakeWorkStore{candidates: [][]model.WorkItem{{item}}}
	applier := &fakeApplier{}
	depth := &fakeDepthChecker{}

	cfg := baseConfig()
	cfg.DefaultTimeoutSeconds = 300
	s := New(work, applier, depth, cfg, clock, arbor.NewLogger())

	require.NoError(t, s.sweepOnce(context.Background()))
	assert.Empty(t, applier.applied, "an item running under the timeout must not be failed")
}

func TestSweeper_OutlierThresholdUsesTwiceHistoricalMax(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	// Historical max successful duration is 2 minutes, with enough samples to
	// trust it (count >= 2); threshold becomes 4 minutes, overriding the
	// much larger configured default timeout.
	item := model.WorkItem{ID: "wi_3", JobID: "job_3", ServiceID: "svc-a", Status: model.WorkItemRunning, StartedAt: clock.now.Add(-5 * time.Minute)}
	work := &fakeWorkStore{candidates: [][]model.WorkItem{{item}}, maxDuration: 2 * time.Minute, successCount: 3}
	applier := &fakeApplier{}
	depth := &fakeDepthChecker{}

	cfg := baseConfig()
	cfg.DefaultTimeoutSeconds = 3600
	s := New(work, applier, depth, cfg, clock, arbor.NewLogger())

	require.NoError(t, s.sweepOnce(context.Background()))
	require.Len(t, applier.applied, 1, "5 minutes running exceeds the 4-minute historical-outlier threshold")
}

func TestSweeper_BackpressureSkipsSweepWhenQueueBusy(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	work := &fakeWorkStore{candidates: [][]model.WorkItem{{{ID: "wi_4", JobID: "job_4", ServiceID: "svc-a", Status: model.WorkItemRunning}}}}
	applier := &fakeApplier{}
	depth := &fakeDepthChecker{depth: 500}

	cfg := baseConfig()
	cfg.MaxWorkItemsOnUpdateQueueFailer = 100
	s := New(work, applier, depth, cfg, clock, arbor.NewLogger())

	require.NoError(t, s.sweepOnce(context.Background()))
	assert.Equal(t, 0, work.callCount, "sweep must skip entirely when the update queue is over the backpressure limit")
	assert.Empty(t, applier.applied)
}

func TestSweeper_PaginatesUntilShortBatch(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	cfg := baseConfig()
	cfg.BatchSize = 2
	cfg.DefaultTimeoutSeconds = 1

	mkItem := func(id string) model.WorkItem {
		return model.WorkItem{ID: id, JobID: "job_5", ServiceID: "svc-a", Status: model.WorkItemRunning, StartedAt: clock.now.Add(-time.Hour)}
	}
	work := &fakeWorkStore{candidates: [][]model.WorkItem{
		{mkItem("wi_a"), mkItem("wi_b")}, // full page, loop continues
		{mkItem("wi_c")},                 // short page, loop stops
	}}
	applier := &fakeApplier{}
	depth := &fakeDepthChecker{}

	s := New(work, applier, depth, cfg, clock, arbor.NewLogger())
	require.NoError(t, s.sweepOnce(context.Background()))

	assert.Equal(t, 2, work.callCount, "a full first page must trigger a second GetByAgeAndStatus call")
	require.Len(t, applier.applied, 3)
}
