package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/dispatch"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
	"github.com/ternarybob/quaero/internal/jwoc/sqlstore"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type fixedTimeouts struct{}

func (fixedTimeouts) TimeoutForService(serviceID string) int { return 60 }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlstore.Open(common.StorageConfig{
		Path:          filepath.Join(dir, "test.db"),
		BusyTimeoutMS: 2000,
		CacheSizeKB:   2000,
	}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := sqlstore.New(db, arbor.NewLogger(), nil)
	queues := queue.NewInMemoryProvider()
	d := dispatch.New(st, queues, "work-", "scheduler", dispatch.Limits{}, fixedTimeouts{}, arbor.NewLogger())

	logger := arbor.NewLogger()
	return &Context{
		Jobs:        st,
		Work:        st,
		Dispatcher:  d,
		Credentials: NoopCredentialRefresher{Logger: logger},
		Clock:       store.SystemClock{},
		Logger:      logger,
	}
}

func TestContext_CreateJob_PersistsStepsAndInitialWork(t *testing.T) {
	ctl := newTestContext(t)
	ctx := context.Background()

	job, err := ctl.CreateJob(ctx, CreateJobRequest{
		Username:   "alice",
		RequestURL: "https://example.com/request",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
		InitialWorkItems: []model.WorkItem{
			{ServiceID: "catalog-query", WorkflowStepIndex: 0, Operation: "query granules"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobAccepted, job.Status)

	events, err := ctl.GetJobEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "job accepted", events[0].Message)

	ready, err := ctl.Work.ReadyWorkForService(ctx, "catalog-query", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1, "the seeded initial work item must be discoverable by the dispatcher")
}

func TestContext_CancelJob_CancelsNonTerminalWorkItems(t *testing.T) {
	ctl := newTestContext(t)
	ctx := context.Background()

	job, err := ctl.CreateJob(ctx, CreateJobRequest{
		Username:   "bob",
		RequestURL: "https://example.com/request",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
		InitialWorkItems: []model.WorkItem{
			{ServiceID: "catalog-query", WorkflowStepIndex: 0, Operation: "query granules"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ctl.Jobs.SetStatus(ctx, job.ID, model.JobRunning, ""))

	require.NoError(t, ctl.CancelJob(ctx, job.ID, "user requested cancellation"))

	got, err := ctl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, got.Status)

	items, err := ctl.Work.ListByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.WorkItemCanceled, items[0].Status)
}

func TestContext_PauseAndResumeJob(t *testing.T) {
	ctl := newTestContext(t)
	ctx := context.Background()

	job, err := ctl.CreateJob(ctx, CreateJobRequest{
		Username:   "carol",
		RequestURL: "https://example.com/request",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ctl.Jobs.SetStatus(ctx, job.ID, model.JobRunning, ""))

	require.NoError(t, ctl.PauseJob(ctx, job.ID))
	got, err := ctl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPaused, got.Status)

	require.NoError(t, ctl.ResumeJob(ctx, job.ID))
	got, err = ctl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
}

func TestContext_SkipPreview_RequiresPreviewingStatus(t *testing.T) {
	ctl := newTestContext(t)
	ctx := context.Background()

	job, err := ctl.CreateJob(ctx, CreateJobRequest{
		Username:   "dave",
		RequestURL: "https://example.com/request",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
	})
	require.NoError(t, err)

	err = ctl.SkipPreview(ctx, job.ID)
	assert.Error(t, err, "a job still ACCEPTED has no preview to skip")

	require.NoError(t, ctl.Jobs.SetStatus(ctx, job.ID, model.JobPreviewing, ""))
	require.NoError(t, ctl.SkipPreview(ctx, job.ID))

	got, err := ctl.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
}

func TestRetentionSweeper_Run_PurgesOldTerminalJobs(t *testing.T) {
	ctl := newTestContext(t)
	ctx := context.Background()

	job, err := ctl.CreateJob(ctx, CreateJobRequest{
		Username:   "erin",
		RequestURL: "https://example.com/request",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ctl.Jobs.SetStatus(ctx, job.ID, model.JobRunning, ""))
	require.NoError(t, ctl.Jobs.SetStatus(ctx, job.ID, model.JobFailed, "boom"))

	clock := &fixedClock{now: time.Now().Add(48 * time.Hour)}
	sweeper := NewRetentionSweeper(ctl.Jobs, 1, clock, arbor.NewLogger())
	sweeper.Run(ctx)

	_, err = ctl.GetJob(ctx, job.ID)
	assert.Error(t, err, "terminal job older than the retention window should be purged")
}
