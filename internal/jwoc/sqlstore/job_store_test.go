package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// fixedClock lets tests control "now" deterministically instead of racing
// time.Now, the same reason store.Clock exists in production.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func openTestStore(t *testing.T) (*Store, *fixedClock) {
	t.Helper()
	dir := t.TempDir()
	cfg := common.StorageConfig{
		Path:          filepath.Join(dir, "test.db"),
		BusyTimeoutMS: 2000,
		CacheSizeKB:   2000,
	}
	db, err := Open(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fixedClock{now: time.Now()}
	return New(db, arbor.NewLogger(), clock), clock
}

func sampleSteps(jobID string) []model.WorkflowStep {
	return []model.WorkflowStep{
		{JobID: jobID, StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		{JobID: jobID, StepIndex: 1, ServiceID: "subset-service", ExpectedCount: 0},
	}
}

func TestStore_CreateJobAndGetJob(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job_1", Username: "alice", RequestURL: "https://example.com/request"}
	require.NoError(t, s.CreateJob(ctx, job, sampleSteps(job.ID)))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobAccepted, got.Status)
	assert.Equal(t, "alice", got.Username)
	assert.False(t, got.CreatedAt.IsZero())

	steps, err := s.GetWorkflowSteps(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "catalog-query", steps[0].ServiceID)
	assert.True(t, steps[0].IsInputProducer)
}

func TestStore_SetStatus_IllegalTransition(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job_2", Username: "bob", RequestURL: "https://example.com/request"}
	require.NoError(t, s.CreateJob(ctx, job, sampleSteps(job.ID)))

	require.NoError(t, s.SetStatus(ctx, job.ID, model.JobRunning, ""))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, "The job is being processed", got.Message)

	err = s.SetStatus(ctx, job.ID, model.JobPreviewing, "")
	assert.Error(t, err, "can't go back to previewing once running")

	require.NoError(t, s.SetStatus(ctx, job.ID, model.JobSuccessful, "done"))
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccessful, got.Status)
	assert.Equal(t, 100, got.Progress)

	err = s.SetStatus(ctx, job.ID, model.JobRunning, "")
	assert.Error(t, err, "terminal status admits no further transition")
}

func TestStore_WithJobTx_CreateAndUpdateWorkItem(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job_3", Username: "carol", RequestURL: "https://example.com/request"}
	require.NoError(t, s.CreateJob(ctx, job, sampleSteps(job.ID)))

	item := model.WorkItem{ID: "wi_1", ServiceID: "catalog-query", Status: model.WorkItemReady, Operation: "op"}
	err := s.WithJobTx(ctx, job.ID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkItems(ctx, 0, []model.WorkItem{item})
	})
	require.NoError(t, err)

	steps, err := s.GetWorkflowSteps(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, steps[0].ReadyCount)

	err = s.WithJobTx(ctx, job.ID, func(ctx context.Context, tx store.Tx) error {
		wi, err := tx.GetWorkItem(ctx, "wi_1")
		require.NoError(t, err)
		wi.Status = model.WorkItemSuccessful
		return tx.UpdateWorkItem(ctx, wi)
	})
	require.NoError(t, err)

	fromStore, err := s.GetByID(ctx, "wi_1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemSuccessful, fromStore.Status)
}

func TestStore_ReadyWorkForService_RoundRobin(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	jobA := &model.Job{ID: "job_a", Username: "alice", RequestURL: "https://example.com/a"}
	jobB := &model.Job{ID: "job_b", Username: "bob", RequestURL: "https://example.com/b"}
	require.NoError(t, s.CreateJob(ctx, jobA, sampleSteps(jobA.ID)))
	require.NoError(t, s.CreateJob(ctx, jobB, sampleSteps(jobB.ID)))
	require.NoError(t, s.SetStatus(ctx, jobA.ID, model.JobRunning, ""))
	require.NoError(t, s.SetStatus(ctx, jobB.ID, model.JobRunning, ""))

	for _, jc := range []struct {
		jobID, username, itemID string
	}{
		{"job_a", "alice", "wi_a"},
		{"job_b", "bob", "wi_b"},
	} {
		jobID, username, itemID := jc.jobID, jc.username, jc.itemID
		item := model.WorkItem{ID: itemID, ServiceID: "catalog-query", Status: model.WorkItemReady, Operation: "op"}
		err := s.WithJobTx(ctx, jobID, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CreateWorkItems(ctx, 0, []model.WorkItem{item}); err != nil {
				return err
			}
			return tx.IncrementUserWork(ctx, username, "catalog-query", 1, 0)
		})
		require.NoError(t, err)
	}

	items, err := s.ReadyWorkForService(ctx, "catalog-query", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	ids := []string{items[0].ID, items[1].ID}
	assert.Contains(t, ids, "wi_a")
	assert.Contains(t, ids, "wi_b")
}

func TestStore_ReadyWorkForService_ExcludesPausedJob(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	running := &model.Job{ID: "job_running", Username: "alice", RequestURL: "https://example.com/a"}
	paused := &model.Job{ID: "job_paused", Username: "bob", RequestURL: "https://example.com/b"}
	require.NoError(t, s.CreateJob(ctx, running, sampleSteps(running.ID)))
	require.NoError(t, s.CreateJob(ctx, paused, sampleSteps(paused.ID)))
	require.NoError(t, s.SetStatus(ctx, running.ID, model.JobRunning, ""))
	require.NoError(t, s.SetStatus(ctx, paused.ID, model.JobRunning, ""))
	require.NoError(t, s.SetStatus(ctx, paused.ID, model.JobPaused, ""))

	for _, jc := range []struct{ jobID, username, itemID string }{
		{"job_running", "alice", "wi_running"},
		{"job_paused", "bob", "wi_paused"},
	} {
		jobID, username, itemID := jc.jobID, jc.username, jc.itemID
		item := model.WorkItem{ID: itemID, ServiceID: "catalog-query", Status: model.WorkItemReady, Operation: "op"}
		err := s.WithJobTx(ctx, jobID, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CreateWorkItems(ctx, 0, []model.WorkItem{item}); err != nil {
				return err
			}
			return tx.IncrementUserWork(ctx, username, "catalog-query", 1, 0)
		})
		require.NoError(t, err)
	}

	items, err := s.ReadyWorkForService(ctx, "catalog-query", 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "a PAUSED job's READY work must not be handed out even though ready_count is still set")
	assert.Equal(t, "wi_running", items[0].ID)
}

func TestStore_AppendEventAndListEvents(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := &model.Job{ID: "job_4", Username: "dave", RequestURL: "https://example.com/request"}
	require.NoError(t, s.CreateJob(ctx, job, sampleSteps(job.ID)))

	require.NoError(t, s.AppendEvent(ctx, job.ID, "info", "job accepted"))
	require.NoError(t, s.AppendEvent(ctx, job.ID, "warn", "retrying step 0"))

	events, err := s.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "job accepted", events[0].Message)
	assert.Equal(t, "retrying step 0", events[1].Message)
}

func TestStore_DeleteTerminalOlderThan(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	old := &model.Job{ID: "job_old", Username: "erin", RequestURL: "https://example.com/old"}
	require.NoError(t, s.CreateJob(ctx, old, sampleSteps(old.ID)))
	require.NoError(t, s.SetStatus(ctx, old.ID, model.JobFailed, "boom"))

	clock.now = clock.now.Add(48 * time.Hour)

	fresh := &model.Job{ID: "job_fresh", Username: "erin", RequestURL: "https://example.com/fresh"}
	require.NoError(t, s.CreateJob(ctx, fresh, sampleSteps(fresh.ID)))
	require.NoError(t, s.SetStatus(ctx, fresh.ID, model.JobFailed, "boom"))

	cutoff := clock.now.Add(-24 * time.Hour)
	count, err := s.DeleteTerminalOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = s.GetJob(ctx, old.ID)
	assert.Error(t, err, "old terminal job should have been purged")

	_, err = s.GetJob(ctx, fresh.ID)
	assert.NoError(t, err, "fresh job is newer than the cutoff and should survive")
}
