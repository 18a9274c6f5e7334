package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
	"github.com/ternarybob/quaero/internal/jwoc/sqlstore"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

type fixedTimeouts struct{ secs int }

func (f fixedTimeouts) TimeoutForService(serviceID string) int { return f.secs }

func newTestDispatcher(t *testing.T) (*Dispatcher, *sqlstore.Store, *queue.InMemoryProvider) {
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
	limits := Limits{CMRMaxPageSize: 2000, MaxGranuleLimit: 1}
	d := New(st, queues, "work-", "scheduler", limits, fixedTimeouts{secs: 120}, arbor.NewLogger())
	return d, st, queues
}

func seedReadyItem(t *testing.T, st *sqlstore.Store, jobID, itemID, serviceID string) {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{ID: jobID, Username: "alice", RequestURL: "https://example.com/req"}
	steps := []model.WorkflowStep{{StepIndex: 0, ServiceID: serviceID, ExpectedCount: 1}}
	require.NoError(t, st.CreateJob(ctx, job, steps))
	require.NoError(t, st.SetStatus(ctx, jobID, model.JobRunning, ""))

	item := model.WorkItem{ID: itemID, ServiceID: serviceID, Status: model.WorkItemReady, Operation: "op:" + itemID}
	err := st.WithJobTx(ctx, jobID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkItems(ctx, 0, []model.WorkItem{item})
	})
	require.NoError(t, err)
}

func TestDispatcher_GetWork_NotFoundWhenNoReadyWork(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.GetWork(context.Background(), "svc-a")
	require.Error(t, err)
	assert.True(t, jwocerr.Is(err, jwocerr.NotFound))
}

func TestDispatcher_GetWork_TransitionsReadyToQueued(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()
	seedReadyItem(t, st, "job_1", "wi_1", "svc-a")

	msg, err := d.GetWork(ctx, "svc-a")
	require.NoError(t, err)
	assert.Equal(t, "wi_1", msg.WorkItemID)
	assert.Equal(t, "job_1", msg.JobID)
	assert.Equal(t, 120, msg.TimeoutSecs)
	assert.Equal(t, 2000, msg.MaxPageSize)

	item, err := st.GetByID(ctx, "wi_1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkItemQueued, item.Status)

	_, err = d.GetWork(ctx, "svc-a")
	assert.Error(t, err, "the only ready item was already claimed")
}

func TestDispatcher_SendWork_PlacesMessageOnWorkQueue(t *testing.T) {
	d, st, queues := newTestDispatcher(t)
	ctx := context.Background()
	seedReadyItem(t, st, "job_2", "wi_2", "svc-b")

	require.NoError(t, d.SendWork(ctx, "svc-b", "wi_2"))

	q, err := queues.Queue(ctx, queue.WorkQueueName("work-", "svc-b"))
	require.NoError(t, err)
	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	var decoded WorkMessage
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "wi_2", decoded.WorkItemID)
	assert.Equal(t, "svc-b", decoded.ServiceID)
}

func TestDispatcher_NotifyReady_PlacesServiceOnSchedulerQueue(t *testing.T) {
	d, _, queues := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.NotifyReady(ctx, "svc-c"))

	q, err := queues.Queue(ctx, "scheduler")
	require.NoError(t, err)
	msg, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "svc-c", string(msg.Body))
}

func TestDispatcher_PumpService_DrainsReadyWorkToWorkQueue(t *testing.T) {
	d, st, queues := newTestDispatcher(t)
	ctx := context.Background()
	seedReadyItem(t, st, "job_3", "wi_3", "svc-d")
	seedReadyItem(t, st, "job_4", "wi_4", "svc-d")

	sent, err := d.PumpService(ctx, "svc-d", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	q, err := queues.Queue(ctx, queue.WorkQueueName("work-", "svc-d"))
	require.NoError(t, err)
	depth, err := q.ApproxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "both pumped items should have landed on the per-service work queue")

	for _, id := range []string{"wi_3", "wi_4"} {
		item, err := st.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.WorkItemQueued, item.Status)
	}
}
