package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/jwoc/control"
	"github.com/ternarybob/quaero/internal/jwoc/dispatch"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/process"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
	"github.com/ternarybob/quaero/internal/jwoc/sqlstore"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

type noopTimeouts struct{}

func (noopTimeouts) TimeoutForService(serviceID string) int { return 60 }

func newTestServer(t *testing.T) *Server {
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
	d := dispatch.New(st, queues, "work-", "scheduler", dispatch.Limits{}, noopTimeouts{}, arbor.NewLogger())

	logger := arbor.NewLogger()
	ctl := &control.Context{
		Jobs:        st,
		Work:        st,
		Dispatcher:  d,
		Credentials: control.NoopCredentialRefresher{Logger: logger},
		Clock:       store.SystemClock{},
		Logger:      logger,
	}
	proc := process.New(st, st, d, process.Config{WorkItemRetryLimit: 1, MaxPercentErrorsForJob: -1}, logger)

	return New(ctl, d, proc, logger)
}

func TestServer_CreateAndGetJob(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	body, err := json.Marshal(control.CreateJobRequest{
		Username:   "alice",
		RequestURL: "https://example.com/req",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var created model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	getReq := httptest.NewRequest("GET", "/jobs/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	assert.Equal(t, 200, getRec.Code)
}

func TestServer_CreateJob_ValidationFailure(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code, "a request missing required fields must fail validation")
}

func TestServer_GetWork_NotFoundWhenNoReadyWork(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	req := httptest.NewRequest("GET", "/work?serviceID=catalog-query", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestServer_GetWork_ThenPutWork_Succeeds(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()
	ctx := context.Background()

	job := &model.Job{ID: "job_http_1", Username: "alice", RequestURL: "https://example.com/req"}
	steps := []model.WorkflowStep{{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1}}
	require.NoError(t, srv.ctl.Jobs.CreateJob(ctx, job, steps))
	require.NoError(t, srv.ctl.Jobs.SetStatus(ctx, job.ID, model.JobRunning, ""))
	require.NoError(t, srv.ctl.Jobs.WithJobTx(ctx, job.ID, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWorkItems(ctx, 0, []model.WorkItem{{ID: "wi_http_1", ServiceID: "catalog-query", Status: model.WorkItemReady, Operation: "op"}})
	}))

	getReq := httptest.NewRequest("GET", "/work?serviceID=catalog-query", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, 200, getRec.Code)

	update := model.WorkItemUpdate{Status: model.WorkItemSuccessful}
	updateBody, err := json.Marshal(update)
	require.NoError(t, err)

	putReq := httptest.NewRequest("PUT", "/work/wi_http_1", bytes.NewReader(updateBody))
	putRec := httptest.NewRecorder()
	mux.ServeHTTP(putRec, putReq)
	assert.Equal(t, 204, putRec.Code)
}

func TestServer_JobAction_CancelUnknownJobReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	req := httptest.NewRequest("POST", "/jobs/does-not-exist/cancel", bytes.NewReader([]byte(`{"reason":"test"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestServer_ListJobs_ReturnsCreatedJob(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.Routes()

	body, err := json.Marshal(control.CreateJobRequest{
		Username:   "bob",
		RequestURL: "https://example.com/req",
		Steps: []model.WorkflowStep{
			{StepIndex: 0, ServiceID: "catalog-query", IsInputProducer: true, ExpectedCount: 1},
		},
	})
	require.NoError(t, err)
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/jobs", bytes.NewReader(body)))

	listReq := httptest.NewRequest("GET", "/jobs?username=bob", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	require.Equal(t, 200, listRec.Code)

	var out struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &out))
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "bob", out.Jobs[0].Username)
}
