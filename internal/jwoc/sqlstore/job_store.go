package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// Store implements both store.JobStore and store.WorkStore against one
// SQLite connection, because Job/WorkItem/Batch invariants are cross-table.
type Store struct {
	db     *DB
	logger arbor.ILogger
	clock  store.Clock

	// jobLocks gives callers an in-process mutex per jobId, taken before
	// the transaction begins; a second caller for the same job blocks
	// until the first is done. With the connection pool capped at one
	// connection, transactions are also serialized against each other;
	// the mutex would be the only per-job guard if the store were ever
	// backed by a multi-connection engine (see DESIGN.md).
	jobLocks sync.Map // map[string]*sync.Mutex
}

// New builds a Store over an already-opened DB.
func New(db *DB, logger arbor.ILogger, clock store.Clock) *Store {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{db: db, logger: logger, clock: clock}
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	v, _ := s.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// defaultStatusMessage fills in the standard per-status message when the
// caller supplies none.
func defaultStatusMessage(status model.JobStatus, supplied string) string {
	if supplied != "" {
		return supplied
	}
	switch status {
	case model.JobRunning:
		return "The job is being processed"
	case model.JobCanceled:
		return "Canceled by user"
	default:
		return ""
	}
}

func (s *Store) CreateJob(ctx context.Context, job *model.Job, steps []model.WorkflowStep) error {
	now := s.clock.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = model.JobAccepted
	}

	return retryBusy(ctx, s.logger, func() error {
		tx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, username, request_url, message, progress, status, ignore_errors, num_input_granules, collection_refs, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Username, job.RequestURL, job.Message, job.Progress, string(job.Status),
			boolToInt(job.IgnoreErrors), job.NumInputGranules, marshalStrings(job.CollectionRefs),
			unixMillis(now), unixMillis(now))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for _, step := range steps {
			if err := insertWorkflowStep(ctx, tx, job.ID, step); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// insertWorkflowStep writes a step's static shape. expected_count always
// starts at 0: the real fan-out of a catalog query (or any upstream step) is
// unknown until WorkItems are actually materialized against the step, so
// CreateWorkItems is the only place expected_count is allowed to grow.
func insertWorkflowStep(ctx context.Context, q execer, jobID string, step model.WorkflowStep) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO workflow_steps (job_id, step_index, service_id, operation, is_batched, is_input_producer, max_batch_inputs, max_batch_size_in_bytes, expected_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		jobID, step.StepIndex, step.ServiceID, step.Operation, boolToInt(step.IsBatched),
		boolToInt(step.IsInputProducer), step.MaxBatchInputs, step.MaxBatchSizeInBytes)
	if err != nil {
		return fmt.Errorf("insert workflow step %d: %w", step.StepIndex, err)
	}
	return nil
}

func bumpExpectedCount(ctx context.Context, q execer, jobID string, stepIndex, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, "UPDATE workflow_steps SET expected_count = expected_count + ? WHERE job_id = ? AND step_index = ?",
		delta, jobID, stepIndex)
	return err
}

func (s *Store) SetStatus(ctx context.Context, jobID string, newStatus model.JobStatus, message string) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	return retryBusy(ctx, s.logger, func() error {
		tx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := setStatusTx(ctx, tx, s.clock, jobID, newStatus, message); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func setStatusTx(ctx context.Context, tx *sql.Tx, clock store.Clock, jobID string, newStatus model.JobStatus, message string) error {
	var current model.JobStatus
	if err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", jobID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return jwocerr.New(jwocerr.NotFound, "job not found: "+jobID)
		}
		return err
	}

	if !model.CanTransition(current, newStatus) {
		return jwocerr.New(jwocerr.IllegalStateTransition,
			fmt.Sprintf("cannot transition job from %s to %s", current, newStatus))
	}

	msg := defaultStatusMessage(newStatus, message)
	progress := sql.NullInt64{}
	if newStatus.Terminal() && newStatus != model.JobFailed && newStatus != model.JobCanceled {
		progress = sql.NullInt64{Int64: 100, Valid: true}
	}

	now := unixMillis(clock.Now())
	if progress.Valid {
		_, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, message = ?, progress = ?, updated_at = ? WHERE id = ?",
			string(newStatus), msg, progress.Int64, now, jobID)
		return err
	}
	_, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, message = ?, updated_at = ? WHERE id = ?",
		string(newStatus), msg, now, jobID)
	return err
}

func (s *Store) AppendError(ctx context.Context, jobID, url, message string, category model.ErrorCategory) error {
	return retryBusy(ctx, s.logger, func() error {
		_, err := s.db.Raw().ExecContext(ctx,
			"INSERT INTO job_errors (job_id, url, message, category) VALUES (?, ?, ?, ?)",
			jobID, url, message, string(category))
		return err
	})
}

func (s *Store) AddLinks(ctx context.Context, jobID string, links []model.Link) error {
	return retryBusy(ctx, s.logger, func() error {
		tx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, l := range links {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO job_links (job_id, sort_index, href, rel, title, type) VALUES (?, ?, ?, ?, ?, ?)",
				jobID, l.SortIndex, l.Href, l.Rel, l.Title, l.Type); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return getJob(ctx, s.db.Raw(), jobID)
}

func getJob(ctx context.Context, q execer, jobID string) (*model.Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, username, request_url, message, progress, status, ignore_errors, num_input_granules, collection_refs, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID)

	var (
		job            model.Job
		status         string
		ignoreErrors   int
		collectionRefs string
		createdAt      int64
		updatedAt      int64
	)
	if err := row.Scan(&job.ID, &job.Username, &job.RequestURL, &job.Message, &job.Progress, &status,
		&ignoreErrors, &job.NumInputGranules, &collectionRefs, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, jwocerr.New(jwocerr.NotFound, "job not found: "+jobID)
		}
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.IgnoreErrors = ignoreErrors != 0
	job.CollectionRefs = unmarshalStrings(collectionRefs)
	job.CreatedAt = fromUnixMillis(createdAt)
	job.UpdatedAt = fromUnixMillis(updatedAt)

	links, err := listLinks(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	job.Links = links

	errs, err := listErrors(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	job.Errors = errs

	return &job, nil
}

func listLinks(ctx context.Context, q execer, jobID string) ([]model.Link, error) {
	rows, err := q.QueryContext(ctx, "SELECT sort_index, href, rel, title, type FROM job_links WHERE job_id = ? ORDER BY sort_index", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.SortIndex, &l.Href, &l.Rel, &l.Title, &l.Type); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func listErrors(ctx context.Context, q execer, jobID string) ([]model.JobError, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, url, message, category FROM job_errors WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []model.JobError
	for rows.Next() {
		var e model.JobError
		var category string
		if err := rows.Scan(&e.ID, &e.URL, &e.Message, &category); err != nil {
			return nil, err
		}
		e.JobID = jobID
		e.Category = model.ErrorCategory(category)
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter, page store.Page) ([]model.Job, error) {
	query := "SELECT id FROM jobs WHERE 1=1"
	var args []interface{}

	if filter.Username != "" {
		query += " AND username = ?"
		args = append(args, filter.Username)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range filter.Statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, string(st))
		}
		query += ")"
	}
	query += " ORDER BY created_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.db.Raw().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		j, err := getJob(ctx, s.db.Raw(), id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *Store) GetWorkflowSteps(ctx context.Context, jobID string) ([]model.WorkflowStep, error) {
	return listWorkflowSteps(ctx, s.db.Raw(), jobID)
}

func listWorkflowSteps(ctx context.Context, q execer, jobID string) ([]model.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT job_id, step_index, service_id, operation, is_batched, is_input_producer, max_batch_inputs, max_batch_size_in_bytes,
		       expected_count, ready_count, running_count, success_count, failed_count, canceled_count, warning_count
		FROM workflow_steps WHERE job_id = ? ORDER BY step_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		var st model.WorkflowStep
		var isBatched, isInputProducer int
		if err := rows.Scan(&st.JobID, &st.StepIndex, &st.ServiceID, &st.Operation, &isBatched, &isInputProducer,
			&st.MaxBatchInputs, &st.MaxBatchSizeInBytes, &st.ExpectedCount, &st.ReadyCount, &st.RunningCount,
			&st.SuccessCount, &st.FailedCount, &st.CanceledCount, &st.WarningCount); err != nil {
			return nil, err
		}
		st.IsBatched = isBatched != 0
		st.IsInputProducer = isInputProducer != 0
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) BumpStepCounters(ctx context.Context, jobID string, stepIndex int, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta int) error {
	return retryBusy(ctx, s.logger, func() error {
		return bumpStepCounters(ctx, s.db.Raw(), jobID, stepIndex, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta)
	})
}

func bumpStepCounters(ctx context.Context, q execer, jobID string, stepIndex int, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE workflow_steps SET
			ready_count = ready_count + ?,
			running_count = running_count + ?,
			success_count = success_count + ?,
			failed_count = failed_count + ?,
			canceled_count = canceled_count + ?,
			warning_count = warning_count + ?
		WHERE job_id = ? AND step_index = ?`,
		readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta, jobID, stepIndex)
	return err
}

// WithJobTx runs fn inside one transaction, after first taking the
// in-process per-job mutex; the one-connection pool keeps any other
// transaction from running while it is open. This is the
// serialization point the Update Processor relies on: many consumers may
// run concurrently, but two updates for the same Job can never interleave.
func (s *Store) WithJobTx(ctx context.Context, jobID string, fn func(ctx context.Context, tx store.Tx) error) error {
	mu := s.lockFor(jobID)
	mu.Lock()
	defer mu.Unlock()

	return retryBusy(ctx, s.logger, func() error {
		sqlTx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer sqlTx.Rollback()

		if _, err := sqlTx.ExecContext(ctx, "SELECT id FROM jobs WHERE id = ?", jobID); err != nil {
			return err
		}

		txImpl := &jobTx{tx: sqlTx, jobID: jobID, clock: s.clock}
		if err := fn(ctx, txImpl); err != nil {
			return err
		}
		return sqlTx.Commit()
	})
}

func (s *Store) AppendEvent(ctx context.Context, jobID, level, message string) error {
	return retryBusy(ctx, s.logger, func() error {
		_, err := s.db.Raw().ExecContext(ctx,
			"INSERT INTO job_events (job_id, level, message, created_at) VALUES (?, ?, ?, ?)",
			jobID, level, message, unixMillis(s.clock.Now()))
		return err
	})
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.Raw().QueryContext(ctx,
		"SELECT id, level, message, created_at FROM job_events WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.JobID = jobID
		e.CreatedAt = fromUnixMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var total int
	err := retryBusy(ctx, s.logger, func() error {
		res, err := s.db.Raw().ExecContext(ctx, `
			DELETE FROM jobs WHERE updated_at < ? AND status IN (?, ?, ?, ?)`,
			unixMillis(cutoff), string(model.JobSuccessful), string(model.JobFailed),
			string(model.JobCanceled), string(model.JobCompleteWithErrors))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		total = int(n)
		return err
	})
	return total, err
}

// jobTx implements store.Tx over one *sql.Tx scoped to a single jobID.
type jobTx struct {
	tx    *sql.Tx
	jobID string
	clock store.Clock
}

func (t *jobTx) GetJob(ctx context.Context) (*model.Job, error) {
	return getJob(ctx, t.tx, t.jobID)
}

func (t *jobTx) SetStatus(ctx context.Context, newStatus model.JobStatus, message string) error {
	return setStatusTx(ctx, t.tx, t.clock, t.jobID, newStatus, message)
}

func (t *jobTx) AppendError(ctx context.Context, url, message string, category model.ErrorCategory) error {
	_, err := t.tx.ExecContext(ctx, "INSERT INTO job_errors (job_id, url, message, category) VALUES (?, ?, ?, ?)",
		t.jobID, url, message, string(category))
	return err
}

func (t *jobTx) GetWorkflowSteps(ctx context.Context) ([]model.WorkflowStep, error) {
	return listWorkflowSteps(ctx, t.tx, t.jobID)
}

func (t *jobTx) BumpStepCounters(ctx context.Context, stepIndex int, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta int) error {
	return bumpStepCounters(ctx, t.tx, t.jobID, stepIndex, readyDelta, runningDelta, successDelta, failedDelta, canceledDelta, warningDelta)
}

func (t *jobTx) GetWorkItem(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	return getWorkItem(ctx, t.tx, workItemID)
}

func (t *jobTx) UpdateWorkItem(ctx context.Context, item *model.WorkItem) error {
	return updateWorkItem(ctx, t.tx, t.clock, item)
}

func (t *jobTx) CreateWorkItems(ctx context.Context, stepIndex int, items []model.WorkItem) error {
	readyByService := map[string]int{}
	for i := range items {
		items[i].JobID = t.jobID
		items[i].WorkflowStepIndex = stepIndex
		if err := insertWorkItem(ctx, t.tx, t.clock, &items[i]); err != nil {
			return err
		}
		if items[i].Status == model.WorkItemReady {
			readyByService[items[i].ServiceID]++
		}
	}
	if err := bumpStepCounters(ctx, t.tx, t.jobID, stepIndex, len(items), 0, 0, 0, 0, 0); err != nil {
		return err
	}
	if err := bumpExpectedCount(ctx, t.tx, t.jobID, stepIndex, len(items)); err != nil {
		return err
	}

	// The Dispatcher's round-robin selection (ReadyWorkForService) reads the
	// user_work table, not workflow_steps, so every newly-READY item must
	// also be reflected there against the owning Job's username.
	if len(readyByService) > 0 {
		var username string
		if err := t.tx.QueryRowContext(ctx, "SELECT username FROM jobs WHERE id = ?", t.jobID).Scan(&username); err != nil {
			return err
		}
		for serviceID, count := range readyByService {
			if err := incrementUserWork(ctx, t.tx, t.clock, t.jobID, username, serviceID, count, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *jobTx) ListWorkItems(ctx context.Context) ([]model.WorkItem, error) {
	return listWorkItemsForJob(ctx, t.tx, t.jobID)
}

func (t *jobTx) CancelNonTerminalWorkItems(ctx context.Context) (int, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, updated_at = ? WHERE job_id = ? AND status IN (?, ?, ?)`,
		string(model.WorkItemCanceled), unixMillis(t.clock.Now()), t.jobID,
		string(model.WorkItemReady), string(model.WorkItemQueued), string(model.WorkItemRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *jobTx) IncrementUserWork(ctx context.Context, username, serviceID string, readyDelta, runningDelta int) error {
	return incrementUserWork(ctx, t.tx, t.clock, t.jobID, username, serviceID, readyDelta, runningDelta)
}

func (t *jobTx) OpenBatch(ctx context.Context, stepIndex int) (*model.Batch, error) {
	return openBatch(ctx, t.tx, t.jobID, stepIndex)
}

func (t *jobTx) AppendBatchItem(ctx context.Context, batchID string, item model.BatchItem) (*model.Batch, error) {
	return appendBatchItem(ctx, t.tx, batchID, item)
}

func (t *jobTx) SealBatch(ctx context.Context, batchID string, isLast bool) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE batches SET sealed = 1, is_last = ? WHERE id = ?", boolToInt(isLast), batchID)
	return err
}

func (t *jobTx) AdjustBatchExpected(ctx context.Context, stepIndex int, delta int) (*model.Batch, error) {
	return adjustBatchExpected(ctx, t.tx, t.jobID, stepIndex, delta)
}

func (t *jobTx) HasOpenBatches(ctx context.Context) (bool, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM batches WHERE job_id = ? AND sealed = 0", t.jobID).Scan(&count)
	return count > 0, err
}

func (t *jobTx) SetProgress(ctx context.Context, progress int) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?",
		progress, unixMillis(t.clock.Now()), t.jobID)
	return err
}
