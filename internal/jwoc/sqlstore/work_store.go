package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
)

// getWorkItem loads one WorkItem by id, usable standalone or inside a tx.
func getWorkItem(ctx context.Context, q execer, workItemID string) (*model.WorkItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, job_id, workflow_step_index, service_id, status, started_at, updated_at, retry_count,
		       scroll_id, total_items_size, duration_ms, message, results, operation, batch_id
		FROM work_items WHERE id = ?`, workItemID)

	var (
		item       model.WorkItem
		status     string
		startedAt  sql.NullInt64
		updatedAt  int64
		durationMs int64
		results    string
	)
	if err := row.Scan(&item.ID, &item.JobID, &item.WorkflowStepIndex, &item.ServiceID, &status, &startedAt,
		&updatedAt, &item.RetryCount, &item.ScrollID, &item.TotalItemsSize, &durationMs, &item.Message,
		&results, &item.Operation, &item.BatchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, jwocerr.New(jwocerr.NotFound, "work item not found: "+workItemID)
		}
		return nil, err
	}

	item.Status = model.WorkItemStatus(status)
	if startedAt.Valid {
		item.StartedAt = fromUnixMillis(startedAt.Int64)
	}
	item.UpdatedAt = fromUnixMillis(updatedAt)
	item.Duration = time.Duration(durationMs) * time.Millisecond
	item.Results = unmarshalResults(results)
	return &item, nil
}

func listWorkItemsForJob(ctx context.Context, q execer, jobID string) ([]model.WorkItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, job_id, workflow_step_index, service_id, status, started_at, updated_at, retry_count,
		       scroll_id, total_items_size, duration_ms, message, results, operation, batch_id
		FROM work_items WHERE job_id = ? ORDER BY workflow_step_index, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var (
			item       model.WorkItem
			status     string
			startedAt  sql.NullInt64
			updatedAt  int64
			durationMs int64
			results    string
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.WorkflowStepIndex, &item.ServiceID, &status, &startedAt,
			&updatedAt, &item.RetryCount, &item.ScrollID, &item.TotalItemsSize, &durationMs, &item.Message,
			&results, &item.Operation, &item.BatchID); err != nil {
			return nil, err
		}
		item.Status = model.WorkItemStatus(status)
		if startedAt.Valid {
			item.StartedAt = fromUnixMillis(startedAt.Int64)
		}
		item.UpdatedAt = fromUnixMillis(updatedAt)
		item.Duration = time.Duration(durationMs) * time.Millisecond
		item.Results = unmarshalResults(results)
		items = append(items, item)
	}
	return items, rows.Err()
}

func insertWorkItem(ctx context.Context, q execer, clock interface{ Now() time.Time }, item *model.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("work item id is required")
	}
	now := clock.Now()
	if item.Status == "" {
		item.Status = model.WorkItemReady
	}
	item.UpdatedAt = now

	var startedAt sql.NullInt64
	if !item.StartedAt.IsZero() {
		startedAt = sql.NullInt64{Int64: unixMillis(item.StartedAt), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO work_items (id, job_id, workflow_step_index, service_id, status, started_at, updated_at, retry_count,
			scroll_id, total_items_size, duration_ms, message, results, operation, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobID, item.WorkflowStepIndex, item.ServiceID, string(item.Status), startedAt,
		unixMillis(now), item.RetryCount, item.ScrollID, item.TotalItemsSize,
		item.Duration.Milliseconds(), item.Message, marshalResults(item.Results), item.Operation, item.BatchID)
	if err != nil {
		return fmt.Errorf("insert work item %s: %w", item.ID, err)
	}
	return nil
}

// updateWorkItem overwrites the mutable fields of an existing WorkItem row.
func updateWorkItem(ctx context.Context, q execer, clock interface{ Now() time.Time }, item *model.WorkItem) error {
	item.UpdatedAt = clock.Now()

	var startedAt sql.NullInt64
	if !item.StartedAt.IsZero() {
		startedAt = sql.NullInt64{Int64: unixMillis(item.StartedAt), Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET
			status = ?, started_at = ?, updated_at = ?, retry_count = ?, scroll_id = ?,
			total_items_size = ?, duration_ms = ?, message = ?, results = ?, operation = ?, batch_id = ?
		WHERE id = ?`,
		string(item.Status), startedAt, unixMillis(item.UpdatedAt), item.RetryCount, item.ScrollID,
		item.TotalItemsSize, item.Duration.Milliseconds(), item.Message, marshalResults(item.Results),
		item.Operation, item.BatchID, item.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jwocerr.New(jwocerr.NotFound, "work item not found: "+item.ID)
	}
	return nil
}

func incrementUserWork(ctx context.Context, q execer, clock interface{ Now() time.Time }, jobID, username, serviceID string, readyDelta, runningDelta int) error {
	now := unixMillis(clock.Now())
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_work (username, service_id, job_id, ready_count, running_count, is_async, last_worked)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (job_id, service_id) DO UPDATE SET
			ready_count = ready_count + excluded.ready_count,
			running_count = running_count + excluded.running_count,
			last_worked = excluded.last_worked`,
		username, serviceID, jobID, readyDelta, runningDelta, now)
	return err
}

func openBatch(ctx context.Context, q execer, jobID string, stepIndex int) (*model.Batch, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, job_id, step_index, sort_index, is_last, item_count, total_size, sealed, expected_count
		FROM batches WHERE job_id = ? AND step_index = ? AND sealed = 0
		ORDER BY sort_index DESC LIMIT 1`, jobID, stepIndex)

	batch, err := scanBatch(row)
	if err == nil {
		return batch, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var nextSort int
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(sort_index) + 1, 0) FROM batches WHERE job_id = ? AND step_index = ?",
		jobID, stepIndex).Scan(&nextSort); err != nil {
		return nil, err
	}

	id := jobID + "_batch_" + fmt.Sprintf("%d_%d", stepIndex, nextSort)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO batches (id, job_id, step_index, sort_index, is_last, item_count, total_size, sealed, expected_count)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, 0)`, id, jobID, stepIndex, nextSort); err != nil {
		return nil, err
	}

	return &model.Batch{ID: id, JobID: jobID, StepIndex: stepIndex, SortIndex: nextSort}, nil
}

func scanBatch(row *sql.Row) (*model.Batch, error) {
	var (
		b             model.Batch
		isLast, sealed int
	)
	if err := row.Scan(&b.ID, &b.JobID, &b.StepIndex, &b.SortIndex, &isLast, &b.ItemCount, &b.TotalSize, &sealed, &b.ExpectedCount); err != nil {
		return nil, err
	}
	b.IsLast = isLast != 0
	b.Sealed = sealed != 0
	return &b, nil
}

func adjustBatchExpected(ctx context.Context, q execer, jobID string, stepIndex int, delta int) (*model.Batch, error) {
	batch, err := openBatch(ctx, q, jobID, stepIndex)
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, "UPDATE batches SET expected_count = expected_count + ? WHERE id = ?", delta, batch.ID); err != nil {
		return nil, err
	}
	batch.ExpectedCount += delta
	return batch, nil
}

func appendBatchItem(ctx context.Context, q execer, batchID string, item model.BatchItem) (*model.Batch, error) {
	if _, err := q.ExecContext(ctx, "INSERT INTO batch_items (batch_id, href, size) VALUES (?, ?, ?)",
		batchID, item.Href, item.Size); err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, "UPDATE batches SET item_count = item_count + 1, total_size = total_size + ? WHERE id = ?",
		item.Size, batchID); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT id, job_id, step_index, sort_index, is_last, item_count, total_size, sealed, expected_count
		FROM batches WHERE id = ?`, batchID)
	return scanBatch(row)
}

// WorkStore methods, called by the Dispatcher and Failer outside an active
// JobStore transaction.

func (s *Store) GetByID(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	return getWorkItem(ctx, s.db.Raw(), workItemID)
}

func (s *Store) ListByJobID(ctx context.Context, jobID string) ([]model.WorkItem, error) {
	return listWorkItemsForJob(ctx, s.db.Raw(), jobID)
}

func (s *Store) GetByAgeAndStatus(ctx context.Context, olderThan time.Time, statuses []model.WorkItemStatus, jobStatuses []model.JobStatus, limit int, startingID string) ([]model.WorkItem, error) {
	query := `
		SELECT wi.id, wi.job_id, wi.workflow_step_index, wi.service_id, wi.status, wi.started_at, wi.updated_at,
		       wi.retry_count, wi.scroll_id, wi.total_items_size, wi.duration_ms, wi.message, wi.results,
		       wi.operation, wi.batch_id
		FROM work_items wi
		JOIN jobs j ON j.id = wi.job_id
		WHERE wi.updated_at < ? AND wi.id > ?`
	args := []interface{}{unixMillis(olderThan), startingID}

	if len(statuses) > 0 {
		query += " AND wi.status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	if len(jobStatuses) > 0 {
		query += " AND j.status IN (" + placeholders(len(jobStatuses)) + ")"
		for _, st := range jobStatuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY wi.id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Raw().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		var (
			item       model.WorkItem
			status     string
			startedAt  sql.NullInt64
			updatedAt  int64
			durationMs int64
			results    string
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.WorkflowStepIndex, &item.ServiceID, &status, &startedAt,
			&updatedAt, &item.RetryCount, &item.ScrollID, &item.TotalItemsSize, &durationMs, &item.Message,
			&results, &item.Operation, &item.BatchID); err != nil {
			return nil, err
		}
		item.Status = model.WorkItemStatus(status)
		if startedAt.Valid {
			item.StartedAt = fromUnixMillis(startedAt.Int64)
		}
		item.UpdatedAt = fromUnixMillis(updatedAt)
		item.Duration = time.Duration(durationMs) * time.Millisecond
		item.Results = unmarshalResults(results)
		items = append(items, item)
	}
	return items, rows.Err()
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

func (s *Store) MaxSuccessfulDuration(ctx context.Context, jobID, serviceID string, stepIndex int) (time.Duration, int, error) {
	var (
		maxMs sql.NullInt64
		count int
	)
	err := s.db.Raw().QueryRowContext(ctx, `
		SELECT MAX(duration_ms), COUNT(*) FROM work_items
		WHERE job_id = ? AND service_id = ? AND workflow_step_index = ? AND status = ?`,
		jobID, serviceID, stepIndex, string(model.WorkItemSuccessful)).Scan(&maxMs, &count)
	if err != nil {
		return 0, 0, err
	}
	return time.Duration(maxMs.Int64) * time.Millisecond, count, nil
}

// ReadyWorkForService implements the Dispatcher's round-robin selection:
// among UserWork rows with READY items for serviceID across all non-paused
// Jobs, pick the one least recently worked (ties broken by jobId), an
// oldest-first fairness rule applied per (job, service) rather than a
// single FIFO queue. PAUSED keeps its ready_count but is excluded here,
// which is what makes Pause stop dispatch without having to touch every
// READY WorkItem; PREVIEWING stays eligible since the catalog-query step
// still runs during preview, and terminal Jobs never carry a positive
// ready_count in the first place.
func (s *Store) ReadyWorkForService(ctx context.Context, serviceID string, limit int) ([]model.WorkItem, error) {
	rows, err := s.db.Raw().QueryContext(ctx, `
		SELECT uw.job_id FROM user_work uw
		JOIN jobs j ON j.id = uw.job_id
		WHERE uw.service_id = ? AND uw.ready_count > 0 AND j.status IN (?, ?, ?, ?)
		ORDER BY uw.last_worked ASC, uw.job_id ASC
		LIMIT ?`, serviceID, string(model.JobAccepted), string(model.JobPreviewing),
		string(model.JobRunning), string(model.JobRunningWithErrors), limit)
	if err != nil {
		return nil, err
	}
	var jobIDs []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return nil, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var items []model.WorkItem
	for _, jobID := range jobIDs {
		if len(items) >= limit {
			break
		}
		row := s.db.Raw().QueryRowContext(ctx, `
			SELECT id, job_id, workflow_step_index, service_id, status, started_at, updated_at, retry_count,
			       scroll_id, total_items_size, duration_ms, message, results, operation, batch_id
			FROM work_items WHERE job_id = ? AND service_id = ? AND status = ? ORDER BY id ASC LIMIT 1`,
			jobID, serviceID, string(model.WorkItemReady))

		var (
			item       model.WorkItem
			status     string
			startedAt  sql.NullInt64
			updatedAt  int64
			durationMs int64
			results    string
		)
		if err := row.Scan(&item.ID, &item.JobID, &item.WorkflowStepIndex, &item.ServiceID, &status, &startedAt,
			&updatedAt, &item.RetryCount, &item.ScrollID, &item.TotalItemsSize, &durationMs, &item.Message,
			&results, &item.Operation, &item.BatchID); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		item.Status = model.WorkItemStatus(status)
		if startedAt.Valid {
			item.StartedAt = fromUnixMillis(startedAt.Int64)
		}
		item.UpdatedAt = fromUnixMillis(updatedAt)
		item.Duration = time.Duration(durationMs) * time.Millisecond
		item.Results = unmarshalResults(results)
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) TransitionToQueued(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := retryBusy(ctx, s.logger, func() error {
		tx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		item, err := getWorkItem(ctx, tx, workItemID)
		if err != nil {
			return err
		}
		if item.Status != model.WorkItemReady {
			return jwocerr.New(jwocerr.Conflict, "work item "+workItemID+" is no longer READY")
		}
		item.Status = model.WorkItemQueued
		if err := updateWorkItem(ctx, tx, s.clock, item); err != nil {
			return err
		}
		if err := bumpStepCounters(ctx, tx, item.JobID, item.WorkflowStepIndex, -1, 0, 0, 0, 0, 0); err != nil {
			return err
		}
		var username string
		if err := tx.QueryRowContext(ctx, "SELECT username FROM jobs WHERE id = ?", item.JobID).Scan(&username); err != nil {
			return err
		}
		if err := incrementUserWork(ctx, tx, s.clock, item.JobID, username, item.ServiceID, -1, 1); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}

func (s *Store) TransitionToRunning(ctx context.Context, workItemID string) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := retryBusy(ctx, s.logger, func() error {
		tx, err := s.db.Raw().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		item, err := getWorkItem(ctx, tx, workItemID)
		if err != nil {
			return err
		}
		if item.Status != model.WorkItemQueued {
			return jwocerr.New(jwocerr.Conflict, "work item "+workItemID+" is no longer QUEUED")
		}
		item.Status = model.WorkItemRunning
		item.StartedAt = s.clock.Now()
		if err := updateWorkItem(ctx, tx, s.clock, item); err != nil {
			return err
		}
		if err := bumpStepCounters(ctx, tx, item.JobID, item.WorkflowStepIndex, 0, 1, 0, 0, 0, 0); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}
