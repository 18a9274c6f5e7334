package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/model"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// helper below run either standalone or inside a WithJobTx transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalResults(results []model.Result) string {
	if len(results) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(results)
	return string(b)
}

func unmarshalResults(s string) []model.Result {
	var results []model.Result
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &results)
	return results
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// retryBusy retries a write operation with exponential backoff when SQLite
// reports contention. With the connection pool capped at one open connection
// this mostly guards against the in-process per-job mutex being bypassed by a
// caller that forgot to take it.
func retryBusy(ctx context.Context, logger arbor.ILogger, operation func() error) error {
	const maxAttempts = 5
	delay := 50 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		msg := lastErr.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return lastErr
		}

		if attempt < maxAttempts {
			if logger != nil {
				logger.Warn().
					Int("attempt", attempt).
					Str("delay", delay.String()).
					Msg("database locked, retrying")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}
