package queue

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"maragu.dev/goqite"

	"github.com/ternarybob/arbor"
)

// GoqiteProvider is the production Provider, backed by maragu.dev/goqite
// against the same *sql.DB the job/work-item store uses, generalized from
// one fixed queue name to an arbitrary set.
type GoqiteProvider struct {
	db     *sql.DB
	logger arbor.ILogger

	mu     sync.Mutex
	queues map[string]*goqiteQueue
}

// NewGoqiteProvider creates a Provider. The goqite schema is created once
// (Setup is idempotent; "already exists" is swallowed exactly as the
// teacher's connection.go does).
func NewGoqiteProvider(ctx context.Context, db *sql.DB, logger arbor.ILogger) (*GoqiteProvider, error) {
	if err := goqite.Setup(ctx, db); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, err
		}
	}
	return &GoqiteProvider{
		db:     db,
		logger: logger,
		queues: make(map[string]*goqiteQueue),
	}, nil
}

func (p *GoqiteProvider) Queue(ctx context.Context, name string) (Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[name]; ok {
		return q, nil
	}

	q := &goqiteQueue{
		q: goqite.New(goqite.NewOpts{
			DB:   p.db,
			Name: name,
		}),
		db:     p.db,
		name:   name,
		logger: p.logger,
	}
	p.queues[name] = q
	return q, nil
}

type goqiteQueue struct {
	q      *goqite.Queue
	db     *sql.DB
	name   string
	logger arbor.ILogger
}

func (q *goqiteQueue) Send(ctx context.Context, body []byte, groupID string) error {
	return retryBusy(ctx, q.logger, func() error {
		return q.q.Send(ctx, goqite.Message{Body: body})
	})
}

func (q *goqiteQueue) Receive(ctx context.Context) (*Message, error) {
	var gMsg *goqite.Message
	err := retryBusy(ctx, q.logger, func() error {
		var recvErr error
		gMsg, recvErr = q.q.Receive(ctx)
		return recvErr
	})
	if err != nil {
		return nil, err
	}
	if gMsg == nil {
		return nil, nil
	}
	return &Message{ID: string(gMsg.ID), Body: gMsg.Body}, nil
}

func (q *goqiteQueue) Delete(ctx context.Context, messageID string) error {
	return retryBusy(ctx, q.logger, func() error {
		return q.q.Delete(ctx, goqite.ID(messageID))
	})
}

func (q *goqiteQueue) ApproxDepth(ctx context.Context) (int, error) {
	var count int
	err := retryBusy(ctx, q.logger, func() error {
		return q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM goqite WHERE queue = ?`, q.name).Scan(&count)
	})
	return count, err
}

// retryBusy retries an operation with exponential backoff for transient
// SQLITE_BUSY / "database is locked" errors.
func retryBusy(ctx context.Context, logger arbor.ILogger, operation func() error) error {
	const maxAttempts = 5
	delay := 100 * time.Millisecond

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
					Str("error", msg).
					Msg("queue busy, retrying")
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
