package process

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
)

// Pool drains the Update Queue and calls Processor.Apply for each
// WorkItemUpdate a worker posts back, the consumer side of the 8-step
// algorithm. Staggered ticker-per-worker loop, the same shape as the
// Scheduler Queue pump: a staggered ticker per worker goroutine.
type Pool struct {
	processor    *Processor
	queues       queue.Provider
	updateName   string
	pollInterval time.Duration
	concurrency  int
	logger       arbor.ILogger

	cancel context.CancelFunc
}

// NewPool builds a consumer pool with concurrency parallel pollers against
// the named Update Queue.
func NewPool(processor *Processor, queues queue.Provider, updateName string, pollInterval time.Duration, concurrency int, logger arbor.ILogger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		processor:    processor,
		queues:       queues,
		updateName:   updateName,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		logger:       logger,
	}
}

// Start launches the pool's poller goroutines against ctx's lifetime.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		go p.poll(runCtx, i)
	}
}

// Stop cancels every poller and waits a grace period for in-flight
// Apply calls to finish their transaction.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	time.Sleep(200 * time.Millisecond)
}

func (p *Pool) poll(ctx context.Context, workerID int) {
	staggerDelay := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processOne(ctx); err != nil {
				msg := err.Error()
				if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
					p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("update pool error")
				}
			}
		}
	}
}

func (p *Pool) processOne(ctx context.Context) error {
	q, err := p.queues.Queue(ctx, p.updateName)
	if err != nil {
		return err
	}

	msg, err := q.Receive(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	var update model.WorkItemUpdate
	if err := json.Unmarshal(msg.Body, &update); err != nil {
		p.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("update pool discarding malformed message")
		return q.Delete(ctx, msg.ID)
	}

	result, applyErr := p.processor.Apply(ctx, update)
	if applyErr != nil {
		p.logger.Warn().Err(applyErr).Str("work_item_id", update.WorkItemID).Msg("update pool failed to apply update")
		return q.Delete(ctx, msg.ID)
	}

	if result.Requeued {
		p.logger.Debug().Str("work_item_id", update.WorkItemID).Msg("update pool requeued work item for retry")
	}
	for _, serviceID := range result.ReadyServices {
		p.logger.Debug().Str("work_item_id", update.WorkItemID).Str("service_id", serviceID).Msg("update pool surfaced new ready work")
	}

	return q.Delete(ctx, msg.ID)
}
