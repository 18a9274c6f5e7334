package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/queue"
)

// SchedulerPump drains the Scheduler Queue and calls Dispatcher.PumpService
// for each serviceId it finds, the "separate pump" the Dispatcher contract
// describes. Staggered ticker-per-worker loop, one goroutine per configured
// concurrency slot.
type SchedulerPump struct {
	dispatcher    *Dispatcher
	queues        queue.Provider
	schedulerName string
	pollInterval  time.Duration
	concurrency   int
	pumpBatchSize int
	logger        arbor.ILogger

	cancel context.CancelFunc
}

// NewSchedulerPump builds a pump with concurrency parallel pollers.
func NewSchedulerPump(dispatcher *Dispatcher, queues queue.Provider, schedulerName string, pollInterval time.Duration, concurrency, pumpBatchSize int, logger arbor.ILogger) *SchedulerPump {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SchedulerPump{
		dispatcher:    dispatcher,
		queues:        queues,
		schedulerName: schedulerName,
		pollInterval:  pollInterval,
		concurrency:   concurrency,
		pumpBatchSize: pumpBatchSize,
		logger:        logger,
	}
}

// Start launches the pump's poller goroutines against ctx's lifetime.
func (p *SchedulerPump) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		go p.poll(runCtx, i)
	}
}

// Stop cancels every poller. Callers that need to drain in-flight work
// first should cancel the parent context and wait out the grace period.
func (p *SchedulerPump) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	time.Sleep(200 * time.Millisecond)
}

func (p *SchedulerPump) poll(ctx context.Context, workerID int) {
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
					p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("scheduler pump error")
				}
			}
		}
	}
}

func (p *SchedulerPump) processOne(ctx context.Context) error {
	q, err := p.queues.Queue(ctx, p.schedulerName)
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

	serviceID := string(msg.Body)
	sent, pumpErr := p.dispatcher.PumpService(ctx, serviceID, p.pumpBatchSize)
	if pumpErr != nil {
		p.logger.Warn().Err(pumpErr).Str("service_id", serviceID).Msg("scheduler pump failed to publish ready work")
	} else {
		p.logger.Debug().Str("service_id", serviceID).Int("sent", sent).Msg("scheduler pump published ready work")
	}

	return q.Delete(ctx, msg.ID)
}
