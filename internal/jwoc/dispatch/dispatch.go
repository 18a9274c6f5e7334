// Package dispatch is C3: it turns READY WorkItems into per-service queue
// messages and answers the worker-facing getWork/sendWork contract.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/jwoc/jwocerr"
	"github.com/ternarybob/quaero/internal/jwoc/model"
	"github.com/ternarybob/quaero/internal/jwoc/queue"
	"github.com/ternarybob/quaero/internal/jwoc/store"
)

// WorkMessage is the payload a worker receives from its per-service queue:
// enough to execute one WorkItem without a further round-trip to JWOC.
type WorkMessage struct {
	WorkItemID    string        `json:"workItemId"`
	JobID         string        `json:"jobId"`
	ServiceID     string        `json:"serviceId"`
	Operation     string        `json:"operation"`
	TimeoutSecs   int           `json:"timeoutSeconds"`
	MaxPageSize   int           `json:"maxCmrPageSize,omitempty"`
	MaxGranules   int           `json:"maxGranuleLimit,omitempty"`
}

// Limits carries the per-service caps a WorkMessage is stamped with.
type Limits struct {
	CMRMaxPageSize  int
	MaxGranuleLimit int
}

// TimeoutProvider resolves the per-service timeout in seconds. main.go
// adapts common.JWOCConfig.TimeoutForService (a time.Duration) to it.
type TimeoutProvider interface {
	TimeoutForService(serviceID string) int
}

// Dispatcher implements the worker-facing getWork/sendWork contract and the
// Scheduler Queue pump described by the round-robin selection policy: among
// UserWork rows (one per job and serviceId) with ready work, the
// least-recently-worked one goes first, ties broken by jobId.
type Dispatcher struct {
	work      store.WorkStore
	queues    queue.Provider
	workPrefix string
	schedulerName string
	limits    Limits
	timeouts  TimeoutProvider
	logger    arbor.ILogger
}

// New builds a Dispatcher.
func New(work store.WorkStore, queues queue.Provider, workPrefix, schedulerName string, limits Limits, timeouts TimeoutProvider, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		work:          work,
		queues:        queues,
		workPrefix:    workPrefix,
		schedulerName: schedulerName,
		limits:        limits,
		timeouts:      timeouts,
		logger:        logger,
	}
}

// GetWork atomically selects one READY WorkItem for serviceID, transitions
// it to QUEUED, and returns the WorkMessage a worker should execute. It
// returns jwocerr.NotFound when no READY work is currently available.
func (d *Dispatcher) GetWork(ctx context.Context, serviceID string) (*WorkMessage, error) {
	candidates, err := d.work.ReadyWorkForService(ctx, serviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, jwocerr.New(jwocerr.NotFound, "no ready work for service "+serviceID)
	}

	item, err := d.work.TransitionToQueued(ctx, candidates[0].ID)
	if err != nil {
		if jwocerr.Is(err, jwocerr.Conflict) {
			// Another dispatch beat us to it; the caller polls again.
			return nil, jwocerr.New(jwocerr.NotFound, "no ready work for service "+serviceID)
		}
		return nil, err
	}

	return d.toMessage(item), nil
}

func (d *Dispatcher) toMessage(item *model.WorkItem) *WorkMessage {
	msg := &WorkMessage{
		WorkItemID:  item.ID,
		JobID:       item.JobID,
		ServiceID:   item.ServiceID,
		Operation:   item.Operation,
		MaxPageSize: d.limits.CMRMaxPageSize,
		MaxGranules: d.limits.MaxGranuleLimit,
	}
	if d.timeouts != nil {
		msg.TimeoutSecs = d.timeouts.TimeoutForService(item.ServiceID)
	}
	return msg
}

// SendWork places a message on serviceID's per-service Work Queue for the
// given WorkItem. Messages are FIFO within a service; the WorkItem id doubles
// as the queue group id, since cross-message ordering within a service is not
// relied on for correctness.
func (d *Dispatcher) SendWork(ctx context.Context, serviceID, workItemID string) error {
	q, err := d.queues.Queue(ctx, queue.WorkQueueName(d.workPrefix, serviceID))
	if err != nil {
		return err
	}

	item, err := d.work.GetByID(ctx, workItemID)
	if err != nil {
		return err
	}
	msg := d.toMessage(item)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal work message: %w", err)
	}
	return q.Send(ctx, body, workItemID)
}

// NotifyReady posts serviceID to the Scheduler Queue, the decoupling signal
// the Update Processor emits whenever it materializes READY WorkItems. A
// separate pump drains this queue and calls PumpService.
func (d *Dispatcher) NotifyReady(ctx context.Context, serviceID string) error {
	q, err := d.queues.Queue(ctx, d.schedulerName)
	if err != nil {
		return err
	}
	return q.Send(ctx, []byte(serviceID), serviceID)
}

// PumpService looks up ready work for serviceID and publishes each to the
// per-service Work Queue, the "getWorkFromDatabase" step of the Scheduler
// Queue pump. batchSize bounds how many items one pump tick drains, so a
// service with a large backlog does not starve the pump's other services.
func (d *Dispatcher) PumpService(ctx context.Context, serviceID string, batchSize int) (int, error) {
	items, err := d.work.ReadyWorkForService(ctx, serviceID, batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, item := range items {
		if _, err := d.work.TransitionToQueued(ctx, item.ID); err != nil {
			if jwocerr.Is(err, jwocerr.Conflict) {
				continue
			}
			return sent, err
		}
		if err := d.SendWork(ctx, serviceID, item.ID); err != nil {
			d.logger.Warn().Err(err).Str("work_item_id", item.ID).Msg("failed to send work message")
			continue
		}
		sent++
	}
	return sent, nil
}
