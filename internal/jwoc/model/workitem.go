package model

import "time"

// WorkItemStatus is one of the seven states in the work-item lifecycle.
type WorkItemStatus string

const (
	WorkItemReady      WorkItemStatus = "READY"
	WorkItemQueued     WorkItemStatus = "QUEUED"
	WorkItemRunning    WorkItemStatus = "RUNNING"
	WorkItemSuccessful WorkItemStatus = "SUCCESSFUL"
	WorkItemWarning    WorkItemStatus = "WARNING"
	WorkItemFailed     WorkItemStatus = "FAILED"
	WorkItemCanceled   WorkItemStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transition for this
// WorkItem (outside of the explicit FAILED->READY retry path).
func (s WorkItemStatus) Terminal() bool {
	switch s {
	case WorkItemSuccessful, WorkItemWarning, WorkItemFailed, WorkItemCanceled:
		return true
	default:
		return false
	}
}

// Active reports whether the WorkItem still counts toward outstanding work.
func (s WorkItemStatus) Active() bool {
	switch s {
	case WorkItemReady, WorkItemQueued, WorkItemRunning:
		return true
	default:
		return false
	}
}

// Result is one output produced by a WorkItem: a catalog URI and its size.
type Result struct {
	Href string `json:"href"`
	Size int64  `json:"size"`
}

// WorkItem is one executable unit for one step of one Job.
type WorkItem struct {
	ID                string         `json:"id"`
	JobID             string         `json:"jobId"`
	WorkflowStepIndex int            `json:"workflowStepIndex"`
	ServiceID         string         `json:"serviceId"`
	Status            WorkItemStatus `json:"status"`
	StartedAt         time.Time      `json:"startedAt,omitempty"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	RetryCount        int            `json:"retryCount"`
	ScrollID          string         `json:"scrollId,omitempty"`
	TotalItemsSize    int64          `json:"totalItemsSize"`
	Duration          time.Duration  `json:"duration"`
	Message           string         `json:"message,omitempty"`
	Results           []Result       `json:"results,omitempty"`
	// Operation is the serialized work description the worker needs to
	// execute this item; opaque to JWOC.
	Operation string `json:"operation"`
	// BatchID links an aggregate WorkItem back to the Batch it was sealed
	// from, empty for non-batched items.
	BatchID string `json:"batchId,omitempty"`
}

// WorkItemUpdate is the wire shape a worker (or the Failer) posts back for a
// WorkItem it has finished.
type WorkItemUpdate struct {
	WorkItemID        string         `json:"workItemId" validate:"required"`
	Status            WorkItemStatus `json:"status" validate:"required,oneof=SUCCESSFUL WARNING FAILED"`
	Results           []Result       `json:"results,omitempty"`
	TotalItemsSize    int64          `json:"totalItemsSize,omitempty"`
	ScrollID          string         `json:"scrollId,omitempty"`
	// Message is the single human-readable failure/warning reason field.
	// Callers that historically distinguished "message" from "errorMessage"
	// both populate this one field; see DESIGN.md for the resolved
	// precedence question.
	Message           string        `json:"message,omitempty"`
	WorkflowStepIndex int           `json:"workflowStepIndex"`
	Duration          time.Duration `json:"duration,omitempty"`
}

// WorkflowStep is an ordered entry in a Job's pipeline.
type WorkflowStep struct {
	JobID               string `json:"jobId"`
	StepIndex           int    `json:"stepIndex"`
	ServiceID           string `json:"serviceId"`
	Operation           string `json:"operation"`
	IsBatched           bool   `json:"isBatched"`
	// IsInputProducer marks a catalog-query (or other catalog-producing)
	// step, where ignoreErrors never absorbs a terminal failure because no
	// downstream step can proceed without its output.
	IsInputProducer     bool   `json:"isInputProducer"`
	MaxBatchInputs      int    `json:"maxBatchInputs"`
	MaxBatchSizeInBytes int64  `json:"maxBatchSizeInBytes"`

	ExpectedCount int `json:"expectedCount"`
	ReadyCount    int `json:"readyCount"`
	RunningCount  int `json:"runningCount"`
	SuccessCount  int `json:"successCount"`
	FailedCount   int `json:"failedCount"`
	CanceledCount int `json:"canceledCount"`
	WarningCount  int `json:"warningCount"`
}

// Done reports whether every WorkItem expected for this step has reached a
// terminal status.
func (s WorkflowStep) Done() bool {
	return s.SuccessCount+s.FailedCount+s.CanceledCount+s.WarningCount >= s.ExpectedCount
}

// UserWork is the derived (username, serviceId, jobId) counter row used to
// answer dispatch-selection queries in O(1).
type UserWork struct {
	Username     string    `json:"username"`
	ServiceID    string    `json:"serviceId"`
	JobID        string    `json:"jobId"`
	ReadyCount   int       `json:"readyCount"`
	RunningCount int       `json:"runningCount"`
	IsAsync      bool      `json:"isAsync"`
	LastWorked   time.Time `json:"lastWorked"`
}

// Batch is an aggregation bucket for a batched step, sealed into a single
// downstream WorkItem when full or when IsLast becomes true.
type Batch struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	StepIndex     int    `json:"stepIndex"`
	SortIndex     int    `json:"sortIndex"`
	IsLast        bool   `json:"isLast"`
	ItemCount     int    `json:"itemCount"`
	TotalSize     int64  `json:"totalSize"`
	Sealed        bool   `json:"sealed"`
	ExpectedCount int    `json:"expectedCount"`
}

// BatchItem is one input accumulated into a Batch.
type BatchItem struct {
	ID      int64  `json:"id"`
	BatchID string `json:"batchId"`
	Href    string `json:"href"`
	Size    int64  `json:"size"`
}
