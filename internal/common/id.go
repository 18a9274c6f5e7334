package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewWorkItemID generates a unique work item ID.
// Format: wi_<uuid>
func NewWorkItemID() string {
	return "wi_" + uuid.New().String()
}

// NewBatchID generates a unique batch ID.
// Format: batch_<uuid>
func NewBatchID() string {
	return "batch_" + uuid.New().String()
}
