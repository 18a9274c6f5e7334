package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Terminal(t *testing.T) {
	terminal := []JobStatus{JobSuccessful, JobFailed, JobCanceled, JobCompleteWithErrors}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []JobStatus{JobAccepted, JobPreviewing, JobPaused, JobRunning, JobRunningWithErrors}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobAccepted, JobRunning))
	assert.True(t, CanTransition(JobAccepted, JobPreviewing))
	assert.True(t, CanTransition(JobRunning, JobRunningWithErrors))
	assert.True(t, CanTransition(JobRunningWithErrors, JobCompleteWithErrors))
	assert.True(t, CanTransition(JobPaused, JobRunning))

	assert.False(t, CanTransition(JobAccepted, JobCompleteWithErrors))
	assert.False(t, CanTransition(JobSuccessful, JobRunning), "terminal status admits no further transition")
	assert.False(t, CanTransition(JobRunning, JobPreviewing), "can't go back to previewing once running")
}
