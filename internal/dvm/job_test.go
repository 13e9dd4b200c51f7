package dvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagents/core/internal/nostrtype"
)

func TestJobStore_CreateUsesEventContentAsFallback(t *testing.T) {
	s := NewJobStore()
	req := &nostrtype.JobRequest{Kind: 5100, Params: []nostrtype.JobParam{{Key: "model", Value: "mock-small"}}}

	j := s.Create(req, "event-id-0123456789abcdef", "customer-pubkey", "raw event content")

	assert.Equal(t, "job_event-id-0123456", j.ID)
	assert.Equal(t, "customer-pubkey", j.Customer)
	assert.Equal(t, "mock-small", j.Model)
	assert.Equal(t, "raw event content", j.Content)
	assert.Equal(t, JobReceived, j.Status)
}

func TestJobStore_TransitionRefusesAfterTerminal(t *testing.T) {
	s := NewJobStore()
	req := &nostrtype.JobRequest{Kind: 5100}
	j := s.Create(req, "event-id", "customer", "")

	require.NoError(t, s.Transition(j.ID, func(job *Job) { job.Status = JobCompleted }))

	err := s.Transition(j.ID, func(job *Job) { job.Status = JobFailed })
	assert.Error(t, err, "a completed job must never transition again")

	got, ok := s.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, got.Status, "the refused transition must not have mutated the job")
}

func TestJobStore_TransitionUnknownJobNotFound(t *testing.T) {
	s := NewJobStore()
	err := s.Transition("job_does_not_exist", func(j *Job) {})
	assert.Error(t, err)
	assert.IsType(t, &NotFoundError{}, err)
}

func TestJobStore_Snapshot(t *testing.T) {
	s := NewJobStore()
	s.Create(&nostrtype.JobRequest{Kind: 5100}, "event-1", "customer-a", "")
	s.Create(&nostrtype.JobRequest{Kind: 5100}, "event-2", "customer-b", "")

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
}
