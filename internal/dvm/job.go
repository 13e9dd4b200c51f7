package dvm

import (
	"fmt"
	"sync"
	"time"

	"github.com/openagents/core/internal/nostrtype"
)

// JobStatus is the lifecycle state of a Job. Completed and Failed are
// terminal — a Job in either state never transitions again.
type JobStatus int

const (
	JobReceived JobStatus = iota
	JobPaymentRequired
	JobPending
	JobProcessing
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPaymentRequired:
		return "payment_required"
	case JobPending:
		return "pending"
	case JobProcessing:
		return "processing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "received"
	}
}

// Job is the DVM's working record for one job request. Status carries the
// Rust original's tagged-union payload as separate fields: Amount/Bolt11
// populate on PaymentRequired, Result populates on Completed, Err on Failed.
type Job struct {
	ID              string
	RequestEventID  string
	Customer        string
	Kind            int
	Inputs          []nostrtype.JobInput
	Content         string
	Params          map[string]string
	Model           string
	Status          JobStatus
	AmountMillisat  int64
	Bolt11          string
	Result          string
	Err             string
	CreatedAt       time.Time
}

// jobIDFromEventID mirrors dvm_service.rs's job id scheme: "job_" plus the
// first 16 hex characters of the triggering request event id.
func jobIDFromEventID(eventID string) string {
	n := 16
	if len(eventID) < n {
		n = len(eventID)
	}
	return "job_" + eventID[:n]
}

// JobStore is an in-memory map of Job keyed by id. All transitions are
// serialized by a single mutex, mirroring internal/security/token_broker.go's
// one-mutex-guards-the-cluster-of-maps idiom.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

// Create records a new Job for req. customer is the requesting pubkey (the
// request event's own author, not the JobRequest.Customer field — that
// field carries the "p" tag's preferred-provider hint, per nip90.rs).
func (s *JobStore) Create(req *nostrtype.JobRequest, requestEventID, customer, content string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := make(map[string]string, len(req.Params))
	for _, p := range req.Params {
		params[p.Key] = p.Value
	}

	job := &Job{
		ID:             jobIDFromEventID(requestEventID),
		RequestEventID: requestEventID,
		Customer:       customer,
		Kind:           req.Kind,
		Inputs:         req.Inputs,
		Content:        content,
		Params:         params,
		Model:          params["model"],
		Status:         JobReceived,
		CreatedAt:      time.Now(),
	}
	s.jobs[job.ID] = job
	return job
}

func (s *JobStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Transition applies fn under the store lock and returns an error (without
// applying fn) if the job is already in a terminal state, enforcing the
// "a Completed or Failed job never transitions again" invariant.
func (s *JobStore) Transition(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &NotFoundError{Message: fmt.Sprintf("job %s", id)}
	}
	if j.Status == JobCompleted || j.Status == JobFailed {
		return fmt.Errorf("dvm: job %s is terminal (%s), cannot transition", id, j.Status)
	}
	fn(j)
	return nil
}

// Snapshot returns a copy of every job currently tracked.
func (s *JobStore) Snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}
