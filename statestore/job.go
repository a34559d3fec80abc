package statestore

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a single job row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Job is the sole persistent entity of the queue. Instances returned by
// a Store are snapshots owned by the caller; mutating them has no effect
// on persistent state.
type Job struct {
	ID            string
	TypeName      string
	ChainID       string
	ChainTypeName string
	RootChainID   string
	OriginID      *string

	Input  json.RawMessage
	Output json.RawMessage

	Status      Status
	CreatedAt   time.Time
	ScheduledAt time.Time
	CompletedAt *time.Time
	CompletedBy *string

	Attempt          int
	LastAttemptAt    *time.Time
	LastAttemptError *string

	LeasedBy    *string
	LeasedUntil *time.Time

	DeduplicationKey *string
}

// FirstOfChain reports whether this job started its chain.
func (j *Job) FirstOfChain() bool { return j.ID == j.ChainID }

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.OriginID = clonePtr(j.OriginID)
	c.Input = cloneRaw(j.Input)
	c.Output = cloneRaw(j.Output)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.CompletedBy = clonePtr(j.CompletedBy)
	c.LastAttemptAt = clonePtr(j.LastAttemptAt)
	c.LastAttemptError = clonePtr(j.LastAttemptError)
	c.LeasedBy = clonePtr(j.LeasedBy)
	c.LeasedUntil = clonePtr(j.LeasedUntil)
	c.DeduplicationKey = clonePtr(j.DeduplicationKey)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

// JobChain pairs the first and the most recently created job of a chain.
// Root and Latest are the same object for single-job chains.
type JobChain struct {
	Root   *Job
	Latest *Job
}

// Terminal reports whether the chain has finished: its latest job is
// completed and no continuation was created for it.
func (c *JobChain) Terminal() bool {
	return c != nil && c.Latest != nil && c.Latest.Status == StatusCompleted
}

// Schedule expresses when a job becomes runnable. A zero Schedule means
// "now". When both At and After are set, At wins.
type Schedule struct {
	At    time.Time
	After time.Duration
}

// ResolveAt converts the schedule to an absolute time relative to now.
func (s *Schedule) ResolveAt(now time.Time) time.Time {
	if s == nil {
		return now
	}
	if !s.At.IsZero() {
		return s.At
	}
	if s.After > 0 {
		return now.Add(s.After)
	}
	return now
}

// DedupScope selects which prior chains a deduplication key matches.
type DedupScope string

const (
	// DedupIncomplete matches only chains whose first job is not completed.
	DedupIncomplete DedupScope = "incomplete"
	// DedupAny matches chains in any state.
	DedupAny DedupScope = "any"
)

// Deduplication asks CreateJob to return an existing first-of-chain job
// with the same key instead of inserting a new one.
//
// Window, when non-nil, restricts candidates to jobs created within the
// window. A zero window matches nothing, so the call never deduplicates.
type Deduplication struct {
	Key    string
	Scope  DedupScope
	Window *time.Duration
}

// WindowAdmits reports whether a job created at createdAt is a dedup
// candidate at time now. Adapters share this so window semantics cannot
// drift between backends.
func (d *Deduplication) WindowAdmits(createdAt, now time.Time) bool {
	if d.Window == nil {
		return true
	}
	return now.Sub(createdAt) < *d.Window
}
