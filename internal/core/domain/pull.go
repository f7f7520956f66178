package domain

import (
	"errors"
	"fmt"
	"time"
)

type PullID string

type PullState string

const (
	PullStateQueued    PullState = "QUEUED"
	PullStateRunning   PullState = "RUNNING"
	PullStateCompleted PullState = "COMPLETED"
	PullStateFailed    PullState = "FAILED"
	PullStateCancelled PullState = "CANCELLED"
)

// BytesUnknown marks a byte counter the upstream has not reported yet.
// Distinct from zero so progress math never treats "no data" as "empty".
const BytesUnknown int64 = -1

type PullErrorKind string

const (
	// PullErrorUpstreamUnavailable: the download stream could not be opened at all.
	PullErrorUpstreamUnavailable PullErrorKind = "upstream_unavailable"
	// PullErrorStream: the upstream reported an error event, or the stream
	// ended without a terminal signal.
	PullErrorStream PullErrorKind = "stream"
)

// PullError classifies why a pull ended in FAILED.
type PullError struct {
	Kind    PullErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *PullError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

var (
	ErrPullNotFound  = errors.New("pull job not found")
	ErrDuplicatePull = errors.New("a pull for this model is already in flight")
	// ErrTerminalState is returned by transition methods invoked on a job that
	// already reached COMPLETED, FAILED or CANCELLED. Hitting it outside the
	// cancel/worker race is a concurrency bug, so callers must not swallow it.
	ErrTerminalState = errors.New("pull job is already in a terminal state")
)

// PullJob tracks one model download attempt. Mutated only by the pull manager
// and its worker goroutine; external callers see PullSnapshot copies.
type PullJob struct {
	ID              PullID
	Model           string
	State           PullState
	Phase           string
	BytesDone       int64
	BytesTotal      int64
	Err             *PullError
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

func NewPullJob(id PullID, model string, now time.Time) *PullJob {
	return &PullJob{
		ID:         id,
		Model:      model,
		State:      PullStateQueued,
		BytesDone:  0,
		BytesTotal: BytesUnknown,
		CreatedAt:  now,
	}
}

// Terminal reports whether no further transitions are possible.
func (j *PullJob) Terminal() bool {
	switch j.State {
	case PullStateCompleted, PullStateFailed, PullStateCancelled:
		return true
	}
	return false
}

// Start moves the job from QUEUED to RUNNING once its stream is open.
func (j *PullJob) Start(now time.Time) error {
	if j.Terminal() {
		return ErrTerminalState
	}
	if j.State != PullStateQueued {
		return fmt.Errorf("cannot start pull in state %s", j.State)
	}
	j.State = PullStateRunning
	j.StartedAt = &now
	return nil
}

// ApplyProgress folds one decoded progress event into the job. Byte counters
// never regress: a stale or unknown value keeps the previous one.
func (j *PullJob) ApplyProgress(ev PullProgress) error {
	if j.Terminal() {
		return ErrTerminalState
	}
	if j.State != PullStateRunning {
		return fmt.Errorf("cannot apply progress in state %s", j.State)
	}
	if ev.Phase != "" {
		j.Phase = ev.Phase
	}
	if ev.BytesDone != BytesUnknown && ev.BytesDone > j.BytesDone {
		j.BytesDone = ev.BytesDone
	}
	if ev.BytesTotal != BytesUnknown {
		j.BytesTotal = ev.BytesTotal
	}
	return nil
}

// Complete marks a RUNNING job as successfully finished.
func (j *PullJob) Complete(now time.Time) error {
	if j.Terminal() {
		return ErrTerminalState
	}
	if j.State != PullStateRunning {
		return fmt.Errorf("cannot complete pull in state %s", j.State)
	}
	j.State = PullStateCompleted
	if j.BytesTotal != BytesUnknown {
		j.BytesDone = j.BytesTotal
	}
	j.FinishedAt = &now
	return nil
}

// Fail marks the job as failed with a classified error.
func (j *PullJob) Fail(kind PullErrorKind, message string, now time.Time) error {
	if j.Terminal() {
		return ErrTerminalState
	}
	j.State = PullStateFailed
	j.Err = &PullError{Kind: kind, Message: message}
	j.FinishedAt = &now
	return nil
}

// CancelNow transitions the job to CANCELLED. Valid from QUEUED (cancelled
// before admission) and RUNNING (worker observed the cancel flag).
func (j *PullJob) CancelNow(now time.Time) error {
	if j.Terminal() {
		return ErrTerminalState
	}
	j.State = PullStateCancelled
	j.CancelRequested = true
	j.FinishedAt = &now
	return nil
}

// PullSnapshot is an immutable copy of a job's fields, safe to hand out
// across the manager boundary.
type PullSnapshot struct {
	ID              PullID     `json:"id"`
	Model           string     `json:"model"`
	State           PullState  `json:"state"`
	Phase           string     `json:"phase,omitempty"`
	BytesDone       int64      `json:"bytes_done"`
	BytesTotal      int64      `json:"bytes_total"`
	Error           *PullError `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the snapshot was taken in a terminal state.
func (s PullSnapshot) Terminal() bool {
	switch s.State {
	case PullStateCompleted, PullStateFailed, PullStateCancelled:
		return true
	}
	return false
}

// Snapshot returns a deep value copy of the job.
func (j *PullJob) Snapshot() PullSnapshot {
	s := PullSnapshot{
		ID:              j.ID,
		Model:           j.Model,
		State:           j.State,
		Phase:           j.Phase,
		BytesDone:       j.BytesDone,
		BytesTotal:      j.BytesTotal,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
	}
	if j.Err != nil {
		errCopy := *j.Err
		s.Error = &errCopy
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		s.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
