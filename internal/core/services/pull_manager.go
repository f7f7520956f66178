package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hbastos/ollamad/internal/core/domain"
	"github.com/hbastos/ollamad/internal/core/ports"
)

// PullManagerConfig defines concurrency and retention limits.
type PullManagerConfig struct {
	// MaxConcurrentPulls bounds how many downloads run at once. Default 2.
	MaxConcurrentPulls int64
	// RetentionJobs bounds how many terminal jobs stay queryable. Oldest
	// terminal jobs are evicted first; non-terminal jobs are never evicted.
	// Default 50.
	RetentionJobs int
	// PullTimeout, when non-zero, bounds a whole download via the job
	// context. Zero (the default) means no watchdog over a stalled stream.
	PullTimeout time.Duration
	// QueueDepth is the admission queue buffer. Default 256.
	QueueDepth int
}

func (c PullManagerConfig) withDefaults() PullManagerConfig {
	if c.MaxConcurrentPulls <= 0 {
		c.MaxConcurrentPulls = 2
	}
	if c.RetentionJobs <= 0 {
		c.RetentionJobs = 50
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	return c
}

// trackedPull pairs a job with its own mutex so progress updates on
// different jobs never contend, plus the cancel hook for its worker context.
type trackedPull struct {
	mu     sync.Mutex
	job    *domain.PullJob
	cancel context.CancelFunc
}

// PullManager owns the in-memory job table: it admits downloads under the
// concurrency gate in submission order, drives each job's state machine from
// decoded stream events, and answers polling queries with snapshots.
type PullManager struct {
	logger   *slog.Logger
	upstream ports.ModelPuller
	bus      *EventBus
	cfg      PullManagerConfig
	sem      *semaphore.Weighted
	pending  chan domain.PullID
	now      func() time.Time

	mu    sync.RWMutex
	table map[domain.PullID]*trackedPull
	order []domain.PullID // creation order, oldest first
}

func NewPullManager(logger *slog.Logger, upstream ports.ModelPuller, bus *EventBus, cfg PullManagerConfig) *PullManager {
	cfg = cfg.withDefaults()
	return &PullManager{
		logger:   logger,
		upstream: upstream,
		bus:      bus,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentPulls),
		pending:  make(chan domain.PullID, cfg.QueueDepth),
		now:      time.Now,
		table:    make(map[domain.PullID]*trackedPull),
	}
}

// Run consumes the admission queue until ctx is cancelled. Jobs are admitted
// first-submitted-first-admitted; the semaphore holds back admissions beyond
// the concurrency limit. Blocks; run it under the process errgroup.
func (m *PullManager) Run(ctx context.Context) error {
	m.logger.Info("pull manager started", "max_concurrent", m.cfg.MaxConcurrentPulls)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pull manager stopping")
			return nil
		case id := <-m.pending:
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			go func(id domain.PullID) {
				defer m.sem.Release(1)
				m.runWorker(ctx, id)
			}(id)
		}
	}
}

// Submit registers a download for the model and queues it for admission.
// Synchronous: the returned snapshot is already visible to Get. A model with
// a non-terminal job in flight is rejected with domain.ErrDuplicatePull.
func (m *PullManager) Submit(model string) (domain.PullSnapshot, error) {
	m.mu.Lock()
	for _, id := range m.order {
		tp := m.table[id]
		tp.mu.Lock()
		dup := tp.job.Model == model && !tp.job.Terminal()
		tp.mu.Unlock()
		if dup {
			m.mu.Unlock()
			return domain.PullSnapshot{}, fmt.Errorf("%w: %s", domain.ErrDuplicatePull, model)
		}
	}

	job := domain.NewPullJob(domain.PullID(uuid.NewString()), model, m.now())
	tp := &trackedPull{job: job}
	m.table[job.ID] = tp
	m.order = append(m.order, job.ID)
	snap := job.Snapshot()
	m.mu.Unlock()

	m.logger.Info("pull submitted", "pull_id", job.ID, "model", model)
	m.publish(EventTypeState, snap)

	select {
	case m.pending <- job.ID:
	default:
		// The queue only fills if submissions outpace admissions by hundreds
		// of jobs. Fail the job instead of blocking the caller.
		m.logger.Error("admission queue full, failing pull", "pull_id", job.ID)
		m.finish(tp, func(j *domain.PullJob) error {
			return j.Fail(domain.PullErrorStream, "admission queue full", m.now())
		})
		return m.mustSnapshot(tp), nil
	}

	return snap, nil
}

// Cancel requests cancellation. Queued jobs transition to CANCELLED right
// here, before their stream ever opens; running jobs are cancelled
// cooperatively at the worker's next checkpoint. Cancelling a terminal job
// is an acknowledged no-op.
func (m *PullManager) Cancel(id domain.PullID) error {
	m.mu.RLock()
	tp, ok := m.table[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrPullNotFound
	}

	tp.mu.Lock()
	if tp.job.Terminal() {
		tp.mu.Unlock()
		return nil
	}
	tp.job.CancelRequested = true

	var snap domain.PullSnapshot
	cancelled := false
	if tp.job.State == domain.PullStateQueued {
		if err := tp.job.CancelNow(m.now()); err == nil {
			cancelled = true
			snap = tp.job.Snapshot()
		}
	}
	cancel := tp.cancel
	tp.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelled {
		m.logger.Info("pull cancelled before admission", "pull_id", id)
		m.publish(EventTypeState, snap)
		m.bus.CloseTopic(id)
		m.evictTerminal()
	}
	return nil
}

// Get returns an immutable snapshot of one job.
func (m *PullManager) Get(id domain.PullID) (domain.PullSnapshot, error) {
	m.mu.RLock()
	tp, ok := m.table[id]
	m.mu.RUnlock()
	if !ok {
		return domain.PullSnapshot{}, domain.ErrPullNotFound
	}
	return m.mustSnapshot(tp), nil
}

// ListActive returns all non-terminal jobs, oldest first.
func (m *PullManager) ListActive() []domain.PullSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]domain.PullSnapshot, 0)
	for _, id := range m.order {
		snap := m.mustSnapshot(m.table[id])
		if !snap.Terminal() {
			active = append(active, snap)
		}
	}
	return active
}

// ListRecent returns up to limit jobs, most recently created first,
// terminal jobs included.
func (m *PullManager) ListRecent(limit int) []domain.PullSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	recent := make([]domain.PullSnapshot, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(recent) < limit; i-- {
		recent = append(recent, m.mustSnapshot(m.table[m.order[i]]))
	}
	return recent
}

// runWorker drives one admitted job: open the stream, consume events, land
// in exactly one terminal state. A panic is contained to this job.
func (m *PullManager) runWorker(ctx context.Context, id domain.PullID) {
	m.mu.RLock()
	tp, ok := m.table[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pull worker panicked", "pull_id", id, "panic", r)
			m.finish(tp, func(j *domain.PullJob) error {
				return j.Fail(domain.PullErrorStream, fmt.Sprintf("worker panic: %v", r), m.now())
			})
		}
	}()

	// Checkpoint: cancelled while waiting for a slot.
	tp.mu.Lock()
	if tp.job.Terminal() {
		tp.mu.Unlock()
		return
	}
	if tp.job.CancelRequested {
		tp.mu.Unlock()
		m.finish(tp, func(j *domain.PullJob) error { return j.CancelNow(m.now()) })
		return
	}
	var jobCtx context.Context
	var cancel context.CancelFunc
	if m.cfg.PullTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, m.cfg.PullTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	tp.cancel = cancel
	model := tp.job.Model
	tp.mu.Unlock()
	defer cancel()

	stream, err := m.upstream.Pull(jobCtx, model)
	if err != nil {
		if m.cancelRequested(tp) {
			m.finish(tp, func(j *domain.PullJob) error { return j.CancelNow(m.now()) })
			return
		}
		m.logger.Error("failed to open pull stream", "pull_id", id, "model", model, "error", err)
		m.finish(tp, func(j *domain.PullJob) error {
			return j.Fail(domain.PullErrorUpstreamUnavailable, err.Error(), m.now())
		})
		return
	}
	defer stream.Close()

	// Cancellation while the worker is blocked in a read: closing the stream
	// is the mechanism that unblocks it.
	go func() {
		<-jobCtx.Done()
		stream.Close()
	}()

	// Checkpoint: cancelled between admission and stream open.
	if m.cancelRequested(tp) {
		m.finish(tp, func(j *domain.PullJob) error { return j.CancelNow(m.now()) })
		return
	}

	tp.mu.Lock()
	err = tp.job.Start(m.now())
	snap := tp.job.Snapshot()
	tp.mu.Unlock()
	if err != nil {
		m.logger.Error("invalid pull transition", "pull_id", id, "error", err)
		return
	}
	m.logger.Info("pull running", "pull_id", id, "model", model)
	m.publish(EventTypeState, snap)

	m.consumeStream(tp, stream)
}

// consumeStream applies decoded events in stream order until a terminal
// event, cancellation, or stream end.
func (m *PullManager) consumeStream(tp *trackedPull, stream io.Reader) {
	id := tp.job.ID

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		// Checkpoint: once per decoded progress line.
		if m.cancelRequested(tp) {
			m.finish(tp, func(j *domain.PullJob) error { return j.CancelNow(m.now()) })
			return
		}

		ev, err := domain.DecodePullRecord(scanner.Bytes())
		if err != nil {
			m.logger.Warn("skipping malformed pull record", "pull_id", id, "error", err)
			continue
		}

		switch ev := ev.(type) {
		case nil:
		case domain.PullProgress:
			tp.mu.Lock()
			err := tp.job.ApplyProgress(ev)
			snap := tp.job.Snapshot()
			tp.mu.Unlock()
			if err != nil {
				m.logger.Error("invalid pull transition", "pull_id", id, "error", err)
				return
			}
			m.publish(EventTypeProgress, snap)
		case domain.PullSuccess:
			m.finish(tp, func(j *domain.PullJob) error { return j.Complete(m.now()) })
			return
		case domain.PullFailure:
			m.finish(tp, func(j *domain.PullJob) error {
				return j.Fail(domain.PullErrorStream, ev.Message, m.now())
			})
			return
		}
	}

	// Stream ended without a terminal event: either our cancellation closed
	// it, or the upstream hung up early.
	if m.cancelRequested(tp) {
		m.finish(tp, func(j *domain.PullJob) error { return j.CancelNow(m.now()) })
		return
	}
	message := "incomplete stream"
	if err := scanner.Err(); err != nil {
		message = fmt.Sprintf("incomplete stream: %v", err)
	}
	m.finish(tp, func(j *domain.PullJob) error {
		return j.Fail(domain.PullErrorStream, message, m.now())
	})
}

// finish applies a terminal transition, publishes the final snapshot, closes
// the job's event topic and triggers retention eviction. A rejected
// transition outside the cancel/worker race is a concurrency bug and is
// logged loudly.
func (m *PullManager) finish(tp *trackedPull, apply func(*domain.PullJob) error) {
	tp.mu.Lock()
	err := apply(tp.job)
	snap := tp.job.Snapshot()
	tp.mu.Unlock()

	if err != nil {
		if !errors.Is(err, domain.ErrTerminalState) {
			m.logger.Error("invalid pull transition", "pull_id", tp.job.ID, "error", err)
		}
		return
	}

	attrs := []any{"pull_id", snap.ID, "model", snap.Model, "state", snap.State}
	if snap.Error != nil {
		attrs = append(attrs, "error_kind", snap.Error.Kind, "error", snap.Error.Message)
	}
	m.logger.Info("pull finished", attrs...)

	m.publish(EventTypeState, snap)
	m.bus.CloseTopic(snap.ID)
	m.evictTerminal()
}

// evictTerminal drops the oldest terminal jobs beyond the retention bound.
func (m *PullManager) evictTerminal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminal := 0
	for _, id := range m.order {
		if m.mustSnapshot(m.table[id]).Terminal() {
			terminal++
		}
	}

	for i := 0; terminal > m.cfg.RetentionJobs && i < len(m.order); {
		id := m.order[i]
		if !m.mustSnapshot(m.table[id]).Terminal() {
			i++
			continue
		}
		delete(m.table, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
		terminal--
	}
}

func (m *PullManager) cancelRequested(tp *trackedPull) bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.job.CancelRequested
}

func (m *PullManager) mustSnapshot(tp *trackedPull) domain.PullSnapshot {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.job.Snapshot()
}

func (m *PullManager) publish(eventType EventType, snap domain.PullSnapshot) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(Event{PullID: snap.ID, Type: eventType, Snapshot: snap})
}
