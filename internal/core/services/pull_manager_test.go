package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbastos/ollamad/internal/core/domain"
)

// pipeStream is a hand-driven upstream stream: the test emits lines one at a
// time and observes whether the worker closed it.
type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed atomic.Bool
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *pipeStream) Close() error {
	s.closed.Store(true)
	return s.r.Close()
}

func (s *pipeStream) emit(line string) {
	_, _ = s.w.Write([]byte(line + "\n"))
}

func (s *pipeStream) end() { _ = s.w.Close() }

// fakeUpstream hands out scripted streams per model and counts opens.
type fakeUpstream struct {
	mu      sync.Mutex
	streams map[string]io.ReadCloser
	failing map[string]error
	opens   map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		streams: make(map[string]io.ReadCloser),
		failing: make(map[string]error),
		opens:   make(map[string]int),
	}
}

func (f *fakeUpstream) pipe(model string) *pipeStream {
	s := newPipeStream()
	f.mu.Lock()
	f.streams[model] = s
	f.mu.Unlock()
	return s
}

func (f *fakeUpstream) script(model string, lines ...string) {
	f.mu.Lock()
	f.streams[model] = io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	f.mu.Unlock()
}

func (f *fakeUpstream) fail(model string, err error) {
	f.mu.Lock()
	f.failing[model] = err
	f.mu.Unlock()
}

func (f *fakeUpstream) openCount(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[model]
}

func (f *fakeUpstream) Pull(_ context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[name]++
	if err, ok := f.failing[name]; ok {
		return nil, err
	}
	stream, ok := f.streams[name]
	if !ok {
		return nil, fmt.Errorf("no scripted stream for %s", name)
	}
	return stream, nil
}

func newTestManager(t *testing.T, upstream *fakeUpstream, cfg PullManagerConfig) (*PullManager, *EventBus) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	m := NewPullManager(logger, upstream, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, bus
}

func waitForState(t *testing.T, m *PullManager, id domain.PullID, state domain.PullState) domain.PullSnapshot {
	t.Helper()
	var snap domain.PullSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = m.Get(id)
		return err == nil && snap.State == state
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return snap
}

func TestPullManager_ProgressThenSuccess(t *testing.T) {
	upstream := newFakeUpstream()
	stream := upstream.pipe("llama3.2")
	m, bus := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err)
	assert.Equal(t, domain.PullStateQueued, snap.State, "submit is synchronous with table visibility")

	ch, unsub := bus.Subscribe(snap.ID)
	defer unsub()

	waitForState(t, m, snap.ID, domain.PullStateRunning)

	stream.emit(`{"total":100,"done":0}`)
	stream.emit(`{"total":100,"done":50}`)
	stream.emit(`{"total":100,"done":100}`)
	stream.emit(`{"status":"success"}`)

	var bytesSeen []int64
	for ev := range ch {
		if ev.Type == EventTypeProgress {
			bytesSeen = append(bytesSeen, ev.Snapshot.BytesDone)
		}
	}
	assert.Equal(t, []int64{0, 50, 100}, bytesSeen)

	final := waitForState(t, m, snap.ID, domain.PullStateCompleted)
	assert.Equal(t, int64(100), final.BytesDone)
	assert.Equal(t, final.BytesTotal, final.BytesDone)
	assert.Nil(t, final.Error)
	require.NotNil(t, final.FinishedAt)
}

func TestPullManager_ConcurrencyGate(t *testing.T) {
	upstream := newFakeUpstream()
	streamA := upstream.pipe("model-a")
	streamB := upstream.pipe("model-b")
	upstream.pipe("model-c")
	upstream.pipe("model-d")
	m, _ := newTestManager(t, upstream, PullManagerConfig{MaxConcurrentPulls: 2})

	ids := make(map[string]domain.PullID)
	for _, model := range []string{"model-a", "model-b", "model-c", "model-d"} {
		snap, err := m.Submit(model)
		require.NoError(t, err)
		ids[model] = snap.ID
	}

	// first two submissions admitted, the rest held behind the gate
	waitForState(t, m, ids["model-a"], domain.PullStateRunning)
	waitForState(t, m, ids["model-b"], domain.PullStateRunning)

	running := func() int {
		n := 0
		for _, s := range m.ListActive() {
			if s.State == domain.PullStateRunning {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, running())
	assert.Len(t, m.ListActive(), 4)
	assert.Equal(t, 0, upstream.openCount("model-c"))
	assert.Equal(t, 0, upstream.openCount("model-d"))

	// releasing one slot admits the next job in submission order
	streamA.emit(`{"status":"success"}`)
	waitForState(t, m, ids["model-a"], domain.PullStateCompleted)
	waitForState(t, m, ids["model-c"], domain.PullStateRunning)
	assert.LessOrEqual(t, running(), 2)

	streamB.emit(`{"status":"success"}`)
	waitForState(t, m, ids["model-d"], domain.PullStateRunning)
}

func TestPullManager_DuplicateSubjectRejected(t *testing.T) {
	upstream := newFakeUpstream()
	stream := upstream.pipe("model-x")
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	first, err := m.Submit("model-x")
	require.NoError(t, err)

	_, err = m.Submit("model-x")
	assert.ErrorIs(t, err, domain.ErrDuplicatePull)

	active := m.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "model-x", active[0].Model)

	// once terminal, the same model may be pulled again
	waitForState(t, m, first.ID, domain.PullStateRunning)
	stream.emit(`{"status":"success"}`)
	waitForState(t, m, first.ID, domain.PullStateCompleted)

	upstream.script("model-x", `{"status":"success"}`)
	_, err = m.Submit("model-x")
	assert.NoError(t, err)
}

func TestPullManager_CancelQueuedNeverOpensStream(t *testing.T) {
	upstream := newFakeUpstream()
	blocker := upstream.pipe("model-a")
	upstream.pipe("model-b")
	m, _ := newTestManager(t, upstream, PullManagerConfig{MaxConcurrentPulls: 1})

	first, err := m.Submit("model-a")
	require.NoError(t, err)
	waitForState(t, m, first.ID, domain.PullStateRunning)

	queued, err := m.Submit("model-b")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(queued.ID))

	snap := waitForState(t, m, queued.ID, domain.PullStateCancelled)
	assert.True(t, snap.CancelRequested)
	assert.Nil(t, snap.StartedAt)
	assert.Equal(t, 0, upstream.openCount("model-b"))

	// the dispatcher must skip the cancelled job and not leak its slot
	upstream.pipe("model-c")
	third, err := m.Submit("model-c")
	require.NoError(t, err)
	blocker.emit(`{"status":"success"}`)
	waitForState(t, m, third.ID, domain.PullStateRunning)
}

func TestPullManager_CancelRunningClosesStream(t *testing.T) {
	upstream := newFakeUpstream()
	stream := upstream.pipe("llama3.2")
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err)
	waitForState(t, m, snap.ID, domain.PullStateRunning)

	require.NoError(t, m.Cancel(snap.ID))

	final := waitForState(t, m, snap.ID, domain.PullStateCancelled)
	assert.Nil(t, final.Error, "cancellation is not a failure")
	require.Eventually(t, stream.closed.Load, 2*time.Second, 5*time.Millisecond,
		"worker must close the upstream stream on cancel")

	// cancelling an already terminal job stays an acknowledged no-op
	assert.NoError(t, m.Cancel(snap.ID))
	assert.ErrorIs(t, m.Cancel("no-such-id"), domain.ErrPullNotFound)
}

func TestPullManager_IncompleteStreamFails(t *testing.T) {
	upstream := newFakeUpstream()
	stream := upstream.pipe("llama3.2")
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err)
	waitForState(t, m, snap.ID, domain.PullStateRunning)

	stream.emit(`{"total":100,"done":10}`)
	stream.end()

	final := waitForState(t, m, snap.ID, domain.PullStateFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.PullErrorStream, final.Error.Kind)
	assert.Contains(t, final.Error.Message, "incomplete stream")
	assert.Equal(t, int64(10), final.BytesDone)
}

func TestPullManager_UpstreamUnavailable(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.fail("llama3.2", errors.New("connection refused"))
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err, "download-level failures never surface on Submit")

	final := waitForState(t, m, snap.ID, domain.PullStateFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.PullErrorUpstreamUnavailable, final.Error.Kind)
	assert.Contains(t, final.Error.Message, "connection refused")
}

func TestPullManager_UpstreamErrorEvent(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.script("llama3.2", `{"status":"pulling manifest"}`, `{"error":"manifest not found"}`)
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err)

	final := waitForState(t, m, snap.ID, domain.PullStateFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.PullErrorStream, final.Error.Kind)
	assert.Equal(t, "manifest not found", final.Error.Message)
	assert.Equal(t, "pulling manifest", final.Phase)
}

func TestPullManager_MalformedLinesAreSkipped(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.script("llama3.2",
		`{"total":100,"done":30}`,
		`this is not json`,
		``,
		`{"status":"success"}`,
	)
	m, _ := newTestManager(t, upstream, PullManagerConfig{})

	snap, err := m.Submit("llama3.2")
	require.NoError(t, err)

	final := waitForState(t, m, snap.ID, domain.PullStateCompleted)
	assert.Equal(t, int64(100), final.BytesDone)
}

func TestPullManager_RetentionEvictsOldestTerminal(t *testing.T) {
	upstream := newFakeUpstream()
	blocker := upstream.pipe("model-active")
	m, _ := newTestManager(t, upstream, PullManagerConfig{RetentionJobs: 2, MaxConcurrentPulls: 4})

	active, err := m.Submit("model-active")
	require.NoError(t, err)
	waitForState(t, m, active.ID, domain.PullStateRunning)

	var terminalIDs []domain.PullID
	for i := 0; i < 3; i++ {
		model := fmt.Sprintf("model-%d", i)
		upstream.script(model, `{"status":"success"}`)
		snap, err := m.Submit(model)
		require.NoError(t, err)
		waitForState(t, m, snap.ID, domain.PullStateCompleted)
		terminalIDs = append(terminalIDs, snap.ID)
	}

	// oldest terminal job evicted, running job untouched
	_, err = m.Get(terminalIDs[0])
	assert.ErrorIs(t, err, domain.ErrPullNotFound)
	for _, id := range terminalIDs[1:] {
		_, err := m.Get(id)
		assert.NoError(t, err)
	}
	_, err = m.Get(active.ID)
	assert.NoError(t, err)

	blocker.emit(`{"status":"success"}`)
}

func TestPullManager_ListRecent(t *testing.T) {
	upstream := newFakeUpstream()
	m, _ := newTestManager(t, upstream, PullManagerConfig{MaxConcurrentPulls: 1})

	for _, model := range []string{"model-a", "model-b", "model-c"} {
		upstream.script(model, `{"status":"success"}`)
		snap, err := m.Submit(model)
		require.NoError(t, err)
		waitForState(t, m, snap.ID, domain.PullStateCompleted)
	}

	recent := m.ListRecent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "model-c", recent[0].Model)
	assert.Equal(t, "model-b", recent[1].Model)

	assert.Len(t, m.ListRecent(0), 3)
	assert.Len(t, m.ListRecent(50), 3)
	assert.Empty(t, m.ListActive())
}
