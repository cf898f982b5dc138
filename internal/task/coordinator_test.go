package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/eventlog"
)

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) Append(_ context.Context, in eventlog.AppendInput) (eventlog.Stored, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, in.Type)
	return eventlog.Stored{}, nil
}

func (r *recordingEvents) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func newTestCoordinator() (*Coordinator, *recordingEvents) {
	events := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(events, logger), events
}

func TestCoordinator_SingleActiveRun(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	require.True(t, c.StartTask(ctx, "run-1", "conv-1", "sess-1", nil))
	assert.False(t, c.StartTask(ctx, "run-2", "conv-2", "sess-2", nil))

	snap := c.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "run-1", snap.RunID)

	c.FinishTask(ctx, "run-1", false)
	assert.Equal(t, StateIdle, c.Snapshot().State)

	assert.True(t, c.StartTask(ctx, "run-2", "conv-2", "sess-2", nil))
}

func TestCoordinator_InteractionRoundTrip(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	require.True(t, c.StartTask(ctx, "run-1", "conv-1", "sess-1", nil))

	c.MarkWaitingInteraction(ctx, "int-1", "run-1")
	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingInteraction, snap.State)
	assert.Equal(t, "int-1", snap.InteractionID)

	// Mismatched interaction id does nothing.
	c.SubmitInteractionAnswer(ctx, "int-other")
	assert.Equal(t, StateAwaitingInteraction, c.Snapshot().State)

	c.SubmitInteractionAnswer(ctx, "int-1")
	snap = c.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Empty(t, snap.InteractionID)

	c.FinishTask(ctx, "run-1", false)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestCoordinator_MarkWaitingIgnoresRunMismatch(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	require.True(t, c.StartTask(ctx, "run-1", "conv-1", "sess-1", nil))
	c.MarkWaitingInteraction(ctx, "int-1", "run-stale")
	assert.Equal(t, StateRunning, c.Snapshot().State)
}

func TestCoordinator_FinishFailedResetsToIdle(t *testing.T) {
	c, events := newTestCoordinator()
	ctx := context.Background()

	require.True(t, c.StartTask(ctx, "run-1", "conv-1", "sess-1", nil))
	c.FinishTask(ctx, "run-1", true)
	assert.Equal(t, StateIdle, c.Snapshot().State)

	types := events.recorded()
	// task.started, ->running, ->failed, ->idle
	require.Len(t, types, 4)
	assert.Equal(t, "task.started", types[0])
	assert.Equal(t, "task.state.changed", types[1])
	assert.Equal(t, "task.state.changed", types[2])
	assert.Equal(t, "task.state.changed", types[3])
}

func TestCoordinator_FinishIgnoresStaleRun(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	require.True(t, c.StartTask(ctx, "run-1", "conv-1", "sess-1", nil))
	c.FinishTask(ctx, "run-stale", false)
	assert.Equal(t, StateRunning, c.Snapshot().State)
}

func TestCoordinator_RejectNewCommandIfBusy(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	assert.Empty(t, c.RejectNewCommandIfBusy())

	require.True(t, c.StartTask(ctx, "run-12345678", "conv-1", "sess-1", nil))
	assert.Contains(t, c.RejectNewCommandIfBusy(), "already in progress")

	c.MarkWaitingInteraction(ctx, "int-1", "run-12345678")
	assert.Contains(t, c.RejectNewCommandIfBusy(), "waiting for your answer")

	c.FinishTask(ctx, "run-12345678", false)
	assert.Empty(t, c.RejectNewCommandIfBusy())
}

func TestCoordinator_ConcurrentStartAdmitsExactlyOne(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.StartTask(ctx, "run-n", "conv", "sess", nil) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}
