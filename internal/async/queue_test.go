package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

type recordingRunner struct {
	mu   sync.Mutex
	seen []string
	gate chan struct{}
	err  error
}

func (r *recordingRunner) Run(ctx context.Context, visitID string) (*entity.Visit, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, visitID)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &entity.Visit{ID: visitID, State: constants.VisitSummarized}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestProcessorQueue_RunsJobs(t *testing.T) {
	r := &recordingRunner{}
	q := NewProcessorQueue(r, quiet(), WithWorkers(2), WithQueueSize(8))

	for _, id := range []string{"VIS_A", "VIS_B", "VIS_C"} {
		require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: id}))
	}
	q.Shutdown(context.Background())

	assert.ElementsMatch(t, []string{"VIS_A", "VIS_B", "VIS_C"}, r.seen)
}

func TestProcessorQueue_FailedRunDoesNotStopWorker(t *testing.T) {
	r := &recordingRunner{err: errors.New("summarization failed")}
	q := NewProcessorQueue(r, quiet(), WithWorkers(1))

	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_A"}))
	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_B"}))
	q.Shutdown(context.Background())
	assert.Equal(t, 2, r.count())
}

func TestProcessorQueue_EnqueueAfterShutdown(t *testing.T) {
	q := NewProcessorQueue(&recordingRunner{}, quiet())
	q.Shutdown(context.Background())
	q.Shutdown(context.Background())

	err := q.Enqueue(context.Background(), Job{VisitID: "VIS_A"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestProcessorQueue_BackpressureHonoursContext(t *testing.T) {
	r := &recordingRunner{gate: make(chan struct{})}
	q := NewProcessorQueue(r, quiet(), WithWorkers(1), WithQueueSize(1))
	defer func() {
		close(r.gate)
		q.Shutdown(context.Background())
	}()

	// one job held by the worker, one filling the buffer
	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_A"}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_B"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{VisitID: "VIS_C"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessorQueue_ShutdownReleasesBlockedEnqueue(t *testing.T) {
	r := &recordingRunner{gate: make(chan struct{})}
	q := NewProcessorQueue(r, quiet(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_A"}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_B"}))

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(context.Background(), Job{VisitID: "VIS_C"}) }()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		q.Shutdown(context.Background())
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after shutdown started")
	}

	close(r.gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not drain")
	}
	assert.Equal(t, 2, r.count())
}

func TestProcessorQueue_ProcessTimeout(t *testing.T) {
	r := &recordingRunner{gate: make(chan struct{})}
	q := NewProcessorQueue(r, quiet(), WithWorkers(1), WithProcessTimeout(10*time.Millisecond))
	require.NoError(t, q.Enqueue(context.Background(), Job{VisitID: "VIS_A"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Shutdown(ctx)
	assert.NoError(t, ctx.Err(), "worker gave up after its process timeout")
	assert.Zero(t, r.count())
}
