package job

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner lets tests hold workers inside a job until released.
type blockingRunner struct {
	mu       sync.Mutex
	started  []string
	release  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	fail     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) run(j *Job, publish func(float64, string), stop <-chan struct{}) (*Result, error) {
	cur := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		prev := r.maxSeen.Load()
		if cur <= prev || r.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	r.mu.Lock()
	r.started = append(r.started, j.ID)
	r.mu.Unlock()

	publish(50, "halfway")

	select {
	case <-r.release:
	case <-stop:
		return nil, errors.New("aborted by shutdown")
	}

	if r.fail != nil {
		return nil, r.fail
	}
	return &Result{Text: "done"}, nil
}

func (r *blockingRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

func shutdownClassifier(err error) FailureKind {
	if err != nil && err.Error() == "aborted by shutdown" {
		return FailureShutdown
	}
	return FailureInternal
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManagerRunsJobToCompletion(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 10, NewBus())
	m.Start()
	defer m.Shutdown()

	j := New(KindExtract, "in.mp4", Params{ExpectedLength: 4})
	ch, cancel := m.Bus().Subscribe(j.ID)
	defer cancel()
	require.NoError(t, m.Submit(j))

	close(runner.release)

	waitFor(t, 2*time.Second, func() bool { return j.Status() == StatusCompleted })

	snap, err := m.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), snap.Progress)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "done", snap.Result.Text)

	// The subscription ends on the terminal event.
	var last Event
	for e := range ch {
		last = e
	}
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestManagerFIFOOrder(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 20, NewBus())
	m.Start()
	defer m.Shutdown()

	var ids []string
	for i := 0; i < 5; i++ {
		j := New(KindEmbed, "in.mp4", Params{})
		ids = append(ids, j.ID)
		require.NoError(t, m.Submit(j))
	}

	close(runner.release)
	waitFor(t, 2*time.Second, func() bool { return len(runner.startedIDs()) == 5 })

	assert.Equal(t, ids, runner.startedIDs())
}

func TestManagerQueueFull(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 2, NewBus())
	m.Start()
	defer func() {
		close(runner.release)
		m.Shutdown()
	}()

	// One in flight, two queued.
	first := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(first))
	waitFor(t, 2*time.Second, func() bool { return first.Status() == StatusProcessing })

	require.NoError(t, m.Submit(New(KindEmbed, "in.mp4", Params{})))
	require.NoError(t, m.Submit(New(KindEmbed, "in.mp4", Params{})))

	before := m.Counts()
	rejected := New(KindEmbed, "in.mp4", Params{})
	err := m.Submit(rejected)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected job never entered the table.
	_, getErr := m.Get(rejected.ID)
	assert.ErrorIs(t, getErr, ErrNotFound)
	after := m.Counts()
	assert.Equal(t, before.Queued, after.Queued)
}

func TestManagerBoundedParallelism(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 2, 100, NewBus())
	m.Start()
	defer m.Shutdown()

	jobs := make([]*Job, 10)
	for i := range jobs {
		jobs[i] = New(KindEmbed, "in.mp4", Params{})
		require.NoError(t, m.Submit(jobs[i]))
	}

	// Both workers become busy within a bounded delay.
	waitFor(t, 2*time.Second, func() bool { return runner.inFlight.Load() == 2 })
	close(runner.release)

	waitFor(t, 5*time.Second, func() bool {
		for _, j := range jobs {
			if j.Status() != StatusCompleted {
				return false
			}
		}
		return true
	})

	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(2))
}

func TestManagerCancelQueuedJob(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 10, NewBus())
	m.Start()
	defer func() {
		close(runner.release)
		m.Shutdown()
	}()

	blocker := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(blocker))
	waitFor(t, 2*time.Second, func() bool { return blocker.Status() == StatusProcessing })

	queued := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(queued))

	require.NoError(t, m.Cancel(queued.ID))

	snap, err := m.Get(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, FailureCancelled, snap.Failure)

	// A cancelled job must never start.
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, runner.startedIDs(), queued.ID)
}

func TestManagerCancelErrors(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 10, NewBus())
	m.Start()
	defer func() {
		close(runner.release)
		m.Shutdown()
	}()

	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)

	j := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(j))
	waitFor(t, 2*time.Second, func() bool { return j.Status() == StatusProcessing })
	assert.ErrorIs(t, m.Cancel(j.ID), ErrNotCancellable)
}

func TestManagerShutdownAbortsInFlight(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 10, NewBus())
	m.Start()

	inFlight := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(inFlight))
	waitFor(t, 2*time.Second, func() bool { return inFlight.Status() == StatusProcessing })

	queued := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(queued))

	m.Shutdown()

	assert.Equal(t, StatusError, inFlight.Status())
	assert.Equal(t, FailureShutdown, inFlight.Snapshot().Failure)
	assert.Equal(t, StatusError, queued.Status())
	assert.Equal(t, FailureShutdown, queued.Snapshot().Failure)

	// New submissions are refused after shutdown.
	err := m.Submit(New(KindEmbed, "in.mp4", Params{}))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManagerRunnerFailure(t *testing.T) {
	runner := newBlockingRunner()
	runner.fail = errors.New("frame 3 exploded")
	m := NewManager(runner.run, func(error) FailureKind { return FailureFrameProcessing }, 1, 10, NewBus())
	m.Start()
	defer m.Shutdown()

	j := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(j))
	close(runner.release)

	waitFor(t, 2*time.Second, func() bool { return j.Status() == StatusError })
	snap := j.Snapshot()
	assert.Equal(t, FailureFrameProcessing, snap.Failure)
	assert.Contains(t, snap.Error, "exploded")
}

func TestManagerRunnerPanicContained(t *testing.T) {
	panicRunner := func(j *Job, publish func(float64, string), stop <-chan struct{}) (*Result, error) {
		panic("block buffer overrun")
	}
	m := NewManager(panicRunner, func(error) FailureKind { return FailureInternal }, 1, 10, NewBus())
	m.Start()
	defer m.Shutdown()

	j := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(j))

	waitFor(t, 2*time.Second, func() bool { return j.Status() == StatusError })
	assert.Equal(t, FailureInternal, j.Snapshot().Failure)

	// The worker survived; a second job still runs.
	j2 := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(j2))
	waitFor(t, 2*time.Second, func() bool { return j2.Status() == StatusError })
}

func TestManagerCompletionHandler(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("encoded video bytes"), 0o644))

	okRunner := func(j *Job, publish func(float64, string), stop <-chan struct{}) (*Result, error) {
		size, sum, err := DescribeArtifact(artifact)
		if err != nil {
			return nil, err
		}
		return &Result{OutputPath: artifact, SizeBytes: size, Checksum: sum}, nil
	}

	var mu sync.Mutex
	var events []CompletionEvent
	m := NewManager(okRunner, shutdownClassifier, 1, 10, NewBus())
	m.SetCompletionHandler(func(e CompletionEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	m.Start()
	defer m.Shutdown()

	j := New(KindEmbed, "in.mp4", Params{OriginalName: "holiday.mp4"})
	require.NoError(t, m.Submit(j))

	waitFor(t, 2*time.Second, func() bool { return j.Status() == StatusCompleted })
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, j.ID, events[0].JobID)
	assert.Equal(t, "holiday.mp4", events[0].OriginalName)
	assert.Equal(t, int64(19), events[0].SizeBytes)
	assert.Len(t, events[0].Checksum, 64)
	assert.False(t, events[0].FinishedAt.IsZero())
}

func TestManagerCounts(t *testing.T) {
	runner := newBlockingRunner()
	m := NewManager(runner.run, shutdownClassifier, 1, 10, NewBus())
	m.Start()
	defer func() {
		close(runner.release)
		m.Shutdown()
	}()

	first := New(KindEmbed, "in.mp4", Params{})
	require.NoError(t, m.Submit(first))
	waitFor(t, 2*time.Second, func() bool { return first.Status() == StatusProcessing })
	require.NoError(t, m.Submit(New(KindEmbed, "in.mp4", Params{})))

	c := m.Counts()
	assert.Equal(t, 1, c.Processing)
	assert.Equal(t, 1, c.Queued)
}

func TestDescribeArtifactErrors(t *testing.T) {
	_, _, err := DescribeArtifact(filepath.Join(t.TempDir(), "missing.mp4"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, _, err = DescribeArtifact(empty)
	assert.Error(t, err)
}
