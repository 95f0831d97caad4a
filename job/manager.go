package job

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultQueueCapacity bounds the number of jobs waiting in the FIFO.
const DefaultQueueCapacity = 100

// MaxWorkers caps the worker pool regardless of core count; the work
// is compute-bound and more workers just thrash.
const MaxWorkers = 4

var (
	// ErrQueueFull indicates submission was rejected on a full queue.
	ErrQueueFull = errors.New("job queue is full")

	// ErrNotFound indicates no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrNotCancellable indicates the job already left the queue.
	ErrNotCancellable = errors.New("job is not cancellable")

	// ErrShuttingDown indicates the manager no longer accepts jobs.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Runner executes one job. It reports progress through publish and
// must return promptly after stop closes; a shutdown abort is
// signalled by returning an error classified as FailureShutdown. On
// success it returns the job's result.
type Runner func(j *Job, publish func(progress float64, message string), stop <-chan struct{}) (*Result, error)

// Classifier maps a runner error to a FailureKind. The manager keeps
// no knowledge of the pipeline's error taxonomy.
type Classifier func(err error) FailureKind

// CompletionHandler receives the completion event of a successful embed
// job. The storage collaborator persists the registry entry; the
// manager only publishes.
type CompletionHandler func(CompletionEvent)

// Manager owns the job table, the bounded queue, and the worker pool.
// The table is guarded by one mutex with short critical sections; the
// progress bus has its own locking and is never published to while the
// table lock is held.
type Manager struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	cancelled map[string]bool
	shutdown  bool

	queue   chan *Job
	workers int
	wg      sync.WaitGroup
	stop    chan struct{}

	bus        *Bus
	runner     Runner
	classify   Classifier
	onComplete CompletionHandler
}

// NewManager creates a manager with the given worker count and queue
// capacity. Zero or negative workers defaults to min(NumCPU, 4); zero
// or negative capacity defaults to DefaultQueueCapacity.
func NewManager(runner Runner, classify Classifier, workers, capacity int, bus *Bus) *Manager {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if classify == nil {
		classify = func(error) FailureKind { return FailureInternal }
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"workers":  workers,
		"capacity": capacity,
	}).Info("Creating job manager")

	return &Manager{
		jobs:      make(map[string]*Job),
		cancelled: make(map[string]bool),
		queue:     make(chan *Job, capacity),
		workers:   workers,
		stop:      make(chan struct{}),
		bus:       bus,
		runner:    runner,
		classify:  classify,
	}
}

// SetCompletionHandler registers the storage collaborator's callback.
// Must be called before Start.
func (m *Manager) SetCompletionHandler(h CompletionHandler) {
	m.onComplete = h
}

// Bus returns the manager's progress bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(i)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"workers":  m.workers,
	}).Info("Worker pool started")
}

// Submit enqueues a job. Submission never blocks: a full queue rejects
// with ErrQueueFull and leaves the job table untouched.
func (m *Manager) Submit(j *Job) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShuttingDown
	}

	select {
	case m.queue <- j:
	default:
		m.mu.Unlock()
		MetricJobsRejected.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Submit",
			"job_id":   j.ID,
			"capacity": cap(m.queue),
		}).Warn("Submission rejected, queue full")
		return ErrQueueFull
	}
	m.jobs[j.ID] = j
	m.mu.Unlock()

	MetricJobsSubmitted.WithLabelValues(j.Kind.String()).Inc()
	MetricQueueDepth.Set(float64(len(m.queue)))

	m.publish(j, "queued for processing")
	return nil
}

// Get returns a snapshot of the job with the given id.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()

	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return j.Snapshot(), nil
}

// Cancel fails a queued job with FailureCancelled so that no worker
// runs it. The job stays in the table, and it keeps its queue slot
// until a worker dequeues and skips it. Jobs already picked up by a
// worker are not cancellable in this design.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if j.Status() != StatusQueued {
		m.mu.Unlock()
		return ErrNotCancellable
	}
	m.cancelled[id] = true
	m.mu.Unlock()

	j.fail(FailureCancelled, "cancelled while queued")
	m.publish(j, "cancelled while queued")

	logrus.WithFields(logrus.Fields{
		"function": "Cancel",
		"job_id":   id,
	}).Info("Queued job cancelled")
	return nil
}

// Counts summarizes the job table by status.
type Counts struct {
	Queued     int
	Processing int
	Completed  int
	Errored    int
	QueueDepth int
}

// Counts returns a point-in-time summary of the job table.
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	depth := len(m.queue)
	m.mu.Unlock()

	c := Counts{QueueDepth: depth}
	for _, j := range jobs {
		switch j.Status() {
		case StatusQueued:
			c.Queued++
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		default:
			c.Errored++
		}
	}
	return c
}

// Shutdown stops accepting jobs, signals in-flight workers to abort
// between frames, fails everything still queued, waits for the pool,
// and closes the bus.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
	}).Info("Shutting down job manager")

	close(m.stop)
	m.wg.Wait()

	// Fail whatever never got dequeued.
	for {
		select {
		case j := <-m.queue:
			j.fail(FailureShutdown, "aborted by shutdown")
			m.publish(j, "aborted by shutdown")
		default:
			m.bus.Close()
			MetricQueueDepth.Set(0)
			return
		}
	}
}

// workerLoop is one worker: blocking-dequeue, execute, transition,
// publish terminal progress, repeat.
func (m *Manager) workerLoop(id int) {
	defer m.wg.Done()

	log := logrus.WithFields(logrus.Fields{
		"function": "workerLoop",
		"worker":   id,
	})
	log.Debug("Worker started")

	for {
		select {
		case <-m.stop:
			log.Debug("Worker stopping")
			return
		case j := <-m.queue:
			MetricQueueDepth.Set(float64(len(m.queue)))
			m.runJob(j)
		}
	}
}

// runJob executes one job, converting every outcome — including panics
// in pipeline code — into exactly one terminal transition.
func (m *Manager) runJob(j *Job) {
	m.mu.Lock()
	wasCancelled := m.cancelled[j.ID]
	delete(m.cancelled, j.ID)
	m.mu.Unlock()

	if wasCancelled || !j.markProcessing() {
		return
	}

	MetricWorkersBusy.Inc()
	defer MetricWorkersBusy.Dec()

	m.publish(j, "processing")

	result, err := m.execute(j)
	switch {
	case err != nil:
		kind := m.classify(err)
		j.fail(kind, err.Error())
		logrus.WithFields(logrus.Fields{
			"function": "runJob",
			"job_id":   j.ID,
			"kind":     j.Kind.String(),
			"failure":  kind.String(),
			"error":    err.Error(),
		}).Error("Job failed")
	default:
		j.complete(result)
		logrus.WithFields(logrus.Fields{
			"function": "runJob",
			"job_id":   j.ID,
			"kind":     j.Kind.String(),
			"duration": j.Duration().Seconds(),
		}).Info("Job completed")
	}

	snap := j.Snapshot()
	MetricJobsFinished.WithLabelValues(j.Kind.String(), snap.Status.String()).Inc()
	MetricJobDuration.WithLabelValues(j.Kind.String()).Observe(j.Duration().Seconds())

	m.publish(j, snap.Message)

	if snap.Status == StatusCompleted && snap.Result != nil && snap.Result.OutputPath != "" && m.onComplete != nil {
		m.onComplete(CompletionEvent{
			JobID:        j.ID,
			OriginalName: j.Params.OriginalName,
			OutputPath:   snap.Result.OutputPath,
			SizeBytes:    snap.Result.SizeBytes,
			Checksum:     snap.Result.Checksum,
			FinishedAt:   snap.FinishedAt,
		})
	}
}

// execute invokes the runner with panic containment. A panicking
// pipeline must not take the worker down with it.
func (m *Manager) execute(j *Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in job runner: %v", r)
			logrus.WithFields(logrus.Fields{
				"function": "execute",
				"job_id":   j.ID,
				"panic":    fmt.Sprintf("%v", r),
			}).Error("Recovered panic in worker")
		}
	}()

	publish := func(progress float64, message string) {
		j.setProgress(progress, message)
		m.publish(j, message)
	}
	return m.runner(j, publish, m.stop)
}

// publish emits the job's current state onto the bus. Never called
// with the table lock held.
func (m *Manager) publish(j *Job, message string) {
	snap := j.Snapshot()
	m.bus.Publish(Event{
		JobID:     j.ID,
		Status:    snap.Status,
		Progress:  snap.Progress,
		Message:   message,
		Timestamp: time.Now(),
	})
}
