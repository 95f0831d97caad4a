package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes embed from extract work.
type Kind uint8

const (
	// KindEmbed writes a payload into a video.
	KindEmbed Kind = iota
	// KindExtract recovers a payload from a video.
	KindExtract
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	if k == KindExtract {
		return "extract"
	}
	return "embed"
}

// Status is a job lifecycle state. Transitions are strictly forward:
// queued, then processing, then exactly one of completed or error.
type Status uint8

const (
	// StatusQueued indicates the job waits in the FIFO.
	StatusQueued Status = iota
	// StatusProcessing indicates a worker owns the job.
	StatusProcessing
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted
	// StatusError indicates the job failed terminally.
	StatusError
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	default:
		return "error"
	}
}

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// FailureKind classifies a terminal error for callers that need more
// than a message.
type FailureKind uint8

const (
	// FailureNone means the job did not fail.
	FailureNone FailureKind = iota
	// FailureInvalidInput covers validation rejections.
	FailureInvalidInput
	// FailureCapacity means the frame cannot hold the payload.
	FailureCapacity
	// FailureFrameProcessing covers transform or encoder errors on a frame.
	FailureFrameProcessing
	// FailureDecoder covers unrecoverable container reads.
	FailureDecoder
	// FailureShutdown means the worker aborted due to a global stop.
	FailureShutdown
	// FailureCancelled means the job was cancelled while queued.
	FailureCancelled
	// FailureInternal covers unexpected invariant violations.
	FailureInternal
)

// String returns the snake_case failure name.
func (f FailureKind) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureInvalidInput:
		return "invalid_input"
	case FailureCapacity:
		return "capacity_insufficient"
	case FailureFrameProcessing:
		return "frame_processing_failed"
	case FailureDecoder:
		return "decoder_error"
	case FailureShutdown:
		return "shutdown"
	case FailureCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// TimeProvider abstracts time for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Params carries the work description a job was submitted with.
type Params struct {
	// Payload is the text to embed (embed jobs).
	Payload string
	// ExpectedLength is the payload length in bytes for extraction;
	// zero means sentinel-terminated.
	ExpectedLength int
	// Strength is the embedding strength in [0.05, 0.30].
	Strength float64
	// MultiChannel embeds in all three YCbCr channels instead of luma only.
	MultiChannel bool
	// OutputPath is where embed jobs write their result.
	OutputPath string
	// OriginalName is the caller-facing name of the input.
	OriginalName string
}

// Result is what a finished job produced.
type Result struct {
	// OutputPath, SizeBytes and Checksum describe the embed artifact.
	OutputPath string
	SizeBytes  int64
	Checksum   string
	// Text and Confidence carry the extraction outcome.
	Text       string
	Confidence string
	Agreement  float64
}

// Job is one unit of watermarking work with its lifecycle state. Only
// the queue (on dequeue) and the owning worker mutate a job; everyone
// else reads snapshots.
type Job struct {
	ID        string
	Kind      Kind
	InputPath string
	Params    Params

	mu         sync.Mutex
	status     Status
	progress   float64
	message    string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	failure    FailureKind
	errMsg     string
	result     *Result

	timeProvider TimeProvider
}

// New creates a queued job with a fresh id.
func New(kind Kind, inputPath string, params Params) *Job {
	tp := defaultTimeProvider
	j := &Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		InputPath:    inputPath,
		Params:       params,
		status:       StatusQueued,
		message:      "queued for processing",
		createdAt:    tp.Now(),
		timeProvider: tp,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"job_id":   j.ID,
		"kind":     kind.String(),
		"input":    inputPath,
	}).Info("Job created")

	return j
}

// SetTimeProvider swaps the clock, for deterministic tests.
func (j *Job) SetTimeProvider(tp TimeProvider) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.timeProvider = tp
}

// Snapshot is a read-only copy of a job's observable state.
type Snapshot struct {
	ID         string
	Kind       Kind
	InputPath  string
	Status     Status
	Progress   float64
	Message    string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Failure    FailureKind
	Error      string
	Result     *Result
}

// Snapshot returns a consistent copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:         j.ID,
		Kind:       j.Kind,
		InputPath:  j.InputPath,
		Status:     j.status,
		Progress:   j.progress,
		Message:    j.message,
		CreatedAt:  j.createdAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Failure:    j.failure,
		Error:      j.errMsg,
	}
	if j.result != nil {
		r := *j.result
		snap.Result = &r
	}
	return snap
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// markProcessing transitions queued to processing. Returns false if the
// job already left the queued state (e.g. cancelled).
func (j *Job) markProcessing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusQueued {
		return false
	}
	j.status = StatusProcessing
	j.startedAt = j.timeProvider.Now()
	j.message = "processing"
	return true
}

// setProgress updates observable progress. Progress never moves
// backwards while processing.
func (j *Job) setProgress(progress float64, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusProcessing {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > j.progress {
		j.progress = progress
	}
	if message != "" {
		j.message = message
	}
}

// complete transitions processing to completed with the given result.
func (j *Job) complete(result *Result) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.status = StatusCompleted
	j.progress = 100
	j.message = "completed"
	j.finishedAt = j.timeProvider.Now()
	j.result = result
}

// fail transitions to the error state with a classified reason.
func (j *Job) fail(kind FailureKind, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	j.status = StatusError
	j.failure = kind
	j.errMsg = message
	j.message = message
	j.finishedAt = j.timeProvider.Now()
}

// Duration returns how long the job ran, zero until it finishes.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.startedAt.IsZero() || j.finishedAt.IsZero() {
		return 0
	}
	return j.finishedAt.Sub(j.startedAt)
}
