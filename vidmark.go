package vidmark

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vidmark/bitcodec"
	"github.com/opd-ai/vidmark/dct"
	"github.com/opd-ai/vidmark/frame"
	"github.com/opd-ai/vidmark/job"
	"github.com/opd-ai/vidmark/video"
)

// Errors surfaced by the service API. Queue and lookup errors are
// re-exported from the job package so callers only import vidmark.
var (
	// ErrInvalidInput indicates the input failed validation.
	ErrInvalidInput = video.ErrInvalidInput

	// ErrQueueFull indicates the submission was rejected.
	ErrQueueFull = job.ErrQueueFull

	// ErrNotFound indicates no job with the given id exists.
	ErrNotFound = job.ErrNotFound

	// ErrNotCancellable indicates the job already left the queue.
	ErrNotCancellable = job.ErrNotCancellable

	// ErrShuttingDown indicates the service no longer accepts work.
	ErrShuttingDown = job.ErrShuttingDown
)

// Service is the watermarking core consumed by the adapter layer. It
// owns the job table, the queue, the worker pool and the progress bus;
// create it with New and release it with Shutdown.
type Service struct {
	options   *Options
	validator *video.Validator
	manager   *job.Manager

	// probeFn and configurePipeline are injection points for tests.
	probeFn           func(ctx context.Context, path string) (*video.Info, error)
	configurePipeline func(p *video.Pipeline)

	mu       sync.Mutex
	shutdown bool
}

// New creates a service and starts its worker pool.
func New(options *Options) (*Service, error) {
	if options == nil {
		options = NewOptions()
	}

	s := &Service{
		options:   options,
		validator: video.NewValidator(options.MaxFileSize),
		probeFn:   video.Probe,
	}
	s.manager = job.NewManager(s.runJob, classifyFailure, options.Workers, options.QueueCapacity, job.NewBus())
	s.manager.Start()

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"queue_capacity": options.QueueCapacity,
		"redundancy":     options.Redundancy,
		"with_sentinel":  options.WithSentinel,
	}).Info("Watermarking service started")

	return s, nil
}

// SetCompletionHandler registers the storage collaborator's callback
// for finished embed artifacts.
func (s *Service) SetCompletionHandler(h job.CompletionHandler) {
	s.manager.SetCompletionHandler(h)
}

// SubmitEmbed validates the input and enqueues an embed job. It
// returns the job id, or ErrInvalidInput before anything is enqueued,
// or ErrQueueFull when the queue rejects the submission.
func (s *Service) SubmitEmbed(inputPath, payload string, opts EmbedOptions) (string, error) {
	if err := s.checkRunning(); err != nil {
		return "", err
	}

	strength := opts.Strength
	if strength == 0 {
		strength = DefaultStrength
	}
	if err := s.checkEmbedParams(payload, strength); err != nil {
		return "", err
	}

	report := s.validator.Validate(context.Background(), inputPath)
	if !report.OK() {
		return "", fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(report.Errors, "; "))
	}

	originalName := opts.OriginalName
	if originalName == "" {
		originalName = filepath.Base(inputPath)
	}

	j := job.New(job.KindEmbed, inputPath, job.Params{
		Payload:      payload,
		Strength:     strength,
		MultiChannel: opts.MultiChannel,
		OriginalName: originalName,
	})
	j.Params.OutputPath = s.outputPath(inputPath, j.ID)

	if err := s.manager.Submit(j); err != nil {
		return "", err
	}
	return j.ID, nil
}

// SubmitExtract validates the input and enqueues an extract job.
// expectedLength is the payload length in bytes; zero relies on the
// embedded sentinel.
func (s *Service) SubmitExtract(inputPath string, expectedLength int, opts ExtractOptions) (string, error) {
	if err := s.checkRunning(); err != nil {
		return "", err
	}

	strength := opts.Strength
	if strength == 0 {
		strength = DefaultStrength
	}
	if err := validateStrength(strength); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if expectedLength < 0 || expectedLength > bitcodec.MaxPayloadLength {
		return "", fmt.Errorf("%w: expected length %d out of range", ErrInvalidInput, expectedLength)
	}
	if expectedLength == 0 && !s.options.WithSentinel {
		return "", fmt.Errorf("%w: expected length required without sentinel", ErrInvalidInput)
	}

	report := s.validator.Validate(context.Background(), inputPath)
	if !report.OK() {
		return "", fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(report.Errors, "; "))
	}

	j := job.New(job.KindExtract, inputPath, job.Params{
		ExpectedLength: expectedLength,
		Strength:       strength,
		MultiChannel:   opts.MultiChannel,
	})
	if err := s.manager.Submit(j); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Validate runs layered input validation without enqueueing anything.
func (s *Service) Validate(inputPath string) *video.ValidationReport {
	return s.validator.Validate(context.Background(), inputPath)
}

// Estimate predicts the processing cost of embedding a payload of the
// given length into the input. Advisory only.
func (s *Service) Estimate(inputPath string, payloadLen int) (video.Estimate, error) {
	info, err := s.probeFn(context.Background(), inputPath)
	if err != nil {
		return video.Estimate{}, err
	}
	return video.EstimateProcessing(info, payloadLen), nil
}

// GetJob returns a snapshot of the job with the given id.
func (s *Service) GetJob(id string) (job.Snapshot, error) {
	return s.manager.Get(id)
}

// Subscribe streams a job's progress events. The channel closes after
// the terminal event. Subscribing to an already-finished job delivers
// its terminal state immediately.
func (s *Service) Subscribe(id string) (<-chan job.Event, func(), error) {
	snap, err := s.manager.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if snap.Status.Terminal() {
		return terminalEventChannel(snap), func() {}, nil
	}

	ch, cancel := s.manager.Bus().Subscribe(id)

	// The job may have finished between the snapshot and the bus
	// registration, in which case the terminal event already passed.
	snap, err = s.manager.Get(id)
	if err == nil && snap.Status.Terminal() {
		cancel()
		return terminalEventChannel(snap), func() {}, nil
	}
	return ch, cancel, nil
}

// terminalEventChannel delivers an already-finished job's final state
// as a single-event stream.
func terminalEventChannel(snap job.Snapshot) <-chan job.Event {
	ch := make(chan job.Event, 1)
	ch <- job.Event{
		JobID:     snap.ID,
		Status:    snap.Status,
		Progress:  snap.Progress,
		Message:   snap.Message,
		Timestamp: snap.FinishedAt,
	}
	close(ch)
	return ch
}

// Cancel fails a queued job so it never runs; processing jobs are not
// cancellable. The cancelled job stays visible through GetJob and
// keeps its queue slot until a worker dequeues and skips it.
func (s *Service) Cancel(id string) error {
	return s.manager.Cancel(id)
}

// QueueStatus summarizes the job table by status.
func (s *Service) QueueStatus() job.Counts {
	return s.manager.Counts()
}

// Shutdown stops accepting work, aborts in-flight jobs between frames,
// and releases every resource. Idempotent.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.manager.Shutdown()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
	}).Info("Watermarking service stopped")
}

func (s *Service) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShuttingDown
	}
	return nil
}

func (s *Service) checkEmbedParams(payload string, strength float64) error {
	if payload == "" {
		return fmt.Errorf("%w: payload is empty", ErrInvalidInput)
	}
	if len(payload) > bitcodec.MaxPayloadLength {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidInput, bitcodec.MaxPayloadLength)
	}
	if err := validateStrength(strength); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// outputPath places the artifact next to the input or in OutputDir,
// named after the job so concurrent jobs never collide.
func (s *Service) outputPath(inputPath, jobID string) string {
	dir := s.options.OutputDir
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}
	return filepath.Join(dir, jobID+"_watermarked.mp4")
}

// newPipeline builds the per-job pipeline from the job's parameters.
func (s *Service) newPipeline(multiChannel bool) *video.Pipeline {
	carriers := frame.CarrierLuma
	if multiChannel {
		carriers = frame.CarrierAll
	}

	p := video.NewPipeline(frame.NewWatermarker(carriers, s.options.Redundancy))
	p.WithSentinel = s.options.WithSentinel
	if s.options.ProgressInterval > 0 {
		p.ProgressInterval = s.options.ProgressInterval
	}
	if s.options.SampleRate > 0 {
		p.SampleRate = s.options.SampleRate
	}
	if s.options.MaxExtractFrames > 0 {
		p.MaxExtractFrames = s.options.MaxExtractFrames
	}
	if s.configurePipeline != nil {
		s.configurePipeline(p)
	}
	return p
}

// runJob executes one dequeued job inside a worker.
func (s *Service) runJob(j *job.Job, publish func(progress float64, message string), stop <-chan struct{}) (*job.Result, error) {
	p := s.newPipeline(j.Params.MultiChannel)
	sink := video.ProgressFunc(func(done, total int, message string) {
		progress := 0.0
		if total > 0 {
			progress = float64(done) / float64(total) * 100
		}
		publish(progress, fmt.Sprintf("%s frame %d/%d", message, done, total))
	})

	switch j.Kind {
	case job.KindExtract:
		result, err := p.Extract(context.Background(), j.InputPath, j.Params.ExpectedLength, j.Params.Strength, sink, stop)
		if err != nil {
			return nil, err
		}
		return &job.Result{
			Text:       result.Text,
			Confidence: result.Confidence.String(),
			Agreement:  result.Agreement,
		}, nil
	default:
		err := p.Embed(context.Background(), j.InputPath, j.Params.OutputPath, j.Params.Payload, j.Params.Strength, sink, stop)
		if err != nil {
			return nil, err
		}
		size, checksum, err := job.DescribeArtifact(j.Params.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("finalize artifact: %w", err)
		}
		return &job.Result{
			OutputPath: j.Params.OutputPath,
			SizeBytes:  size,
			Checksum:   checksum,
		}, nil
	}
}

// classifyFailure maps pipeline errors onto the job failure taxonomy.
func classifyFailure(err error) job.FailureKind {
	switch {
	case errors.Is(err, video.ErrAborted):
		return job.FailureShutdown
	case errors.Is(err, frame.ErrCapacityInsufficient):
		return job.FailureCapacity
	case errors.Is(err, video.ErrFrameProcessing):
		return job.FailureFrameProcessing
	case errors.Is(err, video.ErrDecoder),
		errors.Is(err, video.ErrNoVideoStream),
		errors.Is(err, video.ErrFFmpegMissing):
		return job.FailureDecoder
	case errors.Is(err, video.ErrInvalidInput):
		return job.FailureInvalidInput
	default:
		return job.FailureInternal
	}
}

// validateStrength bounds-checks the embedding strength.
func validateStrength(strength float64) error {
	return dct.ValidateStrength(strength)
}
