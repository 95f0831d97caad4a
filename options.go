package vidmark

import (
	"github.com/opd-ai/vidmark/frame"
	"github.com/opd-ai/vidmark/video"
)

// DefaultStrength is the embedding strength used when a submission
// leaves it unset.
const DefaultStrength = 0.10

// Options configures a Service. Zero numeric values fall back to the
// defaults from NewOptions; WithSentinel has no such fallback, so a
// zero Options embeds and extracts without the sentinel.
type Options struct {
	// Workers is the worker pool size; 0 means min(NumCPU, 4).
	Workers int

	// QueueCapacity bounds the pending-job FIFO.
	QueueCapacity int

	// MaxFileSize is the largest accepted input in bytes.
	MaxFileSize int64

	// OutputDir receives embed artifacts. Empty means the input's
	// directory.
	OutputDir string

	// Redundancy is the number of blocks carrying each payload bit.
	Redundancy int

	// WithSentinel appends the end-of-message marker on embed so
	// extraction can run without a known payload length.
	WithSentinel bool

	// ProgressInterval is the frame count between progress events.
	ProgressInterval int

	// SampleRate makes extraction examine every Nth frame.
	SampleRate int

	// MaxExtractFrames bounds how many frames extraction reads.
	MaxExtractFrames int
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		Workers:          0, // resolved by the job manager
		QueueCapacity:    100,
		MaxFileSize:      video.DefaultMaxFileSize,
		Redundancy:       frame.DefaultRedundancy,
		WithSentinel:     true,
		ProgressInterval: video.DefaultProgressInterval,
		SampleRate:       video.DefaultSampleRate,
		MaxExtractFrames: video.DefaultMaxExtractFrames,
	}
}

// EmbedOptions are the per-submission knobs of an embed job.
type EmbedOptions struct {
	// Strength is the embedding strength in [0.05, 0.30]; 0 means
	// DefaultStrength.
	Strength float64

	// MultiChannel embeds in all three YCbCr channels instead of the
	// luma channel only.
	MultiChannel bool

	// OriginalName is the caller-facing name recorded in the completion
	// event. Empty means the input's base name.
	OriginalName string
}

// ExtractOptions are the per-submission knobs of an extract job.
type ExtractOptions struct {
	// Strength must match the strength the payload was embedded with;
	// 0 means DefaultStrength.
	Strength float64

	// MultiChannel must match the carrier selection used at embed time.
	MultiChannel bool
}
