package video

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultMaxFileSize is the largest input accepted by the validator.
const DefaultMaxFileSize = 500 * 1024 * 1024

// ValidationReport is the structured result of layered input validation.
// Errors block processing; warnings do not.
type ValidationReport struct {
	Path            string
	Exists          bool
	Readable        bool
	SizeBytes       int64
	Container       Container
	HasVideoStream  bool
	HasAudioStream  bool
	DurationSeconds float64
	FrameCount      int
	FPS             float64
	Width           int
	Height          int
	CodecTag        string
	Errors          []string
	Warnings        []string
}

// OK reports whether the input passed every blocking check.
func (r *ValidationReport) OK() bool {
	return len(r.Errors) == 0
}

func (r *ValidationReport) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator performs layered input validation: path and size first,
// then container magic, then a decoder probe, then sanity warnings.
// Each layer runs only if the previous one passed, so a missing file
// never spawns an external process.
type Validator struct {
	MaxFileSize int64

	// probeFn is swapped out in tests to avoid requiring ffprobe.
	probeFn func(ctx context.Context, path string) (*Info, error)
}

// NewValidator creates a validator with the given size cap; zero or
// negative means DefaultMaxFileSize.
func NewValidator(maxFileSize int64) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Validator{
		MaxFileSize: maxFileSize,
		probeFn:     Probe,
	}
}

// SetProber swaps the decoder probe implementation, for deterministic
// tests that must not depend on an ffprobe binary.
func (v *Validator) SetProber(p func(ctx context.Context, path string) (*Info, error)) {
	v.probeFn = p
}

// Validate runs all validation layers against the input path.
func (v *Validator) Validate(ctx context.Context, path string) *ValidationReport {
	report := &ValidationReport{Path: path}

	if !v.checkPathAndSize(path, report) {
		return report
	}
	if !v.checkMagic(path, report) {
		return report
	}
	v.checkStreams(ctx, path, report)
	v.checkSanity(report)

	logrus.WithFields(logrus.Fields{
		"function": "Validate",
		"path":     path,
		"ok":       report.OK(),
		"errors":   len(report.Errors),
		"warnings": len(report.Warnings),
	}).Info("Input validation finished")

	return report
}

// checkPathAndSize verifies existence, readability and size bounds.
func (v *Validator) checkPathAndSize(path string, report *ValidationReport) bool {
	st, err := os.Stat(path)
	if err != nil {
		report.fail("input does not exist: %s", path)
		return false
	}
	report.Exists = true
	report.SizeBytes = st.Size()

	fh, err := os.Open(path)
	if err != nil {
		report.fail("input is not readable: %v", err)
		return false
	}
	fh.Close()
	report.Readable = true

	if st.Size() == 0 {
		report.fail("input is empty")
		return false
	}
	if st.Size() > v.MaxFileSize {
		report.fail("input exceeds maximum size: %d > %d bytes", st.Size(), v.MaxFileSize)
		return false
	}
	return true
}

// checkMagic verifies the container signature against the allow-list.
func (v *Validator) checkMagic(path string, report *ValidationReport) bool {
	container, err := SniffContainer(path)
	if err != nil {
		report.fail("cannot read container signature: %v", err)
		return false
	}
	report.Container = container
	if container == ContainerUnknown {
		report.fail("unrecognized container format")
		return false
	}
	return true
}

// checkStreams opens the container and records stream metadata. A
// container that opens but holds no decodable video is an error.
func (v *Validator) checkStreams(ctx context.Context, path string, report *ValidationReport) {
	info, err := v.probeFn(ctx, path)
	if err != nil {
		report.fail("decoder probe failed: %v", err)
		return
	}

	report.HasVideoStream = info.HasVideo
	report.HasAudioStream = info.HasAudio
	report.DurationSeconds = info.Duration
	report.FrameCount = info.FrameCount
	report.FPS = info.FPS
	report.Width = info.Width
	report.Height = info.Height
	report.CodecTag = info.CodecTag

	if !info.HasVideo {
		report.fail("no decodable video stream")
	}
}

// checkSanity emits non-blocking warnings for suspicious metadata.
func (v *Validator) checkSanity(report *ValidationReport) {
	if !report.HasVideoStream {
		return
	}
	if report.FPS < 1 || report.FPS > 120 {
		report.warn("unusual frame rate: %.2f fps", report.FPS)
	}
	if report.DurationSeconds > 3600 {
		report.warn("duration exceeds one hour: %.0fs", report.DurationSeconds)
	}
	if report.Width < 64 || report.Height < 64 {
		report.warn("small dimensions: %dx%d", report.Width, report.Height)
	}
	if report.Width%2 != 0 || report.Height%2 != 0 {
		report.warn("odd dimensions lose block alignment: %dx%d", report.Width, report.Height)
	}
}
