package video

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vidmark/bitcodec"
	"github.com/opd-ai/vidmark/frame"
)

// DefaultProgressInterval is how many frames pass between progress
// events.
const DefaultProgressInterval = 10

// DefaultSampleRate makes extraction examine every Nth frame.
const DefaultSampleRate = 30

// DefaultMaxExtractFrames bounds how deep into the stream extraction
// reads before settling for whatever the accumulators hold.
const DefaultMaxExtractFrames = 300

// ProgressSink receives progress updates from the per-frame loop. The
// worker wires a sink that forwards to the progress bus; tests wire a
// recording fake.
type ProgressSink interface {
	Progress(done, total int, message string)
}

// ProgressFunc adapts a function to the ProgressSink interface.
type ProgressFunc func(done, total int, message string)

// Progress calls the wrapped function.
func (f ProgressFunc) Progress(done, total int, message string) {
	if f != nil {
		f(done, total, message)
	}
}

// nopSink discards progress updates.
type nopSink struct{}

func (nopSink) Progress(int, int, string) {}

// Pipeline iterates a container's frames through the watermarker. One
// Pipeline instance is owned by one worker at a time; the underlying
// watermarker reuses its block buffer across frames.
type Pipeline struct {
	wm               *frame.Watermarker
	ProgressInterval int
	SampleRate       int
	MaxExtractFrames int

	// WithSentinel appends the end-of-message marker on embed and
	// assumes it on extract. Both sides must agree: the marker is part
	// of the tiled bit stream, so it changes where every redundant copy
	// lands.
	WithSentinel bool

	// Injection points so pipeline logic is testable without ffmpeg.
	probeFn  func(ctx context.Context, path string) (*Info, error)
	sourceFn func(ctx context.Context, path string, width, height int) (FrameSource, error)
	sinkFn   func(ctx context.Context, path string, width, height int, fps float64, encoder string) (FrameSink, error)
}

// NewPipeline creates a pipeline around the given watermarker.
func NewPipeline(wm *frame.Watermarker) *Pipeline {
	return &Pipeline{
		wm:               wm,
		ProgressInterval: DefaultProgressInterval,
		SampleRate:       DefaultSampleRate,
		MaxExtractFrames: DefaultMaxExtractFrames,
		WithSentinel:     true,
		probeFn:          Probe,
		sourceFn:         openSource,
		sinkFn:           openSink,
	}
}

// SetProber swaps the metadata probe, for tests without ffprobe.
func (p *Pipeline) SetProber(fn func(ctx context.Context, path string) (*Info, error)) {
	p.probeFn = fn
}

// SetSourceOpener swaps the frame source factory, for tests without ffmpeg.
func (p *Pipeline) SetSourceOpener(fn func(ctx context.Context, path string, width, height int) (FrameSource, error)) {
	p.sourceFn = fn
}

// SetSinkOpener swaps the frame sink factory, for tests without ffmpeg.
func (p *Pipeline) SetSinkOpener(fn func(ctx context.Context, path string, width, height int, fps float64, encoder string) (FrameSink, error)) {
	p.sinkFn = fn
}

// Embed watermarks every frame of the input into a new output file.
// Progress is reported every ProgressInterval frames and exactly once
// at 100%. On any failure the partially written output is deleted.
// A receive on stop aborts between frames with ErrAborted.
func (p *Pipeline) Embed(ctx context.Context, inputPath, outputPath, payload string, strength float64, sink ProgressSink, stop <-chan struct{}) error {
	if sink == nil {
		sink = nopSink{}
	}

	bits, err := bitcodec.Encode(payload, p.WithSentinel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	info, err := p.probeFn(ctx, inputPath)
	if err != nil {
		return err
	}
	if !info.HasVideo {
		return ErrNoVideoStream
	}

	// Capacity is a property of the dimensions; reject before decoding
	// a single frame.
	if p.wm.Capacity(info.Width, info.Height) < p.wm.Redundancy()*len(bits) {
		return fmt.Errorf("%w: %dx%d holds %d bits, payload needs %d",
			frame.ErrCapacityInsufficient, info.Width, info.Height,
			p.wm.MaxPayloadBits(info.Width, info.Height), len(bits))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Embed",
		"input":       inputPath,
		"output":      outputPath,
		"bit_count":   len(bits),
		"strength":    strength,
		"frame_count": info.FrameCount,
		"encoder":     SelectEncoder(info.CodecName),
	}).Info("Starting embed pipeline")

	err = p.runEmbed(ctx, inputPath, outputPath, info, bits, strength, sink, stop)
	if err != nil {
		removePartial(outputPath)
		return err
	}

	sink.Progress(info.FrameCount, info.FrameCount, "completed")
	return nil
}

// runEmbed owns the open source and sink; both are released on every
// exit path, including panics in block processing.
func (p *Pipeline) runEmbed(ctx context.Context, inputPath, outputPath string, info *Info, bits []byte, strength float64, sink ProgressSink, stop <-chan struct{}) (err error) {
	source, err := p.sourceFn(ctx, inputPath, info.Width, info.Height)
	if err != nil {
		return err
	}
	defer source.Close()

	out, err := p.sinkFn(ctx, outputPath, info.Width, info.Height, info.FPS, SelectEncoder(info.CodecName))
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			out.Close()
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrFrameProcessing, r)
		}
	}()

	frameIdx := 0
	for {
		if stopped(stop) {
			return ErrAborted
		}

		f, nextErr := source.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return nextErr
		}
		frameIdx++

		if embedErr := p.wm.EmbedBits(f, bits, strength); embedErr != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrFrameProcessing, frameIdx, embedErr)
		}
		if writeErr := out.Write(f); writeErr != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrFrameProcessing, frameIdx, writeErr)
		}

		// The 100% event is published exactly once, after the encoder
		// finalizes; suppress an interval event that would collide.
		if frameIdx%p.ProgressInterval == 0 && frameIdx != info.FrameCount {
			sink.Progress(frameIdx, info.FrameCount, "processing")
		}
	}

	if frameIdx == 0 {
		return ErrNoVideoStream
	}

	// The encoder's exit status is part of the write; close before
	// declaring success.
	closed = true
	if closeErr := out.Close(); closeErr != nil {
		return closeErr
	}
	return nil
}

// Extract recovers the payload from a watermarked input. When
// expectedLen is positive it gives the payload length in bytes; zero
// means the embedded sentinel terminates the payload. Extraction
// samples every SampleRate-th frame, accumulates votes across frames,
// and stops early once every bit is confidently resolved.
func (p *Pipeline) Extract(ctx context.Context, inputPath string, expectedLen int, strength float64, sink ProgressSink, stop <-chan struct{}) (bitcodec.Result, error) {
	if sink == nil {
		sink = nopSink{}
	}

	// The accumulator must mirror the embedded stream's tiling period:
	// payload bits plus the sentinel when one was embedded.
	if expectedLen <= 0 && !p.WithSentinel {
		return bitcodec.Result{Confidence: bitcodec.ConfidenceLow},
			fmt.Errorf("%w: payload length required without sentinel", ErrInvalidInput)
	}
	bitLen := bitcodec.BitLength(expectedLen)
	if expectedLen <= 0 {
		bitLen = bitcodec.BitLength(bitcodec.MaxPayloadLength)
	}
	if p.WithSentinel {
		bitLen += bitcodec.SentinelLength
	}

	info, err := p.probeFn(ctx, inputPath)
	if err != nil {
		return bitcodec.Result{Confidence: bitcodec.ConfidenceLow}, err
	}
	if !info.HasVideo {
		return bitcodec.Result{Confidence: bitcodec.ConfidenceLow}, ErrNoVideoStream
	}

	acc := frame.NewAccumulator(bitLen)
	singleTile := expectedLen <= 0
	if err := p.runExtract(ctx, inputPath, info, acc, strength, singleTile, sink, stop); err != nil {
		return bitcodec.Result{Confidence: bitcodec.ConfidenceLow}, err
	}

	bits := acc.Bits()
	switch {
	case expectedLen > 0:
		bits = bits[:bitcodec.BitLength(expectedLen)]
	default:
		payload, trimErr := bitcodec.TrimSentinel(bits)
		if trimErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Extract",
				"input":    inputPath,
				"bit_len":  bitLen,
			}).Warn("No end-of-message sentinel recovered")
			return bitcodec.Result{Confidence: bitcodec.ConfidenceLow}, nil
		}
		bits = payload
	}

	result := bitcodec.Decode(bits, acc.AgreementOf(len(bits)))
	sink.Progress(1, 1, "completed")

	logrus.WithFields(logrus.Fields{
		"function":   "Extract",
		"input":      inputPath,
		"bit_count":  len(bits),
		"agreement":  result.Agreement,
		"confidence": result.Confidence.String(),
	}).Info("Extraction finished")

	return result, nil
}

func (p *Pipeline) runExtract(ctx context.Context, inputPath string, info *Info, acc *frame.Accumulator, strength float64, singleTile bool, sink ProgressSink, stop <-chan struct{}) (err error) {
	source, err := p.sourceFn(ctx, inputPath, info.Width, info.Height)
	if err != nil {
		return err
	}
	defer source.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrFrameProcessing, r)
		}
	}()

	sampled := 0
	for frameIdx := 0; frameIdx < p.MaxExtractFrames; frameIdx++ {
		if stopped(stop) {
			return ErrAborted
		}

		f, nextErr := source.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return nextErr
		}

		if frameIdx%p.SampleRate != 0 {
			continue
		}
		sampled++

		extract := p.wm.ExtractBits
		if singleTile {
			extract = p.wm.ExtractBitsOnce
		}
		if exErr := extract(f, acc, strength); exErr != nil {
			return fmt.Errorf("%w: frame %d: %v", ErrFrameProcessing, frameIdx, exErr)
		}
		sink.Progress(sampled, 0, "sampling")

		if acc.Confident(frame.DefaultConfidentVotes, frame.DefaultConfidentAgreement) {
			break
		}
	}

	if sampled == 0 {
		return ErrNoVideoStream
	}
	return nil
}

// stopped polls the stop channel without blocking.
func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// removePartial deletes a partially written output, logging rather than
// failing if the file never materialized.
func removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "removePartial",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Failed to delete partial output")
	}
}
