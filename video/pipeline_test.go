package video

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vidmark/bitcodec"
	"github.com/opd-ai/vidmark/frame"
)

// memSource replays pre-built frames, optionally failing at an index.
type memSource struct {
	frames []*frame.Frame
	idx    int
	failAt int
	closed bool
}

func newMemSource(frames []*frame.Frame) *memSource {
	return &memSource{frames: frames, failAt: -1}
}

func (s *memSource) Next() (*frame.Frame, error) {
	if s.idx == s.failAt {
		return nil, ErrDecoder
	}
	if s.idx >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.idx]
	s.idx++
	return f, nil
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

// memSink records written frames, optionally failing at an index.
type memSink struct {
	frames  []*frame.Frame
	failAt  int
	closed  bool
	written int
}

func newMemSink() *memSink {
	return &memSink{failAt: -1}
}

func (s *memSink) Write(f *frame.Frame) error {
	if s.written == s.failAt {
		return ErrFrameProcessing
	}
	s.written++
	s.frames = append(s.frames, f.Clone())
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

// recordingSink captures progress events.
type recordingSink struct {
	mu     sync.Mutex
	events []int
	totals []int
}

func (r *recordingSink) Progress(done, total int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, done)
	r.totals = append(r.totals, total)
}

func testFrames(count, width, height int, seed int64) []*frame.Frame {
	rng := rand.New(rand.NewSource(seed))
	frames := make([]*frame.Frame, count)
	for i := range frames {
		f := frame.New(width, height)
		for j := range f.Pix {
			f.Pix[j] = byte(40 + rng.Intn(160))
		}
		frames[i] = f
	}
	return frames
}

// testPipeline builds a pipeline wired to in-memory sources and sinks.
func testPipeline(source *memSource, sink *memSink, info *Info) *Pipeline {
	p := NewPipeline(frame.NewWatermarker(frame.CarrierLuma, frame.DefaultRedundancy))
	p.probeFn = func(context.Context, string) (*Info, error) { return info, nil }
	p.sourceFn = func(context.Context, string, int, int) (FrameSource, error) { return source, nil }
	p.sinkFn = func(context.Context, string, int, int, float64, string) (FrameSink, error) { return sink, nil }
	return p
}

func pipelineInfo(frames, width, height int) *Info {
	return &Info{
		HasVideo:   true,
		Width:      width,
		Height:     height,
		FPS:        30,
		FrameCount: frames,
		CodecName:  "h264",
	}
}

func TestEmbedExtractVideoRoundTrip(t *testing.T) {
	const payload = "Copyright 2024"
	frames := testFrames(31, 320, 240, 1)
	source := newMemSource(frames)
	sink := newMemSink()
	info := pipelineInfo(len(frames), 320, 240)

	p := testPipeline(source, sink, info)
	err := p.Embed(context.Background(), "in.mp4", "out.mp4", payload, 0.1, nil, nil)
	require.NoError(t, err)
	require.Len(t, sink.frames, len(frames))
	assert.True(t, source.closed)
	assert.True(t, sink.closed)

	// Extract with the payload length supplied.
	extractSource := newMemSource(sink.frames)
	p2 := testPipeline(extractSource, newMemSink(), info)
	result, err := p2.Extract(context.Background(), "out.mp4", len(payload), 0.1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, result.Text)
	assert.Equal(t, bitcodec.ConfidenceHigh, result.Confidence)
}

func TestExtractSentinelMode(t *testing.T) {
	const payload = "hidden mark"
	frames := testFrames(61, 640, 360, 2)
	source := newMemSource(frames)
	sink := newMemSink()
	info := pipelineInfo(len(frames), 640, 360)

	p := testPipeline(source, sink, info)
	require.NoError(t, p.Embed(context.Background(), "in.mp4", "out.mp4", payload, 0.1, nil, nil))

	extractSource := newMemSource(sink.frames)
	p2 := testPipeline(extractSource, newMemSink(), info)
	result, err := p2.Extract(context.Background(), "out.mp4", 0, 0.1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, result.Text)
}

func TestEmbedProgressCadence(t *testing.T) {
	frames := testFrames(25, 320, 240, 3)
	source := newMemSource(frames)
	sink := newMemSink()
	info := pipelineInfo(len(frames), 320, 240)

	rec := &recordingSink{}
	p := testPipeline(source, sink, info)
	require.NoError(t, p.Embed(context.Background(), "in.mp4", "out.mp4", "Hi", 0.1, rec, nil))

	// Events at frames 10 and 20, then exactly one terminal event.
	require.Len(t, rec.events, 3)
	assert.Equal(t, []int{10, 20, 25}, rec.events)
	assert.Equal(t, 25, rec.totals[2])
}

func TestEmbedCapacityRejectedBeforeDecode(t *testing.T) {
	source := newMemSource(testFrames(5, 32, 32, 4))
	p := testPipeline(source, newMemSink(), pipelineInfo(5, 32, 32))

	err := p.Embed(context.Background(), "in.mp4", "out.mp4", "far too long for a tiny frame", 0.1, nil, nil)
	assert.ErrorIs(t, err, frame.ErrCapacityInsufficient)
	assert.False(t, source.closed, "capacity failure must precede decoding")
}

func TestEmbedDecoderFailureDeletesPartial(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "partial.mp4")
	require.NoError(t, os.WriteFile(outputPath, []byte("partial"), 0o644))

	source := newMemSource(testFrames(10, 320, 240, 5))
	source.failAt = 4
	sink := newMemSink()
	p := testPipeline(source, sink, pipelineInfo(10, 320, 240))

	err := p.Embed(context.Background(), "in.mp4", outputPath, "Hi", 0.1, nil, nil)
	require.ErrorIs(t, err, ErrDecoder)

	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "partial output must be deleted")
	assert.True(t, source.closed)
	assert.True(t, sink.closed)
}

func TestEmbedSinkFailure(t *testing.T) {
	source := newMemSource(testFrames(10, 320, 240, 6))
	sink := newMemSink()
	sink.failAt = 2
	p := testPipeline(source, sink, pipelineInfo(10, 320, 240))

	err := p.Embed(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "o.mp4"), "Hi", 0.1, nil, nil)
	assert.ErrorIs(t, err, ErrFrameProcessing)
	assert.True(t, sink.closed)
}

func TestEmbedAbortedByStop(t *testing.T) {
	source := newMemSource(testFrames(10, 320, 240, 7))
	p := testPipeline(source, newMemSink(), pipelineInfo(10, 320, 240))

	stop := make(chan struct{})
	close(stop)

	err := p.Embed(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "o.mp4"), "Hi", 0.1, nil, stop)
	assert.ErrorIs(t, err, ErrAborted)
	assert.True(t, source.closed)
}

func TestEmbedEmptyStream(t *testing.T) {
	source := newMemSource(nil)
	p := testPipeline(source, newMemSink(), pipelineInfo(0, 320, 240))

	err := p.Embed(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "o.mp4"), "Hi", 0.1, nil, nil)
	assert.ErrorIs(t, err, ErrNoVideoStream)
}

func TestExtractNoVideoStream(t *testing.T) {
	p := testPipeline(newMemSource(nil), newMemSink(), &Info{HasVideo: false})

	_, err := p.Extract(context.Background(), "in.mp4", 2, 0.1, nil, nil)
	assert.ErrorIs(t, err, ErrNoVideoStream)
}

func TestExtractUnmarkedVideoLowConfidence(t *testing.T) {
	frames := testFrames(31, 320, 240, 8)
	p := testPipeline(newMemSource(frames), newMemSink(), pipelineInfo(len(frames), 320, 240))

	// Sentinel mode on a video that was never watermarked.
	result, err := p.Extract(context.Background(), "in.mp4", 0, 0.1, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Text)
	assert.Equal(t, bitcodec.ConfidenceLow, result.Confidence)
}

func TestExtractSamplesEveryNthFrame(t *testing.T) {
	const payload = "Hi"
	frames := testFrames(91, 320, 240, 9)
	source := newMemSource(frames)
	sink := newMemSink()
	info := pipelineInfo(len(frames), 320, 240)

	p := testPipeline(source, sink, info)
	require.NoError(t, p.Embed(context.Background(), "in.mp4", "out.mp4", payload, 0.1, nil, nil))

	extractSource := newMemSource(sink.frames)
	rec := &recordingSink{}
	p2 := testPipeline(extractSource, newMemSink(), info)
	result, err := p2.Extract(context.Background(), "out.mp4", len(payload), 0.1, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, result.Text)

	// Frames 0, 30, 60, 90 are sampled; early termination may stop the
	// walk sooner once every bit is confidently resolved.
	require.NotEmpty(t, rec.events)
	assert.LessOrEqual(t, rec.events[len(rec.events)-2], 4)
}

func TestExtractLengthRequiredWithoutSentinel(t *testing.T) {
	p := testPipeline(newMemSource(nil), newMemSink(), pipelineInfo(1, 320, 240))
	p.WithSentinel = false

	_, err := p.Extract(context.Background(), "in.mp4", 0, 0.1, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmbedOverlongPayload(t *testing.T) {
	p := testPipeline(newMemSource(nil), newMemSink(), pipelineInfo(1, 320, 240))

	long := make([]byte, bitcodec.MaxPayloadLength+1)
	for i := range long {
		long[i] = 'a'
	}
	err := p.Embed(context.Background(), "in.mp4", "out.mp4", string(long), 0.1, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStoppedHelper(t *testing.T) {
	assert.False(t, stopped(nil))

	ch := make(chan struct{})
	assert.False(t, stopped(ch))
	close(ch)
	assert.True(t, stopped(ch))
}

func TestEmbedDoubleIdempotent(t *testing.T) {
	const payload = "Hi"
	frames := testFrames(31, 320, 240, 10)
	info := pipelineInfo(len(frames), 320, 240)

	sink1 := newMemSink()
	p := testPipeline(newMemSource(frames), sink1, info)
	require.NoError(t, p.Embed(context.Background(), "a.mp4", "b.mp4", payload, 0.1, nil, nil))

	sink2 := newMemSink()
	p2 := testPipeline(newMemSource(sink1.frames), sink2, info)
	require.NoError(t, p2.Embed(context.Background(), "b.mp4", "c.mp4", payload, 0.1, nil, nil))

	extractSource := newMemSource(sink2.frames)
	p3 := testPipeline(extractSource, newMemSink(), info)
	result, err := p3.Extract(context.Background(), "c.mp4", len(payload), 0.1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, result.Text)
}

var errBoom = errors.New("boom")

func TestEmbedProbeFailure(t *testing.T) {
	p := NewPipeline(frame.NewWatermarker(frame.CarrierLuma, frame.DefaultRedundancy))
	p.probeFn = func(context.Context, string) (*Info, error) { return nil, errBoom }

	err := p.Embed(context.Background(), "in.mp4", "out.mp4", "Hi", 0.1, nil, nil)
	assert.ErrorIs(t, err, errBoom)
}
