package video

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vidmark/frame"
)

// preferredEncoders maps input codec names in the H.264/MP4 family to
// the encoder that preserves them. Anything else falls back to plain
// MPEG-4 part 2, whose mp4v fourCC every player handles.
var preferredEncoders = map[string]string{
	"h264":  "libx264",
	"mpeg4": "mpeg4",
}

// fallbackEncoder produces the mp4v fourCC.
const fallbackEncoder = "mpeg4"

// SelectEncoder applies the codec preservation rule: reuse the input
// codec when it is in the preferred set, otherwise fall back to mp4v.
func SelectEncoder(inputCodec string) string {
	if enc, ok := preferredEncoders[inputCodec]; ok {
		return enc
	}
	return fallbackEncoder
}

// ffmpegSink encodes BGR24 frames into an output container through an
// ffmpeg rawvideo stdin pipe.
type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// openSink starts an ffmpeg encode process writing to path.
func openSink(ctx context.Context, path string, width, height int, fps float64, encoder string) (FrameSink, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg", ErrFFmpegMissing)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-r", fpsArg(fps),
		"-i", "pipe:0",
		"-c:v", encoder,
		"-pix_fmt", "yuv420p",
		path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameProcessing, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameProcessing, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "openSink",
		"path":     path,
		"width":    width,
		"height":   height,
		"fps":      fps,
		"encoder":  encoder,
		"pid":      cmd.Process.Pid,
	}).Debug("Encoder process started")

	return &ffmpegSink{cmd: cmd, stdin: stdin}, nil
}

// Write feeds one frame to the encoder.
func (s *ffmpegSink) Write(f *frame.Frame) error {
	if _, err := s.stdin.Write(f.Pix); err != nil {
		return fmt.Errorf("%w: encoder write: %v", ErrFrameProcessing, err)
	}
	return nil
}

// Close flushes the encoder and waits for it to finalize the container.
// The encoder's exit status is the write's real success signal, so it
// is returned here rather than swallowed.
func (s *ffmpegSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: encoder exit: %v", ErrFrameProcessing, err)
	}
	return nil
}
