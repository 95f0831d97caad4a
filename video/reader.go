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

// FrameSource yields decoded frames in input order. Next returns io.EOF
// when the stream is exhausted. The returned frame is only valid until
// the next call; implementations reuse the pixel buffer.
type FrameSource interface {
	Next() (*frame.Frame, error)
	Close() error
}

// FrameSink consumes watermarked frames in order and finalizes the
// output on Close. Close must be called on every path; a Close after an
// error still releases the underlying encoder.
type FrameSink interface {
	Write(*frame.Frame) error
	Close() error
}

// ffmpegSource decodes a container to BGR24 frames through an ffmpeg
// rawvideo pipe.
type ffmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frame  *frame.Frame
	closed bool
}

// openSource starts an ffmpeg decode process for the input.
func openSource(ctx context.Context, path string, width, height int) (FrameSource, error) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg", ErrFFmpegMissing)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner",
		"-loglevel", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoder, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoder, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "openSource",
		"path":     path,
		"width":    width,
		"height":   height,
		"pid":      cmd.Process.Pid,
	}).Debug("Decoder process started")

	return &ffmpegSource{
		cmd:    cmd,
		stdout: stdout,
		frame:  frame.New(width, height),
	}, nil
}

// Next reads one full frame from the decoder. The frame's pixel buffer
// is reused across calls.
func (s *ffmpegSource) Next() (*frame.Frame, error) {
	_, err := io.ReadFull(s.stdout, s.frame.Pix)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoder, err)
	}
	return s.frame, nil
}

// Close terminates the decoder process and reaps it. Safe to call after
// EOF or mid-stream.
func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.stdout.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// fpsArg formats a frame rate for the ffmpeg command line, preserving
// fractional rates like 29.97.
func fpsArg(fps float64) string {
	if fps <= 0 {
		fps = 30
	}
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
