package video

import "errors"

// Sentinel errors for video operations. These enable reliable error
// classification with errors.Is across the pipeline and job layers.

var (
	// ErrInvalidInput indicates the input failed validation before any
	// decoding was attempted.
	ErrInvalidInput = errors.New("invalid input video")

	// ErrUnsupportedContainer indicates the file's magic bytes match no
	// supported container format.
	ErrUnsupportedContainer = errors.New("unsupported container format")

	// ErrNoVideoStream indicates the container holds no decodable video.
	ErrNoVideoStream = errors.New("no decodable video stream")

	// ErrDecoder indicates an unrecoverable read from the input container.
	ErrDecoder = errors.New("decoder error")

	// ErrFrameProcessing indicates the watermarker or encoder failed on a
	// specific frame.
	ErrFrameProcessing = errors.New("frame processing failed")

	// ErrAborted indicates processing stopped because of a shutdown signal.
	ErrAborted = errors.New("processing aborted by shutdown")

	// ErrFFmpegMissing indicates the ffmpeg or ffprobe binary is not on
	// the PATH.
	ErrFFmpegMissing = errors.New("ffmpeg binary not found")
)
