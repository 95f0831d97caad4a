package video

import (
	"math"

	"github.com/sirupsen/logrus"
)

// baseFrameRate is the reference processing throughput in frames per
// second on a single core.
const baseFrameRate = 30.0

// Estimate predicts the wall-clock cost of a watermarking job. It is
// advisory only and never gates execution.
type Estimate struct {
	Seconds    float64
	Minutes    float64
	Confidence float64
}

// EstimateProcessing predicts processing time from probed metadata and
// the payload length. Confidence is 0.7 when the metadata is complete,
// 0.4 otherwise.
func EstimateProcessing(info *Info, payloadLen int) Estimate {
	frames := float64(info.FrameCount)
	complete := info.FrameCount > 0 && info.FPS > 0 && info.Width > 0 && info.Height > 0

	if frames == 0 && info.Duration > 0 {
		fps := info.FPS
		if fps == 0 {
			fps = 30
		}
		frames = info.Duration * fps
	}

	seconds := frames / baseFrameRate *
		resolutionFactor(info.Width, info.Height) *
		payloadFactor(payloadLen)

	confidence := 0.4
	if complete {
		confidence = 0.7
	}

	logrus.WithFields(logrus.Fields{
		"function":    "EstimateProcessing",
		"frame_count": info.FrameCount,
		"width":       info.Width,
		"height":      info.Height,
		"payload_len": payloadLen,
		"seconds":     seconds,
		"confidence":  confidence,
	}).Debug("Processing time estimated")

	return Estimate{
		Seconds:    math.Round(seconds*10) / 10,
		Minutes:    math.Round(seconds/6) / 10,
		Confidence: confidence,
	}
}

// resolutionFactor scales the estimate by resolution class, judged from
// the frame height alone.
func resolutionFactor(width, height int) float64 {
	switch h := height; {
	case h <= 0:
		return 1.0
	case h <= 480:
		return 0.5
	case h <= 720:
		return 1.0
	case h <= 1080:
		return 1.5
	case h <= 2160:
		return 3.0
	default:
		return 5.0
	}
}

// payloadFactor scales the estimate by payload length; longer payloads
// need more embedded blocks per frame.
func payloadFactor(payloadLen int) float64 {
	return 0.5 + math.Min(1.5, float64(payloadLen)/32)
}
