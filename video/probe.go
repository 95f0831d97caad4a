package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Container identifies a recognized video container format.
type Container uint8

const (
	// ContainerUnknown indicates unrecognized magic bytes.
	ContainerUnknown Container = iota
	// ContainerMP4 is the ISO base media / MP4 family.
	ContainerMP4
	// ContainerMOV is Apple QuickTime.
	ContainerMOV
	// ContainerAVI is the RIFF AVI format.
	ContainerAVI
	// ContainerMKV is Matroska.
	ContainerMKV
	// ContainerWebM is WebM (Matroska subset).
	ContainerWebM
	// ContainerWMV is ASF/WMV.
	ContainerWMV
	// ContainerFLV is Flash Video.
	ContainerFLV
)

// String returns the conventional short name of the container.
func (c Container) String() string {
	switch c {
	case ContainerMP4:
		return "mp4"
	case ContainerMOV:
		return "mov"
	case ContainerAVI:
		return "avi"
	case ContainerMKV:
		return "mkv"
	case ContainerWebM:
		return "webm"
	case ContainerWMV:
		return "wmv"
	case ContainerFLV:
		return "flv"
	default:
		return "unknown"
	}
}

// asfGUID is the ASF header object GUID that opens every WMV file.
var asfGUID = []byte{0x30, 0x26, 0xB2, 0x75, 0x8E, 0x66, 0xCF, 0x11, 0xA6, 0xD9, 0x00, 0xAA, 0x00, 0x62, 0xCE, 0x6C}

// sniffLen is how many leading bytes SniffContainer examines. Large
// enough to find the Matroska DocType inside the EBML header.
const sniffLen = 4096

// SniffContainer identifies the container format from a file's leading
// bytes without spawning any external process.
func SniffContainer(path string) (Container, error) {
	fh, err := os.Open(path)
	if err != nil {
		return ContainerUnknown, err
	}
	defer fh.Close()

	head := make([]byte, sniffLen)
	n, err := fh.Read(head)
	if n == 0 {
		return ContainerUnknown, fmt.Errorf("empty file: %w", err)
	}
	head = head[:n]

	return sniffBytes(head), nil
}

func sniffBytes(head []byte) Container {
	if len(head) < 12 {
		return ContainerUnknown
	}

	switch {
	case bytes.HasPrefix(head, []byte("RIFF")) && bytes.Equal(head[8:12], []byte("AVI ")):
		return ContainerAVI
	case bytes.HasPrefix(head, []byte("FLV\x01")):
		return ContainerFLV
	case bytes.HasPrefix(head, asfGUID):
		return ContainerWMV
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		// Matroska EBML header; the DocType distinguishes WebM.
		if bytes.Contains(head, []byte("webm")) {
			return ContainerWebM
		}
		return ContainerMKV
	case bytes.Equal(head[4:8], []byte("ftyp")):
		brand := string(head[8:12])
		if strings.HasPrefix(brand, "qt") {
			return ContainerMOV
		}
		return ContainerMP4
	case bytes.Equal(head[4:8], []byte("moov")) || bytes.Equal(head[4:8], []byte("mdat")) ||
		bytes.Equal(head[4:8], []byte("wide")) || bytes.Equal(head[4:8], []byte("free")):
		// QuickTime files without an ftyp box.
		return ContainerMOV
	default:
		return ContainerUnknown
	}
}

// Info holds the stream metadata of a probed container.
type Info struct {
	Container  Container
	HasVideo   bool
	HasAudio   bool
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Duration   float64
	CodecName  string
	CodecTag   string
}

// ffprobe JSON shapes; only the fields the prober reads.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	CodecTag     string `json:"codec_tag_string"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NBFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// Probe runs ffprobe on the input and returns its stream metadata. The
// returned Info carries everything the validator, the estimator, and
// the pipeline need from the container.
func Probe(ctx context.Context, path string) (*Info, error) {
	bin, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe", ErrFFmpegMissing)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Probe",
			"path":     path,
			"error":    err.Error(),
		}).Warn("ffprobe failed on input")
		return nil, fmt.Errorf("%w: %v", ErrDecoder, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed ffprobe output: %v", ErrDecoder, err)
	}

	info := &Info{}
	info.Duration, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width = s.Width
			info.Height = s.Height
			info.CodecName = s.CodecName
			info.CodecTag = s.CodecTag
			info.FPS = parseRate(s.RFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.AvgFrameRate)
			}
			info.FrameCount, _ = strconv.Atoi(s.NBFrames)
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && info.Duration == 0 {
				info.Duration = d
			}
		case "audio":
			info.HasAudio = true
		}
	}

	// Containers that do not index frame counts still allow a duration
	// based estimate.
	if info.FrameCount == 0 && info.Duration > 0 && info.FPS > 0 {
		info.FrameCount = int(info.Duration * info.FPS)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Probe",
		"path":        path,
		"has_video":   info.HasVideo,
		"has_audio":   info.HasAudio,
		"width":       info.Width,
		"height":      info.Height,
		"fps":         info.FPS,
		"frame_count": info.FrameCount,
		"codec":       info.CodecName,
	}).Debug("Container probed")

	return info, nil
}

// parseRate parses an ffprobe rational like "30000/1001" into a float.
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, _ := strconv.ParseFloat(rate, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
