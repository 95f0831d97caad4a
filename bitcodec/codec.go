package bitcodec

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// MaxPayloadLength is the maximum accepted payload length in bytes.
const MaxPayloadLength = 50

// SentinelLength is the number of bits in the end-of-message sentinel.
const SentinelLength = 16

// ErrPayloadTooLong indicates the payload exceeds MaxPayloadLength.
var ErrPayloadTooLong = errors.New("payload exceeds maximum length")

// ErrSentinelNotFound indicates no end-of-message sentinel was present
// in a bit stream that required one.
var ErrSentinelNotFound = errors.New("end-of-message sentinel not found")

// sentinel is the 16-bit end-of-message marker, MSB first.
// The pattern 1111111111111110 cannot occur inside a run of valid
// UTF-8 payload bytes (0xFF 0xFE is never well-formed UTF-8).
var sentinel = [SentinelLength]byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0}

// Confidence is a qualitative decode confidence category.
type Confidence uint8

const (
	// ConfidenceLow indicates per-bit agreement below 0.7 or a failed decode.
	ConfidenceLow Confidence = iota
	// ConfidenceMedium indicates per-bit agreement of at least 0.7.
	ConfidenceMedium
	// ConfidenceHigh indicates per-bit agreement of at least 0.9.
	ConfidenceHigh
)

// String returns the lower-case name of the confidence category.
func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// ConfidenceFromAgreement maps a mean per-bit agreement ratio in [0,1]
// to a confidence category.
func ConfidenceFromAgreement(agreement float64) Confidence {
	switch {
	case agreement >= 0.9:
		return ConfidenceHigh
	case agreement >= 0.7:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Result is the outcome of decoding a recovered bit stream.
type Result struct {
	Text       string
	Confidence Confidence
	// Agreement is the mean per-bit agreement ratio the confidence was
	// derived from.
	Agreement float64
}

// Encode expands payload text to its bit-serial form, one byte per bit
// with values 0 or 1, MSB first within each payload byte. When
// withSentinel is true the 16-bit end-of-message marker is appended.
func Encode(text string, withSentinel bool) ([]byte, error) {
	if len(text) > MaxPayloadLength {
		logrus.WithFields(logrus.Fields{
			"function":   "Encode",
			"length":     len(text),
			"max_length": MaxPayloadLength,
		}).Error("Payload exceeds maximum length")
		return nil, ErrPayloadTooLong
	}

	n := len(text) * 8
	if withSentinel {
		n += SentinelLength
	}
	bits := make([]byte, 0, n)
	for i := 0; i < len(text); i++ {
		b := text[i]
		for shift := 7; shift >= 0; shift-- {
			bits = append(bits, (b>>uint(shift))&1)
		}
	}
	if withSentinel {
		bits = append(bits, sentinel[:]...)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Encode",
		"payload_bytes": len(text),
		"bit_count":     len(bits),
		"with_sentinel": withSentinel,
	}).Debug("Payload encoded to bit stream")

	return bits, nil
}

// BitLength returns the number of payload bits for a text of the given
// byte length, excluding any sentinel.
func BitLength(payloadLen int) int {
	return payloadLen * 8
}

// TrimSentinel locates the end-of-message sentinel in bits and returns
// the payload bits preceding it. The sentinel is searched only at byte
// boundaries, matching how Encode appends it.
func TrimSentinel(bits []byte) ([]byte, error) {
	for off := 0; off+SentinelLength <= len(bits); off += 8 {
		if matchSentinel(bits[off : off+SentinelLength]) {
			return bits[:off], nil
		}
	}
	return nil, ErrSentinelNotFound
}

func matchSentinel(window []byte) bool {
	for i, b := range sentinel {
		if window[i] != b {
			return false
		}
	}
	return true
}

// Decode reassembles payload text from a recovered bit stream. The
// agreement ratio comes from the majority-vote accumulators and drives
// the reported confidence. Bit streams whose length is not a multiple
// of 8 are truncated to the last full byte. Invalid UTF-8 bytes are
// replaced with the substitution code point; if the decoded text is
// mostly non-printable the decode is treated as failed and an empty
// result with low confidence is returned.
func Decode(bits []byte, agreement float64) Result {
	bits = bits[:len(bits)-len(bits)%8]
	if len(bits) == 0 {
		return Result{Text: "", Confidence: ConfidenceLow, Agreement: agreement}
	}

	raw := make([]byte, 0, len(bits)/8)
	for off := 0; off < len(bits); off += 8 {
		var b byte
		for i := 0; i < 8; i++ {
			b = b<<1 | bits[off+i]
		}
		raw = append(raw, b)
	}

	text := sanitize(raw)
	if mostlyUnprintable(text) {
		logrus.WithFields(logrus.Fields{
			"function":  "Decode",
			"bit_count": len(bits),
			"agreement": agreement,
		}).Warn("Decoded payload is mostly non-printable, treating as failed")
		return Result{Text: "", Confidence: ConfidenceLow, Agreement: agreement}
	}

	return Result{
		Text:       text,
		Confidence: ConfidenceFromAgreement(agreement),
		Agreement:  agreement,
	}
}

// sanitize reinterprets raw bytes as UTF-8, replacing invalid sequences
// with the substitution code point.
func sanitize(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	var sb strings.Builder
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			raw = raw[1:]
			continue
		}
		sb.WriteRune(r)
		raw = raw[size:]
	}
	return sb.String()
}

// mostlyUnprintable reports whether more than half of the decoded runes
// are neither printable nor whitespace.
func mostlyUnprintable(text string) bool {
	if text == "" {
		return true
	}
	total, bad := 0, 0
	for _, r := range text {
		total++
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			bad++
		}
	}
	return bad*2 > total
}
