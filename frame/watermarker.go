package frame

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vidmark/dct"
)

// Carriers selects which YCbCr channels carry payload bits.
type Carriers uint8

const (
	// CarrierLuma embeds in the Y channel only. This is the default:
	// luminance masking hides the modification best.
	CarrierLuma Carriers = iota
	// CarrierAll embeds in Y, Cr and Cb, tripling capacity at some
	// visibility cost.
	CarrierAll
)

// Count returns the number of channels the selection walks.
func (c Carriers) Count() int {
	if c == CarrierAll {
		return 3
	}
	return 1
}

// String returns a human-readable carrier selection name.
func (c Carriers) String() string {
	if c == CarrierAll {
		return "y+cr+cb"
	}
	return "y"
}

// DefaultRedundancy is the number of blocks carrying each payload bit.
const DefaultRedundancy = 3

// ErrCapacityInsufficient indicates the frame cannot hold the payload
// at the configured redundancy and carrier selection.
var ErrCapacityInsufficient = errors.New("frame block capacity insufficient for payload")

// Watermarker tiles a payload bit stream across the 8x8 blocks of a
// frame's carrier channels and recovers it by majority vote. A
// Watermarker is owned by a single worker; its block buffer is reused
// across blocks and frames.
type Watermarker struct {
	engine     *dct.Engine
	carriers   Carriers
	redundancy int
	block      []float64
}

// NewWatermarker creates a watermarker with the given carrier selection
// and redundancy. Redundancy values below 1 fall back to the default.
func NewWatermarker(carriers Carriers, redundancy int) *Watermarker {
	if redundancy < 1 {
		redundancy = DefaultRedundancy
	}
	return &Watermarker{
		engine:     dct.NewEngine(),
		carriers:   carriers,
		redundancy: redundancy,
		block:      make([]float64, dct.BlockSize*dct.BlockSize),
	}
}

// Redundancy returns the configured redundancy factor.
func (w *Watermarker) Redundancy() int {
	return w.redundancy
}

// Capacity returns the total number of 8x8 blocks available across the
// carrier channels of a frame with the given dimensions. Partial
// rightmost and bottom blocks are discarded.
func (w *Watermarker) Capacity(width, height int) int {
	return (width / dct.BlockSize) * (height / dct.BlockSize) * w.carriers.Count()
}

// MaxPayloadBits returns the largest payload bit count a frame of the
// given dimensions can carry at the configured redundancy.
func (w *Watermarker) MaxPayloadBits(width, height int) int {
	return w.Capacity(width, height) / w.redundancy
}

// EmbedBits embeds the payload bit stream into the frame in place.
// Block i in the channel-major raster walk carries bits[i mod N], so
// the stream is tiled redundancy times across well-separated blocks.
// An empty bit stream is a no-op.
func (w *Watermarker) EmbedBits(f *Frame, bits []byte, strength float64) error {
	n := len(bits)
	if n == 0 {
		return nil
	}

	capacity := w.Capacity(f.Width, f.Height)
	needed := w.redundancy * n
	if capacity < needed {
		logrus.WithFields(logrus.Fields{
			"function":   "EmbedBits",
			"width":      f.Width,
			"height":     f.Height,
			"carriers":   w.carriers.String(),
			"capacity":   capacity,
			"needed":     needed,
			"redundancy": w.redundancy,
		}).Error("Frame capacity insufficient for payload")
		return fmt.Errorf("%w: capacity %d, need %d", ErrCapacityInsufficient, capacity, needed)
	}

	p := toYCbCr(f)
	for i := 0; i < needed; i++ {
		if err := w.applyBlock(p, i, func(block []float64) error {
			return w.engine.EmbedBit(block, bits[i%n], strength)
		}); err != nil {
			return err
		}
	}
	p.toBGR(f)

	logrus.WithFields(logrus.Fields{
		"function":    "EmbedBits",
		"bit_count":   n,
		"blocks_used": needed,
		"capacity":    capacity,
		"carriers":    w.carriers.String(),
	}).Debug("Payload embedded into frame")

	return nil
}

// ExtractBits recovers one vote per block from the frame and adds them
// to the accumulator, which may span multiple frames. The walk covers
// min(capacity, redundancy*N) blocks in the same order embedding used.
func (w *Watermarker) ExtractBits(f *Frame, acc *Accumulator, strength float64) error {
	n := acc.Len()
	if n == 0 {
		return nil
	}

	capacity := w.Capacity(f.Width, f.Height)
	total := w.redundancy * n
	if capacity < total {
		total = capacity
	}

	p := toYCbCr(f)
	for i := 0; i < total; i++ {
		var bit byte
		if err := w.applyBlock(p, i, func(block []float64) error {
			var err error
			bit, err = w.engine.ExtractBit(block, strength)
			return err
		}); err != nil {
			return err
		}
		acc.Add(i%n, bit)
	}
	return nil
}

// ExtractBitsOnce walks only the first tile: block i votes for position
// i, one vote per position per frame. Used when the embedded stream
// length is unknown (sentinel-terminated extraction) — assuming a wrong
// tiling period would scatter votes from unwatermarked blocks onto
// payload positions.
func (w *Watermarker) ExtractBitsOnce(f *Frame, acc *Accumulator, strength float64) error {
	n := acc.Len()
	if n == 0 {
		return nil
	}

	capacity := w.Capacity(f.Width, f.Height)
	if capacity < n {
		n = capacity
	}

	p := toYCbCr(f)
	for i := 0; i < n; i++ {
		var bit byte
		if err := w.applyBlock(p, i, func(block []float64) error {
			var err error
			bit, err = w.engine.ExtractBit(block, strength)
			return err
		}); err != nil {
			return err
		}
		acc.Add(i, bit)
	}
	return nil
}

// applyBlock loads global block index i into the reusable buffer, runs
// op on it, and stores the result back into the owning plane.
func (w *Watermarker) applyBlock(p *planes, i int, op func([]float64) error) error {
	bw := p.width / dct.BlockSize
	bh := p.height / dct.BlockSize
	perChannel := bw * bh

	plane := p.channel(i / perChannel)
	local := i % perChannel
	row := (local / bw) * dct.BlockSize
	col := (local % bw) * dct.BlockSize

	for y := 0; y < dct.BlockSize; y++ {
		copy(w.block[y*dct.BlockSize:(y+1)*dct.BlockSize],
			plane[(row+y)*p.width+col:(row+y)*p.width+col+dct.BlockSize])
	}
	if err := op(w.block); err != nil {
		return err
	}
	for y := 0; y < dct.BlockSize; y++ {
		copy(plane[(row+y)*p.width+col:(row+y)*p.width+col+dct.BlockSize],
			w.block[y*dct.BlockSize:(y+1)*dct.BlockSize])
	}
	return nil
}
