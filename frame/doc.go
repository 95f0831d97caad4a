// Package frame applies the block transform across whole video frames.
//
// A frame is an interleaved BGR24 pixel grid, the layout produced by
// rawvideo decoding. The watermarker converts it to YCbCr, partitions
// the carrier channels into 8x8 blocks in raster order, and tiles the
// payload bit stream redundantly across the available blocks. Extraction
// feeds per-block bit estimates into vote accumulators that persist
// across frames and resolve each payload bit by majority.
package frame
