// Package dct implements the 8x8 block transform used to carry watermark
// bits in the frequency domain.
//
// The transform is the separable orthonormal 2-D DCT-II. A single bit is
// embedded per block by quantizing one mid-frequency coefficient to an
// even or odd multiple of a strength-derived step. The parity survives
// any additive disturbance smaller than half the step, which is what
// makes the mark robust against lossy re-encoding.
package dct
