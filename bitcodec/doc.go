// Package bitcodec converts watermark payload text to and from the
// bit-serial form carried inside video frames.
//
// Each UTF-8 code unit of the payload expands to 8 bits, most significant
// bit first. An optional 16-bit end-of-message sentinel lets extraction
// recover the payload without knowing its length in advance. Decoding
// reports a qualitative confidence derived from the per-bit agreement of
// the redundant copies recovered from the carrier.
package bitcodec
