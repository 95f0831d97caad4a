// Package video opens containers, iterates decoded frames, and drives
// the per-frame watermarker over whole files.
//
// Decoding and encoding go through ffmpeg rawvideo pipes; metadata comes
// from ffprobe. Container identification is done on magic bytes before
// any external process is spawned, so obviously bad inputs are rejected
// cheaply. The pipeline reports progress through an opaque sink and
// guarantees that partial outputs are deleted on every failure path.
package video
