// Package job schedules watermarking work across a bounded queue and a
// fixed worker pool, and publishes per-job progress to subscribers.
//
// A Job moves through queued, processing, and exactly one of completed
// or error. The queue is a strict FIFO with backpressure: submission on
// a full queue is rejected, never blocked. Workers own their job
// exclusively while it runs; readers only ever see cloned snapshots.
// The progress bus is a one-way channel per job id: workers publish
// into it and it never calls back, so slow subscribers can only lose
// intermediate updates, never block a worker.
package job
