// Package vidmark embeds and recovers short text payloads inside video
// files by modifying the frequency-domain representation of their
// luminance samples, and schedules that work across a bounded pool of
// concurrent workers with live progress.
//
// # Architecture
//
// The module consists of several integrated subsystems:
//
//   - Service: the narrow API the adapter layer consumes — submit,
//     query, subscribe, cancel, shutdown
//   - job: bounded FIFO queue, fixed worker pool, progress bus
//   - video: container validation, ffmpeg frame iteration, the embed
//     and extract pipelines, and the time estimator
//   - frame: per-frame watermarking with redundant bit placement and
//     majority-vote recovery
//   - dct: the 8x8 block transform and parity-quantization bit carrier
//   - bitcodec: payload text to bit-stream framing with an optional
//     end-of-message sentinel
//
// # Usage
//
// Create a service and submit work:
//
//	svc, err := vidmark.New(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Shutdown()
//
//	id, err := svc.SubmitEmbed("input.mp4", "Copyright 2024", vidmark.EmbedOptions{
//	    Strength: 0.1,
//	})
//
//	events, cancel, _ := svc.Subscribe(id)
//	defer cancel()
//	for e := range events {
//	    fmt.Printf("%s %.0f%% %s\n", e.Status, e.Progress, e.Message)
//	}
//
// The mark survives lossy re-encoding at typical quality settings and
// is recovered by majority vote over redundant block copies, sampled
// across multiple frames.
package vidmark
