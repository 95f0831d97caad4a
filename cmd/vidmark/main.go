// Command vidmark embeds and recovers text watermarks in video files
// from the command line. It drives the same service the HTTP adapter
// uses, waiting synchronously for the submitted job to finish.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vidmark"
	"github.com/opd-ai/vidmark/job"
)

func main() {
	var (
		mode     = flag.String("mode", "embed", "operation: embed, extract, validate or estimate")
		input    = flag.String("in", "", "input video path")
		text     = flag.String("text", "", "payload text to embed")
		length   = flag.Int("len", 0, "expected payload length for extraction (0 = sentinel)")
		strength = flag.Float64("strength", vidmark.DefaultStrength, "embedding strength [0.05, 0.30]")
		multi    = flag.Bool("multi-channel", false, "embed in all three color channels")
		outDir   = flag.String("out-dir", "", "directory for embed outputs (default: input directory)")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *input == "" {
		fmt.Fprintln(os.Stderr, "error: -in is required")
		flag.Usage()
		os.Exit(2)
	}

	options := vidmark.NewOptions()
	options.OutputDir = *outDir
	svc, err := vidmark.New(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer svc.Shutdown()

	if err := run(svc, *mode, *input, *text, *length, *strength, *multi); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(svc *vidmark.Service, mode, input, text string, length int, strength float64, multi bool) error {
	switch mode {
	case "embed":
		id, err := svc.SubmitEmbed(input, text, vidmark.EmbedOptions{
			Strength:     strength,
			MultiChannel: multi,
		})
		if err != nil {
			return err
		}
		snap, err := await(svc, id)
		if err != nil {
			return err
		}
		fmt.Printf("output: %s\nsize: %d bytes\nchecksum: %s\n",
			snap.Result.OutputPath, snap.Result.SizeBytes, snap.Result.Checksum)
		return nil

	case "extract":
		id, err := svc.SubmitExtract(input, length, vidmark.ExtractOptions{
			Strength:     strength,
			MultiChannel: multi,
		})
		if err != nil {
			return err
		}
		snap, err := await(svc, id)
		if err != nil {
			return err
		}
		fmt.Printf("payload: %q\nconfidence: %s (agreement %.2f)\n",
			snap.Result.Text, snap.Result.Confidence, snap.Result.Agreement)
		return nil

	case "validate":
		report := svc.Validate(input)
		fmt.Printf("container: %s\nvideo stream: %v\naudio stream: %v\ndimensions: %dx%d @ %.2f fps\nframes: %d\n",
			report.Container, report.HasVideoStream, report.HasAudioStream,
			report.Width, report.Height, report.FPS, report.FrameCount)
		for _, w := range report.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		for _, e := range report.Errors {
			fmt.Printf("error: %s\n", e)
		}
		if !report.OK() {
			return fmt.Errorf("input failed validation")
		}
		return nil

	case "estimate":
		est, err := svc.Estimate(input, len(text))
		if err != nil {
			return err
		}
		fmt.Printf("estimated: %.1fs (%.1f min), confidence %.1f\n",
			est.Seconds, est.Minutes, est.Confidence)
		return nil

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// await follows a job's progress stream to its terminal state.
func await(svc *vidmark.Service, id string) (job.Snapshot, error) {
	events, cancel, err := svc.Subscribe(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	defer cancel()

	for e := range events {
		if e.Status == job.StatusProcessing && e.Progress > 0 {
			fmt.Fprintf(os.Stderr, "\r%s %.0f%%", e.Message, e.Progress)
		}
	}
	fmt.Fprintln(os.Stderr)

	snap, err := svc.GetJob(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	if snap.Status != job.StatusCompleted {
		return snap, fmt.Errorf("job failed (%s): %s", snap.Failure, snap.Error)
	}
	return snap, nil
}
