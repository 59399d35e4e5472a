package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"fatigue-monitor/go-client/internal/config"
	"fatigue-monitor/go-client/internal/encoder"
	"fatigue-monitor/go-client/internal/framesource"
	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/models"
	"fatigue-monitor/go-client/internal/results"
	"fatigue-monitor/go-client/internal/services"
	"fatigue-monitor/go-client/internal/transport"
)

type ProbeOptions struct {
	Count   int
	Timeout time.Duration
}

// NewProbeCommand checks an analyzer end to end: it sends a few frames for
// one driver and prints each reply.
func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a few frames to the analyzer and print its replies",
		Example: `  fatigue-monitor probe
  fatigue-monitor probe --driver-id 42 --count 5 --timeout 5s
  fatigue-monitor probe --analyzer-endpoint grpc://localhost:50051`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.Count, "count", "n", 3, "Frames to send")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "How long to wait for each reply")
	return cmd
}

func runProbe(cmd *cobra.Command, opts *ProbeOptions) error {
	if opts.Count < 1 {
		return errors.Errorf("count must be positive, got %d", opts.Count)
	}
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	driverID := cfg.DriverID
	if driverID == 0 {
		driverID = 1
	}

	log := logging.New(cfg.LogLevel, cfg.IsDev())
	defer log.Sync()
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintf(out, "Probing analyzer %s as driver %d\n", color.CyanString(cfg.AnalyzerEndpoint), driverID)
	fmt.Fprintln(out, strings.Repeat("=", 60))

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout*time.Duration(opts.Count+1))
	defer cancel()

	source, err := framesource.FromConfig(cfg)
	if err != nil {
		return err
	}
	if err := source.Acquire(ctx); err != nil {
		return errors.Wrap(err, "acquire frame source")
	}
	defer source.Release()

	metrics := services.NewMetrics()
	dialer, err := transport.NewDialer(cfg.AnalyzerEndpoint, transport.Options{
		MaxMessageSize: cfg.MaxMessageSize(),
		Log:            logging.Component(log, "transport"),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	replies := make(chan models.AnalysisResult, opts.Count)
	lost := make(chan error, 1)
	ch, err := dialer.Dial(ctx, cfg.AnalyzerEndpoint, driverID, transport.Handlers{
		OnResult: func(res models.AnalysisResult) {
			select {
			case replies <- res:
			default:
			}
		},
		OnLost: func(err error) { lost <- err },
	})
	if err != nil {
		return err
	}
	defer ch.Close()
	fmt.Fprintf(out, "%s connected\n", color.GreenString("✓"))

	enc := encoder.New(cfg.JPEGQuality)
	handler := results.NewHandler(nil, cfg.AlertToken, nil, metrics)

	for i := 1; i <= opts.Count; i++ {
		payload, err := probeFrame(ctx, source, enc, driverID, cfg.WarmupFrames)
		if err != nil {
			return err
		}

		start := time.Now()
		if !ch.Send(payload) {
			return errors.Errorf("frame %d was not sent", i)
		}

		select {
		case res := <-replies:
			mark := color.GreenString("✓")
			if handler.IsAlert(res.Status) {
				mark = color.New(color.FgRed, color.Bold).Sprint("!")
			}
			fmt.Fprintf(out, "%s frame %d (%d bytes): status %q, alert image %d bytes, %v\n",
				mark, i, len(payload.Bytes), res.Status, len(res.AlertImage), time.Since(start).Round(time.Millisecond))
		case err := <-lost:
			return err
		case <-time.After(opts.Timeout):
			return errors.Errorf("no reply to frame %d within %v", i, opts.Timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	fmt.Fprintf(out, "%s analyzer answered %d/%d frames, %d malformed messages\n",
		color.GreenString("✓"), opts.Count, opts.Count, metrics.GetMalformed())
	return nil
}

// probeFrame captures until the source yields a usable frame, skipping at
// most warmup+1 empty ones.
func probeFrame(ctx context.Context, source framesource.Source, enc *encoder.Encoder, driverID, warmup int) (models.FramePayload, error) {
	var lastErr error
	for attempt := 0; attempt <= warmup+1; attempt++ {
		frame, err := source.Capture(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		payload, err := enc.Encode(frame, driverID)
		if err != nil {
			lastErr = err
			continue
		}
		return payload, nil
	}
	return models.FramePayload{}, errors.Wrap(lastErr, "no usable frame")
}
