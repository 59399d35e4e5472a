package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fatigue-monitor/go-client/internal/alarm"
	"fatigue-monitor/go-client/internal/config"
	"fatigue-monitor/go-client/internal/encoder"
	"fatigue-monitor/go-client/internal/framesource"
	"fatigue-monitor/go-client/internal/handlers"
	"fatigue-monitor/go-client/internal/logging"
	"fatigue-monitor/go-client/internal/render"
	"fatigue-monitor/go-client/internal/results"
	"fatigue-monitor/go-client/internal/services"
	"fatigue-monitor/go-client/internal/session"
	"fatigue-monitor/go-client/internal/transport"
)

const shutdownTimeout = 5 * time.Second

type MonitorOptions struct {
	Quiet bool
}

func NewRootCommand() *cobra.Command {
	opts := &MonitorOptions{}

	cmd := &cobra.Command{
		Use:   "fatigue-monitor",
		Short: "Driver fatigue monitoring client",
		Long: `fatigue-monitor samples camera frames for a selected driver, streams them to a
remote fatigue analyzer and raises an audible alarm when the analyzer reports
the driver as drowsy.

A session starts right away when --driver-id is set. Otherwise select a driver
through the HTTP API (POST /api/session).`,
		Example: `  fatigue-monitor --driver-id 42
  fatigue-monitor --analyzer-endpoint grpc://analyzer:50051 --frame-source ffmpeg
  fatigue-monitor --http-port 8090 --quiet
  fatigue-monitor probe --driver-id 42 --count 5`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, opts)
		},
	}

	addConfigFlags(cmd)
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print status updates to the terminal")

	cmd.AddCommand(NewProbeCommand())
	return cmd
}

// addConfigFlags declares one persistent flag per config key; values given
// on the command line win over the environment and fatigue.yaml.
func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("analyzer-endpoint", "ws://localhost:8000/ws/fatigue", "Analyzer endpoint (ws://, wss://, grpc:// or grpcs://)")
	flags.Int("capture-interval-ms", 2000, "Milliseconds between frame captures")
	flags.Int("connect-timeout-ms", 0, "Acquisition timeout in milliseconds, 0 waits indefinitely")
	flags.Int("max-message-size-mb", 10, "Largest analyzer message accepted, in MiB")
	flags.Int("jpeg-quality", encoder.DefaultQuality, "JPEG quality for outbound frames (1-100)")
	flags.String("alert-token", results.DefaultAlertToken, "Status that raises the alarm, matched case-insensitively")
	flags.String("alarm-sound", "", "Sound file played on alert; empty rings the terminal bell")
	flags.String("alarm-player", "aplay", "Command used to play --alarm-sound")
	flags.String("frame-source", config.SourcePattern, "Frame source: pattern, dir or ffmpeg")
	flags.String("frame-dir", "", "Directory of still images for --frame-source dir")
	flags.Int("frame-width", 640, "Width of synthetic frames")
	flags.Int("frame-height", 480, "Height of synthetic frames")
	flags.String("camera-device", "/dev/video0", "Camera device for --frame-source ffmpeg")
	flags.Int("warmup-frames", 1, "Empty frames a synthetic camera yields after start")
	flags.Int("http-port", 8090, "Port of the local HTTP API, 0 disables it")
	flags.Int("driver-id", 0, "Start a session for this driver right away")
	flags.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("environment", "production", "Environment; dev switches to console logs")

	cmd.RegisterFlagCompletionFunc("frame-source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{config.SourcePattern, config.SourceDir, config.SourceFFmpeg}, cobra.ShellCompDirectiveNoFileComp
	})
}

func runMonitor(cmd *cobra.Command, opts *MonitorOptions) error {
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DriverID == 0 && cfg.HTTPPort == 0 {
		return errors.New("nothing to do: set --driver-id or enable the HTTP API with --http-port")
	}

	log := logging.New(cfg.LogLevel, cfg.IsDev())
	defer log.Sync()

	log.Infow("starting fatigue monitor",
		"analyzer", cfg.AnalyzerEndpoint,
		"frame_source", cfg.FrameSource,
		"interval", cfg.CaptureInterval,
		"environment", cfg.Environment,
	)

	metrics := services.GetMetrics()
	source, err := framesource.FromConfig(cfg)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(cfg.AnalyzerEndpoint, transport.Options{
		MaxMessageSize: cfg.MaxMessageSize(),
		Log:            logging.Component(log, "transport"),
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}
	handler := results.NewHandler(
		alarm.FromConfig(cfg, os.Stdout),
		cfg.AlertToken,
		logging.Component(log, "results"),
		metrics,
	)

	fatal := make(chan error, 1)
	machine := session.NewMachine(session.Config{
		Endpoint:       cfg.AnalyzerEndpoint,
		Interval:       cfg.CaptureInterval,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session.Deps{
		Source:  source,
		Dialer:  dialer,
		Encoder: encoder.New(cfg.JPEGQuality),
		Handler: handler,
		Log:     logging.Component(log, "session"),
		Metrics: metrics,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		api        *handlers.API
		httpServer *http.Server
		serveErr   = make(chan error, 1)
	)
	if cfg.HTTPPort > 0 {
		api = handlers.NewAPI(machine, metrics, log)
		httpServer = &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
			Handler:      api.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Infof("HTTP API listening on :%d (state stream at ws://localhost:%d/ws)", cfg.HTTPPort, cfg.HTTPPort)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- errors.Wrap(err, "serve HTTP")
			}
		}()
	}

	if !opts.Quiet {
		go render.NewTerminal(os.Stdout).Run(ctx, machine)
	}

	if cfg.DriverID > 0 {
		if err := machine.SelectDriver(cfg.DriverID); err != nil {
			return err
		}
	}

	var exitErr error
	for exitErr == nil {
		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			shutdown(log, machine, api, httpServer)
			return nil
		case err := <-serveErr:
			exitErr = err
		case err := <-fatal:
			if httpServer == nil {
				exitErr = err
				break
			}
			log.Warnf("session ended: %v; select a driver again through the HTTP API", err)
		}
	}

	shutdown(log, machine, api, httpServer)
	return exitErr
}

func shutdown(log *zap.SugaredLogger, machine *session.Machine, api *handlers.API, httpServer *http.Server) {
	machine.Stop()

	if api != nil {
		api.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warnf("error shutting down HTTP server: %v", err)
		} else {
			log.Infof("HTTP server gracefully stopped")
		}
	}
	log.Infof("goodbye")
}
