package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/people-counter-service/config"
	"github.com/Tutortoise/people-counter-service/detections"
	"github.com/Tutortoise/people-counter-service/emitter"
	"github.com/Tutortoise/people-counter-service/inference"
	"github.com/Tutortoise/people-counter-service/logger"
	"github.com/Tutortoise/people-counter-service/occupancy"
	"github.com/Tutortoise/people-counter-service/stream"
)

func main() {
	cmd := newRootCmd()
	cmd.SetArgs(normalizeArgs(os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// normalizeArgs accepts the single-dash -pt spelling, which pflag would
// otherwise read as the shorthands -p and -t.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if arg == "--" {
			copy(out[i:], args[i:])
			break
		}
		if arg == "-pt" || strings.HasPrefix(arg, "-pt=") {
			arg = "-" + arg
		}
		out[i] = arg
	}
	return out
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:           "people-counter",
		Short:         MsgShort,
		Long:          MsgLong,
		Example:       MsgExample,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Debug); err != nil {
				fmt.Fprintf(os.Stderr, "initialize logger: %v\n", err)
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				reportError(err)
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringP("model", "m", "", "path to the model file; weights share its base name")
	flags.StringP("input", "i", "", "CAM, an image (.jpg, .bmp) or a video (.avi, .mp4)")
	flags.StringP("cpu-extension", "l", "", "extension manifest for operators the CPU lacks")
	flags.StringP("device", "d", "CPU", "target device: CPU, GPU, MYRIAD, FPGA or HETERO:/MULTI: lists")
	flags.Float64("prob-threshold", detections.DefaultProbThreshold, "probability threshold for detections")
	flags.Bool("debug", false, "log per-frame timings")
	flags.Bool("log-json", false, "log as JSON")
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "pt" {
			name = "prob-threshold"
		}
		return pflag.NormalizedName(name)
	})

	bindFlags(v, flags)
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for key, flag := range map[string]string{
		"model":          "model",
		"input":          "input",
		"cpu_extension":  "cpu-extension",
		"device":         "device",
		"prob_threshold": "prob-threshold",
		"log.debug":      "debug",
		"log.json":       "log-json",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

// run wires the components together and drives the pipeline. Every resource
// acquired is released on return, whatever the outcome.
func run(ctx context.Context, cfg *config.Config) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Named("main")

	device, err := inference.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}
	if _, err := stream.Classify(cfg.Input); err != nil {
		return err
	}

	mqttEmitter := emitter.NewMQTTEmitter(cfg.MQTT)
	if err := mqttEmitter.Connect(); err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(mqttEmitter.Disconnect))

	engine, err := inference.NewEngine(inference.EngineConfig{
		LibraryPath:    cfg.Runtime.LibraryPath,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
		InterOpThreads: cfg.Runtime.InterOpThreads,
		MaxDetections:  cfg.Runtime.MaxDetections,
	})
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(engine))

	model, err := engine.Load(cfg.Model, device, cfg.CPUExtension)
	if err != nil {
		return err
	}
	_, channels, height, width := model.InputShape()
	if channels != 3 {
		return errors.Newf("%s: got %d", MsgNoChannels, channels)
	}

	session, err := model.NewSession()
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(session))

	preprocessor, err := detections.NewPreprocessor(width, height, detections.PreprocessConfig{
		Order: detections.ChannelOrder(strings.ToLower(cfg.Preprocess.Order)),
		Scale: float32(cfg.Preprocess.Scale),
	})
	if err != nil {
		return err
	}

	source, kind, err := stream.Open(ctx, cfg.Input, cfg.Stream)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(source))

	frameWidth, frameHeight := source.Size()
	sink, err := stream.NewSink(cfg.Output, os.Stdout, kind, frameWidth, frameHeight, source.FPS())
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(sink))

	tracker := occupancy.NewTracker(source.FPS())
	waitTimeout := cfg.Runtime.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = inference.Infinite
	}
	pipeline := NewPipeline(
		PipelineConfig{
			Decoder:     detections.DecoderConfig{ProbThreshold: float32(cfg.ProbThreshold)},
			WaitTimeout: waitTimeout,
		},
		source, sink, session, preprocessor, tracker, mqttEmitter,
	)

	log.Infow("counting",
		"input", cfg.Input,
		"kind", kind,
		"device", device,
		"frame", fmt.Sprintf("%dx%d", frameWidth, frameHeight),
		"fps", source.FPS(),
		"threshold", cfg.ProbThreshold)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Monitor.Addr != "" {
		state := &AppState{
			Session:  session,
			Tracker:  tracker,
			Emitter:  mqttEmitter,
			Pipeline: pipeline,
			Started:  time.Now(),
		}
		g.Go(func() error {
			return state.Serve(gctx, cfg.Monitor.Addr)
		})
	}
	g.Go(func() error {
		// The monitor only lives as long as the stream.
		defer cancel()
		return pipeline.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	m := pipeline.Metrics()
	snap := tracker.Snapshot()
	log.Infow("done",
		"frames", m.Frames,
		"inferred", m.Inferred,
		"timed_out", m.TimedOut,
		"total_counted", snap.TotalEverCounted)
	return nil
}

// reportError logs a fatal error with its remediation hints.
func reportError(err error) {
	var uerr *inference.UnsupportedOperatorError
	if errors.As(err, &uerr) {
		ops := make([]string, len(uerr.Operators))
		for i, op := range uerr.Operators {
			ops[i] = op.String()
		}
		logger.Logger.Errorw(MsgUnsupportedOperators,
			"device", uerr.Device,
			"operators", ops,
			"hint", uerr.Hint())
		return
	}
	logger.Logger.Errorw("fatal", "error", err, "hints", errors.GetAllHints(err))
}
