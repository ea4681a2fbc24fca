package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It is a no-op until Initialize is called.
	Logger *zap.SugaredLogger
	// Debug reports whether debug output (per-frame timings) is enabled.
	Debug bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger.
//
// Output always goes to stderr: stdout is reserved for the raw frame stream
// consumed by the downstream video server.
func Initialize(jsonOutput, debug bool) error {
	Debug = debug

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := cfg.Build()
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child logger for a component.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger.Sync()
}
