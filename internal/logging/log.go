// Package logging provides structured, per-component loggers for the
// updater: one named logger per subsystem (main, cube, can, peers,
// peerupdate, fileserver, orchestrator), all backed by a single zap core so
// file and console output stay in sync across components.
package logging

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the shared zap core all component loggers derive from.
type Options struct {
	Level       string
	Format      string
	EnableColor bool
	OutputPaths []string
}

// NewOptions returns console-formatted, colorized, info-level defaults.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
		OutputPaths: []string{"stdout"},
	}
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format (console or json).")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Enable colorized console output.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log output paths (stdout, stderr, or a file path).")
}

// Logger is a leveled, named logger. Every named instance writes to the one
// shared sink, tagged with its component name; there are no per-subsystem
// log files.
type Logger struct {
	core *zap.Logger
}

var root *zap.Logger

// Init builds the shared zap core all component loggers derive from. It is
// safe to call once at startup; components call Named before Init has no
// loggers and fall back to a no-op core.
func Init(opts *Options) error {
	if opts == nil {
		opts = NewOptions()
	}

	encoderConfig := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		TimeKey:       "timestamp",
		NameKey:       "component",
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendFloat64(float64(d) / float64(time.Millisecond))
		},
	}
	if opts.Format == "console" && opts.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	outputPaths := opts.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	cfg := &zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         opts.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	core, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("logging: build zap core: %w", err)
	}
	root = core
	return nil
}

// Named returns a component logger; it is usable even if Init was never
// called (the zero-value root falls back to a no-op sink).
func Named(component string) *Logger {
	if root == nil {
		root = zap.NewNop()
	}
	return &Logger{core: root.Named(component)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.core.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.core.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.core.Warn(msg, fields...) }

func (l *Logger) Error(err error, msg string, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.core.Error(msg, fields...)
}

// With returns a derived logger carrying the given structured fields on
// every subsequent call.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{core: l.core.With(fields...)}
}

// Sync flushes any buffered log entries; callers should defer it once at
// process shutdown.
func Sync() {
	if root != nil {
		_ = root.Sync()
	}
}
