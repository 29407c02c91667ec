// Package log is the process wide structured logger.
package log

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is console or json.
	Format string `mapstructure:"format"`
	// EnableColor colours levels in console output.
	EnableColor bool `mapstructure:"enable-color"`
}

func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format (console or json).")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colourize console log levels.")
}

func (o *Options) Validate() error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(o.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if o.Format != "console" && o.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", o.Format)
	}
	return nil
}

// New builds a zap logger from opts.
func New(opts *Options) (*zap.Logger, error) {
	if opts == nil {
		opts = NewOptions()
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	if opts.Format == "console" && opts.EnableColor {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         opts.Format,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build(zap.AddCallerSkip(1))
}

var (
	mu  sync.RWMutex
	std = zap.NewNop()
)

// Init replaces the global logger. Until it is called, logging is discarded.
func Init(opts *Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	mu.Lock()
	std = l
	mu.Unlock()
	return nil
}

func sugar() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return std.Sugar()
}

func Debug(msg string, keysAndValues ...any) { sugar().Debugw(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)  { sugar().Infow(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)  { sugar().Warnw(msg, keysAndValues...) }

func Error(err error, msg string, keysAndValues ...any) {
	sugar().Errorw(msg, append(keysAndValues, zap.Error(err))...)
}

// Logr returns the global logger as a logr.Logger for packages that accept one.
func Logr() logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zapr.NewLogger(std.WithOptions(zap.AddCallerSkip(-1)))
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = std.Sync()
}
