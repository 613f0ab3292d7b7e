package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/lotabots/internal/env"
)

type options struct {
	level      slog.Level
	logToFile  bool
	logFile    string
	maxSizeMB  int
	maxBackups int
	stderr     io.Writer
}

// Option configures the logger.
type Option func(*options)

// WithLogToFile enables writing logs to a rotating file in addition to stderr.
func WithLogToFile(enabled bool) Option {
	return func(o *options) { o.logToFile = enabled }
}

// WithLogFile sets the rotating log file path.
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithOutput replaces stderr as the console destination.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// New builds a slog.Logger for the environment: colored tint output in
// development, JSON in production.
func New(environment env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		level:      slog.LevelInfo,
		logFile:    "logs/lotabots.log",
		maxSizeMB:  50,
		maxBackups: 3,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}

	out := o.stderr
	colored := !environment.IsProduction()
	if o.logToFile && o.logFile != "" {
		out = io.MultiWriter(o.stderr, &lumberjack.Logger{
			Filename:   o.logFile,
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
			Compress:   true,
		})
		colored = false
	}

	if environment.IsProduction() {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: o.level}))
	}

	return slog.New(tint.NewHandler(out, &tint.Options{
		Level:      o.level,
		TimeFormat: time.Kitchen,
		NoColor:    !colored,
	}))
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
