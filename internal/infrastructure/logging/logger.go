package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "labhub"

// Logger is a slog.Logger carrying the service, lab and version fields.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger
	out io.Closer
}

// New builds the configured logger. Output is "stdout", "stderr" or a
// file path, which is opened for append and released by Close.
func New(cfg config.LoggingConfig, lab, version string) (*Logger, error) {
	var (
		w   io.Writer
		out io.Closer
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // Path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w, out = f, f
	}

	l := NewWithWriter(cfg, version, w)
	if lab != "" {
		l = l.With("lab", lab)
	}
	l.out = out
	return l, nil
}

// NewWithWriter is New with an explicit destination and no lab field.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler.WithAttrs([]slog.Attr{
			slog.String("service", ServiceName),
			slog.String("version", version),
		})),
	}
}

// parseLevel maps a config level to slog, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger with extra default attributes. The child
// shares the parent's output and must not be closed separately.
//
//	hubLog := logger.With("component", "hub", "hub", "bench")
//	hubLog.Info("actuated") // component=hub hub=bench
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Hub returns a child logger for one hub.
func (l *Logger) Hub(name string) *Logger {
	return l.With("hub", name)
}

// Close releases a log file opened by New. Closing a stdout, stderr or
// child logger is a no-op.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Default is the logger used before configuration is loaded: JSON at info
// level on stdout.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
}

// Discard returns a logger that drops every entry.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
