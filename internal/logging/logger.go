package logging

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with redaction and run-scoped helpers.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
}

// Config configures the logger.
type Config struct {
	Level     string
	Format    string // auto, text, json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "auto",
		Output:    os.Stderr,
		AddSource: false,
	}
}

// New creates a new logger. Format "auto" picks text on a terminal and JSON
// otherwise.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	sanitizer := NewSanitizer()
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttrs(sanitizer),
	}

	format := cfg.Format
	if format == "" || format == "auto" {
		if isTerminal(cfg.Output) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		sanitizer: sanitizer,
	}
}

// redactAttrs scrubs credentials from every string the handler emits, the
// message included. Step env blocks and captured subprocess output flow
// through log attributes, so redaction sits at the handler boundary rather
// than at each call site.
func redactAttrs(sanitizer *Sanitizer) func(groups []string, a slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(sanitizer.Sanitize(a.Value.String()))
		}
		return a
	}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// WithSession returns a logger scoped to a session.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("session_id", sessionID),
		sanitizer: l.sanitizer,
	}
}

// WithJob returns a logger scoped to a MapReduce job.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("job_id", jobID),
		sanitizer: l.sanitizer,
	}
}

// WithAgent returns a logger scoped to a map-phase agent.
func (l *Logger) WithAgent(itemID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("item_id", itemID),
		sanitizer: l.sanitizer,
	}
}

// WithStep returns a logger scoped to a workflow step.
func (l *Logger) WithStep(index int) *Logger {
	return &Logger{
		Logger:    l.Logger.With("step_index", index),
		sanitizer: l.sanitizer,
	}
}

// With returns a logger with custom fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
	}
}

// Sanitize redacts secrets from a string using the logger's sanitizer.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}
