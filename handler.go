package vtracer

import (
	"errors"
	"io"
	"log/slog"
)

// ErrSinkUnavailable is returned when a handler cannot acquire its backing
// resource at construction time.
var ErrSinkUnavailable = errors.New("vtracer: sink unavailable")

// Handler receives dispatched events.
// Handle must not fail observably: internal errors are the handler's to
// swallow. A panicking handler is isolated by the Tracer.
type Handler interface {
	Handle(event Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(event Event)

// Handle calls f(event).
func (f HandlerFunc) Handle(event Event) {
	f(event)
}

// LevelFilter accepts events at or above a minimum level.
type LevelFilter struct {
	min Level
}

// NewLevelFilter creates a filter with the given minimum level.
func NewLevelFilter(min Level) LevelFilter {
	return LevelFilter{min: min}
}

// MinLevel returns the threshold.
func (f LevelFilter) MinLevel() Level { return f.min }

// Allows reports whether an event at level passes the filter.
func (f LevelFilter) Allows(level Level) bool {
	return level >= f.min
}

// Filtered wraps h so it only sees events at or above min.
func Filtered(h Handler, min Level) Handler {
	filter := NewLevelFilter(min)
	return HandlerFunc(func(event Event) {
		if filter.Allows(event.Level()) {
			h.Handle(event)
		}
	})
}

// HandlerOption configures the handlers in this package.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	output   io.Writer
	logger   *slog.Logger
	minLevel Level
	color    bool
}

func newHandlerConfig(opts []HandlerOption) handlerConfig {
	cfg := handlerConfig{
		minLevel: LevelDebug,
		color:    true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// WithMinLevel sets the handler's severity threshold. Default DEBUG.
func WithMinLevel(level Level) HandlerOption {
	return func(c *handlerConfig) { c.minLevel = level }
}

// WithColor enables or disables ANSI colors. Console only; default on.
func WithColor(enabled bool) HandlerOption {
	return func(c *handlerConfig) { c.color = enabled }
}

// WithOutput sets the destination stream. Console only.
func WithOutput(w io.Writer) HandlerOption {
	return func(c *handlerConfig) { c.output = w }
}

// WithSinkLogger sets the logger that receives the handler's own write
// failures. Default slog.Default().
func WithSinkLogger(logger *slog.Logger) HandlerOption {
	return func(c *handlerConfig) { c.logger = logger }
}
