package config

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/vosaka/vtracer"
)

// BuildOption adjusts how Build wires sinks.
type BuildOption func(*buildOptions)

type buildOptions struct {
	console    io.Writer
	terminal   bool
	logger     *slog.Logger
	tracerOpts []vtracer.Option
}

// WithConsoleOutput sends console output to w.
func WithConsoleOutput(w io.Writer) BuildOption {
	return func(o *buildOptions) { o.console = w }
}

// WithTerminal tells Build whether the console output is a terminal; it
// decides colors when the config leaves them unset.
func WithTerminal(isTerminal bool) BuildOption {
	return func(o *buildOptions) { o.terminal = isTerminal }
}

// WithLogger sets the diagnostic logger of the tracer and its sinks.
func WithLogger(logger *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = logger }
}

// WithTracerOptions passes extra options to vtracer.New.
func WithTracerOptions(opts ...vtracer.Option) BuildOption {
	return func(o *buildOptions) { o.tracerOpts = append(o.tracerOpts, opts...) }
}

// Build assembles a tracer from cfg. The returned close function stops the
// tracer and releases every sink, draining buffered events first; it is
// safe to call more than once.
func Build(cfg *Config, opts ...BuildOption) (*vtracer.Tracer, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	o := buildOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	tracerOpts := []vtracer.Option{vtracer.WithLogger(o.logger)}
	if cfg.Sweep.MaxAge > 0 && cfg.Sweep.Interval > 0 {
		tracerOpts = append(tracerOpts, vtracer.WithStaleTraceSweep(cfg.Sweep.MaxAge, cfg.Sweep.Interval))
	}
	tracer := vtracer.New(append(tracerOpts, o.tracerOpts...)...)
	if !cfg.Enabled {
		tracer.Disable()
	}

	var closers []func() error
	closeAll := func() error {
		tracer.Close()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		closers = nil
		return errors.Join(errs...)
	}

	if cfg.Console.Enabled {
		color := o.terminal
		if cfg.Console.Color != nil {
			color = *cfg.Console.Color
		}
		handlerOpts := []vtracer.HandlerOption{
			vtracer.WithMinLevel(cfg.ConsoleLevel()),
			vtracer.WithColor(color),
			vtracer.WithSinkLogger(o.logger),
		}
		if o.console != nil {
			handlerOpts = append(handlerOpts, vtracer.WithOutput(o.console))
		}
		tracer.AddHandler(vtracer.NewConsoleHandler(handlerOpts...))
	}

	if cfg.File.Path != "" {
		sink, closeSink, err := openFileSink(cfg, o.logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		closers = append(closers, closeSink)

		if cfg.File.Buffered {
			collector := vtracer.NewCollector("file", cfg.File.BufferSize,
				vtracer.ForwardTo(sink), vtracer.WithCollectorLogger(o.logger))
			closers = append(closers, func() error {
				collector.Close()
				if n := collector.DroppedCount(); n > 0 {
					o.logger.Warn("vtracer: trace events dropped", "sink", cfg.File.Path, "dropped", n)
				}
				return nil
			})
			sink = collector
		}
		tracer.AddHandler(sink)
	}

	return tracer, closeAll, nil
}

func openFileSink(cfg *Config, logger *slog.Logger) (vtracer.Handler, func() error, error) {
	opts := []vtracer.HandlerOption{
		vtracer.WithMinLevel(cfg.FileLevel()),
		vtracer.WithSinkLogger(logger),
	}
	if strings.EqualFold(cfg.File.Format, FormatMsgpack) {
		h, err := vtracer.NewMsgpackFileHandler(cfg.File.Path, opts...)
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	h, err := vtracer.NewFileHandler(cfg.File.Path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return h, h.Close, nil
}
