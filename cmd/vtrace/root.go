package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"golang.org/x/term"

	"github.com/vosaka/vtracer"
	"github.com/vosaka/vtracer/internal/config"
)

type rootOptions struct {
	configPath string
	preset     string
	envFile    string
	verbose    bool
	noColor    bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "vtrace",
		Short:         "Structured event tracing for async task workloads",
		Long:          "vtrace runs traced demo workloads and a traced TCP echo server.\nEvents go to the console and to a trace file as configured.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVarP(&opts.preset, "preset", "p", config.PresetDefault, "base preset (default|production)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "file with VTRACE_* overrides")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug diagnostics on stderr")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable console colors")

	cmd.AddCommand(
		newDemoCmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(o.stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves preset, config file and environment overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.preset)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, o.envFile); err != nil {
		return nil, err
	}
	if o.noColor {
		off := false
		cfg.Console.Color = &off
	}
	return cfg, nil
}

// buildTracer assembles the tracer and registers its sinks for release on
// exit. The returned close function may also be called directly.
func (o *rootOptions) buildTracer() (*vtracer.Tracer, func() error, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := o.logger()
	tracer, closeFn, err := config.Build(cfg,
		config.WithConsoleOutput(o.stdout),
		config.WithTerminal(isTerminal(o.stdout)),
		config.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building tracer: %w", err)
	}
	atexit.Register(func() {
		if err := closeFn(); err != nil {
			logger.Warn("closing trace sinks", "error", err)
		}
	})
	logger.Debug("tracer ready",
		"enabled", cfg.Enabled,
		"handlers", tracer.HandlerCount(),
		"file", cfg.File.Path,
	)
	return tracer, closeFn, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
