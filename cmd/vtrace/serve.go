package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vosaka/vtracer/internal/echo"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr      string
		stepDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the traced TCP echo server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tracer, closeFn, err := opts.buildTracer()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := echo.NewServer(tracer,
				echo.WithLogger(opts.logger()),
				echo.WithProcessingDelay(stepDelay),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", echo.DefaultAddr, "listen address")
	cmd.Flags().DurationVar(&stepDelay, "step-delay", 0, "simulated duration of each processing step")
	return cmd
}
