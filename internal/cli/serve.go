package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	ShutdownTimeout time.Duration
	MaxWait         time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the intent API over HTTP",
		Long: `Start the engine and expose it over HTTP until interrupted.

Endpoints:
  POST   /resources            register a resource
  POST   /intents              submit an intent
  GET    /intents              list intents
  GET    /intents/{id}         intent state
  GET    /intents/{id}/outcome outcome, waiting up to ?wait=
  DELETE /intents/{id}         cancel an intent
  GET    /metrics              Prometheus metrics (metrics.enabled)
  GET    /healthz              liveness`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config http.addr)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "grace period for in-flight requests")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", api.DefaultMaxWait, "longest outcome wait a client may request")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger
	addr := opts.Addr
	if addr == "" {
		addr = opts.Config.HTTP.Addr
	}

	rt, err := openRuntime(opts.Config, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start engine", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	handlerOpts := []api.Option{api.WithLogger(logger), api.WithMaxWait(opts.MaxWait)}
	if opts.Config.Metrics.Enabled {
		handlerOpts = append(handlerOpts, api.WithMetrics(rt.Metrics))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(rt.Engine, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := rt.start(ctx)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("serving intent API", "addr", addr, "metrics", opts.Config.Metrics.Enabled)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown did not complete", "timeout", opts.ShutdownTimeout, "error", err)
		if err := srv.Close(); err != nil {
			logger.Error("closing server", "error", err)
		}
	}
	return nil
}
