package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API.

Examples:
  billing serve --db ./data/billing.db
  billing serve --db :memory: --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				opts.cfg.Port = port
				if err := opts.cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config)")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions) error {
	eng, err := opts.openEngine()
	if err != nil {
		return err
	}
	defer eng.store.Close()

	handler := api.NewHandler(eng.svc, eng.policy, eng.money, opts.log)
	router := api.NewRouter(handler, opts.cfg.CORSOrigins)

	server := &http.Server{
		Addr:         opts.cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		opts.log.Info("server starting", "addr", server.Addr, "db", opts.cfg.DBPath,
			"timezone", opts.cfg.Timezone, "currency", eng.money.Currency())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	opts.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	opts.log.Info("server stopped")
	return nil
}
