package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/newsagg/shield"
)

// rateLimits are the per-endpoint defaults seeded into rate_limits. Rows
// already present are left as the operator edited them.
var rateLimits = []shield.Rule{
	{Endpoint: "GET /api/articles", MaxRequests: 30, WindowSeconds: 60},
	{Endpoint: "GET /api/categories", MaxRequests: 60, WindowSeconds: 60},
	{Endpoint: "GET /api/sources", MaxRequests: 60, WindowSeconds: 60},
	{Endpoint: "POST /api/refresh", MaxRequests: 2, WindowSeconds: 60},
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled refresh cycles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(flags, os.Stdout)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == "" {
				port = a.cfg.Port
			}

			if err := shield.Init(a.db); err != nil {
				return err
			}
			if err := shield.Seed(ctx, a.db, rateLimits); err != nil {
				return err
			}
			rl := shield.NewRateLimiter(a.db, "/health")
			rl.StartReloader(ctx.Done())

			a.svc.Start(ctx)

			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           newRouter(a.svc, rl),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("newsagg: listening", "addr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("newsagg: shutdown", "error", err)
			}
			a.logger.Info("newsagg: stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT and config)")
	return cmd
}
