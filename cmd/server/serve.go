package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/bookgen/api/internal/handler"
	"github.com/bookgen/api/internal/middleware"
	"github.com/bookgen/api/internal/service"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the queue workers",
	Long: `Start the HTTP API together with the queue workers.

The server provides:
  - /health             liveness check
  - /metrics            Prometheus metrics
  - /ws/notifications   push notifications
  - /api/v1/...         biography jobs and source validation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		log := a.log

		a.engine.Start(ctx)

		broker := a.newBroker()
		defer broker.Close()
		workersDone, err := a.startWorkers(ctx, broker)
		if err != nil {
			return err
		}

		// Initialize services
		bioService := service.NewBiographyService(a.engine, a.repos, broker,
			service.NewStatusCache(a.redis, service.DefaultStatusTTL), log,
			broker, a.engine.Broker())
		sourceService := service.NewSourceService(a.sources, log)

		// Initialize handlers
		auth := middleware.NewAuthMiddleware(a.cfg.JWT.Secret)
		if !auth.Enabled() {
			log.Warn("API_JWT_SECRET is not set, admin routes will refuse every request")
		}
		validate := validator.New()
		app := handler.NewApp(handler.AppConfig{
			Biography:     handler.NewBiographyHandler(bioService, validate),
			Source:        handler.NewSourceHandler(sourceService, validate),
			Admin:         handler.NewAdminHandler(bioService),
			Notifications: handler.NewNotificationHandler(a.fabric.Hub()),
			Auth:          auth,
			RateLimit:     middleware.NewRateLimiter(a.redis, log).PerMinute(a.cfg.RateLimit.PerMinute),
			Metrics:       a.metrics,
			RequestLog:    true,
		})

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			log.Info("shutting down server")
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				log.Error("server shutdown error", "error", err)
			}
		}()

		port := a.cfg.Server.Port
		if servePort != "" {
			port = servePort
		}
		addr := ":" + port
		log.Info("server starting", "addr", addr)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("server error: %w", err)
		}

		<-ctx.Done()
		return waitWorkers(workersDone)
	},
}

func waitWorkers(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return context.DeadlineExceeded
	}
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "port to listen on (default SERVER_PORT)")

	rootCmd.AddCommand(serveCmd)
}
