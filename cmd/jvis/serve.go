package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/jvis/internal/examples"
	"github.com/michaelbrown/jvis/internal/observability"
	"github.com/michaelbrown/jvis/internal/server"
	"github.com/michaelbrown/jvis/internal/session"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the jvis HTTP and WebSocket server",
	Long: `Start the execution service.

Endpoints:
  POST /api/execute           run one source file
  POST /api/execute/project   run a project tree
  GET  /api/health            liveness
  GET  /api/examples          example programs
  GET  /api/runs[/{id}]       run journal
  GET  /ws                    session channel
  GET  /metrics               Prometheus metrics

Examples:
  jvis serve
  jvis serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	metricsHandler, meter, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()
	if a.metrics, err = observability.NewMetrics(meter); err != nil {
		return fmt.Errorf("creating instruments: %w", err)
	}

	sessions := session.NewRegistry(a.logger.Named("sessions"), a.metrics)
	if err := a.metrics.ObserveSessions(sessions.Len); err != nil {
		return fmt.Errorf("registering session gauge: %w", err)
	}

	coord, err := a.coordinator(sessions)
	if err != nil {
		return err
	}

	catalog, err := examples.Load(cfg.Examples.Path)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithExamples(catalog),
		server.WithMetricsHandler(metricsHandler),
	}
	if a.store != nil {
		opts = append(opts, server.WithStore(a.store))
	}
	srv := server.New(cfg, coord, sessions, a.logger.Named("http"), opts...)

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.Timeout+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("server stopped", zap.Error(err))
	return err
}
