package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-pipeline/internal/bootstrap"
	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	natsbroker "github.com/kirillkom/document-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-pipeline/internal/observability/logging"
)

const service = "worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logging.Install(service, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, service)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := run(ctx, app); err != nil {
		slog.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker_stopped")
}

// run supervises the consumer lanes and the background loops. The first
// failure cancels everything else.
func run(ctx context.Context, app *bootstrap.App) error {
	cfg := app.Config
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Broker.Consume(gctx, natsbroker.Lane{
			Name:       "completion",
			Topic:      domain.TopicStageCompletion,
			Workers:    cfg.CompletionWorkers,
			MaxDeliver: cfg.CompletionMaxDeliver,
			AckWait:    cfg.CompletionAckWait,
			NakBase:    cfg.NakBaseDelay,
			NakMax:     cfg.NakMaxDelay,
		}, app.Completion.HandleDelivery)
	})
	g.Go(func() error {
		return app.Broker.Consume(gctx, natsbroker.Lane{
			Name:       "stats",
			Topic:      domain.TopicStatsEvent,
			Workers:    cfg.StatsWorkers,
			MaxDeliver: cfg.StatsMaxDeliver,
			NakBase:    cfg.NakBaseDelay,
			NakMax:     cfg.NakMaxDelay,
		}, app.Stats.HandleDelivery)
	})
	if app.SimilarityEnabled {
		g.Go(func() error {
			return app.Broker.Consume(gctx, natsbroker.Lane{
				Name:       "similarity",
				Topic:      domain.TopicDocumentAnalyzed,
				Workers:    cfg.SimilarityWorkers,
				MaxDeliver: cfg.SimilarityMaxDeliver,
				NakBase:    cfg.NakBaseDelay,
				NakMax:     cfg.NakMaxDelay,
			}, app.Similarity.HandleDelivery)
		})
	} else {
		slog.Info("similarity_lane_disabled", "vector_backend", cfg.VectorBackend)
	}

	g.Go(func() error {
		return app.Relay.Run(gctx, cfg.OutboxInterval)
	})
	g.Go(func() error {
		return app.Sweeper.WithObserver(app.WorkerMetrics).Run(gctx, cfg.SweeperInterval)
	})
	g.Go(func() error {
		return serveMetrics(gctx, ":"+cfg.WorkerMetricsPort, app.WorkerMetrics.Handler(), app.Broker.Healthy)
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, brokerHealthy func() bool) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(handler, brokerHealthy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker_metrics_listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func metricsMux(handler http.Handler, brokerHealthy func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !brokerHealthy() {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
