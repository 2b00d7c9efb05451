// Command requestpool generates numbered requests and has them handled by a
// fixed pool of workers, then shuts the pool down once every request is done.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"

	"github.com/kiranarsam/workerpool"
	"github.com/kiranarsam/workerpool/internal/config"
)

var version = "dev"

type request struct {
	producer int
	number   int
}

func (r request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("producer", r.producer),
		slog.Int("number", r.number),
	)
}

func main() {
	_, _ = maxprocs.Set()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "requestpool: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logging.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg, logger, prometheus.NewRegistry()); err != nil {
		logger.Error("Run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func handleRequest(logger *slog.Logger) workerpool.ProcessFunc[request] {
	return func(ctx context.Context, r request) error {
		id, _ := workerpool.WorkerID(ctx)
		logger.Info("Worker handled request", slog.Int("worker", id), slog.Any("request", r))
		return nil
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (workerpool.Stats, error) {
	logger.Info("Starting requestpool", slog.String("version", version), slog.Int("workers", cfg.Pool.Workers))

	if cfg.Metrics.Address != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Address, reg, logger)
		if err != nil {
			return workerpool.Stats{}, err
		}
		defer shutdown()
	}

	pool, err := workerpool.New(ctx, workerpool.Options[request]{
		Workers:     cfg.Pool.Workers,
		Name:        cfg.Pool.Name,
		Logger:      logger,
		Metrics:     workerpool.NewMetrics(reg),
		WaitTimeout: cfg.Pool.WaitTimeout,
	}, handleRequest(logger))
	if err != nil {
		return workerpool.Stats{}, fmt.Errorf("create pool: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Producer.Interval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Producer.Interval), cfg.Producer.Burst)
	}
	feeder := workerpool.NewFeeder(ctx, pool, workerpool.FeederOptions{Limiter: limiter})
	for p := range cfg.Producer.Producers {
		err := feeder.StartFunc(func(_ context.Context, emit workerpool.EmitFunc[request]) error {
			for i := range cfg.Producer.Requests {
				if err := emit(request{producer: p, number: i}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return workerpool.Stats{}, err
		}
	}

	err = feeder.Join()
	stats := pool.Stats()
	attrs := []any{
		slog.Int("emitted", feeder.Emitted()),
		slog.Uint64("processed", stats.Processed),
		slog.Uint64("failed", stats.Failed),
		slog.Int("discarded", len(pool.Leftover())),
	}
	switch {
	case err == nil:
		logger.Info("All requests handled", attrs...)
	case errors.Is(err, context.Canceled):
		logger.Info("Interrupted, queued requests handled", attrs...)
	default:
		return stats, fmt.Errorf("produce requests: %w", err)
	}
	return stats, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("Serving metrics", slog.String("address", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
