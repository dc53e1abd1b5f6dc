// Command durableflowd is the daemon wiring config, a Store backend, the
// Worker pool, the SignalBus, and the HTTP Service API into one process,
// per SPEC_FULL §4's "durableflowd daemon" supplemented feature.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jordigilh/durableflow/internal/config"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/executor"
	"github.com/jordigilh/durableflow/pkg/metrics"
	"github.com/jordigilh/durableflow/pkg/obstrace"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/service"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/store/memory"
	"github.com/jordigilh/durableflow/pkg/store/postgres"
	redisstore "github.com/jordigilh/durableflow/pkg/store/redis"
	"github.com/jordigilh/durableflow/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "durableflowd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("DURABLEFLOWD_CONFIG")
	if configPath == "" {
		configPath = "durableflowd.yaml"
	}

	watcher, err := config.NewWatcher(configPath, obslog.Discard())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := watcher.Current()

	logger, flushLogs, err := obslog.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer flushLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	_, shutdownTracing, err := obstrace.NewProvider(nil)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ser := serializer.NewJSON()
	bus := signalbus.New(st, ser, logger)
	// Task definitions are registered by the embedding program, not by
	// durableflowd itself; task authorship is outside this daemon's scope.
	taskRegistry := executor.NewRegistry()
	ex := executor.New(st, ser, taskRegistry, logger, nil)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	for i := 0; i < runtimeWorkerCount(); i++ {
		w := worker.New(st, ex, bus, m, logger, worker.Config{
			OwnerID:         fmt.Sprintf("durableflowd-%d", i),
			PollingInterval: watcher.Current().PollingInterval.Std(),
			LeaseTTL:        watcher.Current().LeaseTTL.Std(),
			MaxBatch:        watcher.Current().MaxBatch,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(err, "worker loop exited")
			}
		}()
	}

	svc := service.New(st, bus, ser, logger, nil)

	httpServer, err := service.NewHTTPServer(svc)
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpServer.Router()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "service api http server exited")
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics http server exited")
			}
		}()
	}

	logger.Info("durableflowd started", "httpAddr", cfg.HTTPAddr, "storeBackend", string(cfg.Store.Backend))

	<-ctx.Done()
	logger.Info("durableflowd draining: stopping new claims, waiting for in-flight advances")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	_ = apiSrv.Shutdown(drainCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(drainCtx)
	}

	wg.Wait()
	return nil
}

func runtimeWorkerCount() int {
	if n := os.Getenv("DURABLEFLOWD_WORKERS"); n != "" {
		var count int
		if _, err := fmt.Sscanf(n, "%d", &count); err == nil && count > 0 {
			return count
		}
	}
	return 1
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() {}, nil
	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		rdb := goredis.NewClient(opts)
		return redisstore.New(rdb), func() { _ = rdb.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
