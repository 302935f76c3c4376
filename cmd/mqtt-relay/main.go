package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-relay/config"
	"mqtt-relay/internal/broker"
	"mqtt-relay/internal/eventhub"
	"mqtt-relay/internal/indexer"
	"mqtt-relay/internal/ingest"
	"mqtt-relay/internal/logger"
	"mqtt-relay/internal/metrics"
	"mqtt-relay/internal/notify"
	"mqtt-relay/internal/retry"
	"mqtt-relay/internal/router"
	"mqtt-relay/internal/rule"
	"mqtt-relay/internal/stats"
)

const shutdownTimeout = 10 * time.Second

type service interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	rulesPath := flag.String("rules", "", "path to an extra rules directory (empty = config routes only)")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")

	// Optional override flags
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	bufferSizeOverride := flag.Int("buffer-size", 0, "override per-subscriber stream buffer size (0 = use config)")

	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("failed to load env file: %v", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(*logLevelOverride, *metricsAddrOverride, *bufferSizeOverride)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	routes := cfg.Routes
	if *rulesPath != "" {
		extra, err := rule.NewRulesLoader(logger).LoadFromDirectory(*rulesPath)
		if err != nil {
			logger.Fatal("failed to load rules", "error", err)
		}
		routes = append(routes, extra...)
	}

	if _, err := rule.NewValidator(cfg.BrokerNames(), logger).Validate(routes); err != nil {
		logger.Fatal("invalid routing rules", "error", err)
	}
	rules, err := rule.Compile(routes)
	if err != nil {
		logger.Fatal("failed to compile routing rules", "error", err)
	}

	var reg *prometheus.Registry
	var metricsService *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
	}

	policy, err := retry.NewPolicy(cfg.Retry, logger)
	if err != nil {
		logger.Fatal("invalid retry policy", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := eventhub.New(logger.With("component", "event-hub"), metricsService)

	manager := broker.NewManager(cfg.Brokers, hub, logger, metricsService,
		broker.WithRetrier(policy),
		broker.WithBufferSize(cfg.Stream.BufferSize),
		broker.WithUnknownDestinationPolicy(cfg.Routing.UnknownDestination))

	gateway, err := ingest.NewGateway(cfg.Brokers, manager, hub, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create ingest gateway", "error", err)
	}

	relay := router.NewRouter(rules, manager, hub, logger, metricsService)

	// consumers start first so nothing the brokers deliver is missed
	services := []service{relay, gateway, manager}

	if cfg.Indexer.Enabled {
		var sink indexer.Sink
		if cfg.Indexer.Influx.Enabled {
			influx, err := indexer.NewInfluxSink(ctx, cfg.Indexer.Influx, logger)
			if err != nil {
				logger.Fatal("failed to connect to influxdb", "error", err)
			}
			sink = influx
		}
		services = append([]service{indexer.New(hub, sink, logger)}, services...)
	}

	var natsConn interface{ Close() }
	if cfg.Notify.Enabled {
		conn, err := notify.Connect(cfg.Notify, logger)
		if err != nil {
			logger.Fatal("failed to connect to nats", "error", err)
		}
		natsConn = conn
		services = append([]service{notify.NewNotifier(conn, cfg.Notify.SubjectPrefix, hub, logger)}, services...)
	}

	collector := stats.NewStatsCollector(manager)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			data, err := collector.GetStatsJSON()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
		})

		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			logger.Fatal("failed to start service", "error", err)
		}
	}

	logger.Info("mqtt-relay started",
		"brokers", manager.Names(),
		"rulesCount", len(rules),
		"bufferSize", cfg.Stream.BufferSize,
		"metricsEnabled", cfg.Metrics.Enabled,
		"indexerEnabled", cfg.Indexer.Enabled,
		"notifyEnabled", cfg.Notify.Enabled)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, dumping stats",
				"stats", collector.GetStats(),
				"states", manager.States())
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...", "signal", sig.String())

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()

			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown metrics server", "error", err)
				}
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				cancel()
				for i := len(services) - 1; i >= 0; i-- {
					services[i].Stop()
				}
				hub.Close()
				if natsConn != nil {
					natsConn.Close()
				}
			}()

			select {
			case <-done:
				logger.Info("shutdown complete")
			case <-shutdownCtx.Done():
				logger.Error("shutdown timed out")
			}
			return
		}
	}
}
