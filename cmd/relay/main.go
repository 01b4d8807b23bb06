package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hollowmq/relay/internal/broker"
	"github.com/hollowmq/relay/internal/config"
	"github.com/hollowmq/relay/internal/database"
	"github.com/hollowmq/relay/internal/outbox"
	"github.com/hollowmq/relay/internal/statusfeed"
	"github.com/hollowmq/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"broker_url", cfg.Broker.URL,
		"exchange", cfg.Broker.Exchange,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to the outbox database
	logger.Info("connecting to database",
		"host", cfg.Outbox.Database.Host,
		"port", cfg.Outbox.Database.Port,
		"database", cfg.Outbox.Database.Name,
	)

	pool, err := database.Connect(ctx, cfg.Outbox.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Connection supervisor over the AMQP factory
	supCfg := broker.SupervisorConfig{
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		Setup: func(conn broker.Connection, s *broker.Supervisor) {
			logger.Info("broker connection established")
		},
	}
	factory := broker.NewAMQPFactory(cfg.Broker.URL)
	sup := broker.NewSupervisor(supCfg, factory, logger)
	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		sup.Stop(shutdownCtx)
	}()

	// Publisher worker: declares the exchange on every fresh channel
	policy := broker.QueuePolicy
	if cfg.Broker.WorkerPolicy == "drop" {
		policy = broker.DropPolicy
	}
	publisher, err := sup.CreateChannel(ctx, broker.WorkerOptions{
		Name:   "publisher",
		Policy: policy,
		Init: func(ch broker.Channel) error {
			return ch.ExchangeDeclare(cfg.Broker.Exchange, cfg.Broker.ExchangeType)
		},
	})
	if err != nil {
		logger.Error("failed to create publisher worker", "error", err)
		os.Exit(1)
	}

	// Status feed over the supervisor event stream
	feed := statusfeed.New(statusfeed.DefaultConfig(), sup, sup.Events(), logger)
	if err := feed.Start(ctx); err != nil {
		logger.Error("failed to start status feed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		feed.Stop(shutdownCtx)
	}()

	// Outbox poller feeding the publisher worker
	poller := outbox.New(outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, outbox.NewStore(pool), publisher, logger)
	if err := poller.Start(ctx); err != nil {
		logger.Error("failed to start outbox poller", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		poller.Stop(shutdownCtx)
	}()

	// Ops server: metrics, health, status websocket
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createOpsHandler(cfg, pool, sup, feed),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting ops server", "port", cfg.Metrics.Port)
		if err := opsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	logger.Info("relay running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/healthz", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("ops server error", "error", err)
	}

	logger.Info("relay stopped")
}

// createOpsHandler builds the ops HTTP mux: Prometheus metrics, health, and
// the websocket status feed.
func createOpsHandler(cfg *config.RelayConfig, pool *pgxpool.Pool, sup *broker.Supervisor, feed *statusfeed.Feed) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	mux.Handle("/ws", feed)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}

		// Check broker connection
		st := sup.Status()
		health.Components["broker"] = st
		if !st.Connected {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
