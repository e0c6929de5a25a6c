package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrt46/my-freqtrade/internal/api"
	"github.com/mrt46/my-freqtrade/internal/messaging"
	"github.com/mrt46/my-freqtrade/internal/metrics"
	"github.com/mrt46/my-freqtrade/internal/orchestrator"
	"github.com/mrt46/my-freqtrade/internal/statestore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine host",
	Long: `Run the engines for the configured pairs behind the HTTP and WebSocket API.
Closed bars are submitted to POST /api/v1/pairs/{pair}/bars and closed trades
to POST /api/v1/outcomes. With kafka.enabled, intents and regime changes are
also published to Kafka and outcomes are consumed from the outcome topic.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := statestore.Open(logger, cfg.Store, cfg.Redis)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	recorder := metrics.New()
	orch, err := orchestrator.New(logger, &cfg.Engine, orchestrator.ConfigFrom(cfg),
		orchestrator.WithMetrics(recorder),
		orchestrator.WithStore(store),
	)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	var publisher *messaging.Publisher
	var consumer *messaging.OutcomeConsumer
	if cfg.Kafka.Enabled {
		publisher, err = messaging.NewPublisher(logger, cfg.Kafka)
		if err != nil {
			return fmt.Errorf("create kafka publisher: %w", err)
		}
		publisher.Attach(orch.Bus())

		consumer, err = messaging.NewOutcomeConsumer(logger, cfg.Kafka, orch)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Outcome consumer stopped", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(logger, cfg.Server, orch, recorder.Handler())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	logger.Info("Engine host started",
		zap.Strings("pairs", cfg.Trading.Pairs),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("kafka", cfg.Kafka.Enabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("Failed to close outcome consumer", zap.Error(err))
		}
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop orchestrator", zap.Error(err))
	}
	if publisher != nil {
		if err := publisher.Close(orch.Bus()); err != nil {
			logger.Warn("Failed to close kafka publisher", zap.Error(err))
		}
	}

	logger.Info("Engine host stopped")
	return nil
}
