// Package main implements minerd service for tokenforge.
// This service runs proof-of-work miners for clients connected over the
// control protocol and hands their shares to the configured sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/tokenforge/internal/config"
	"github.com/bardlex/tokenforge/internal/control"
	"github.com/bardlex/tokenforge/internal/database"
	"github.com/bardlex/tokenforge/internal/database/influx"
	"github.com/bardlex/tokenforge/internal/database/postgres"
	"github.com/bardlex/tokenforge/internal/database/redis"
	"github.com/bardlex/tokenforge/internal/database/sqlite"
	"github.com/bardlex/tokenforge/internal/forge"
	"github.com/bardlex/tokenforge/internal/messaging"
	"github.com/bardlex/tokenforge/internal/miner"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
		"share_sink", cfg.ShareSink,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to set up share sink")
		os.Exit(1)
	}
	defer closeBackend()

	server := control.NewServer(serverConfig(cfg), backend, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
	cancel()

	logger.Info("minerd stopped")
}

func serverConfig(cfg *config.Config) control.ServerConfig {
	return control.ServerConfig{
		Addr:           fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort),
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func minerConfig(cfg *config.Config) miner.Config {
	return miner.Config{
		Difficulty:  cfg.MinerDifficulty,
		BatchSize:   cfg.MinerBatchSize,
		EventBuffer: cfg.MinerEventBuffer,
		Algo:        miner.Algo(cfg.MinerHashAlgo),
	}
}

// buildBackend wires the share sink selected by cfg.ShareSink. The returned
// func releases whatever was opened.
func buildBackend(ctx context.Context, cfg *config.Config, logger *log.Logger) (*control.Backend, func(), error) {
	backend := &control.Backend{
		Miner: minerConfig(cfg),
		Forge: forge.Config{
			Target:           cfg.ShareTarget,
			ProgressInterval: cfg.ProgressInterval,
			Retry:            retry.SubmitConfig(),
		},
		StartsPerMinute: int64(cfg.StartsPerMinute),
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.ShareSink {
	case config.SinkKafka:
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		closers = append(closers, func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		})
		backend.NewSink = func(sessionID string) forge.Sink {
			return messaging.NewShareSink(kafkaClient, sessionID)
		}
		backend.Progress = messaging.NewProgressPublisher(kafkaClient)

	case config.SinkDatabase:
		dbManager, err := database.NewManager(ctx, databaseConfig(cfg), logger)
		if err != nil {
			return nil, nil, err
		}
		dbManager.StartPeriodicTasks(ctx, 10*time.Second)
		closers = append(closers, func() {
			if err := dbManager.Close(); err != nil {
				logger.WithError(err).Error("failed to close database manager")
			}
		})
		backend.NewSink = func(string) forge.Sink { return dbManager }
		backend.Progress = progressRecorder{dbManager}
		backend.Tracker = dbManager
		backend.Stats = dbManager

	case config.SinkLocal:
		store, err := sqlite.Open(cfg.LocalStorePath, cfg.ShareTarget, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Error("failed to close local store")
			}
		})
		backend.NewSink = func(string) forge.Sink { return store }
		backend.Tracker = store

	default:
		return nil, nil, fmt.Errorf("unknown share sink %q", cfg.ShareSink)
	}

	if cfg.RedisURL != "" && cfg.StartsPerMinute > 0 {
		limiter, err := redis.NewClient(&redis.Config{URL: cfg.RedisURL, PoolSize: 4, DialTimeout: 2 * time.Second})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, starts are not rate limited")
		} else {
			closers = append(closers, func() { _ = limiter.Close() })
			backend.Limiter = limiter
		}
	}

	return backend, closeAll, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Options: database.Options{
			DefaultTarget: cfg.ShareTarget,
			DedupeTTL:     cfg.ShareDedupeTTL,
			Validator:     share.NewValidator(cfg.ShareMinDifficulty, cfg.ShareMaxDifficulty, cfg.ShareMaxTimeSkew),
		},
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

// progressRecorder reports progress straight into the database
type progressRecorder struct {
	m *database.Manager
}

func (p progressRecorder) ReportProgress(ctx context.Context, tokenID, userID string, progress *miner.Progress) error {
	_, err := p.m.RecordProgress(ctx, userID, tokenID, progress.HashRate)
	return err
}
