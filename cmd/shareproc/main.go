// Package main implements shareproc service for tokenforge.
// This service validates shares published by minerd, records them and
// announces token completions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/tokenforge/internal/config"
	"github.com/bardlex/tokenforge/internal/database"
	"github.com/bardlex/tokenforge/internal/database/influx"
	"github.com/bardlex/tokenforge/internal/database/postgres"
	"github.com/bardlex/tokenforge/internal/database/redis"
	"github.com/bardlex/tokenforge/internal/messaging"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
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
	logger.Info("starting shareproc",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}
	dbManager.StartPeriodicTasks(ctx, 10*time.Second)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	processor := NewShareProcessor(cfg, logger, dbManager, kafkaClient)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := processor.Start(ctx, kafkaClient); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("share processor failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close Kafka client")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("failed to close database manager")
	}

	logger.Info("shareproc stopped")
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

// ShareRecorder is the database side of share processing
type ShareRecorder interface {
	RecordShare(ctx context.Context, s *share.Share) (*database.RecordOutcome, error)
	RecordRejected(s *share.Share)
	RecordProgress(ctx context.Context, userID, tokenID string, hashrate float64) (float64, error)
}

// Consumer runs topic consumers until ctx ends
type Consumer interface {
	StartJSONConsumer(ctx context.Context, topic, groupID string, handler messaging.JSONHandler) error
	StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler messaging.MessageHandler) error
}

// ShareProcessor validates and records shares
type ShareProcessor struct {
	cfg       *config.Config
	logger    *log.Logger
	validator *share.Validator
	recorder  ShareRecorder
	publisher messaging.Publisher

	// Worker pool
	workers    int
	shareQueue chan *ShareSubmission
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// ShareSubmission is a share waiting for a worker
type ShareSubmission struct {
	Share     *share.Share
	SessionID string
}

// NewShareProcessor creates a new share processor
func NewShareProcessor(cfg *config.Config, logger *log.Logger, recorder ShareRecorder, publisher messaging.Publisher) *ShareProcessor {
	workers := cfg.WorkerPoolSize
	if workers <= 0 {
		workers = 1
	}
	return &ShareProcessor{
		cfg:        cfg,
		logger:     logger.WithComponent("shareproc"),
		validator:  share.NewValidator(cfg.ShareMinDifficulty, cfg.ShareMaxDifficulty, cfg.ShareMaxTimeSkew),
		recorder:   recorder,
		publisher:  publisher,
		workers:    workers,
		shareQueue: make(chan *ShareSubmission, workers*10),
		done:       make(chan struct{}),
	}
}

// Start runs the worker pool and both consumers until ctx ends
func (sp *ShareProcessor) Start(ctx context.Context, consumer Consumer) error {
	sp.logger.Info("share processor starting")

	for i := 0; i < sp.workers; i++ {
		sp.wg.Add(1)
		go sp.worker(ctx, i)
	}

	groupID := sp.cfg.KafkaGroupID
	errc := make(chan error, 2)
	go func() {
		errc <- consumer.StartJSONConsumer(ctx, messaging.TopicShares, groupID+"-shares", sp.HandleShareMessage)
	}()
	go func() {
		errc <- consumer.StartConsumer(ctx, messaging.TopicMinerProgress, groupID+"-progress",
			func() proto.Message { return &structpb.Struct{} }, progressHandler{sp})
	}()

	select {
	case err := <-errc:
		return err
	case <-sp.done:
		return nil
	}
}

// Shutdown stops the workers, waiting for in-flight shares
func (sp *ShareProcessor) Shutdown(ctx context.Context) error {
	sp.logger.Info("shutting down share processor")
	sp.closeOnce.Do(func() { close(sp.done) })

	finished := make(chan struct{})
	go func() {
		sp.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleShareMessage decodes a share from TopicShares and queues it. It
// blocks while the queue is full so that the consumer applies backpressure.
func (sp *ShareProcessor) HandleShareMessage(ctx context.Context, _ string, data []byte) error {
	var msg messaging.ShareMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "share_decode", "failed to unmarshal share message")
	}

	submission := &ShareSubmission{Share: msg.Share(), SessionID: msg.SessionID}
	select {
	case sp.shareQueue <- submission:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sp.done:
		return fmt.Errorf("processor shutting down")
	}
}

// worker processes shares from the queue
func (sp *ShareProcessor) worker(ctx context.Context, workerID int) {
	defer sp.wg.Done()

	logger := sp.logger.WithFields("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sp.done:
			return
		case submission := <-sp.shareQueue:
			if err := sp.ProcessShare(ctx, submission.Share); err != nil {
				logger.WithError(err).Error("share processing failed",
					"share_id", submission.Share.ID,
					"session_id", submission.SessionID,
				)
			}
		}
	}
}

// ProcessShare validates, records and reports one share
func (sp *ShareProcessor) ProcessShare(ctx context.Context, s *share.Share) error {
	logger := sp.logger.WithToken(s.TokenID, s.UserID).WithFields("share_id", s.ID)

	startTime := time.Now()
	defer func() {
		logger.LogDuration("share_processing", time.Since(startTime).Nanoseconds())
	}()

	result := &messaging.ShareResultMessage{
		ShareID: s.ID,
		TokenID: s.TokenID,
		UserID:  s.UserID,
	}

	var completed *messaging.TokenCompletedMessage
	if err := sp.validator.Validate(s); err != nil {
		logger.WithError(err).Info("share validation failed")
		sp.recorder.RecordRejected(s)
		result.Status = messaging.StatusInvalid
		result.ErrorMessage = err.Error()
	} else {
		outcome, err := sp.recorder.RecordShare(ctx, s)
		switch {
		case errors.IsType(err, errors.ErrorTypeValidation):
			logger.WithError(err).Info("share refused")
			result.Status = messaging.StatusInvalid
			result.ErrorMessage = err.Error()
		case err != nil:
			return err
		default:
			result.Status = messaging.StatusValid
			if outcome.Duplicate {
				result.Status = messaging.StatusDuplicate
			}
			result.SharesFound = outcome.Count
			result.Target = outcome.Target
			result.Percent = outcome.Percent
			if outcome.JustCompleted {
				completed = &messaging.TokenCompletedMessage{
					TokenID:     s.TokenID,
					Shares:      outcome.Count,
					Target:      outcome.Target,
					LastShareID: s.ID,
					CompletedAt: time.Now().UTC(),
				}
			}
		}
	}

	result.ProcessedAt = time.Now().UTC()
	result.ProcessingTimeMs = float64(time.Since(startTime).Nanoseconds()) / 1e6

	if err := sp.publish(ctx, messaging.TopicShareResults, s.TokenID, result); err != nil {
		logger.WithError(err).Error("failed to publish share result")
	}
	if completed != nil {
		logger.LogTokenCompleted(s.TokenID, completed.Shares)
		if err := sp.publish(ctx, messaging.TopicTokenCompleted, s.TokenID, completed); err != nil {
			logger.WithError(err).Error("failed to publish token completion")
		}
	}
	return nil
}

func (sp *ShareProcessor) publish(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "publish", "failed to marshal message").
			WithContext("topic", topic)
	}
	return sp.publisher.PublishJSON(ctx, topic, key, data)
}

// HandleProgress records a hashrate sample from TopicMinerProgress
func (sp *ShareProcessor) HandleProgress(ctx context.Context, msg proto.Message) error {
	st, ok := msg.(*structpb.Struct)
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "progress_decode", fmt.Sprintf("unexpected message %T", msg))
	}
	snap, err := messaging.ParseProgress(st)
	if err != nil {
		return err
	}

	avg, err := sp.recorder.RecordProgress(ctx, snap.UserID, snap.TokenID, snap.Progress.HashRate)
	if err != nil {
		return err
	}
	sp.logger.WithToken(snap.TokenID, snap.UserID).Debug("hashrate recorded",
		"hash_rate", snap.Progress.HashRate,
		"average", avg,
	)
	return nil
}

// progressHandler adapts HandleProgress to messaging.MessageHandler
type progressHandler struct {
	sp *ShareProcessor
}

func (h progressHandler) HandleMessage(ctx context.Context, _ string, msg proto.Message) error {
	return h.sp.HandleProgress(ctx, msg)
}
