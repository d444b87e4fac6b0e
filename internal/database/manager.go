// Package database provides unified database management for tokenforge.
// It coordinates share recording across PostgreSQL, Redis, and InfluxDB.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/tokenforge/internal/database/influx"
	"github.com/bardlex/tokenforge/internal/database/postgres"
	"github.com/bardlex/tokenforge/internal/database/redis"
	"github.com/bardlex/tokenforge/internal/share"
	"github.com/bardlex/tokenforge/pkg/circuit"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

// ShareStore is the system of record for shares
type ShareStore interface {
	CreateShare(ctx context.Context, s *postgres.Share) error
	CountValidShares(ctx context.Context, tokenID string) (int64, error)
	ShareExists(ctx context.Context, hash string) (bool, error)
	GetSharesByToken(ctx context.Context, tokenID string, limit, offset int) ([]*postgres.Share, error)
}

// TokenStore holds token targets and completion state
type TokenStore interface {
	GetToken(ctx context.Context, tokenID string) (*postgres.Token, error)
	UpdateMinedShares(ctx context.Context, tokenID string, count int64) error
	MarkTokenCompleted(ctx context.Context, tokenID string) (bool, error)
}

// Cache holds dedupe claims, counters and hashrate windows
type Cache interface {
	ClaimShare(ctx context.Context, hash string, ttl time.Duration) (bool, error)
	ReleaseShare(ctx context.Context, hash string) error
	SetShareCount(ctx context.Context, tokenID string, count int64) error
	SetHashrate(ctx context.Context, userID, tokenID string, hashrate float64, window time.Duration) error
	GetAverageHashrate(ctx context.Context, userID, tokenID string, window time.Duration) (float64, error)
	SetCache(ctx context.Context, key string, data any, expiration time.Duration) error
	GetCache(ctx context.Context, key string, dest any) error
	DeleteCache(ctx context.Context, key string) error
}

// Metrics receives time-series points
type Metrics interface {
	WriteShareMetric(tokenID, userID string, difficulty int, hashes uint64, status string)
	WriteHashrateMetric(userID, tokenID string, hashrate float64)
	WriteCompletionMetric(tokenID string, shares int64)
	GetShareStats(ctx context.Context, tokenID string, duration time.Duration) (*influx.ShareStats, error)
	GetHashrateHistory(ctx context.Context, userID, tokenID string, duration time.Duration) ([]influx.HashratePoint, error)
	Flush()
}

// Share metric statuses
const (
	StatusValid     = "valid"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
)

// Stores bundles the backends a Manager coordinates. Cache and Metrics may
// be nil, in which case their best-effort steps are skipped.
type Stores struct {
	Shares  ShareStore
	Tokens  TokenStore
	Cache   Cache
	Metrics Metrics
}

// Options tune share recording
type Options struct {
	// DefaultTarget applies to tokens whose row carries no target
	DefaultTarget  int64
	DedupeTTL      time.Duration
	HashrateWindow time.Duration
	TokenCacheTTL  time.Duration
	// Validator, when set, checks shares handed to SubmitShare
	Validator *share.Validator
}

// DefaultOptions returns the recording defaults
func DefaultOptions() Options {
	return Options{
		DefaultTarget:  share.DefaultTarget,
		DedupeTTL:      24 * time.Hour,
		HashrateWindow: 10 * time.Minute,
		TokenCacheTTL:  time.Minute,
	}
}

// Manager coordinates share recording across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	shares  ShareStore
	tokens  TokenStore
	cache   Cache
	metrics Metrics
	opts    Options
	logger  *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	closers []func() error
	health  map[string]func(context.Context) error
}

// Config holds configuration for all database systems. Redis and Influx are
// optional.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
	Options  Options
}

// NewManager connects to every configured database and migrates the schema
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if err := pgClient.Migrate(ctx); err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
			"failed to migrate PostgreSQL schema")
	}

	stores := Stores{
		Shares: postgres.NewShareRepository(pgClient.DB()),
		Tokens: postgres.NewTokenRepository(pgClient.DB()),
	}
	closers := []func() error{pgClient.Close}

	cleanup := func(origErr *errors.ServiceError) error {
		var closeErrs []error
		for _, c := range closers {
			if err := c(); err != nil {
				closeErrs = append(closeErrs, err)
			}
		}
		if len(closeErrs) > 0 {
			return origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return origErr
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, cleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		stores.Cache = redisClient
		closers = append(closers, redisClient.Close)
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, cleanup(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		stores.Metrics = influxClient
		closers = append(closers, func() error {
			influxClient.Close()
			return nil
		})
		go drainInfluxErrors(ctx, influxClient, logger)
	}

	m := New(stores, cfg.Options, logger)
	m.closers = closers

	health := map[string]func(context.Context) error{"postgres": pgClient.Health}
	if rc, ok := stores.Cache.(*redis.Client); ok {
		health["redis"] = rc.Health
	}
	if ic, ok := stores.Metrics.(*influx.Client); ok {
		health["influx"] = ic.Health
	}
	m.health = health

	return m, nil
}

func drainInfluxErrors(ctx context.Context, c *influx.Client, logger *log.Logger) {
	errs := c.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.WithError(err).Warn("influx write failed")
		}
	}
}

// New builds a Manager over already connected stores
func New(stores Stores, opts Options, logger *log.Logger) *Manager {
	defaults := DefaultOptions()
	if opts.DefaultTarget <= 0 {
		opts.DefaultTarget = defaults.DefaultTarget
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaults.DedupeTTL
	}
	if opts.HashrateWindow <= 0 {
		opts.HashrateWindow = defaults.HashrateWindow
	}
	if opts.TokenCacheTTL <= 0 {
		opts.TokenCacheTTL = defaults.TokenCacheTTL
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Manager{
		shares:  stores.Shares,
		tokens:  stores.Tokens,
		cache:   stores.Cache,
		metrics: stores.Metrics,
		opts:    opts,
		logger:  logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	for name, check := range m.health {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", name, err)
		}
	}
	return nil
}

// RecordOutcome describes what RecordShare did with a share
type RecordOutcome struct {
	ShareID string
	TokenID string
	Count   int64
	Target  int64
	Percent int
	// Completed is true once the token has reached its target
	Completed bool
	// JustCompleted is true only for the share that completed the token
	JustCompleted bool
	Duplicate     bool
}

// Receipt converts the outcome for the share's miner
func (o *RecordOutcome) Receipt() *share.Receipt {
	return &share.Receipt{
		Found:         o.Count,
		Target:        o.Target,
		Duplicate:     o.Duplicate,
		JustCompleted: o.JustCompleted,
	}
}

// RecordShare stores a verified share and advances its token. A share whose
// hash is already recorded yields Duplicate rather than an error.
func (m *Manager) RecordShare(ctx context.Context, s *share.Share) (*RecordOutcome, error) {
	logger := m.logger.WithToken(s.TokenID, s.UserID).WithFields("share_id", s.ID)

	token, err := m.token(ctx, s.TokenID)
	if err != nil {
		return nil, err
	}
	target := token.TargetShares
	if target <= 0 {
		target = m.opts.DefaultTarget
	}

	outcome := &RecordOutcome{ShareID: s.ID, TokenID: s.TokenID, Target: target}

	duplicate, err := m.claim(ctx, s.Hash)
	if err != nil {
		return nil, err
	}
	if !duplicate {
		duplicate, err = m.insert(ctx, s)
		if err != nil {
			m.release(ctx, s.Hash, logger)
			return nil, err
		}
	}
	if duplicate {
		outcome.Duplicate = true
		if m.metrics != nil {
			m.metrics.WriteShareMetric(s.TokenID, s.UserID, s.Difficulty, s.HashesComputed, StatusDuplicate)
		}
		logger.Info("duplicate share ignored", "hash", s.Hash)
		return outcome, nil
	}

	count, err := retry.DoWithResult(ctx, m.retryConfig, func() (int64, error) {
		n, err := m.shares.CountValidShares(ctx, s.TokenID)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "failed to count shares")
		}
		return n, nil
	})
	if err != nil {
		// the share is stored; completion is re-evaluated by the next share
		logger.WithError(err).Warn("share stored but count unavailable")
		return outcome, nil
	}
	outcome.Count = count
	outcome.Percent = share.Progress(count, target)

	m.bestEffort(ctx, s, count, logger)

	if share.Complete(count, target) {
		outcome.Completed = true
		changed, err := m.tokens.MarkTokenCompleted(ctx, s.TokenID)
		if err != nil {
			return outcome, errors.Wrap(err, errors.ErrorTypeDatabase, "complete_token",
				"failed to mark token completed").
				WithContext("token_id", s.TokenID).
				WithContext("count", count)
		}
		if changed {
			outcome.JustCompleted = true
			if m.metrics != nil {
				m.metrics.WriteCompletionMetric(s.TokenID, count)
			}
			if m.cache != nil {
				_ = m.cache.DeleteCache(ctx, tokenCacheKey(s.TokenID))
			}
			logger.LogTokenCompleted(s.TokenID, count)
		}
	}

	logger.LogShareRecorded(s.ID, s.TokenID, count, target)
	return outcome, nil
}

func tokenCacheKey(tokenID string) string {
	return "token:" + tokenID
}

// token loads a token row, through the cache when there is one
func (m *Manager) token(ctx context.Context, tokenID string) (*postgres.Token, error) {
	if m.cache != nil {
		var cached postgres.Token
		if err := m.cache.GetCache(ctx, tokenCacheKey(tokenID), &cached); err == nil {
			return &cached, nil
		}
	}

	token, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (*postgres.Token, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (*postgres.Token, error) {
			t, err := m.tokens.GetToken(ctx, tokenID)
			if stderrors.Is(err, postgres.ErrTokenNotFound) {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_token", "unknown token").
					WithContext("token_id", tokenID)
			}
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "get_token", "failed to load token").
					WithContext("token_id", tokenID)
			}
			return t, nil
		})
	})
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.SetCache(ctx, tokenCacheKey(tokenID), token, m.opts.TokenCacheTTL); err != nil {
			m.logger.WithError(err).Debug("failed to cache token")
		}
	}
	return token, nil
}

// claim reports whether hash was already claimed. Without a cache it asks
// PostgreSQL instead. A cache failure falls through to the unique index.
func (m *Manager) claim(ctx context.Context, hash string) (bool, error) {
	if m.cache == nil {
		exists, err := m.shares.ShareExists(ctx, hash)
		if err != nil {
			m.logger.WithError(err).Warn("share existence check failed")
			return false, nil
		}
		return exists, nil
	}

	ok, err := m.cache.ClaimShare(ctx, hash, m.opts.DedupeTTL)
	if err != nil {
		m.logger.WithError(err).Warn("share claim failed, relying on unique index")
		return false, nil
	}
	return !ok, nil
}

func (m *Manager) release(ctx context.Context, hash string, logger *log.Logger) {
	if m.cache == nil {
		return
	}
	if err := m.cache.ReleaseShare(ctx, hash); err != nil {
		logger.WithError(err).Warn("failed to release share claim")
	}
}

// insert writes the share row. It reports true when the hash was already
// recorded.
func (m *Manager) insert(ctx context.Context, s *share.Share) (bool, error) {
	row := &postgres.Share{
		ID:             s.ID,
		TokenID:        s.TokenID,
		UserID:         s.UserID,
		Seed:           s.Seed,
		Nonce:          s.Nonce,
		Hash:           s.Hash,
		Difficulty:     s.Difficulty,
		HashesComputed: s.HashesComputed,
		ElapsedMillis:  s.ElapsedMillis,
		Algo:           s.Algo,
		IsValid:        true,
		FoundAt:        s.FoundAt,
	}

	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.shares.CreateShare(ctx, row)
			if stderrors.Is(err, postgres.ErrDuplicateShare) {
				return errors.Wrap(err, errors.ErrorTypeValidation, "record_share", "share already recorded")
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("user_id", s.UserID).
					WithContext("token_id", s.TokenID).
					WithContext("share_difficulty", s.Difficulty)
			}
			return nil
		})
	})
	if stderrors.Is(err, postgres.ErrDuplicateShare) {
		return true, nil
	}
	return false, err
}

// bestEffort updates counters, hashrate and metrics. Failures are logged.
func (m *Manager) bestEffort(ctx context.Context, s *share.Share, count int64, logger *log.Logger) {
	if err := m.tokens.UpdateMinedShares(ctx, s.TokenID, count); err != nil {
		logger.WithError(err).Warn("failed to update mined shares (non-critical)")
	}

	if m.metrics != nil {
		m.metrics.WriteShareMetric(s.TokenID, s.UserID, s.Difficulty, s.HashesComputed, StatusValid)
	}

	if m.cache == nil {
		return
	}
	if err := m.cache.SetShareCount(ctx, s.TokenID, count); err != nil {
		logger.WithError(err).Warn("failed to update share counter in Redis (non-critical)")
	}
	if rate := s.HashRate(); rate > 0 {
		if err := m.cache.SetHashrate(ctx, s.UserID, s.TokenID, rate, m.opts.HashrateWindow); err != nil {
			logger.WithError(err).Warn("failed to update hashrate in Redis (non-critical)")
		}
	}
}

// RecordRejected counts a share that failed validation
func (m *Manager) RecordRejected(s *share.Share) {
	if m.metrics != nil {
		m.metrics.WriteShareMetric(s.TokenID, s.UserID, s.Difficulty, s.HashesComputed, StatusInvalid)
	}
}

// RecordProgress stores a hashrate sample and returns the windowed average
func (m *Manager) RecordProgress(ctx context.Context, userID, tokenID string, hashrate float64) (float64, error) {
	if m.metrics != nil {
		m.metrics.WriteHashrateMetric(userID, tokenID, hashrate)
	}
	if m.cache == nil {
		return hashrate, nil
	}

	if err := m.cache.SetHashrate(ctx, userID, tokenID, hashrate, m.opts.HashrateWindow); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "record_progress", "failed to store hashrate").
			WithContext("user_id", userID)
	}
	avg, err := m.cache.GetAverageHashrate(ctx, userID, tokenID, m.opts.HashrateWindow)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "record_progress", "failed to read hashrate").
			WithContext("user_id", userID)
	}
	return avg, nil
}

// SubmitShare implements forge.Sink for miners writing straight to the
// database. Duplicates are accepted silently.
func (m *Manager) SubmitShare(ctx context.Context, s *share.Share) error {
	_, err := m.RecordFound(ctx, s)
	return err
}

// RecordFound implements forge.ShareRecorder. It validates s when a
// Validator is configured, then records it.
func (m *Manager) RecordFound(ctx context.Context, s *share.Share) (*share.Receipt, error) {
	if m.opts.Validator != nil {
		if err := m.opts.Validator.Validate(s); err != nil {
			m.RecordRejected(s)
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_share", "share rejected").
				WithContext("share_id", s.ID)
		}
	}
	outcome, err := m.RecordShare(ctx, s)
	if err != nil {
		return nil, err
	}
	return outcome.Receipt(), nil
}

// CountShares implements forge.Counter
func (m *Manager) CountShares(ctx context.Context, tokenID string) (int64, error) {
	n, err := m.shares.CountValidShares(ctx, tokenID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "count_shares", "failed to count shares").
			WithContext("token_id", tokenID)
	}
	return n, nil
}

// TokenProgress implements forge.TokenTracker
func (m *Manager) TokenProgress(ctx context.Context, tokenID string) (int64, int64, error) {
	token, err := m.token(ctx, tokenID)
	if err != nil {
		return 0, 0, err
	}
	target := token.TargetShares
	if target <= 0 {
		target = m.opts.DefaultTarget
	}
	found, err := m.CountShares(ctx, tokenID)
	if err != nil {
		return 0, 0, err
	}
	return found, target, nil
}

// recentShares is how many shares GetTokenStats lists
const recentShares = 10

// TokenStats combines the stored token with share statistics
type TokenStats struct {
	TokenID      string                 `json:"token_id"`
	Name         string                 `json:"name,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Shares       int64                  `json:"shares"`
	Target       int64                  `json:"target"`
	Percent      int                    `json:"percent"`
	Completed    bool                   `json:"completed"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metrics      *influx.ShareStats     `json:"metrics"`
	RecentShares []*share.Share         `json:"recent_shares"`
	Hashrate     []influx.HashratePoint `json:"hashrate,omitempty"`
}

// GetTokenStats reports a token's progress, its newest shares and its last
// day of share metrics. With a userID it also carries that user's hashrate
// history. Metrics that cannot be read are left empty.
func (m *Manager) GetTokenStats(ctx context.Context, tokenID, userID string) (*TokenStats, error) {
	found, target, err := m.TokenProgress(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	token, err := m.token(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	rows, err := m.shares.GetSharesByToken(ctx, tokenID, recentShares, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "token_stats", "failed to load shares").
			WithContext("token_id", tokenID)
	}

	stats := &TokenStats{
		TokenID:      tokenID,
		Name:         token.Name,
		Status:       token.Status,
		Shares:       found,
		Target:       target,
		Percent:      share.Progress(found, target),
		Completed:    share.Complete(found, target),
		CompletedAt:  token.CompletedAt,
		RecentShares: make([]*share.Share, 0, len(rows)),
	}
	for _, row := range rows {
		stats.RecentShares = append(stats.RecentShares, fromRow(row))
	}

	if m.metrics != nil {
		logger := m.logger.WithToken(tokenID, userID)
		if s, err := m.metrics.GetShareStats(ctx, tokenID, 24*time.Hour); err == nil {
			stats.Metrics = s
		} else {
			logger.WithError(err).Warn("share stats unavailable")
		}
		if userID != "" {
			if points, err := m.metrics.GetHashrateHistory(ctx, userID, tokenID, 24*time.Hour); err == nil {
				stats.Hashrate = points
			} else {
				logger.WithError(err).Warn("hashrate history unavailable")
			}
		}
	}
	if stats.Metrics == nil {
		stats.Metrics = &influx.ShareStats{}
	}
	return stats, nil
}

func fromRow(row *postgres.Share) *share.Share {
	return &share.Share{
		ID:             row.ID,
		TokenID:        row.TokenID,
		UserID:         row.UserID,
		Seed:           row.Seed,
		Nonce:          row.Nonce,
		Hash:           row.Hash,
		Difficulty:     row.Difficulty,
		HashesComputed: row.HashesComputed,
		ElapsedMillis:  row.ElapsedMillis,
		Algo:           row.Algo,
		FoundAt:        row.FoundAt,
	}
}

// StartPeriodicTasks flushes InfluxDB writes every interval until ctx ends
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if m.metrics == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.metrics.Flush()
			}
		}
	}()
}
