// Package redis provides the Redis client for tokenforge.
// It holds share counters, hashrate windows, share dedupe claims, the token
// cache and rate limits.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by GetCache for an absent key
var ErrCacheMiss = stderrors.New("cache miss")

// Client wraps Redis operations for tokenforge
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration. URL, when set, is parsed
// with redis.ParseURL and overrides Addr, Password and DB.
type Config struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (cfg *Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		opts = parsed
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func shareCountKey(tokenID string) string {
	return fmt.Sprintf("token:%s:shares", tokenID)
}

func hashrateKey(userID, tokenID string) string {
	return fmt.Sprintf("hashrate:%s:%s", userID, tokenID)
}

func claimKey(hash string) string {
	return fmt.Sprintf("share:%s", hash)
}

// Share counters

// IncrementShareCount bumps the cached share count of a token
func (c *Client) IncrementShareCount(ctx context.Context, tokenID string) (int64, error) {
	n, err := c.rdb.Incr(ctx, shareCountKey(tokenID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment share count: %w", err)
	}
	return n, nil
}

// SetShareCount overwrites the cached share count with an authoritative value
func (c *Client) SetShareCount(ctx context.Context, tokenID string, count int64) error {
	if err := c.rdb.Set(ctx, shareCountKey(tokenID), count, 0).Err(); err != nil {
		return fmt.Errorf("failed to set share count: %w", err)
	}
	return nil
}

// GetShareCount returns the cached share count of a token, 0 if unknown
func (c *Client) GetShareCount(ctx context.Context, tokenID string) (int64, error) {
	val, err := c.rdb.Get(ctx, shareCountKey(tokenID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get share count: %w", err)
	}
	return val, nil
}

// Dedupe

// ClaimShare marks a share hash as seen. It returns false when another
// submission already claimed it within ttl.
func (c *Client) ClaimShare(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, claimKey(hash), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim share: %w", err)
	}
	return ok, nil
}

// ReleaseShare drops a claim so the share can be submitted again
func (c *Client) ReleaseShare(ctx context.Context, hash string) error {
	if err := c.rdb.Del(ctx, claimKey(hash)).Err(); err != nil {
		return fmt.Errorf("failed to release share: %w", err)
	}
	return nil
}

// Hashrate

// SetHashrate records a hashrate sample for a user mining a token and drops
// samples older than window.
func (c *Client) SetHashrate(ctx context.Context, userID, tokenID string, hashrate float64, window time.Duration) error {
	key := hashrateKey(userID, tokenID)
	now := time.Now()

	// the member carries the timestamp so equal rates do not collapse
	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), strconv.FormatFloat(hashrate, 'f', -1, 64)),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate averages the samples recorded within window
func (c *Client) GetAverageHashrate(ctx context.Context, userID, tokenID string, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, hashrateKey(userID, tokenID), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples parses "<ts>:<rate>" members
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		for i := 0; i < len(val); i++ {
			if val[i] != ':' {
				continue
			}
			if rate, err := strconv.ParseFloat(val[i+1:], 64); err == nil {
				total += rate
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Rate limiting

// CheckRateLimit counts an action against key and reports whether it is
// still within limit for the current window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, "ratelimit:"+key)
	pipe.ExpireNX(ctx, "ratelimit:"+key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incrCmd.Val() <= limit, nil
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.rdb.Set(ctx, "cache:"+key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache. It returns ErrCacheMiss for an absent key.
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, "cache:"+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}

// DeleteCache removes data from cache
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, "cache:"+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}
