// Package influx provides the InfluxDB client for tokenforge time-series data.
// It records share and hashrate metrics and answers history queries.
package influx

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Client{
		client: client,
		bucket: cfg.Bucket,
		org:    cfg.Org,
	}
	if err := c.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	c.writeAPI = client.WriteAPI(cfg.Org, cfg.Bucket)
	c.queryAPI = client.QueryAPI(cfg.Org)
	return c, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Mining metrics

// WriteShareMetric records a processed share. status is one of the share
// result statuses (valid, invalid, duplicate).
func (c *Client) WriteShareMetric(tokenID, userID string, difficulty int, hashes uint64, status string) {
	c.writeAPI.WritePoint(sharePoint(tokenID, userID, difficulty, hashes, status, time.Now()))
}

// WriteHashrateMetric records a miner hashrate sample
func (c *Client) WriteHashrateMetric(userID, tokenID string, hashrate float64) {
	c.writeAPI.WritePoint(hashratePoint(userID, tokenID, hashrate, time.Now()))
}

// WriteCompletionMetric records a token reaching its share target
func (c *Client) WriteCompletionMetric(tokenID string, shares int64) {
	c.writeAPI.WritePoint(completionPoint(tokenID, shares, time.Now()))
}

func sharePoint(tokenID, userID string, difficulty int, hashes uint64, status string, ts time.Time) *write.Point {
	tags := map[string]string{
		"token_id": tokenID,
		"user_id":  userID,
		"status":   status,
	}

	fields := map[string]any{
		"difficulty": int64(difficulty),
		"hashes":     hashes,
		"count":      int64(1),
	}

	return write.NewPoint("shares", tags, fields, ts)
}

func hashratePoint(userID, tokenID string, hashrate float64, ts time.Time) *write.Point {
	tags := map[string]string{
		"user_id":  userID,
		"token_id": tokenID,
	}

	return write.NewPoint("hashrate", tags, map[string]any{"hashrate": hashrate}, ts)
}

func completionPoint(tokenID string, shares int64, ts time.Time) *write.Point {
	return write.NewPoint("token_completed",
		map[string]string{"token_id": tokenID},
		map[string]any{"shares": shares, "count": int64(1)},
		ts)
}

// Query methods

// fluxString quotes s as a Flux string literal
func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)
	return `"` + r.Replace(s) + `"`
}

func hashrateHistoryQuery(bucket, userID, tokenID string, duration time.Duration) string {
	q := fmt.Sprintf(`
		from(bucket: %s)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.user_id == %s)`,
		fluxString(bucket), duration.String(), fluxString(userID))
	if tokenID != "" {
		q += fmt.Sprintf(`
		|> filter(fn: (r) => r.token_id == %s)`, fluxString(tokenID))
	}
	return q + `
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)`
}

// GetHashrateHistory retrieves 5 minute hashrate means for a user, optionally
// narrowed to one token.
func (c *Client) GetHashrateHistory(ctx context.Context, userID, tokenID string, duration time.Duration) ([]HashratePoint, error) {
	result, err := c.queryAPI.Query(ctx, hashrateHistoryQuery(c.bucket, userID, tokenID, duration))
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

func shareStatsQuery(bucket, tokenID string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: %s)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.token_id == %s)
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, fluxString(bucket), duration.String(), fluxString(tokenID))
}

// GetShareStats sums processed shares of a token per status
func (c *Client) GetShareStats(ctx context.Context, tokenID string, duration time.Duration) (*ShareStats, error) {
	result, err := c.queryAPI.Query(ctx, shareStatsQuery(c.bucket, tokenID, duration))
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		status, _ := record.ValueByKey("status").(string)
		stats.add(status, count)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return stats, nil
}

// Data structures

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares     int64   `json:"total_shares"`
	ValidShares     int64   `json:"valid_shares"`
	InvalidShares   int64   `json:"invalid_shares"`
	DuplicateShares int64   `json:"duplicate_shares"`
	ValidPercent    float64 `json:"valid_percent"`
}

func (s *ShareStats) add(status string, count int64) {
	switch status {
	case "valid":
		s.ValidShares += count
	case "duplicate":
		s.DuplicateShares += count
	default:
		s.InvalidShares += count
	}
	s.TotalShares += count
	if s.TotalShares > 0 {
		s.ValidPercent = float64(s.ValidShares) / float64(s.TotalShares) * 100
	}
}
