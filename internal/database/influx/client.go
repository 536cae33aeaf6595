// Package influx writes miner time series to InfluxDB: share outcomes, pool
// switches and periodic pool and device statistics.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/stats"
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

// NewClient creates a new InfluxDB client and checks the server health.
// Asynchronous write failures are passed to onError when it is not nil.
func NewClient(cfg *Config, onError func(error)) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	if onError != nil {
		errs := writeAPI.Errors()
		go func() {
			for err := range errs {
				onError(err)
			}
		}()
	}

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteShare queues a share outcome point
func (c *Client) WriteShare(o stats.ShareOutcome) {
	c.writeAPI.WritePoint(SharePoint(o))
}

// WritePoolSwitch queues a pool switch point
func (c *Client) WritePoolSwitch(s stats.PoolSwitch) {
	c.writeAPI.WritePoint(PoolSwitchPoint(s))
}

// WriteStatus queues one point per pool and per device of the snapshot
func (c *Client) WriteStatus(s stats.StatusSnapshot) {
	for _, p := range StatusPoints(s) {
		c.writeAPI.WritePoint(p)
	}
}

// Points

// SharePoint builds the "shares" point for a share outcome.
func SharePoint(o stats.ShareOutcome) *write.Point {
	tags := map[string]string{
		"pool":      o.Pool,
		"algorithm": o.Algorithm,
		"status":    string(o.Status),
	}
	fields := map[string]any{
		"difficulty": o.Difficulty,
		"latency_ms": float64(o.Latency) / float64(time.Millisecond),
		"count":      int64(1),
	}
	return write.NewPoint("shares", tags, fields, pointTime(o.Time))
}

// PoolSwitchPoint builds the "pool_switches" point.
func PoolSwitchPoint(s stats.PoolSwitch) *write.Point {
	tags := map[string]string{
		"algorithm": s.Algorithm,
		"to_pool":   s.ToPool,
	}
	fields := map[string]any{
		"from_index": int64(s.FromIndex),
		"to_index":   int64(s.ToIndex),
		"from_pool":  s.FromPool,
	}
	return write.NewPoint("pool_switches", tags, fields, pointTime(s.Time))
}

// StatusPoints builds a "pool_stats" point per pool and a "device_stats"
// point per device.
func StatusPoints(s stats.StatusSnapshot) []*write.Point {
	at := pointTime(s.Time)
	points := make([]*write.Point, 0, len(s.Pools)+len(s.Devices))

	for _, p := range s.Pools {
		tags := map[string]string{
			"algorithm": p.Algorithm,
			"pool":      p.Name,
			"index":     strconv.Itoa(p.Index),
		}
		fields := map[string]any{
			"active":              p.Active,
			"connected":           p.Records.ConnectedSince != nil,
			"accepted":            int64(p.Records.Accepted),
			"rejected":            int64(p.Records.Rejected),
			"never_responded":     int64(p.Records.NeverResponded),
			"dropped":             int64(p.Records.Dropped),
			"accepted_difficulty": p.Records.AcceptedDifficulty,
		}
		points = append(points, write.NewPoint("pool_stats", tags, fields, at))
	}

	for _, d := range s.Devices {
		tags := map[string]string{
			"algorithm": d.Algorithm,
			"device":    strconv.Itoa(d.Index),
			"name":      d.Name,
		}
		fields := map[string]any{
			"hashrate":  d.Records.Hashrate,
			"hashes":    int64(d.Records.Hashes),
			"solutions": int64(d.Records.Solutions),
			"errors":    int64(d.Records.Errors),
		}
		points = append(points, write.NewPoint("device_stats", tags, fields, at))
	}
	return points
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// Query methods

// GetShareStats counts a pool's shares by status over the last duration
func (c *Client) GetShareStats(ctx context.Context, pool string, duration time.Duration) (*ShareStats, error) {
	result, err := c.queryAPI.Query(ctx, shareStatsQuery(c.bucket, pool, duration))
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
		switch record.ValueByKey("status") {
		case "accepted":
			stats.Accepted = count
		case "rejected":
			stats.Rejected = count
		case "never_responded":
			stats.NeverResponded = count
		case "dropped":
			stats.Dropped = count
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	stats.finish()
	return stats, nil
}

// GetHashrateHistory retrieves the 5 minute mean hashrate of one device
func (c *Client) GetHashrateHistory(ctx context.Context, algorithm string, device int, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "device_stats")
		|> filter(fn: (r) => r.algorithm == "%s")
		|> filter(fn: (r) => r.device == "%d")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), algorithm, device)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{Time: record.Time(), Hashrate: value})
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return points, nil
}

func shareStatsQuery(bucket, pool string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.pool == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, bucket, duration.String(), pool)
}

// Data structures

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ShareStats represents aggregated share statistics of one pool
type ShareStats struct {
	Total          int64   `json:"total"`
	Accepted       int64   `json:"accepted"`
	Rejected       int64   `json:"rejected"`
	NeverResponded int64   `json:"never_responded"`
	Dropped        int64   `json:"dropped"`
	AcceptedPct    float64 `json:"accepted_pct"`
}

func (s *ShareStats) finish() {
	s.Total = s.Accepted + s.Rejected + s.NeverResponded + s.Dropped
	if s.Total > 0 {
		s.AcceptedPct = float64(s.Accepted) / float64(s.Total) * 100
	}
}
