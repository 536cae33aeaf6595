// Package redis keeps the live miner status in Redis: the latest status
// snapshot, per pool share counters and a short per device hashrate window.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gominer/internal/stats"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a configuration for addr with stock pool settings.
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:         addr,
		KeyPrefix:    "gominer",
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gominer"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key layout

// StatusKey is where the latest snapshot lives.
func StatusKey(prefix string) string {
	return prefix + ":status"
}

// SharesKey is the hash of share counters for one pool, keyed by status.
func SharesKey(prefix, pool string) string {
	return fmt.Sprintf("%s:shares:%s", prefix, pool)
}

// HashrateKey is the sorted set of hashrate samples for one device.
func HashrateKey(prefix, algorithm string, device int) string {
	return fmt.Sprintf("%s:hashrate:%s:%d", prefix, algorithm, device)
}

// hashrateMember encodes a sample so equal rates at different times stay
// distinct members.
func hashrateMember(at time.Time, hashrate float64) string {
	return strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatFloat(hashrate, 'f', -1, 64)
}

func parseHashrateMember(member string) (float64, bool) {
	_, rate, ok := strings.Cut(member, ":")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(rate, 64)
	return v, err == nil
}

// Status

// SetStatus stores the snapshot as JSON. It expires after ttl so a dead
// miner stops showing up as live.
func (c *Client) SetStatus(ctx context.Context, s stats.StatusSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.rdb.Set(ctx, StatusKey(c.prefix), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// GetStatus retrieves the latest snapshot. ok is false when none is stored.
func (c *Client) GetStatus(ctx context.Context) (s stats.StatusSnapshot, ok bool, err error) {
	data, err := c.rdb.Get(ctx, StatusKey(c.prefix)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return s, false, nil
		}
		return s, false, fmt.Errorf("failed to get status: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return s, true, nil
}

// Share counters

// IncrementShare bumps the pool's counter for status and refreshes the
// hash expiration.
func (c *Client) IncrementShare(ctx context.Context, pool string, status stats.ShareStatus, expiration time.Duration) (int64, error) {
	key := SharesKey(c.prefix, pool)
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.HIncrBy(ctx, key, string(status), 1)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment share counter: %w", err)
	}
	return incrCmd.Val(), nil
}

// GetShareCounters returns the counters of one pool by status.
func (c *Client) GetShareCounters(ctx context.Context, pool string) (map[stats.ShareStatus]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, SharesKey(c.prefix, pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get share counters: %w", err)
	}
	out := make(map[stats.ShareStatus]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[stats.ShareStatus(k)] = n
	}
	return out, nil
}

// Hashrate

// AddHashrate stores a device hashrate sample and trims samples older than
// window.
func (c *Client) AddHashrate(ctx context.Context, d stats.DeviceStatus, at time.Time, window time.Duration) error {
	key := HashrateKey(c.prefix, d.Algorithm, d.Index)
	member := redis.Z{
		Score:  float64(at.Unix()),
		Member: hashrateMember(at, d.Records.Hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(at.Add(-window).Unix(), 10))
	pipe.Expire(ctx, key, window*2) // Keep data a bit longer than window

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate: %w", err)
	}
	return nil
}

// GetAverageHashrate averages a device's samples over window.
func (c *Client) GetAverageHashrate(ctx context.Context, algorithm string, device int, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, HashrateKey(c.prefix, algorithm, device), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageHashrate(values), nil
}

func averageHashrate(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		if v, ok := parseHashrateMember(m); ok {
			total += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
