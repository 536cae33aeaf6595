// Package database coordinates the optional miner stores: the PostgreSQL
// share journal, the Redis live status and the InfluxDB time series.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Manager fans share outcomes, pool switches and status snapshots out to
// whichever stores are configured. It implements stats.Sink and
// stats.StatusSink.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Shares   *postgres.ShareRepository
	Switches *postgres.SwitchRepository

	logger         *log.Logger
	statusTTL      time.Duration
	hashrateWindow time.Duration
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var (
	_ stats.Sink       = (*Manager)(nil)
	_ stats.StatusSink = (*Manager)(nil)
)

// Config holds configuration for all stores. A nil entry disables that
// store.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// StatusTTL is how long the Redis snapshot outlives the last update.
	StatusTTL      time.Duration
	HashrateWindow time.Duration
}

// NewManager connects every configured store. On failure the stores opened
// so far are closed again.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger:         logger.WithComponent("database"),
		statusTTL:      cfg.StatusTTL,
		hashrateWindow: cfg.HashrateWindow,
		retryConfig:    retry.DatabaseConfig(),
	}
	if m.statusTTL <= 0 {
		m.statusTTL = time.Minute
	}
	if m.hashrateWindow <= 0 {
		m.hashrateWindow = 10 * time.Minute
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(from, to circuit.State) {
			m.logger.Warn("database circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	}
	m.circuitBreaker = circuit.New(cbConfig)

	if cfg.Postgres != nil {
		pg, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pg
		m.Shares = postgres.NewShareRepository(pg.DB())
		m.Switches = postgres.NewSwitchRepository(pg.DB())
	}

	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			m.closeOnError()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = rc
	}

	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx, func(err error) {
			m.logger.WithError(err).Warn("influx write failed")
		})
		if err != nil {
			m.closeOnError()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = ic
	}

	return m, nil
}

func (m *Manager) closeOnError() {
	if err := m.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close stores during error cleanup")
	}
}

// Enabled reports whether any store is configured.
func (m *Manager) Enabled() bool {
	return m.Postgres != nil || m.Redis != nil || m.Influx != nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Name implements stats.Sink.
func (m *Manager) Name() string { return "database" }

// RecordShare journals the share in PostgreSQL (the critical write, retried
// behind the circuit breaker) and updates the best effort stores.
func (m *Manager) RecordShare(ctx context.Context, o stats.ShareOutcome) error {
	if m.Influx != nil {
		m.Influx.WriteShare(o)
	}
	if m.Redis != nil {
		if _, err := m.Redis.IncrementShare(ctx, o.Pool, o.Status, 24*time.Hour); err != nil {
			m.logger.WithError(err).Warn("failed to update share counter in Redis")
		}
	}

	if m.Shares == nil {
		return nil
	}
	share := postgres.NewShare(o)
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("pool", o.Pool).
					WithContext("job_id", o.JobID).
					WithContext("status", string(o.Status))
			}
			return nil
		})
	})
}

// RecordPoolSwitch stores the switch in PostgreSQL and InfluxDB.
func (m *Manager) RecordPoolSwitch(ctx context.Context, s stats.PoolSwitch) error {
	if m.Influx != nil {
		m.Influx.WritePoolSwitch(s)
	}

	if m.Switches == nil {
		return nil
	}
	row := postgres.NewPoolSwitch(s)
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			if err := m.Switches.CreateSwitch(ctx, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "record_pool_switch",
					"failed to store pool switch in PostgreSQL").
					WithContext("algorithm", s.Algorithm).
					WithContext("to_pool", s.ToPool)
			}
			return nil
		})
	})
}

// PublishStatus refreshes the Redis snapshot and hashrate windows and
// writes the InfluxDB status points.
func (m *Manager) PublishStatus(ctx context.Context, s stats.StatusSnapshot) error {
	if m.Influx != nil {
		m.Influx.WriteStatus(s)
	}
	if m.Redis == nil {
		return nil
	}

	if err := m.Redis.SetStatus(ctx, s, m.statusTTL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "publish_status",
			"failed to store status in Redis")
	}
	at := s.Time
	if at.IsZero() {
		at = time.Now()
	}
	for _, d := range s.Devices {
		if err := m.Redis.AddHashrate(ctx, d, at, m.hashrateWindow); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "publish_status",
				"failed to store hashrate in Redis").
				WithContext("device", d.Index)
		}
	}
	return nil
}

// StartPeriodicTasks flushes InfluxDB writes every interval until ctx is
// done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, interval time.Duration) {
	if m.Influx == nil {
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
				m.Influx.Flush()
			}
		}
	}()
}
