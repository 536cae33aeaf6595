// Package main implements gominer, a multi-pool mining client. It keeps one
// prioritized pool switcher per algorithm, drives the configured compute
// devices and reports share outcomes to the optional messaging and storage
// sinks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/api"
	"github.com/bardlex/gominer/internal/compute/cpu"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"pools", len(cfg.Pools),
		"devices", len(cfg.Devices),
	)
	pool.Version = cfg.Version

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	apiErr := app.start(ctx)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-apiErr:
		logger.WithError(err).Error("status API failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("gominer stopped")
}

// runner is a started miner of any algorithm.
type runner interface {
	Start(ctx context.Context)
	Close()
	Devices() []stats.DeviceStatus
}

// buildMiner picks the compute backend for algo.
func buildMiner(algo work.Algorithm, provider pool.Provider, devices []miner.Device, cfg miner.Config, logger *log.Logger) (runner, error) {
	switch algo {
	case work.SHA256d:
		return miner.New[*work.SHA256dWork, *work.SHA256dResult](provider, cpu.SHA256d{}, devices, cfg, logger)
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "build_miner",
			fmt.Sprintf("no compute backend available for %s", algo))
	}
}

// closer is a sink with resources to release.
type closer interface {
	Close() error
}

type app struct {
	cfg    *config.Config
	logger *log.Logger

	reporter  *stats.Reporter
	collector *stats.Collector
	status    *stats.StatusPublisher
	api       *api.Server
	db        *database.Manager
	closers   []closer

	backends  []pool.Backend
	switchers []*pool.Switcher
	miners    []runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, collector: &stats.Collector{}}
	if err := a.build(); err != nil {
		a.closeSinks()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg, logger := a.cfg, a.logger

	sinks, statusSinks, err := a.buildSinks()
	if err != nil {
		return err
	}
	a.reporter = stats.NewReporter(logger, 1024, sinks...)
	a.status = stats.NewStatusPublisher(a.collector, cfg.StatusInterval, logger, statusSinks...)

	mcfg := miner.Config{
		SubTasks:      cfg.SubTasks,
		Stride:        cfg.NonceStride,
		SubmitWorkers: cfg.SubmitWorkers,
		SubmitQueue:   cfg.SubmitQueue,
	}
	for _, algo := range cfg.Algorithms() {
		sw := a.buildSwitcher(algo)
		if sw.Len() == 0 {
			return errors.New(errors.ErrorTypeConfig, "new_app",
				fmt.Sprintf("no usable %s pool", algo))
		}

		var devices []miner.Device
		for _, d := range cfg.DevicesFor(algo) {
			devices = append(devices, miner.Device{Index: d.Index, Name: d.Name})
		}
		m, err := buildMiner(algo, sw, devices, mcfg, logger)
		if err != nil {
			return err
		}

		a.switchers = append(a.switchers, sw)
		a.miners = append(a.miners, m)
		a.collector.AddPools(sw)
		a.collector.AddDevices(m)
	}

	if cfg.APIAddr != "" {
		if a.api, err = api.NewServer(a.collector, cfg.Version, logger); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) buildSinks() ([]stats.Sink, []stats.StatusSink, error) {
	var sinks []stats.Sink
	var statusSinks []stats.StatusSink
	cfg := a.cfg

	if len(cfg.KafkaBrokers) > 0 {
		k := messaging.NewKafkaPublisher(cfg.KafkaBrokers, a.logger)
		a.closers = append(a.closers, k)
		sinks = append(sinks, k)
		statusSinks = append(statusSinks, k)
	}

	if cfg.ZMQEventsEndpoint != "" {
		z, err := messaging.NewZMQPublisher(cfg.ZMQEventsEndpoint, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, z)
		sinks = append(sinks, z)
		statusSinks = append(statusSinks, z)
	}

	dbConfig := &database.Config{StatusTTL: 3 * cfg.StatusInterval}
	if cfg.PostgresDSN != "" {
		dbConfig.Postgres = postgres.DefaultConfig(cfg.PostgresDSN)
	}
	if cfg.RedisAddr != "" {
		dbConfig.Redis = redis.DefaultConfig(cfg.RedisAddr)
		dbConfig.Redis.Password = cfg.RedisPassword
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	db, err := database.NewManager(dbConfig, a.logger)
	if err != nil {
		return nil, nil, err
	}
	if db.Enabled() {
		a.db = db
		a.closers = append(a.closers, db)
		sinks = append(sinks, db)
		statusSinks = append(statusSinks, db)
	}

	for _, s := range sinks {
		a.logger.Info("event sink enabled", "sink", s.Name())
	}
	return sinks, statusSinks, nil
}

// buildSwitcher creates the algorithm's switcher with one backend per
// configured pool, in priority order.
func (a *app) buildSwitcher(algo work.Algorithm) *pool.Switcher {
	cfg := a.cfg
	sw := pool.NewSwitcher(algo, pool.SwitcherConfig{
		CheckInterval: cfg.PoolCheckInterval,
		DeadThreshold: cfg.PoolDeadThreshold,
		IdleBackoff:   time.Second,
	}, a.logger)
	sw.OnActiveChange(a.reporter.PoolSwitch)

	for _, pc := range cfg.PoolsFor(algo) {
		b, err := pool.MakePool(algo, pc.Protocol, pool.Args{
			Host:                pc.Host,
			Port:                pc.Port,
			Username:            pc.Username,
			Password:            pc.Password,
			SubmitRetries:       cfg.SubmitRetries,
			SubmitRetryInterval: cfg.SubmitRetryInterval,
			Logger:              a.logger,
			Reporter:            a.reporter,
		})
		if err != nil {
			a.logger.WithError(err).Warn("skipping pool", "pool", pc.Addr())
			continue
		}
		a.backends = append(a.backends, b)
		sw.Add(b)
	}
	return sw
}

// start launches every component. The returned channel reports a failure of
// the status API.
func (a *app) start(ctx context.Context) <-chan error {
	ctx, a.cancel = context.WithCancel(ctx)
	errc := make(chan error, 1)

	a.reporter.Start(ctx)
	if a.db != nil {
		a.db.StartPeriodicTasks(ctx, 10*time.Second)
	}
	for _, b := range a.backends {
		b.Start(ctx)
	}
	for _, sw := range a.switchers {
		sw.Start(ctx)
	}
	for _, m := range a.miners {
		m.Start(ctx)
	}
	a.status.Start(ctx)

	if a.api != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.ListenAndServe(ctx, a.cfg.APIAddr); err != nil {
				errc <- err
			}
		}()
	}
	return errc
}

// shutdown stops the components in reverse dependency order: miners first so
// no new results are produced, then the pools, then the sinks.
func (a *app) shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.cancel != nil {
			a.cancel()
		}
		for _, m := range a.miners {
			m.Close()
		}
		for _, sw := range a.switchers {
			sw.Close()
		}
		for _, b := range a.backends {
			b.Close()
		}
		a.wg.Wait()
		a.status.Close()
		a.reporter.Close()
		a.closeSinks()
	}()

	select {
	case <-done:
		a.logger.Info("shutdown complete", "dropped_events", a.reporter.Dropped())
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "shutdown",
			"components did not stop in time")
	}
}

func (a *app) closeSinks() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close sink")
		}
	}
	a.closers = nil
}
