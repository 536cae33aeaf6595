package database

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

func TestNewManager_NoStores(t *testing.T) {
	m, err := NewManager(&Config{}, log.Nop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.Enabled() {
		t.Error("Enabled() = true with no stores configured")
	}
	if m.statusTTL != time.Minute || m.hashrateWindow != 10*time.Minute {
		t.Errorf("defaults = %v, %v", m.statusTTL, m.hashrateWindow)
	}

	ctx := context.Background()
	if err := m.RecordShare(ctx, stats.ShareOutcome{Status: stats.ShareAccepted}); err != nil {
		t.Errorf("RecordShare() error = %v", err)
	}
	if err := m.RecordPoolSwitch(ctx, stats.PoolSwitch{}); err != nil {
		t.Errorf("RecordPoolSwitch() error = %v", err)
	}
	if err := m.PublishStatus(ctx, stats.StatusSnapshot{}); err != nil {
		t.Errorf("PublishStatus() error = %v", err)
	}
	if err := m.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	m.StartPeriodicTasks(ctx, time.Millisecond)
}

func TestNewManager_StatusTTL(t *testing.T) {
	m, err := NewManager(&Config{StatusTTL: 5 * time.Second}, log.Nop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if m.statusTTL != 5*time.Second {
		t.Errorf("statusTTL = %v, want 5s", m.statusTTL)
	}
	if m.Name() != "database" {
		t.Errorf("Name() = %q, want database", m.Name())
	}
}

func TestNewManager_UnreachableRedis(t *testing.T) {
	cfg := redis.DefaultConfig("127.0.0.1:1")
	cfg.MaxRetries = -1
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := NewManager(&Config{Redis: cfg}, log.Nop())
	if err == nil {
		t.Fatal("NewManager() error = nil for an unreachable Redis")
	}
	if !errors.IsType(err, errors.ErrorTypeStorage) {
		t.Errorf("NewManager() error type = %v, want storage", err)
	}
}
