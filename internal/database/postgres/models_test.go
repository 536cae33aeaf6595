package postgres

import (
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/stats"
)

func TestNewShare(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	s := NewShare(stats.ShareOutcome{
		Time: at, Pool: "a:1", PoolUID: 7, Algorithm: "ethash", JobID: "0x1",
		Difficulty: 2, Status: stats.ShareRejected, Reason: "stale",
		Latency: 250 * time.Millisecond,
	})

	if s.Pool != "a:1" || s.PoolUID != 7 || s.Status != "rejected" || s.Reason != "stale" {
		t.Errorf("NewShare() = %+v", s)
	}
	if s.LatencyMs != 250 {
		t.Errorf("LatencyMs = %v, want 250", s.LatencyMs)
	}
	if !s.SubmittedAt.Equal(at) || s.SubmittedAt.Location() != time.UTC {
		t.Errorf("SubmittedAt = %v, want %v in UTC", s.SubmittedAt, at)
	}
}

func TestNewShare_ZeroTime(t *testing.T) {
	before := time.Now()
	s := NewShare(stats.ShareOutcome{Status: stats.ShareDropped})
	if s.SubmittedAt.Before(before.Add(-time.Second)) {
		t.Errorf("SubmittedAt = %v, want about now", s.SubmittedAt)
	}
}

func TestNewPoolSwitch(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewPoolSwitch(stats.PoolSwitch{
		Time: at, Algorithm: "sha256d", FromIndex: 1, ToIndex: 0, FromPool: "b:1", ToPool: "a:1",
	})
	want := PoolSwitch{
		Algorithm: "sha256d", FromIndex: 1, ToIndex: 0, FromPool: "b:1", ToPool: "a:1", SwitchedAt: at,
	}
	if *s != want {
		t.Errorf("NewPoolSwitch() = %+v, want %+v", *s, want)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/gominer")
	if cfg.DSN == "" || cfg.MaxOpenConns <= 0 || cfg.MaxLifetime <= 0 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
