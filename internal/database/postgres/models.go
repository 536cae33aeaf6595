package postgres

import (
	"time"

	"github.com/bardlex/gominer/internal/stats"
)

// Share is one row of the share journal
type Share struct {
	ID          int64     `db:"id"`
	Pool        string    `db:"pool"`
	PoolUID     int64     `db:"pool_uid"`
	Algorithm   string    `db:"algorithm"`
	JobID       string    `db:"job_id"`
	Difficulty  float64   `db:"difficulty"`
	Status      string    `db:"status"`
	Reason      string    `db:"reason"`
	LatencyMs   float64   `db:"latency_ms"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// PoolSwitch is one row of the pool switch history
type PoolSwitch struct {
	ID         int64     `db:"id"`
	Algorithm  string    `db:"algorithm"`
	FromIndex  int       `db:"from_index"`
	ToIndex    int       `db:"to_index"`
	FromPool   string    `db:"from_pool"`
	ToPool     string    `db:"to_pool"`
	SwitchedAt time.Time `db:"switched_at"`
}

// StatusCount is the number of shares with one status
type StatusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

// NewShare converts a share outcome into a journal row.
func NewShare(o stats.ShareOutcome) *Share {
	at := o.Time
	if at.IsZero() {
		at = time.Now()
	}
	return &Share{
		Pool:        o.Pool,
		PoolUID:     int64(o.PoolUID),
		Algorithm:   o.Algorithm,
		JobID:       o.JobID,
		Difficulty:  o.Difficulty,
		Status:      string(o.Status),
		Reason:      o.Reason,
		LatencyMs:   float64(o.Latency) / float64(time.Millisecond),
		SubmittedAt: at.UTC(),
	}
}

// NewPoolSwitch converts a pool switch into a history row.
func NewPoolSwitch(s stats.PoolSwitch) *PoolSwitch {
	at := s.Time
	if at.IsZero() {
		at = time.Now()
	}
	return &PoolSwitch{
		Algorithm:  s.Algorithm,
		FromIndex:  s.FromIndex,
		ToIndex:    s.ToIndex,
		FromPool:   s.FromPool,
		ToPool:     s.ToPool,
		SwitchedAt: at.UTC(),
	}
}
