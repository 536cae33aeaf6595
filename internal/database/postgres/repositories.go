package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share journal operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share and sets its ID
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (pool, pool_uid, algorithm, job_id, difficulty, status, reason, latency_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.Pool, share.PoolUID, share.Algorithm, share.JobID, share.Difficulty,
		share.Status, share.Reason, share.LatencyMs, share.SubmittedAt,
	).Scan(&share.ID)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetSharesByPool retrieves the newest shares of a pool with pagination
func (r *ShareRepository) GetSharesByPool(ctx context.Context, pool string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, pool, pool_uid, algorithm, job_id, difficulty, status, reason, latency_ms, submitted_at
		FROM shares
		WHERE pool = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, pool, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.Pool, &share.PoolUID, &share.Algorithm, &share.JobID,
			&share.Difficulty, &share.Status, &share.Reason, &share.LatencyMs, &share.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}
	return shares, nil
}

// CountByStatus counts a pool's shares per status since the given time
func (r *ShareRepository) CountByStatus(ctx context.Context, pool string, since time.Time) ([]StatusCount, error) {
	query := `
		SELECT status, COUNT(*)
		FROM shares
		WHERE pool = $1 AND submitted_at >= $2
		GROUP BY status
		ORDER BY status`

	rows, err := r.db.QueryContext(ctx, query, pool, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share counts: %w", err)
	}
	return counts, nil
}

// SwitchRepository handles pool switch history operations
type SwitchRepository struct {
	db *sql.DB
}

// NewSwitchRepository creates a new switch repository
func NewSwitchRepository(db *sql.DB) *SwitchRepository {
	return &SwitchRepository{db: db}
}

// CreateSwitch inserts a pool switch and sets its ID
func (r *SwitchRepository) CreateSwitch(ctx context.Context, s *PoolSwitch) error {
	query := `
		INSERT INTO pool_switches (algorithm, from_index, to_index, from_pool, to_pool, switched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		s.Algorithm, s.FromIndex, s.ToIndex, s.FromPool, s.ToPool, s.SwitchedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create pool switch: %w", err)
	}
	return nil
}

// GetRecentSwitches retrieves the newest pool switches of an algorithm
func (r *SwitchRepository) GetRecentSwitches(ctx context.Context, algorithm string, limit int) ([]*PoolSwitch, error) {
	query := `
		SELECT id, algorithm, from_index, to_index, from_pool, to_pool, switched_at
		FROM pool_switches
		WHERE algorithm = $1
		ORDER BY switched_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, algorithm, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool switches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PoolSwitch
	for rows.Next() {
		s := &PoolSwitch{}
		if err := rows.Scan(&s.ID, &s.Algorithm, &s.FromIndex, &s.ToIndex, &s.FromPool, &s.ToPool, &s.SwitchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool switch: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool switches: %w", err)
	}
	return out, nil
}
