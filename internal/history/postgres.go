package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxRecent = 500

// PGRecorder writes cycles to the refresh_cycles table.
type PGRecorder struct {
	db *pgxpool.Pool
}

func NewPGRecorder(db *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{db: db}
}

func (r *PGRecorder) RecordCycle(ctx context.Context, c Cycle) error {
	reasons, err := json.Marshal(c.UnhealthyByReason)
	if err != nil {
		return fmt.Errorf("marshal unhealthy_by_reason: %w", err)
	}
	var errText *string
	if c.Error != "" {
		errText = &c.Error
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO refresh_cycles (
			id, trigger, outcome, started_at, finished_at, generation,
			fetched, excluded, denied, probed, free_count, stealth_count,
			unhealthy_by_reason, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		c.ID, c.Trigger, string(c.Outcome), c.StartedAt, c.FinishedAt, int64(c.Generation),
		c.Fetched, c.Excluded, c.Denied, c.Probed, c.FreeCount, c.StealthCount,
		reasons, errText,
	)
	if err != nil {
		return fmt.Errorf("insert refresh cycle: %w", err)
	}
	return nil
}

// Recent returns the latest cycles, newest first.
func (r *PGRecorder) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, trigger, outcome, started_at, finished_at, generation,
		       fetched, excluded, denied, probed, free_count, stealth_count,
		       unhealthy_by_reason, error
		FROM refresh_cycles
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c          Cycle
			outcome    string
			generation int64
			reasons    []byte
			errText    *string
		)
		if err := rows.Scan(
			&c.ID, &c.Trigger, &outcome, &c.StartedAt, &c.FinishedAt, &generation,
			&c.Fetched, &c.Excluded, &c.Denied, &c.Probed, &c.FreeCount, &c.StealthCount,
			&reasons, &errText,
		); err != nil {
			return nil, fmt.Errorf("scan refresh cycle: %w", err)
		}
		c.Outcome = Outcome(outcome)
		c.Generation = uint64(generation)
		if len(reasons) > 0 {
			if err := json.Unmarshal(reasons, &c.UnhealthyByReason); err != nil {
				return nil, fmt.Errorf("parse unhealthy_by_reason: %w", err)
			}
		}
		if errText != nil {
			c.Error = *errText
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}
