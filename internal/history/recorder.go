// Package history keeps an audit trail of refresh cycles. Nothing in it is
// read back into the model cache.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome of a refresh cycle.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

// Cycle is one refresh attempt as stored in refresh_cycles.
type Cycle struct {
	ID                uuid.UUID      `json:"id"`
	Trigger           string         `json:"trigger"`
	Outcome           Outcome        `json:"outcome"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	Generation        uint64         `json:"generation"`
	Fetched           int            `json:"fetched"`
	Excluded          int            `json:"excluded"`
	Denied            int            `json:"denied"`
	Probed            int            `json:"probed"`
	FreeCount         int            `json:"free_count"`
	StealthCount      int            `json:"stealth_count"`
	UnhealthyByReason map[string]int `json:"unhealthy_by_reason,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// NewCycle starts a cycle record for the given trigger.
func NewCycle(trigger string, startedAt time.Time) Cycle {
	return Cycle{ID: uuid.New(), Trigger: trigger, StartedAt: startedAt}
}

func (c Cycle) Duration() time.Duration {
	if c.FinishedAt.IsZero() {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// Recorder persists refresh cycles.
type Recorder interface {
	RecordCycle(ctx context.Context, c Cycle) error
	Recent(ctx context.Context, limit int) ([]Cycle, error)
}

// Noop discards every cycle. Used when no database is configured.
type Noop struct{}

func (Noop) RecordCycle(context.Context, Cycle) error    { return nil }
func (Noop) Recent(context.Context, int) ([]Cycle, error) { return nil, nil }
