// Package progress implements the per-batch progress milestone logger of
// SPEC_FULL.md §4.4, grounded on the counter/mutex discipline used
// throughout the teacher's stats and rate-limiter state.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/telemetry"
)

// Tracker logs a "percent complete" milestone line, once per 10% boundary,
// as items complete.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	startTime time.Time
	logged    map[int]bool
	batchID   string
	log       telemetry.Logger
}

// New constructs a Tracker for a batch of total items. total may be zero,
// in which case IncrementAndLog never logs (there is nothing to track).
func New(batchID string, total int, log telemetry.Logger) *Tracker {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Tracker{
		total:     total,
		startTime: time.Now(),
		logged:    make(map[int]bool),
		batchID:   batchID,
		log:       log,
	}
}

// IncrementAndLog increments the completed count and, if this completion
// crosses a new 10% milestone, logs a line with the observed rate and ETA.
// Each milestone (10, 20, ..., 100) is logged at most once.
func (t *Tracker) IncrementAndLog(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.total <= 0 {
		t.completed++
		return
	}

	t.completed++
	pct := (t.completed * 100) / t.total
	milestone := (pct / 10) * 10
	if milestone < 10 || t.logged[milestone] {
		return
	}
	t.logged[milestone] = true

	elapsed := time.Since(t.startTime)
	rate := float64(t.completed) / elapsed.Seconds()
	var etaSeconds float64
	if rate > 0 {
		remaining := t.total - t.completed
		etaSeconds = float64(remaining) / rate
	}

	t.log.Info(ctx, "batch progress",
		"action", "progress_milestone",
		"batch_id", t.batchID,
		"completed", t.completed,
		"total", t.total,
		"percent", milestone,
		"rate_per_sec", rate,
		"eta_seconds", etaSeconds,
	)
}

// Completed returns the current completed count.
func (t *Tracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}
