package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/pricing"
	"github.com/flowmesh/orchestrator/telemetry"
)

// RequestFields carries the per-outcome fields Manager.RecordRequest adds
// to a scope's counters. Token and cost fields are only meaningful when
// Success is true; ErrorType is only meaningful when Success is false.
type RequestFields struct {
	Model         string
	Success       bool
	ErrorType     string
	InputTokens   int
	OutputTokens  int
	CachedTokens  int
	APIRespTime   float64
	Attempts      int
}

// RateLimiterEvent identifies the kind of event the rate limiter reports to
// the stats manager. See ratelimit.Event for the producing side.
type RateLimiterEvent string

const (
	// EventProactivePause marks a caller pausing for the gate to admit it.
	EventProactivePause RateLimiterEvent = "proactive_pause"

	// EventAPIRateLimitDetected marks a provider-reported rate-limit rejection.
	EventAPIRateLimitDetected RateLimiterEvent = "api_rate_limit_detected"

	// EventTokenUsageUpdate carries the current sliding-window TPM value.
	EventTokenUsageUpdate RateLimiterEvent = "token_usage_update"

	// EventConcurrencyUpdate carries the new dynamic concurrency value.
	EventConcurrencyUpdate RateLimiterEvent = "concurrency_update"
)

// Manager owns one global container and a batch_id -> container map, and
// serializes every mutation through a single lock, per spec §4.3.
type Manager struct {
	mu     sync.Mutex
	global *Container
	batch  map[string]*Container
	prices pricing.Table
	log    telemetry.Logger
}

// NewManager constructs a Manager with an open global container.
func NewManager(prices pricing.Table, log telemetry.Logger) *Manager {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Manager{
		global: NewContainer(time.Now()),
		batch:  make(map[string]*Container),
		prices: prices,
		log:    log,
	}
}

// StartBatch creates and registers a container for id. If id already has a
// container, it is overwritten and a warning is logged.
func (m *Manager) StartBatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batch[id]; exists {
		m.log.Warn(context.Background(), "batch id already exists, overwriting", "action", "start_batch", "batch_id", id)
	}
	m.batch[id] = NewContainer(time.Now())
}

// EndBatch closes the batch container for id, mirrors the close time onto
// the global container, and returns a snapshot of the closed container.
// Closing an already-closed (or unknown) batch is a no-op returning false.
func (m *Manager) EndBatch(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.batch[id]
	if !ok {
		return Snapshot{}, false
	}
	now := time.Now()
	if !c.Close(now) {
		return Snapshot{}, false
	}
	globalEnd := now
	m.global.EndTime = &globalEnd
	return snapshot(c, now), true
}

// RecordRequest applies one completed request's outcome to the global
// container and, when batchID is non-empty and known, to the batch
// container. Cost is computed from the pricing table using f.Model.
func (m *Manager) RecordRequest(batchID string, f RequestFields) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cost := m.prices.Cost(f.Model, f.InputTokens, f.OutputTokens, f.CachedTokens)
	apply := func(c *Container) {
		c.TotalRequests++
		if f.Success {
			c.SuccessfulRequests++
			c.InputTokens += f.InputTokens
			c.OutputTokens += f.OutputTokens
			c.CachedTokens += f.CachedTokens
			c.TotalTokens += f.InputTokens + f.OutputTokens
			c.TotalCost += cost
		} else {
			c.FailedRequests++
			errType := f.ErrorType
			if errType == "" {
				errType = "UnknownError"
			}
			c.ErrorTypeCounts[errType]++
		}
		if f.APIRespTime > 0 {
			c.APIResponseTimes = append(c.APIResponseTimes, f.APIRespTime)
		}
		retries := f.Attempts - 1
		if retries < 0 {
			retries = 0
		}
		c.RetryCount += retries
	}

	apply(m.global)
	if batchID != "" {
		if c, ok := m.batch[batchID]; ok {
			apply(c)
		}
	}
}

// RecordConcurrentStart increments the current-concurrency counter and
// updates the running peak for the global container and, when known, the
// batch container.
func (m *Manager) RecordConcurrentStart(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := func(c *Container) {
		c.CurrentConcurrentRequests++
		if c.CurrentConcurrentRequests > c.ConcurrentPeak {
			c.ConcurrentPeak = c.CurrentConcurrentRequests
		}
	}
	start(m.global)
	if batchID != "" {
		if c, ok := m.batch[batchID]; ok {
			start(c)
		}
	}
}

// RecordConcurrentEnd decrements the current-concurrency counter. It never
// drives the counter below zero.
func (m *Manager) RecordConcurrentEnd(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := func(c *Container) {
		if c.CurrentConcurrentRequests > 0 {
			c.CurrentConcurrentRequests--
		}
	}
	end(m.global)
	if batchID != "" {
		if c, ok := m.batch[batchID]; ok {
			end(c)
		}
	}
}

// RecordRateLimiterEvent maps a rate limiter event to the corresponding
// container field updates, per spec §4.3.
func (m *Manager) RecordRateLimiterEvent(event RateLimiterEvent, batchID string, waitTime float64, value int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventConcurrencyUpdate {
		m.log.Info(context.Background(), "concurrency updated",
			"action", "concurrency_update", "batch_id", batchID, "new_concurrency", value)
	}

	update := func(c *Container) {
		switch event {
		case EventProactivePause:
			c.ProactivePauses++
			c.ProactiveWaitTotal += waitTime
		case EventAPIRateLimitDetected:
			c.APIRateLimitsHit++
		case EventTokenUsageUpdate:
			if value > c.PeakTPM {
				c.PeakTPM = value
			}
		case EventConcurrencyUpdate:
			// No container field to update; the concurrency level is
			// logged above, not kept in stats counters.
		}
	}
	update(m.global)
	if batchID != "" {
		if c, ok := m.batch[batchID]; ok {
			update(c)
		}
	}
}

// RecordDroppedTelemetry increments the count of telemetry events dropped
// because the limiter's event channel was full.
func (m *Manager) RecordDroppedTelemetry(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.DroppedTelemetry++
	if batchID != "" {
		if c, ok := m.batch[batchID]; ok {
			c.DroppedTelemetry++
		}
	}
}

// GetGlobalStats returns a read-only snapshot of the global container.
func (m *Manager) GetGlobalStats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.global, time.Now())
}

// GetBatchStats returns a read-only snapshot of the batch container for
// id, or false if id is unknown.
func (m *Manager) GetBatchStats(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.batch[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(c, time.Now()), true
}

// GetSummary renders a multi-line human-readable report for the global
// container (batchID == "") or for a specific batch. An unknown batch id
// returns a visible error string instead of an error value, per spec
// §4.3.
func (m *Manager) GetSummary(batchID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c *Container
	label := "global"
	if batchID == "" {
		c = m.global
	} else {
		var ok bool
		c, ok = m.batch[batchID]
		if !ok {
			return fmt.Sprintf("no stats available for batch %q", batchID)
		}
		label = "batch " + batchID
	}

	now := time.Now()
	s := snapshot(c, now)

	var b strings.Builder
	fmt.Fprintf(&b, "stats summary (%s)\n", label)
	fmt.Fprintf(&b, "  window:          %s -> %s\n", formatUTCMinus3(s.StartTime), endLabel(s.EndTime))
	fmt.Fprintf(&b, "  requests:        %d total, %d ok, %d failed\n", s.TotalRequests, s.SuccessfulRequests, s.FailedRequests)
	fmt.Fprintf(&b, "  tokens:          %d in, %d out, %d cached, %d total\n", s.InputTokens, s.OutputTokens, s.CachedTokens, s.TotalTokens)
	fmt.Fprintf(&b, "  cost:            $%.4f\n", s.TotalCost)
	fmt.Fprintf(&b, "  retries:         %d\n", s.RetryCount)
	fmt.Fprintf(&b, "  concurrency:     peak %d, current %d\n", s.ConcurrentPeak, s.CurrentConcurrentRequests)
	fmt.Fprintf(&b, "  peak tpm:        %d\n", s.PeakTPM)
	fmt.Fprintf(&b, "  response time:   min %.3fs mean %.3fs max %.3fs\n", s.MinResponseSeconds, s.MeanResponseSeconds, s.MaxResponseSeconds)
	fmt.Fprintf(&b, "  processing time: %.3fs (total api time %.3fs)\n", s.ProcessingSeconds, s.TotalAPISeconds)
	fmt.Fprintf(&b, "  parallel gain:   %.3fs (%.1f%%)\n", s.GainSeconds, s.GainPercent)
	fmt.Fprintf(&b, "  throughput:      %.2f req/s\n", s.RequestsPerSecond)
	fmt.Fprintf(&b, "  rate limiter:    %d proactive pauses (%.2fs total wait), %d provider rejections, %d dropped events\n",
		s.ProactivePauses, s.ProactiveWaitTotal, s.APIRateLimitsHit, s.DroppedTelemetry)

	if len(s.ErrorTypeCounts) > 0 {
		types := make([]string, 0, len(s.ErrorTypeCounts))
		for k := range s.ErrorTypeCounts {
			types = append(types, k)
		}
		sort.Strings(types)
		b.WriteString("  errors:\n")
		for _, t := range types {
			fmt.Fprintf(&b, "    %-20s %d\n", t, s.ErrorTypeCounts[t])
		}
	}

	return b.String()
}

func endLabel(end *time.Time) string {
	if end == nil {
		return "(open)"
	}
	return formatUTCMinus3(*end)
}

// formatUTCMinus3 renders t in the fixed UTC-3 offset used by summary
// reports, per spec §6.5.
func formatUTCMinus3(t time.Time) string {
	loc := time.FixedZone("UTC-3", -3*60*60)
	return t.In(loc).Format("2006-01-02 15:04:05")
}
