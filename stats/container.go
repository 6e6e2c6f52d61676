// Package stats implements the statistics aggregator: a per-scope
// (global or per-batch) counter/latency/cost container and a single-mutex
// manager that owns one global container plus a map of batch containers.
package stats

import "time"

// Container is a value aggregate for one scope (global or batch). All
// mutation happens through Manager's single lock; Container itself holds
// no lock of its own.
type Container struct {
	StartTime time.Time
	EndTime   *time.Time

	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	ErrorTypeCounts    map[string]int

	InputTokens  int
	OutputTokens int
	CachedTokens int
	TotalTokens  int
	TotalCost    float64
	RetryCount   int

	APIResponseTimes []float64

	CurrentConcurrentRequests int
	ConcurrentPeak            int

	PeakTPM int

	ProactivePauses     int
	ProactiveWaitTotal  float64
	APIRateLimitsHit    int
	DroppedTelemetry    int
}

// NewContainer returns a freshly opened container starting now.
func NewContainer(now time.Time) *Container {
	return &Container{
		StartTime:       now,
		ErrorTypeCounts: make(map[string]int),
	}
}

// Close sets EndTime if it has not already been set. Returns false if the
// container was already closed (idempotent no-op per spec §8).
func (c *Container) Close(now time.Time) bool {
	if c.EndTime != nil {
		return false
	}
	c.EndTime = &now
	return true
}

// ProcessingTime is end_time (or now, if still open) minus start_time.
func (c *Container) ProcessingTime(now time.Time) time.Duration {
	end := now
	if c.EndTime != nil {
		end = *c.EndTime
	}
	return end.Sub(c.StartTime)
}

// TotalAPITime sums every recorded api_response_time.
func (c *Container) TotalAPITime() float64 {
	var sum float64
	for _, v := range c.APIResponseTimes {
		sum += v
	}
	return sum
}

// ParallelizationGainSeconds is total API time minus wall-clock processing
// time. It may be negative for small batches; that is reported as-is.
func (c *Container) ParallelizationGainSeconds(now time.Time) float64 {
	return c.TotalAPITime() - c.ProcessingTime(now).Seconds()
}

// ParallelizationGainPercent is 100*gain/total_api_time, or 0 when there is
// no API time recorded.
func (c *Container) ParallelizationGainPercent(now time.Time) float64 {
	total := c.TotalAPITime()
	if total <= 0 {
		return 0
	}
	return 100 * c.ParallelizationGainSeconds(now) / total
}

// RequestsPerSecond is total_requests/processing_time, or 0 when processing
// time is non-positive.
func (c *Container) RequestsPerSecond(now time.Time) float64 {
	secs := c.ProcessingTime(now).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(c.TotalRequests) / secs
}

// ResponseTimeStats returns the min, mean, and max of recorded API response
// times. All three are zero when no response times have been recorded.
func (c *Container) ResponseTimeStats() (minV, mean, maxV float64) {
	if len(c.APIResponseTimes) == 0 {
		return 0, 0, 0
	}
	minV, maxV = c.APIResponseTimes[0], c.APIResponseTimes[0]
	var sum float64
	for _, v := range c.APIResponseTimes {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, sum / float64(len(c.APIResponseTimes)), maxV
}

// Snapshot is a read-only copy of a Container returned to callers, so they
// never hold a pointer into manager-owned, lock-protected state.
type Snapshot struct {
	Container
	ProcessingSeconds    float64
	TotalAPISeconds      float64
	GainSeconds          float64
	GainPercent          float64
	RequestsPerSecond    float64
	MinResponseSeconds   float64
	MeanResponseSeconds  float64
	MaxResponseSeconds   float64
}

// snapshot builds a Snapshot from a container as of now. The caller must
// hold the owning Manager's lock.
func snapshot(c *Container, now time.Time) Snapshot {
	minV, mean, maxV := c.ResponseTimeStats()
	errCounts := make(map[string]int, len(c.ErrorTypeCounts))
	for k, v := range c.ErrorTypeCounts {
		errCounts[k] = v
	}
	respTimes := make([]float64, len(c.APIResponseTimes))
	copy(respTimes, c.APIResponseTimes)

	cp := *c
	cp.ErrorTypeCounts = errCounts
	cp.APIResponseTimes = respTimes

	return Snapshot{
		Container:           cp,
		ProcessingSeconds:   c.ProcessingTime(now).Seconds(),
		TotalAPISeconds:     c.TotalAPITime(),
		GainSeconds:         c.ParallelizationGainSeconds(now),
		GainPercent:         c.ParallelizationGainPercent(now),
		RequestsPerSecond:   c.RequestsPerSecond(now),
		MinResponseSeconds:  minV,
		MeanResponseSeconds: mean,
		MaxResponseSeconds:  maxV,
	}
}
