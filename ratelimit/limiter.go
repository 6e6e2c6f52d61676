// Package ratelimit implements the sliding-window TPM accountant and
// variable-capacity concurrency gate described in SPEC_FULL.md §4.1,
// generalizing the AIMD adaptive tokens-per-minute approach of
// features/model/middleware/ratelimit.go in the teacher repo from a
// token-bucket (golang.org/x/time/rate) primitive to a custom gate, since
// the spec requires an explicit (timestamp, tokens) window rather than a
// bucket's implicit decay.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	windowDuration    = 60 * time.Second
	maxRecentCosts    = 50
	defaultAvgCost    = 1500
	minConcurrency    = 2
	maxConcurrency    = 100
	tuneEveryRequests = 20
	tuneCooldown      = 5 * time.Second
)

// Event is one telemetry notification the limiter emits to its observer.
// The callback is one-way and must never block the limiter, per spec §4.1.
type Event struct {
	Kind     EventKind
	WaitTime float64
	TPM      int
	Capacity int
}

// EventKind identifies the kind of Event.
type EventKind int

const (
	// EventProactivePause fires when a caller blocked in
	// AwaitPermissionToProceed before being admitted.
	EventProactivePause EventKind = iota
	// EventAPIRateLimitDetected fires when RecordAPIRateLimit is called.
	EventAPIRateLimitDetected
	// EventTokenUsageUpdate fires whenever the sliding window is updated,
	// carrying the current tokens-in-window value.
	EventTokenUsageUpdate
	// EventConcurrencyUpdate fires on every re-tune (heartbeat or pushback),
	// carrying the applied capacity even when it is unchanged.
	EventConcurrencyUpdate
)

// Observer receives limiter events. Implementations must not block; the
// limiter delivers events via a bounded, dropping channel so a slow or
// wedged observer can never stall request processing (the "fire-and-forget
// telemetry" design note in SPEC_FULL.md §4.1).
type Observer interface {
	OnRateLimiterEvent(Event)
	OnDroppedEvent()
}

type windowEntry struct {
	at     time.Time
	tokens int
}

// Limiter is the AdaptiveRateLimiter of SPEC_FULL.md §4.1: a sliding-window
// TPM accountant coupled to a variable-capacity gate that re-tunes itself
// from observed request cost and provider pushback.
type Limiter struct {
	maxTPM int

	mu               sync.Mutex
	window           *list.List // of windowEntry, ascending by time
	tokensInWindow   int
	recentCosts        []int
	recentCostsHead    int
	dynamicConcurrency int
	reqsSinceAdjust    int
	isAdjusting        bool
	lastAdjustTime     time.Time

	gate *gate

	events   chan Event
	observer Observer
	wg       sync.WaitGroup
	closed   chan struct{}
}

// Config configures a new Limiter.
type Config struct {
	// MaxTPM is the immutable tokens-per-minute budget. Must be positive.
	MaxTPM int
	// InitialConcurrency seeds dynamic_concurrency; defaults to 10 when
	// zero, clamped to [minConcurrency, maxConcurrency].
	InitialConcurrency int
	// Observer receives limiter events. May be nil.
	Observer Observer
}

// ErrInvalidMaxTPM is returned by New when MaxTPM is non-positive.
type ErrInvalidMaxTPM struct{ MaxTPM int }

func (e ErrInvalidMaxTPM) Error() string {
	return "ratelimit: max_tpm must be positive"
}

// New constructs a Limiter. Construction fails when cfg.MaxTPM <= 0, per
// spec §4.1 "Misuse (non-positive max_tpm) is rejected at construction."
func New(cfg Config) (*Limiter, error) {
	if cfg.MaxTPM <= 0 {
		return nil, ErrInvalidMaxTPM{MaxTPM: cfg.MaxTPM}
	}
	initial := cfg.InitialConcurrency
	if initial <= 0 {
		initial = 10
	}
	initial = clamp(initial, minConcurrency, maxConcurrency)

	l := &Limiter{
		maxTPM:             cfg.MaxTPM,
		window:             list.New(),
		recentCosts:        make([]int, 0, maxRecentCosts),
		dynamicConcurrency: initial,
		lastAdjustTime:     time.Now(),
		gate:               newGate(initial, maxConcurrency),
		events:             make(chan Event, 256),
		observer:           cfg.Observer,
		closed:             make(chan struct{}),
	}
	if l.observer != nil {
		l.wg.Add(1)
		go l.dispatchEvents()
	}
	return l, nil
}

// Close stops the event dispatcher goroutine. Safe to call once.
func (l *Limiter) Close() {
	close(l.closed)
	l.wg.Wait()
}

func (l *Limiter) dispatchEvents() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.events:
			l.observer.OnRateLimiterEvent(ev)
		case <-l.closed:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-l.events:
					l.observer.OnRateLimiterEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// emit delivers ev to the observer without blocking the caller. A full
// queue drops the event and reports it via OnDroppedEvent, rather than
// applying backpressure to the limiter.
func (l *Limiter) emit(ev Event) {
	if l.observer == nil {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.observer.OnDroppedEvent()
	}
}

// AwaitPermissionToProceed blocks until a concurrency slot is available,
// pruning the sliding window once admitted. It does not gate on predicted
// TPM; pacing comes from the gate's capacity, itself derived from observed
// TPM via the capacity controller.
func (l *Limiter) AwaitPermissionToProceed(ctx context.Context) error {
	start := time.Now()
	if err := l.gate.acquire(ctx); err != nil {
		return err
	}
	waited := time.Since(start)

	l.mu.Lock()
	l.pruneWindow(time.Now())
	l.mu.Unlock()

	if waited > 0 {
		l.emit(Event{Kind: EventProactivePause, WaitTime: waited.Seconds()})
	}
	return nil
}

// RecordRequestCompletion releases the caller's slot immediately, then
// updates window and cost statistics and may trigger a concurrency
// re-tune. Non-suspending from the caller's perspective.
func (l *Limiter) RecordRequestCompletion(tokensUsed int, success bool) {
	l.gate.release()

	if success && tokensUsed > 0 {
		l.mu.Lock()
		now := time.Now()
		l.window.PushBack(windowEntry{at: now, tokens: tokensUsed})
		l.tokensInWindow += tokensUsed
		l.pruneWindow(now)
		l.pushRecentCost(tokensUsed)
		inWindow := l.tokensInWindow
		l.reqsSinceAdjust++
		shouldTune := l.reqsSinceAdjust >= tuneEveryRequests &&
			now.Sub(l.lastAdjustTime) >= tuneCooldown &&
			!l.isAdjusting
		if shouldTune {
			l.isAdjusting = true
		}
		l.mu.Unlock()

		l.emit(Event{Kind: EventTokenUsageUpdate, TPM: inWindow})

		if shouldTune {
			l.tuneToIdeal(now)
		}
	}
}

// RecordAPIRateLimit schedules an emergency capacity halving (subject to
// the floor) and logs the provider-mandated wait via an emitted event.
// This path ignores the normal cooldown.
func (l *Limiter) RecordAPIRateLimit(waitTime float64) {
	l.mu.Lock()
	current := l.dynamicConcurrency
	newCap := current / 2
	if newCap < minConcurrency {
		newCap = minConcurrency
	}
	l.dynamicConcurrency = newCap
	l.reqsSinceAdjust = 0
	l.lastAdjustTime = time.Now()
	l.mu.Unlock()

	l.gate.setCapacity(newCap)

	l.emit(Event{Kind: EventAPIRateLimitDetected, WaitTime: waitTime})
	l.emit(Event{Kind: EventConcurrencyUpdate, Capacity: newCap})
}

// tuneToIdeal computes and unconditionally applies the heartbeat target
// capacity, per spec §4.1 "applies the computed target unconditionally
// once the interval elapses".
func (l *Limiter) tuneToIdeal(now time.Time) {
	l.mu.Lock()
	avgCost := l.avgRequestCostLocked()
	ideal := int(float64(l.maxTPM) * 0.9 / avgCost)
	ideal = clamp(ideal, minConcurrency, maxConcurrency)
	l.dynamicConcurrency = ideal
	l.reqsSinceAdjust = 0
	l.lastAdjustTime = now
	l.isAdjusting = false
	l.mu.Unlock()

	l.gate.setCapacity(ideal)
	l.emit(Event{Kind: EventConcurrencyUpdate, Capacity: ideal})
}

// pruneWindow drops entries older than windowDuration and maintains the
// tokensInWindow invariant. Caller must hold l.mu.
func (l *Limiter) pruneWindow(now time.Time) {
	cutoff := now.Add(-windowDuration)
	for e := l.window.Front(); e != nil; {
		entry := e.Value.(windowEntry)
		if !entry.at.Before(cutoff) {
			break
		}
		next := e.Next()
		l.tokensInWindow -= entry.tokens
		l.window.Remove(e)
		e = next
	}
}

// pushRecentCost appends cost to the bounded ring of the last
// maxRecentCosts observed token costs. Caller must hold l.mu.
func (l *Limiter) pushRecentCost(cost int) {
	if len(l.recentCosts) < maxRecentCosts {
		l.recentCosts = append(l.recentCosts, cost)
		return
	}
	l.recentCosts[l.recentCostsHead] = cost
	l.recentCostsHead = (l.recentCostsHead + 1) % maxRecentCosts
}

// avgRequestCostLocked returns the arithmetic mean of recentCosts, or
// defaultAvgCost when empty. Caller must hold l.mu.
func (l *Limiter) avgRequestCostLocked() float64 {
	if len(l.recentCosts) == 0 {
		return defaultAvgCost
	}
	sum := 0
	for _, c := range l.recentCosts {
		sum += c
	}
	return float64(sum) / float64(len(l.recentCosts))
}

// TokensInWindow returns the current sliding-window token sum, pruning
// stale entries first. Exposed for tests validating invariant 5.
func (l *Limiter) TokensInWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneWindow(time.Now())
	return l.tokensInWindow
}

// DynamicConcurrency returns the current target concurrency level.
func (l *Limiter) DynamicConcurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dynamicConcurrency
}

// GateSnapshot returns the underlying gate's capacity, in-use count, and
// generation, for tests validating invariant 4.
func (l *Limiter) GateSnapshot() (capacity, inUse, generation int) {
	return l.gate.snapshot()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
