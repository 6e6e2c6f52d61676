package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      chan struct{}
	events  []Event
	dropped int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{mu: make(chan struct{}, 1)}
}

func (o *recordingObserver) OnRateLimiterEvent(ev Event) {
	o.events = append(o.events, ev)
}

func (o *recordingObserver) OnDroppedEvent() {
	o.dropped++
}

func TestNewRejectsNonPositiveMaxTPM(t *testing.T) {
	_, err := New(Config{MaxTPM: 0})
	require.Error(t, err)

	_, err = New(Config{MaxTPM: -5})
	require.Error(t, err)
}

func TestAwaitPermissionToProceedAdmitsUnderCapacity(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 3})
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.AwaitPermissionToProceed(ctx))
	require.NoError(t, l.AwaitPermissionToProceed(ctx))
	require.NoError(t, l.AwaitPermissionToProceed(ctx))

	_, inUse, _ := l.GateSnapshot()
	require.Equal(t, 3, inUse)
}

func TestAwaitPermissionToProceedBlocksUntilRelease(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 1})
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.AwaitPermissionToProceed(ctx))

	admitted := make(chan struct{})
	go func() {
		require.NoError(t, l.AwaitPermissionToProceed(ctx))
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second caller admitted before slot released")
	case <-time.After(50 * time.Millisecond):
	}

	l.RecordRequestCompletion(100, true)

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second caller never admitted after release")
	}
}

func TestAwaitPermissionToProceedRespectsContextCancellation(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 1})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.AwaitPermissionToProceed(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.AwaitPermissionToProceed(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecordRequestCompletionUpdatesSlidingWindow(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10})
	require.NoError(t, err)
	defer l.Close()

	l.RecordRequestCompletion(1000, true)
	l.RecordRequestCompletion(2000, true)
	require.Equal(t, 3000, l.TokensInWindow())
}

func TestRecordRequestCompletionIgnoresFailedZeroTokens(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10})
	require.NoError(t, err)
	defer l.Close()

	l.RecordRequestCompletion(0, false)
	require.Equal(t, 0, l.TokensInWindow())
}

func TestSlidingWindowPrunesEntriesOlderThan60s(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10})
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	for i := 0; i < 61; i++ {
		entryTime := now.Add(-time.Duration(60-i) * time.Second)
		l.mu.Lock()
		l.window.PushBack(windowEntry{at: entryTime, tokens: 1000})
		l.tokensInWindow += 1000
		l.mu.Unlock()
	}

	require.Equal(t, 60000, l.TokensInWindow())
}

func TestRecordAPIRateLimitHalvesConcurrencyWithFloor(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 3})
	require.NoError(t, err)
	defer l.Close()

	l.RecordAPIRateLimit(2.0)
	require.Equal(t, 2, l.DynamicConcurrency())

	l.RecordAPIRateLimit(2.0)
	require.Equal(t, 2, l.DynamicConcurrency())
}

func TestHeartbeatTuningAfter20CompletionsAndCooldown(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10})
	require.NoError(t, err)
	defer l.Close()

	l.mu.Lock()
	l.lastAdjustTime = time.Now().Add(-10 * time.Second)
	l.mu.Unlock()

	for i := 0; i < 20; i++ {
		l.RecordRequestCompletion(1500, true)
	}

	require.Equal(t, 36, l.DynamicConcurrency())
}

func TestHeartbeatTuningDoesNotFireBeforeCooldown(t *testing.T) {
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 20; i++ {
		l.RecordRequestCompletion(1500, true)
	}

	require.Equal(t, 10, l.DynamicConcurrency())
}

func TestEventsDeliveredToObserver(t *testing.T) {
	obs := newRecordingObserver()
	l, err := New(Config{MaxTPM: 60000, InitialConcurrency: 10, Observer: obs})
	require.NoError(t, err)

	l.RecordAPIRateLimit(1.5)
	l.Close()

	var sawPushback, sawConcurrency bool
	for _, ev := range obs.events {
		if ev.Kind == EventAPIRateLimitDetected {
			sawPushback = true
		}
		if ev.Kind == EventConcurrencyUpdate {
			sawConcurrency = true
		}
	}
	require.True(t, sawPushback)
	require.True(t, sawConcurrency)
}
