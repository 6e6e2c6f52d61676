package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/config"
	"github.com/flowmesh/orchestrator/pricing"
)

func newTestManager() *Manager {
	prices := pricing.NewTable(config.Models{
		"m": {Input: 1.0, Output: 2.0, Cache: 0.0},
	})
	return NewManager(prices, nil)
}

func TestRecordRequestGlobalAndBatch(t *testing.T) {
	m := newTestManager()
	m.StartBatch("b1")

	m.RecordRequest("b1", RequestFields{Model: "m", Success: true, InputTokens: 100, OutputTokens: 50, APIRespTime: 0.5, Attempts: 1})
	m.RecordRequest("b1", RequestFields{Model: "m", Success: false, ErrorType: "RetryError", APIRespTime: 1.2, Attempts: 3})
	m.RecordRequest("", RequestFields{Model: "m", Success: true, InputTokens: 10, OutputTokens: 5, Attempts: 1})

	global := m.GetGlobalStats()
	require.Equal(t, 3, global.TotalRequests)
	require.Equal(t, 2, global.SuccessfulRequests)
	require.Equal(t, 1, global.FailedRequests)
	require.Equal(t, global.SuccessfulRequests+global.FailedRequests, global.TotalRequests)
	require.Equal(t, 2, global.RetryCount) // attempts-1 for the failed request

	batch, ok := m.GetBatchStats("b1")
	require.True(t, ok)
	require.Equal(t, 2, batch.TotalRequests)
	require.Equal(t, 1, batch.FailedRequests)
	require.Equal(t, 1, batch.ErrorTypeCounts["RetryError"])

	var sumErrs int
	for _, v := range batch.ErrorTypeCounts {
		sumErrs += v
	}
	require.Equal(t, batch.FailedRequests, sumErrs)
}

func TestRecordRequestUnknownErrorType(t *testing.T) {
	m := newTestManager()
	m.RecordRequest("", RequestFields{Model: "m", Success: false, Attempts: 1})
	global := m.GetGlobalStats()
	require.Equal(t, 1, global.ErrorTypeCounts["UnknownError"])
}

func TestConcurrentStartEndBalances(t *testing.T) {
	m := newTestManager()
	m.RecordConcurrentStart("")
	m.RecordConcurrentStart("")
	m.RecordConcurrentEnd("")

	s := m.GetGlobalStats()
	require.Equal(t, 1, s.CurrentConcurrentRequests)
	require.Equal(t, 2, s.ConcurrentPeak)

	m.RecordConcurrentEnd("")
	s = m.GetGlobalStats()
	require.Equal(t, 0, s.CurrentConcurrentRequests)
	require.Equal(t, 2, s.ConcurrentPeak)
}

func TestEndBatchTwiceIsNoOp(t *testing.T) {
	m := newTestManager()
	m.StartBatch("b1")

	_, ok := m.EndBatch("b1")
	require.True(t, ok)

	_, ok = m.EndBatch("b1")
	require.False(t, ok)
}

func TestEndBatchUnknownID(t *testing.T) {
	m := newTestManager()
	_, ok := m.EndBatch("missing")
	require.False(t, ok)
}

func TestEndBatchMirrorsGlobalEndTime(t *testing.T) {
	m := newTestManager()
	m.StartBatch("b1")
	snap, ok := m.EndBatch("b1")
	require.True(t, ok)
	require.NotNil(t, snap.EndTime)

	global := m.GetGlobalStats()
	require.NotNil(t, global.EndTime)
}

func TestGetSummaryUnknownBatch(t *testing.T) {
	m := newTestManager()
	out := m.GetSummary("does-not-exist")
	require.Contains(t, out, "no stats available")
}

func TestRateLimiterEventsTrackPeakTPM(t *testing.T) {
	m := newTestManager()
	m.RecordRateLimiterEvent(EventTokenUsageUpdate, "", 0, 1000)
	m.RecordRateLimiterEvent(EventTokenUsageUpdate, "", 0, 5000)
	m.RecordRateLimiterEvent(EventTokenUsageUpdate, "", 0, 2000)

	s := m.GetGlobalStats()
	require.Equal(t, 5000, s.PeakTPM)
}

func TestProcessingTimeUsesNowWhenOpen(t *testing.T) {
	c := NewContainer(time.Now().Add(-time.Second))
	require.True(t, c.ProcessingTime(time.Now()) >= time.Second)
}
