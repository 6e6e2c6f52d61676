package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type capturingLogger struct {
	milestones []int
}

func (l *capturingLogger) Debug(ctx context.Context, msg string, keyvals ...any) {}
func (l *capturingLogger) Warn(ctx context.Context, msg string, keyvals ...any)  {}
func (l *capturingLogger) Error(ctx context.Context, msg string, keyvals ...any) {}
func (l *capturingLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	for i := 0; i < len(keyvals)-1; i += 2 {
		if keyvals[i] == "percent" {
			l.milestones = append(l.milestones, keyvals[i+1].(int))
		}
	}
}

func TestIncrementAndLogFiresEachMilestoneOnce(t *testing.T) {
	logger := &capturingLogger{}
	tr := New("b1", 10, logger)

	for i := 0; i < 10; i++ {
		tr.IncrementAndLog(context.Background())
	}

	require.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, logger.milestones)
}

func TestIncrementAndLogSkipsBelow10Percent(t *testing.T) {
	logger := &capturingLogger{}
	tr := New("b1", 100, logger)
	tr.IncrementAndLog(context.Background())
	require.Empty(t, logger.milestones)
}

func TestIncrementAndLogHandlesZeroTotal(t *testing.T) {
	logger := &capturingLogger{}
	tr := New("b1", 0, logger)
	tr.IncrementAndLog(context.Background())
	require.Equal(t, 1, tr.Completed())
	require.Empty(t, logger.milestones)
}

func TestIncrementAndLogDoesNotDoubleLogSameMilestone(t *testing.T) {
	logger := &capturingLogger{}
	tr := New("b1", 3, logger)
	tr.IncrementAndLog(context.Background()) // 33% -> milestone 30
	tr.IncrementAndLog(context.Background()) // 66% -> milestone 60
	tr.IncrementAndLog(context.Background()) // 100%
	require.Equal(t, []int{30, 60, 100}, logger.milestones)
}
