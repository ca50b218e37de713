package progress

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// recordingLogger captures formatted lines so the per-document progress
// stream can be asserted on.
type recordingLogger struct {
	observability.Logger
	mu    sync.Mutex
	lines []string
	infos []map[string]interface{}
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: observability.NewNoopLogger()}
}

func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Info(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, fields)
}

func (l *recordingLogger) WithPrefix(string) observability.Logger { return l }

func (l *recordingLogger) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func TestTrackerCountsPerStatus(t *testing.T) {
	tracker := NewTracker(4, observability.NewNoopLogger())

	tracker.StartDocument(1, "d1", "report.pdf")
	assert.Equal(t, 1, tracker.FinishDocument(1, models.StatusSuccess, 12, 2048))

	tracker.StartDocument(1, "d2", "scan.pdf")
	assert.Equal(t, 2, tracker.FinishDocument(1, models.StatusSkipped, 0, 100))

	tracker.StartDocument(2, "d3", "broken.pdf")
	assert.Equal(t, 3, tracker.FinishDocument(2, models.StatusFailure, 0, 0))

	counts := tracker.Counts()
	assert.Equal(t, 3, counts.Completed)
	assert.Equal(t, 1, counts.Succeeded)
	assert.Equal(t, 1, counts.Skipped)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, tracker.Remaining())
	assert.Empty(t, tracker.ActiveWorkers())
}

func TestTrackerStreamsCompletionLines(t *testing.T) {
	logger := newRecordingLogger()
	tracker := NewTracker(2, logger)

	tracker.StartDocument(1, "d1", "report.pdf")
	tracker.FinishDocument(1, models.StatusSuccess, 1, 10)
	tracker.StartDocument(1, "d2", "scan.pdf")
	tracker.FinishDocument(1, models.StatusSkipped, 0, 0)

	lines := logger.recorded()
	require.Len(t, lines, 2)
	assert.Equal(t, "[1/2] success: d1", lines[0])
	assert.Equal(t, "[2/2] skipped: d2", lines[1])
}

func TestTrackerForgetDropsWithoutCounting(t *testing.T) {
	tracker := NewTracker(3, observability.NewNoopLogger())
	tracker.StartDocument(7, "d1", "stuck.pdf")

	state, ok := tracker.Forget(7)
	require.True(t, ok)
	assert.Equal(t, 7, state.WorkerID)
	assert.Equal(t, "d1", state.DocumentID)
	assert.Equal(t, "stuck.pdf", state.DocumentName)

	assert.Empty(t, tracker.ActiveWorkers())
	assert.Zero(t, tracker.Counts().Completed)
	assert.Equal(t, 3, tracker.Remaining())

	_, ok = tracker.Forget(7)
	assert.False(t, ok)
}

func TestTrackerActiveWorkersSortedByID(t *testing.T) {
	tracker := NewTracker(5, observability.NewNoopLogger())
	tracker.StartDocument(3, "d3", "c.pdf")
	tracker.StartDocument(1, "d1", "a.pdf")
	tracker.StartDocument(2, "d2", "b.pdf")

	states := tracker.ActiveWorkers()
	require.Len(t, states, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{states[0].WorkerID, states[1].WorkerID, states[2].WorkerID})
	assert.Equal(t, "d1", states[0].DocumentID)
	assert.False(t, states[0].StartedAt.IsZero())
}

func TestTrackerFinishUnknownWorker(t *testing.T) {
	tracker := NewTracker(1, observability.NewNoopLogger())

	// A crashed slot may report a document the tracker never saw start.
	index := tracker.FinishDocument(9, models.StatusFailure, 0, 0)

	assert.Equal(t, 1, index)
	assert.Equal(t, 1, tracker.Counts().Failed)
}

func TestTrackerLogSummaryRates(t *testing.T) {
	logger := newRecordingLogger()
	tracker := NewTracker(2, logger)
	base := time.Now()
	tracker.startedAt = base
	tracker.now = func() time.Time { return base.Add(30 * time.Minute) }

	tracker.StartDocument(1, "d1", "report.pdf")
	tracker.FinishDocument(1, models.StatusSuccess, 60, 10*1024*1024)
	tracker.StartDocument(2, "d2", "scan.pdf")

	tracker.LogSummary()

	require.Len(t, logger.infos, 1)
	fields := logger.infos[0]
	assert.Equal(t, 1, fields["completed"])
	assert.Equal(t, 2, fields["total"])
	assert.Equal(t, int64(120), fields["pages_hour"])
	assert.Equal(t, 20.0, fields["mb_hour"])
	assert.Equal(t, "30m0s", fields["elapsed"])
	assert.Equal(t, "scan.pdf (0s)", fields["workers"])
}

func TestTrackerLogSummaryGuardsZeroElapsed(t *testing.T) {
	logger := newRecordingLogger()
	tracker := NewTracker(1, logger)
	base := time.Now()
	tracker.startedAt = base
	tracker.now = func() time.Time { return base }

	tracker.StartDocument(1, "d1", "report.pdf")
	tracker.FinishDocument(1, models.StatusSuccess, 10, 1024)
	tracker.LogSummary()

	require.Len(t, logger.infos, 1)
	assert.GreaterOrEqual(t, logger.infos[0]["pages_hour"], int64(0))
}
