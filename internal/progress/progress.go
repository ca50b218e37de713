// Package progress tracks per-worker state and run throughput. The
// dispatcher advises the tracker at every state change; the tracker
// streams per-document completion lines and periodic rate summaries,
// and its per-worker start times feed phantom detection.
package progress

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// WorkerState is the currently-tracked document for one worker slot.
type WorkerState struct {
	WorkerID     int
	DocumentID   string
	DocumentName string
	StartedAt    time.Time
}

// Counts aggregates terminal outcomes observed so far.
type Counts struct {
	Completed int
	Succeeded int
	Failed    int
	Skipped   int
}

// Tracker records throughput and per-worker state for one run.
type Tracker struct {
	mu        sync.Mutex
	logger    observability.Logger
	total     int
	startedAt time.Time
	counts    Counts
	pages     int64
	bytes     int64
	workers   map[int]*WorkerState

	// now is swapped in tests to drive rate and phantom-age math.
	now func() time.Time
}

// NewTracker creates a tracker for a run over total queued documents.
func NewTracker(total int, logger observability.Logger) *Tracker {
	return &Tracker{
		logger:    logger.WithPrefix("progress"),
		total:     total,
		startedAt: time.Now(),
		workers:   make(map[int]*WorkerState),
		now:       time.Now,
	}
}

// StartDocument records that a worker began processing a document.
func (t *Tracker) StartDocument(workerID int, documentID, documentName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[workerID] = &WorkerState{
		WorkerID:     workerID,
		DocumentID:   documentID,
		DocumentName: documentName,
		StartedAt:    t.now(),
	}
}

// FinishDocument records a terminal outcome for the worker's current
// document, streams the per-document completion line, and returns the
// completion index within the run.
func (t *Tracker) FinishDocument(workerID int, status models.Status, pages int, bytes int64) int {
	t.mu.Lock()
	state := t.workers[workerID]
	delete(t.workers, workerID)

	t.counts.Completed++
	switch status {
	case models.StatusSuccess:
		t.counts.Succeeded++
	case models.StatusFailure:
		t.counts.Failed++
	case models.StatusSkipped:
		t.counts.Skipped++
	}
	t.pages += int64(pages)
	t.bytes += bytes
	index := t.counts.Completed
	t.mu.Unlock()

	documentID := ""
	if state != nil {
		documentID = state.DocumentID
	}
	t.logger.Infof("[%d/%d] %s: %s", index, t.total, status, documentID)
	return index
}

// Forget drops a worker's current document without counting an outcome.
// Used when the dispatcher declares the worker a phantom and takes over
// the terminal log itself. The removed state is returned so the caller
// can still identify the abandoned document.
func (t *Tracker) Forget(workerID int) (WorkerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.workers[workerID]
	if !ok {
		return WorkerState{}, false
	}
	delete(t.workers, workerID)
	return *state, true
}

// ActiveWorkers returns the currently-tracked workers ordered by id.
func (t *Tracker) ActiveWorkers() []WorkerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	states := make([]WorkerState, 0, len(t.workers))
	for _, state := range t.workers {
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].WorkerID < states[j].WorkerID })
	return states
}

// Counts returns the outcome totals recorded so far.
func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Remaining returns how many queued documents have no outcome yet.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total - t.counts.Completed
}

// LogSummary emits the periodic aggregate line: outcome counts,
// pages/hour and MB/hour, and each worker's current document.
func (t *Tracker) LogSummary() {
	t.mu.Lock()
	counts := t.counts
	pages := t.pages
	bytes := t.bytes
	elapsed := t.now().Sub(t.startedAt)
	var current []string
	for _, state := range t.workers {
		age := t.now().Sub(state.StartedAt).Round(time.Second)
		current = append(current, state.DocumentName+" ("+age.String()+")")
	}
	t.mu.Unlock()
	sort.Strings(current)

	hours := elapsed.Hours()
	if hours <= 0 {
		hours = 1.0 / 3600 // avoid rate blowups in the first second
	}

	t.logger.Info("Run progress", map[string]interface{}{
		"completed":  counts.Completed,
		"total":      t.total,
		"success":    counts.Succeeded,
		"failure":    counts.Failed,
		"skipped":    counts.Skipped,
		"pages_hour": int64(float64(pages) / hours),
		"mb_hour":    float64(bytes) / (1024 * 1024) / hours,
		"elapsed":    elapsed.Round(time.Second).String(),
		"workers":    strings.Join(current, ", "),
	})
}
