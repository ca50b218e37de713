// Package dispatch runs the worker pool: a continuous queue with
// dynamic re-fill, a between-completions time budget, phantom-worker
// detection, and degrade-and-continue handling for crashed workers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docuvector/ingest/internal/metrics"
	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
	"github.com/docuvector/ingest/internal/processor"
	"github.com/docuvector/ingest/internal/progress"
)

const (
	defaultPhantomThreshold = 4 * time.Hour

	// Wait timeouts between completions. The shorter one applies once
	// the time limit is reached so phantom checks run more often while
	// draining.
	waitTimeoutNormal  = 60 * time.Second
	waitTimeoutLimited = 30 * time.Second

	// Safety-net log appends must land even when the run context is
	// already cancelled.
	logAppendTimeout = 30 * time.Second
)

// Runner processes one document end to end and reports its terminal
// outcome. The document processor satisfies this.
type Runner interface {
	Process(ctx context.Context, task *models.DocumentTask) processor.Result
}

// SlotFactory builds the pipeline owned by one worker slot. Each slot
// gets its own database pool and model state; close releases them when
// the slot retires.
type SlotFactory func(ctx context.Context, workerID int) (Runner, func(), error)

// LogStore is the slice of the repository the dispatcher writes its
// safety-net terminal logs through.
type LogStore interface {
	AppendProcessingLog(ctx context.Context, projectID, documentID string, status models.Status, metrics json.RawMessage) error
	HasLogSince(ctx context.Context, projectID, documentID string, since time.Time) (bool, error)
	LatestLogStatus(ctx context.Context, projectID, documentID string) (models.Status, bool, error)
}

// Options tune one dispatcher run.
type Options struct {
	// Workers is the pool size W. The pool never grows beyond the
	// queue length.
	Workers int
	// TimeLimit stops new submissions once elapsed; zero means no
	// limit. In-flight documents are always drained.
	TimeLimit time.Duration
	// PhantomThreshold declares a worker phantom once its current
	// document has been in flight this long. Defaults to 4h.
	PhantomThreshold time.Duration
	// SummaryInterval spaces the periodic progress summaries.
	SummaryInterval time.Duration
}

// Summary is the aggregate result of one run.
type Summary struct {
	DocumentsProcessed int
	Succeeded          int
	Failed             int
	Skipped            int
	TimeLimitReached   bool
	PoolBroken         bool
}

// Dispatcher coordinates the worker slots. It is single-threaded: all
// slot bookkeeping happens on the goroutine that called Run, and slots
// only communicate through their task and completion channels.
type Dispatcher struct {
	factory SlotFactory
	logs    LogStore
	metrics *metrics.Metrics
	logger  observability.Logger
	opts    Options

	// Swapped in tests to drive waits and clock math.
	waitNormal  time.Duration
	waitLimited time.Duration
	now         func() time.Time
}

// New creates a dispatcher.
func New(factory SlotFactory, logs LogStore, m *metrics.Metrics, logger observability.Logger, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PhantomThreshold <= 0 {
		opts.PhantomThreshold = defaultPhantomThreshold
	}
	return &Dispatcher{
		factory:     factory,
		logs:        logs,
		metrics:     m,
		logger:      logger.WithPrefix("dispatcher"),
		opts:        opts,
		waitNormal:  waitTimeoutNormal,
		waitLimited: waitTimeoutLimited,
		now:         time.Now,
	}
}

// slotTask pairs a task with its cancelable per-document context.
type slotTask struct {
	ctx  context.Context
	task *models.DocumentTask
}

// completion is what a slot reports back after one document.
type completion struct {
	slotID   int
	task     *models.DocumentTask
	result   processor.Result
	crashed  bool
	crashMsg string
}

// slot is the dispatcher-side view of one worker. Only the dispatcher
// goroutine touches these fields.
type slot struct {
	id      int
	tasks   chan slotTask
	busy    bool
	crashed bool
	// abandoned marks a phantom-declared slot: its outcome is already
	// recorded and any late result is ignored.
	abandoned     bool
	current       *models.DocumentTask
	startedAt     time.Time
	cancelCurrent context.CancelFunc
}

// Run drains the task queue through the pool and returns the aggregate
// result. It only returns an error when not a single worker slot could
// be started; everything after that is absorbed into the Summary.
func (d *Dispatcher) Run(ctx context.Context, tasks []models.DocumentTask) (Summary, error) {
	var summary Summary
	if len(tasks) == 0 {
		d.logger.Info("Work queue empty, nothing to process", nil)
		return summary, nil
	}

	workers := d.opts.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	start := d.now()
	tracker := progress.NewTracker(len(tasks), d.logger)

	// Slot contexts are independent of the run context: a time limit
	// or shutdown stops submissions but never interrupts in-flight
	// documents. Only phantom declaration cancels a specific task.
	slotCtx, cancelSlots := context.WithCancel(context.Background())
	defer cancelSlots()

	completions := make(chan completion, workers)
	slots := d.startSlots(slotCtx, workers, completions)
	if len(slots) == 0 {
		return summary, fmt.Errorf("failed to start worker pool: no slots available")
	}
	defer func() {
		for _, s := range slots {
			close(s.tasks)
		}
	}()

	d.logger.Info("Dispatcher started", map[string]interface{}{
		"workers":    len(slots),
		"queue":      len(tasks),
		"time_limit": d.opts.TimeLimit.String(),
	})

	next := 0
	inFlight := 0
	healthy := len(slots)
	draining := false
	lastSummary := start
	ctxDone := ctx.Done()

	for {
		// Re-fill every idle slot while the queue has tasks. The first
		// pass performs the initial min(W, len(queue)) submissions.
		if !draining {
			for _, s := range slots {
				if next >= len(tasks) {
					break
				}
				if s.busy || s.crashed || s.abandoned {
					continue
				}
				d.submit(slotCtx, s, &tasks[next], tracker)
				next++
				inFlight++
			}
		}
		d.metrics.QueueDepth.Set(float64(len(tasks) - next))
		d.metrics.ActiveWorkers.Set(float64(inFlight))

		if inFlight == 0 {
			if draining || next >= len(tasks) {
				break
			}
			// Tasks remain but nothing is in flight: every slot has
			// crashed or gone phantom.
			d.logger.Error("No usable workers remain, abandoning rest of queue", map[string]interface{}{
				"remaining": len(tasks) - next,
			})
			break
		}

		wait := d.waitNormal
		if summary.TimeLimitReached {
			wait = d.waitLimited
		}

		gotCompletion := false
		timer := time.NewTimer(wait)
		select {
		case c := <-completions:
			timer.Stop()
			gotCompletion = true
			d.handleCompletion(c, slots, tracker, &summary, &inFlight, &healthy, &draining)
		case <-timer.C:
		case <-ctxDone:
			timer.Stop()
			ctxDone = nil
			draining = true
			d.logger.Info("Shutdown requested, draining in-flight documents", map[string]interface{}{
				"in_flight": inFlight,
				"remaining": len(tasks) - next,
			})
		}

		// Time budget is polled between completions; it never
		// interrupts in-flight work.
		if d.opts.TimeLimit > 0 && !summary.TimeLimitReached && d.now().Sub(start) >= d.opts.TimeLimit {
			summary.TimeLimitReached = true
			draining = true
			d.logger.Info("Time limit reached, no new documents will be submitted", map[string]interface{}{
				"elapsed":   d.now().Sub(start).Round(time.Second).String(),
				"remaining": len(tasks) - next,
			})
		}

		if !gotCompletion {
			d.checkPhantoms(slots, tracker, &summary, &inFlight, &healthy)
		}

		if d.opts.SummaryInterval > 0 && d.now().Sub(lastSummary) >= d.opts.SummaryInterval {
			tracker.LogSummary()
			lastSummary = d.now()
		}
	}

	tracker.LogSummary()
	d.logger.Info("Dispatcher finished", map[string]interface{}{
		"processed":          summary.DocumentsProcessed,
		"success":            summary.Succeeded,
		"failure":            summary.Failed,
		"skipped":            summary.Skipped,
		"time_limit_reached": summary.TimeLimitReached,
		"pool_broken":        summary.PoolBroken,
		"healthy_workers":    healthy,
		"duration":           d.now().Sub(start).Round(time.Second).String(),
	})
	return summary, nil
}

// startSlots builds up to workers slots. A factory failure after the
// first slot degrades the pool instead of failing the run.
func (d *Dispatcher) startSlots(ctx context.Context, workers int, completions chan<- completion) []*slot {
	slots := make([]*slot, 0, workers)
	for i := 0; i < workers; i++ {
		id := i + 1
		runner, closeFn, err := d.factory(ctx, id)
		if err != nil {
			d.logger.Error("Failed to start worker slot", map[string]interface{}{
				"worker_id": id,
				"error":     err.Error(),
			})
			break
		}
		s := &slot{id: id, tasks: make(chan slotTask, 1)}
		slots = append(slots, s)
		go d.runSlot(s, runner, closeFn, completions)
	}
	return slots
}

// runSlot is the worker goroutine: it processes tasks one at a time
// and retires after a crash or when its channel closes.
func (d *Dispatcher) runSlot(s *slot, runner Runner, closeFn func(), completions chan<- completion) {
	defer func() {
		if closeFn != nil {
			closeFn()
		}
	}()
	for st := range s.tasks {
		c := completion{slotID: s.id, task: st.task}
		c.result, c.crashed, c.crashMsg = runGuarded(st.ctx, runner, st.task)
		completions <- c
		if c.crashed {
			return
		}
	}
}

// runGuarded contains worker panics at the slot boundary so one crash
// degrades the pool instead of taking down the run.
func runGuarded(ctx context.Context, runner Runner, task *models.DocumentTask) (result processor.Result, crashed bool, msg string) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			msg = fmt.Sprint(r)
		}
	}()
	result = runner.Process(ctx, task)
	return
}

func (d *Dispatcher) submit(slotCtx context.Context, s *slot, task *models.DocumentTask, tracker *progress.Tracker) {
	taskCtx, cancel := context.WithCancel(slotCtx)
	s.busy = true
	s.current = task
	s.startedAt = d.now()
	s.cancelCurrent = cancel
	tracker.StartDocument(s.id, task.DocumentID(), task.Doc.Name)
	d.logger.Debug("Submitted document to worker", map[string]interface{}{
		"worker_id":   s.id,
		"document_id": task.DocumentID(),
	})
	s.tasks <- slotTask{ctx: taskCtx, task: task}
}

func (d *Dispatcher) handleCompletion(c completion, slots []*slot, tracker *progress.Tracker, summary *Summary, inFlight, healthy *int, draining *bool) {
	s := slotByID(slots, c.slotID)
	if s == nil {
		return
	}
	if s.cancelCurrent != nil {
		s.cancelCurrent()
		s.cancelCurrent = nil
	}
	s.current = nil

	if s.abandoned {
		// The phantom path already recorded this document's outcome.
		d.logger.Warn("Ignoring late result from phantom worker", map[string]interface{}{
			"worker_id":   s.id,
			"document_id": c.task.DocumentID(),
		})
		return
	}

	s.busy = false
	*inFlight--

	if c.crashed {
		s.crashed = true
		*healthy--
		summary.PoolBroken = true
		d.metrics.BrokenPoolEvents.Inc()
		d.logger.Error("Worker crashed, continuing with degraded pool", map[string]interface{}{
			"worker_id":   c.slotID,
			"document_id": c.task.DocumentID(),
			"panic":       c.crashMsg,
			"healthy":     *healthy,
		})

		tracker.FinishDocument(s.id, models.StatusFailure, 0, 0)
		d.ensureLogged(c.task, models.StatusFailure, "worker_crashed", c.crashMsg, s.startedAt)
		summary.DocumentsProcessed++
		summary.Failed++
		d.metrics.RecordDocument(string(models.StatusFailure), d.now().Sub(s.startedAt).Seconds())

		if *healthy <= 1 && !*draining {
			*draining = true
			d.logger.Error("Worker pool broken, stopping submissions and draining", map[string]interface{}{
				"healthy": *healthy,
			})
		}
		return
	}

	result := c.result
	if result.Status == "" {
		// The runner reported nothing. Trust the store's latest log;
		// without one the document counts as skipped.
		result.Status = d.resolveUnreported(c.task, s.startedAt)
		result.Reason = "status_unreported"
	}

	tracker.FinishDocument(s.id, result.Status, result.Pages, result.Bytes)
	summary.DocumentsProcessed++
	switch result.Status {
	case models.StatusSuccess:
		summary.Succeeded++
	case models.StatusFailure:
		summary.Failed++
	case models.StatusSkipped:
		summary.Skipped++
	}

	if result.LogErr != nil {
		// The processor could not write its own terminal log; append
		// the safety net unless a log landed after all.
		d.ensureLogged(c.task, result.Status, result.Reason, result.LogErr.Error(), s.startedAt)
	}
}

// checkPhantoms declares every worker whose current document exceeded
// the threshold a phantom: the document is logged as a failure, the
// tracker forgets the worker, and its task context is cancelled
// best-effort. A phantom slot never receives another task.
func (d *Dispatcher) checkPhantoms(slots []*slot, tracker *progress.Tracker, summary *Summary, inFlight, healthy *int) {
	threshold := d.opts.PhantomThreshold
	for _, state := range tracker.ActiveWorkers() {
		if d.now().Sub(state.StartedAt) < threshold {
			continue
		}
		s := slotByID(slots, state.WorkerID)
		if s == nil || !s.busy || s.abandoned {
			continue
		}

		d.logger.Error("Worker declared phantom, abandoning its document", map[string]interface{}{
			"worker_id":   s.id,
			"document_id": state.DocumentID,
			"in_flight":   d.now().Sub(state.StartedAt).Round(time.Second).String(),
			"threshold":   threshold.String(),
		})

		tracker.Forget(s.id)
		d.metrics.PhantomWorkers.Inc()
		d.ensureLogged(s.current, models.StatusFailure, "phantom_worker",
			fmt.Sprintf("no completion after %s", threshold), s.startedAt)

		if s.cancelCurrent != nil {
			s.cancelCurrent()
			s.cancelCurrent = nil
		}
		s.abandoned = true
		s.busy = false
		*inFlight--
		*healthy--
		summary.DocumentsProcessed++
		summary.Failed++
		d.metrics.RecordDocument(string(models.StatusFailure), d.now().Sub(state.StartedAt).Seconds())
	}
}

// resolveUnreported consults the store for a document whose runner
// returned no status.
func (d *Dispatcher) resolveUnreported(task *models.DocumentTask, since time.Time) models.Status {
	ctx, cancel := context.WithTimeout(context.Background(), logAppendTimeout)
	defer cancel()

	status, ok, err := d.logs.LatestLogStatus(ctx, task.ProjectID, task.DocumentID())
	if err != nil {
		d.logger.Error("Failed to resolve unreported document status", map[string]interface{}{
			"document_id": task.DocumentID(),
			"error":       err.Error(),
		})
		return models.StatusSkipped
	}
	if !ok {
		d.ensureLogged(task, models.StatusSkipped, "status_unreported", "", since)
		return models.StatusSkipped
	}
	return status
}

// ensureLogged appends a terminal log on the processor's behalf unless
// one already landed during this attempt. Runs on its own context so
// the append survives run cancellation.
func (d *Dispatcher) ensureLogged(task *models.DocumentTask, status models.Status, reason, detail string, since time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), logAppendTimeout)
	defer cancel()

	exists, err := d.logs.HasLogSince(ctx, task.ProjectID, task.DocumentID(), since)
	if err != nil {
		d.logger.Error("Failed to check for existing processing log", map[string]interface{}{
			"document_id": task.DocumentID(),
			"error":       err.Error(),
		})
	} else if exists {
		return
	}

	m := &models.ProcessingMetrics{}
	if status == models.StatusSkipped {
		m.SkipReason = reason
	} else {
		m.ErrorClass = reason
		m.Error = detail
	}

	if err := d.logs.AppendProcessingLog(ctx, task.ProjectID, task.DocumentID(), status, m.Marshal()); err != nil {
		d.logger.Error("Failed to append safety-net processing log", map[string]interface{}{
			"document_id": task.DocumentID(),
			"status":      string(status),
			"error":       err.Error(),
		})
	}
}

func slotByID(slots []*slot, id int) *slot {
	for _, s := range slots {
		if s.id == id {
			return s
		}
	}
	return nil
}
