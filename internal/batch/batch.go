// Package batch runs one workflow over many input sets with bounded
// concurrency.
package batch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/model"
)

const (
	defaultConcurrency = 3
	defaultDelay       = 500 * time.Millisecond

	reasonReviewRequired = "review required"
)

// Engine is the subset of the workflow engine a batch drives.
type Engine interface {
	Start(ctx context.Context, workflowID string, inputs map[string]string, opts model.RunOptions) (model.WorkflowExecution, error)
	Wait(ctx context.Context, executionID string) (model.WorkflowExecution, error)
	Cancel(ctx context.Context, executionID, reason string) (model.WorkflowExecution, error)
}

// Definitions looks up workflow definitions by ID.
type Definitions interface {
	GetWorkflow(workflowID string) (model.Workflow, bool)
}

// ItemStatus is the state of one batch item.
type ItemStatus string

// Item status constants.
const (
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemError     ItemStatus = "error"
)

// Status is the state of a whole batch.
type Status string

// Batch status constants.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Item is one input set of a batch and the run it produced.
type Item struct {
	ID          string            `json:"id"`
	Inputs      map[string]string `json:"inputs"`
	Status      ItemStatus        `json:"status"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Progress counts finished items.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Batch is the state of a batch run.
type Batch struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	Items        []Item     `json:"items"`
	Status       Status     `json:"status"`
	Concurrency  int        `json:"concurrency"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Progress     Progress   `json:"progress"`
}

func (b *Batch) clone() Batch {
	c := *b
	c.Items = make([]Item, len(b.Items))
	for i, it := range b.Items {
		it.Inputs = maps.Clone(it.Inputs)
		it.Outputs = maps.Clone(it.Outputs)
		c.Items[i] = it
	}
	return c
}

// Options controls a single batch.
type Options struct {
	// Concurrency is the number of items in flight at once. Defaults to 3.
	Concurrency int
	// Delay is the pause between starting consecutive items. Nil uses the
	// runner default; zero starts items back to back.
	Delay *time.Duration
	// RunOptions is handed to every run of the batch.
	RunOptions model.RunOptions
}

// Runner starts and tracks batches.
type Runner struct {
	engine   Engine
	defs     Definitions
	logger   *zap.Logger
	metrics  *observability.Metrics
	defaults Options
	maxItems int
	now      func() time.Time

	mu      sync.Mutex
	batches map[string]*tracked
	closed  bool
	wg      sync.WaitGroup
}

type tracked struct {
	mu     sync.RWMutex
	batch  Batch
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *tracked) snapshot() Batch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.batch.clone()
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records per-item outcomes.
func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithDefaults sets the concurrency and delay used when a batch leaves them
// unset.
func WithDefaults(concurrency int, delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if concurrency > 0 {
			r.defaults.Concurrency = concurrency
		}
		if delay >= 0 {
			r.defaults.Delay = durationOf(delay)
		}
	}
}

func durationOf(d time.Duration) *time.Duration { return &d }

// WithMaxItems rejects batches larger than n. Zero means no limit.
func WithMaxItems(n int) RunnerOption {
	return func(r *Runner) { r.maxItems = max(n, 0) }
}

// NewRunner creates a batch runner over engine.
func NewRunner(engine Engine, defs Definitions, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:   engine,
		defs:     defs,
		logger:   zap.NewNop(),
		defaults: Options{Concurrency: defaultConcurrency, Delay: durationOf(defaultDelay)},
		now:      func() time.Time { return time.Now().UTC() },
		batches:  make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a batch and returns once every item has finished or ctx is
// done.
func (r *Runner) Run(ctx context.Context, workflowID string, inputSets []map[string]string, opts Options) (Batch, error) {
	t, opts, err := r.create(ctx, workflowID, inputSets, opts, nil)
	if err != nil {
		return Batch{}, err
	}
	r.execute(ctx, t, opts)
	return t.snapshot(), nil
}

// Submit starts a batch in the background and returns it in pending state.
// The batch outlives ctx; use Cancel or Shutdown to stop it.
func (r *Runner) Submit(ctx context.Context, workflowID string, inputSets []map[string]string, opts Options) (Batch, error) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t, opts, err := r.create(ctx, workflowID, inputSets, opts, cancel)
	if err != nil {
		cancel()
		return Batch{}, err
	}
	snap := t.snapshot()

	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(bctx, t, opts)
	}()
	return snap, nil
}

// Get returns a snapshot of a batch.
func (r *Runner) Get(batchID string) (Batch, error) {
	t := r.lookup(batchID)
	if t == nil {
		return Batch{}, model.NewNotFoundError(fmt.Sprintf("batch %q not found", batchID))
	}
	return t.snapshot(), nil
}

// Wait blocks until the batch has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context, batchID string) (Batch, error) {
	t := r.lookup(batchID)
	if t == nil {
		return Batch{}, model.NewNotFoundError(fmt.Sprintf("batch %q not found", batchID))
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Cancel stops launching new items of a submitted batch and cancels the
// runs still in flight.
func (r *Runner) Cancel(batchID string) error {
	t := r.lookup(batchID)
	if t == nil {
		return model.NewNotFoundError(fmt.Sprintf("batch %q not found", batchID))
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Shutdown cancels every submitted batch and waits for them to stop. Later
// submissions are rejected.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.batches {
		if t.cancel != nil {
			t.cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) lookup(batchID string) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[batchID]
}

// create registers a pending batch. cancel, when set, is in place before
// the batch becomes visible to Cancel and Shutdown, and the batch is counted
// as background work.
func (r *Runner) create(_ context.Context, workflowID string, inputSets []map[string]string, opts Options, cancel context.CancelFunc) (*tracked, Options, error) {
	wf, ok := r.defs.GetWorkflow(workflowID)
	if !ok {
		return nil, opts, &model.ErrorEnvelope{
			Code:    model.ErrWorkflowNotFound,
			Message: fmt.Sprintf("workflow %q not found", workflowID),
		}
	}
	if len(inputSets) == 0 {
		return nil, opts, model.NewBadRequestError("batch has no input sets")
	}
	if r.maxItems > 0 && len(inputSets) > r.maxItems {
		return nil, opts, model.NewBadRequestError(
			fmt.Sprintf("batch has %d input sets, the limit is %d", len(inputSets), r.maxItems),
		)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = r.defaults.Concurrency
	}
	if opts.Delay == nil || *opts.Delay < 0 {
		opts.Delay = r.defaults.Delay
	}

	id := uuid.New().String()
	items := make([]Item, len(inputSets))
	for i, inputs := range inputSets {
		items[i] = Item{
			ID:     fmt.Sprintf("%s-%d", id, i),
			Inputs: maps.Clone(inputs),
			Status: ItemPending,
		}
	}
	t := &tracked{
		batch: Batch{
			ID:           id,
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			Items:        items,
			Status:       StatusPending,
			Concurrency:  opts.Concurrency,
			Progress:     Progress{Total: len(items)},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, opts, model.NewConflictError("batch runner is shutting down")
	}
	r.batches[id] = t
	if cancel != nil {
		r.wg.Add(1)
	}
	return t, opts, nil
}

func (r *Runner) execute(ctx context.Context, t *tracked, opts Options) {
	defer close(t.done)

	t.mu.Lock()
	start := r.now()
	t.batch.Status = StatusRunning
	t.batch.StartedAt = &start
	batchID, workflowID, total := t.batch.ID, t.batch.WorkflowID, len(t.batch.Items)
	t.mu.Unlock()

	logger := r.logger.With(
		zap.String("batch_id", batchID),
		zap.String("workflow_id", workflowID),
	)
	logger.Info("batch started",
		zap.Int("items", total),
		zap.Int("concurrency", opts.Concurrency),
	)

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)

	launched := 0
launch:
	for i := range total {
		if i > 0 && *opts.Delay > 0 {
			select {
			case <-time.After(*opts.Delay):
			case <-ctx.Done():
				break launch
			}
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.runItem(ctx, t, i, opts.RunOptions, logger)
			return nil
		})
		launched++
	}
	_ = g.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := launched; i < total; i++ {
		r.finishItemLocked(t, i, ItemError, nil, "batch cancelled before the item started")
	}
	end := r.now()
	t.batch.CompletedAt = &end
	t.batch.Status = StatusCompleted
	if ctx.Err() != nil || (total > 0 && t.batch.Progress.Failed == total) {
		t.batch.Status = StatusError
	}
	logger.Info("batch finished",
		zap.String("status", string(t.batch.Status)),
		zap.Int("completed", t.batch.Progress.Completed),
		zap.Int("failed", t.batch.Progress.Failed),
		zap.Duration("duration", end.Sub(start)),
	)
}

func (r *Runner) runItem(ctx context.Context, t *tracked, i int, runOpts model.RunOptions, logger *zap.Logger) {
	t.mu.Lock()
	now := r.now()
	item := &t.batch.Items[i]
	item.Status = ItemRunning
	item.StartedAt = &now
	inputs := maps.Clone(item.Inputs)
	itemID := item.ID
	t.mu.Unlock()

	// Cleanup must survive cancellation of ctx.
	bg := context.WithoutCancel(ctx)

	exec, err := r.engine.Start(ctx, t.batch.WorkflowID, inputs, runOpts)
	if err == nil {
		exec, err = r.engine.Wait(ctx, exec.ID)
	}
	if err != nil {
		if exec.ID != "" {
			_, _ = r.engine.Cancel(bg, exec.ID, "batch item abandoned")
		}
		logger.Warn("batch item failed", zap.String("item_id", itemID), zap.Error(err))
		r.finishItem(t, i, ItemError, &exec, err.Error())
		return
	}

	switch exec.Status {
	case model.ExecutionCompleted:
		r.finishItem(t, i, ItemCompleted, &exec, "")
	case model.ExecutionPaused:
		// Nobody is there to acknowledge the review.
		_, _ = r.engine.Cancel(bg, exec.ID, reasonReviewRequired)
		r.finishItem(t, i, ItemError, &exec, reasonReviewRequired)
	default:
		msg := exec.Error
		if msg == "" {
			msg = "run " + string(exec.Status)
		}
		r.finishItem(t, i, ItemError, &exec, msg)
	}
}

func (r *Runner) finishItem(t *tracked, i int, status ItemStatus, exec *model.WorkflowExecution, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.finishItemLocked(t, i, status, exec, errMsg)
}

func (r *Runner) finishItemLocked(t *tracked, i int, status ItemStatus, exec *model.WorkflowExecution, errMsg string) {
	now := r.now()
	item := &t.batch.Items[i]
	item.Status = status
	item.Error = errMsg
	item.CompletedAt = &now
	if exec != nil && exec.ID != "" {
		item.ExecutionID = exec.ID
		item.Outputs = maps.Clone(exec.StepOutputs)
	}
	if status == ItemCompleted {
		t.batch.Progress.Completed++
	} else {
		t.batch.Progress.Failed++
	}
	r.metrics.RecordBatchItem(t.batch.WorkflowID, string(status))
}

// Summary aggregates the items of a batch.
type Summary struct {
	TotalItems    int     `json:"total_items"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// Summarize counts items by status. SuccessRate is a percentage; the
// average duration covers completed items only.
func Summarize(b Batch) Summary {
	s := Summary{TotalItems: len(b.Items)}
	var total time.Duration
	var timed int
	for _, it := range b.Items {
		switch it.Status {
		case ItemCompleted:
			s.Completed++
			if it.StartedAt != nil && it.CompletedAt != nil {
				total += it.CompletedAt.Sub(*it.StartedAt)
				timed++
			}
		case ItemError:
			s.Failed++
		case ItemRunning:
			s.Running++
		default:
			s.Pending++
		}
	}
	if s.TotalItems > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.TotalItems) * 100
	}
	if timed > 0 {
		s.AvgDurationMS = (total / time.Duration(timed)).Milliseconds()
	}
	return s
}

// IDs returns the IDs of all tracked batches, sorted.
func (r *Runner) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.batches))
}
