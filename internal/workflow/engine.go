package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/skillflow/internal/condition"
	"github.com/pitabwire/skillflow/internal/graph"
	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/internal/resolver"
	"github.com/pitabwire/skillflow/model"
)

const (
	defaultStepTimeout    = 2 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
)

// Definitions looks up workflow definitions by ID.
type Definitions interface {
	GetWorkflow(workflowID string) (model.Workflow, bool)
}

// Engine manages the lifecycle of workflow executions. Each running execution
// is driven by a single goroutine that owns its record; every other caller
// only ever sees snapshots.
type Engine struct {
	defs      Definitions
	store     ExecutionStore
	invoker   model.SkillInvoker
	evaluator *condition.Evaluator

	logger         *zap.Logger
	metrics        *observability.Metrics
	stepTimeout    time.Duration
	maxConcurrency int
	retry          model.RetryPolicy
	idem           IdempotencyStore
	idemTTL        time.Duration
	now            func() time.Time
	newID          func() string

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records run and step metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStepTimeout sets the timeout for steps that declare none.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithMaxConcurrency bounds how many steps of one stage run at once.
// Zero means no bound.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = max(n, 0) }
}

// WithDefaultRetry sets the retry policy for steps that declare none.
func WithDefaultRetry(p model.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithIdempotency enables StartIdempotent deduplication.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idem = store
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithClock replaces time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the execution ID generator. For tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates a new workflow engine.
func NewEngine(defs Definitions, store ExecutionStore, invoker model.SkillInvoker, opts ...Option) *Engine {
	e := &Engine{
		defs:        defs,
		store:       store,
		invoker:     invoker,
		logger:      zap.NewNop(),
		stepTimeout: defaultStepTimeout,
		retry:       model.RetryPolicy{MaxAttempts: 1},
		idemTTL:     defaultIdempotencyTTL,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = condition.NewEvaluator(e.logger)
	return e
}

// run is the live state of one execution.
type run struct {
	wf     model.Workflow
	stages []model.ExecutionGroup
	plan   graph.Plan

	// ctx carries request values but not request cancellation. cancel stops
	// the driver. bg is never cancelled and is used for store writes.
	ctx    context.Context
	bg     context.Context
	cancel context.CancelFunc
	resume chan struct{}

	mu      sync.RWMutex
	exec    model.WorkflowExecution
	changed chan struct{}
	driving bool
}

func (r *run) snapshot() model.WorkflowExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exec.Clone()
}

// notifyLocked wakes every Wait caller. r.mu must be held for writing.
func (r *run) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// stepResult is the outcome of one dispatched step.
type stepResult struct {
	step     model.WorkflowStep
	output   string
	usage    model.Usage
	err      error
	attempts int
	duration time.Duration
}

func workflowNotFound(workflowID string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
	}
}

// Begin creates a new execution in collecting_inputs. Global inputs with a
// default value are pre-filled.
func (e *Engine) Begin(ctx context.Context, workflowID string, opts model.RunOptions) (model.WorkflowExecution, error) {
	return e.begin(ctx, workflowID, opts, "")
}

func (e *Engine) begin(ctx context.Context, workflowID string, opts model.RunOptions, idemKey string) (model.WorkflowExecution, error) {
	// 1. Look up workflow definition.
	wf, ok := e.defs.GetWorkflow(workflowID)
	if !ok {
		return model.WorkflowExecution{}, workflowNotFound(workflowID)
	}

	// 2. Build the plan once; it is fixed for the life of the run.
	plan := graph.Build(wf.Steps)

	// 3. Create execution.
	now := e.now()
	exec := model.WorkflowExecution{
		ID:             e.newID(),
		WorkflowID:     wf.ID,
		WorkflowName:   wf.Name,
		Status:         model.ExecutionCollectingInputs,
		TotalStages:    len(plan.Groups),
		GlobalInputs:   make(map[string]string, len(wf.GlobalInputs)),
		StepOutputs:    make(map[string]string, len(wf.Steps)),
		StepStatuses:   make(map[string]model.StepStatus, len(wf.Steps)),
		StepErrors:     make(map[string]string),
		SkipReasons:    make(map[string]string),
		Options:        opts,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	exec.Options.Labels = maps.Clone(opts.Labels)
	for _, in := range wf.GlobalInputs {
		if in.Default != "" {
			exec.GlobalInputs[in.ID] = in.Default
		}
	}
	for _, s := range wf.Steps {
		exec.StepStatuses[s.ID] = model.StepPending
	}

	// 4. Persist execution.
	if err := e.store.Create(ctx, exec); err != nil {
		return model.WorkflowExecution{}, err
	}
	if err := e.appendEvent(ctx, exec.ID, "", model.EventCreated, nil, ""); err != nil {
		return model.WorkflowExecution{}, err
	}

	// 5. Register as live.
	r := e.track(ctx, wf, plan, exec)

	e.logger.Info("execution created",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", wf.ID),
		zap.Int("stages", len(plan.Groups)),
	)
	return r.snapshot(), nil
}

func (e *Engine) track(ctx context.Context, wf model.Workflow, plan graph.Plan, exec model.WorkflowExecution) *run {
	bg := context.WithoutCancel(ctx)
	rctx, cancel := context.WithCancel(bg)
	r := &run{
		wf:      wf,
		stages:  plan.Groups,
		plan:    plan,
		ctx:     rctx,
		bg:      bg,
		cancel:  cancel,
		resume:  make(chan struct{}, 1),
		exec:    exec,
		changed: make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()
	return r
}

func (e *Engine) live(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func (e *Engine) forget(executionID string) {
	e.mu.Lock()
	delete(e.runs, executionID)
	e.mu.Unlock()
}

// adopt re-registers a stored execution that is still collecting inputs, so
// that a restart does not strand it.
func (e *Engine) adopt(ctx context.Context, exec model.WorkflowExecution) (*run, error) {
	wf, ok := e.defs.GetWorkflow(exec.WorkflowID)
	if !ok {
		return nil, workflowNotFound(exec.WorkflowID)
	}
	e.mu.Lock()
	if r, ok := e.runs[exec.ID]; ok {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()
	return e.track(ctx, wf, graph.Build(wf.Steps), exec), nil
}

// SupplyInputs merges global input values into an execution that is still
// collecting inputs. Once every required input has a non-blank value the
// execution starts running.
func (e *Engine) SupplyInputs(ctx context.Context, executionID string, inputs map[string]string) (model.WorkflowExecution, error) {
	r := e.live(executionID)
	if r == nil {
		exec, err := e.store.Get(ctx, executionID)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		if exec.Status != model.ExecutionCollectingInputs {
			return model.WorkflowExecution{}, model.NewInvalidTransitionError("supply inputs to", exec.Status)
		}
		if r, err = e.adopt(ctx, exec); err != nil {
			return model.WorkflowExecution{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status != model.ExecutionCollectingInputs {
		return model.WorkflowExecution{}, model.NewInvalidTransitionError("supply inputs to", r.exec.Status)
	}

	for k, v := range inputs {
		r.exec.GlobalInputs[k] = v
	}
	if err := e.persistLocked(ctx, r); err != nil {
		return model.WorkflowExecution{}, err
	}
	_ = e.appendEvent(ctx, r.exec.ID, "", model.EventInputsSupplied,
		map[string]any{"inputs": slices.Sorted(maps.Keys(inputs))}, "")

	if len(missingInputs(r.wf, r.exec.GlobalInputs)) == 0 {
		if err := e.startLocked(ctx, r); err != nil {
			return model.WorkflowExecution{}, err
		}
	}
	r.notifyLocked()
	return r.exec.Clone(), nil
}

// missingInputs returns the required global inputs that have no non-blank
// value, in declaration order.
func missingInputs(wf model.Workflow, values map[string]string) []string {
	var missing []string
	for _, id := range wf.RequiredInputs() {
		if strings.TrimSpace(values[id]) == "" {
			missing = append(missing, id)
		}
	}
	return missing
}

// startLocked moves r to running and launches its driver.
func (e *Engine) startLocked(ctx context.Context, r *run) error {
	now := e.now()
	r.exec.Status = model.ExecutionRunning
	r.exec.StartedAt = &now
	if err := e.persistLocked(ctx, r); err != nil {
		return err
	}
	_ = e.appendEvent(ctx, r.exec.ID, "", model.EventStarted, map[string]any{"stages": len(r.stages)}, "")
	e.metrics.RecordRunStart(r.wf.ID)

	if r.plan.Degraded {
		e.logger.Warn("dependency graph degraded to sequential stages",
			zap.String("execution_id", r.exec.ID),
			zap.String("workflow_id", r.wf.ID),
			zap.Strings("unresolved", r.plan.Unresolved),
		)
		e.metrics.RecordPlanDegraded(r.wf.ID)
		_ = e.appendEvent(ctx, r.exec.ID, "", model.EventPlanDegraded,
			map[string]any{"unresolved": r.plan.Unresolved}, "cycle or unknown dependency")
	}

	e.logger.Info("execution started",
		zap.String("execution_id", r.exec.ID),
		zap.String("workflow_id", r.wf.ID),
	)

	r.driving = true
	e.wg.Add(1)
	go e.drive(r)
	return nil
}

// Start begins an execution and supplies its inputs in one call. When a
// required input is missing the execution is returned in collecting_inputs
// together with an INPUTS_MISSING error.
func (e *Engine) Start(ctx context.Context, workflowID string, inputs map[string]string, opts model.RunOptions) (model.WorkflowExecution, error) {
	return e.start(ctx, workflowID, inputs, opts, "")
}

func (e *Engine) start(ctx context.Context, workflowID string, inputs map[string]string, opts model.RunOptions, idemKey string) (model.WorkflowExecution, error) {
	exec, err := e.begin(ctx, workflowID, opts, idemKey)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	exec, err = e.SupplyInputs(ctx, exec.ID, inputs)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if exec.Status == model.ExecutionCollectingInputs {
		wf, _ := e.defs.GetWorkflow(workflowID)
		return exec, model.NewInputsMissingError(missingInputs(wf, exec.GlobalInputs))
	}
	return exec, nil
}

// StartIdempotent is Start deduplicated by key. Replaying a key with the same
// inputs returns the execution it started and replayed=true; replaying it
// with different inputs is a CONFLICT. An empty key, or an engine without an
// idempotency store, behaves like Start.
func (e *Engine) StartIdempotent(ctx context.Context, workflowID, key string, inputs map[string]string, opts model.RunOptions) (exec model.WorkflowExecution, replayed bool, err error) {
	if e.idem == nil || key == "" {
		exec, err = e.Start(ctx, workflowID, inputs, opts)
		return exec, false, err
	}

	fullKey := FormatIdempotencyKey(workflowID, key)
	hash := HashInputs(workflowID, inputs, opts)

	executionID, found, err := e.idem.Check(ctx, fullKey, hash)
	if err != nil {
		return model.WorkflowExecution{}, false, err
	}
	if found {
		exec, err = e.Get(ctx, executionID)
		if err == nil {
			return exec, true, nil
		}
		if !model.HasCode(err, model.ErrExecutionNotFound) {
			return model.WorkflowExecution{}, false, err
		}
		// The execution was deleted; the key is free again.
	}

	exec, err = e.start(ctx, workflowID, inputs, opts, key)
	if err != nil {
		return exec, false, err
	}
	if err := e.idem.Store(ctx, fullKey, hash, exec.ID, e.idemTTL); err != nil {
		e.logger.Error("failed to store idempotency key",
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
	return exec, false, nil
}

// Get returns a snapshot of an execution. Live executions are read from
// memory, finished ones from the store.
func (e *Engine) Get(ctx context.Context, executionID string) (model.WorkflowExecution, error) {
	if r := e.live(executionID); r != nil {
		return r.snapshot(), nil
	}
	return e.store.Get(ctx, executionID)
}

// Wait blocks until the execution is terminal or paused, or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (model.WorkflowExecution, error) {
	for {
		r := e.live(executionID)
		if r == nil {
			return e.store.Get(ctx, executionID)
		}

		r.mu.RLock()
		status := r.exec.Status
		changed := r.changed
		snap := r.exec.Clone()
		r.mu.RUnlock()

		if status.Terminal() || status == model.ExecutionPaused {
			return snap, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return model.WorkflowExecution{}, ctx.Err()
		}
	}
}

// Acknowledge resumes a paused execution. With an empty stepID every step
// awaiting review is acknowledged at once; otherwise only stepID is, and the
// execution resumes when no step is left awaiting review.
func (e *Engine) Acknowledge(ctx context.Context, executionID, stepID string) (model.WorkflowExecution, error) {
	r := e.live(executionID)
	if r == nil {
		exec, err := e.store.Get(ctx, executionID)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		return model.WorkflowExecution{}, model.NewInvalidTransitionError("acknowledge", exec.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status != model.ExecutionPaused {
		return model.WorkflowExecution{}, model.NewInvalidTransitionError("acknowledge", r.exec.Status)
	}

	acked := r.exec.AwaitingReview
	if stepID != "" {
		i := slices.Index(r.exec.AwaitingReview, stepID)
		if i < 0 {
			return model.WorkflowExecution{}, model.NewBadRequestError(
				fmt.Sprintf("step %q is not awaiting review", stepID),
			)
		}
		acked = []string{stepID}
		r.exec.AwaitingReview = slices.Delete(slices.Clone(r.exec.AwaitingReview), i, i+1)
	} else {
		r.exec.AwaitingReview = nil
	}

	resumed := len(r.exec.AwaitingReview) == 0
	if resumed {
		r.exec.Status = model.ExecutionRunning
	}
	if err := e.persistLocked(ctx, r); err != nil {
		return model.WorkflowExecution{}, err
	}
	for _, id := range acked {
		_ = e.appendEvent(ctx, r.exec.ID, id, model.EventAcknowledged, map[string]any{"resumed": resumed}, "")
	}

	if resumed {
		e.logger.Info("execution resumed",
			zap.String("execution_id", r.exec.ID),
			zap.Strings("acknowledged", acked),
		)
		select {
		case r.resume <- struct{}{}:
		default:
		}
	}
	r.notifyLocked()
	return r.exec.Clone(), nil
}

// Cancel stops an execution. No further stage is dispatched and results of
// steps still in flight are discarded.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (model.WorkflowExecution, error) {
	r := e.live(executionID)
	if r == nil {
		return e.cancelStored(ctx, executionID, reason)
	}

	r.mu.Lock()
	if r.exec.Status.Terminal() {
		status := r.exec.Status
		r.mu.Unlock()
		return model.WorkflowExecution{}, model.NewInvalidTransitionError("cancel", status)
	}

	for id, st := range r.exec.StepStatuses {
		if st == model.StepRunning {
			r.exec.StepStatuses[id] = model.StepPending
		}
	}
	r.exec.AwaitingReview = nil
	e.finishLocked(ctx, r, model.ExecutionCancelled, "", reason)
	snap := r.exec.Clone()
	driving := r.driving
	r.mu.Unlock()

	r.cancel()
	if !driving {
		e.forget(executionID)
	}
	return snap, nil
}

// cancelStored cancels an execution that is in the store but has no driver,
// which happens after a restart.
func (e *Engine) cancelStored(ctx context.Context, executionID, reason string) (model.WorkflowExecution, error) {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if exec.Status.Terminal() {
		return model.WorkflowExecution{}, model.NewInvalidTransitionError("cancel", exec.Status)
	}

	now := e.now()
	exec.Status = model.ExecutionCancelled
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.AwaitingReview = nil
	if err := e.store.Update(ctx, exec); err != nil {
		return model.WorkflowExecution{}, err
	}
	exec.Version++
	_ = e.appendEvent(ctx, exec.ID, "", model.EventCancelled, nil, reason)
	return exec, nil
}

// List returns execution summaries matching filters and the total count.
func (e *Engine) List(ctx context.Context, filters model.ExecutionFilters) ([]model.ExecutionSummary, int, error) {
	execs, total, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	summaries := make([]model.ExecutionSummary, 0, len(execs))
	for _, exec := range execs {
		if r := e.live(exec.ID); r != nil {
			exec = r.snapshot()
		}
		summaries = append(summaries, exec.Summary())
	}
	return summaries, total, nil
}

// Events returns the audit trail of an execution.
func (e *Engine) Events(ctx context.Context, executionID string) ([]model.ExecutionEvent, error) {
	return e.store.GetEvents(ctx, executionID)
}

// Delete removes a finished execution from history.
func (e *Engine) Delete(ctx context.Context, executionID string) error {
	if r := e.live(executionID); r != nil {
		status := r.snapshot().Status
		if !status.Terminal() {
			return model.NewInvalidTransitionError("delete", status)
		}
	}
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.Status.Terminal() {
		return model.NewInvalidTransitionError("delete", exec.Status)
	}
	if err := e.store.Delete(ctx, executionID); err != nil {
		return err
	}
	e.forget(executionID)
	return nil
}

// PlanView describes how a workflow would be staged.
type PlanView struct {
	WorkflowID     string                 `json:"workflow_id"`
	Stages         []model.ExecutionGroup `json:"stages"`
	Degraded       bool                   `json:"degraded"`
	Unresolved     []string               `json:"unresolved,omitempty"`
	HasParallelism bool                   `json:"has_parallelism"`
	MaxParallelism int                    `json:"max_parallelism"`
	Rendered       string                 `json:"rendered"`
}

// Plan returns the stages a run of workflowID would use.
func (e *Engine) Plan(workflowID string) (PlanView, error) {
	wf, ok := e.defs.GetWorkflow(workflowID)
	if !ok {
		return PlanView{}, workflowNotFound(workflowID)
	}
	plan := graph.Build(wf.Steps)
	return PlanView{
		WorkflowID:     wf.ID,
		Stages:         plan.Groups,
		Degraded:       plan.Degraded,
		Unresolved:     plan.Unresolved,
		HasParallelism: graph.HasParallelism(wf.Steps),
		MaxParallelism: graph.MaxParallelism(wf.Steps),
		Rendered:       graph.RenderPlan(wf.Steps),
	}, nil
}

// Shutdown stops every driver and waits for them to exit. Executions still
// running are recorded as failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of executions currently held in memory.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// stageOutcome tells the driver what to do after a stage.
type stageOutcome int

const (
	stageNext stageOutcome = iota
	stagePaused
	stageHalted
)

// drive runs the stages of r in order. It is the only goroutine that
// advances r.
func (e *Engine) drive(r *run) {
	defer e.wg.Done()
	defer e.forget(r.exec.ID)

	ctx, span := observability.StartSpan(r.ctx, "workflow.run",
		observability.AttrWorkflowID.String(r.wf.ID),
		observability.AttrExecutionID.String(r.exec.ID),
		observability.AttrKeyMode.String(r.exec.Options.KeyMode),
	)
	var runErr error
	defer func() { observability.EndSpanWithError(span, runErr) }()

	for idx := range r.stages {
		switch e.runStage(ctx, r, idx) {
		case stageHalted:
			runErr = e.haltReason(r)
			return
		case stagePaused:
			if !e.awaitResume(ctx, r) {
				runErr = e.haltReason(r)
				return
			}
		}
	}

	r.mu.Lock()
	if r.exec.Status == model.ExecutionRunning {
		r.exec.CurrentStage = len(r.stages)
		e.finishLocked(r.bg, r, model.ExecutionCompleted, "", "")
	}
	r.mu.Unlock()
}

// haltReason makes sure a halted run is terminal and returns its error.
func (e *Engine) haltReason(r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.exec.Status.Terminal() {
		e.finishLocked(r.bg, r, model.ExecutionError, "execution interrupted: engine shutting down", "")
	}
	if r.exec.Status == model.ExecutionError {
		return errors.New(r.exec.Error)
	}
	return nil
}

func (e *Engine) awaitResume(ctx context.Context, r *run) bool {
	select {
	case <-r.resume:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.exec.Status == model.ExecutionRunning
	case <-ctx.Done():
		return false
	}
}

// namespaceLocked returns the values visible to the next stage, and the
// published outputs keyed by step ID for condition evaluation.
func (r *run) namespaceLocked() (resolver.Namespace, map[string]string) {
	outputs := maps.Clone(r.exec.StepOutputs)
	byStep := make(map[string]string, len(r.wf.Steps))
	for _, s := range r.wf.Steps {
		switch r.exec.StepStatuses[s.ID] {
		case model.StepCompleted, model.StepSkipped:
			byStep[s.ID] = outputs[s.OutputKey]
		}
	}
	return resolver.NewNamespace(maps.Clone(r.exec.GlobalInputs), outputs), byStep
}

type dispatch struct {
	step   model.WorkflowStep
	inputs map[string]string
}

// runStage evaluates, dispatches, and folds in one stage.
func (e *Engine) runStage(ctx context.Context, r *run, idx int) stageOutcome {
	group := r.stages[idx]

	// 1. Evaluate conditions and resolve inputs against the stable namespace.
	r.mu.Lock()
	if r.exec.Status != model.ExecutionRunning {
		r.mu.Unlock()
		return stageHalted
	}
	r.exec.CurrentStage = idx
	ns, byStep := r.namespaceLocked()
	statuses := maps.Clone(r.exec.StepStatuses)

	var work []dispatch
	var skipped []model.WorkflowStep
	for _, id := range group.StepIDs {
		step, ok := r.wf.Step(id)
		if !ok {
			continue
		}
		if step.Condition != nil && !e.evaluator.Evaluate(*step.Condition, byStep, statuses) {
			r.exec.StepStatuses[id] = model.StepSkipped
			r.exec.StepOutputs[step.OutputKey] = ""
			r.exec.SkipReasons[id] = condition.Describe(*step.Condition)
			skipped = append(skipped, step)
			continue
		}
		work = append(work, dispatch{step: step, inputs: resolver.Resolve(step, ns)})
		r.exec.StepStatuses[id] = model.StepRunning
	}
	_ = e.persistLocked(r.bg, r)
	_ = e.appendEvent(r.bg, r.exec.ID, "", model.EventStageStarted,
		map[string]any{"stage": idx, "steps": group.StepIDs}, "")
	for _, step := range skipped {
		_ = e.appendEvent(r.bg, r.exec.ID, step.ID, model.EventStepSkipped, nil, r.exec.SkipReasons[step.ID])
		e.metrics.RecordStep(r.wf.ID, step.ID, string(model.StepSkipped), 0)
	}
	r.notifyLocked()
	r.mu.Unlock()

	e.metrics.RecordStage(r.wf.ID, len(group.StepIDs))

	// 2. Dispatch the stage concurrently and wait for all of it.
	results := make([]stepResult, len(work))
	var g errgroup.Group
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	for i, d := range work {
		g.Go(func() error {
			results[i] = e.executeStep(ctx, r, idx, d)
			return nil
		})
	}
	_ = g.Wait()

	// 3. Fold results in after the barrier.
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec.Status != model.ExecutionRunning {
		return stageHalted
	}
	if ctx.Err() != nil {
		return stageHalted
	}

	var fatal string
	var review []string
	for _, res := range results {
		step := res.step
		if res.err != nil {
			msg := res.err.Error()
			r.exec.StepStatuses[step.ID] = model.StepError
			r.exec.StepErrors[step.ID] = msg
			_ = e.appendEvent(r.bg, r.exec.ID, step.ID, model.EventStepFailed,
				map[string]any{"attempts": res.attempts, "optional": step.Optional}, msg)
			e.metrics.RecordStep(r.wf.ID, step.ID, string(model.StepError), res.duration)

			if step.Optional {
				e.logger.Warn("optional step failed",
					zap.String("execution_id", r.exec.ID),
					zap.String("step_id", step.ID),
					zap.Error(res.err),
				)
				continue
			}
			if fatal == "" {
				fatal = fmt.Sprintf("step %s (%s) failed: %s", step.ID, step.DisplayName(), msg)
			}
			continue
		}

		r.exec.StepStatuses[step.ID] = model.StepCompleted
		r.exec.StepOutputs[step.OutputKey] = res.output
		_ = e.appendEvent(r.bg, r.exec.ID, step.ID, model.EventStepCompleted, map[string]any{
			"attempts":      res.attempts,
			"duration_ms":   res.duration.Milliseconds(),
			"input_tokens":  res.usage.InputTokens,
			"output_tokens": res.usage.OutputTokens,
		}, "")
		e.metrics.RecordStep(r.wf.ID, step.ID, string(model.StepCompleted), res.duration)
		if step.ReviewRequired {
			review = append(review, step.ID)
		}
	}

	switch {
	case fatal != "":
		e.finishLocked(r.bg, r, model.ExecutionError, fatal, "")
		return stageHalted
	case len(review) > 0:
		r.exec.CurrentStage = idx + 1
		r.exec.Status = model.ExecutionPaused
		r.exec.AwaitingReview = review
		_ = e.persistLocked(r.bg, r)
		_ = e.appendEvent(r.bg, r.exec.ID, "", model.EventPaused, map[string]any{"awaiting_review": review}, "")
		e.metrics.RecordRunPause(r.wf.ID)
		e.logger.Info("execution paused for review",
			zap.String("execution_id", r.exec.ID),
			zap.Strings("awaiting_review", review),
		)
		r.notifyLocked()
		return stagePaused
	default:
		r.exec.CurrentStage = idx + 1
		_ = e.persistLocked(r.bg, r)
		r.notifyLocked()
		return stageNext
	}
}

// executeStep invokes the skill of one step under its timeout and retry
// policy.
func (e *Engine) executeStep(ctx context.Context, r *run, stage int, d dispatch) stepResult {
	step := d.step
	res := stepResult{step: step}

	r.mu.RLock()
	execID := r.exec.ID
	opts := r.exec.Options
	opts.Labels = maps.Clone(opts.Labels)
	r.mu.RUnlock()

	correlationID := model.CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = execID
	}
	sc := model.StepContext{
		ExecutionID:   execID,
		WorkflowID:    r.wf.ID,
		StepID:        step.ID,
		SkillID:       step.SkillID,
		Stage:         stage,
		CorrelationID: correlationID,
	}

	ctx, span := observability.StartSpan(ctx, "workflow.step",
		observability.AttrExecutionID.String(execID),
		observability.AttrStepID.String(step.ID),
		observability.AttrSkillID.String(step.SkillID),
		observability.AttrStage.Int(stage),
	)
	defer func() { observability.EndSpanWithError(span, res.err) }()

	logger := observability.StepLogger(model.WithStepContext(ctx, &sc), e.logger)
	logger.Debug("dispatching step",
		zap.Any("inputs", observability.RedactInputs(resolver.RedactInputs(d.inputs, 200), nil)),
	)

	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	policy := e.retry
	if step.Retry != nil {
		policy = *step.Retry
	}

	req := model.SkillRequest{
		SkillID:     step.SkillID,
		Inputs:      d.inputs,
		Options:     opts,
		ExecutionID: execID,
		StepID:      step.ID,
	}

	start := time.Now()
	operation := func() error {
		res.attempts++
		attemptCtx := sc
		attemptCtx.Attempt = res.attempts
		actx, cancel := context.WithTimeout(model.WithStepContext(ctx, &attemptCtx), timeout)
		defer cancel()

		out, err := e.invoker.Invoke(actx, req)
		switch {
		case err == nil:
			e.metrics.RecordSkillInvocation(step.SkillID, "success")
			res.output = out.Output
			res.usage = out.Usage
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			e.metrics.RecordSkillInvocation(step.SkillID, "timeout")
			return fmt.Errorf("timed out after %s: %w", timeout, model.NewSkillTimeoutError())
		case model.HasCode(err, model.ErrSkillNotFound), model.HasCode(err, model.ErrBadRequest):
			e.metrics.RecordSkillInvocation(step.SkillID, "error")
			return backoff.Permanent(err)
		default:
			e.metrics.RecordSkillInvocation(step.SkillID, "error")
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.RecordStepRetry(r.wf.ID, step.ID)
		logger.Warn("retrying step",
			zap.Int("attempt", res.attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	res.err = backoff.RetryNotify(operation, backoff.WithContext(newBackOff(policy), ctx), notify)
	res.duration = time.Since(start)
	span.SetAttributes(observability.AttrAttempt.Int(res.attempts))

	if res.err != nil && ctx.Err() == nil {
		logger.Warn("step failed", zap.Int("attempts", res.attempts), zap.Error(res.err))
	}
	return res
}

// finishLocked moves r to a terminal status. r.mu must be held for writing.
func (e *Engine) finishLocked(ctx context.Context, r *run, status model.ExecutionStatus, errMsg, reason string) {
	now := e.now()
	r.exec.Status = status
	r.exec.Error = errMsg
	r.exec.CompletedAt = &now
	_ = e.persistLocked(ctx, r)

	var duration time.Duration
	if r.exec.StartedAt != nil {
		duration = now.Sub(*r.exec.StartedAt)
	}

	fields := []zap.Field{
		zap.String("execution_id", r.exec.ID),
		zap.String("workflow_id", r.wf.ID),
		zap.Duration("duration", duration),
	}
	switch status {
	case model.ExecutionCompleted:
		_ = e.appendEvent(ctx, r.exec.ID, "", model.EventCompleted, nil, "")
		e.logger.Info("execution completed", fields...)
	case model.ExecutionCancelled:
		_ = e.appendEvent(ctx, r.exec.ID, "", model.EventCancelled, nil, reason)
		e.logger.Info("execution cancelled", append(fields, zap.String("reason", reason))...)
	default:
		_ = e.appendEvent(ctx, r.exec.ID, "", model.EventFailed, nil, errMsg)
		e.logger.Error("execution failed", append(fields, zap.String("error", errMsg))...)
	}
	if r.exec.StartedAt != nil {
		e.metrics.RecordRunCompletion(r.wf.ID, string(status), duration)
	}
	r.notifyLocked()
}

// persistLocked writes r to the store. r.mu must be held for writing.
func (e *Engine) persistLocked(ctx context.Context, r *run) error {
	r.exec.UpdatedAt = e.now()
	if err := e.store.Update(ctx, r.exec); err != nil {
		e.logger.Error("failed to persist execution",
			zap.String("execution_id", r.exec.ID),
			zap.Error(err),
		)
		return err
	}
	r.exec.Version++
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, executionID, stepID, event string, data map[string]any, message string) error {
	err := e.store.AppendEvent(ctx, model.ExecutionEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Event:       event,
		Data:        data,
		Message:     message,
		Timestamp:   e.now(),
	})
	if err != nil {
		e.logger.Error("failed to append execution event",
			zap.String("execution_id", executionID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
	return err
}
