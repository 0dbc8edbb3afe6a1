// Package orchestrator turns a submitted Task into a completed
// Result by decomposing it into a Subtask DAG, routing and dispatching
// each subtask to the Fleet, aggregating leaf outputs, and recording
// every decision and execution to the audit ledger.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetlabs/orchestrator/internal/fleet"
	"github.com/fleetlabs/orchestrator/internal/ferrors"
	"github.com/fleetlabs/orchestrator/internal/ids"
	"github.com/fleetlabs/orchestrator/internal/ledger"
	"github.com/fleetlabs/orchestrator/internal/memory"
	"github.com/fleetlabs/orchestrator/internal/observability"
	"github.com/fleetlabs/orchestrator/internal/router"
	"github.com/fleetlabs/orchestrator/resilience"
	"go.opentelemetry.io/otel/trace"
)

// Config bounds the Orchestrator's optional behaviors.
type Config struct {
	// ContextWindows supplies per-model context-window sizes so the
	// Aggregate strategy can decide whether it needs to insert an
	// intermediate compression subtask. Nil disables the check.
	ContextWindows router.ContextWindows
	// ReservedTokensForPromptAndOutput is subtracted from a model's
	// context window before checking whether concatenated child
	// outputs fit.
	ReservedTokensForPromptAndOutput int
	// Tracer emits spans for the run phase and for each subtask
	// dispatch. Nil disables tracing.
	Tracer *observability.Tracer
}

// Orchestrator is the process-wide facade coordinating the Fleet,
// Router, Memory, and Ledger for every submitted Task.
type Orchestrator struct {
	fleet   *fleet.Fleet
	router  *router.Router
	ledger  *ledger.Ledger
	memory  *memory.Memory
	metrics *observability.MetricsCollector
	logger  observability.Logger
	config  Config

	mu    sync.Mutex
	tasks map[string]*Task
}

func New(f *fleet.Fleet, r *router.Router, l *ledger.Ledger, m *memory.Memory, metrics *observability.MetricsCollector, logger observability.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = observability.NewNoOpLogger()
	}
	return &Orchestrator{
		fleet:   f,
		router:  r,
		ledger:  l,
		memory:  m,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		tasks:   make(map[string]*Task),
	}
}

// Submit enqueues a task and returns a Handle usable to Await or
// Cancel it. Fails with InvalidInput if the description is empty or
// the project is unknown.
func (o *Orchestrator) Submit(ctx context.Context, project, description string, structuredInputs interface{}, deadline time.Time) (*Handle, error) {
	if strings.TrimSpace(description) == "" {
		return nil, ferrors.Wrap("orchestrator", "Submit", ferrors.ErrInvalidInput)
	}
	if o.memory != nil && !o.memory.Exists(project) {
		return nil, ferrors.Wrap("orchestrator", "Submit", ferrors.ErrInvalidInput)
	}

	task := &Task{
		ID:               ids.New(),
		Project:          project,
		Description:      description,
		StructuredInputs: structuredInputs,
		Deadline:         deadline,
		StartedAt:        time.Now(),
		status:           TaskNew,
		done:             make(chan struct{}),
	}

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	go o.run(task)

	return &Handle{TaskID: task.ID}, nil
}

// Await blocks up to deadline for handle's task to reach a terminal
// state.
func (o *Orchestrator) Await(ctx context.Context, handle *Handle, deadline time.Time) (*Result, error) {
	task, ok := o.lookup(handle.TaskID)
	if !ok {
		return nil, ferrors.Wrap("orchestrator", "Await", ferrors.ErrNotFound)
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		d := time.NewTimer(time.Until(deadline))
		defer d.Stop()
		timer = d.C
	}

	select {
	case <-task.done:
		task.mu.Lock()
		result, err := task.result, task.err
		task.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return result, nil
	case <-timer:
		return nil, ferrors.Wrap("orchestrator", "Await", ferrors.ErrDeadlineExceeded)
	case <-ctx.Done():
		return nil, ferrors.Wrap("orchestrator", "Await", ferrors.ErrCancelled)
	}
}

// Cancel signals cancellation. Within about 20ms the task's run
// context is cancelled, which aborts in-flight slot acquisitions and
// provider calls; their results are discarded and the task transitions
// to Cancelled unless it has already reached a terminal state.
func (o *Orchestrator) Cancel(handle *Handle) error {
	task, ok := o.lookup(handle.TaskID)
	if !ok {
		return ferrors.Wrap("orchestrator", "Cancel", ferrors.ErrNotFound)
	}
	task.mu.Lock()
	task.cancelled = true
	task.mu.Unlock()
	return nil
}

func (o *Orchestrator) lookup(taskID string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	return t, ok
}

// run executes Analyze/Plan/Route/Dispatch/Aggregate/Record for one
// task from submission to a terminal state.
func (o *Orchestrator) run(task *Task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.watchCancellation(ctx, cancel, task)

	var runErr error
	if o.config.Tracer != nil {
		var span trace.Span
		ctx, span = o.config.Tracer.StartOrchestratorSpan(ctx, task.ID, "run")
		defer func() { o.config.Tracer.EndSpan(span, runErr) }()
	}

	o.transition(task, TaskPlanning)

	complexity := ComputeComplexity(task.Description, task.StructuredInputs)
	task.mu.Lock()
	task.complexity = complexity
	task.mu.Unlock()

	subtasks, err := Plan(task, complexity)
	if err != nil {
		runErr = err
		o.fail(task, err)
		return
	}
	task.mu.Lock()
	task.subtasks = subtasks
	task.mu.Unlock()

	o.recordDecision(ctx, task.ID, "plan-freeze", map[string]interface{}{
		"description": task.Description,
		"complexity":  complexity,
	}, map[string]interface{}{"subtask_count": len(subtasks)})

	o.transition(task, TaskDispatched)

	if task.isCancelled() {
		o.finishCancelled(task)
		return
	}

	final, fatalErr := o.dispatchLevels(ctx, task, subtasks)
	if task.isCancelled() {
		o.finishCancelled(task)
		return
	}
	if fatalErr != nil {
		runErr = fatalErr
		o.fail(task, fatalErr)
		return
	}

	output, failed := final.Output()
	status := TaskDone
	if failed {
		status = TaskFailed
	}
	result := &Result{
		TaskID:     task.ID,
		Output:     output,
		Failed:     failed,
		Subtasks:   len(subtasks),
		Complexity: complexity,
	}

	o.recordDecision(ctx, task.ID, "record", map[string]interface{}{"status": string(status)}, result)

	var finalErr error
	if failed {
		finalErr = ferrors.Wrap("orchestrator", "run", fmt.Errorf("root subtask failed: %s", output))
		runErr = finalErr
	}
	task.setStatus(status)
	if o.metrics != nil {
		o.metrics.RecordTask(string(status), time.Since(task.StartedAt))
	}
	task.finish(status, result, finalErr)
}

func (o *Orchestrator) watchCancellation(ctx context.Context, cancel context.CancelFunc, task *Task) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if task.isCancelled() {
				cancel()
				return
			}
		}
	}
}

// dispatchLevels dispatches subtasks level by level: Plan produces a
// leveled DAG (leaves at level 0, intermediate aggregations at level
// 1, a final aggregation at level 2 for the Deep tier), so level order
// is always a valid topological order with every level's dependencies
// already satisfied by the previous one.
func (o *Orchestrator) dispatchLevels(ctx context.Context, task *Task, subtasks []*Subtask) (*Subtask, error) {
	byID := make(map[string]*Subtask, len(subtasks))
	for _, s := range subtasks {
		byID[s.ID] = s
	}

	levels := groupByLevel(subtasks)
	var last *Subtask

	for _, level := range levels {
		if task.isCancelled() {
			return nil, nil
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var fatal error

		for _, s := range level {
			wg.Add(1)
			go func(s *Subtask) {
				defer wg.Done()
				if err := o.dispatchOne(ctx, task, s, byID); err != nil && ferrors.Terminal(err) {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
				}
			}(s)
		}
		wg.Wait()

		if fatal != nil {
			return nil, fatal
		}
		if len(level) > 0 {
			last = level[len(level)-1]
		}
	}

	return last, nil
}

func groupByLevel(subtasks []*Subtask) [][]*Subtask {
	byLevel := map[int][]*Subtask{}
	maxLevel := 0
	for _, s := range subtasks {
		byLevel[s.Level] = append(byLevel[s.Level], s)
		if s.Level > maxLevel {
			maxLevel = s.Level
		}
	}
	levels := make([][]*Subtask, 0, maxLevel+1)
	for i := 0; i <= maxLevel; i++ {
		levels = append(levels, byLevel[i])
	}
	return levels
}

// dispatchOne routes, dispatches, and executes a single subtask,
// recording its execution to the ledger. Aggregation subtasks have
// their description replaced with the concatenation of their
// dependencies' outputs just-in-time, inserting a compression subtask
// first if the concatenation would not fit the chosen model's context.
func (o *Orchestrator) dispatchOne(ctx context.Context, task *Task, s *Subtask, byID map[string]*Subtask) error {
	s.setStatus(SubtaskReady)

	strategy := s.Strategy
	if strategy == "" {
		strategy = router.Standard
	}

	input := s.Description
	if s.IsAggregation {
		input = o.concatenateDependencies(s, byID)
	}

	decision, err := o.router.Select(strategy)
	if err != nil {
		s.fail(placeholderFailure(err))
		return err
	}

	if s.IsAggregation && o.config.ContextWindows != nil {
		if !o.config.ContextWindows.FitsContext(decision.Model, input, o.config.ReservedTokensForPromptAndOutput) {
			compressed, cerr := o.compress(ctx, input)
			if cerr == nil {
				input = compressed
			}
		}
	}

	// stageExecute is the zero value so a strategy-level timeout fired
	// by resilience.WithTimeoutResult before fn returns (leaving
	// dispatchResult at its zero value) is treated the same as an
	// Execute-stage failure: never terminal to the rest of the DAG.
	// Only an observed AcquireSlot failure can halt dispatch early.
	type stage int
	const (
		stageExecute stage = iota
		stageAcquire
	)
	type dispatchResult struct {
		out   *fleet.Output
		stage stage
	}

	var span trace.Span
	spanCtx := ctx
	if o.config.Tracer != nil {
		spanCtx, span = o.config.Tracer.StartFleetSpan(ctx, s.ID, decision.Provider, decision.Model)
	}

	result, err := resilience.WithTimeoutResult(spanCtx, strategy.Timeout(), func(strategyCtx context.Context) (dispatchResult, error) {
		slot, err := o.fleet.AcquireSlot(strategyCtx, decision.Provider)
		if err != nil {
			return dispatchResult{stage: stageAcquire}, err
		}
		s.setStatus(SubtaskDispatched)
		out, err := o.fleet.Execute(strategyCtx, slot, fleet.Request{Model: decision.Model, UserPrompt: input})
		return dispatchResult{out: out, stage: stageExecute}, err
	})
	if span != nil {
		o.config.Tracer.EndSpan(span, err)
	}
	if err != nil {
		s.fail(placeholderFailure(err))
		o.recordExecution(ctx, task.ID, s.ID, input, err.Error())
		o.recordSubtaskMetric(s, "failed")
		if result.stage == stageAcquire {
			return err
		}
		return nil
	}
	out := result.out

	s.complete(out.Text)
	o.recordExecution(ctx, task.ID, s.ID, input, out.Text)
	o.recordSubtaskMetric(s, "succeeded")
	return nil
}

func (o *Orchestrator) compress(ctx context.Context, input string) (string, error) {
	decision, err := o.router.Select(router.Standard)
	if err != nil {
		return "", err
	}
	slot, err := o.fleet.AcquireSlot(ctx, decision.Provider)
	if err != nil {
		return "", err
	}
	prompt := "Summarize the following content, preserving all decisions and facts, to fit a smaller context window:\n\n" + input
	out, err := o.fleet.Execute(ctx, slot, fleet.Request{Model: decision.Model, UserPrompt: prompt})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (o *Orchestrator) concatenateDependencies(s *Subtask, byID map[string]*Subtask) string {
	ids := append([]string(nil), s.Dependencies...)
	sort.Strings(ids)

	var b strings.Builder
	for _, depID := range ids {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		text, failed := dep.Output()
		if failed {
			text = placeholderFailure(fmt.Errorf("dependency %s failed", depID))
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func placeholderFailure(err error) string {
	return fmt.Sprintf("[subtask failed: %v]", err)
}

func (o *Orchestrator) transition(task *Task, status TaskStatus) {
	task.setStatus(status)
	if o.metrics != nil {
		o.metrics.RecordTask(string(status), time.Since(task.StartedAt))
	}
	o.recordDecision(context.Background(), task.ID, "transition", nil, map[string]interface{}{"status": string(status)})
}

func (o *Orchestrator) recordDecision(ctx context.Context, taskID, action string, inputs, outputs interface{}) {
	if o.ledger == nil {
		return
	}
	if _, err := o.ledger.Append(ctx, ledger.KindOrchestratorDecision, taskID, "orchestrator", inputs, outputs, ""); err != nil {
		o.logger.Warn("ledger append failed", observability.String("task_id", taskID), observability.String("action", action), observability.Err(err))
	}
}

func (o *Orchestrator) recordExecution(ctx context.Context, taskID, subtaskID, input, output string) {
	if o.ledger == nil {
		return
	}
	if _, err := o.ledger.Append(ctx, ledger.KindWorkerExecution, taskID, subtaskID, input, output, ""); err != nil {
		o.logger.Warn("ledger append failed", observability.String("task_id", taskID), observability.String("subtask_id", subtaskID), observability.Err(err))
	}
}

func (o *Orchestrator) recordSubtaskMetric(s *Subtask, outcome string) {
	if o.metrics == nil {
		return
	}
	strategy := string(s.Strategy)
	if strategy == "" {
		strategy = string(router.Standard)
	}
	o.metrics.RecordSubtask(strategy, outcome)
}

func (o *Orchestrator) fail(task *Task, err error) {
	task.setStatus(TaskFailed)
	task.finish(TaskFailed, nil, err)
	if o.metrics != nil {
		o.metrics.RecordTask(string(TaskFailed), time.Since(task.StartedAt))
	}
}

func (o *Orchestrator) finishCancelled(task *Task) {
	task.setStatus(TaskCancelled)
	task.finish(TaskCancelled, nil, ferrors.Wrap("orchestrator", "run", ferrors.ErrCancelled))
	if o.metrics != nil {
		o.metrics.RecordTask(string(TaskCancelled), time.Since(task.StartedAt))
	}
}
