// Package orchestrator is the self-healing control loop. It owns run
// state, reacts to step outcomes, and drives the escalating repair
// ladder within run-level SLO ceilings.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/metabuilder/internal/breaker"
	"github.com/cloud-shuttle/metabuilder/internal/budget"
	"github.com/cloud-shuttle/metabuilder/internal/distexec"
	"github.com/cloud-shuttle/metabuilder/internal/events"
	"github.com/cloud-shuttle/metabuilder/internal/sandbox"
	"github.com/cloud-shuttle/metabuilder/internal/scheduler"
	"github.com/cloud-shuttle/metabuilder/internal/store"
	"github.com/cloud-shuttle/metabuilder/pkg/telemetry"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// CounterPolicy selects which attempt counter the SLO attempt ceiling is
// checked against
type CounterPolicy string

const (
	// CounterGlobal drives the repair ladder and the MaxAttempts ceiling
	// with the run-wide attempt total
	CounterGlobal CounterPolicy = "global"
	// CounterPerPhase restarts the count at each rung of the ladder
	CounterPerPhase CounterPolicy = "per_phase"
)

// Notifier receives terminal run transitions for out-of-band delivery
type Notifier interface {
	NotifyRunEscalated(runID, reason string)
	NotifyRunCompleted(runID string, cost float64)
	NotifyRunFailed(runID, reason string)
}

// Config holds orchestrator settings
type Config struct {
	// SLOs are the run-level ceilings that halt automated repair
	SLOs budget.RunSLOs
	// CounterPolicy selects global or per-phase attempt accounting
	CounterPolicy CounterPolicy
	// BreakerConfig is applied to the per-failure-class repair breakers
	BreakerConfig breaker.Config
	// DefaultBudget and DefaultSLA apply to runs that do not set their own
	DefaultBudget budget.Budget
	DefaultSLA    budget.SLARequirements
	// MaxBackoff caps the exponential retry delay
	MaxBackoff time.Duration
}

// DefaultConfig returns the standard orchestrator configuration
func DefaultConfig() Config {
	return Config{
		SLOs:          budget.DefaultRunSLOs(),
		CounterPolicy: CounterGlobal,
		BreakerConfig: breaker.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  5 * time.Minute,
			HalfOpenMaxCalls: 3,
		},
		DefaultBudget: budget.DefaultBudget(),
		DefaultSLA:    budget.DefaultSLA(),
		MaxBackoff:    300 * time.Second,
	}
}

// Stats summarizes orchestrator state
type Stats struct {
	Runs          int                      `json:"runs"`
	ActiveRuns    int                      `json:"active_runs"`
	EscalatedRuns int                      `json:"escalated_runs"`
	CompletedRuns int                      `json:"completed_runs"`
	FailedRuns    int                      `json:"failed_runs"`
	RepairsTotal  int                      `json:"repairs_total"`
	Breakers      map[string]breaker.State `json:"breakers"`
	SLAViolations int                      `json:"sla_violations"`
	Executor      distexec.Stats           `json:"executor"`
}

// Orchestrator coordinates runs across the executor, scheduler, SLA
// monitor, circuit breakers, and sandbox. All collaborators are injected;
// the orchestrator never reaches for shared globals.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config

	runs map[string]*types.Run

	exec     *distexec.Executor
	sched    *scheduler.CostAwareScheduler
	monitor  *scheduler.SLAMonitor
	breakers *breaker.Registry
	sandbox  *sandbox.Sandbox
	store    store.RunStore
	bus      *events.Bus
	notifier Notifier

	logger *log.Logger
	now    func() time.Time
	// afterFunc schedules delayed retries; replaced in tests
	afterFunc func(time.Duration, func()) *time.Timer
}

// New creates an orchestrator over the given collaborators
func New(exec *distexec.Executor, sched *scheduler.CostAwareScheduler, monitor *scheduler.SLAMonitor, st store.RunStore, bus *events.Bus, cfg Config) *Orchestrator {
	if cfg.CounterPolicy == "" {
		cfg.CounterPolicy = CounterGlobal
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.SLOs == (budget.RunSLOs{}) {
		cfg.SLOs = budget.DefaultRunSLOs()
	}

	return &Orchestrator{
		cfg:       cfg,
		runs:      make(map[string]*types.Run),
		exec:      exec,
		sched:     sched,
		monitor:   monitor,
		breakers:  breaker.NewRegistry(cfg.BreakerConfig),
		sandbox:   sandbox.New(),
		store:     st,
		bus:       bus,
		logger:    log.Default(),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// SetNotifier attaches an optional terminal-transition notifier
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// SetLogger sets the orchestrator's logger
func (o *Orchestrator) SetLogger(logger *log.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger = logger
}

// StartRun creates a run in the running state, registers its budget and
// SLA with the scheduler, and submits the first pipeline step. Steps run
// sequentially; each completion submits the next.
func (o *Orchestrator) StartRun(tenantID, spec string, b budget.Budget, sla budget.SLARequirements) (*types.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if b == (budget.Budget{}) {
		b = o.cfg.DefaultBudget
	}
	if sla == (budget.SLARequirements{}) {
		sla = o.cfg.DefaultSLA
	}

	now := o.now().Unix()
	run := &types.Run{
		ID:       fmt.Sprintf("run-%s", uuid.New().String()),
		TenantID: tenantID,
		Spec:     spec,
		State:    types.RunStateRunning,
		Phase:    types.PhaseRetry,
		// The retry phase counts as the first repair phase
		RepairPhaseCount: 1,
		StartedAt:        now,
		UpdatedAt:        now,
		PhaseAttempts:    make(map[types.RepairPhase]int),
	}

	for i, agent := range types.Pipeline {
		run.Steps = append(run.Steps, types.StepRecord{
			StepID:    fmt.Sprintf("step-%02d-%s", i+1, agent),
			AgentType: agent,
			Status:    types.StepStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	_, span := telemetry.StartRunSpan(context.Background(), telemetry.SpanRunStart, run.ID,
		attribute.String(telemetry.KeyTenantID, tenantID))
	defer span.End()

	o.sched.RegisterRun(run.ID, b, sla)
	o.runs[run.ID] = run

	o.submitStepLocked(run, &run.Steps[0])

	if err := o.persistLocked(run); err != nil {
		return nil, err
	}

	o.publish(events.NewEvent(events.EventRunStarted, run.ID, "", map[string]any{
		"tenant_id": tenantID,
		"steps":     len(run.Steps),
	}))
	o.logger.Printf("[orchestrator] started run %s (tenant=%s, %d steps)", run.ID, tenantID, len(run.Steps))

	return copyRun(run), nil
}

// HandleStepSuccess records a completed step, accumulates its cost, and
// advances the pipeline. Completing the final step completes the run.
func (o *Orchestrator) HandleStepSuccess(runID, stepID string, cost float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.runs[runID]
	if !ok {
		return fmt.Errorf("handling step success: %w: %s", store.ErrRunNotFound, runID)
	}
	if run.State.Terminal() {
		return fmt.Errorf("handling step success for run %s: run is in terminal state %s", runID, run.State)
	}

	step := findStep(run, stepID)
	if step == nil {
		return fmt.Errorf("handling step success for run %s: unknown step %s", runID, stepID)
	}

	now := o.now().Unix()
	run.CurrentCost += cost
	run.UpdatedAt = now
	step.Status = types.StepStatusCompleted
	step.UpdatedAt = now

	// A success after failures counts toward re-closing that class's breaker
	if class, ok := lastFailureClass(run, stepID); ok {
		o.breakers.ForKey(string(class)).RecordSuccess()
	}

	// Advisory compliance check; violations are recorded, not enforced here
	if sla, ok := o.sched.GetSLA(runID); ok {
		elapsed := time.Duration(now-run.StartedAt) * time.Second
		o.monitor.CheckSLACompliance(runID, sla, elapsed, run.CurrentCost)
	}

	o.publish(events.NewEvent(events.EventStepCompleted, runID, stepID, map[string]any{
		"cost": cost,
	}))

	if next := nextPendingStep(run); next != nil {
		o.submitStepLocked(run, next)
	} else if allStepsCompleted(run) {
		run.State = types.RunStateCompleted
		o.sched.ReleaseRun(runID)
		o.publish(events.NewEvent(events.EventRunCompleted, runID, "", map[string]any{
			"cost":     run.CurrentCost,
			"attempts": run.AttemptCount,
		}))
		if o.notifier != nil {
			o.notifier.NotifyRunCompleted(runID, run.CurrentCost)
		}
		o.logger.Printf("[orchestrator] run %s completed ($%.4f, %d repair attempts)",
			runID, run.CurrentCost, run.AttemptCount)
	}

	return o.persistLocked(run)
}

// GetRunStatus returns a copy of a tracked run
func (o *Orchestrator) GetRunStatus(runID string) (*types.Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("getting run status: %w: %s", store.ErrRunNotFound, runID)
	}
	return copyRun(run), nil
}

// ListRuns returns copies of all tracked runs
func (o *Orchestrator) ListRuns() []*types.Run {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*types.Run, 0, len(o.runs))
	for _, run := range o.runs {
		out = append(out, copyRun(run))
	}
	return out
}

// GetStats returns orchestrator statistics
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	stats := Stats{
		Runs:     len(o.runs),
		Breakers: o.breakers.States(),
	}
	for _, run := range o.runs {
		stats.RepairsTotal += len(run.RepairHistory)
		switch run.State {
		case types.RunStateRunning:
			stats.ActiveRuns++
		case types.RunStateEscalated:
			stats.EscalatedRuns++
		case types.RunStateCompleted:
			stats.CompletedRuns++
		case types.RunStateFailed:
			stats.FailedRuns++
		}
	}
	o.mu.Unlock()

	stats.SLAViolations = o.monitor.ViolationCount()
	stats.Executor = o.exec.GetStats()
	return stats
}

// submitStepLocked routes a step's task to the executor. Caller must hold
// the lock.
func (o *Orchestrator) submitStepLocked(run *types.Run, step *types.StepRecord) {
	priority := o.sched.GetQueuePriority(run.ID)
	taskID := o.exec.SubmitAgentTask(run.ID, step.StepID, step.AgentType, priority)

	now := o.now().Unix()
	step.Status = types.StepStatusRunning
	step.TaskID = taskID
	step.UpdatedAt = now
	run.UpdatedAt = now

	o.publish(events.NewEvent(events.EventTaskSubmitted, run.ID, step.StepID, map[string]any{
		"task_id": taskID,
		"agent":   string(step.AgentType),
	}))
}

// persistLocked writes the run through to the store. Caller must hold the
// lock.
func (o *Orchestrator) persistLocked(run *types.Run) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.SaveRun(run); err != nil {
		return fmt.Errorf("persisting run %s: %w", run.ID, err)
	}
	return nil
}

// publish emits an event when a bus is attached
func (o *Orchestrator) publish(event *events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(context.Background(), event); err != nil {
		o.logger.Printf("[orchestrator] publishing %s event: %v", event.Type, err)
	}
}

func findStep(run *types.Run, stepID string) *types.StepRecord {
	for i := range run.Steps {
		if run.Steps[i].StepID == stepID {
			return &run.Steps[i]
		}
	}
	return nil
}

func nextPendingStep(run *types.Run) *types.StepRecord {
	for i := range run.Steps {
		if run.Steps[i].Status == types.StepStatusPending {
			return &run.Steps[i]
		}
	}
	return nil
}

func allStepsCompleted(run *types.Run) bool {
	for i := range run.Steps {
		if run.Steps[i].Status != types.StepStatusCompleted {
			return false
		}
	}
	return true
}

// lastFailureClass returns the failure class of the step's most recent
// repair attempt
func lastFailureClass(run *types.Run, stepID string) (types.FailureClass, bool) {
	for i := len(run.RepairHistory) - 1; i >= 0; i-- {
		if run.RepairHistory[i].StepID == stepID {
			return run.RepairHistory[i].FailureClass, true
		}
	}
	return "", false
}

func copyRun(run *types.Run) *types.Run {
	out := *run
	out.Steps = append([]types.StepRecord(nil), run.Steps...)
	out.RepairHistory = append([]types.RepairAttempt(nil), run.RepairHistory...)
	if run.PhaseAttempts != nil {
		out.PhaseAttempts = make(map[types.RepairPhase]int, len(run.PhaseAttempts))
		for phase, count := range run.PhaseAttempts {
			out.PhaseAttempts[phase] = count
		}
	}
	return &out
}
