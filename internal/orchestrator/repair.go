package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/events"
	"github.com/cloud-shuttle/metabuilder/pkg/telemetry"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// Repair strategies, one per rung of the escalation ladder
const (
	StrategyRetryWithBackoff    = "retry_with_backoff"
	StrategyGeneratePatch       = "generate_patch"
	StrategyPartialReplan       = "partial_replan"
	StrategyRollbackAndApproval = "rollback_and_approval"
)

// Phase-local attempt ceilings before the ladder advances
const (
	maxRetryAttempts  = 3
	maxPatchAttempts  = 2
	maxReplanAttempts = 2
)

// Disposition is the outcome of handling one step failure
type Disposition string

const (
	// DispositionRepairScheduled means a repair strategy was scheduled
	DispositionRepairScheduled Disposition = "repair_scheduled"
	// DispositionRepairFailed means the repair itself was rejected
	DispositionRepairFailed Disposition = "repair_failed"
	// DispositionCircuitOpen means the failure class's breaker rejected repair
	DispositionCircuitOpen Disposition = "circuit_open"
	// DispositionSLOExceeded means a run SLO breach halted the run
	DispositionSLOExceeded Disposition = "slo_exceeded"
	// DispositionEscalated means automated repair handed off to a human
	DispositionEscalated Disposition = "escalated"
)

// RepairResult describes how a step failure was handled
type RepairResult struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Disposition Disposition       `json:"disposition"`
	Strategy    string            `json:"strategy,omitempty"`
	Phase       types.RepairPhase `json:"phase"`
	Delay       time.Duration     `json:"delay,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// HandleStepFailure is the self-healing entry point. It counts the
// attempt, consults the failure class's circuit breaker and the run
// SLOs, then walks the repair ladder: retry with backoff, generated
// patch, partial replan, and finally rollback with human approval.
//
// Every handled failure appends one entry to the run's repair history
// regardless of disposition.
func (o *Orchestrator) HandleStepFailure(runID, stepID string, class types.FailureClass, errMsg string) (*RepairResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("handling step failure: run not found: %s", runID)
	}
	if run.State.Terminal() {
		return nil, fmt.Errorf("handling step failure for run %s: run is in terminal state %s", runID, run.State)
	}
	step := findStep(run, stepID)
	if step == nil {
		return nil, fmt.Errorf("handling step failure for run %s: unknown step %s", runID, stepID)
	}

	_, span := telemetry.StartRepairSpan(context.Background(), runID, stepID, string(class))
	defer span.End()

	now := o.now().Unix()
	run.AttemptCount++
	run.UpdatedAt = now
	step.UpdatedAt = now

	o.publish(events.NewEvent(events.EventStepFailed, runID, stepID, map[string]any{
		"failure_class": string(class),
		"error":         errMsg,
	}))

	// The incoming failure is the outcome of this class's previous
	// attempt; record it before gating the next repair.
	br := o.breakers.ForKey(string(class))
	br.RecordFailure()

	if !br.Allow() {
		step.Status = types.StepStatusFailed
		reason := fmt.Sprintf("circuit breaker open for failure class %s", class)
		o.recordRepairLocked(run, stepID, class, "", reason, false)
		o.logger.Printf("[orchestrator] run %s step %s: %s", runID, stepID, reason)
		telemetry.SetDisposition(span, string(DispositionCircuitOpen))
		return &RepairResult{
			RunID:       runID,
			StepID:      stepID,
			Disposition: DispositionCircuitOpen,
			Phase:       run.Phase,
			Reason:      reason,
		}, o.persistLocked(run)
	}

	if result := o.checkSLOsLocked(run, step, class); result != nil {
		telemetry.SetDisposition(span, string(result.Disposition))
		return result, o.persistLocked(run)
	}

	// The ladder consumes whichever counter the policy selects. The
	// run-wide total only grows, so under the global policy the patch and
	// replan rungs fire at most once before rollback.
	attempts := run.PhaseAttempts[run.Phase]
	if o.cfg.CounterPolicy == CounterGlobal {
		// AttemptCount already includes this failure
		attempts = run.AttemptCount - 1
	}
	strategy, nextPhase := determineRepairStrategy(run.Phase, class, attempts)
	if nextPhase != run.Phase {
		run.RepairPhaseCount++
		// Phase-local bookkeeping restarts with each rung of the ladder
		run.Phase = nextPhase
		o.logger.Printf("[orchestrator] run %s step %s: escalating repair phase to %s", runID, stepID, nextPhase)
	}
	run.PhaseAttempts[run.Phase]++

	result := o.executeStrategyLocked(run, step, class, strategy, errMsg)
	telemetry.SetDisposition(span, string(result.Disposition))
	return result, o.persistLocked(run)
}

// checkSLOsLocked halts the run when a run-level SLO is breached. Returns
// nil when the run is within its ceilings. Caller must hold the lock.
func (o *Orchestrator) checkSLOsLocked(run *types.Run, step *types.StepRecord, class types.FailureClass) *RepairResult {
	elapsed := o.now().Sub(time.Unix(run.StartedAt, 0))

	attempts := run.AttemptCount
	if o.cfg.CounterPolicy == CounterPerPhase {
		// This failure counts against the current phase too
		attempts = run.PhaseAttempts[run.Phase] + 1
	}

	if !o.cfg.SLOs.IsExceeded(elapsed, run.CurrentCost, attempts, run.RepairPhaseCount) {
		return nil
	}

	reason := fmt.Sprintf("run SLOs exceeded (elapsed=%v cost=$%.4f attempts=%d phases=%d)",
		elapsed.Truncate(time.Second), run.CurrentCost, attempts, run.RepairPhaseCount)

	run.State = types.RunStateFailed
	step.Status = types.StepStatusFailed
	o.sched.ReleaseRun(run.ID)
	o.recordRepairLocked(run, step.StepID, class, "", reason, false)

	o.publish(events.NewEvent(events.EventRunFailed, run.ID, step.StepID, map[string]any{
		"reason": reason,
	}))
	if o.notifier != nil {
		o.notifier.NotifyRunFailed(run.ID, reason)
	}
	o.logger.Printf("[orchestrator] run %s failed: %s", run.ID, reason)

	return &RepairResult{
		RunID:       run.ID,
		StepID:      step.StepID,
		Disposition: DispositionSLOExceeded,
		Phase:       run.Phase,
		Reason:      reason,
	}
}

// determineRepairStrategy walks the escalation ladder. attempts is the
// count the active counter policy charges against the ladder, run-wide
// by default or phase-local under per-phase accounting; exhausting a
// rung's ceiling advances to the next.
func determineRepairStrategy(phase types.RepairPhase, class types.FailureClass, attempts int) (string, types.RepairPhase) {
	switch phase {
	case types.PhaseRetry:
		if attempts < maxRetryAttempts {
			return StrategyRetryWithBackoff, types.PhaseRetry
		}
		return StrategyGeneratePatch, types.PhasePatch

	case types.PhasePatch:
		if attempts < maxPatchAttempts {
			return StrategyGeneratePatch, types.PhasePatch
		}
		return StrategyPartialReplan, types.PhaseReplan

	case types.PhaseReplan:
		if attempts < maxReplanAttempts {
			return StrategyPartialReplan, types.PhaseReplan
		}
		return StrategyRollbackAndApproval, types.PhaseRollback

	default:
		return StrategyRollbackAndApproval, types.PhaseRollback
	}
}

// executeStrategyLocked applies one repair strategy to a failing step.
// Caller must hold the lock.
func (o *Orchestrator) executeStrategyLocked(run *types.Run, step *types.StepRecord, class types.FailureClass, strategy, errMsg string) *RepairResult {
	switch strategy {
	case StrategyRetryWithBackoff:
		delay := o.backoffDelay(run.PhaseAttempts[types.PhaseRetry])
		step.Status = types.StepStatusRetrying

		runID, stepID := run.ID, step.StepID
		o.afterFunc(delay, func() {
			o.resubmitStep(runID, stepID)
		})

		result := fmt.Sprintf("retry scheduled in %v", delay)
		o.recordRepairLocked(run, stepID, class, strategy, result, true)
		o.publish(events.NewEvent(events.EventRepairScheduled, runID, stepID, map[string]any{
			"strategy": strategy,
			"delay":    delay.String(),
		}))

		return &RepairResult{
			RunID:       runID,
			StepID:      stepID,
			Disposition: DispositionRepairScheduled,
			Strategy:    strategy,
			Phase:       run.Phase,
			Delay:       delay,
		}

	case StrategyGeneratePatch:
		diff := buildPatchDiff(step, errMsg)
		if ok, reason := o.sandbox.ValidateDiff(diff); !ok {
			step.Status = types.StepStatusFailed
			// A rejected patch is itself a failed repair
			o.breakers.ForKey(string(class)).RecordFailure()
			o.recordRepairLocked(run, step.StepID, class, strategy, reason, false)
			o.publish(events.NewEvent(events.EventRepairFailed, run.ID, step.StepID, map[string]any{
				"strategy": strategy,
				"reason":   reason,
			}))
			o.logger.Printf("[orchestrator] run %s step %s: patch rejected: %s", run.ID, step.StepID, reason)

			return &RepairResult{
				RunID:       run.ID,
				StepID:      step.StepID,
				Disposition: DispositionRepairFailed,
				Strategy:    strategy,
				Phase:       run.Phase,
				Reason:      reason,
			}
		}

		step.Status = types.StepStatusRetrying
		o.submitStepLocked(run, step)
		o.recordRepairLocked(run, step.StepID, class, strategy, "patch validated, step resubmitted", true)
		o.publish(events.NewEvent(events.EventRepairScheduled, run.ID, step.StepID, map[string]any{
			"strategy": strategy,
		}))

		return &RepairResult{
			RunID:       run.ID,
			StepID:      step.StepID,
			Disposition: DispositionRepairScheduled,
			Strategy:    strategy,
			Phase:       run.Phase,
		}

	case StrategyPartialReplan:
		// Downstream steps are invalidated and will be resubmitted in order
		// after the replanned step completes
		resetDownstreamSteps(run, step.StepID, o.now().Unix())
		step.Status = types.StepStatusRetrying
		o.submitStepLocked(run, step)

		result := fmt.Sprintf("replanning from step %s", step.StepID)
		o.recordRepairLocked(run, step.StepID, class, strategy, result, true)
		o.publish(events.NewEvent(events.EventRepairScheduled, run.ID, step.StepID, map[string]any{
			"strategy": strategy,
		}))

		return &RepairResult{
			RunID:       run.ID,
			StepID:      step.StepID,
			Disposition: DispositionRepairScheduled,
			Strategy:    strategy,
			Phase:       run.Phase,
		}

	default: // StrategyRollbackAndApproval
		step.Status = types.StepStatusFailed
		run.State = types.RunStateEscalated
		o.sched.ReleaseRun(run.ID)

		reason := fmt.Sprintf("automated repair exhausted at step %s; rolled back pending human approval", step.StepID)
		o.recordRepairLocked(run, step.StepID, class, StrategyRollbackAndApproval, reason, false)
		o.publish(events.NewEvent(events.EventRunEscalated, run.ID, step.StepID, map[string]any{
			"reason": reason,
		}))
		if o.notifier != nil {
			o.notifier.NotifyRunEscalated(run.ID, reason)
		}
		o.logger.Printf("[orchestrator] run %s escalated: %s", run.ID, reason)

		return &RepairResult{
			RunID:       run.ID,
			StepID:      step.StepID,
			Disposition: DispositionEscalated,
			Strategy:    StrategyRollbackAndApproval,
			Phase:       run.Phase,
			Reason:      reason,
		}
	}
}

// resubmitStep re-queues a retrying step's task after its backoff delay
func (o *Orchestrator) resubmitStep(runID, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.runs[runID]
	if !ok || run.State.Terminal() {
		return
	}
	step := findStep(run, stepID)
	if step == nil || step.Status != types.StepStatusRetrying {
		return
	}

	o.submitStepLocked(run, step)
	if err := o.persistLocked(run); err != nil {
		o.logger.Printf("[orchestrator] persisting run %s after retry resubmit: %v", runID, err)
	}
}

// backoffDelay is exponential in the retry attempt number, capped at the
// configured maximum
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return o.cfg.MaxBackoff
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > o.cfg.MaxBackoff {
		return o.cfg.MaxBackoff
	}
	return delay
}

// recordRepairLocked appends one entry to the run's repair history and
// writes it through to the store. Caller must hold the lock.
func (o *Orchestrator) recordRepairLocked(run *types.Run, stepID string, class types.FailureClass, strategy, result string, success bool) {
	attempt := types.RepairAttempt{
		Timestamp:    o.now().Unix(),
		StepID:       stepID,
		FailureClass: class,
		Phase:        run.Phase,
		Strategy:     strategy,
		Result:       result,
		Success:      success,
	}
	run.RepairHistory = append(run.RepairHistory, attempt)

	if o.store != nil {
		if err := o.store.AppendRepairAttempt(run.ID, attempt); err != nil {
			o.logger.Printf("[orchestrator] appending repair attempt for run %s: %v", run.ID, err)
		}
	}
}

// buildPatchDiff produces the candidate patch submitted to the sandbox.
// The failing step's error output is embedded, so patches for failures
// whose messages carry secret-looking content are rejected downstream.
func buildPatchDiff(step *types.StepRecord, errMsg string) string {
	target := fmt.Sprintf("src/%s.go", step.AgentType)
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ -1,2 +1,2 @@\n-// failure: %s\n+// regenerated output for %s\n",
		target, target, errMsg, step.StepID)
}

// resetDownstreamSteps marks every completed step after stepID pending
// again so the pipeline re-runs from the replanned step
func resetDownstreamSteps(run *types.Run, stepID string, now int64) {
	seen := false
	for i := range run.Steps {
		if run.Steps[i].StepID == stepID {
			seen = true
			continue
		}
		if seen && run.Steps[i].Status == types.StepStatusCompleted {
			run.Steps[i].Status = types.StepStatusPending
			run.Steps[i].TaskID = ""
			run.Steps[i].UpdatedAt = now
		}
	}
}
