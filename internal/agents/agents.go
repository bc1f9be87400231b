// Package agents provides the worker-side execution loop: pulling tasks
// from the pool, running the pipeline agent behind them, and reporting
// outcomes back to the orchestrator
package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/scheduler"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// Invocation is one agent execution request
type Invocation struct {
	RunID  string          `json:"run_id"`
	StepID string          `json:"step_id"`
	TaskID string          `json:"task_id"`
	Agent  types.AgentType `json:"agent"`
}

// Result is the output of one agent execution
type Result struct {
	Output string  `json:"output"`
	Cost   float64 `json:"cost"`
}

// Agent executes one pipeline step
type Agent interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// agentComplexity maps each pipeline agent to the task complexity used
// for model selection
var agentComplexity = map[types.AgentType]types.TaskComplexity{
	types.AgentProductArchitect:   types.ComplexityHigh,
	types.AgentSystemDesigner:     types.ComplexityHigh,
	types.AgentSecurityCompliance: types.ComplexityMedium,
	types.AgentCodegenEngineer:    types.ComplexityHigh,
	types.AgentQAEvaluator:        types.ComplexityMedium,
	types.AgentAutoFixer:          types.ComplexityMedium,
	types.AgentDevOps:             types.ComplexityLow,
	types.AgentReviewer:           types.ComplexityMedium,
}

// agentTokenEstimates are rough per-invocation token budgets used for
// cost estimation
var agentTokenEstimates = map[types.AgentType]int{
	types.AgentProductArchitect:   6000,
	types.AgentSystemDesigner:     8000,
	types.AgentSecurityCompliance: 4000,
	types.AgentCodegenEngineer:    12000,
	types.AgentQAEvaluator:        5000,
	types.AgentAutoFixer:          7000,
	types.AgentDevOps:             3000,
	types.AgentReviewer:           5000,
}

// SimulatedAgent is a deterministic in-process agent. It selects a model
// through the scheduler and bills its estimated cost, optionally failing
// scripted steps a fixed number of times first.
type SimulatedAgent struct {
	sched *scheduler.CostAwareScheduler

	mu sync.Mutex
	// failuresLeft maps step ID to the number of scripted failures remaining
	failuresLeft map[string]int
	failureMsg   map[string]string

	// Latency is an optional artificial execution delay
	Latency time.Duration
}

// NewSimulatedAgent creates a simulated agent over the given scheduler
func NewSimulatedAgent(sched *scheduler.CostAwareScheduler) *SimulatedAgent {
	return &SimulatedAgent{
		sched:        sched,
		failuresLeft: make(map[string]int),
		failureMsg:   make(map[string]string),
	}
}

// ScriptFailure makes the next count executions of stepID fail with msg
func (a *SimulatedAgent) ScriptFailure(stepID string, count int, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failuresLeft[stepID] = count
	a.failureMsg[stepID] = msg
}

// Execute runs one simulated step
func (a *SimulatedAgent) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	a.mu.Lock()
	if left := a.failuresLeft[inv.StepID]; left > 0 {
		a.failuresLeft[inv.StepID] = left - 1
		msg := a.failureMsg[inv.StepID]
		a.mu.Unlock()
		return Result{}, fmt.Errorf("agent %s: %s", inv.Agent, msg)
	}
	a.mu.Unlock()

	complexity, ok := agentComplexity[inv.Agent]
	if !ok {
		complexity = types.ComplexityMedium
	}
	tokens, ok := agentTokenEstimates[inv.Agent]
	if !ok {
		tokens = 4000
	}

	model, err := a.sched.SelectModelForTask(inv.RunID, complexity, tokens)
	if err != nil {
		return Result{}, fmt.Errorf("executing %s: %w", inv.Agent, err)
	}

	return Result{
		Output: fmt.Sprintf("%s completed via %s/%s", inv.Agent, model.Provider, model.Model),
		Cost:   model.EstimatedCost(tokens),
	}, nil
}

// ClassifyFailure maps an error message to a failure class using
// substring heuristics over the lowered text
func ClassifyFailure(errMsg string) types.FailureClass {
	lower := strings.ToLower(errMsg)

	transientPatterns := []string{"timeout", "timed out", "connection refused", "connection reset", "rate limit", "too many requests", "temporarily unavailable", "503", "429"}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return types.FailureClassTransient
		}
	}

	securityPatterns := []string{"vulnerab", "security", "cve-", "injection", "insecure"}
	for _, p := range securityPatterns {
		if strings.Contains(lower, p) {
			return types.FailureClassSecurity
		}
	}

	buildPatterns := []string{"build failed", "compile", "compilation", "syntax error", "undefined:", "cannot find"}
	for _, p := range buildPatterns {
		if strings.Contains(lower, p) {
			return types.FailureClassBuild
		}
	}

	testPatterns := []string{"test fail", "tests failed", "assertion", "expected", "--- fail"}
	for _, p := range testPatterns {
		if strings.Contains(lower, p) {
			return types.FailureClassTest
		}
	}

	lintPatterns := []string{"lint", "gofmt", "formatting", "style violation"}
	for _, p := range lintPatterns {
		if strings.Contains(lower, p) {
			return types.FailureClassLint
		}
	}

	return types.FailureClassUnknown
}
