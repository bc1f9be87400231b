// Package workflow runs the build pipeline on DBOS durable workflows.
// It is an alternative execution engine to the in-process worker pool:
// each pipeline step is a checkpointed workflow, so a crashed process
// resumes from the last completed step instead of replaying the run.
package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/metabuilder/internal/agents"
	"github.com/cloud-shuttle/metabuilder/pkg/telemetry"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// QueueName is the DBOS queue pipeline steps are enqueued on
const QueueName = "metabuilder-steps"

// PipelineInput starts one durable pipeline execution
type PipelineInput struct {
	RunID    string
	TenantID string
	Spec     string
}

// StepInput is one enqueued pipeline step
type StepInput struct {
	RunID  string
	StepID string
	Agent  types.AgentType
}

// StepResult is the outcome of one durable step
type StepResult struct {
	Success    bool
	Output     string
	Error      string
	Cost       float64
	DurationMS int64
}

// PipelineStats summarizes one pipeline execution
type PipelineStats struct {
	RunID          string
	StepsCompleted int
	StepsFailed    int
	TotalCost      float64
	Duration       time.Duration
}

// DBOSPipeline executes the agent pipeline as durable workflows
type DBOSPipeline struct {
	dbosCtx dbos.DBOSContext
	queue   dbos.WorkflowQueue
	agent   agents.Agent
	logger  *log.Logger
}

// NewDBOSPipeline creates a pipeline over a DBOS context. The queue is
// created eagerly; workflows must be registered before dbos.Launch.
func NewDBOSPipeline(dbosCtx dbos.DBOSContext, agent agents.Agent) *DBOSPipeline {
	queue := dbos.NewWorkflowQueue(dbosCtx, QueueName,
		dbos.WithQueueBasePollingInterval(10*time.Millisecond),
	)

	return &DBOSPipeline{
		dbosCtx: dbosCtx,
		queue:   queue,
		agent:   agent,
		logger:  log.Default(),
	}
}

// RegisterWorkflows registers the pipeline workflows with DBOS
func (p *DBOSPipeline) RegisterWorkflows() {
	dbos.RegisterWorkflow(p.dbosCtx, p.ExecutePipeline)
	dbos.RegisterWorkflow(p.dbosCtx, p.ExecuteStepWorkflow)
	p.logger.Printf("[workflow] DBOS workflows registered")
}

// ExecutePipeline runs every pipeline agent in order, each as an
// independently recoverable workflow. The pipeline stops at the first
// step whose durable retries are exhausted.
func (p *DBOSPipeline) ExecutePipeline(ctx dbos.DBOSContext, input PipelineInput) (PipelineStats, error) {
	start := time.Now()
	p.logger.Printf("[workflow] starting durable pipeline for run %s (%d steps)", input.RunID, len(types.Pipeline))

	_, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunStart, input.RunID,
		attribute.String(telemetry.KeyTenantID, input.TenantID))
	defer span.End()

	stats := PipelineStats{RunID: input.RunID}

	for i, agent := range types.Pipeline {
		step := StepInput{
			RunID:  input.RunID,
			StepID: fmt.Sprintf("step-%02d-%s", i+1, agent),
			Agent:  agent,
		}

		handle, err := dbos.RunWorkflow(p.dbosCtx, p.ExecuteStepWorkflow, step,
			dbos.WithQueue(p.queue.Name),
		)
		if err != nil {
			stats.StepsFailed++
			stats.Duration = time.Since(start)
			telemetry.RecordError(span, err, telemetry.ErrorCategoryAgent)
			return stats, fmt.Errorf("enqueuing step %s: %w", step.StepID, err)
		}

		result, err := handle.GetResult()
		if err != nil || !result.Success {
			stats.StepsFailed++
			stats.Duration = time.Since(start)
			if err == nil {
				err = fmt.Errorf("step %s failed: %s", step.StepID, result.Error)
			}
			telemetry.RecordError(span, err, telemetry.ErrorCategoryAgent)
			p.logger.Printf("[workflow] run %s halted at %s: %v", input.RunID, step.StepID, err)
			return stats, err
		}

		stats.StepsCompleted++
		stats.TotalCost += result.Cost
		p.logger.Printf("[workflow] run %s: %s completed ($%.4f)", input.RunID, step.StepID, result.Cost)
	}

	stats.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("metabuilder.pipeline.completed", stats.StepsCompleted),
		attribute.Float64(telemetry.KeyCostUSD, stats.TotalCost),
	)
	p.logger.Printf("[workflow] run %s pipeline complete in %v ($%.4f)", input.RunID, stats.Duration, stats.TotalCost)

	return stats, nil
}

// ExecuteStepWorkflow runs a single pipeline step. The agent execution is
// a DBOS step so its side effects are checkpointed and retried.
func (p *DBOSPipeline) ExecuteStepWorkflow(ctx dbos.DBOSContext, input StepInput) (StepResult, error) {
	start := time.Now()

	result, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (agents.Result, error) {
		return p.agent.Execute(stepCtx, agents.Invocation{
			RunID:  input.RunID,
			StepID: input.StepID,
			Agent:  input.Agent,
		})
	}, dbos.WithStepMaxRetries(3))
	if err != nil {
		return StepResult{
			Success:    false,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}

	return StepResult{
		Success:    true,
		Output:     result.Output,
		Cost:       result.Cost,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// PrintStats writes a pipeline summary to the logger
func (p *DBOSPipeline) PrintStats(stats PipelineStats) {
	p.logger.Printf("[workflow] run %s: %d completed, %d failed, $%.4f, %v",
		stats.RunID, stats.StepsCompleted, stats.StepsFailed, stats.TotalCost, stats.Duration)
}
