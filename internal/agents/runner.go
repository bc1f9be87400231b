package agents

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/orchestrator"
	"github.com/cloud-shuttle/metabuilder/internal/pool"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// StepReporter receives step outcomes; the orchestrator implements it
type StepReporter interface {
	HandleStepSuccess(runID, stepID string, cost float64) error
	HandleStepFailure(runID, stepID string, class types.FailureClass, errMsg string) (*orchestrator.RepairResult, error)
}

// RunnerConfig holds runner timing settings
type RunnerConfig struct {
	// PollInterval is how often an idle runner asks for work
	PollInterval time.Duration
	// HeartbeatInterval renews the worker's lease; must be well under the
	// pool's lease duration
	HeartbeatInterval time.Duration
	// TaskTimeout bounds a single agent execution
	TaskTimeout time.Duration
}

// DefaultRunnerConfig returns the standard runner timing
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:      250 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		TaskTimeout:       10 * time.Minute,
	}
}

// Runner is one worker process: it registers with the pool on a queue
// class, pulls tasks, executes them through its agent, and reports the
// outcome to the orchestrator.
type Runner struct {
	id       string
	class    types.QueueClass
	cfg      RunnerConfig
	pool     *pool.Pool
	agent    Agent
	reporter StepReporter
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner for one queue class
func NewRunner(id string, class types.QueueClass, p *pool.Pool, agent Agent, reporter StepReporter, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultRunnerConfig().HeartbeatInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultRunnerConfig().TaskTimeout
	}

	return &Runner{
		id:       id,
		class:    class,
		cfg:      cfg,
		pool:     p,
		agent:    agent,
		reporter: reporter,
		logger:   log.Default(),
	}
}

// ID returns the runner's worker ID
func (r *Runner) ID() string {
	return r.id
}

// Start registers with the pool and launches the poll and heartbeat
// loops. Returns false when the pool rejects the registration.
func (r *Runner) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return true
	}
	if !r.pool.RegisterWorker(r.id, r.class) {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	r.wg.Add(2)
	go r.pollLoop(ctx)
	go r.heartbeatLoop(ctx)

	r.logger.Printf("[runner %s] started on queue class %s", r.id, r.class)
	return true
}

// Stop halts the loops, waits for in-flight work, and unregisters from
// the pool. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.pool.UnregisterWorker(r.id)
	r.logger.Printf("[runner %s] stopped", r.id)
}

// pollLoop pulls and executes tasks until the context is cancelled
func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task := r.pool.GetNextTask(r.id)
			if task == nil {
				continue
			}
			r.executeTask(ctx, task)
		}
	}
}

// heartbeatLoop renews the worker's lease until the context is cancelled
func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.pool.Heartbeat(r.id) {
				r.logger.Printf("[runner %s] heartbeat rejected, worker no longer registered", r.id)
				return
			}
		}
	}
}

// executeTask runs one task through the agent and reports the outcome
func (r *Runner) executeTask(ctx context.Context, task *types.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	result, execErr := r.agent.Execute(taskCtx, Invocation{
		RunID:  task.RunID,
		StepID: task.StepID,
		TaskID: task.ID,
		Agent:  task.AgentType,
	})

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	if err := r.pool.CompleteTask(r.id, task.ID, result.Output, errMsg); err != nil {
		// The task was reclaimed and reassigned while this worker ran it;
		// the other assignment's outcome wins
		r.logger.Printf("[runner %s] completing task %s: %v", r.id, task.ID, err)
		return
	}

	if r.reporter == nil {
		return
	}

	if execErr != nil {
		class := ClassifyFailure(errMsg)
		if _, err := r.reporter.HandleStepFailure(task.RunID, task.StepID, class, errMsg); err != nil {
			r.logger.Printf("[runner %s] reporting failure for step %s: %v", r.id, task.StepID, err)
		}
		return
	}

	if err := r.reporter.HandleStepSuccess(task.RunID, task.StepID, result.Cost); err != nil {
		r.logger.Printf("[runner %s] reporting success for step %s: %v", r.id, task.StepID, err)
	}
}
