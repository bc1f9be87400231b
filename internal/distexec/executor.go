// Package distexec wraps the worker pool with agent-type routing and a
// background stale-worker sweep
package distexec

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/pool"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// DefaultQueueClass is where tasks for unknown agent types are routed
const DefaultQueueClass = types.QueueClassLow

// agentQueueClasses routes each pipeline agent to the queue class of
// workers equipped to run it
var agentQueueClasses = map[types.AgentType]types.QueueClass{
	types.AgentProductArchitect:   types.QueueClassLLM,
	types.AgentSystemDesigner:     types.QueueClassLLM,
	types.AgentSecurityCompliance: types.QueueClassCPU,
	types.AgentCodegenEngineer:    types.QueueClassCPU,
	types.AgentQAEvaluator:        types.QueueClassIO,
	types.AgentAutoFixer:          types.QueueClassCPU,
	types.AgentDevOps:             types.QueueClassIO,
	types.AgentReviewer:           types.QueueClassLLM,
}

// Config holds executor settings
type Config struct {
	// SweepInterval is how often stale workers are reclaimed
	SweepInterval time.Duration
	// MaxTaskRetries is passed through to submitted tasks
	MaxTaskRetries int
}

// DefaultConfig returns the standard executor configuration
func DefaultConfig() Config {
	return Config{
		SweepInterval:  60 * time.Second,
		MaxTaskRetries: 3,
	}
}

// Stats summarizes the executor and its pool
type Stats struct {
	Running bool       `json:"running"`
	Pool    pool.Stats `json:"pool"`
}

// Executor is the façade the orchestrator uses to submit work. It owns
// one worker pool and the background sweep that reclaims dead workers.
type Executor struct {
	cfg  Config
	pool *pool.Pool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger *log.Logger
}

// New creates an executor around the given pool
func New(p *pool.Pool, cfg Config) *Executor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.MaxTaskRetries <= 0 {
		cfg.MaxTaskRetries = DefaultConfig().MaxTaskRetries
	}

	return &Executor{
		cfg:    cfg,
		pool:   p,
		logger: log.Default(),
	}
}

// Pool returns the executor's worker pool
func (e *Executor) Pool() *pool.Pool {
	return e.pool
}

// Start launches the background sweep. Idempotent.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.sweepLoop(ctx, e.done)
	e.logger.Printf("[distexec] started (sweep every %v)", e.cfg.SweepInterval)
}

// Stop cancels the background sweep and waits for it to exit. Callers may
// treat Stop as a synchronization barrier: when it returns, no sweep
// goroutine remains. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Printf("[distexec] stopped")
}

// Running reports whether the sweep loop is active
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// sweepLoop reclaims stale workers until the context is cancelled
func (e *Executor) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed := e.pool.CleanupStaleWorkers(); reclaimed > 0 {
				e.logger.Printf("[distexec] sweep reclaimed %d stale workers", reclaimed)
			}
		}
	}
}

// QueueClassFor returns the queue class an agent type routes to, falling
// back to the default class for unknown types
func QueueClassFor(agent types.AgentType) types.QueueClass {
	if class, ok := agentQueueClasses[agent]; ok {
		return class
	}
	return DefaultQueueClass
}

// SubmitAgentTask routes an agent task to its queue class and submits it
// to the pool. Returns the new task's ID.
func (e *Executor) SubmitAgentTask(runID, stepID string, agent types.AgentType, priority int) string {
	class := QueueClassFor(agent)
	return e.pool.SubmitTask(runID, stepID, agent, class, priority, e.cfg.MaxTaskRetries)
}

// GetStats returns executor statistics including the underlying pool
func (e *Executor) GetStats() Stats {
	return Stats{
		Running: e.Running(),
		Pool:    e.pool.GetStats(),
	}
}
