// Package pool implements the worker pool: registration, per-queue-class
// pending lists, lease-based liveness, and task-to-worker assignment
package pool

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

var (
	// ErrUnknownWorker is returned when the worker ID is not registered
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownTask is returned when the task ID is not tracked by the pool
	ErrUnknownTask = errors.New("unknown task")
	// ErrNotTaskOwner is returned when a worker tries to complete a task it
	// does not own. A crashed worker whose task was reclaimed and reassigned
	// must not be able to double-complete it.
	ErrNotTaskOwner = errors.New("task not owned by worker")
)

// Config holds worker pool settings
type Config struct {
	// MaxWorkers caps registrations; zero means the default
	MaxWorkers int
	// LeaseDuration is the liveness grant renewed by each heartbeat
	LeaseDuration time.Duration
}

// DefaultConfig returns the standard pool configuration
func DefaultConfig() Config {
	return Config{
		MaxWorkers:    16,
		LeaseDuration: 5 * time.Minute,
	}
}

// Stats summarizes the pool's current state
type Stats struct {
	Workers        int                      `json:"workers"`
	IdleWorkers    int                      `json:"idle_workers"`
	BusyWorkers    int                      `json:"busy_workers"`
	PendingByClass map[types.QueueClass]int `json:"pending_by_class"`
	TasksCompleted int                      `json:"tasks_completed"`
	TasksFailed    int                      `json:"tasks_failed"`
	TasksRequeued  int                      `json:"tasks_requeued"`
}

// Pool tracks workers, per-queue-class pending lists, and assignments.
//
// All state is guarded by a single mutex so the scan-and-assign sequence
// in GetNextTask is atomic: no task is ever assigned to two workers, and
// no worker ever holds two tasks.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	workers map[string]*types.Worker
	tasks   map[string]*types.Task
	// pending holds task IDs in FIFO submission order per queue class
	pending map[types.QueueClass][]string

	tasksCompleted int
	tasksFailed    int
	tasksRequeued  int

	logger *log.Logger
	now    func() time.Time
}

// New creates an empty pool
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}

	return &Pool{
		cfg:     cfg,
		workers: make(map[string]*types.Worker),
		tasks:   make(map[string]*types.Task),
		pending: make(map[types.QueueClass][]string),
		logger:  log.Default(),
		now:     time.Now,
	}
}

// SetLogger sets the pool's logger
func (p *Pool) SetLogger(logger *log.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// RegisterWorker adds a worker to the pool in the idle state. Returns
// false when the pool is at capacity or the ID is already registered.
func (p *Pool) RegisterWorker(workerID string, queueClass types.QueueClass) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) >= p.cfg.MaxWorkers {
		p.logger.Printf("[pool] rejecting worker %s: pool at capacity (%d)", workerID, p.cfg.MaxWorkers)
		return false
	}
	if _, exists := p.workers[workerID]; exists {
		p.logger.Printf("[pool] rejecting worker %s: already registered", workerID)
		return false
	}

	now := p.now().Unix()
	p.workers[workerID] = &types.Worker{
		ID:             workerID,
		QueueClass:     queueClass,
		Status:         types.WorkerStatusIdle,
		LastHeartbeat:  now,
		LeaseExpiresAt: p.now().Add(p.cfg.LeaseDuration).Unix(),
	}

	p.logger.Printf("[pool] registered worker %s on queue class %s", workerID, queueClass)
	return true
}

// UnregisterWorker removes a worker. If it held a task, the task is
// returned to the front of its queue class's pending list first. This is
// the failure-recovery path for worker crashes.
func (p *Pool) UnregisterWorker(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregisterLocked(workerID)
}

// unregisterLocked requeues the worker's task and deletes the worker
// record. Caller must hold the lock.
func (p *Pool) unregisterLocked(workerID string) {
	worker, ok := p.workers[workerID]
	if !ok {
		return
	}

	if worker.CurrentTaskID != "" {
		if task, ok := p.tasks[worker.CurrentTaskID]; ok {
			task.Status = types.TaskStatusPending
			task.WorkerID = ""
			task.StartedAt = nil
			task.RetryCount++
			// Reclaimed tasks go to the front so they are retried before new work
			p.pending[task.QueueClass] = append([]string{task.ID}, p.pending[task.QueueClass]...)
			p.tasksRequeued++
			p.logger.Printf("[pool] requeued task %s from departing worker %s", task.ID, workerID)
		}
	}

	delete(p.workers, workerID)
	p.logger.Printf("[pool] unregistered worker %s", workerID)
}

// SubmitTask creates a pending task and appends it to its queue class's
// pending list. No assignment happens at submit time; workers pull.
func (p *Pool) SubmitTask(runID, stepID string, agentType types.AgentType, queueClass types.QueueClass, priority, maxRetries int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	taskID := fmt.Sprintf("task-%s", uuid.New().String())
	p.tasks[taskID] = &types.Task{
		ID:         taskID,
		RunID:      runID,
		StepID:     stepID,
		AgentType:  agentType,
		QueueClass: queueClass,
		Priority:   priority,
		Status:     types.TaskStatusPending,
		CreatedAt:  p.now().Unix(),
		MaxRetries: maxRetries,
	}
	p.pending[queueClass] = append(p.pending[queueClass], taskID)

	p.logger.Printf("[pool] submitted task %s (run=%s step=%s class=%s)", taskID, runID, stepID, queueClass)
	return taskID
}

// GetNextTask assigns the first pending task in the calling worker's
// queue class, or returns nil when none is available. First-pending-wins
// FIFO ordering; the returned value is a copy.
func (p *Pool) GetNextTask(workerID string) *types.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker, ok := p.workers[workerID]
	if !ok {
		return nil
	}
	if worker.CurrentTaskID != "" {
		// A worker owns at most one task at a time
		return nil
	}

	queue := p.pending[worker.QueueClass]
	for i, taskID := range queue {
		task, ok := p.tasks[taskID]
		if !ok || task.Status != types.TaskStatusPending {
			continue
		}

		started := p.now().Unix()
		task.Status = types.TaskStatusRunning
		task.WorkerID = workerID
		task.StartedAt = &started

		worker.Status = types.WorkerStatusBusy
		worker.CurrentTaskID = task.ID

		p.pending[worker.QueueClass] = append(queue[:i:i], queue[i+1:]...)

		taskCopy := *task
		return &taskCopy
	}

	return nil
}

// CompleteTask records the outcome of a running task. The task must be
// assigned to the calling worker; mismatched completions are rejected
// with ErrNotTaskOwner so duplicate or late completions are observable.
func (p *Pool) CompleteTask(workerID, taskID, result, errMsg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker, ok := p.workers[workerID]
	if !ok {
		return fmt.Errorf("completing task %s: %w: %s", taskID, ErrUnknownWorker, workerID)
	}
	task, ok := p.tasks[taskID]
	if !ok {
		return fmt.Errorf("completing task: %w: %s", ErrUnknownTask, taskID)
	}
	if task.WorkerID != workerID || worker.CurrentTaskID != taskID {
		p.logger.Printf("[pool] worker %s attempted to complete task %s it does not own", workerID, taskID)
		return fmt.Errorf("completing task %s: %w", taskID, ErrNotTaskOwner)
	}

	completed := p.now().Unix()
	task.CompletedAt = &completed
	task.Result = result
	task.Error = errMsg
	if errMsg != "" {
		task.Status = types.TaskStatusFailed
		worker.Errors++
		p.tasksFailed++
	} else {
		task.Status = types.TaskStatusCompleted
		p.tasksCompleted++
	}

	worker.Status = types.WorkerStatusIdle
	worker.CurrentTaskID = ""
	worker.TasksProcessed++

	return nil
}

// Heartbeat renews the worker's lease. Returns false for unknown workers.
func (p *Pool) Heartbeat(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker, ok := p.workers[workerID]
	if !ok {
		return false
	}

	worker.LastHeartbeat = p.now().Unix()
	worker.LeaseExpiresAt = p.now().Add(p.cfg.LeaseDuration).Unix()
	return true
}

// CleanupStaleWorkers unregisters every worker whose lease has expired,
// requeueing any task it held. Returns the number of workers reclaimed.
// Intended to run on a periodic timer owned by the distributed executor.
func (p *Pool) CleanupStaleWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().Unix()
	var stale []string
	for id, worker := range p.workers {
		if worker.LeaseExpiresAt < now {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		p.logger.Printf("[pool] reclaiming stale worker %s (lease expired)", id)
		p.unregisterLocked(id)
	}

	return len(stale)
}

// GetTask returns a copy of a tracked task
func (p *Pool) GetTask(taskID string) (*types.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	task, ok := p.tasks[taskID]
	if !ok {
		return nil, false
	}
	taskCopy := *task
	return &taskCopy, true
}

// GetWorker returns a copy of a registered worker
func (p *Pool) GetWorker(workerID string) (*types.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	worker, ok := p.workers[workerID]
	if !ok {
		return nil, false
	}
	workerCopy := *worker
	return &workerCopy, true
}

// PendingCount returns the number of pending tasks in a queue class
func (p *Pool) PendingCount(queueClass types.QueueClass) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[queueClass])
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Workers:        len(p.workers),
		PendingByClass: make(map[types.QueueClass]int),
		TasksCompleted: p.tasksCompleted,
		TasksFailed:    p.tasksFailed,
		TasksRequeued:  p.tasksRequeued,
	}
	for class, queue := range p.pending {
		stats.PendingByClass[class] = len(queue)
	}
	for _, worker := range p.workers {
		switch worker.Status {
		case types.WorkerStatusIdle:
			stats.IdleWorkers++
		case types.WorkerStatusBusy:
			stats.BusyWorkers++
		}
	}
	return stats
}
