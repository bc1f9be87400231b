package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

func newTestPool(maxWorkers int) *Pool {
	return New(Config{MaxWorkers: maxWorkers, LeaseDuration: 5 * time.Minute})
}

func TestRegisterWorker(t *testing.T) {
	p := newTestPool(2)

	if !p.RegisterWorker("w1", types.QueueClassCPU) {
		t.Fatal("first registration should succeed")
	}
	if p.RegisterWorker("w1", types.QueueClassCPU) {
		t.Error("duplicate registration should be rejected")
	}
	if !p.RegisterWorker("w2", types.QueueClassIO) {
		t.Fatal("second registration should succeed")
	}
	if p.RegisterWorker("w3", types.QueueClassLLM) {
		t.Error("registration over capacity should be rejected")
	}

	w, ok := p.GetWorker("w1")
	if !ok {
		t.Fatal("worker w1 not found")
	}
	if w.Status != types.WorkerStatusIdle {
		t.Errorf("expected new worker to be idle, got %s", w.Status)
	}
}

func TestSubmitAndGetNextTask(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassCPU)

	first := p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)
	second := p.SubmitTask("run-1", "step-2", types.AgentAutoFixer, types.QueueClassCPU, 1, 3)

	// FIFO: first submitted is first assigned
	task := p.GetNextTask("w1")
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.ID != first {
		t.Errorf("expected first task %s, got %s", first, task.ID)
	}
	if task.Status != types.TaskStatusRunning {
		t.Errorf("assigned task should be running, got %s", task.Status)
	}
	if task.WorkerID != "w1" {
		t.Errorf("expected worker w1, got %q", task.WorkerID)
	}
	if task.StartedAt == nil {
		t.Error("assigned task should have a start time")
	}

	// A worker holding a task gets nothing more
	if extra := p.GetNextTask("w1"); extra != nil {
		t.Errorf("busy worker should not be assigned another task, got %s", extra.ID)
	}

	if err := p.CompleteTask("w1", task.ID, "done", ""); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	task = p.GetNextTask("w1")
	if task == nil || task.ID != second {
		t.Fatalf("expected second task %s after completion", second)
	}
}

func TestGetNextTaskWrongQueueClass(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassIO)
	p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)

	if task := p.GetNextTask("w1"); task != nil {
		t.Errorf("IO worker should not receive a CPU task, got %s", task.ID)
	}
}

func TestConcurrentAssignmentMutualExclusion(t *testing.T) {
	p := newTestPool(16)
	const workers = 8
	for i := 0; i < workers; i++ {
		p.RegisterWorker(workerID(i), types.QueueClassCPU)
	}

	taskID := p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)

	var wg sync.WaitGroup
	assigned := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if task := p.GetNextTask(id); task != nil {
				assigned <- id
			}
		}(workerID(i))
	}
	wg.Wait()
	close(assigned)

	var owners []string
	for id := range assigned {
		owners = append(owners, id)
	}
	if len(owners) != 1 {
		t.Fatalf("task assigned to %d workers, want exactly 1: %v", len(owners), owners)
	}

	task, ok := p.GetTask(taskID)
	if !ok {
		t.Fatal("task not found")
	}
	if task.WorkerID != owners[0] {
		t.Errorf("task owner %s does not match assigned worker %s", task.WorkerID, owners[0])
	}
}

func TestCompleteTaskOwnershipMismatch(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassCPU)
	p.RegisterWorker("w2", types.QueueClassCPU)

	p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)
	task := p.GetNextTask("w1")
	if task == nil {
		t.Fatal("expected a task")
	}

	// A worker that does not own the task cannot complete it
	err := p.CompleteTask("w2", task.ID, "stolen", "")
	if err == nil {
		t.Fatal("expected ownership mismatch error")
	}
	if !errors.Is(err, ErrNotTaskOwner) {
		t.Errorf("expected ErrNotTaskOwner, got %v", err)
	}

	// The true owner still can
	if err := p.CompleteTask("w1", task.ID, "done", ""); err != nil {
		t.Errorf("owner completion failed: %v", err)
	}
}

func TestCompleteTaskUnknowns(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassCPU)

	if err := p.CompleteTask("ghost", "task-x", "", ""); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
	if err := p.CompleteTask("w1", "task-x", "", ""); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestCompleteTaskFailureCounts(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassCPU)
	p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)

	task := p.GetNextTask("w1")
	if err := p.CompleteTask("w1", task.ID, "", "build failed"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	stored, _ := p.GetTask(task.ID)
	if stored.Status != types.TaskStatusFailed {
		t.Errorf("expected failed status, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("completed task should have a completion time")
	}

	stats := p.GetStats()
	if stats.TasksFailed != 1 {
		t.Errorf("expected 1 failed task, got %d", stats.TasksFailed)
	}
	if stats.TasksCompleted != 0 {
		t.Errorf("expected 0 completed tasks, got %d", stats.TasksCompleted)
	}
}

func TestUnregisterRequeuesHeldTask(t *testing.T) {
	p := newTestPool(4)
	p.RegisterWorker("w1", types.QueueClassCPU)
	p.RegisterWorker("w2", types.QueueClassCPU)

	// w2's task is submitted second but reclaimed tasks jump the queue
	p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)
	held := p.GetNextTask("w1")
	later := p.SubmitTask("run-1", "step-2", types.AgentAutoFixer, types.QueueClassCPU, 1, 3)

	p.UnregisterWorker("w1")

	requeued, _ := p.GetTask(held.ID)
	if requeued.Status != types.TaskStatusPending {
		t.Errorf("requeued task should be pending, got %s", requeued.Status)
	}
	if requeued.WorkerID != "" {
		t.Errorf("requeued task should have no worker, got %q", requeued.WorkerID)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("requeue should count a retry, got %d", requeued.RetryCount)
	}

	next := p.GetNextTask("w2")
	if next == nil || next.ID != held.ID {
		t.Fatalf("reclaimed task should be assigned before %s", later)
	}
}

func TestCleanupStaleWorkers(t *testing.T) {
	p := newTestPool(4)
	current := time.Now()
	p.now = func() time.Time { return current }

	p.RegisterWorker("w1", types.QueueClassCPU)
	p.RegisterWorker("w2", types.QueueClassCPU)
	p.SubmitTask("run-1", "step-1", types.AgentCodegenEngineer, types.QueueClassCPU, 1, 3)
	held := p.GetNextTask("w1")

	// w2 heartbeats just before the lease expires; w1 goes silent
	current = current.Add(4 * time.Minute)
	p.Heartbeat("w2")

	current = current.Add(2 * time.Minute)
	reclaimed := p.CleanupStaleWorkers()
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed worker, got %d", reclaimed)
	}

	if _, ok := p.GetWorker("w1"); ok {
		t.Error("stale worker w1 should be unregistered")
	}
	if _, ok := p.GetWorker("w2"); !ok {
		t.Error("fresh worker w2 should survive the sweep")
	}

	task, _ := p.GetTask(held.ID)
	if task.Status != types.TaskStatusPending {
		t.Errorf("reclaimed task should be pending, got %s", task.Status)
	}

	stats := p.GetStats()
	if stats.TasksRequeued != 1 {
		t.Errorf("expected 1 requeued task, got %d", stats.TasksRequeued)
	}
}

func workerID(i int) string {
	return string(rune('a'+i)) + "-worker"
}
