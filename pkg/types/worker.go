package types

// WorkerStatus represents the state of a registered worker
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// Worker is a registered task consumer bound to a single queue class.
//
// A worker owns at most one task at a time. Liveness is lease-based: a
// worker whose lease is not renewed by a heartbeat is presumed dead and
// reclaimed, and any task it held is returned to its pending queue.
type Worker struct {
	ID             string       `json:"id"`
	QueueClass     QueueClass   `json:"queue_class"`
	Status         WorkerStatus `json:"status"`
	LastHeartbeat  int64        `json:"last_heartbeat"`
	LeaseExpiresAt int64        `json:"lease_expires_at"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	Errors         int          `json:"errors"`
}
