// Package types defines core data structures for the meta-builder execution core
package types

// QueueClass is a named partition of the task queue used to route tasks
// to workers with matching capability
type QueueClass string

const (
	QueueClassCPU  QueueClass = "cpu"
	QueueClassIO   QueueClass = "io"
	QueueClassLLM  QueueClass = "llm"
	QueueClassHigh QueueClass = "high"
	QueueClassLow  QueueClass = "low"
)

// AgentType identifies one of the fixed build-pipeline agents
type AgentType string

const (
	AgentProductArchitect   AgentType = "product_architect"
	AgentSystemDesigner     AgentType = "system_designer"
	AgentSecurityCompliance AgentType = "security_compliance"
	AgentCodegenEngineer    AgentType = "codegen_engineer"
	AgentQAEvaluator        AgentType = "qa_evaluator"
	AgentAutoFixer          AgentType = "auto_fixer"
	AgentDevOps             AgentType = "devops"
	AgentReviewer           AgentType = "reviewer"
)

// Pipeline is the fixed agent pipeline submitted for every run, in order
var Pipeline = []AgentType{
	AgentProductArchitect,
	AgentSystemDesigner,
	AgentSecurityCompliance,
	AgentCodegenEngineer,
	AgentQAEvaluator,
	AgentAutoFixer,
	AgentDevOps,
	AgentReviewer,
}

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a unit of work routed through a queue class and pulled by a worker.
//
// Invariant: a task is present in exactly one place at a time. It is either
// in its queue class's pending list or attached to exactly one worker as
// that worker's current task, never both.
type Task struct {
	ID          string     `json:"id" db:"id"`
	RunID       string     `json:"run_id" db:"run_id"`
	StepID      string     `json:"step_id" db:"step_id"`
	AgentType   AgentType  `json:"agent_type" db:"agent_type"`
	QueueClass  QueueClass `json:"queue_class" db:"queue_class"`
	Priority    int        `json:"priority" db:"priority"`
	Status      TaskStatus `json:"status" db:"status"`
	WorkerID    string     `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt   int64      `json:"created_at" db:"created_at"`
	StartedAt   *int64     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *int64     `json:"completed_at,omitempty" db:"completed_at"`
	Result      string     `json:"result,omitempty" db:"result"`
	Error       string     `json:"error,omitempty" db:"error"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	MaxRetries  int        `json:"max_retries" db:"max_retries"`
}
