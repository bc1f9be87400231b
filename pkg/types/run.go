package types

// RunState is the lifecycle state of a build run. Terminal states are
// explicit variants rather than being inferred from side fields.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateEscalated RunState = "escalated"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the run state admits no further automated work
func (s RunState) Terminal() bool {
	return s == RunStateEscalated || s == RunStateCompleted || s == RunStateFailed
}

// RepairPhase is one rung of the escalating remediation ladder applied to
// a failing build step
type RepairPhase string

const (
	PhaseRetry    RepairPhase = "retry"
	PhasePatch    RepairPhase = "patch"
	PhaseReplan   RepairPhase = "replan"
	PhaseRollback RepairPhase = "rollback"
)

// FailureClass categorizes a step failure. Circuit breakers are keyed by
// failure class so a storm of one kind of failure does not trip repairs
// for unrelated kinds.
type FailureClass string

const (
	FailureClassTransient FailureClass = "transient"
	FailureClassBuild     FailureClass = "build_error"
	FailureClassTest      FailureClass = "test_failure"
	FailureClassLint      FailureClass = "lint_error"
	FailureClassSecurity  FailureClass = "security"
	FailureClassUnknown   FailureClass = "unknown"
)

// StepStatus represents the state of a single pipeline step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// StepRecord tracks one pipeline step of a run
type StepRecord struct {
	StepID    string     `json:"step_id" db:"step_id"`
	AgentType AgentType  `json:"agent_type" db:"agent_type"`
	Status    StepStatus `json:"status" db:"status"`
	TaskID    string     `json:"task_id,omitempty" db:"task_id"`
	CreatedAt int64      `json:"created_at" db:"created_at"`
	UpdatedAt int64      `json:"updated_at" db:"updated_at"`
}

// RepairAttempt is one append-only entry of a run's repair history.
// Never mutated after append; it is the audit trail.
type RepairAttempt struct {
	Timestamp    int64        `json:"timestamp" db:"timestamp"`
	StepID       string       `json:"step_id" db:"step_id"`
	FailureClass FailureClass `json:"failure_class" db:"failure_class"`
	Phase        RepairPhase  `json:"phase" db:"phase"`
	Strategy     string       `json:"strategy" db:"strategy"`
	Result       string       `json:"result" db:"result"`
	Success      bool         `json:"success" db:"success"`
}

// Run is one build attempt. Owned exclusively by the orchestrator that
// created it and mutated only under that orchestrator's lock.
type Run struct {
	ID               string                `json:"id" db:"id"`
	TenantID         string                `json:"tenant_id" db:"tenant_id"`
	Spec             string                `json:"spec" db:"spec"`
	State            RunState              `json:"state" db:"state"`
	Phase            RepairPhase           `json:"phase" db:"phase"`
	AttemptCount     int                   `json:"attempt_count" db:"attempt_count"`
	RepairPhaseCount int                   `json:"repair_phase_count" db:"repair_phase_count"`
	CurrentCost      float64               `json:"current_cost" db:"current_cost"`
	StartedAt        int64                 `json:"started_at" db:"started_at"`
	UpdatedAt        int64                 `json:"updated_at" db:"updated_at"`
	Steps            []StepRecord          `json:"steps"`
	RepairHistory    []RepairAttempt       `json:"repair_history"`
	PhaseAttempts    map[RepairPhase]int   `json:"phase_attempts,omitempty"`
}
