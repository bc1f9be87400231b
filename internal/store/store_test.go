package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

func testRun(id string, startedAt int64) *types.Run {
	return &types.Run{
		ID:               id,
		TenantID:         "tenant-1",
		Spec:             "build a todo app",
		State:            types.RunStateRunning,
		Phase:            types.PhaseRetry,
		AttemptCount:     1,
		RepairPhaseCount: 1,
		CurrentCost:      0.25,
		StartedAt:        startedAt,
		UpdatedAt:        startedAt,
		Steps: []types.StepRecord{
			{StepID: "step-01-product_architect", AgentType: types.AgentProductArchitect, Status: types.StepStatusRunning, TaskID: "task-1", CreatedAt: startedAt, UpdatedAt: startedAt},
			{StepID: "step-02-system_designer", AgentType: types.AgentSystemDesigner, Status: types.StepStatusPending, CreatedAt: startedAt, UpdatedAt: startedAt},
		},
		PhaseAttempts: map[types.RepairPhase]int{types.PhaseRetry: 1},
	}
}

// runStoreContract exercises the RunStore behavior every implementation
// must share
func runStoreContract(t *testing.T, s RunStore) {
	t.Helper()

	if _, err := s.GetRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	run := testRun("run-1", 1000)
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.TenantID != "tenant-1" || got.State != types.RunStateRunning || got.Phase != types.PhaseRetry {
		t.Errorf("run fields mismatch: %+v", got)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got.Steps))
	}
	if got.Steps[0].StepID != "step-01-product_architect" || got.Steps[0].TaskID != "task-1" {
		t.Errorf("step fields mismatch: %+v", got.Steps[0])
	}
	if got.PhaseAttempts[types.PhaseRetry] != 1 {
		t.Errorf("phase attempts not round-tripped: %v", got.PhaseAttempts)
	}

	// Update path: state change and step status change persist
	run.State = types.RunStateEscalated
	run.Steps[0].Status = types.StepStatusFailed
	run.AttemptCount = 4
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun update failed: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got.State != types.RunStateEscalated {
		t.Errorf("expected escalated state, got %s", got.State)
	}
	if got.Steps[0].Status != types.StepStatusFailed {
		t.Errorf("expected failed step, got %s", got.Steps[0].Status)
	}
	if got.AttemptCount != 4 {
		t.Errorf("expected attempt count 4, got %d", got.AttemptCount)
	}

	// Repair history goes through AppendRepairAttempt only
	att := types.RepairAttempt{
		Timestamp:    1100,
		StepID:       "step-01-product_architect",
		FailureClass: types.FailureClassBuild,
		Phase:        types.PhaseRetry,
		Strategy:     "retry_with_backoff",
		Result:       "scheduled",
		Success:      true,
	}
	if err := s.AppendRepairAttempt("run-1", att); err != nil {
		t.Fatalf("AppendRepairAttempt failed: %v", err)
	}

	got, _ = s.GetRun("run-1")
	if len(got.RepairHistory) != 1 {
		t.Fatalf("expected 1 repair attempt, got %d", len(got.RepairHistory))
	}
	if got.RepairHistory[0] != att {
		t.Errorf("repair attempt mismatch: %+v", got.RepairHistory[0])
	}

	// SaveRun never rewrites history, even when the caller's copy has none
	run.RepairHistory = nil
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if len(got.RepairHistory) != 1 {
		t.Errorf("SaveRun must not rewrite repair history, got %d entries", len(got.RepairHistory))
	}

	// ListRuns orders by start time
	if err := s.SaveRun(testRun("run-0", 500)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-0" || runs[1].ID != "run-1" {
		t.Errorf("runs not ordered by start time: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStoreContract(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteOpenInvalidPath(t *testing.T) {
	// The driver opens lazily; initialization forces the connection and
	// must surface the failure instead of returning a store
	if _, err := OpenSQLite(filepath.Join(t.TempDir(), "no-such-dir", "runs.db")); err == nil {
		t.Fatal("expected an error opening a store in a missing directory")
	}
}

func TestMemoryStoreAppendToMissingRun(t *testing.T) {
	s := NewMemoryStore()
	if err := s.AppendRepairAttempt("missing", types.RepairAttempt{}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	run := testRun("run-1", 1000)
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, _ := s.GetRun("run-1")
	got.State = types.RunStateFailed
	got.Steps[0].Status = types.StepStatusFailed

	fresh, _ := s.GetRun("run-1")
	if fresh.State != types.RunStateRunning {
		t.Error("mutating a returned run must not affect stored state")
	}
	if fresh.Steps[0].Status != types.StepStatusRunning {
		t.Error("mutating returned steps must not affect stored state")
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.SaveRun(testRun("run-1", 1000)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.AppendRepairAttempt("run-1", types.RepairAttempt{
		Timestamp: 1100, StepID: "step-01-product_architect",
		FailureClass: types.FailureClassTransient, Phase: types.PhaseRetry,
		Strategy: "retry_with_backoff", Success: true,
	}); err != nil {
		t.Fatalf("AppendRepairAttempt failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun after reopen failed: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Errorf("expected 2 steps after reopen, got %d", len(got.Steps))
	}
	if len(got.RepairHistory) != 1 {
		t.Errorf("expected 1 repair attempt after reopen, got %d", len(got.RepairHistory))
	}
}
