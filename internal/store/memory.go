package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// MemoryStore is the default in-process RunStore. State lives for the
// process lifetime only.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*types.Run
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*types.Run),
	}
}

// SaveRun inserts or replaces a run. Repair history is owned by
// AppendRepairAttempt and is never rewritten here.
func (s *MemoryStore) SaveRun(run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyRun(run)
	if existing, ok := s.runs[run.ID]; ok {
		stored.RepairHistory = existing.RepairHistory
	} else {
		stored.RepairHistory = nil
	}
	s.runs[run.ID] = stored
	return nil
}

// GetRun returns a copy of a stored run
func (s *MemoryStore) GetRun(runID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("getting run %s: %w", runID, ErrRunNotFound)
	}
	return copyRun(run), nil
}

// ListRuns returns copies of all stored runs ordered by start time
func (s *MemoryStore) ListRuns() ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*types.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt < runs[j].StartedAt })
	return runs, nil
}

// AppendRepairAttempt appends to a run's repair history
func (s *MemoryStore) AppendRepairAttempt(runID string, attempt types.RepairAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("appending repair attempt for run %s: %w", runID, ErrRunNotFound)
	}
	run.RepairHistory = append(run.RepairHistory, attempt)
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// copyRun deep-copies a run so callers cannot mutate stored state
func copyRun(run *types.Run) *types.Run {
	out := *run
	out.Steps = append([]types.StepRecord(nil), run.Steps...)
	out.RepairHistory = append([]types.RepairAttempt(nil), run.RepairHistory...)
	if run.PhaseAttempts != nil {
		out.PhaseAttempts = make(map[types.RepairPhase]int, len(run.PhaseAttempts))
		for phase, count := range run.PhaseAttempts {
			out.PhaseAttempts[phase] = count
		}
	}
	return &out
}
