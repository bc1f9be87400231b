// Package store persists run state behind an explicit interface so the
// orchestrator's contract does not change when durable storage is swapped in
package store

import (
	"errors"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// ErrRunNotFound is returned when a run ID is not in the store
var ErrRunNotFound = errors.New("run not found")

// RunStore persists runs, their steps, and their repair history. The
// orchestrator writes through on every mutation; implementations must be
// safe for concurrent use.
//
// Repair history is append-only and persisted exclusively through
// AppendRepairAttempt; SaveRun never rewrites it.
type RunStore interface {
	// SaveRun inserts or replaces a run and its step records
	SaveRun(run *types.Run) error
	// GetRun returns a run with steps and repair history populated
	GetRun(runID string) (*types.Run, error)
	// ListRuns returns all stored runs
	ListRuns() ([]*types.Run, error)
	// AppendRepairAttempt appends one entry to a run's repair history
	AppendRepairAttempt(runID string, attempt types.RepairAttempt) error
	// Close releases any underlying resources
	Close() error
}
