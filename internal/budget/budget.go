// Package budget holds per-run cost, time, and attempt ceilings and the
// SLA requirements consulted by the scheduler and orchestrator
package budget

import (
	"time"

	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// Budget is a per-run spending ceiling. Immutable once registered except
// by explicit replacement.
type Budget struct {
	MaxCost     float64       `json:"max_cost"`
	MaxDuration time.Duration `json:"max_duration"`
	MaxAttempts int           `json:"max_attempts"`
	// MaxTokens is optional; zero means unlimited
	MaxTokens int `json:"max_tokens,omitempty"`
}

// DefaultBudget returns the budget applied to runs that do not set one
func DefaultBudget() Budget {
	return Budget{
		MaxCost:     10.0,
		MaxDuration: 30 * time.Minute,
		MaxAttempts: 10,
	}
}

// IsExceeded reports whether any ceiling has been crossed. Any one
// dimension over its ceiling is sufficient.
func (b Budget) IsExceeded(cost float64, elapsed time.Duration, attempts int) bool {
	if b.MaxCost > 0 && cost > b.MaxCost {
		return true
	}
	if b.MaxDuration > 0 && elapsed > b.MaxDuration {
		return true
	}
	if b.MaxAttempts > 0 && attempts > b.MaxAttempts {
		return true
	}
	return false
}

// SLARequirements drive model-tier selection and queue-priority scoring
// for a run
type SLARequirements struct {
	Class       types.SLAClass `json:"class"`
	MaxDuration time.Duration  `json:"max_duration"`
	CostCeiling float64        `json:"cost_ceiling"`
	Priority    int            `json:"priority"`
}

// DefaultSLA returns the SLA applied to runs that do not set one
func DefaultSLA() SLARequirements {
	return SLARequirements{
		Class:       types.SLANormal,
		MaxDuration: 30 * time.Minute,
		CostCeiling: 10.0,
		Priority:    1,
	}
}

// RunSLOs are the run-level ceilings whose breach halts automated repair
type RunSLOs struct {
	MaxWallClock    time.Duration `json:"max_wall_clock"`
	MaxCost         float64       `json:"max_cost"`
	MaxAttempts     int           `json:"max_attempts"`
	MaxRepairPhases int           `json:"max_repair_phases"`
}

// DefaultRunSLOs returns the standard repair ceilings
func DefaultRunSLOs() RunSLOs {
	return RunSLOs{
		MaxWallClock:    30 * time.Minute,
		MaxCost:         10.0,
		MaxAttempts:     10,
		MaxRepairPhases: 4,
	}
}

// IsExceeded reports whether any run-level SLO has been crossed
func (s RunSLOs) IsExceeded(elapsed time.Duration, cost float64, attempts, repairPhases int) bool {
	if s.MaxWallClock > 0 && elapsed > s.MaxWallClock {
		return true
	}
	if s.MaxCost > 0 && cost > s.MaxCost {
		return true
	}
	if s.MaxAttempts > 0 && attempts > s.MaxAttempts {
		return true
	}
	if s.MaxRepairPhases > 0 && repairPhases > s.MaxRepairPhases {
		return true
	}
	return false
}
