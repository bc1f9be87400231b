package scheduler

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/budget"
)

// warningFraction is the share of an SLA ceiling at which a warning is
// raised before the ceiling itself is crossed
const warningFraction = 0.8

// Violation is one recorded SLA breach
type Violation struct {
	RunID     string `json:"run_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Timestamp int64  `json:"timestamp"`
}

// ComplianceReport is the result of a single SLA compliance check
type ComplianceReport struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

// SLAMonitor compares runs against their SLA ceilings. Compliance is
// advisory: the monitor records violations but never halts a run itself.
type SLAMonitor struct {
	mu         sync.Mutex
	violations []Violation
	logger     *log.Logger
	now        func() time.Time
}

// NewSLAMonitor creates an empty monitor
func NewSLAMonitor() *SLAMonitor {
	return &SLAMonitor{
		logger: log.Default(),
		now:    time.Now,
	}
}

// CheckSLACompliance reports violations (ceiling strictly exceeded) and
// warnings (at or past 80% of a ceiling without exceeding it) for a run.
// Violations are appended to the monitor's audit log.
func (m *SLAMonitor) CheckSLACompliance(runID string, sla budget.SLARequirements, currentDuration time.Duration, currentCost float64) ComplianceReport {
	report := ComplianceReport{Compliant: true}

	if sla.MaxDuration > 0 {
		switch {
		case currentDuration > sla.MaxDuration:
			report.Compliant = false
			report.Violations = append(report.Violations,
				fmt.Sprintf("duration %v exceeds SLA ceiling %v", currentDuration, sla.MaxDuration))
		case float64(currentDuration) >= warningFraction*float64(sla.MaxDuration):
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("duration %v at %.0f%% of SLA ceiling %v",
					currentDuration, 100*float64(currentDuration)/float64(sla.MaxDuration), sla.MaxDuration))
		}
	}

	if sla.CostCeiling > 0 {
		switch {
		case currentCost > sla.CostCeiling:
			report.Compliant = false
			report.Violations = append(report.Violations,
				fmt.Sprintf("cost $%.4f exceeds SLA ceiling $%.4f", currentCost, sla.CostCeiling))
		case currentCost >= warningFraction*sla.CostCeiling:
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("cost $%.4f at %.0f%% of SLA ceiling $%.4f",
					currentCost, 100*currentCost/sla.CostCeiling, sla.CostCeiling))
		}
	}

	if !report.Compliant {
		m.mu.Lock()
		now := m.now().Unix()
		for _, v := range report.Violations {
			m.violations = append(m.violations, Violation{
				RunID:     runID,
				Kind:      "sla",
				Detail:    v,
				Timestamp: now,
			})
		}
		m.mu.Unlock()
		m.logger.Printf("[sla] run %s out of compliance: %v", runID, report.Violations)
	}

	return report
}

// ViolationsBetween returns recorded violations within [since, until].
// Zero bounds are open.
func (m *SLAMonitor) ViolationsBetween(since, until int64) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Violation
	for _, v := range m.violations {
		if since > 0 && v.Timestamp < since {
			continue
		}
		if until > 0 && v.Timestamp > until {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ViolationCount returns the total number of recorded violations
func (m *SLAMonitor) ViolationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.violations)
}
