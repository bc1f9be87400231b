package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/budget"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

func testSLA() budget.SLARequirements {
	return budget.SLARequirements{
		Class:       types.SLANormal,
		MaxDuration: 10 * time.Minute,
		CostCeiling: 10.0,
		Priority:    1,
	}
}

func TestCheckSLACompliancePassing(t *testing.T) {
	m := NewSLAMonitor()

	report := m.CheckSLACompliance("run-1", testSLA(), 5*time.Minute, 2.0)
	if !report.Compliant {
		t.Fatalf("expected compliant, got violations %v", report.Violations)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", report.Warnings)
	}
	if m.ViolationCount() != 0 {
		t.Errorf("compliant check should record nothing, got %d", m.ViolationCount())
	}
}

func TestCheckSLAComplianceWarningAt80Percent(t *testing.T) {
	m := NewSLAMonitor()

	// 8 minutes of a 10 minute ceiling is exactly the warning line
	report := m.CheckSLACompliance("run-1", testSLA(), 8*time.Minute, 8.0)
	if !report.Compliant {
		t.Fatalf("80%% usage is a warning, not a violation: %v", report.Violations)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("expected duration and cost warnings, got %v", report.Warnings)
	}

	// Just under the line raises nothing
	report = m.CheckSLACompliance("run-1", testSLA(), 8*time.Minute-time.Second, 7.99)
	if len(report.Warnings) != 0 {
		t.Errorf("expected no warnings below 80%%, got %v", report.Warnings)
	}
}

func TestCheckSLAComplianceViolationIsStrict(t *testing.T) {
	m := NewSLAMonitor()

	// Exactly at the ceiling is still compliant
	report := m.CheckSLACompliance("run-1", testSLA(), 10*time.Minute, 10.0)
	if !report.Compliant {
		t.Fatalf("values at the ceiling should be compliant, got %v", report.Violations)
	}

	report = m.CheckSLACompliance("run-1", testSLA(), 10*time.Minute+time.Second, 10.01)
	if report.Compliant {
		t.Fatal("values over the ceiling should be a violation")
	}
	if len(report.Violations) != 2 {
		t.Fatalf("expected duration and cost violations, got %v", report.Violations)
	}
	if !strings.Contains(report.Violations[0], "duration") {
		t.Errorf("first violation should mention duration, got %q", report.Violations[0])
	}
	if m.ViolationCount() != 2 {
		t.Errorf("expected 2 recorded violations, got %d", m.ViolationCount())
	}
}

func TestCheckSLAComplianceZeroCeilingsSkipped(t *testing.T) {
	m := NewSLAMonitor()

	sla := budget.SLARequirements{Class: types.SLANormal}
	report := m.CheckSLACompliance("run-1", sla, 100*time.Hour, 9999)
	if !report.Compliant {
		t.Errorf("zero ceilings should never trip, got %v", report.Violations)
	}
}

func TestViolationsBetween(t *testing.T) {
	m := NewSLAMonitor()
	current := time.Unix(1000, 0)
	m.now = func() time.Time { return current }

	m.CheckSLACompliance("run-1", testSLA(), 11*time.Minute, 1.0)
	current = time.Unix(2000, 0)
	m.CheckSLACompliance("run-2", testSLA(), 11*time.Minute, 1.0)
	current = time.Unix(3000, 0)
	m.CheckSLACompliance("run-3", testSLA(), 11*time.Minute, 1.0)

	got := m.ViolationsBetween(1500, 2500)
	if len(got) != 1 {
		t.Fatalf("expected 1 violation in window, got %d", len(got))
	}
	if got[0].RunID != "run-2" {
		t.Errorf("expected run-2's violation, got %s", got[0].RunID)
	}

	// Zero bounds are open
	if all := m.ViolationsBetween(0, 0); len(all) != 3 {
		t.Errorf("expected all 3 violations with open bounds, got %d", len(all))
	}
	if tail := m.ViolationsBetween(2000, 0); len(tail) != 2 {
		t.Errorf("expected 2 violations from 2000 on, got %d", len(tail))
	}
}
