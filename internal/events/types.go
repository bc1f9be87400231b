// Package events provides real-time event streaming for run and task
// lifecycle events
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventRunStarted is emitted when a run is created and its pipeline submitted
	EventRunStarted EventType = "run.started"
	// EventRunCompleted is emitted when every pipeline step has completed
	EventRunCompleted EventType = "run.completed"
	// EventRunFailed is emitted when a run is stopped by an SLO breach
	EventRunFailed EventType = "run.failed"
	// EventRunEscalated is emitted when automated repair hands off to a human
	EventRunEscalated EventType = "run.escalated"
	// EventStepFailed is emitted when a pipeline step reports a failure
	EventStepFailed EventType = "step.failed"
	// EventStepCompleted is emitted when a pipeline step completes
	EventStepCompleted EventType = "step.completed"
	// EventRepairScheduled is emitted when a repair strategy is scheduled
	EventRepairScheduled EventType = "repair.scheduled"
	// EventRepairFailed is emitted when a repair strategy itself fails
	EventRepairFailed EventType = "repair.failed"
	// EventTaskSubmitted is emitted when a task enters a queue class
	EventTaskSubmitted EventType = "task.submitted"
	// EventWorkerReclaimed is emitted when a stale worker is swept
	EventWorkerReclaimed EventType = "worker.reclaimed"
)

// Event represents a single lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, runID, stepID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		RunID:     runID,
		StepID:    stepID,
		Data:      data,
	}
}

// Filter selects events by type, run, and time window
type Filter struct {
	Types []EventType `json:"types,omitempty"`
	RunID string      `json:"run_id,omitempty"`
	Since int64       `json:"since,omitempty"`
	Until int64       `json:"until,omitempty"`
}

// Matches reports whether an event passes the filter
func (f Filter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RunID != "" && event.RunID != f.RunID {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}
	if f.Until > 0 && event.Timestamp > f.Until {
		return false
	}
	return true
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
