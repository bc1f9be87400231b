// Package telemetry provides OpenTelemetry observability for the
// meta-builder execution core
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for meta-builder specific attributes
const (
	// Run attributes
	KeyRunID    = "metabuilder.run.id"
	KeyRunState = "metabuilder.run.state"
	KeyRunPhase = "metabuilder.run.phase"
	KeyTenantID = "metabuilder.tenant.id"

	// Task attributes
	KeyTaskID     = "metabuilder.task.id"
	KeyStepID     = "metabuilder.step.id"
	KeyQueueClass = "metabuilder.task.queue_class"
	KeyPriority   = "metabuilder.task.priority"

	// Worker attributes
	KeyWorkerID = "metabuilder.worker.id"

	// Agent attributes
	KeyAgentType  = "metabuilder.agent.type"
	KeyModelTier  = "metabuilder.model.tier"
	KeyModelName  = "metabuilder.model.name"
	KeyProvider   = "metabuilder.model.provider"
	KeyCostUSD    = "metabuilder.cost.usd"

	// Repair attributes
	KeyFailureClass   = "metabuilder.failure.class"
	KeyRepairStrategy = "metabuilder.repair.strategy"
	KeyRepairPhase    = "metabuilder.repair.phase"
	KeyDisposition    = "metabuilder.repair.disposition"

	// Breaker attributes
	KeyBreakerKey   = "metabuilder.breaker.key"
	KeyBreakerState = "metabuilder.breaker.state"

	// Error attributes
	KeyErrorCategory = "metabuilder.error.category"
)

// Error categories
const (
	ErrorCategoryAgent    = "agent"
	ErrorCategoryStore    = "store"
	ErrorCategorySandbox  = "sandbox"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryUnknown  = "unknown"
)

// RunAttrs returns the attribute set for a run
func RunAttrs(runID, tenantID, state, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyRunID, runID),
		attribute.String(KeyTenantID, tenantID),
		attribute.String(KeyRunState, state),
		attribute.String(KeyRunPhase, phase),
	}
}

// TaskAttrs returns the attribute set for a task
func TaskAttrs(taskID, stepID, queueClass string, priority int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, taskID),
		attribute.String(KeyStepID, stepID),
		attribute.String(KeyQueueClass, queueClass),
		attribute.Int(KeyPriority, priority),
	}
}

// ModelAttrs returns the attribute set for a model selection
func ModelAttrs(tier, provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyModelTier, tier),
		attribute.String(KeyProvider, provider),
		attribute.String(KeyModelName, model),
	}
}

// RepairAttrs returns the attribute set for a repair attempt
func RepairAttrs(failureClass, strategy, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyFailureClass, failureClass),
		attribute.String(KeyRepairStrategy, strategy),
		attribute.String(KeyRepairPhase, phase),
	}
}
