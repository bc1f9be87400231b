// Package scheduler implements cost/SLA-aware model selection and SLA
// compliance monitoring
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/budget"
	"github.com/cloud-shuttle/metabuilder/pkg/types"
)

// ErrNoModelsAvailable is returned when the entire model catalog is empty
var ErrNoModelsAvailable = errors.New("no models available")

// latencyNormalizationMS scales latency into the same range as the cost
// ratio when scoring candidates
const latencyNormalizationMS = 5000.0

// queueClassWeights scale a run's priority by its SLA urgency
var queueClassWeights = map[types.SLAClass]int{
	types.SLAFast:     3,
	types.SLANormal:   2,
	types.SLAThorough: 1,
}

// tierFallback is the order tiers are tried when the desired tier has no
// catalog entries
var tierFallback = []types.ModelTier{
	types.TierPremium,
	types.TierStandard,
	types.TierDraft,
}

// CostAwareScheduler picks model tiers and providers that fit a run's
// budget and latency targets. All registries are owned by the instance;
// construct one per orchestrator.
type CostAwareScheduler struct {
	mu      sync.RWMutex
	catalog map[types.ModelTier][]types.ModelSelection
	budgets map[string]budget.Budget
	slas    map[string]budget.SLARequirements
	logger  *log.Logger
}

// New creates a scheduler over the given model catalog
func New(catalog []types.ModelSelection) *CostAwareScheduler {
	byTier := make(map[types.ModelTier][]types.ModelSelection)
	for _, m := range catalog {
		byTier[m.Tier] = append(byTier[m.Tier], m)
	}

	return &CostAwareScheduler{
		catalog: byTier,
		budgets: make(map[string]budget.Budget),
		slas:    make(map[string]budget.SLARequirements),
		logger:  log.Default(),
	}
}

// DefaultCatalog returns the built-in model catalog
func DefaultCatalog() []types.ModelSelection {
	return []types.ModelSelection{
		{Tier: types.TierDraft, Provider: "openai", Model: "gpt-4o-mini", CostPer1KTokens: 0.0006, EstimatedLatencyMS: 900, MaxTokens: 16384},
		{Tier: types.TierDraft, Provider: "anthropic", Model: "claude-3-5-haiku", CostPer1KTokens: 0.004, EstimatedLatencyMS: 700, MaxTokens: 8192},
		{Tier: types.TierStandard, Provider: "anthropic", Model: "claude-sonnet-4", CostPer1KTokens: 0.015, EstimatedLatencyMS: 1800, MaxTokens: 64000},
		{Tier: types.TierStandard, Provider: "openai", Model: "gpt-4o", CostPer1KTokens: 0.01, EstimatedLatencyMS: 1500, MaxTokens: 16384},
		{Tier: types.TierPremium, Provider: "anthropic", Model: "claude-opus-4", CostPer1KTokens: 0.075, EstimatedLatencyMS: 3500, MaxTokens: 32000},
		{Tier: types.TierPremium, Provider: "openai", Model: "o1", CostPer1KTokens: 0.06, EstimatedLatencyMS: 4000, MaxTokens: 100000},
	}
}

// RegisterRun records a run's budget and SLA for later selection calls
func (s *CostAwareScheduler) RegisterRun(runID string, b budget.Budget, sla budget.SLARequirements) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[runID] = b
	s.slas[runID] = sla
}

// ReleaseRun drops a run's budget and SLA entries
func (s *CostAwareScheduler) ReleaseRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.budgets, runID)
	delete(s.slas, runID)
}

// desiredTier maps SLA class and task complexity to a model tier
func desiredTier(class types.SLAClass, complexity types.TaskComplexity) types.ModelTier {
	switch {
	case class == types.SLAFast:
		return types.TierPremium
	case class == types.SLANormal && complexity == types.ComplexityHigh:
		return types.TierStandard
	case complexity == types.ComplexityLow:
		return types.TierDraft
	default:
		return types.TierStandard
	}
}

// SelectModelForTask picks a catalog model for a task. It never blocks
// and always returns a selection unless the catalog is entirely empty:
// models over the run's cost budget are skipped, but if every candidate
// is over budget the cheapest model in the tier is chosen anyway.
func (s *CostAwareScheduler) SelectModelForTask(runID string, complexity types.TaskComplexity, estimatedTokens int) (types.ModelSelection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sla, ok := s.slas[runID]
	if !ok {
		sla = budget.DefaultSLA()
	}
	runBudget, haveBudget := s.budgets[runID]

	tier := desiredTier(sla.Class, complexity)
	candidates := s.candidatesForTier(tier)
	if len(candidates) == 0 {
		return types.ModelSelection{}, fmt.Errorf("selecting model for run %s: %w", runID, ErrNoModelsAvailable)
	}

	var best *types.ModelSelection
	var bestScore float64
	var cheapest *types.ModelSelection

	for i := range candidates {
		m := candidates[i]
		estCost := m.EstimatedCost(estimatedTokens)

		if cheapest == nil || m.CostPer1KTokens < cheapest.CostPer1KTokens {
			cheapest = &candidates[i]
		}

		// A model whose estimated cost alone blows the budget is skipped
		if haveBudget && runBudget.MaxCost > 0 && estCost > runBudget.MaxCost {
			continue
		}

		costRatio := estCost
		if sla.CostCeiling > 0 {
			costRatio = estCost / sla.CostCeiling
		}
		score := 0.7*costRatio + 0.3*(float64(m.EstimatedLatencyMS)/latencyNormalizationMS)

		if best == nil || score < bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}

	if best == nil {
		// Everything is over budget; fall back to the cheapest rather
		// than blocking the run
		s.logger.Printf("[scheduler] run %s: all %s-tier models over budget, falling back to %s",
			runID, tier, cheapest.Model)
		return *cheapest, nil
	}

	return *best, nil
}

// candidatesForTier returns the models for the desired tier, walking the
// fallback order when the tier is empty. Caller must hold the read lock.
func (s *CostAwareScheduler) candidatesForTier(desired types.ModelTier) []types.ModelSelection {
	start := 0
	for i, tier := range tierFallback {
		if tier == desired {
			start = i
			break
		}
	}

	for _, tier := range tierFallback[start:] {
		if models := s.catalog[tier]; len(models) > 0 {
			return models
		}
	}

	// Desired tier and everything below it are empty; take any tier
	for _, tier := range tierFallback {
		if models := s.catalog[tier]; len(models) > 0 {
			return models
		}
	}
	return nil
}

// CheckBudgetCompliance reports whether a run is still within its budget
func (s *CostAwareScheduler) CheckBudgetCompliance(runID string, currentCost float64, elapsed time.Duration, currentAttempts int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[runID]
	if !ok {
		return true
	}
	return !b.IsExceeded(currentCost, elapsed, currentAttempts)
}

// QueuePriority scores a run's queue priority from its SLA
func QueuePriority(sla budget.SLARequirements) int {
	weight, ok := queueClassWeights[sla.Class]
	if !ok {
		weight = 1
	}
	return sla.Priority * weight
}

// GetQueuePriority scores a registered run's queue priority, using the
// default SLA for unknown runs
func (s *CostAwareScheduler) GetQueuePriority(runID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sla, ok := s.slas[runID]
	if !ok {
		sla = budget.DefaultSLA()
	}
	return QueuePriority(sla)
}

// GetSLA returns a run's registered SLA requirements
func (s *CostAwareScheduler) GetSLA(runID string) (budget.SLARequirements, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sla, ok := s.slas[runID]
	return sla, ok
}
