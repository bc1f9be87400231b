package types

// SLAClass is a named urgency tier that trades cost for latency in
// model selection
type SLAClass string

const (
	SLAFast     SLAClass = "fast"
	SLANormal   SLAClass = "normal"
	SLAThorough SLAClass = "thorough"
)

// ModelTier groups catalog models by capability and cost
type ModelTier string

const (
	TierDraft    ModelTier = "draft"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// TaskComplexity is the caller's estimate of how hard a task is
type TaskComplexity string

const (
	ComplexityLow    TaskComplexity = "low"
	ComplexityMedium TaskComplexity = "medium"
	ComplexityHigh   TaskComplexity = "high"
)

// ModelSelection is one catalog entry. Static data, read-only at runtime.
type ModelSelection struct {
	Tier               ModelTier `json:"tier"`
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	CostPer1KTokens    float64   `json:"cost_per_1k_tokens"`
	EstimatedLatencyMS int       `json:"estimated_latency_ms"`
	MaxTokens          int       `json:"max_tokens"`
}

// EstimatedCost returns the estimated cost of a call consuming the given
// number of tokens
func (m ModelSelection) EstimatedCost(tokens int) float64 {
	return m.CostPer1KTokens * float64(tokens) / 1000.0
}
