// Package pricing provides per-model cost estimation for token usage and a
// weighted three-tier (lite/standard/premium) worker model-routing decision.
package pricing

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash-exp":  {0.0, 0.0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// Tier is a cost/capability class a worker can route a task to.
type Tier string

const (
	TierLite     Tier = "lite"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// tierModels maps each tier to its reference model, used to estimate cost
// before a worker has picked a concrete model for a task.
var tierModels = map[Tier]string{
	TierLite:     "gemini-2.5-flash-lite",
	TierStandard: "gemini-2.5-flash",
	TierPremium:  "claude-sonnet-4-5",
}

// ModelForTier returns the reference model for a tier.
func ModelForTier(t Tier) string {
	return tierModels[t]
}

// RouteTier picks a tier using a weighted score over the task's estimated
// prompt size and remaining budget: larger prompts and larger budgets push
// toward more capable (and costlier) tiers. Both inputs are normalized to
// [0,1] by the caller-supplied ceilings before weighting, so callers with
// very different workload shapes can still reuse this function.
func RouteTier(promptTokens int, maxBudgetUSD float64) Tier {
	const (
		promptWeight = 0.6
		budgetWeight = 0.4
		promptCeil   = 20_000.0
		budgetCeil   = 1.0
	)

	promptScore := float64(promptTokens) / promptCeil
	if promptScore > 1 {
		promptScore = 1
	}
	budgetScore := maxBudgetUSD / budgetCeil
	if budgetScore > 1 {
		budgetScore = 1
	}

	score := promptWeight*promptScore + budgetWeight*budgetScore
	switch {
	case score < 0.25:
		return TierLite
	case score < 0.65:
		return TierStandard
	default:
		return TierPremium
	}
}
