package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateCost_GeminiModel(t *testing.T) {
	// Gemini 2.5 Flash: $0.075 per 1M prompt, $0.30 per 1M completion
	cost := EstimateCost("gemini-2.5-flash", 1000000, 1000000)
	expected := 0.075 + 0.30 // $0.375
	if cost != expected {
		t.Fatalf("expected %f, got %f", expected, cost)
	}
}

func TestRouteTier_SmallPromptLowBudgetIsLite(t *testing.T) {
	if tier := RouteTier(100, 0.01); tier != TierLite {
		t.Fatalf("expected lite, got %s", tier)
	}
}

func TestRouteTier_LargePromptHighBudgetIsPremium(t *testing.T) {
	if tier := RouteTier(20_000, 1.0); tier != TierPremium {
		t.Fatalf("expected premium, got %s", tier)
	}
}

func TestRouteTier_MidRangeIsStandard(t *testing.T) {
	if tier := RouteTier(5_000, 0.2); tier != TierStandard {
		t.Fatalf("expected standard, got %s", tier)
	}
}

func TestModelForTier_KnownTiers(t *testing.T) {
	for _, tier := range []Tier{TierLite, TierStandard, TierPremium} {
		if ModelForTier(tier) == "" {
			t.Fatalf("expected non-empty model for tier %s", tier)
		}
	}
}
