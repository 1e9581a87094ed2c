package provider

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCostKnownModels(t *testing.T) {
	tests := []struct {
		model      string
		prompt     int
		completion int
		want       float64
	}{
		{"gpt-4o", 1_000_000, 0, 2.50},
		{"gpt-4o", 0, 1_000_000, 10.0},
		{"gpt-4o-mini", 1_000_000, 1_000_000, 0.75},
		{"gpt-4", 500_000, 0, 15.0},
	}
	for _, tt := range tests {
		if got := Cost(tt.model, tt.prompt, tt.completion); !almostEqual(got, tt.want) {
			t.Errorf("Cost(%s, %d, %d) = %f, want %f", tt.model, tt.prompt, tt.completion, got, tt.want)
		}
	}
}

func TestCostDatedSnapshotUsesBaseModel(t *testing.T) {
	if got := Cost("gpt-4o-2024-08-06", 1_000_000, 0); !almostEqual(got, 2.50) {
		t.Errorf("snapshot should use gpt-4o rate, got %f", got)
	}
	// gpt-4o-mini-... must match the mini rate, not the shorter gpt-4o prefix.
	if got := Cost("gpt-4o-mini-2024-07-18", 1_000_000, 0); !almostEqual(got, 0.15) {
		t.Errorf("mini snapshot should use gpt-4o-mini rate, got %f", got)
	}
}

func TestCostUnknownModelUsesConservativeFallback(t *testing.T) {
	if got := Cost("llama-placeholder", 1_000_000, 1_000_000); !almostEqual(got, 90.0) {
		t.Errorf("unknown model should bill at the gpt-4 rate, got %f", got)
	}
}
