package tokens

import (
	"math"
	"sync"
	"testing"
)

func TestTrackerAccumulates(t *testing.T) {
	tr := NewTracker()
	tr.Add("gpt-5.2", Usage{InputTokens: 1000, OutputTokens: 500, CachedInputTokens: 100})
	tr.Add("gpt-5.2", Usage{InputTokens: 2000, OutputTokens: 1000, ReasoningTokens: 300})

	snap := tr.Snapshot()
	if snap.InputTokens != 3000 || snap.OutputTokens != 1500 {
		t.Errorf("input/output = %d/%d", snap.InputTokens, snap.OutputTokens)
	}
	if snap.TotalTokens != 4500 {
		t.Errorf("total = %d", snap.TotalTokens)
	}
	if snap.CachedInputTokens != 100 || snap.ReasoningTokens != 300 {
		t.Errorf("cached/reasoning = %d/%d", snap.CachedInputTokens, snap.ReasoningTokens)
	}
}

func TestCostPerModel(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-5.2", 11.25},
		{"gpt-4.1", 10.00},
		{"gpt-4o-mini", 12.50},
		{"unknown-model", 11.25},
	}
	for _, tt := range tests {
		if got := Cost(tt.model, u); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Cost(%s) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestTrackerConcurrentAdd(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add("gpt-5.2", Usage{InputTokens: 10, OutputTokens: 5})
		}()
	}
	wg.Wait()
	if snap := tr.Snapshot(); snap.TotalTokens != 300 {
		t.Errorf("total = %d, want 300", snap.TotalTokens)
	}
}
