// Package tokens aggregates per-session token usage and cost.
package tokens

import "sync"

// modelPricing maps a model id prefix to USD cost per million input/output
// tokens. Longest prefix wins; unknown models fall back to the default row.
var modelPricing = []struct {
	prefix    string
	inputUSD  float64
	outputUSD float64
}{
	{"gpt-5", 1.25, 10.00},
	{"gpt-4.1", 2.00, 8.00},
	{"gpt-4o", 2.50, 10.00},
	{"", 1.25, 10.00},
}

// Usage is one API call's token counts.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	ReasoningTokens   int
}

// Tracker accumulates usage across a session.
type Tracker struct {
	mu sync.Mutex

	input     int
	output    int
	cached    int
	reasoning int
	costUSD   float64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records one call's usage under the given model's pricing.
func (t *Tracker) Add(model string, u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input += u.InputTokens
	t.output += u.OutputTokens
	t.cached += u.CachedInputTokens
	t.reasoning += u.ReasoningTokens
	t.costUSD += Cost(model, u)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	CachedInputTokens int     `json:"cached_input_tokens"`
	ReasoningTokens   int     `json:"reasoning_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	CostUSD           float64 `json:"cost_usd"`
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		InputTokens:       t.input,
		OutputTokens:      t.output,
		CachedInputTokens: t.cached,
		ReasoningTokens:   t.reasoning,
		TotalTokens:       t.input + t.output,
		CostUSD:           t.costUSD,
	}
}

// Cost computes the USD cost of one call for a model.
func Cost(model string, u Usage) float64 {
	for _, p := range modelPricing {
		if p.prefix == "" || hasPrefix(model, p.prefix) {
			return float64(u.InputTokens)/1e6*p.inputUSD +
				float64(u.OutputTokens)/1e6*p.outputUSD
		}
	}
	return 0
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
