// Package cost prices Claude token usage so extraction runs can report
// what they spent.
package cost

import (
	"sync"

	"github.com/sells-group/entity-resolver/pkg/anthropic"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates map[string]ModelRate
}

// NewCalculator creates a Calculator with the given per-model rates.
func NewCalculator(rates map[string]ModelRate) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of one call. Unknown models cost nothing.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheCreationInputTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadInputTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
	}
}

// Summary is the accumulated usage of a Tracker.
type Summary struct {
	Calls            int     `json:"calls" yaml:"calls"`
	InputTokens      int64   `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens" yaml:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens" yaml:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens" yaml:"cache_read_tokens"`
	USD              float64 `json:"usd" yaml:"usd"`
}

// Tracker accumulates usage across calls. It is safe for concurrent use.
type Tracker struct {
	calc *Calculator

	mu  sync.Mutex
	sum Summary
}

// NewTracker creates a Tracker pricing calls with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc}
}

// Record adds one call's usage.
func (t *Tracker) Record(model string, u anthropic.TokenUsage) {
	usd := t.calc.Claude(model, u)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sum.Calls++
	t.sum.InputTokens += u.InputTokens
	t.sum.OutputTokens += u.OutputTokens
	t.sum.CacheWriteTokens += u.CacheCreationInputTokens
	t.sum.CacheReadTokens += u.CacheReadInputTokens
	t.sum.USD += usd
}

// Summary returns the usage so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}
