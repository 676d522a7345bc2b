// Package pricing computes per-bucket USD costs for assistant turns whose
// usage records carry token counts but no explicit costs.
package pricing

import (
	"strings"
)

// ModelRates holds per-million-token prices for one model.
type ModelRates struct {
	InputPerMTok       float64
	OutputPerMTok      float64
	ReasoningPerMTok   float64
	CacheReadPerMTok   float64
	CacheCreatePerMTok float64
}

// BucketCosts is one USD figure per token bucket.
type BucketCosts struct {
	Input       float64
	Output      float64
	Reasoning   float64
	Cached      float64
	CacheCreate float64
}

func (c BucketCosts) Total() float64 {
	return c.Input + c.Output + c.Reasoning + c.Cached + c.CacheCreate
}

var defaultRates = map[string]ModelRates{
	"claude-opus-4-5": {
		InputPerMTok: 5.00, OutputPerMTok: 25.00, ReasoningPerMTok: 25.00,
		CacheReadPerMTok: 0.50, CacheCreatePerMTok: 6.25,
	},
	"claude-opus-4-1": {
		InputPerMTok: 15.00, OutputPerMTok: 75.00, ReasoningPerMTok: 75.00,
		CacheReadPerMTok: 1.50, CacheCreatePerMTok: 18.75,
	},
	"claude-opus-4": {
		InputPerMTok: 15.00, OutputPerMTok: 75.00, ReasoningPerMTok: 75.00,
		CacheReadPerMTok: 1.50, CacheCreatePerMTok: 18.75,
	},
	"claude-sonnet-4-5": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00, ReasoningPerMTok: 15.00,
		CacheReadPerMTok: 0.30, CacheCreatePerMTok: 3.75,
	},
	"claude-sonnet-4": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00, ReasoningPerMTok: 15.00,
		CacheReadPerMTok: 0.30, CacheCreatePerMTok: 3.75,
	},
	"claude-haiku-4-5": {
		InputPerMTok: 1.00, OutputPerMTok: 5.00, ReasoningPerMTok: 5.00,
		CacheReadPerMTok: 0.10, CacheCreatePerMTok: 1.25,
	},
	"claude-haiku-3-5": {
		InputPerMTok: 0.80, OutputPerMTok: 4.00, ReasoningPerMTok: 4.00,
		CacheReadPerMTok: 0.08, CacheCreatePerMTok: 1.00,
	},
}

// Table resolves model names to rates, with optional user overrides layered
// over the built-in defaults.
type Table struct {
	rates map[string]ModelRates
}

func NewTable() *Table {
	rates := make(map[string]ModelRates, len(defaultRates))
	for name, r := range defaultRates {
		rates[name] = r
	}
	return &Table{rates: rates}
}

// NormalizeModel strips a trailing date suffix from a model identifier,
// e.g. "claude-sonnet-4-5-20250929" -> "claude-sonnet-4-5". The raw name is
// returned unchanged when it already resolves or has no date suffix.
func (t *Table) NormalizeModel(raw string) string {
	if _, ok := t.rates[raw]; ok {
		return raw
	}
	parts := strings.Split(raw, "-")
	if len(parts) < 2 {
		return raw
	}
	last := parts[len(parts)-1]
	if len(last) >= 8 && isAllDigits(last) {
		candidate := strings.Join(parts[:len(parts)-1], "-")
		if _, ok := t.rates[candidate]; ok {
			return candidate
		}
	}
	return raw
}

// Cost prices the five token buckets for a model. Unknown models cost zero;
// the token counts still land in the events table so dashboards can surface
// the gap.
func (t *Table) Cost(model string, input, output, reasoning, cached, cacheCreate int64) BucketCosts {
	rates, ok := t.rates[t.NormalizeModel(model)]
	if !ok {
		return BucketCosts{}
	}
	const mtok = 1_000_000.0
	return BucketCosts{
		Input:       float64(input) / mtok * rates.InputPerMTok,
		Output:      float64(output) / mtok * rates.OutputPerMTok,
		Reasoning:   float64(reasoning) / mtok * rates.ReasoningPerMTok,
		Cached:      float64(cached) / mtok * rates.CacheReadPerMTok,
		CacheCreate: float64(cacheCreate) / mtok * rates.CacheCreatePerMTok,
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
