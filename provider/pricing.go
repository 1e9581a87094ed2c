package provider

import "strings"

// modelRate is the price per one million tokens.
type modelRate struct {
	input  float64
	output float64
}

// pricing maps model names to USD per 1M tokens. Unknown models fall back
// to the gpt-4 rate, which is the most expensive entry, so an unrecognized
// model always over-counts rather than under-counts against a budget.
var pricing = map[string]modelRate{
	"gpt-4":                {input: 30.0, output: 60.0},
	"gpt-4-turbo":          {input: 10.0, output: 30.0},
	"gpt-4o":               {input: 2.50, output: 10.0},
	"gpt-4o-mini":          {input: 0.15, output: 0.60},
	"gpt-3.5-turbo":        {input: 0.50, output: 1.50},
	"claude-3-5-sonnet":    {input: 3.00, output: 15.0},
	"claude-3-5-haiku":     {input: 0.80, output: 4.00},
	"claude-3-opus":        {input: 15.0, output: 75.0},
}

var fallbackRate = pricing["gpt-4"]

// rateFor resolves a model name to its rate: exact match first, then the
// longest prefix match (dated snapshots like gpt-4o-2024-08-06 resolve to
// their base model), then the conservative fallback.
func rateFor(model string) modelRate {
	if r, ok := pricing[model]; ok {
		return r
	}
	var best string
	for name := range pricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return pricing[best]
	}
	return fallbackRate
}

// Cost returns the USD cost of a completion given its token counts.
func Cost(model string, promptTokens, completionTokens int) float64 {
	r := rateFor(model)
	return float64(promptTokens)/1_000_000*r.input + float64(completionTokens)/1_000_000*r.output
}
