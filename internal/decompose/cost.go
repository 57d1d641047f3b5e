package decompose

import "strings"

// price is USD per million tokens.
type price struct {
	prefix string
	input  float64
	output float64
}

// prices is ordered most specific prefix first. The figures are list
// prices and only support rough estimation.
var prices = []price{
	{"claude-opus-4", 15, 75},
	{"claude-3-opus", 15, 75},
	{"claude-sonnet-4", 3, 15},
	{"claude-3-7-sonnet", 3, 15},
	{"claude-3-5-sonnet", 3, 15},
	{"claude-haiku-4", 1, 5},
	{"claude-3-5-haiku", 0.8, 4},
	{"claude-3-haiku", 0.25, 1.25},
	{"gpt-4o-mini", 0.15, 0.6},
	{"gpt-4o", 2.5, 10},
	{"gpt-4.1-nano", 0.1, 0.4},
	{"gpt-4.1-mini", 0.4, 1.6},
	{"gpt-4.1", 2, 8},
	{"gpt-5-nano", 0.05, 0.4},
	{"gpt-5-mini", 0.25, 2},
	{"gpt-5", 1.25, 10},
	{"o4-mini", 1.1, 4.4},
	{"o3-mini", 1.1, 4.4},
	{"o3", 2, 8},
	{"o1", 15, 60},
	{"gpt-3.5-turbo", 0.5, 1.5},
	{"gemini-2.5-pro", 1.25, 10},
	{"gemini-2.5-flash-lite", 0.1, 0.4},
	{"gemini-2.5-flash", 0.3, 2.5},
	{"gemini-2.0-flash", 0.1, 0.4},
	{"gemini-1.5-pro", 1.25, 5},
	{"gemini-1.5-flash", 0.075, 0.3},
}

// EstimateCostUSD estimates the cost of a call. Unknown models cost zero.
func EstimateCostUSD(model string, inputTokens, outputTokens int) float64 {
	model = strings.ToLower(strings.TrimPrefix(model, "models/"))
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	for _, p := range prices {
		if strings.HasPrefix(model, p.prefix) {
			return (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1_000_000
		}
	}
	return 0
}
