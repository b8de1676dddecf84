// Package pricing holds the static per-(provider, model) token price table
// and the pre-flight cost estimator. Prices are microdollars per 1M tokens.
package pricing

import "strings"

type Price struct {
	InputMicro  int64
	OutputMicro int64
}

type entry struct {
	provider     string
	modelPattern string
	price        Price
}

// Matched by substring so dated releases ("gpt-4o-2024-08-06") resolve to
// their base model row. More specific patterns must come before their prefix.
var table = []entry{
	// Anthropic
	{"anthropic", "claude-opus-4", Price{15000000, 75000000}},
	{"anthropic", "claude-sonnet-4", Price{3000000, 15000000}},
	{"anthropic", "claude-haiku-4", Price{800000, 4000000}},
	{"anthropic", "claude-3-5-sonnet", Price{3000000, 15000000}},
	{"anthropic", "claude-3-5-haiku", Price{800000, 4000000}},
	// OpenAI
	{"openai", "gpt-4o-mini", Price{150000, 600000}},
	{"openai", "gpt-4o", Price{2500000, 10000000}},
	{"openai", "gpt-4-turbo", Price{10000000, 30000000}},
	{"openai", "gpt-4", Price{30000000, 60000000}},
	{"openai", "gpt-3.5-turbo", Price{500000, 1500000}},
	{"openai", "o1-mini", Price{3000000, 12000000}},
	{"openai", "o1", Price{15000000, 60000000}},
	// Google
	{"google", "gemini-2.0-flash", Price{75000, 300000}},
	{"google", "gemini-2.0-pro", Price{1250000, 10000000}},
	{"google", "gemini-1.5-pro", Price{1250000, 5000000}},
	{"google", "gemini-1.5-flash", Price{75000, 300000}},
	// Mistral
	{"mistral", "mistral-large", Price{2000000, 6000000}},
	{"mistral", "mistral-small", Price{100000, 300000}},
	// Groq
	{"groq", "llama-3.3-70b", Price{590000, 790000}},
	{"groq", "llama-3.1-8b", Price{50000, 80000}},
	// DeepSeek
	{"deepseek", "deepseek-chat", Price{270000, 1100000}},
	{"deepseek", "deepseek-reasoner", Price{550000, 2190000}},
	// Cohere
	{"cohere", "command-r-plus", Price{2500000, 10000000}},
	{"cohere", "command-r", Price{150000, 600000}},
}

// genericPrice is the conservative estimate used when a model is not in the
// table. Unknown models estimate high rather than failing the request.
var genericPrice = Price{InputMicro: 10000000, OutputMicro: 30000000}

// Lookup returns the price row for (provider, model), or the generic entry
// when no pattern matches.
func Lookup(provider, model string) Price {
	provider = strings.ToLower(provider)
	model = strings.ToLower(model)
	for _, e := range table {
		if e.provider == provider && strings.Contains(model, e.modelPattern) {
			return e.price
		}
	}
	return genericPrice
}

// EstimateTokens approximates the token count of a rendered prompt. The
// usual 4-chars-per-token heuristic, rounded up, never below one token for
// non-empty text.
func EstimateTokens(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	n := int64(len(text)+3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CostMicro converts token counts into microdollars for (provider, model).
func CostMicro(provider, model string, inputTokens, outputTokens int64) int64 {
	p := Lookup(provider, model)
	return (inputTokens*p.InputMicro)/1_000_000 + (outputTokens*p.OutputMicro)/1_000_000
}

// EstimateCostMicro is the pre-flight estimate for a prompt: its estimated
// input tokens plus the worst-case output allowance.
func EstimateCostMicro(provider, model, prompt string, maxOutputTokens int) int64 {
	return CostMicro(provider, model, EstimateTokens(prompt), int64(maxOutputTokens))
}
