// Package pricing converts provider token counts into USD cost and
// produces the pessimistic pre-flight estimates fed to budget reservation.
package pricing

import (
	"log/slog"
	"sync"

	"github.com/ccbridge/ccbridge/pkg/models"
)

// Rates holds per-model prices in USD per million tokens.
type Rates struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// table maps model aliases and concrete model identifiers to rates.
// Unknown models fall back to the Sonnet rates with a warning.
var table = map[string]Rates{
	"haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"opus":   {InputPerMTok: 15.00, OutputPerMTok: 75.00},

	"claude-haiku-4-5":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-opus-4-1":   {InputPerMTok: 15.00, OutputPerMTok: 75.00},
}

var fallback = table["sonnet"]

var warned sync.Map

// RatesFor returns the price table entry for a model. Unknown models get the
// Sonnet rates; the first occurrence of each unknown model is logged.
func RatesFor(model string) Rates {
	if r, ok := table[model]; ok {
		return r
	}
	if _, loaded := warned.LoadOrStore(model, true); !loaded {
		slog.Warn("Unknown model in price table, defaulting to sonnet rates", "model", model)
	}
	return fallback
}

// Price returns the USD cost of the given token usage. Non-negative and
// monotonic in both token counts.
func Price(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	r := RatesFor(model)
	return (float64(inputTokens)*r.InputPerMTok + float64(outputTokens)*r.OutputPerMTok) / 1_000_000
}

// PriceUsage prices a Usage struct.
func PriceUsage(model string, u models.Usage) float64 {
	return Price(model, u.InputTokens, u.OutputTokens)
}

// TurnTokens is the output-token proxy for "one more turn", used by the
// agentic executor's incremental cost monitor.
const TurnTokens = 512

// EstimateTokens is a pessimistic prompt-length proxy: roughly one token per
// three bytes, never below one.
func EstimateTokens(promptLen int) int {
	if promptLen <= 0 {
		return 1
	}
	return promptLen/3 + 1
}

// Estimate returns the upper-bound cost used for budget reservation:
// all of maxTokens assumed generated, prompt charged by the length proxy.
func Estimate(model string, promptLen, maxTokens int) float64 {
	return Price(model, EstimateTokens(promptLen), maxTokens)
}
