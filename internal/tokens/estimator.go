// Package tokens provides character-based token estimation for context
// budget management. The heuristics are calibrated per content class and can
// be refined online from real provider usage.
package tokens

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"codi/internal/logging"
	"codi/internal/types"
)

// Characters-per-token divisors per content class. Code tokenizes densest.
const (
	CharsPerTokenCode  = 3.0
	CharsPerTokenJSON  = 3.5
	CharsPerTokenProse = 4.0
)

// Calibration sample sanity bounds. Samples outside are discarded.
const (
	minCharsPerToken = 1.0
	maxCharsPerToken = 10.0
)

var (
	codeFencePattern = regexp.MustCompile("```")
	importPattern    = regexp.MustCompile(`(?m)^\s*(import |from \S+ import |#include |use )`)
	arrowPattern     = regexp.MustCompile(`=>|->`)
)

// Estimator estimates token counts from character counts. The prose divisor
// is adjustable via online calibration; access is mutex-guarded so a single
// process-wide estimator can be shared.
type Estimator struct {
	mu           sync.Mutex
	proseDivisor float64
	sampleCount  int
}

// NewEstimator creates an estimator with default calibration.
func NewEstimator() *Estimator {
	return &Estimator{proseDivisor: CharsPerTokenProse}
}

// Estimate classifies text as code, JSON, or prose and applies the matching
// divisor. Empty input is zero tokens.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	switch classify(text) {
	case classCode:
		return e.EstimateCode(text)
	case classJSON:
		return ceilDiv(len(text), CharsPerTokenJSON)
	default:
		return e.EstimateProse(text)
	}
}

// EstimateProse estimates tokens for natural-language text using the
// calibrated divisor.
func (e *Estimator) EstimateProse(text string) int {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	divisor := e.proseDivisor
	e.mu.Unlock()
	return ceilDiv(len(text), divisor)
}

// EstimateCode estimates tokens for source code.
func (e *Estimator) EstimateCode(text string) int {
	if text == "" {
		return 0
	}
	return ceilDiv(len(text), CharsPerTokenCode)
}

// EstimateToolDefs estimates tokens for serialized tool definitions. Tool
// schemas are JSON.
func (e *Estimator) EstimateToolDefs(defs []string) int {
	total := 0
	for _, d := range defs {
		total += ceilDiv(len(d), CharsPerTokenJSON)
	}
	return total
}

// EstimateMessage estimates tokens for one message, including a small
// per-message framing overhead.
func (e *Estimator) EstimateMessage(m types.Message) int {
	const framing = 4
	return framing + e.Estimate(m.JoinedText())
}

// EstimateTotal estimates tokens for a full request: history, system prompt,
// and tool definitions.
func (e *Estimator) EstimateTotal(messages []types.Message, systemPrompt string, toolDefs []string) int {
	total := e.Estimate(systemPrompt)
	total += e.EstimateToolDefs(toolDefs)
	for _, m := range messages {
		total += e.EstimateMessage(m)
	}
	logging.TokensDebug("EstimateTotal: %d messages, %d tool defs -> %d tokens", len(messages), len(toolDefs), total)
	return total
}

// UpdateCalibration refines the prose divisor from a real provider sample
// via an exponential moving average. Samples with an implausible
// chars-per-token ratio are rejected.
func (e *Estimator) UpdateCalibration(actualTokens, chars int) {
	if actualTokens <= 0 || chars <= 0 {
		return
	}
	observed := float64(chars) / float64(actualTokens)
	if observed < minCharsPerToken || observed > maxCharsPerToken {
		logging.TokensDebug("Calibration sample rejected: %.2f chars/token outside [%.1f, %.1f]",
			observed, minCharsPerToken, maxCharsPerToken)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampleCount++
	alpha := math.Min(0.1, 1.0/float64(e.sampleCount))
	e.proseDivisor = e.proseDivisor*(1-alpha) + observed*alpha
	logging.TokensDebug("Calibration updated: divisor=%.3f (sample %d, observed %.2f)",
		e.proseDivisor, e.sampleCount, observed)
}

// ResetCalibration restores the default prose divisor and clears sample
// history.
func (e *Estimator) ResetCalibration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proseDivisor = CharsPerTokenProse
	e.sampleCount = 0
}

// ProseDivisor returns the current calibrated divisor.
func (e *Estimator) ProseDivisor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proseDivisor
}

type contentClass int

const (
	classProse contentClass = iota
	classCode
	classJSON
)

// classify decides which divisor applies. Code signals are checked before
// the JSON density test so fenced snippets inside prose count as code.
func classify(text string) contentClass {
	if codeFencePattern.MatchString(text) || importPattern.MatchString(text) || arrowPattern.MatchString(text) {
		return classCode
	}
	if hasBracesWithSemicolons(text) {
		return classCode
	}
	if looksLikeJSON(text) {
		return classJSON
	}
	return classProse
}

// hasBracesWithSemicolons detects brace-language source: balanced braces
// plus statement terminators.
func hasBracesWithSemicolons(text string) bool {
	open := strings.Count(text, "{")
	if open == 0 || open != strings.Count(text, "}") {
		return false
	}
	return strings.Count(text, ";") >= 2
}

// looksLikeJSON applies a structural density test: the text is bracketed by
// object/array delimiters and at least 1% of it is key-value punctuation.
func looksLikeJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 {
		return false
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	if !((first == '{' && last == '}') || (first == '[' && last == ']')) {
		return false
	}
	punct := strings.Count(trimmed, "\":") + strings.Count(trimmed, "\",")
	return punct*100 >= len(trimmed)
}

func ceilDiv(chars int, divisor float64) int {
	return int(math.Ceil(float64(chars) / divisor))
}
