// Package structuredoutput extracts a framed JSON payload from an agent's
// (possibly messy) stdout and validates it against a target schema. It
// works through an explicit, observable ladder of attempts, from a cleanly
// framed payload down through fenced code blocks and brace-balanced
// substrings, falling back to tolerant repair of common formatting mistakes
// before giving up, so a caller always knows which attempt won and whether
// repair was needed.
package structuredoutput

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ralph-review/ralph-review/internal/agent"
)

// Source labels which attempt in the ladder produced the winning candidate.
// Not cosmetic: callers assert on it directly.
type Source string

const (
	SourceFramedExtracted Source = "framed-extracted"
	SourceFramedRaw       Source = "framed-raw"
	SourceLegacyFenced    Source = "legacy-fenced"
	SourceLegacyDirect    Source = "legacy-direct"
	SourceLegacyBalanced  Source = "legacy-balanced"
)

// Schema is satisfied by any structured reply the parser targets
// (review.ReviewSummary, review.FixSummary).
type Schema interface {
	Validate() error
}

// Result is the successful outcome of Parse.
type Result[T Schema] struct {
	OK         bool
	Value      T
	Source     Source
	UsedRepair bool
}

// candidate is one (text, source) pair considered by the attempt ladder.
type candidate struct {
	text   string
	source Source
}

// Parse extracts and validates a T from an agent's reply. extractedText is
// the Agent Invoker's own framing-token scan result (may be empty if the
// Invoker found none); rawOutput is the full captured stdout.
func Parse[T Schema](extractedText, rawOutput string, tokens agent.FrameTokens) (Result[T], error) {
	extracted := normalize(extractedText)
	raw := normalize(rawOutput)

	attempts := buildAttempts(extracted, raw, tokens)

	if len(attempts) == 0 {
		return Result[T]{}, fmt.Errorf("no output candidates available")
	}

	for _, c := range attempts {
		if v, ok := tryParse[T](c.text); ok {
			return Result[T]{OK: true, Value: v, Source: c.source, UsedRepair: false}, nil
		}
		if repaired, changed := repair(c.text); changed {
			if v, ok := tryParse[T](repaired); ok {
				return Result[T]{OK: true, Value: v, Source: c.source, UsedRepair: true}, nil
			}
		}
	}

	return Result[T]{}, fmt.Errorf("no structured output candidate matched the required schema")
}

// buildAttempts constructs the ordered ladder: framed (extracted, then raw),
// fenced json block (each copy), whole candidate (each copy), then every
// brace-balanced substring in reverse order (each copy).
func buildAttempts(extracted, raw string, tokens agent.FrameTokens) []candidate {
	var attempts []candidate

	if t, ok := extractFramed(extracted, tokens); ok {
		attempts = append(attempts, candidate{text: t, source: SourceFramedExtracted})
	}
	if t, ok := extractFramed(raw, tokens); ok {
		attempts = append(attempts, candidate{text: t, source: SourceFramedRaw})
	}

	for _, copy := range []string{extracted, raw} {
		if t, ok := extractFencedJSON(copy); ok {
			attempts = append(attempts, candidate{text: t, source: SourceLegacyFenced})
		}
	}

	for _, copy := range []string{extracted, raw} {
		if copy != "" {
			attempts = append(attempts, candidate{text: copy, source: SourceLegacyDirect})
		}
	}

	for _, copy := range []string{extracted, raw} {
		for _, b := range braceBalancedSubstringsReversed(copy) {
			attempts = append(attempts, candidate{text: b, source: SourceLegacyBalanced})
		}
	}

	return attempts
}

func tryParse[T Schema](text string) (T, bool) {
	var v T
	if strings.TrimSpace(text) == "" {
		return v, false
	}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return v, false
	}
	if err := v.Validate(); err != nil {
		return v, false
	}
	return v, true
}

// normalize strips BOM and zero-width characters, canonicalizes line
// endings to \n, and trims surrounding whitespace.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "﻿", "")
	s = strings.ReplaceAll(s, "​", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// ExtractFramed returns the text between tokens.Start and tokens.End in s,
// normalizing s first. It is exported for the Agent Invoker, which scans
// captured stdout for a framed payload to expose separately from the raw
// output, without itself validating against a schema.
func ExtractFramed(s string, tokens agent.FrameTokens) (string, bool) {
	return extractFramed(normalize(s), tokens)
}

// extractFramed returns the text between tokens.Start and tokens.End.
func extractFramed(s string, tokens agent.FrameTokens) (string, bool) {
	if s == "" || tokens.Start == "" || tokens.End == "" {
		return "", false
	}
	startIdx := strings.Index(s, tokens.Start)
	if startIdx < 0 {
		return "", false
	}
	rest := s[startIdx+len(tokens.Start):]
	endIdx := strings.Index(rest, tokens.End)
	if endIdx < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:endIdx]), true
}

// extractFencedJSON returns the content of the first ```json fenced block.
func extractFencedJSON(s string) (string, bool) {
	const fenceOpen = "```json"
	startIdx := strings.Index(s, fenceOpen)
	if startIdx < 0 {
		return "", false
	}
	rest := s[startIdx+len(fenceOpen):]
	endIdx := strings.Index(rest, "```")
	if endIdx < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:endIdx]), true
}

// braceBalancedSubstringsReversed scans s with a state machine tracking
// string/escape state and returns every top-level brace-balanced substring,
// in reverse order (last-found first). Tracking string state means braces
// inside quoted strings never perturb the depth count.
func braceBalancedSubstringsReversed(s string) []string {
	var found []string

	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					found = append(found, s[start:i+1])
					start = -1
				}
			}
		}
	}

	reversed := make([]string, len(found))
	for i, v := range found {
		reversed[len(found)-1-i] = v
	}
	return reversed
}

// repair applies tolerant transforms and reports whether anything changed:
// unwrap a surrounding ```json fence, normalize smart quotes to ASCII,
// isolate the last brace-balanced object, and remove trailing commas.
func repair(s string) (string, bool) {
	original := s

	if t, ok := extractFencedJSON(s); ok {
		s = t
	}

	s = normalizeSmartQuotes(s)

	if balanced := braceBalancedSubstringsReversed(s); len(balanced) > 0 {
		s = balanced[0]
	}

	s = removeTrailingCommas(s)

	return s, s != original
}

func normalizeSmartQuotes(s string) string {
	replacer := strings.NewReplacer(
		"“", "\"",
		"”", "\"",
		"‘", "'",
		"’", "'",
	)
	return replacer.Replace(s)
}

// removeTrailingCommas strips a comma that appears (ignoring whitespace)
// immediately before a closing `}` or `]`, outside of string literals.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	runes := []rune(s)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inString {
			b.WriteRune(r)
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		if r == '"' {
			inString = true
			b.WriteRune(r)
			continue
		}

		if r == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\n' || runes[j] == '\t' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue // drop the trailing comma
			}
		}

		b.WriteRune(r)
	}

	return b.String()
}
