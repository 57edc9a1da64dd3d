// Package jsonrepair recovers structured data from arbitrary, possibly
// malformed LLM response text. Models wrap JSON in markdown fences, emit
// trailing commas, and truncate output mid-object; every recovery step
// here is tried only after a direct parse fails, and nothing ever panics.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Result reports one extraction attempt.
type Result struct {
	// Data is the recovered JSON document, valid when OK is true.
	Data []byte
	// Repaired is true when any repair step (not just block extraction)
	// was needed to make the document parse.
	Repaired bool
	// OK is false when no recovery strategy produced valid JSON.
	OK bool
	// Detail explains the failure when OK is false.
	Detail string
}

// Extract recovers a JSON value from raw response text. Strategies, in
// order: direct parse, fenced/balanced block extraction, trailing-comma
// removal, truncation repair. Later strategies operate on the extracted
// block when one was found.
func Extract(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{Detail: "empty response"}
	}

	if json.Valid([]byte(trimmed)) {
		return Result{Data: []byte(trimmed), OK: true}
	}

	candidate := extractBlock(trimmed)
	if candidate == "" {
		candidate = trimmed
	}
	if json.Valid([]byte(candidate)) {
		// A markdown wrapper is not a malformed document; block
		// extraction alone does not count as a repair.
		return Result{Data: []byte(candidate), OK: true}
	}

	cleaned := stripTrailingCommas(candidate)
	if json.Valid([]byte(cleaned)) {
		return Result{Data: []byte(cleaned), OK: true, Repaired: true}
	}

	closed := closeTruncated(cleaned)
	if json.Valid([]byte(closed)) {
		return Result{Data: []byte(closed), OK: true, Repaired: true}
	}

	return Result{Detail: "no recoverable JSON value in response"}
}

// ExtractInto extracts and unmarshals into v. Returns whether a repair
// was applied and any extraction or decoding error.
func ExtractInto(raw string, v interface{}) (bool, error) {
	res := Extract(raw)
	if !res.OK {
		return false, fmt.Errorf("extract failed: %s", res.Detail)
	}
	if err := json.Unmarshal(res.Data, v); err != nil {
		return res.Repaired, fmt.Errorf("decode failed: %w", err)
	}
	return res.Repaired, nil
}

// extractBlock locates the JSON payload within surrounding prose: first a
// markdown fence, then the first balanced {...} or [...] pair. Balance
// tracking is string-aware so braces inside quoted text don't miscount.
func extractBlock(s string) string {
	if fenced := extractFenced(s); fenced != "" {
		return fenced
	}
	return extractBalanced(s)
}

// extractFenced returns the contents of the first ```-fenced block,
// dropping an optional language tag on the opening fence.
func extractFenced(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]

	// Skip the language tag ("json", "JSON", ...) up to end of line.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{[") {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, "```")
	if end == -1 {
		// Fence never closed: likely truncated output, take the rest.
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalanced returns the first balanced top-level JSON object or
// array in s, or "" when no opener exists. An unclosed opener returns the
// tail from the opener on, leaving truncation repair to later steps.
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// stripTrailingCommas removes commas that directly precede a closing
// delimiter (ignoring whitespace), outside string literals.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeTruncated repairs output cut off mid-document: closes an open
// string literal, trims a dangling comma or completes a dangling colon,
// then appends the missing closers innermost-first.
func closeTruncated(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	out := s
	if inString {
		// A trailing lone backslash would escape our closing quote.
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}

	trimmed := strings.TrimRight(out, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		trimmed = trimmed[:len(trimmed)-1]
	} else if strings.HasSuffix(trimmed, ":") {
		trimmed += " null"
	}
	out = trimmed

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out += "}"
		} else {
			out += "]"
		}
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
