package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// trailingCommaPattern matches trailing commas before ] or }.
var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// ExtractJSON returns the first balanced {...} or [...] substring of text,
// or the trimmed text if there is none. Brackets inside JSON strings are
// ignored. When several balanced candidates exist, the first one that parses
// (directly or after CleanJSON) wins over earlier ones that don't, so prose
// like "[note]" before the payload is skipped.
//
// A bracket that never closes is not rescanned from every later position:
// the scan resumes at the first bracket that closed inside it, or stops.
func ExtractJSON(text string) string {
	first := ""
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end, truncated, inner := balancedEnd(text, i)
		if truncated {
			if inner < 0 {
				break
			}
			i = inner - 1
			continue
		}
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if json.Valid([]byte(candidate)) || json.Valid([]byte(CleanJSON(candidate))) {
			return candidate
		}
		if first == "" {
			first = candidate
		}
	}
	if first != "" {
		return first
	}
	return strings.TrimSpace(text)
}

// balancedEnd returns the index of the bracket closing the one at start, or
// -1 if it closes with the wrong bracket. truncated is set when the text ends
// first; inner is then the earliest bracket after start that did close, or -1.
func balancedEnd(text string, start int) (end int, truncated bool, inner int) {
	type open struct {
		pos    int
		closer byte
	}
	stack := make([]open, 0, 8)
	inString := false
	escaped := false
	inner = -1

	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, open{i, '}'})
		case '[':
			stack = append(stack, open{i, ']'})
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1].closer != ch {
				return -1, false, -1
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, false, -1
			}
			if inner < 0 || top.pos < inner {
				inner = top.pos
			}
		}
	}
	return -1, true, inner
}

// ParseJSON extracts the JSON payload from model output and decodes it into
// v. If the raw extraction does not decode, it is retried after CleanJSON.
func ParseJSON(text string, v any) error {
	raw := ExtractJSON(text)
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	if cleaned := CleanJSON(raw); cleaned != raw {
		if err2 := json.Unmarshal([]byte(cleaned), v); err2 == nil {
			return nil
		}
	}
	return fmt.Errorf("parse model JSON: %w", err)
}

// CleanJSON removes //-comments outside strings and trailing commas, two
// artifacts models commonly produce.
func CleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a line, respecting string values:
//
//	"url": "http://example.com" // note  →  "url": "http://example.com"
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
