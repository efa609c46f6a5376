// Package extract recovers a structured answer from raw LLM response text.
//
// Model output claims to contain a single JSON object but routinely arrives
// wrapped in prose, fenced in markdown, truncated mid-object, or with
// unescaped quotes inside string values. The recovery is a layered chain:
// fence strip, object location, balanced-brace scan, truncation repair,
// strict parse, quote repair, field validation, and finally a plain-prose
// fallback. Cheap structural fixes run before content heuristics, and a
// degraded textual answer is preferred over a hard failure.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// fallbackMinLen is the minimum raw-text length for the plain-prose
// fallback. Shorter responses fail instead of becoming one-word answers.
const fallbackMinLen = 40

// lookaheadWindow bounds the quote-repair terminator check.
const lookaheadWindow = 50

var (
	// ErrNoJSONObject means the response contained no '{' at all after
	// fence stripping and was too short for the prose fallback.
	ErrNoJSONObject = errors.New("extract: no JSON object found in response")

	// ErrMissingMarkdown means a JSON object parsed but had no non-empty
	// "markdown" field.
	ErrMissingMarkdown = errors.New("extract: response object missing markdown field")
)

// UnparsableError reports that every recovery layer was exhausted. It
// carries the raw response text for diagnostics.
type UnparsableError struct {
	Raw string
}

func (e *UnparsableError) Error() string {
	return fmt.Sprintf("extract: unparsable response (%d bytes)", len(e.Raw))
}

// Answer is the typed result recovered from a model response.
type Answer struct {
	Markdown string
	Sources  []string
	Notes    string

	// Fallback marks a degraded answer built from plain prose rather than
	// a parsed object, so callers can surface a caveat.
	Fallback bool
}

// Parse recovers an Answer from raw model output.
//
// It returns ErrNoJSONObject, ErrMissingMarkdown, or *UnparsableError; any
// other outcome is a usable Answer, possibly with Fallback set.
func Parse(raw string) (*Answer, error) {
	candidate, err := JSONObject(raw)
	if err != nil {
		if ans := proseFallback(raw); ans != nil {
			return ans, nil
		}
		return nil, err
	}

	obj, err := parseObject(candidate)
	if err != nil {
		if ans := proseFallback(raw); ans != nil {
			return ans, nil
		}
		return nil, &UnparsableError{Raw: raw}
	}

	return answerFromObject(obj)
}

// JSONObject extracts the text of the single JSON object in raw model
// output, applying the structural recovery layers (fence strip, object
// location, balanced scan, truncation repair, quote repair) without field
// validation. Callers that expect a shape other than Answer unmarshal the
// result themselves.
//
// A response that is already exactly one valid object is returned as-is,
// so a fence appearing inside a string value never triggers fence
// stripping.
func JSONObject(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	working := stripFences(raw)

	start := strings.IndexByte(working, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}

	candidate := extractObject(working[start:])
	if json.Valid([]byte(candidate)) {
		return candidate, nil
	}
	// Second pass: escape quotes that are content rather than terminators,
	// then retry.
	if repaired := repairQuotes(candidate); json.Valid([]byte(repaired)) {
		return repaired, nil
	}
	return "", &UnparsableError{Raw: raw}
}

// stripFences returns the interior of the first ```-fenced block if one
// exists, otherwise the trimmed input.
func stripFences(text string) string {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return strings.TrimSpace(text)
	}

	body := text[idx+3:]
	// Drop an info string such as "json" on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isFenceInfo(body[:nl]) {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isFenceInfo(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) > 16 {
		return false
	}
	for i := 0; i < len(line); i++ {
		if !isAlnum(line[i]) {
			return false
		}
	}
	return true
}

// scanState is the scanner's position relative to JSON string syntax.
type scanState int

const (
	stateNormal scanState = iota
	stateInString
	stateEscaped
)

// extractObject scans s (which starts at a '{') and returns the substring
// covering one balanced JSON object. Braces inside string values are not
// structural: the scan tracks string and escape state explicitly. When the
// text ends before the object closes, the tail is repaired.
func extractObject(s string) string {
	var stack []byte
	state := stateNormal
	stringStart := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			state = stateInString
		case stateInString:
			switch c {
			case '\\':
				state = stateEscaped
			case '"':
				state = stateNormal
			}
		default:
			switch c {
			case '"':
				state = stateInString
				stringStart = i
			case '{', '[':
				stack = append(stack, c)
			case '}', ']':
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				if len(stack) == 0 {
					return s[:i+1]
				}
			}
		}
	}

	return repairTruncated(s, stack, state, stringStart)
}

// repairTruncated best-effort completes an object whose text was cut off.
// A string value cut mid-way is closed in place so its partial content
// survives; a cut-off key or structural fragment is discarded back to the
// last safe boundary. Unmatched brackets are then closed in stack order.
// The result may be missing trailing fields; callers must tolerate that.
func repairTruncated(s string, stack []byte, state scanState, stringStart int) string {
	if state == stateEscaped {
		s = s[:len(s)-1] // dangling backslash
		state = stateInString
	}

	if state == stateInString && stringStart >= 0 {
		if isValuePosition(s, stringStart, stack) {
			s += `"`
		} else {
			s = s[:stringStart]
		}
	}

	s = trimDanglingTail(s)

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			closers.WriteByte(']')
		} else {
			closers.WriteByte('}')
		}
	}
	return s + closers.String()
}

// isValuePosition reports whether the string opening at quote index qi sits
// in value position: preceded by ':' in an object, or directly inside an
// array.
func isValuePosition(s string, qi int, stack []byte) bool {
	if len(stack) > 0 && stack[len(stack)-1] == '[' {
		return true
	}
	for i := qi - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		case ':':
			return true
		default:
			return false
		}
	}
	return false
}

// trimDanglingTail removes trailing commas and key-without-value fragments
// left behind by truncation, e.g. `{"a":"b","key":` -> `{"a":"b"`.
func trimDanglingTail(s string) string {
	for {
		trimmed := strings.TrimRight(s, " \t\r\n")
		switch {
		case strings.HasSuffix(trimmed, ","):
			s = trimmed[:len(trimmed)-1]
		case strings.HasSuffix(trimmed, ":"):
			s = dropTrailingKey(trimmed[:len(trimmed)-1])
		default:
			return trimmed
		}
		if s == trimmed {
			return s
		}
	}
}

// dropTrailingKey removes a complete trailing quoted string (a key whose
// value never arrived).
func dropTrailingKey(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if !strings.HasSuffix(s, `"`) {
		return s
	}
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] == '"' && (i == 0 || s[i-1] != '\\') {
			return s[:i]
		}
	}
	return s
}

// repairQuotes re-scans a candidate object and escapes double quotes that
// appear to be content inside a string rather than its terminator.
//
// The classification is a documented heuristic: a quote terminates its
// string only when the next ~50 characters look like an end-of-value
// pattern and do not start alphanumeric. Pathological values can still be
// misclassified; this mirrors the behavior validated against real model
// output rather than attempting full correctness.
func repairQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	state := stateNormal

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateEscaped:
			b.WriteByte(c)
			state = stateInString
		case stateInString:
			switch c {
			case '\\':
				b.WriteByte(c)
				state = stateEscaped
			case '"':
				if quoteTerminates(s[i+1:]) {
					b.WriteByte(c)
					state = stateNormal
				} else {
					b.WriteString(`\"`)
				}
			default:
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
			if c == '"' {
				state = stateInString
			}
		}
	}
	return b.String()
}

// quoteTerminates reports whether the text following a quote looks like
// what comes after a closed JSON string: a comma leading into the next
// member, a closing brace or bracket, or end of input.
func quoteTerminates(tail string) bool {
	if len(tail) > lookaheadWindow {
		tail = tail[:lookaheadWindow]
	}
	tail = strings.TrimLeft(tail, " \t\r\n")
	if tail == "" {
		return true
	}
	switch tail[0] {
	case '}', ']':
		return true
	case ':':
		// Closing a key.
		return true
	case ',':
		rest := strings.TrimLeft(tail[1:], " \t\r\n")
		if rest == "" {
			return true
		}
		switch rest[0] {
		case '"', '}', ']':
			return true
		}
		return false
	default:
		return false
	}
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func parseObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// answerFromObject validates the parsed object and lifts its fields.
func answerFromObject(obj map[string]any) (*Answer, error) {
	markdown, _ := obj["markdown"].(string)
	if strings.TrimSpace(markdown) == "" {
		return nil, ErrMissingMarkdown
	}

	ans := &Answer{Markdown: markdown}

	if notes, ok := obj["notes"].(string); ok {
		ans.Notes = notes
	}
	if rawSources, ok := obj["sources"].([]any); ok {
		for _, src := range rawSources {
			if s, ok := src.(string); ok {
				ans.Sources = append(ans.Sources, s)
			}
		}
	}
	return ans, nil
}

// proseFallback returns a degraded answer when the raw text is substantial
// prose, or nil when it is too short to be useful.
func proseFallback(raw string) *Answer {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < fallbackMinLen {
		return nil
	}
	return &Answer{
		Markdown: trimmed,
		Notes:    "response contained no parseable JSON object; returned as plain text",
		Fallback: true,
	}
}
