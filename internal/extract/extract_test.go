package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCleanJSON(t *testing.T) {
	ans, err := Parse(`{"markdown":"hello","sources":["x"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "hello" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
	if len(ans.Sources) != 1 || ans.Sources[0] != "x" {
		t.Fatalf("sources: %v", ans.Sources)
	}
	if ans.Fallback {
		t.Fatalf("clean parse should not be marked fallback")
	}
}

func TestParseFencedJSON(t *testing.T) {
	ans, err := Parse("```json\n{\"markdown\":\"hi\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "hi" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseBareFence(t *testing.T) {
	ans, err := Parse("```\n{\"markdown\":\"fenced\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "fenced" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseSurroundingProse(t *testing.T) {
	raw := "Sure, here is the answer you asked for:\n\n{\"markdown\":\"the answer\",\"sources\":[]}\n\nLet me know if you need more."
	ans, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "the answer" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseBracesInStringContent(t *testing.T) {
	ans, err := Parse(`{"markdown":"a { b } c"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "a { b } c" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseNestedObjectInProse(t *testing.T) {
	raw := `prefix {"markdown":"outer","meta":{"inner":[1,2]}} suffix`
	ans, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "outer" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseTruncatedMidString(t *testing.T) {
	ans, err := Parse(`{"markdown":"partial answer tex`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "partial answer tex" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseTruncatedAfterValue(t *testing.T) {
	ans, err := Parse(`{"markdown":"done","sources":["a","b"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "done" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
	if len(ans.Sources) != 2 || ans.Sources[1] != "b" {
		t.Fatalf("sources: %v", ans.Sources)
	}
}

func TestParseTruncatedMidKey(t *testing.T) {
	ans, err := Parse(`{"markdown":"kept","sour`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "kept" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
	if len(ans.Sources) != 0 {
		t.Fatalf("truncated key should be discarded, got sources %v", ans.Sources)
	}
}

func TestParseTruncatedKeyWithoutValue(t *testing.T) {
	ans, err := Parse(`{"markdown":"kept","notes":`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "kept" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseUnescapedInnerQuotes(t *testing.T) {
	ans, err := Parse(`{"markdown":"he said "hello" to me"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != `he said "hello" to me` {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestParseUnescapedQuotesBeforeComma(t *testing.T) {
	ans, err := Parse(`{"markdown":"the "airflow arrow" marking","notes":"n"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != `the "airflow arrow" marking` {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
	if ans.Notes != "n" {
		t.Fatalf("notes: %q", ans.Notes)
	}
}

func TestParseMissingMarkdownField(t *testing.T) {
	_, err := Parse(`{"notes":"x"}`)
	if !errors.Is(err, ErrMissingMarkdown) {
		t.Fatalf("expected ErrMissingMarkdown, got %v", err)
	}
}

func TestParseEmptyMarkdownField(t *testing.T) {
	_, err := Parse(`{"markdown":"  "}`)
	if !errors.Is(err, ErrMissingMarkdown) {
		t.Fatalf("expected ErrMissingMarkdown, got %v", err)
	}
}

func TestParseProseFallback(t *testing.T) {
	raw := "## Heading\nSome content longer than the threshold"
	ans, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ans.Fallback {
		t.Fatalf("expected fallback answer")
	}
	if ans.Markdown != raw {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
	if len(ans.Sources) != 0 {
		t.Fatalf("fallback should have no sources, got %v", ans.Sources)
	}
}

func TestParseShortProseFails(t *testing.T) {
	_, err := Parse("nope")
	if !errors.Is(err, ErrNoJSONObject) {
		t.Fatalf("expected ErrNoJSONObject, got %v", err)
	}
}

func TestParseEmptyInput(t *testing.T) {
	_, err := Parse("")
	if !errors.Is(err, ErrNoJSONObject) {
		t.Fatalf("expected ErrNoJSONObject, got %v", err)
	}
}

func TestParseNotesField(t *testing.T) {
	ans, err := Parse(`{"markdown":"m","notes":"remember this"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Notes != "remember this" {
		t.Fatalf("notes: %q", ans.Notes)
	}
}

func TestParseNonStringSourcesSkipped(t *testing.T) {
	ans, err := Parse(`{"markdown":"m","sources":["ok",7,"also"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ans.Sources) != 2 || ans.Sources[0] != "ok" || ans.Sources[1] != "also" {
		t.Fatalf("sources: %v", ans.Sources)
	}
}

func TestParseFenceInsideMarkdownValue(t *testing.T) {
	// The object is valid as-is; the fence in the value must not trigger
	// fence stripping.
	raw := "{\"markdown\":\"wrap code in ``` fences ``` like so\"}"
	ans, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ans.Markdown != "wrap code in ``` fences ``` like so" {
		t.Fatalf("markdown: %q", ans.Markdown)
	}
}

func TestJSONObject(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`prose before {"a":[1,2]} prose after`, `{"a":[1,2]}`},
		{`{"a":"cut of`, `{"a":"cut of"}`},
	} {
		got, err := JSONObject(tc.in)
		if err != nil {
			t.Fatalf("JSONObject(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("JSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJSONObjectNoObject(t *testing.T) {
	_, err := JSONObject("just prose, no object anywhere")
	if !errors.Is(err, ErrNoJSONObject) {
		t.Fatalf("expected ErrNoJSONObject, got %v", err)
	}
}

func TestStripFences(t *testing.T) {
	got := stripFences("intro\n```json\n{\"a\":1}\n```\noutro")
	if got != `{"a":1}` {
		t.Fatalf("stripFences: %q", got)
	}
	got = stripFences("  {\"a\":1}  ")
	if got != `{"a":1}` {
		t.Fatalf("no fence: %q", got)
	}
}

func TestExtractObjectBalanced(t *testing.T) {
	got := extractObject(`{"a":{"b":1}} trailing`)
	if got != `{"a":{"b":1}}` {
		t.Fatalf("extractObject: %q", got)
	}
}

func TestExtractObjectEscapedQuoteInString(t *testing.T) {
	in := `{"a":"x\"y}"}`
	got := extractObject(in)
	if got != in {
		t.Fatalf("extractObject: %q", got)
	}
}

func TestExtractObjectClosesArrays(t *testing.T) {
	got := extractObject(`{"a":[1,2`)
	if got != `{"a":[1,2]}` {
		t.Fatalf("extractObject: %q", got)
	}
}

func TestExtractObjectDanglingEscape(t *testing.T) {
	got := extractObject(`{"a":"x\`)
	if got != `{"a":"x"}` {
		t.Fatalf("extractObject: %q", got)
	}
}

func TestQuoteTerminates(t *testing.T) {
	for _, tc := range []struct {
		tail string
		want bool
	}{
		{"", true},
		{"}", true},
		{"]", true},
		{", \"next\": 1}", true},
		{",}", true},
		{"  }", true},
		{"hello", false},
		{" to me\"}", false},
		{", not a key", false},
	} {
		if got := quoteTerminates(tc.tail); got != tc.want {
			t.Fatalf("quoteTerminates(%q) = %v, want %v", tc.tail, got, tc.want)
		}
	}
}

func TestRepairQuotesIdempotentOnValidJSON(t *testing.T) {
	in := `{"markdown":"plain value","sources":["a"]}`
	if got := repairQuotes(in); got != in {
		t.Fatalf("repairQuotes changed valid JSON: %q", got)
	}
}

func TestUnparsableErrorCarriesRaw(t *testing.T) {
	raw := "{" + strings.Repeat("\x00", 10) // unparsable, too short for fallback
	_, err := Parse(raw)

	var unparsable *UnparsableError
	if !errors.As(err, &unparsable) {
		t.Fatalf("expected UnparsableError, got %v", err)
	}
	if unparsable.Raw != raw {
		t.Fatalf("raw text not carried: %q", unparsable.Raw)
	}
}

func TestBareBraceIsMissingMarkdown(t *testing.T) {
	// "{" repairs to "{}", which parses but has no markdown field.
	_, err := Parse("{")
	if !errors.Is(err, ErrMissingMarkdown) {
		t.Fatalf("expected ErrMissingMarkdown, got %v", err)
	}
}
