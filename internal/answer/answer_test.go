package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kshen3778/preceptra/internal/extract"
	"github.com/kshen3778/preceptra/internal/prompt"
	"github.com/kshen3778/preceptra/internal/sop"
	"github.com/kshen3778/preceptra/internal/transcript"
)

// fakeEmbedder returns keyword-driven vectors so ranking is deterministic.
// Embed is called from concurrent goroutines; the counter is locked.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return keywordVector(text), nil
}

func keywordVector(text string) []float64 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "vacuum"):
		return []float64{1, 0}
	case strings.Contains(lower, "airflow"):
		return []float64{0, 1}
	default:
		return []float64{0.5, 0.5}
	}
}

// fakeBatchEmbedder adds the batch capability on top of fakeEmbedder.
type fakeBatchEmbedder struct {
	fakeEmbedder
	batchCalls int
	batchErr   error
}

func (f *fakeBatchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float64, error) {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	vecs := make([][]float64, len(texts))
	for i, text := range texts {
		vecs[i] = keywordVector(text)
	}
	return vecs, nil
}

// fakeGenerator records its input and replies with a canned response.
type fakeGenerator struct {
	response string
	err      error

	parts      []Part
	jsonOutput bool
}

func (f *fakeGenerator) Generate(_ context.Context, parts []Part, jsonOutput bool) (string, error) {
	f.parts = parts
	f.jsonOutput = jsonOutput
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func filterChangeTranscripts() []transcript.Transcript {
	return []transcript.Transcript{
		{
			VideoName: "filter-change-1.mp4",
			AudioSegments: []transcript.AudioSegment{
				{Start: 113, End: 120, Speech: "run the shop vacuum around the housing"},
				{Start: 120, End: 140, Speech: "so no dust falls in when the filter comes out"},
			},
		},
		{
			VideoName: "filter-change-2.mp4",
			AudioSegments: []transcript.AudioSegment{
				{Start: 140, End: 156, Speech: "line up the airflow arrow with the duct direction"},
			},
		},
	}
}

func newTestAssembler(gen Generator, emb Embedder) *Assembler {
	return NewAssembler(gen, emb, prompt.Defaults(), 5, 5)
}

func TestAnswerRanksAndSynthesizesSources(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"Vacuuming keeps dust out of the housing."}`}
	emb := &fakeEmbedder{}
	a := newTestAssembler(gen, emb)

	res, err := a.Answer(context.Background(), "why use a vacuum during filter change?",
		filterChangeTranscripts(), Options{TopK: 1})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	if res.Markdown != "Vacuuming keeps dust out of the housing." {
		t.Fatalf("markdown: %q", res.Markdown)
	}
	if len(res.Sources) != 1 {
		t.Fatalf("expected 1 synthesized source, got %v", res.Sources)
	}
	if res.Sources[0] != "Chunk 1 (from filter-change-1.mp4, 113s-140s)" {
		t.Fatalf("source label: %q", res.Sources[0])
	}

	// The prompt must carry the selected chunk but not the airflow chunk.
	promptText := gen.parts[0].Text
	if !strings.Contains(promptText, "shop vacuum") {
		t.Fatalf("prompt missing vacuum chunk:\n%s", promptText)
	}
	if strings.Contains(promptText, "airflow arrow") {
		t.Fatalf("prompt should not include unselected chunk:\n%s", promptText)
	}
	if !gen.jsonOutput {
		t.Fatalf("generation should request JSON output")
	}

	// One embed call for the question plus one per chunk.
	if emb.calls != 3 {
		t.Fatalf("expected 3 embed calls, got %d", emb.calls)
	}
}

func TestAnswerBatchEmbedsChunks(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"Vacuuming keeps dust out."}`}
	emb := &fakeBatchEmbedder{}
	a := newTestAssembler(gen, emb)

	res, err := a.Answer(context.Background(), "why use a vacuum during filter change?",
		filterChangeTranscripts(), Options{TopK: 1})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	// All chunks go through one batch call; only the question is embedded
	// individually.
	if emb.batchCalls != 1 {
		t.Fatalf("expected 1 batch call, got %d", emb.batchCalls)
	}
	if emb.calls != 1 {
		t.Fatalf("expected 1 single embed call for the question, got %d", emb.calls)
	}
	if len(res.Sources) != 1 || res.Sources[0] != "Chunk 1 (from filter-change-1.mp4, 113s-140s)" {
		t.Fatalf("ranking through the batch path broke: %v", res.Sources)
	}
}

func TestAnswerBatchEmbedFailurePropagates(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"m"}`}
	emb := &fakeBatchEmbedder{batchErr: errors.New("batch embedding down")}
	a := newTestAssembler(gen, emb)

	_, err := a.Answer(context.Background(), "q", filterChangeTranscripts(), Options{})
	if err == nil || !strings.Contains(err.Error(), "batch embedding down") {
		t.Fatalf("expected batch failure to propagate, got %v", err)
	}
}

func TestAnswerModelSourcesTakePrecedence(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"m","sources":["model says so"]}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	res, err := a.Answer(context.Background(), "why use a vacuum?", filterChangeTranscripts(), Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(res.Sources) != 1 || res.Sources[0] != "model says so" {
		t.Fatalf("model sources should win, got %v", res.Sources)
	}
}

func TestAnswerEmbeddingFailurePropagates(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"m"}`}
	emb := &fakeEmbedder{err: errors.New("embedding service down")}
	a := newTestAssembler(gen, emb)

	_, err := a.Answer(context.Background(), "q", filterChangeTranscripts(), Options{})
	if err == nil || !strings.Contains(err.Error(), "embedding service down") {
		t.Fatalf("expected embedding failure to propagate, got %v", err)
	}
}

func TestAnswerGenerationFailurePropagates(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("generation unavailable")}
	a := newTestAssembler(gen, &fakeEmbedder{})

	_, err := a.Answer(context.Background(), "q", filterChangeTranscripts(), Options{})
	if err == nil || !strings.Contains(err.Error(), "generation unavailable") {
		t.Fatalf("expected generation failure to propagate, got %v", err)
	}
}

func TestAnswerNoChunksIsNotAnError(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"no grounding available"}`}
	emb := &fakeEmbedder{}
	a := newTestAssembler(gen, emb)

	res, err := a.Answer(context.Background(), "q", nil, Options{})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if emb.calls != 0 {
		t.Fatalf("no chunks should mean no embedding calls, got %d", emb.calls)
	}
	if len(res.Sources) != 0 {
		t.Fatalf("no chunks should synthesize no sources, got %v", res.Sources)
	}
}

func TestAnswerIncludesKnowledge(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"m"}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	_, err := a.Answer(context.Background(), "q", filterChangeTranscripts(), Options{
		Knowledge: &sop.SOP{Markdown: "## Filter change procedure", Notes: "wear gloves"},
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	promptText := gen.parts[0].Text
	if !strings.Contains(promptText, "## Filter change procedure") {
		t.Fatalf("prompt missing knowledge markdown:\n%s", promptText)
	}
	if !strings.Contains(promptText, "wear gloves") {
		t.Fatalf("prompt missing knowledge notes:\n%s", promptText)
	}
}

func TestAnswerForwardsMedia(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"m"}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	_, err := a.Answer(context.Background(), "q", nil, Options{
		Media: []Media{{Label: "frame at 113s", MIMEType: "image/png", Data: []byte{1, 2, 3}}},
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if len(gen.parts) != 3 {
		t.Fatalf("expected text + label + data parts, got %d", len(gen.parts))
	}
	if !strings.Contains(gen.parts[1].Text, "frame at 113s") {
		t.Fatalf("media label missing: %q", gen.parts[1].Text)
	}
	if gen.parts[2].MIMEType != "image/png" || len(gen.parts[2].Data) != 3 {
		t.Fatalf("media data part wrong: %+v", gen.parts[2])
	}
}

func TestAnswerPlainTextFallbackIsMarked(t *testing.T) {
	prose := "The vacuum keeps loose dust from falling into the open housing while the filter is out."
	gen := &fakeGenerator{response: prose}
	a := newTestAssembler(gen, &fakeEmbedder{})

	res, err := a.Answer(context.Background(), "why use a vacuum?", filterChangeTranscripts(), Options{TopK: 1})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !res.Fallback {
		t.Fatalf("expected fallback marker")
	}
	if res.Markdown != prose {
		t.Fatalf("markdown: %q", res.Markdown)
	}
	// Degraded answers still get the synthesized grounding labels.
	if len(res.Sources) != 1 {
		t.Fatalf("expected synthesized sources, got %v", res.Sources)
	}
}

func TestAnswerUnparsableResponsePropagates(t *testing.T) {
	gen := &fakeGenerator{response: "{\x00"}
	a := newTestAssembler(gen, &fakeEmbedder{})

	_, err := a.Answer(context.Background(), "q", nil, Options{})
	var unparsable *extract.UnparsableError
	if !errors.As(err, &unparsable) {
		t.Fatalf("expected UnparsableError, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"## Procedure\n1. Vacuum the housing.","notes":"two performances differ on glove use"}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	res, err := a.Summarize(context.Background(), filterChangeTranscripts())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.HasPrefix(res.Markdown, "## Procedure") {
		t.Fatalf("markdown: %q", res.Markdown)
	}
	if res.Notes != "two performances differ on glove use" {
		t.Fatalf("notes: %q", res.Notes)
	}

	// All transcripts go in full, as JSON.
	promptText := gen.parts[0].Text
	if !strings.Contains(promptText, "filter-change-1.mp4") || !strings.Contains(promptText, "airflow arrow") {
		t.Fatalf("summarize payload incomplete:\n%s", promptText)
	}
}

func TestTranscribe(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n{\"videoName\":\"demo.mp4\",\"audioSegments\":[{\"start\":0,\"end\":4,\"speech\":\"first step\"}]}\n```"}
	a := newTestAssembler(gen, &fakeEmbedder{})

	tr, err := a.Transcribe(context.Background(), "upload.mp4", "video/mp4", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.VideoName != "demo.mp4" {
		t.Fatalf("video name: %q", tr.VideoName)
	}
	segs := tr.Segments()
	if len(segs) != 1 || segs[0].Speech != "first step" {
		t.Fatalf("segments: %+v", segs)
	}

	// The generation call carries the template and the inline video bytes.
	if len(gen.parts) != 2 {
		t.Fatalf("expected template + media parts, got %d", len(gen.parts))
	}
	if !strings.Contains(gen.parts[0].Text, "Transcribe") {
		t.Fatalf("template missing: %q", gen.parts[0].Text)
	}
	if gen.parts[1].MIMEType != "video/mp4" || len(gen.parts[1].Data) != 3 {
		t.Fatalf("media part wrong: %+v", gen.parts[1])
	}
	if !gen.jsonOutput {
		t.Fatalf("transcription should request JSON output")
	}
}

func TestTranscribeDefaultsVideoName(t *testing.T) {
	gen := &fakeGenerator{response: `{"audioSegments":[{"start":0,"end":1,"speech":"hi"}]}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	tr, err := a.Transcribe(context.Background(), "upload.mp4", "video/mp4", []byte{1})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.VideoName != "upload.mp4" {
		t.Fatalf("expected caller-supplied name, got %q", tr.VideoName)
	}
}

func TestSummarizeNotesDefaultEmpty(t *testing.T) {
	gen := &fakeGenerator{response: `{"markdown":"## Procedure"}`}
	a := newTestAssembler(gen, &fakeEmbedder{})

	res, err := a.Summarize(context.Background(), filterChangeTranscripts())
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if res.Notes != "" {
		t.Fatalf("notes should default to empty, got %q", res.Notes)
	}
}
