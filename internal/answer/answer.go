// Package answer assembles grounded generation requests and recovers
// typed results from the model's responses.
//
// The question path chunks transcripts, embeds chunks and question
// concurrently, ranks by cosine similarity, and grounds the generation
// call on the top-K chunks. The consolidation path sends every transcript
// in full to synthesize a procedure. Both paths run the model's raw text
// through the extract pipeline.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kshen3778/preceptra/internal/extract"
	"github.com/kshen3778/preceptra/internal/prompt"
	"github.com/kshen3778/preceptra/internal/rank"
	"github.com/kshen3778/preceptra/internal/sop"
	"github.com/kshen3778/preceptra/internal/transcript"
)

// embedConcurrency bounds the parallel embedding fan-out.
const embedConcurrency = 8

// Part is one unit of generation input: text, or inline media bytes with
// their mime type.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// Generator is the external generation capability. jsonOutput asks the
// model for JSON-shaped output; the returned text is still untrusted.
type Generator interface {
	Generate(ctx context.Context, parts []Part, jsonOutput bool) (string, error)
}

// Embedder is the external embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// BatchEmbedder is an optional extension of Embedder: embed many texts in
// one call. When the embedder supports it, the assembler sends all chunk
// texts as a single batch instead of one call per chunk.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Media is a raw attachment passed through to the generation call.
type Media struct {
	Label    string
	MIMEType string
	Data     []byte
}

// Options tunes a single Answer call.
type Options struct {
	// TopK overrides the assembler's default chunk count when > 0.
	TopK int
	// Knowledge is the latest synthesized procedure for the task, used as
	// additional grounding when present.
	Knowledge *sop.SOP
	// Media attachments are forwarded to the generation call alongside
	// their labels.
	Media []Media
}

// Result is the typed outcome of an answer or consolidation call.
type Result struct {
	Markdown string   `json:"markdown"`
	Sources  []string `json:"sources,omitempty"`
	Notes    string   `json:"notes,omitempty"`

	// Fallback marks a degraded plain-text answer.
	Fallback bool `json:"fallback,omitempty"`
}

// Assembler orchestrates retrieval, prompt assembly, generation, and
// extraction. Clients are injected once at construction.
type Assembler struct {
	gen       Generator
	emb       Embedder
	prompts   prompt.Set
	chunkSize int
	topK      int
}

// NewAssembler creates an assembler with the given capabilities and
// retrieval parameters. chunkSize and topK fall back to the usual
// defaults when <= 0.
func NewAssembler(gen Generator, emb Embedder, prompts prompt.Set, chunkSize, topK int) *Assembler {
	if chunkSize <= 0 {
		chunkSize = transcript.DefaultChunkSize
	}
	if topK <= 0 {
		topK = 5
	}
	return &Assembler{
		gen:       gen,
		emb:       emb,
		prompts:   prompts,
		chunkSize: chunkSize,
		topK:      topK,
	}
}

// Answer answers a question grounded in the given transcripts.
//
// Embedding and generation failures propagate unchanged; extraction
// failures surface only after every recovery layer, including the
// plain-text fallback, is exhausted.
func (a *Assembler) Answer(ctx context.Context, question string, transcripts []transcript.Transcript, opts Options) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("answer: question is required")
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = a.topK
	}

	chunks := transcript.ChunkAll(transcripts, a.chunkSize)

	var ranked []rank.RankedChunk
	if len(chunks) > 0 {
		queryVec, chunkVecs, err := a.embedAll(ctx, question, chunks)
		if err != nil {
			return nil, err
		}
		ranked = rank.TopK(queryVec, chunks, chunkVecs, topK)
	}

	labels := make([]string, len(ranked))
	for i, rc := range ranked {
		labels[i] = chunkLabel(i, rc.Chunk)
	}

	parts := a.buildQuestionParts(question, ranked, labels, opts)

	raw, err := a.gen.Generate(ctx, parts, true)
	if err != nil {
		return nil, fmt.Errorf("answer: generate: %w", err)
	}

	ans, err := extract.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	if ans.Fallback {
		zap.L().Warn("answer: model response degraded to plain text",
			zap.Int("raw_len", len(raw)))
	}

	// Model-provided sources take precedence; synthesize from the chunk
	// labels only when the model omitted them.
	sources := ans.Sources
	if len(sources) == 0 {
		sources = labels
	}

	return &Result{
		Markdown: ans.Markdown,
		Sources:  sources,
		Notes:    ans.Notes,
		Fallback: ans.Fallback,
	}, nil
}

// Summarize consolidates all transcripts into one procedure. All
// transcripts are sent in full; there is no ranking stage.
func (a *Assembler) Summarize(ctx context.Context, transcripts []transcript.Transcript) (*Result, error) {
	payload, err := json.Marshal(transcripts)
	if err != nil {
		return nil, fmt.Errorf("summarize: marshal transcripts: %w", err)
	}

	var b strings.Builder
	b.WriteString(a.prompts.Summarize)
	b.WriteString("\n\nTranscripts (JSON):\n")
	b.Write(payload)

	raw, err := a.gen.Generate(ctx, []Part{{Text: b.String()}}, true)
	if err != nil {
		return nil, fmt.Errorf("summarize: generate: %w", err)
	}

	ans, err := extract.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	return &Result{
		Markdown: ans.Markdown,
		Notes:    ans.Notes,
		Fallback: ans.Fallback,
	}, nil
}

// Transcribe produces a transcript from a recorded video, sent inline to
// the generation call alongside the transcription template. The response
// goes through the structural recovery layers but is unmarshaled into the
// transcript shape rather than an answer.
func (a *Assembler) Transcribe(ctx context.Context, videoName, mimeType string, data []byte) (*transcript.Transcript, error) {
	parts := []Part{
		{Text: a.prompts.Transcribe},
		{MIMEType: mimeType, Data: data},
	}

	raw, err := a.gen.Generate(ctx, parts, true)
	if err != nil {
		return nil, fmt.Errorf("transcribe: generate: %w", err)
	}

	obj, err := extract.JSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	var t transcript.Transcript
	if err := json.Unmarshal([]byte(obj), &t); err != nil {
		return nil, fmt.Errorf("transcribe: parse transcript: %w", err)
	}
	if t.VideoName == "" {
		t.VideoName = videoName
	}
	return &t, nil
}

// embedAll embeds the question and every chunk. A batch-capable embedder
// gets all chunk texts in one call alongside the question; otherwise the
// calls have no ordering dependency and fan out concurrently. Either way
// the first failure cancels the rest and propagates, since ranking needs
// a vector for every input.
func (a *Assembler) embedAll(ctx context.Context, question string, chunks []transcript.Chunk) ([]float64, [][]float64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	var queryVec []float64
	g.Go(func() error {
		vec, err := a.emb.Embed(gctx, question)
		if err != nil {
			return fmt.Errorf("embed question: %w", err)
		}
		queryVec = vec
		return nil
	})

	chunkVecs := make([][]float64, len(chunks))
	if be, ok := a.emb.(BatchEmbedder); ok {
		g.Go(func() error {
			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Text
			}
			vecs, err := be.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks: %w", err)
			}
			if len(vecs) != len(chunks) {
				return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vecs), len(chunks))
			}
			copy(chunkVecs, vecs)
			return nil
		})
	} else {
		for i, c := range chunks {
			i, c := i, c
			g.Go(func() error {
				vec, err := a.emb.Embed(gctx, c.Text)
				if err != nil {
					return fmt.Errorf("embed chunk %d: %w", i+1, err)
				}
				chunkVecs[i] = vec
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("answer: %w", err)
	}
	return queryVec, chunkVecs, nil
}

// buildQuestionParts assembles the generation input: instruction template,
// question, labeled chunk blocks, optional procedural knowledge, and
// optional media attachments.
func (a *Assembler) buildQuestionParts(question string, ranked []rank.RankedChunk, labels []string, opts Options) []Part {
	var b strings.Builder
	b.WriteString(a.prompts.Question)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nTranscript excerpts:\n")

	if len(ranked) == 0 {
		b.WriteString("(no transcript excerpts available)\n")
	}
	for i, rc := range ranked {
		b.WriteString(labels[i])
		b.WriteString(": ")
		b.WriteString(rc.Chunk.Text)
		b.WriteString("\n\n")
	}

	if k := opts.Knowledge; k != nil && k.Markdown != "" {
		b.WriteString("Procedural knowledge for this task:\n")
		b.WriteString(k.Markdown)
		if k.Notes != "" {
			b.WriteString("\n\nKnowledge notes: ")
			b.WriteString(k.Notes)
		}
		b.WriteString("\n")
	}

	parts := []Part{{Text: b.String()}}
	for _, m := range opts.Media {
		label := m.Label
		if label == "" {
			label = "attachment"
		}
		parts = append(parts,
			Part{Text: "Attachment: " + label},
			Part{MIMEType: m.MIMEType, Data: m.Data},
		)
	}
	return parts
}

// chunkLabel formats the rank-ordered label for a chunk, e.g.
// "Chunk 1 (from demo.mp4, 113s-140s)".
func chunkLabel(i int, c transcript.Chunk) string {
	return fmt.Sprintf("Chunk %d (from %s, %gs-%gs)", i+1, c.VideoName, c.StartTime, c.EndTime)
}
