package answer

import (
	"context"
	"errors"
	"fmt"

	"github.com/kshen3778/preceptra/internal/gemini"
)

// GeminiGenerator wraps the Gemini client as a Generator.
type GeminiGenerator struct {
	Client *gemini.Client
	Model  string
}

// Generate sends the content parts to the generation model and returns the
// raw response text.
func (g *GeminiGenerator) Generate(ctx context.Context, parts []Part, jsonOutput bool) (string, error) {
	if g == nil || g.Client == nil {
		return "", errors.New("gemini generator not configured")
	}
	model := g.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	content := gemini.Content{Role: "user"}
	for _, p := range parts {
		if p.Data != nil {
			content.Parts = append(content.Parts, gemini.DataPart(p.MIMEType, p.Data))
		} else {
			content.Parts = append(content.Parts, gemini.TextPart(p.Text))
		}
	}

	req := &gemini.GenerateContentRequest{Contents: []gemini.Content{content}}
	if jsonOutput {
		req.GenerationConfig = &gemini.GenerationConfig{
			ResponseMimeType: "application/json",
		}
	}

	resp, err := g.Client.GenerateContent(ctx, model, req)
	if err != nil {
		return "", err
	}

	text := resp.Text()
	if text == "" {
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return "", errors.New("generation blocked: " + fb.BlockReason)
		}
		return "", errors.New("empty response from model")
	}
	return text, nil
}

// GeminiEmbedder wraps the Gemini client as an Embedder.
type GeminiEmbedder struct {
	Client *gemini.Client
	Model  string
}

// Embed generates an embedding for the given text. An empty vector is an
// error: downstream ranking requires a vector for every input.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if g == nil || g.Client == nil {
		return nil, errors.New("gemini embedder not configured")
	}
	model := g.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	resp, err := g.Client.EmbedContent(ctx, &gemini.EmbedContentRequest{
		Model: model,
		Content: gemini.Content{
			Parts: []gemini.Part{{Text: text}},
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds all texts in a single batchEmbedContents call. The
// response must carry one non-empty vector per input, in order.
func (g *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if g == nil || g.Client == nil {
		return nil, errors.New("gemini embedder not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	model := g.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	requests := make([]gemini.EmbedContentRequest, len(texts))
	for i, text := range texts {
		requests[i] = gemini.EmbedContentRequest{
			Content: gemini.Content{
				Parts: []gemini.Part{{Text: text}},
			},
		}
	}

	resp, err := g.Client.BatchEmbedContents(ctx, model, requests)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	vecs := make([][]float64, len(texts))
	for i, e := range resp.Embeddings {
		if len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding for batch entry %d", i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}
