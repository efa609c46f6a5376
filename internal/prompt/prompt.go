// Package prompt holds the named instruction templates used by the
// assemblers. Template content is configuration: compiled-in defaults can
// be overridden per template by files in the config directory.
package prompt

import (
	"os"
	"path/filepath"
)

// Default templates. Each assembler appends its own context (chunks,
// transcripts, knowledge) below the instruction prefix.
const (
	defaultQuestion = `You are an expert assistant answering questions about a recorded task performance.
Ground your answer ONLY in the transcript excerpts and procedural knowledge provided below.
If the excerpts do not contain the answer, say so.

Return a JSON object with this exact structure:
{
  "markdown": "<your answer, formatted as markdown>",
  "sources": ["<label of each excerpt you relied on>"]
}

Return ONLY the JSON object, no other text.`

	defaultSummarize = `You are an expert at turning task performance transcripts into standard operating procedures.
Synthesize ONE procedure covering everything shown across the transcripts below.
Number the steps, note tools and safety precautions, and keep the wording imperative.

Return a JSON object with this exact structure:
{
  "markdown": "<the procedure, formatted as markdown>",
  "notes": "<caveats, variations between performances, or open questions>"
}

Return ONLY the JSON object, no other text.`

	defaultTranscribe = `Transcribe the attached task performance video.
Produce ordered speech segments with start/end times in seconds, plus visual
segments describing on-screen actions.

Return a JSON object with this exact structure:
{
  "videoName": "<file name>",
  "audioSegments": [{"start": 0.0, "end": 0.0, "speech": "..."}],
  "visualSegments": [{"start": 0.0, "end": 0.0, "visual": "..."}]
}

Return ONLY the JSON object, no other text.`
)

// Set is the loaded template collection.
type Set struct {
	Question   string
	Summarize  string
	Transcribe string
}

// Defaults returns the compiled-in templates.
func Defaults() Set {
	return Set{
		Question:   defaultQuestion,
		Summarize:  defaultSummarize,
		Transcribe: defaultTranscribe,
	}
}

// Load returns the templates, replacing any default whose override file
// exists under <configDir>/prompts/<name>.txt. A missing or unreadable
// override falls back to the default; overrides are optional configuration.
func Load(configDir string) Set {
	set := Defaults()
	if configDir == "" {
		return set
	}
	if text, ok := readTemplate(configDir, "question"); ok {
		set.Question = text
	}
	if text, ok := readTemplate(configDir, "summarize"); ok {
		set.Summarize = text
	}
	if text, ok := readTemplate(configDir, "transcribe"); ok {
		set.Transcribe = text
	}
	return set
}

func readTemplate(configDir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(configDir, "prompts", name+".txt"))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}
