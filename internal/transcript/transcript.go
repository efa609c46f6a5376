// Package transcript defines the transcript data model and the fixed-size
// chunker that turns ordered speech segments into retrieval units.
package transcript

import "strings"

// DefaultChunkSize is the number of consecutive audio segments merged into
// one chunk when the caller does not override it.
const DefaultChunkSize = 5

// AudioSegment is one timed span of transcribed speech.
type AudioSegment struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Speech string  `json:"speech"`
}

// VisualSegment is one timed span of visual description.
type VisualSegment struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Visual string  `json:"visual"`
}

// TaskSummary is a coarse summary of a time range within the video.
type TaskSummary struct {
	TimeRange string `json:"time_range"`
	Summary   string `json:"summary"`
}

// Transcript is the immutable transcription record for one video.
// Older records store their audio segments under the "segments" key;
// both field names are accepted on read.
type Transcript struct {
	VideoName      string          `json:"videoName"`
	AudioSegments  []AudioSegment  `json:"audioSegments,omitempty"`
	LegacySegments []AudioSegment  `json:"segments,omitempty"`
	VisualSegments []VisualSegment `json:"visualSegments,omitempty"`
	TaskSummaries  []TaskSummary   `json:"taskSummaries,omitempty"`
}

// Segments returns the audio segments, preferring the current field and
// falling back to the legacy "segments" field.
func (t *Transcript) Segments() []AudioSegment {
	if len(t.AudioSegments) > 0 {
		return t.AudioSegments
	}
	return t.LegacySegments
}

// Chunk is a group of consecutive segments merged into one text block.
// Chunks are derived per retrieval call and never persisted.
type Chunk struct {
	Text      string
	VideoName string
	StartTime float64
	EndTime   float64
}

// ChunkTranscript groups the transcript's audio segments into runs of
// chunkSize, joining their speech with single spaces. The final chunk may
// be smaller. An empty transcript yields no chunks.
func ChunkTranscript(t *Transcript, chunkSize int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	segments := t.Segments()
	if len(segments) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(segments)+chunkSize-1)/chunkSize)
	for i := 0; i < len(segments); i += chunkSize {
		end := i + chunkSize
		if end > len(segments) {
			end = len(segments)
		}
		group := segments[i:end]

		parts := make([]string, len(group))
		for j, seg := range group {
			parts[j] = seg.Speech
		}

		chunks = append(chunks, Chunk{
			Text:      strings.Join(parts, " "),
			VideoName: t.VideoName,
			StartTime: group[0].Start,
			EndTime:   group[len(group)-1].End,
		})
	}
	return chunks
}

// ChunkAll chunks every transcript in order and concatenates the results.
func ChunkAll(transcripts []Transcript, chunkSize int) []Chunk {
	var chunks []Chunk
	for i := range transcripts {
		chunks = append(chunks, ChunkTranscript(&transcripts[i], chunkSize)...)
	}
	return chunks
}
