// Package inference defines the speech-activity, transcription and speaker
// embedding capabilities the worker consumes, with HTTP and MCP adapters.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/asr-task-worker/internal/metrics"
)

// Ongoing marks a segment boundary that has not been observed yet: an end of
// -1 means speech is still going on, a start of -1 means it began in an
// earlier chunk.
const Ongoing = -1

// Segment is a span of detected speech in milliseconds from the start of the
// stream fed to the detector.
type Segment struct {
	StartMs int
	EndMs   int
}

// Closed reports whether the segment's end has been observed.
func (s Segment) Closed() bool { return s.EndMs != Ongoing }

// MarshalJSON encodes the segment as a [start, end] pair.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.StartMs, s.EndMs})
}

// UnmarshalJSON decodes a [start, end] pair.
func (s *Segment) UnmarshalJSON(b []byte) error {
	var pair []int
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("segment: expected [start, end], got %d values", len(pair))
	}
	s.StartMs, s.EndMs = pair[0], pair[1]
	return nil
}

// ActivityState is the detector's streaming state. It is opaque to callers:
// pass back whatever the previous call returned, or "" to start over.
type ActivityState string

// SpeechActivityDetector segments a stream of audio chunks into speech spans.
type SpeechActivityDetector interface {
	DetectActivity(ctx context.Context, chunk []float32, state ActivityState) ([]Segment, ActivityState, error)
}

// Transcriber converts a whole utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []float32) (string, error)
}

// EmbeddingExtractor computes a speaker embedding for an utterance.
type EmbeddingExtractor interface {
	Embed(ctx context.Context, audio []float32) ([]float64, error)
}

// Service bundles the three capabilities.
type Service interface {
	SpeechActivityDetector
	Transcriber
	EmbeddingExtractor
}

// Operation names used in metrics and logs.
const (
	OpActivity   = "detect_activity"
	OpTranscribe = "transcribe"
	OpEmbedding  = "speaker_embedding"
)

type instrumented struct {
	next Service
	m    *metrics.Metrics
}

// WithMetrics wraps svc so every call is timed and failures are counted.
func WithMetrics(svc Service, m *metrics.Metrics) Service {
	if m == nil {
		return svc
	}
	return &instrumented{next: svc, m: m}
}

func (i *instrumented) DetectActivity(ctx context.Context, chunk []float32, state ActivityState) ([]Segment, ActivityState, error) {
	start := time.Now()
	segs, next, err := i.next.DetectActivity(ctx, chunk, state)
	i.m.RecordInference(OpActivity, time.Since(start).Seconds(), err)
	return segs, next, err
}

func (i *instrumented) Transcribe(ctx context.Context, audio []float32) (string, error) {
	start := time.Now()
	text, err := i.next.Transcribe(ctx, audio)
	i.m.RecordInference(OpTranscribe, time.Since(start).Seconds(), err)
	return text, err
}

func (i *instrumented) Embed(ctx context.Context, audio []float32) ([]float64, error) {
	start := time.Now()
	emb, err := i.next.Embed(ctx, audio)
	i.m.RecordInference(OpEmbedding, time.Since(start).Seconds(), err)
	return emb, err
}

// audioRequest is the request body shared by every operation. Audio is a
// base64 encoded 16-bit mono WAV.
type audioRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
	ChunkMs    int    `json:"chunk_ms,omitempty"`
	State      string `json:"state,omitempty"`
}

type activityResponse struct {
	Segments []Segment `json:"segments"`
	State    string    `json:"state"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}
