package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/asr-task-worker/internal/archive"
	"github.com/asr-task-worker/internal/inference"
	"github.com/asr-task-worker/internal/logging"
	"github.com/asr-task-worker/internal/metrics"
	"github.com/asr-task-worker/internal/wire"
)

// emptyTranscript is what the transcriber yields for an utterance with no
// words; replying with it is suppressed.
const emptyTranscript = "。"

// Params are the timing constants of a session.
type Params struct {
	SampleRate int
	// ChunkMs is the segmentation step and the audio kept on truncation.
	ChunkMs int
	// FastReplySilenceMs is the silence after a question-like transcript
	// that triggers a reply. Zero answers on the first observed silence.
	FastReplySilenceMs int
	ReplySilenceMs     int
	// TruncateMs bounds the processed backlog kept while no speech is found.
	TruncateMs int
	// URLPrefix is the public location of archived objects.
	URLPrefix string
}

// DefaultParams returns the 16 kHz defaults.
func DefaultParams() Params {
	return Params{
		SampleRate:         16000,
		ChunkMs:            240,
		FastReplySilenceMs: 0,
		ReplySilenceMs:     720,
		TruncateMs:         1440,
	}
}

func (p Params) samplesPerMs() int { return p.SampleRate / 1000 }

// Sender delivers an outbound text message on the connection a session
// belongs to.
type Sender interface {
	SendText(ctx context.Context, data []byte) error
}

// Archiver accepts finished utterances for background upload.
type Archiver interface {
	Enqueue(job archive.Job) error
}

// Deps are the shared handles every session is built with.
type Deps struct {
	Params    Params
	Inference inference.Service
	Archiver  Archiver
	Questions *QuestionDetector
	Metrics   *metrics.Metrics
	// NewKey generates archive object keys; archive.NewObjectKey when nil.
	NewKey func() string
}

func (d Deps) withDefaults() Deps {
	if d.Params.SampleRate == 0 {
		d.Params = DefaultParams()
	}
	if d.Questions == nil {
		d.Questions = NewQuestionDetector(nil)
	}
	if d.NewKey == nil {
		d.NewKey = archive.NewObjectKey
	}
	return d
}

// Session buffers one caller's audio, segments it into speech spans and
// decides when the current utterance is complete. It is not safe for
// concurrent use.
type Session struct {
	id   string
	deps Deps
	out  Sender

	started bool

	buffer          []float32
	processedMs     int
	activityState   inference.ActivityState
	segments        []inference.Segment
	lastEndMs       int
	activityUpdated bool
	transcript      string
}

// NewSession returns an idle session replying through out.
func NewSession(id string, deps Deps, out Sender) *Session {
	s := &Session{id: id, deps: deps.withDefaults(), out: out}
	s.reset()
	return s
}

func (s *Session) ID() string { return s.id }

// Started reports whether the session has been activated.
func (s *Session) Started() bool { return s.started }

// Transcript returns the current partial transcript.
func (s *Session) Transcript() string { return s.transcript }

func (s *Session) reset() {
	s.buffer = nil
	s.processedMs = 0
	s.activityState = ""
	s.segments = nil
	s.lastEndMs = inference.Ongoing
	s.activityUpdated = false
	s.transcript = ""
}

func (s *Session) bufferMs() float64 {
	return float64(len(s.buffer)) * 1000 / float64(s.deps.Params.SampleRate)
}

func (s *Session) unprocessedMs() float64 {
	return s.bufferMs() - float64(s.processedMs)
}

// silenceMs is the buffered time since the last closed segment, or 0 while
// speech is ongoing.
func (s *Session) silenceMs() float64 {
	if s.lastEndMs == inference.Ongoing {
		return 0
	}
	return s.bufferMs() - float64(s.lastEndMs)
}

func (s *Session) logFields(kv ...interface{}) []interface{} {
	f := logging.SessionFields(s.id, int(s.bufferMs()), s.processedMs)
	return append(f, kv...)
}

// OnAudioFrame appends samples and, once started, advances segmentation by
// at most one chunk and replies when the utterance looks complete.
func (s *Session) OnAudioFrame(ctx context.Context, samples []float32) error {
	s.buffer = append(s.buffer, samples...)
	if !s.started {
		return nil
	}
	if s.unprocessedMs() < float64(s.deps.Params.ChunkMs) {
		return nil
	}
	if err := s.segment(ctx); err != nil {
		return err
	}
	if len(s.segments) == 0 {
		s.truncate()
		return nil
	}
	if s.lastEndMs == inference.Ongoing {
		return nil
	}
	if s.activityUpdated {
		return s.transcribe(ctx)
	}

	silence := s.silenceMs()
	if q, marker := s.deps.Questions.Detect(s.transcript); q && silence >= float64(s.deps.Params.FastReplySilenceMs) {
		logging.Infow("session: fast reply", s.logFields("marker", marker, "silence_ms", silence)...)
		return s.reply(ctx, metrics.ReplyFast)
	}
	if silence >= float64(s.deps.Params.ReplySilenceMs) {
		logging.Infow("session: silence detected", s.logFields("silence_ms", silence)...)
		return s.reply(ctx, metrics.ReplySilence)
	}
	return nil
}

// segment feeds the next window to the activity detector. The window spans
// two chunks so the detector sees the audio following the step as well.
func (s *Session) segment(ctx context.Context) error {
	p := s.deps.Params
	beg := s.processedMs * p.samplesPerMs()
	end := beg + 2*p.ChunkMs*p.samplesPerMs()
	if beg > len(s.buffer) {
		beg = len(s.buffer)
	}
	if end > len(s.buffer) {
		end = len(s.buffer)
	}
	chunk := s.buffer[beg:end]
	s.processedMs += p.ChunkMs
	s.deps.Metrics.RecordSegmentationStep()

	segs, state, err := s.deps.Inference.DetectActivity(ctx, chunk, s.activityState)
	if err != nil {
		return fmt.Errorf("detect activity: %w", err)
	}
	s.activityState = state
	if len(segs) == 0 {
		return nil
	}
	s.segments = append(s.segments, segs...)
	s.lastEndMs = s.segments[len(s.segments)-1].EndMs
	if s.lastEndMs != inference.Ongoing {
		s.activityUpdated = true
	}
	logging.Debugw("session: segments", s.logFields("new", len(segs), "last_end_ms", s.lastEndMs)...)
	return nil
}

// truncate keeps only the last chunk once the processed backlog reaches the
// threshold. The kept chunk is segmented again from a fresh detector state.
func (s *Session) truncate() {
	p := s.deps.Params
	if s.processedMs < p.TruncateMs {
		return
	}
	keep := p.ChunkMs * p.samplesPerMs()
	if len(s.buffer) > keep {
		s.buffer = append([]float32(nil), s.buffer[len(s.buffer)-keep:]...)
	}
	s.processedMs = 0
	s.activityState = ""
	s.segments = nil
	s.deps.Metrics.RecordTruncation()
	logging.Debugw("session: truncated", s.logFields()...)
}

func (s *Session) transcribe(ctx context.Context) error {
	start := time.Now()
	text, err := s.deps.Inference.Transcribe(ctx, s.buffer)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	s.activityUpdated = false
	s.transcript = text
	logging.Infow("session: transcript updated", s.logFields("text", text, "elapsed_ms", time.Since(start).Milliseconds())...)
	return nil
}

// Detect replies immediately with words and activates the session.
func (s *Session) Detect(ctx context.Context, words string) error {
	s.transcript = words
	err := s.reply(ctx, metrics.ReplyDetect)
	s.started = true
	return err
}

func (s *Session) reply(ctx context.Context, reason string) error {
	if s.transcript == emptyTranscript {
		logging.Infow("session: ignoring empty content", s.logFields("reason", reason)...)
		s.deps.Metrics.RecordSuppressedReply()
		s.reset()
		return nil
	}

	embedding := []float64{}
	if len(s.buffer) > 0 {
		emb, err := s.deps.Inference.Embed(ctx, s.buffer)
		if err != nil {
			return fmt.Errorf("speaker embedding: %w", err)
		}
		embedding = emb
	}

	key := s.deps.NewKey()
	msg, err := wire.EncodeChatReply(wire.ChatReply{
		SessionID: s.id,
		Content:   s.transcript,
		Embedding: embedding,
		URL:       archive.ObjectURL(s.deps.Params.URLPrefix, key),
	})
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := s.out.SendText(ctx, msg); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	logging.Infow("session: reply", s.logFields("reason", reason, "content", s.transcript, "key", key)...)
	s.deps.Metrics.RecordReply(reason)

	if s.deps.Archiver != nil {
		// The buffer is handed off; reset allocates a new one.
		if err := s.deps.Archiver.Enqueue(archive.Job{Key: key, Text: s.transcript, Samples: s.buffer}); err != nil {
			logging.Warnw("session: archive enqueue failed", s.logFields("key", key, "err", err)...)
		}
	}
	s.reset()
	return nil
}
