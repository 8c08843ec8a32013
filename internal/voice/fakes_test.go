package voice

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/asr-task-worker/internal/archive"
	"github.com/asr-task-worker/internal/inference"
	"github.com/asr-task-worker/internal/wire"
	"github.com/stretchr/testify/require"
)

// scriptedInference returns segments from a per-step script and records how
// it was called.
type scriptedInference struct {
	steps       map[int][]inference.Segment
	transcript  string
	embedding   []float64
	activityErr error

	activityCalls int
	chunkLens     []int
	statesIn      []inference.ActivityState
	transcribed   [][]float32
	embedded      [][]float32
}

func (f *scriptedInference) DetectActivity(ctx context.Context, chunk []float32, state inference.ActivityState) ([]inference.Segment, inference.ActivityState, error) {
	f.activityCalls++
	f.chunkLens = append(f.chunkLens, len(chunk))
	f.statesIn = append(f.statesIn, state)
	if f.activityErr != nil {
		return nil, state, f.activityErr
	}
	return f.steps[f.activityCalls], inference.ActivityState("state-" + strconv.Itoa(f.activityCalls)), nil
}

func (f *scriptedInference) Transcribe(ctx context.Context, audio []float32) (string, error) {
	f.transcribed = append(f.transcribed, audio)
	return f.transcript, nil
}

func (f *scriptedInference) Embed(ctx context.Context, audio []float32) ([]float64, error) {
	f.embedded = append(f.embedded, audio)
	return f.embedding, nil
}

type recordingSender struct {
	sent [][]byte
	err  error
}

func (r *recordingSender) SendText(ctx context.Context, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingSender) replies(t *testing.T) []wire.ChatReply {
	t.Helper()
	var out []wire.ChatReply
	for _, b := range r.sent {
		var c wire.ChatReply
		require.NoError(t, json.Unmarshal(b, &c))
		out = append(out, c)
	}
	return out
}

type recordingArchiver struct {
	jobs []archive.Job
}

func (r *recordingArchiver) Enqueue(job archive.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

type fullArchiver struct{}

func (fullArchiver) Enqueue(archive.Job) error { return archive.ErrQueueFull }

var errUnavailable = errors.New("inference unavailable")

// ms returns d milliseconds of 16 kHz audio filled with v.
func ms(d int, v float32) []float32 {
	out := make([]float32, d*16)
	for i := range out {
		out[i] = v
	}
	return out
}

func testDeps(inf inference.Service, arch Archiver) Deps {
	p := DefaultParams()
	p.URLPrefix = "https://bucket.example.com/"
	n := 0
	return Deps{
		Params:    p,
		Inference: inf,
		Archiver:  arch,
		NewKey: func() string {
			n++
			return "asr/key-" + strconv.Itoa(n) + ".ogg"
		},
	}
}
