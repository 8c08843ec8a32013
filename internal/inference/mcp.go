package inference

import (
	"context"

	"github.com/asr-task-worker/internal/mcp"
)

// MCPConfig configures an MCPClient.
type MCPConfig struct {
	SampleRate int
	ChunkMs    int
	Language   string
}

// MCPClient calls the inference tools of an MCP server: detect_activity,
// transcribe and speaker_embedding. Each tool takes the same arguments as
// the HTTP API and returns its JSON response as text content.
type MCPClient struct {
	cfg     MCPConfig
	session *mcp.ClientWrapper
}

// NewMCPClient returns a client calling tools over a connected session.
func NewMCPClient(session *mcp.ClientWrapper, cfg MCPConfig) *MCPClient {
	return &MCPClient{cfg: cfg, session: session}
}

func (c *MCPClient) DetectActivity(ctx context.Context, chunk []float32, state ActivityState) ([]Segment, ActivityState, error) {
	args := audioRequest{
		Audio:      encodeAudio(chunk, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
		ChunkMs:    c.cfg.ChunkMs,
		State:      string(state),
	}
	var out activityResponse
	if err := c.session.CallJSON(ctx, OpActivity, args, &out); err != nil {
		return nil, state, err
	}
	return out.Segments, ActivityState(out.State), nil
}

func (c *MCPClient) Transcribe(ctx context.Context, audio []float32) (string, error) {
	args := audioRequest{
		Audio:      encodeAudio(audio, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
		Language:   c.cfg.Language,
	}
	var out transcribeResponse
	if err := c.session.CallJSON(ctx, OpTranscribe, args, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *MCPClient) Embed(ctx context.Context, audio []float32) ([]float64, error) {
	args := audioRequest{
		Audio:      encodeAudio(audio, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
	}
	var out embeddingResponse
	if err := c.session.CallJSON(ctx, OpEmbedding, args, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}
