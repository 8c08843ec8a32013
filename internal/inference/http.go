package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/asr-task-worker/internal/logging"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL    string
	AuthToken  string
	SampleRate int
	ChunkMs    int
	Language   string
	Timeout    time.Duration
	// Attempts is the number of tries for transport errors and 5xx responses.
	Attempts int
}

// HTTPClient calls an inference server exposing POST /vad, /transcribe and
// /embedding. Every body is JSON carrying a base64 WAV.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPClient returns a client for cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &HTTPClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPClient) DetectActivity(ctx context.Context, chunk []float32, state ActivityState) ([]Segment, ActivityState, error) {
	req := audioRequest{
		Audio:      encodeAudio(chunk, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
		ChunkMs:    c.cfg.ChunkMs,
		State:      string(state),
	}
	var out activityResponse
	if err := c.post(ctx, "/vad", req, &out); err != nil {
		return nil, state, err
	}
	return out.Segments, ActivityState(out.State), nil
}

func (c *HTTPClient) Transcribe(ctx context.Context, audio []float32) (string, error) {
	req := audioRequest{
		Audio:      encodeAudio(audio, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
		Language:   c.cfg.Language,
	}
	var out transcribeResponse
	if err := c.post(ctx, "/transcribe", req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *HTTPClient) Embed(ctx context.Context, audio []float32) ([]float64, error) {
	req := audioRequest{
		Audio:      encodeAudio(audio, c.cfg.SampleRate),
		SampleRate: c.cfg.SampleRate,
	}
	var out embeddingResponse
	if err := c.post(ctx, "/embedding", req, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

// post sends body to path with retry/backoff on transport errors and 5xx,
// then decodes a 2xx JSON response into out.
func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("inference: encode %s request: %w", path, err)
	}
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(200*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return fmt.Errorf("inference: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("inference: POST %s: %w", path, err)
			logging.Debugw("inference: POST attempt failed", "path", path, "attempt", attempt+1, "err", err)
			continue
		}
		respBody, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			lastErr = fmt.Errorf("inference: read %s response: %w", path, rerr)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("inference: %s server error status=%d", path, resp.StatusCode)
			logging.Warnw("inference: server error", "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("inference: %s returned status=%d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("inference: decode %s response: %w", path, err)
		}
		return nil
	}
	return lastErr
}
