package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := Default()
	c.Server.URL = "ws://tasks.example.com/asr"
	c.Inference.URL = "http://inference:8000"
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "valid configuration", mutate: func(c *Config) {}},
		{
			name:     "missing server url",
			mutate:   func(c *Config) { c.Server.URL = "" },
			errorMsg: "ASR_TASK_SERVER_URL",
		},
		{
			name:     "http server url",
			mutate:   func(c *Config) { c.Server.URL = "http://tasks" },
			errorMsg: "scheme must be ws or wss",
		},
		{
			name:     "unsupported sample rate",
			mutate:   func(c *Config) { c.Session.SampleRate = 44100 },
			errorMsg: "sample_rate",
		},
		{
			name:     "truncate below chunk",
			mutate:   func(c *Config) { c.Session.TruncateMs = 100 },
			errorMsg: "truncate_ms",
		},
		{
			name:     "no inference backend",
			mutate:   func(c *Config) { c.Inference.URL = "" },
			errorMsg: "exactly one of",
		},
		{
			name:     "two inference backends",
			mutate:   func(c *Config) { c.Inference.MCPCommand = "asr-models" },
			errorMsg: "exactly one of",
		},
		{
			name:     "secret without id",
			mutate:   func(c *Config) { c.Storage.AccessKeySecret = "s" },
			errorMsg: "set together",
		},
		{
			name: "credentials without bucket",
			mutate: func(c *Config) {
				c.Storage.AccessKeyID = "id"
				c.Storage.AccessKeySecret = "s"
			},
			errorMsg: "bucket",
		},
		{
			name:     "zero queue",
			mutate:   func(c *Config) { c.Storage.QueueSize = 0 },
			errorMsg: "queue_size",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ASR_TASK_SERVER_URL":   "wss://tasks.example.com/ws",
		"OSS_ACCESS_KEY_ID":     "id",
		"OSS_ACCESS_KEY_SECRET": "secret",
		"OSS_ENDPOINT":          "oss-cn-hangzhou.aliyuncs.com",
		"OSS_BUCKET_NAME":       "voice",
		"OSS_BUCKET_URL":        "https://voice.oss-cn-hangzhou.aliyuncs.com",
		"FAST_REPLY_SILENCE_MS": "120",
		"INFERENCE_MCP_COMMAND": "asr-models",
		"INFERENCE_MCP_ARGS":    "--device cuda",
		"ARCHIVE_QUEUE_SIZE":    "16",
		"LOG_LEVEL":             "debug",
	}
	c := Default()
	require.NoError(t, c.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "wss://tasks.example.com/ws", c.Server.URL)
	assert.Equal(t, "voice", c.Storage.Bucket)
	assert.Equal(t, "https://voice.oss-cn-hangzhou.aliyuncs.com", c.Storage.PublicURL)
	assert.Equal(t, 120, c.Session.FastReplySilenceMs)
	assert.Equal(t, []string{"--device", "cuda"}, c.Inference.MCPArgs)
	assert.Equal(t, 16, c.Storage.QueueSize)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, BackendObjectStore, c.Storage.Backend())
	assert.NoError(t, c.Validate())
}

func TestApplyEnvRejectsBadIntegers(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(func(k string) string {
		if k == "REPLY_SILENCE_MS" {
			return "soon"
		}
		return ""
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPLY_SILENCE_MS")
	assert.Equal(t, 720, c.Session.ReplySilenceMs)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	content := `
server:
  url: ws://from-file/asr
  reconnect_delay_ms: 500
session:
  reply_silence_ms: 900
  question_markers: ["吗", "?"]
inference:
  url: http://inference:8000
storage:
  dir: /var/lib/asr
  retention_hours: 24
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("ASR_TASK_SERVER_URL", "ws://from-env/asr")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://from-env/asr", c.Server.URL)
	assert.Equal(t, 500*time.Millisecond, c.Server.ReconnectDelay())
	assert.Equal(t, 90*time.Second, c.Server.IdleTimeout())
	assert.Equal(t, 900, c.Session.ReplySilenceMs)
	assert.Equal(t, 240, c.Session.ChunkMs)
	assert.Equal(t, []string{"吗", "?"}, c.Session.QuestionMarkers)
	assert.Equal(t, BackendDir, c.Storage.Backend())
	assert.Equal(t, 24*time.Hour, c.Storage.Retention())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestStorageBackendNone(t *testing.T) {
	s := StorageConfig{}
	assert.Equal(t, BackendNone, s.Backend())
}
