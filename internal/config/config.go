// Package config loads the worker configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "config.yaml"

// Config represents the complete worker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Inference InferenceConfig `yaml:"inference"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig describes the task distribution server connection
type ServerConfig struct {
	URL              string `yaml:"url"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms"`
}

// SessionConfig contains segmentation and reply timing
type SessionConfig struct {
	SampleRate         int      `yaml:"sample_rate"`
	ChunkMs            int      `yaml:"chunk_ms"`
	FastReplySilenceMs int      `yaml:"fast_reply_silence_ms"`
	ReplySilenceMs     int      `yaml:"reply_silence_ms"`
	TruncateMs         int      `yaml:"truncate_ms"`
	QuestionMarkers    []string `yaml:"question_markers"`
}

// InferenceConfig selects the inference backend. Exactly one of URL,
// MCPURL or MCPCommand must be set.
type InferenceConfig struct {
	URL        string   `yaml:"url"`
	AuthToken  string   `yaml:"auth_token"`
	MCPURL     string   `yaml:"mcp_url"`
	MCPCommand string   `yaml:"mcp_command"`
	MCPArgs    []string `yaml:"mcp_args"`
	TimeoutMs  int      `yaml:"timeout_ms"`
	Attempts   int      `yaml:"attempts"`
	Language   string   `yaml:"language"`
}

// StorageConfig configures archival. Bucket credentials select object
// storage; otherwise Dir selects a local directory; otherwise archival is off.
type StorageConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	PathStyle       bool   `yaml:"path_style"`
	PublicURL       string `yaml:"public_url"`
	Dir             string `yaml:"dir"`
	RetentionHours  int    `yaml:"retention_hours"`
	MaxFiles        int    `yaml:"max_files"`
	QueueSize       int    `yaml:"queue_size"`
}

// MetricsConfig contains the Prometheus endpoint address; empty disables it
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ReconnectDelayMs: 3000,
			IdleTimeoutMs:    90000,
		},
		Session: SessionConfig{
			SampleRate:         16000,
			ChunkMs:            240,
			FastReplySilenceMs: 0,
			ReplySilenceMs:     720,
			TruncateMs:         1440,
		},
		Inference: InferenceConfig{
			TimeoutMs: 30000,
			Attempts:  3,
			Language:  "zh",
		},
		Storage: StorageConfig{
			QueueSize: 256,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (or DefaultPath when path is empty and the file exists),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Unset or empty
// variables leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", name, v))
			return
		}
		*dst = n
	}

	str("ASR_TASK_SERVER_URL", &c.Server.URL)
	num("RECONNECT_DELAY_MS", &c.Server.ReconnectDelayMs)
	num("IDLE_TIMEOUT_MS", &c.Server.IdleTimeoutMs)

	num("FAST_REPLY_SILENCE_MS", &c.Session.FastReplySilenceMs)
	num("REPLY_SILENCE_MS", &c.Session.ReplySilenceMs)

	str("INFERENCE_URL", &c.Inference.URL)
	str("INFERENCE_AUTH_TOKEN", &c.Inference.AuthToken)
	str("INFERENCE_MCP_URL", &c.Inference.MCPURL)
	str("INFERENCE_MCP_COMMAND", &c.Inference.MCPCommand)
	if v := strings.TrimSpace(getenv("INFERENCE_MCP_ARGS")); v != "" {
		c.Inference.MCPArgs = strings.Fields(v)
	}
	num("INFERENCE_TIMEOUT_MS", &c.Inference.TimeoutMs)
	str("INFERENCE_LANGUAGE", &c.Inference.Language)

	str("OSS_ACCESS_KEY_ID", &c.Storage.AccessKeyID)
	str("OSS_ACCESS_KEY_SECRET", &c.Storage.AccessKeySecret)
	str("OSS_ENDPOINT", &c.Storage.Endpoint)
	str("OSS_REGION", &c.Storage.Region)
	str("OSS_BUCKET_NAME", &c.Storage.Bucket)
	str("OSS_BUCKET_URL", &c.Storage.PublicURL)
	str("ARCHIVE_DIR", &c.Storage.Dir)
	num("ARCHIVE_QUEUE_SIZE", &c.Storage.QueueSize)

	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	return errors.Join(errs...)
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the server connection settings
func (s *ServerConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty (set ASR_TASK_SERVER_URL)")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("url %q: %w", s.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.ReconnectDelayMs < 0 {
		return fmt.Errorf("reconnect_delay_ms cannot be negative, got %d", s.ReconnectDelayMs)
	}
	if s.IdleTimeoutMs < 0 {
		return fmt.Errorf("idle_timeout_ms cannot be negative, got %d", s.IdleTimeoutMs)
	}
	return nil
}

// Validate validates session timing
func (s *SessionConfig) Validate() error {
	switch s.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample_rate must be an Opus rate (8000, 12000, 16000, 24000, 48000), got %d", s.SampleRate)
	}
	if s.ChunkMs <= 0 {
		return fmt.Errorf("chunk_ms must be positive, got %d", s.ChunkMs)
	}
	if s.FastReplySilenceMs < 0 {
		return fmt.Errorf("fast_reply_silence_ms cannot be negative, got %d", s.FastReplySilenceMs)
	}
	if s.ReplySilenceMs < 0 {
		return fmt.Errorf("reply_silence_ms cannot be negative, got %d", s.ReplySilenceMs)
	}
	if s.TruncateMs < s.ChunkMs {
		return fmt.Errorf("truncate_ms (%d) must be at least chunk_ms (%d)", s.TruncateMs, s.ChunkMs)
	}
	return nil
}

// Validate validates inference backend selection
func (i *InferenceConfig) Validate() error {
	set := 0
	for _, v := range []string{i.URL, i.MCPURL, i.MCPCommand} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of url, mcp_url or mcp_command must be set, got %d", set)
	}
	if i.TimeoutMs < 1 {
		return fmt.Errorf("timeout_ms must be positive, got %d", i.TimeoutMs)
	}
	if i.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", i.Attempts)
	}
	return nil
}

// Validate validates archival settings
func (s *StorageConfig) Validate() error {
	if (s.AccessKeyID == "") != (s.AccessKeySecret == "") {
		return fmt.Errorf("access_key_id and access_key_secret must be set together")
	}
	if s.AccessKeyID != "" && s.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty when credentials are set")
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}
	if s.RetentionHours < 0 || s.MaxFiles < 0 {
		return fmt.Errorf("retention_hours and max_files cannot be negative")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
}

// Backend names returned by StorageConfig.Backend.
const (
	BackendObjectStore = "object-store"
	BackendDir         = "dir"
	BackendNone        = "none"
)

// Backend reports which archival store the settings select.
func (s *StorageConfig) Backend() string {
	switch {
	case s.AccessKeyID != "":
		return BackendObjectStore
	case s.Dir != "":
		return BackendDir
	default:
		return BackendNone
	}
}

// ReconnectDelay returns the delay between connection attempts
func (s *ServerConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

// IdleTimeout returns how long the connection may stay silent
func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// Timeout returns the per-request inference timeout
func (i *InferenceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutMs) * time.Millisecond
}

// Retention returns how long archived files are kept in Dir; zero keeps them
func (s *StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}
