// Package archive uploads finished utterances to object storage in the
// background: samples are encoded to Ogg/Opus and stored under a unique key
// with the transcript attached as metadata.
package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("archive: queue closed")
	// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
	ErrQueueFull = errors.New("archive: queue full")
)

// MetaText is the metadata key carrying the base64 encoded transcript.
const MetaText = "text"

// Job is one utterance to archive. It is not modified after Enqueue.
type Job struct {
	Key     string
	Text    string
	Samples []float32
}

// BlobStore persists an object under key with user metadata.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, meta map[string]string) error
}

// Encoder turns normalized mono samples into an audio container.
type Encoder interface {
	Encode(samples []float32) ([]byte, error)
	ContentType() string
}

// NewObjectKey returns a fresh key of the form asr/<uuid>.ogg.
func NewObjectKey() string {
	return "asr/" + uuid.NewString() + ".ogg"
}

// ObjectURL joins the public bucket prefix and key. An empty prefix yields
// the bare key.
func ObjectURL(prefix, key string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// EncodeText is the metadata encoding of a transcript.
func EncodeText(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}
