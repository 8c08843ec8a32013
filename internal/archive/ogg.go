package archive

import (
	"bytes"
	"fmt"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// Ogg Opus granule positions always count 48 kHz samples.
const oggGranuleRate = 48000

const (
	frameMs        = 20
	maxOpusPacket  = 4000
	defaultBitrate = 24000
)

// OggOpusEncoder encodes mono audio as Ogg/Opus in 20 ms frames. The final
// partial frame is zero padded.
type OggOpusEncoder struct {
	SampleRate int
	Bitrate    int
}

// NewOggOpusEncoder returns an encoder for sampleRate, which must be one of
// the rates Opus accepts (8000, 12000, 16000, 24000, 48000).
func NewOggOpusEncoder(sampleRate int) *OggOpusEncoder {
	return &OggOpusEncoder{SampleRate: sampleRate, Bitrate: defaultBitrate}
}

func (e *OggOpusEncoder) ContentType() string { return "audio/ogg" }

func (e *OggOpusEncoder) Encode(samples []float32) ([]byte, error) {
	enc, err := opus.NewEncoder(e.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if e.Bitrate > 0 {
		if err := enc.SetBitrate(e.Bitrate); err != nil {
			return nil, fmt.Errorf("opus bitrate: %w", err)
		}
	}

	var buf bytes.Buffer
	w, err := oggwriter.NewWith(&buf, uint32(e.SampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}

	frameSize := e.SampleRate * frameMs / 1000
	step := uint32(oggGranuleRate * frameMs / 1000)
	frame := make([]float32, frameSize)
	packet := make([]byte, maxOpusPacket)
	var ts uint32
	var seq uint16
	for off := 0; off < len(samples); off += frameSize {
		n := copy(frame, samples[off:])
		for i := n; i < frameSize; i++ {
			frame[i] = 0
		}
		size, err := enc.EncodeFloat32(frame, packet)
		if err != nil {
			return nil, fmt.Errorf("opus encode at sample %d: %w", off, err)
		}
		payload := append([]byte(nil), packet[:size]...)
		if err := w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts},
			Payload: payload,
		}); err != nil {
			return nil, fmt.Errorf("ogg write: %w", err)
		}
		seq++
		ts += step
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ogg close: %w", err)
	}
	return buf.Bytes(), nil
}
