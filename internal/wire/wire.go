// Package wire encodes and decodes the messages exchanged with the task
// distribution server: binary audio frames and JSON control messages.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// lengthPrefixSize is the size of each big-endian length field.
	lengthPrefixSize = 4

	TypeDetect = "detect"
	TypeFinish = "finish"
	TypeChat   = "chat"
)

var (
	// ErrFraming is returned when a binary frame's declared lengths overrun the buffer.
	ErrFraming = errors.New("wire: framing error")
	// ErrMalformed is returned when a text message is not a valid JSON control message.
	ErrMalformed = errors.New("wire: malformed control message")
)

// Message is one decoded inbound message: AudioFrame, Detect, Finish or Unknown.
type Message interface {
	// SessionKey returns the session the message targets.
	SessionKey() string
	isMessage()
}

// AudioFrame carries raw PCM16LE mono audio for one session.
type AudioFrame struct {
	SessionID string
	PCM       []byte
}

// Detect injects a transcript directly, bypassing audio analysis.
type Detect struct {
	SessionID string
	Words     string
}

// Finish terminates and discards a session.
type Finish struct {
	SessionID string
}

// Unknown is a syntactically valid control message with an unrecognized type.
type Unknown struct {
	SessionID string
	Type      string
}

func (m AudioFrame) SessionKey() string { return m.SessionID }
func (m Detect) SessionKey() string     { return m.SessionID }
func (m Finish) SessionKey() string     { return m.SessionID }
func (m Unknown) SessionKey() string    { return m.SessionID }

func (AudioFrame) isMessage() {}
func (Detect) isMessage()     {}
func (Finish) isMessage()     {}
func (Unknown) isMessage()    {}

// Samples returns the frame's PCM converted to normalized float32.
func (m AudioFrame) Samples() []float32 { return PCMToFloat32(m.PCM) }

// Decode decodes a binary frame or a text control message.
func Decode(binaryMsg bool, data []byte) (Message, error) {
	if binaryMsg {
		f, err := DecodeAudioFrame(data)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return DecodeText(data)
}

// EncodeAudioFrame builds [u32be idLen][id][u32be pcmLen][pcm].
func EncodeAudioFrame(sessionID string, pcm []byte) []byte {
	out := make([]byte, 0, 2*lengthPrefixSize+len(sessionID)+len(pcm))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sessionID)))
	out = append(out, sessionID...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

// DecodeAudioFrame parses a binary audio frame. The returned PCM is a copy.
func DecodeAudioFrame(data []byte) (AudioFrame, error) {
	id, rest, err := readChunk(data, "session id")
	if err != nil {
		return AudioFrame{}, err
	}
	pcm, _, err := readChunk(rest, "pcm")
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{SessionID: string(id), PCM: append([]byte(nil), pcm...)}, nil
}

func readChunk(data []byte, field string) ([]byte, []byte, error) {
	if len(data) < lengthPrefixSize {
		return nil, nil, fmt.Errorf("%w: %s length prefix needs %d bytes, got %d", ErrFraming, field, lengthPrefixSize, len(data))
	}
	n := uint64(binary.BigEndian.Uint32(data[:lengthPrefixSize]))
	rest := data[lengthPrefixSize:]
	if n > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrFraming, field, n, len(rest))
	}
	return rest[:n], rest[n:], nil
}

// PCMToFloat32 converts 16-bit little-endian samples to floats in [-1, 1).
// A trailing odd byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM is the inverse of PCMToFloat32, clamping to the int16 range.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, f := range samples {
		v := f * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

type controlMessage struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Words     *string `json:"words,omitempty"`
}

// DecodeText parses a JSON control message. Unknown types are returned as
// Unknown rather than an error.
func DecodeText(data []byte) (Message, error) {
	var cm controlMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch cm.Type {
	case TypeDetect:
		if cm.Words == nil {
			return nil, fmt.Errorf("%w: detect without words", ErrMalformed)
		}
		return Detect{SessionID: cm.SessionID, Words: *cm.Words}, nil
	case TypeFinish:
		return Finish{SessionID: cm.SessionID}, nil
	default:
		return Unknown{SessionID: cm.SessionID, Type: cm.Type}, nil
	}
}

// EncodeDetect builds a detect control message.
func EncodeDetect(sessionID, words string) ([]byte, error) {
	return json.Marshal(controlMessage{Type: TypeDetect, SessionID: sessionID, Words: &words})
}

// EncodeFinish builds a finish control message.
func EncodeFinish(sessionID string) ([]byte, error) {
	return json.Marshal(controlMessage{Type: TypeFinish, SessionID: sessionID})
}

// ChatReply is the outbound reply for a completed utterance.
type ChatReply struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding"`
	URL       string    `json:"url"`
}

// EncodeChatReply marshals a chat reply, forcing the type discriminator and
// encoding a missing embedding as an empty array.
func EncodeChatReply(r ChatReply) ([]byte, error) {
	r.Type = TypeChat
	if r.Embedding == nil {
		r.Embedding = []float64{}
	}
	return json.Marshal(r)
}
