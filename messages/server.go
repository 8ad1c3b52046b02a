// Package messages defines the duplex-channel frame types exchanged
// with the client and their JSON codec.
package messages

import (
	"github.com/bytedance/sonic"

	"voicepipe/session"
)

// Outbound event types
const (
	TypePong               = "pong"
	TypeTranscription      = "transcription"
	TypeText               = "text"
	TypeFirstAudioResponse = "first_audio_response"
	TypeInterrupted        = "interrupted"
	TypeLatencyMetrics     = "latency_metrics"
	TypeError              = "error"
	TypeProcessingComplete = "processing_complete"
)

// Event is an outbound JSON control frame. Synthesized audio travels as
// binary frames, not as Events.
type Event struct {
	Type    string           `json:"type"`
	Content string           `json:"content,omitempty"`
	Message string           `json:"message,omitempty"`
	Metrics *session.Metrics `json:"metrics,omitempty"`
}

// Encode marshals an event for the wire.
func (e *Event) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// NewPong answers a ping.
func NewPong() *Event {
	return &Event{Type: TypePong}
}

// NewTranscription echoes the transcribed user utterance.
func NewTranscription(text string) *Event {
	return &Event{Type: TypeTranscription, Content: text}
}

// NewText carries one language-model fragment, in generation order.
func NewText(fragment string) *Event {
	return &Event{Type: TypeText, Content: fragment}
}

// NewFirstAudioResponse marks the turn's first synthesized fragment.
func NewFirstAudioResponse() *Event {
	return &Event{Type: TypeFirstAudioResponse}
}

// NewInterrupted signals that an in-flight turn was cut short.
func NewInterrupted() *Event {
	return &Event{Type: TypeInterrupted}
}

// NewLatencyMetrics reports the derived per-stage latencies of a
// completed turn.
func NewLatencyMetrics(m session.Metrics) *Event {
	return &Event{Type: TypeLatencyMetrics, Metrics: &m}
}

// NewError surfaces a turn failure with a human-readable reason.
func NewError(message string) *Event {
	return &Event{Type: TypeError, Message: message}
}

// NewProcessingComplete ends a turn's lifecycle; the client may start a
// new turn once it arrives.
func NewProcessingComplete() *Event {
	return &Event{Type: TypeProcessingComplete}
}
