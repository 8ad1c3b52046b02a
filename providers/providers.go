// Package providers holds the clients for the external collaborators:
// speech-to-text, the streaming completion service, speech synthesis and
// the patient-record lookup.
package providers

import (
	"context"
	"time"

	"voicepipe/session"
)

// Transcriber converts a recorded utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Completer streams a language-model reply for a conversation history.
// The returned channel is closed when the stream ends; a chunk with a
// non-nil Err terminates the stream.
type Completer interface {
	Stream(ctx context.Context, history []session.Message) (<-chan StreamChunk, error)
}

// Synthesizer converts one sanitized text fragment into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// RecordLookup fetches a stored patient record by its code. This is a
// closed, typed operation; the completion service cannot supply an
// arbitrary query for evaluation.
type RecordLookup interface {
	FetchByCode(ctx context.Context, code string) (*Record, error)
}

// StreamChunk is one fragment of a completion stream: free text, part of
// a function-call directive, or a terminal error.
type StreamChunk struct {
	Content  string
	ToolCall *ToolCallDelta
	Err      error
}

// ToolCallDelta is a piece of a function-call directive. Arguments
// arrive fragmented across chunks and are concatenated by the caller.
type ToolCallDelta struct {
	Name      string
	Arguments string
}

// Record is a stored patient record.
type Record struct {
	PatientCode string    `json:"patient_code"`
	Transcript  string    `json:"transcript"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolGetPatientInfo is the single function-call directive offered to
// the completion service.
const ToolGetPatientInfo = "get_patient_info"
