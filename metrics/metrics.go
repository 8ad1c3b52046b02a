// Package metrics exposes the Prometheus collectors for the voice
// pipeline. Per-turn latency detail goes to the client as
// latency_metrics events; these collectors cover the operational view.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Collaborator labels
const (
	CollaboratorSTT    = "stt"
	CollaboratorLLM    = "llm"
	CollaboratorTTS    = "tts"
	CollaboratorLookup = "lookup"
)

var (
	// ActiveSessions tracks currently open sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepipe_active_sessions",
		Help: "Number of currently open voice sessions.",
	})

	// TurnsTotal counts finished turns by outcome.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_turns_total",
		Help: "Finished conversational turns by outcome.",
	}, []string{"outcome"})

	// VoiceToVoiceSeconds observes end-to-end latency from utterance end
	// to first synthesized audio.
	VoiceToVoiceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_voice_to_voice_seconds",
		Help:    "Latency from end of user utterance to first audio response.",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
	})

	// CollaboratorErrors counts failed calls to external services.
	CollaboratorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_collaborator_errors_total",
		Help: "Failed calls to external collaborators.",
	}, []string{"collaborator"})
)
