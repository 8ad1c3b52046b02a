package session

import "time"

// CheckpointName identifies a pipeline milestone within a turn.
type CheckpointName string

const (
	CheckpointTurnStart        CheckpointName = "turn_start"
	CheckpointSTTStart         CheckpointName = "stt_start"
	CheckpointSTTEnd           CheckpointName = "stt_end"
	CheckpointLLMStart         CheckpointName = "llm_start"
	CheckpointLLMFirstToken    CheckpointName = "llm_first_token"
	CheckpointLLMFirstSentence CheckpointName = "llm_first_sentence"
	CheckpointTTSStart         CheckpointName = "tts_start"
	CheckpointTTSEnd           CheckpointName = "tts_end"
	CheckpointFirstAudio       CheckpointName = "first_audio_response"
)

// Checkpoints holds the absolute timestamps for one turn. The set is
// overwritten at the start of every turn; zero values mean the stage was
// never reached.
type Checkpoints struct {
	TurnStart        time.Time
	STTStart         time.Time
	STTEnd           time.Time
	LLMStart         time.Time
	LLMFirstToken    time.Time
	LLMFirstSentence time.Time
	TTSStart         time.Time
	TTSEnd           time.Time
	FirstAudio       time.Time
}

// Metrics is the derived latency report sent to the client once per
// completed turn. Field names follow the wire contract.
type Metrics struct {
	TotalVoiceToVoice      float64 `json:"total_voice_to_voice"`
	STTDuration            float64 `json:"srt_duration"`
	LLMTimeToFirstToken    float64 `json:"llm_ttft"`
	LLMTimeToFirstSentence float64 `json:"llm_ttfs"`
	TTSDuration            float64 `json:"tts_duration"`
}

// Set records a checkpoint timestamp by name.
func (c *Checkpoints) Set(name CheckpointName, t time.Time) {
	switch name {
	case CheckpointTurnStart:
		c.TurnStart = t
	case CheckpointSTTStart:
		c.STTStart = t
	case CheckpointSTTEnd:
		c.STTEnd = t
	case CheckpointLLMStart:
		c.LLMStart = t
	case CheckpointLLMFirstToken:
		c.LLMFirstToken = t
	case CheckpointLLMFirstSentence:
		c.LLMFirstSentence = t
	case CheckpointTTSStart:
		c.TTSStart = t
	case CheckpointTTSEnd:
		c.TTSEnd = t
	case CheckpointFirstAudio:
		c.FirstAudio = t
	}
}

// Metrics derives the reported durations in seconds. A stage whose
// checkpoints were never both recorded reports zero rather than a
// negative or garbage duration (a turn may fail before reaching
// synthesis, for example).
func (c Checkpoints) Metrics() Metrics {
	return Metrics{
		TotalVoiceToVoice:      span(c.TurnStart, c.FirstAudio),
		STTDuration:            span(c.STTStart, c.STTEnd),
		LLMTimeToFirstToken:    span(c.LLMStart, c.LLMFirstToken),
		LLMTimeToFirstSentence: span(c.LLMStart, c.LLMFirstSentence),
		TTSDuration:            span(c.TTSStart, c.TTSEnd),
	}
}

func span(from, to time.Time) float64 {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	d := to.Sub(from).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
