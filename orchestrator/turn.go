package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voicepipe/messages"
	"voicepipe/metrics"
	"voicepipe/providers"
	"voicepipe/sentence"
	"voicepipe/session"
)

var (
	errEmptyTranscription = errors.New("transcription resulted in empty text")
	errInterrupted        = errors.New("turn interrupted")
)

// maxToolDepth caps nested generation rounds triggered by function calls.
const maxToolDepth = 2

const (
	fillerText  = "Please wait while I get the patient details."
	apologyText = "I am sorry, I am unable to get the patient details at this time. Please make sure the patient code is correct."
)

// runTurn executes one turn end to end and finalizes it exactly once:
// the session's processing flag is cleared, exactly one of interrupted,
// error or latency_metrics goes out, then processing_complete.
func (c *Conn) runTurn(ctx context.Context, turnID int) {
	c.log.Info("processing turn", zap.Int("turn", turnID))

	err := c.executeTurn(ctx)

	if perr := c.store.SetProcessing(c.ID, false); errors.Is(perr, session.ErrSessionNotFound) {
		c.log.Warn("session gone before turn finalization", zap.Int("turn", turnID))
		return
	}

	switch {
	case c.wasInterrupted():
		c.sendEvent(messages.NewInterrupted())
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeInterrupted).Inc()
		c.log.Info("turn interrupted", zap.Int("turn", turnID))
	case err != nil:
		c.sendEvent(messages.NewError(err.Error()))
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.log.Error("turn failed", zap.Int("turn", turnID), zap.Error(err))
	default:
		if m, merr := c.store.Metrics(c.ID); merr == nil {
			c.sendEvent(messages.NewLatencyMetrics(m))
			if m.TotalVoiceToVoice > 0 {
				metrics.VoiceToVoiceSeconds.Observe(m.TotalVoiceToVoice)
			}
		}
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		c.log.Info("turn complete", zap.Int("turn", turnID))
	}

	c.sendEvent(messages.NewProcessingComplete())
}

// executeTurn runs transcription and then the generation rounds.
func (c *Conn) executeTurn(ctx context.Context) error {
	audio, err := c.store.TakeAudio(c.ID)
	if err != nil {
		return err
	}

	c.store.Checkpoint(c.ID, session.CheckpointSTTStart)
	sttCtx, cancel := context.WithTimeout(ctx, c.opts.STTTimeout)
	text, err := c.deps.STT.Transcribe(sttCtx, audio)
	cancel()
	c.store.Checkpoint(c.ID, session.CheckpointSTTEnd)
	if err != nil {
		if c.wasInterrupted() {
			return errInterrupted
		}
		metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorSTT).Inc()
		return fmt.Errorf("transcription failed: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return errEmptyTranscription
	}
	c.log.Info("transcription complete", zap.String("text", text))

	if err := c.store.AppendUserTurn(c.ID, text); err != nil {
		return err
	}
	c.sendEvent(messages.NewTranscription(text))

	return c.generate(ctx, 0)
}

// generate runs one round of token streaming, sentence segmentation and
// pipelined synthesis. A function call from the model triggers the
// lookup branch, which may recurse for the summarization round.
func (c *Conn) generate(ctx context.Context, depth int) error {
	history, err := c.store.History(c.ID)
	if err != nil {
		return err
	}

	c.store.Checkpoint(c.ID, session.CheckpointLLMStart)
	llmCtx, cancelLLM := context.WithTimeout(ctx, c.opts.LLMTimeout)
	defer cancelLLM()

	stream, err := c.deps.LLM.Stream(llmCtx, history)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorLLM).Inc()
		return fmt.Errorf("completion failed: %w", err)
	}

	// Synthesis jobs are dispatched as soon as each sentence completes
	// and delivered strictly in production order. The buffered channel
	// bounds how many sentences can be in flight at once.
	jobs := make(chan *synthJob, c.opts.SynthQueueDepth)
	var delivery errgroup.Group
	delivery.Go(func() error {
		c.deliverAudio(jobs)
		return nil
	})

	var (
		seg           sentence.Segmenter
		complete      strings.Builder
		tool          toolCallBuilder
		firstToken    bool
		firstSentence bool
		streamErr     error
	)

consume:
	for chunk := range stream {
		if chunk.Err != nil {
			metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorLLM).Inc()
			streamErr = fmt.Errorf("completion stream failed: %w", chunk.Err)
			break consume
		}
		if chunk.ToolCall != nil {
			tool.add(chunk.ToolCall)
		}
		if chunk.Content == "" {
			continue
		}

		if !firstToken {
			c.store.Checkpoint(c.ID, session.CheckpointLLMFirstToken)
			firstToken = true
		}
		c.sendEvent(messages.NewText(chunk.Content))
		complete.WriteString(chunk.Content)

		if sentenceText, ok := seg.Feed(chunk.Content); ok {
			if !firstSentence {
				c.store.Checkpoint(c.ID, session.CheckpointLLMFirstSentence)
				c.store.Checkpoint(c.ID, session.CheckpointTTSStart)
				firstSentence = true
			}
			if err := c.dispatch(ctx, jobs, sentenceText); err != nil {
				streamErr = err
				break consume
			}
		}
	}

	// The producer stopping because its own deadline fired is a
	// failure; the turn context going away is interruption, handled
	// below through ctx.Err.
	if streamErr == nil && llmCtx.Err() != nil && ctx.Err() == nil {
		metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorLLM).Inc()
		streamErr = fmt.Errorf("completion stream timed out: %w", llmCtx.Err())
	}

	// Whatever remains in the segmenter is a final unterminated sentence.
	if streamErr == nil && ctx.Err() == nil {
		if tail := seg.Flush(); tail != "" {
			if !firstSentence {
				c.store.Checkpoint(c.ID, session.CheckpointLLMFirstSentence)
				c.store.Checkpoint(c.ID, session.CheckpointTTSStart)
				firstSentence = true
			}
			if err := c.dispatch(ctx, jobs, tail); err != nil {
				streamErr = err
			}
		}
	}

	// All text audio drains before the function-call branch speaks, so
	// frames reach the client in sentence order.
	close(jobs)
	delivery.Wait()

	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}
	if streamErr != nil {
		if c.wasInterrupted() {
			return errInterrupted
		}
		return streamErr
	}

	if tool.pending() && depth < maxToolDepth {
		if err := c.runLookup(ctx, &tool, depth); err != nil {
			return err
		}
	}

	c.store.Checkpoint(c.ID, session.CheckpointTTSEnd)
	if text := complete.String(); text != "" {
		if err := c.store.AppendAssistantTurn(c.ID, text); err != nil {
			return err
		}
	}
	return nil
}

// synthJob carries one sentence through synthesis. done closes when the
// result fields are populated.
type synthJob struct {
	text  string
	audio []byte
	err   error
	done  chan struct{}
}

// dispatch sanitizes one sentence and hands it to the synthesis
// pipeline. Blocks while the queue is at depth, which is what bounds
// synthesis concurrency.
func (c *Conn) dispatch(ctx context.Context, jobs chan<- *synthJob, text string) error {
	speakable := sentence.Sanitize(text)
	if speakable == "" {
		return nil
	}

	job := &synthJob{text: speakable, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case jobs <- job:
	}
	go c.runSynth(job)
	return nil
}

// runSynth synthesizes one sentence. It runs under the connection
// context rather than the turn context: an interrupt lets already
// dispatched synthesis finish, bounded by its own timeout.
func (c *Conn) runSynth(job *synthJob) {
	defer close(job.done)

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.TTSTimeout)
	defer cancel()
	job.audio, job.err = c.deps.TTS.Synthesize(ctx, job.text)
}

// deliverAudio forwards synthesized audio in dispatch order. A failed
// sentence loses only its own audio; the turn continues.
func (c *Conn) deliverAudio(jobs <-chan *synthJob) {
	for job := range jobs {
		<-job.done
		if job.err != nil {
			metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorTTS).Inc()
			c.log.Warn("synthesis failed, skipping sentence audio",
				zap.String("text", job.text), zap.Error(job.err))
			continue
		}
		c.forwardAudio(job.audio)
	}
}

// forwardAudio emits first_audio_response ahead of the first audio
// frame of the turn, then the frame itself.
func (c *Conn) forwardAudio(audio []byte) {
	if first, err := c.store.MarkFirstAudioSent(c.ID); err == nil && first {
		c.store.Checkpoint(c.ID, session.CheckpointFirstAudio)
		c.sendEvent(messages.NewFirstAudioResponse())
	}
	c.sendAudio(audio)
}

// toolCallBuilder accumulates streamed function-call deltas: the name
// arrives once, the JSON arguments arrive in pieces.
type toolCallBuilder struct {
	name string
	args strings.Builder
}

func (b *toolCallBuilder) add(d *providers.ToolCallDelta) {
	if d.Name != "" {
		b.name = d.Name
	}
	b.args.WriteString(d.Arguments)
}

func (b *toolCallBuilder) pending() bool {
	return b.name != "" || b.args.Len() > 0
}

// runLookup handles a completed function call: speak a filler line,
// fetch the record, then run a summarization round over it. A failed
// lookup abandons only this branch; the turn still completes with a
// spoken apology.
func (c *Conn) runLookup(ctx context.Context, tool *toolCallBuilder, depth int) error {
	c.log.Info("function call requested",
		zap.String("name", tool.name), zap.String("arguments", tool.args.String()))
	c.speak(ctx, fillerText)

	record, err := c.resolveLookup(ctx, tool)
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorLookup).Inc()
		c.log.Warn("patient lookup failed", zap.Error(err))
		c.speak(ctx, apologyText)
		return nil
	}

	payload, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	prompt := fmt.Sprintf(
		"Summarize this result in simple language, keep it brief, remove all punctuation: %s",
		payload,
	)
	if err := c.store.AppendUserTurn(c.ID, prompt); err != nil {
		return err
	}
	return c.generate(ctx, depth+1)
}

// resolveLookup validates the accumulated call and fetches the record.
func (c *Conn) resolveLookup(ctx context.Context, tool *toolCallBuilder) (*providers.Record, error) {
	if tool.name != providers.ToolGetPatientInfo {
		return nil, fmt.Errorf("unknown function %q", tool.name)
	}

	var args struct {
		PatientCode string `json:"patient_code"`
	}
	if err := sonic.Unmarshal([]byte(tool.args.String()), &args); err != nil {
		return nil, fmt.Errorf("malformed function arguments: %w", err)
	}
	if args.PatientCode == "" {
		return nil, fmt.Errorf("function arguments missing patient_code")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()
	return c.deps.Lookup.FetchByCode(lookupCtx, args.PatientCode)
}

// speak synthesizes one canned line and forwards it immediately; used
// for the function-call filler and apology.
func (c *Conn) speak(ctx context.Context, text string) {
	ttsCtx, cancel := context.WithTimeout(ctx, c.opts.TTSTimeout)
	defer cancel()

	audio, err := c.deps.TTS.Synthesize(ttsCtx, sentence.Sanitize(text))
	if err != nil {
		metrics.CollaboratorErrors.WithLabelValues(metrics.CollaboratorTTS).Inc()
		c.log.Warn("failed to synthesize canned line", zap.Error(err))
		return
	}
	c.forwardAudio(audio)
}
