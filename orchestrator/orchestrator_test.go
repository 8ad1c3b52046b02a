package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicepipe/config"
	"voicepipe/messages"
	"voicepipe/providers"
	"voicepipe/session"
)

type inFrame struct {
	messageType int
	data        []byte
}

type outFrame struct {
	messageType int
	data        []byte
}

// fakeSocket stands in for a websocket connection: inbound frames are
// fed through a channel, outbound frames are recorded in order.
type fakeSocket struct {
	in        chan inFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	out []outFrame
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan inFrame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case fr, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return fr.messageType, fr.data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, outFrame{messageType, append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) sendText(data string) {
	f.in <- inFrame{websocket.TextMessage, []byte(data)}
}

func (f *fakeSocket) sendBinary(data []byte) {
	f.in <- inFrame{websocket.BinaryMessage, data}
}

// frames returns a snapshot of everything written so far.
func (f *fakeSocket) frames() []outFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outFrame(nil), f.out...)
}

// events decodes the JSON control frames written so far, in order.
func (f *fakeSocket) events(t *testing.T) []messages.Event {
	t.Helper()
	var evs []messages.Event
	for _, fr := range f.frames() {
		if fr.messageType != websocket.TextMessage {
			continue
		}
		var e messages.Event
		require.NoError(t, sonic.Unmarshal(fr.data, &e))
		evs = append(evs, e)
	}
	return evs
}

func (f *fakeSocket) eventCount(t *testing.T, eventType string) int {
	t.Helper()
	n := 0
	for _, e := range f.events(t) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// audioFrames returns the binary frames written so far, in order.
func (f *fakeSocket) audioFrames() []string {
	var audio []string
	for _, fr := range f.frames() {
		if fr.messageType == websocket.BinaryMessage {
			audio = append(audio, string(fr.data))
		}
	}
	return audio
}

type fakeSTT struct {
	text string
	err  error
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f.text, f.err
}

// fakeLLM replays one scripted chunk sequence per Stream call.
type fakeLLM struct {
	rounds [][]providers.StreamChunk
	delay  time.Duration

	mu   sync.Mutex
	call int
}

func (f *fakeLLM) Stream(ctx context.Context, history []session.Message) (<-chan providers.StreamChunk, error) {
	f.mu.Lock()
	round := f.call
	f.call++
	f.mu.Unlock()

	var chunks []providers.StreamChunk
	if round < len(f.rounds) {
		chunks = f.rounds[round]
	}

	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			if f.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

func textChunks(fragments ...string) []providers.StreamChunk {
	var out []providers.StreamChunk
	for _, fr := range fragments {
		out = append(out, providers.StreamChunk{Content: fr})
	}
	return out
}

type fakeTTS struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
	failOn map[string]bool
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	delay := f.delays[text]
	fail := f.failOn[text]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, errors.New("voice unavailable")
	}
	return []byte("AUDIO:" + text), nil
}

func (f *fakeTTS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLookup struct {
	rec *providers.Record
	err error

	mu      sync.Mutex
	gotCode string
}

func (f *fakeLookup) FetchByCode(ctx context.Context, code string) (*providers.Record, error) {
	f.mu.Lock()
	f.gotCode = code
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func testOptions() Options {
	return Options{
		STTTimeout:      2 * time.Second,
		LLMTimeout:      5 * time.Second,
		TTSTimeout:      2 * time.Second,
		LookupTimeout:   2 * time.Second,
		SynthQueueDepth: 2,
	}
}

func newTestConn(t *testing.T, deps Deps) (*Conn, *fakeSocket, *session.Store) {
	t.Helper()

	store := session.NewStore(&config.Config{
		RedisURL:       "localhost:1", // unreachable on purpose
		MaxSessions:    10,
		SessionTimeout: time.Hour,
		MaxBufferSize:  1 << 20,
	}, zap.NewNop())

	sock := newFakeSocket()
	conn, err := New(context.Background(), sock, store, deps, testOptions(), zap.NewNop())
	require.NoError(t, err)
	conn.Start()
	t.Cleanup(func() { conn.Close() })
	return conn, sock, store
}

// runUtterance feeds one audio frame and the stop signal, then waits
// for the turn to finish.
func runUtterance(t *testing.T, conn *Conn, sock *fakeSocket, store *session.Store) {
	t.Helper()
	sock.sendBinary([]byte("opus-frame"))
	sock.sendText(`{"action":"stop_recording"}`)

	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeProcessingComplete) == 1
	}, 3*time.Second, 10*time.Millisecond)

	processing, err := store.IsProcessing(conn.ID)
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestPingPong(t *testing.T) {
	_, sock, _ := newTestConn(t, Deps{
		STT: &fakeSTT{}, LLM: &fakeLLM{}, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	sock.sendText(`{"type":"ping"}`)
	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypePong) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedControlMessageIgnored(t *testing.T) {
	_, sock, _ := newTestConn(t, Deps{
		STT: &fakeSTT{}, LLM: &fakeLLM{}, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	sock.sendText(`{not json`)
	sock.sendText(`{"type":"ping"}`)

	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypePong) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, sock.eventCount(t, messages.TypeError))
}

func TestTurnDeliversAudioInSentenceOrder(t *testing.T) {
	// The first sentence synthesizes slower than the second; delivery
	// must still follow production order.
	tts := &fakeTTS{delays: map[string]time.Duration{
		"Hello there.": 150 * time.Millisecond,
	}}
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{
		textChunks("Hello", " there", ".", " How", " are", " you", "?"),
	}}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "hi"}, LLM: llm, TTS: tts, Lookup: &fakeLookup{},
	})

	runUtterance(t, conn, sock, store)

	assert.Equal(t, []string{"AUDIO:Hello there.", "AUDIO:How are you?"}, sock.audioFrames())

	assert.Equal(t, 1, sock.eventCount(t, messages.TypeTranscription))
	assert.Equal(t, 7, sock.eventCount(t, messages.TypeText))
	assert.Equal(t, 1, sock.eventCount(t, messages.TypeFirstAudioResponse))
	assert.Equal(t, 1, sock.eventCount(t, messages.TypeLatencyMetrics))
	assert.Zero(t, sock.eventCount(t, messages.TypeError))

	// first_audio_response precedes the first binary frame.
	firstAudioIdx, firstBinaryIdx := -1, -1
	textSeen := 0
	for i, fr := range sock.frames() {
		if fr.messageType == websocket.BinaryMessage {
			if firstBinaryIdx < 0 {
				firstBinaryIdx = i
			}
			continue
		}
		var e messages.Event
		require.NoError(t, sonic.Unmarshal(fr.data, &e))
		if e.Type == messages.TypeFirstAudioResponse && firstAudioIdx < 0 {
			firstAudioIdx = i
		}
		if e.Type == messages.TypeText {
			textSeen++
		}
	}
	require.GreaterOrEqual(t, firstAudioIdx, 0)
	require.GreaterOrEqual(t, firstBinaryIdx, 0)
	assert.Less(t, firstAudioIdx, firstBinaryIdx)

	// The full reply lands in history as one assistant message.
	history, err := store.History(conn.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, "Hello there. How are you?", last.Content)
}

func TestEmptyTranscriptionFailsTurn(t *testing.T) {
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "   "}, LLM: &fakeLLM{}, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	runUtterance(t, conn, sock, store)

	require.Equal(t, 1, sock.eventCount(t, messages.TypeError))
	assert.Zero(t, sock.eventCount(t, messages.TypeTranscription))
	assert.Zero(t, sock.eventCount(t, messages.TypeLatencyMetrics))

	for _, e := range sock.events(t) {
		if e.Type == messages.TypeError {
			assert.Contains(t, e.Message, "empty")
		}
	}
}

func TestTranscriptionFailureFailsTurn(t *testing.T) {
	conn, sock, store := newTestConn(t, Deps{
		STT:    &fakeSTT{err: errors.New("model not loaded")},
		LLM:    &fakeLLM{},
		TTS:    &fakeTTS{},
		Lookup: &fakeLookup{},
	})

	runUtterance(t, conn, sock, store)

	require.Equal(t, 1, sock.eventCount(t, messages.TypeError))
	assert.Zero(t, sock.eventCount(t, messages.TypeLatencyMetrics))
}

func TestSynthesisFailureSkipsOnlyThatSentence(t *testing.T) {
	tts := &fakeTTS{failOn: map[string]bool{"Hello there.": true}}
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{
		textChunks("Hello there.", " How are you?"),
	}}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "hi"}, LLM: llm, TTS: tts, Lookup: &fakeLookup{},
	})

	runUtterance(t, conn, sock, store)

	assert.Equal(t, []string{"AUDIO:How are you?"}, sock.audioFrames())
	assert.Zero(t, sock.eventCount(t, messages.TypeError))
	assert.Equal(t, 1, sock.eventCount(t, messages.TypeLatencyMetrics))
}

func TestInterruptStopsTurn(t *testing.T) {
	var chunks []providers.StreamChunk
	for i := 0; i < 50; i++ {
		chunks = append(chunks, providers.StreamChunk{Content: fmt.Sprintf("Sentence number %d.", i)})
	}
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{chunks}, delay: 30 * time.Millisecond}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "tell me everything"}, LLM: llm, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	sock.sendBinary([]byte("opus-frame"))
	sock.sendText(`{"action":"stop_recording"}`)

	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeText) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	// Second stop while processing interrupts the in-flight turn.
	sock.sendText(`{"action":"stop_recording"}`)

	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeProcessingComplete) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sock.eventCount(t, messages.TypeInterrupted))
	assert.Zero(t, sock.eventCount(t, messages.TypeLatencyMetrics))
	assert.Zero(t, sock.eventCount(t, messages.TypeError))

	processing, err := store.IsProcessing(conn.ID)
	require.NoError(t, err)
	assert.False(t, processing)

	// Generation has stopped; no further text arrives.
	seen := sock.eventCount(t, messages.TypeText)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, seen, sock.eventCount(t, messages.TypeText))
	assert.Less(t, seen, len(chunks))
}

func TestInterruptedSessionAcceptsNextTurn(t *testing.T) {
	llm := &fakeLLM{
		rounds: [][]providers.StreamChunk{
			textChunks("First.", " Second.", " Third.", " Fourth.", " Fifth."),
			textChunks("Fresh reply."),
		},
		delay: 40 * time.Millisecond,
	}
	_, sock, _ := newTestConn(t, Deps{
		STT: &fakeSTT{text: "hi"}, LLM: llm, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	sock.sendBinary([]byte("opus-frame"))
	sock.sendText(`{"action":"stop_recording"}`)
	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeText) >= 1
	}, 3*time.Second, 5*time.Millisecond)

	sock.sendText(`{"action":"stop_recording"}`)
	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeProcessingComplete) == 1
	}, 3*time.Second, 10*time.Millisecond)

	sock.sendBinary([]byte("opus-frame"))
	sock.sendText(`{"action":"stop_recording"}`)
	require.Eventually(t, func() bool {
		return sock.eventCount(t, messages.TypeProcessingComplete) == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, sock.eventCount(t, messages.TypeInterrupted))
}

func TestLookupFailureSpeaksApology(t *testing.T) {
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{
		{
			{ToolCall: &providers.ToolCallDelta{Name: providers.ToolGetPatientInfo, Arguments: `{"patient_`}},
			{ToolCall: &providers.ToolCallDelta{Arguments: `code":"P-404"}`}},
		},
	}}
	lookup := &fakeLookup{err: errors.New("no record")}
	tts := &fakeTTS{}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "details for P-404"}, LLM: llm, TTS: tts, Lookup: lookup,
	})

	runUtterance(t, conn, sock, store)

	// Filler then apology, and the turn still completes cleanly.
	audio := sock.audioFrames()
	require.Len(t, audio, 2)
	assert.True(t, strings.HasPrefix(audio[0], "AUDIO:Please wait"))
	assert.True(t, strings.HasPrefix(audio[1], "AUDIO:I am sorry"))
	assert.Zero(t, sock.eventCount(t, messages.TypeError))
	assert.Equal(t, 1, sock.eventCount(t, messages.TypeLatencyMetrics))
	assert.Equal(t, "P-404", lookup.gotCode)
}

func TestLookupSuccessRunsSummaryRound(t *testing.T) {
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{
		{
			{ToolCall: &providers.ToolCallDelta{Name: providers.ToolGetPatientInfo, Arguments: `{"patient_code":"P-42"}`}},
		},
		textChunks("Patient is stable."),
	}}
	lookup := &fakeLookup{rec: &providers.Record{
		PatientCode: "P-42",
		Summary:     "stable, follow up in two weeks",
	}}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "details for P-42"}, LLM: llm, TTS: &fakeTTS{}, Lookup: lookup,
	})

	runUtterance(t, conn, sock, store)

	audio := sock.audioFrames()
	require.Len(t, audio, 2)
	assert.True(t, strings.HasPrefix(audio[0], "AUDIO:Please wait"))
	assert.Equal(t, "AUDIO:Patient is stable.", audio[1])
	assert.Equal(t, "P-42", lookup.gotCode)
	assert.Equal(t, 1, sock.eventCount(t, messages.TypeLatencyMetrics))

	// The summarization round left its prompt and the reply in history.
	history, err := store.History(conn.ID)
	require.NoError(t, err)
	var sawPrompt bool
	for _, m := range history {
		if m.Role == session.RoleUser && strings.HasPrefix(m.Content, "Summarize this result") {
			sawPrompt = true
		}
	}
	assert.True(t, sawPrompt)
	assert.Equal(t, "Patient is stable.", history[len(history)-1].Content)
}

func TestMalformedToolArgumentsSpeakApology(t *testing.T) {
	llm := &fakeLLM{rounds: [][]providers.StreamChunk{
		{
			{ToolCall: &providers.ToolCallDelta{Name: providers.ToolGetPatientInfo, Arguments: `{"patient`}},
		},
	}}
	tts := &fakeTTS{}
	conn, sock, store := newTestConn(t, Deps{
		STT: &fakeSTT{text: "details"}, LLM: llm, TTS: tts, Lookup: &fakeLookup{},
	})

	runUtterance(t, conn, sock, store)

	audio := sock.audioFrames()
	require.Len(t, audio, 2)
	assert.True(t, strings.HasPrefix(audio[1], "AUDIO:I am sorry"))
	assert.Zero(t, sock.eventCount(t, messages.TypeError))
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _, _ := newTestConn(t, Deps{
		STT: &fakeSTT{}, LLM: &fakeLLM{}, TTS: &fakeTTS{}, Lookup: &fakeLookup{},
	})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
}
