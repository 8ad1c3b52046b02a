// Package orchestrator drives one conversational session over a duplex
// connection: it consumes inbound frames, runs the per-turn pipeline
// (transcribe, generate, segment, synthesize) and streams events and
// audio back to the client.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicepipe/messages"
	"voicepipe/metrics"
	"voicepipe/providers"
	"voicepipe/session"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

// Deps bundles the external collaborators a turn needs.
type Deps struct {
	STT    providers.Transcriber
	LLM    providers.Completer
	TTS    providers.Synthesizer
	Lookup providers.RecordLookup
}

// Options carries the per-call bounds for a connection's turns.
type Options struct {
	STTTimeout      time.Duration
	LLMTimeout      time.Duration
	TTSTimeout      time.Duration
	LookupTimeout   time.Duration
	SynthQueueDepth int
}

// socket is the subset of *websocket.Conn the orchestrator needs.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// frame is one outbound wire frame: a JSON control event or binary audio.
type frame struct {
	binary bool
	data   []byte
}

// Conn owns one client connection and its session.
type Conn struct {
	ID string

	ws    socket
	store *session.Store
	deps  Deps
	opts  Options
	log   *zap.Logger

	writeChan chan frame
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu          sync.Mutex
	closed      bool
	turnCancel  context.CancelFunc
	interrupted bool
}

// New creates the session and the connection driver around it.
func New(ctx context.Context, ws socket, store *session.Store, deps Deps, opts Options, logger *zap.Logger) (*Conn, error) {
	id, err := store.Create(ctx)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:        id,
		ws:        ws,
		store:     store,
		deps:      deps,
		opts:      opts,
		log:       logger.With(zap.String("session", shortID(id))),
		writeChan: make(chan frame, writeBufferSize),
		CloseChan: make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
	}
	metrics.ActiveSessions.Inc()
	return c, nil
}

// Start begins the read and write pumps.
func (c *Conn) Start() {
	go c.writePump()
	go c.readLoop()
}

// writePump handles all outgoing frames in a single goroutine.
func (c *Conn) writePump() {
	defer func() {
		// Send close message before exiting
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-c.CloseChan:
			return
		case f := <-c.writeChan:
			if err := c.writeFrame(f); err != nil {
				return
			}
			// Drain whatever queued while we were writing.
			n := len(c.writeChan)
			for i := 0; i < n; i++ {
				select {
				case f := <-c.writeChan:
					if err := c.writeFrame(f); err != nil {
						return
					}
				default:
				}
			}
		}
	}
}

func (c *Conn) writeFrame(f frame) error {
	messageType := websocket.TextMessage
	if f.binary {
		messageType = websocket.BinaryMessage
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, f.data)
}

// queueFrame adds a frame to the write queue without blocking.
func (c *Conn) queueFrame(f frame) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.writeChan <- f:
	default:
		// Queue full, drop frame (shouldn't happen with proper sizing)
		c.log.Warn("write queue full, dropping frame")
	}
}

// sendEvent queues a JSON control event.
func (c *Conn) sendEvent(e *messages.Event) {
	data, err := e.Encode()
	if err != nil {
		c.log.Error("failed to encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	c.queueFrame(frame{data: data})
}

// sendAudio queues a binary audio frame.
func (c *Conn) sendAudio(data []byte) {
	c.queueFrame(frame{binary: true, data: data})
}

// readLoop consumes inbound frames until the connection drops.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.CloseChan:
			return
		default:
			messageType, data, err := c.ws.ReadMessage()
			if err != nil {
				return
			}

			if err := c.store.Touch(c.ID); errors.Is(err, session.ErrSessionNotFound) {
				c.log.Warn("session evicted, closing connection")
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				c.handleAudioFrame(data)
			case websocket.TextMessage:
				c.handleControlFrame(data)
			}
		}
	}
}

// handleAudioFrame buffers one recorded-audio frame of the utterance.
func (c *Conn) handleAudioFrame(data []byte) {
	c.log.Debug("buffering audio frame", zap.Int("bytes", len(data)))
	switch err := c.store.AppendAudio(c.ID, data); {
	case errors.Is(err, session.ErrBufferFull):
		c.sendEvent(messages.NewError("audio buffer full"))
	case err != nil:
		c.log.Warn("failed to buffer audio", zap.Error(err))
	}
}

// handleControlFrame dispatches one inbound JSON control message.
// A malformed message is logged and ignored; the connection stays open.
func (c *Conn) handleControlFrame(data []byte) {
	ctrl, err := messages.DecodeClientFrame(data)
	if err != nil {
		c.log.Warn("ignoring malformed control message", zap.Error(err))
		return
	}

	switch {
	case ctrl.Type == messages.TypePing:
		c.sendEvent(messages.NewPong())
	case ctrl.Action == messages.ActionStopRecording:
		c.handleStopRecording()
	default:
		c.log.Warn("unexpected control message",
			zap.String("type", ctrl.Type), zap.String("action", ctrl.Action))
	}
}

// handleStopRecording starts a turn, or interrupts the one in flight.
func (c *Conn) handleStopRecording() {
	turnID, err := c.store.BeginTurn(c.ID)
	switch {
	case errors.Is(err, session.ErrTurnInFlight):
		c.interrupt()
	case errors.Is(err, session.ErrSessionNotFound):
		c.log.Warn("stop_recording for unknown session")
	case err != nil:
		c.log.Error("failed to begin turn", zap.Error(err))
	default:
		turnCtx, cancel := context.WithCancel(c.ctx)
		c.mu.Lock()
		c.turnCancel = cancel
		c.interrupted = false
		c.mu.Unlock()
		go c.runTurn(turnCtx, turnID)
	}
}

// interrupt cancels the in-flight turn. The turn's finalization step
// emits the interrupted and processing_complete events.
func (c *Conn) interrupt() {
	c.mu.Lock()
	cancel := c.turnCancel
	if cancel != nil {
		c.interrupted = true
	}
	c.mu.Unlock()

	if cancel != nil {
		c.log.Info("interrupting in-flight turn")
		cancel()
	}
}

func (c *Conn) wasInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// Close tears the connection down once; safe to call from any goroutine.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.CloseChan)
	metrics.ActiveSessions.Dec()
	return c.ws.Close()
}

// IsClosed returns whether the connection has been torn down.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
