// Package session owns per-conversation state: history, pending audio,
// processing flags and latency checkpoints. It knows nothing about the
// transport or the collaborators.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicepipe/config"
)

// Conversation roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrSessionNotFound is returned for unknown or evicted session ids.
	// Callers must treat it as "abort the turn", never as a reason to
	// crash the connection.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTurnInFlight is returned by BeginTurn while a turn is processing.
	ErrTurnInFlight = errors.New("turn already in flight")

	// ErrBufferFull is returned when pending audio exceeds the limit.
	ErrBufferFull = errors.New("audio buffer full")

	// ErrTooManySessions is returned when the session cap is reached.
	ErrTooManySessions = errors.New("maximum sessions reached")
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// state is the per-session record. All access goes through Store.
type state struct {
	history        []Message
	turnCounter    int
	audio          audioBuffer
	isProcessing   bool
	firstAudioSent bool
	latency        Checkpoints
	lastActivity   time.Time
}

// audioBuffer accumulates the recorded-audio frames of the current
// utterance until the turn takes them. Frames accumulate rather than
// replace each other, so a multi-frame utterance survives intact.
type audioBuffer struct {
	chunks  [][]byte
	total   int
	maxSize int
}

func (b *audioBuffer) append(chunk []byte) error {
	if b.total+len(chunk) > b.maxSize {
		return ErrBufferFull
	}
	b.chunks = append(b.chunks, chunk)
	b.total += len(chunk)
	return nil
}

// take concatenates all frames in arrival order and clears the buffer.
func (b *audioBuffer) take() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	out := make([]byte, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	b.chunks = nil
	b.total = 0
	return out
}

// Store is the injected, explicitly-owned session registry. It is safe
// for concurrent use from many connections; every operation is keyed by
// session id. Session metadata is mirrored to Redis when available.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	redis    *redis.Client
	cfg      *config.Config
	log      *zap.Logger
}

// NewStore builds a Store and probes the configured Redis. Redis being
// unreachable is not fatal; the store then runs in-memory only.
func NewStore(cfg *config.Config, logger *zap.Logger) *Store {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, session metadata will not be mirrored", zap.Error(err))
		redisClient = nil
	}

	return &Store{
		sessions: make(map[string]*state),
		redis:    redisClient,
		cfg:      cfg,
		log:      logger,
	}
}

// Create registers a new session seeded with the system directive and
// returns its id.
func (s *Store) Create(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.cfg.MaxSessions {
		return "", ErrTooManySessions
	}

	id := uuid.New().String()
	s.sessions[id] = &state{
		history:      []Message{{Role: RoleSystem, Content: DefaultSystemPrompt}},
		audio:        audioBuffer{maxSize: s.cfg.MaxBufferSize},
		lastActivity: time.Now(),
	}

	if s.redis != nil {
		now := time.Now().Format(time.RFC3339)
		s.redis.HSet(ctx, "session:"+id, map[string]interface{}{
			"created_at":    now,
			"last_activity": now,
			"status":        "active",
		})
		s.redis.SAdd(ctx, "active_sessions", id)
		s.redis.Expire(ctx, "session:"+id, s.cfg.SessionTimeout)
	}

	return id, nil
}

// get must be called with s.mu held.
func (s *Store) get(id string) (*state, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// History returns a copy of the conversation so far.
func (s *Store) History(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(sess.history))
	copy(out, sess.history)
	return out, nil
}

// AppendUserTurn appends a transcribed user utterance to history.
func (s *Store) AppendUserTurn(id, text string) error {
	return s.appendTurn(id, RoleUser, text)
}

// AppendAssistantTurn appends a completed assistant response to history.
func (s *Store) AppendAssistantTurn(id, text string) error {
	return s.appendTurn(id, RoleAssistant, text)
}

func (s *Store) appendTurn(id, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.history = append(sess.history, Message{Role: role, Content: text})
	sess.turnCounter++
	sess.lastActivity = time.Now()
	return nil
}

// TurnCounter returns the number of appended user/assistant turns.
func (s *Store) TurnCounter(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return sess.turnCounter, nil
}

// BeginTurn atomically claims the session for a new turn: it fails with
// ErrTurnInFlight if one is already processing, otherwise sets the
// processing flag, clears the first-audio gate and resets the latency
// checkpoints with TurnStart = now. It returns the turn counter for
// correlating per-turn artifacts.
func (s *Store) BeginTurn(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if sess.isProcessing {
		return 0, ErrTurnInFlight
	}
	sess.isProcessing = true
	sess.firstAudioSent = false
	sess.latency = Checkpoints{TurnStart: time.Now()}
	sess.lastActivity = time.Now()
	return sess.turnCounter, nil
}

// SetProcessing sets the in-flight flag. Turn finalization always calls
// SetProcessing(id, false) exactly once per turn.
func (s *Store) SetProcessing(id string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.isProcessing = v
	return nil
}

// IsProcessing reports whether a turn is currently in flight.
func (s *Store) IsProcessing(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return false, err
	}
	return sess.isProcessing, nil
}

// MarkFirstAudioSent flips the first-audio gate and reports whether this
// call was the one that flipped it.
func (s *Store) MarkFirstAudioSent(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return false, err
	}
	if sess.firstAudioSent {
		return false, nil
	}
	sess.firstAudioSent = true
	return true, nil
}

// Checkpoint records a named milestone at the current time.
func (s *Store) Checkpoint(id string, name CheckpointName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.latency.Set(name, time.Now())
	return nil
}

// Metrics derives the latency report for the current turn.
func (s *Store) Metrics(id string) (Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.get(id)
	if err != nil {
		return Metrics{}, err
	}
	return sess.latency.Metrics(), nil
}

// AppendAudio adds a recorded-audio frame to the pending utterance.
func (s *Store) AppendAudio(id string, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.lastActivity = time.Now()
	return sess.audio.append(chunk)
}

// TakeAudio drains and returns the pending utterance audio.
func (s *Store) TakeAudio(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sess.audio.take(), nil
}

// Touch refreshes the activity timestamp used by idle eviction.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.lastActivity = time.Now()
	return nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Remove deletes a session and its Redis mirror.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.dropMirror(ctx, id)
}

// EvictIdle removes sessions whose last activity is older than maxAge.
// Sessions with a turn in flight are skipped; eviction is advisory
// housekeeping and catches them on a later pass.
func (s *Store) EvictIdle(ctx context.Context, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, sess := range s.sessions {
		if sess.isProcessing {
			continue
		}
		if now.Sub(sess.lastActivity) > maxAge {
			delete(s.sessions, id)
			s.dropMirror(ctx, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("evicted idle sessions", zap.Int("count", evicted))
	}
	return evicted
}

// StartEvictionLoop runs periodic idle eviction until ctx is cancelled.
func (s *Store) StartEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictIdle(ctx, s.cfg.SessionTimeout)
		}
	}
}

// dropMirror must be called with s.mu held.
func (s *Store) dropMirror(ctx context.Context, id string) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, "session:"+id)
	s.redis.SRem(ctx, "active_sessions", id)
}

// Shutdown drops all sessions and closes the Redis connection.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id := range s.sessions {
		delete(s.sessions, id)
		s.dropMirror(ctx, id)
	}
	if s.redis != nil {
		s.redis.Close()
	}
}
