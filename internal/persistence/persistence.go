// Package persistence implements the conversation-history capability
// (spec §6): append_turn/get_history/get_user_profile/set_user_profile as
// an in-memory ring store with a batched flush path, grounded on the
// teacher's transcript.MemoryStore (ring buffer + RWMutex) and
// memory.Batcher (size/delay-triggered async flush).
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/jarvin-ai/listener/internal/trace"
)

// DefaultConversationID is used when callers omit a conversation_id.
const DefaultConversationID = "default"

const (
	defaultMaxTurns   = 500
	defaultBatchSize  = 20
	defaultFlushDelay = 5 * time.Second
)

// Turn is one entry in a conversation's history.
type Turn struct {
	Role      string // "user" or "assistant"
	Message   string
	Timestamp time.Time
}

// Sink receives batches of turns for durable storage; the core never
// performs SQL itself (spec §6) — a Sink implementation owns that.
type Sink interface {
	Flush(ctx context.Context, conversationID string, turns []Turn) error
}

// NoopSink discards batches; the default when no durable backend is wired.
type NoopSink struct{}

func (NoopSink) Flush(context.Context, string, []Turn) error { return nil }

// Store implements append_turn/get_history/get_user_profile/set_user_profile.
type Store struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	profile  map[string]string
	maxTurns int

	sink    Sink
	batch   map[string][]Turn
	batchMu sync.Mutex
	timer   *time.Timer
	flushAt time.Duration
	maxBatch int
	wg      sync.WaitGroup
}

// NewStore builds a Store with the given ring capacity per conversation.
// maxTurns <= 0 uses the default.
func NewStore(maxTurns int, sink Sink) *Store {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	if sink == nil {
		sink = NoopSink{}
	}
	return &Store{
		turns:    make(map[string][]Turn),
		profile:  make(map[string]string),
		maxTurns: maxTurns,
		sink:     sink,
		batch:    make(map[string][]Turn),
		flushAt:  defaultFlushDelay,
		maxBatch: defaultBatchSize,
	}
}

func resolveConversationID(conversationID string) string {
	if conversationID == "" {
		return DefaultConversationID
	}
	return conversationID
}

// AppendTurn records a turn and queues it for batched durable flush.
func (s *Store) AppendTurn(role, message, conversationID string) {
	id := resolveConversationID(conversationID)
	turn := Turn{Role: role, Message: message, Timestamp: time.Now()}

	s.mu.Lock()
	entries := append(s.turns[id], turn)
	if len(entries) > s.maxTurns {
		entries = entries[len(entries)-s.maxTurns:]
	}
	s.turns[id] = entries
	s.mu.Unlock()

	s.queueFlush(id, turn)
}

// GetHistory returns the ordered turns for a conversation.
func (s *Store) GetHistory(conversationID string) []Turn {
	id := resolveConversationID(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns[id]))
	copy(out, s.turns[id])
	return out
}

// GetUserProfile returns a copy of the user profile field map.
func (s *Store) GetUserProfile() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.profile))
	for k, v := range s.profile {
		out[k] = v
	}
	return out
}

// SetUserProfile merges fields into the user profile.
func (s *Store) SetUserProfile(fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.profile[k] = v
	}
}

// queueFlush accumulates a turn for batched flush, mirroring the teacher's
// memory.Batcher: flush on size threshold or after flushAt idle delay.
func (s *Store) queueFlush(conversationID string, turn Turn) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.batch[conversationID] = append(s.batch[conversationID], turn)
	if len(s.batch[conversationID]) >= s.maxBatch {
		s.flushLocked(conversationID)
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.flushAt, s.flushAll)
	} else {
		s.timer.Reset(s.flushAt)
	}
}

func (s *Store) flushAll() {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	for id := range s.batch {
		s.flushLocked(id)
	}
}

// flushLocked dispatches the pending batch for a conversation; caller must
// hold batchMu.
func (s *Store) flushLocked(conversationID string) {
	pending := s.batch[conversationID]
	if len(pending) == 0 {
		return
	}
	delete(s.batch, conversationID)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := trace.StartSpan(context.Background(), "persistence_flush")
		defer span.End()
		span.SetAttr("conversation_id", conversationID)
		span.SetAttr("count", len(pending))

		log := trace.Logger(ctx)
		if err := s.sink.Flush(ctx, conversationID, pending); err != nil {
			log.Warn("persistence flush failed", "error", err, "conversation_id", conversationID, "count", len(pending))
		} else {
			log.Debug("persistence flushed", "conversation_id", conversationID, "count", len(pending))
		}
	}()
}

// Close flushes any pending batches and waits for in-flight flushes.
func (s *Store) Close() {
	s.flushAll()
	s.wg.Wait()
}
