package store

import (
	"context"
	"sync"

	"taskchat/server/model"
)

// MemoryStore keeps messages in process memory. Contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]model.ChatMessage // roomKey ("" = lobby) -> log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]model.ChatMessage),
	}
}

func (s *MemoryStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatMessage{}, persistErr(OpAppend, err)
	}
	msg = stamp(msg)

	s.mu.Lock()
	s.messages[msg.RoomKey] = append(s.messages[msg.RoomKey], msg)
	s.mu.Unlock()

	return msg, nil
}

func (s *MemoryStore) FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistErr(OpFetchHistory, err)
	}

	s.mu.RLock()
	log := s.messages[roomKey]
	out := make([]model.ChatMessage, len(log))
	copy(out, log)
	s.mu.RUnlock()

	sortHistory(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
