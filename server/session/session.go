package session

import (
	"sync"

	"github.com/google/uuid"

	"taskchat/server/model"
)

// DefaultQueueSize is the outbound buffer used when New is given no size.
const DefaultQueueSize = 64

// Session holds the state of one live connection. Identity and room are only
// mutated from the connection's own dispatch path; delivery may happen from
// any goroutine.
type Session struct {
	id string

	mu        sync.Mutex
	identity  string
	role      string
	room      string
	lobby     bool
	closed    bool
	replaying bool
	pending   []model.ServerEvent
	replayed  map[string]struct{} // ids in the last history event
	out       chan model.ServerEvent
}

// New creates a session with a fresh id and an outbound queue of queueSize.
func New(role string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		id:   uuid.NewString(),
		role: role,
		out:  make(chan model.ServerEvent, queueSize),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) SetIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) SetRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// Room returns the current room key, or "" when the session is in no room.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) SetRoom(roomKey string) {
	s.mu.Lock()
	s.room = roomKey
	s.mu.Unlock()
}

func (s *Session) ClearRoom() { s.SetRoom("") }

func (s *Session) InLobby() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobby
}

func (s *Session) SetLobby(in bool) {
	s.mu.Lock()
	s.lobby = in
	s.mu.Unlock()
}

// Outbound is drained by the transport write loop. It is closed by Close.
func (s *Session) Outbound() <-chan model.ServerEvent { return s.out }

// Deliver enqueues ev without blocking. It reports false when the session is
// closed or its queue is full, in which case the event is dropped.
// While a replay is in progress, message events are held back until EndReplay.
// A message already sent in the last history event is skipped and reported as
// delivered.
func (s *Session) Deliver(ev model.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if ev.Type == model.EventMessage {
		if s.replaying {
			s.pending = append(s.pending, ev)
			return true
		}
		if ev.Message != nil {
			if _, dup := s.replayed[ev.Message.ID]; dup {
				return true
			}
		}
	}
	return s.enqueueLocked(ev)
}

// BeginReplay starts holding live messages back while history is fetched.
func (s *Session) BeginReplay() {
	s.mu.Lock()
	s.replaying = true
	s.pending = nil
	s.replayed = nil
	s.mu.Unlock()
}

// EndReplay delivers ev (a history or error event), then releases the held
// messages, skipping any already contained in ev.Messages. It returns how many
// events were dropped on a full queue.
func (s *Session) EndReplay(ev model.ServerEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	s.replaying = false
	if s.closed {
		return 0
	}

	seen := make(map[string]struct{}, len(ev.Messages))
	for _, m := range ev.Messages {
		seen[m.ID] = struct{}{}
	}
	s.replayed = seen

	dropped := 0
	if !s.enqueueLocked(ev) {
		dropped++
	}
	for _, held := range pending {
		if held.Message != nil {
			if _, dup := seen[held.Message.ID]; dup {
				continue
			}
		}
		if !s.enqueueLocked(held) {
			dropped++
		}
	}
	return dropped
}

// Close stops delivery and closes the outbound queue. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	s.replayed = nil
	close(s.out)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) enqueueLocked(ev model.ServerEvent) bool {
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}
