package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskchat/server/model"
	"taskchat/server/room"
	"taskchat/server/session"
	"taskchat/server/store"
)

// flakyStore wraps a MemoryStore and fails on demand.
type flakyStore struct {
	*store.MemoryStore
	mu          sync.Mutex
	failAppend  bool
	failHistory bool
}

func (f *flakyStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return model.ChatMessage{}, &store.PersistenceError{Op: store.OpAppend, Err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	}
	return f.MemoryStore.Append(ctx, msg)
}

func (f *flakyStore) FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	fail := f.failHistory
	f.mu.Unlock()
	if fail {
		return nil, &store.PersistenceError{Op: store.OpFetchHistory, Err: errors.New("dial tcp 10.0.0.7:6379: connection refused")}
	}
	return f.MemoryStore.FetchHistory(ctx, roomKey)
}

func newTestGateway(t *testing.T) (*Gateway, *flakyStore) {
	t.Helper()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, room.NewManager(), nil, logger, Options{QueueSize: 256}), st
}

// drain returns every event currently queued for s.
func drain(s *session.Session) []model.ServerEvent {
	var events []model.ServerEvent
	for {
		select {
		case ev, ok := <-s.Outbound():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func ofType(events []model.ServerEvent, typ string) []model.ServerEvent {
	var out []model.ServerEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func messageContents(events []model.ServerEvent) []string {
	var out []string
	for _, ev := range ofType(events, model.EventMessage) {
		out = append(out, ev.Message.Content)
	}
	return out
}

func TestGateway_TaskRoomScenario(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	b := g.Connect("Worker")

	require.NoError(t, g.JoinRoom(ctx, a, "task-17", "A", ""))
	require.NoError(t, g.JoinRoom(ctx, b, "task-17", "B", ""))
	assert.Equal(t, []string{"A", "B"}, g.Snapshot("task-17"))

	_, err := g.SendMessage(ctx, a, SendRequest{RoomKey: "task-17", From: "A", Content: "hello"})
	require.NoError(t, err)

	aEvents := drain(a)
	bEvents := drain(b)
	assert.Equal(t, []string{"hello"}, messageContents(aEvents))
	assert.Equal(t, []string{"hello"}, messageContents(bEvents))

	g.Disconnect(b)
	assert.Equal(t, []string{"A"}, g.Snapshot("task-17"))

	presence := ofType(drain(a), model.EventPresence)
	require.Len(t, presence, 1, "remaining member is told about the leave")
	assert.Equal(t, []string{"A"}, presence[0].Members)
}

func TestGateway_JoinOrderPresenceThenHistory(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-3", "A", ""))
	_, err := g.SendMessage(ctx, a, SendRequest{RoomKey: "task-3", From: "A", Content: "earlier"})
	require.NoError(t, err)
	drain(a)

	b := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, b, "task-3", "B", ""))

	events := drain(b)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventPresence, events[0].Type)
	assert.Equal(t, []string{"A", "B"}, events[0].Members)
	assert.Equal(t, model.EventHistory, events[1].Type)
	require.Len(t, events[1].Messages, 1)
	assert.Equal(t, "earlier", events[1].Messages[0].Content)

	// history goes to the joiner only
	aEvents := drain(a)
	assert.Empty(t, ofType(aEvents, model.EventHistory))
	assert.Len(t, ofType(aEvents, model.EventPresence), 1)
}

func TestGateway_JoinAnotherRoomMovesSession(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-1", "A", ""))
	require.NoError(t, g.JoinRoom(ctx, a, "task-2", "A", ""))

	assert.Empty(t, g.Snapshot("task-1"))
	assert.Equal(t, []string{"A"}, g.Snapshot("task-2"))
	assert.Equal(t, "task-2", a.Room())
	assert.NotContains(t, g.Rooms(), "task-1")

	// messages to the old room no longer reach a
	drain(a)
	_, err := g.SendMessage(ctx, a, SendRequest{RoomKey: "task-1", From: "A", Content: "stale"})
	require.NoError(t, err)
	assert.Empty(t, messageContents(drain(a)))
}

func TestGateway_JoinSameRoomTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-5", "A", ""))
	require.NoError(t, g.JoinRoom(ctx, a, "task-5", "A", ""))

	assert.Equal(t, []string{"A"}, g.Snapshot("task-5"))
	assert.Equal(t, map[string]int{"task-5": 1}, g.Rooms())
}

func TestGateway_LobbyScenario(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	b := g.Connect("")
	outsider := g.Connect("")
	require.NoError(t, g.JoinLobby(ctx, a, "A"))
	require.NoError(t, g.JoinLobby(ctx, b, "B"))
	require.NoError(t, g.JoinRoom(ctx, outsider, "task-1", "C", ""))
	drain(a)
	drain(b)
	drain(outsider)

	_, err := g.SendMessage(ctx, a, SendRequest{From: "A", Content: "first"})
	require.NoError(t, err)
	_, err = g.SendMessage(ctx, b, SendRequest{From: "B", Content: "second"})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, messageContents(drain(a)))
	assert.Equal(t, []string{"first", "second"}, messageContents(drain(b)))
	assert.Empty(t, drain(outsider), "room sessions are not lobby members")
	assert.Equal(t, map[string]int{"task-1": 1}, g.Rooms(), "lobby keeps no presence")
	assert.Equal(t, 2, g.Stats().Lobby)

	// a late lobby joiner gets the lobby history only
	c := g.Connect("")
	require.NoError(t, g.JoinLobby(ctx, c, "C2"))
	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventHistory, events[0].Type)
	assert.Len(t, events[0].Messages, 2)
}

func TestGateway_LobbyAndRoomAreExclusive(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-1", "A", ""))
	require.NoError(t, g.JoinLobby(ctx, a, "A"))
	assert.Empty(t, g.Snapshot("task-1"))
	assert.True(t, a.InLobby())

	require.NoError(t, g.JoinRoom(ctx, a, "task-1", "A", ""))
	assert.False(t, a.InLobby())
	assert.Zero(t, g.Stats().Lobby)
}

func TestGateway_PersistenceGatedBroadcast(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway(t)

	a := g.Connect("")
	b := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-8", "A", ""))
	require.NoError(t, g.JoinRoom(ctx, b, "task-8", "B", ""))
	drain(a)
	drain(b)

	st.mu.Lock()
	st.failAppend = true
	st.mu.Unlock()

	g.Dispatch(ctx, a, model.ClientEvent{
		Type:      model.EventSendMessage,
		RequestID: "req-1",
		RoomKey:   "task-8",
		From:      "A",
		Content:   "lost",
	})

	aEvents := drain(a)
	assert.Empty(t, messageContents(aEvents))
	errs := ofType(aEvents, model.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "req-1", errs[0].RequestID)
	assert.Equal(t, model.StatusError, errs[0].Status)
	assert.Equal(t, model.ErrorCodePersistence, errs[0].Error.Code)
	assert.Equal(t, "message could not be stored", errs[0].Error.Reason)
	assert.NotContains(t, errs[0].Error.Reason, "SQLITE_BUSY")

	assert.Empty(t, drain(b), "other members see nothing")

	_, err := g.SendMessage(ctx, a, SendRequest{RoomKey: "task-8", From: "A", Content: "lost"})
	var perr *store.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestGateway_NoDoubleEcho(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-4", "A", ""))
	_, err := g.SendMessage(ctx, a, SendRequest{RoomKey: "task-4", From: "A", Content: "mine"})
	require.NoError(t, err)

	var seen int
	for _, ev := range drain(a) {
		for _, m := range ev.Messages {
			if m.Content == "mine" {
				seen++
			}
		}
		if ev.Message != nil && ev.Message.Content == "mine" {
			seen++
		}
	}
	assert.Equal(t, 1, seen)
}

// gatedStore parks Append after the write, or FetchHistory before the read,
// until the test releases it.
type gatedStore struct {
	*store.MemoryStore
	mu           sync.Mutex
	appendParked chan struct{}
	appendGate   chan struct{}
	fetchParked  chan struct{}
	fetchGate    chan struct{}
}

func (s *gatedStore) gateAppend() (parked, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendParked, s.appendGate = make(chan struct{}), make(chan struct{})
	return s.appendParked, s.appendGate
}

func (s *gatedStore) gateFetch() (parked, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchParked, s.fetchGate = make(chan struct{}), make(chan struct{})
	return s.fetchParked, s.fetchGate
}

func (s *gatedStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	stored, err := s.MemoryStore.Append(ctx, msg)
	s.mu.Lock()
	parked, gate := s.appendParked, s.appendGate
	s.appendParked, s.appendGate = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(parked)
		<-gate
	}
	return stored, err
}

func (s *gatedStore) FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	parked, gate := s.fetchParked, s.fetchGate
	s.fetchParked, s.fetchGate = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(parked)
		<-gate
	}
	return s.MemoryStore.FetchHistory(ctx, roomKey)
}

func countMessage(events []model.ServerEvent, content string) int {
	n := 0
	for _, ev := range events {
		for _, m := range ev.Messages {
			if m.Content == content {
				n++
			}
		}
		if ev.Message != nil && ev.Message.Content == content {
			n++
		}
	}
	return n
}

func TestGateway_JoinOverlappingSendSeesMessageOnce(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, g *Gateway, st *gatedStore, sender, joiner *session.Session)
	}{
		{
			name: "stored before history fetch, broadcast after replay",
			run: func(t *testing.T, g *Gateway, st *gatedStore, sender, joiner *session.Session) {
				parked, release := st.gateAppend()
				sent := make(chan error, 1)
				go func() {
					_, err := g.SendMessage(context.Background(), sender, SendRequest{RoomKey: "task-9", From: "A", Content: "overlap"})
					sent <- err
				}()
				<-parked

				require.NoError(t, g.JoinRoom(context.Background(), joiner, "task-9", "J", ""))
				close(release)
				require.NoError(t, <-sent)
			},
		},
		{
			name: "stored and broadcast while history is fetched",
			run: func(t *testing.T, g *Gateway, st *gatedStore, sender, joiner *session.Session) {
				parked, release := st.gateFetch()
				joined := make(chan error, 1)
				go func() {
					joined <- g.JoinRoom(context.Background(), joiner, "task-9", "J", "")
				}()
				<-parked

				_, err := g.SendMessage(context.Background(), sender, SendRequest{RoomKey: "task-9", From: "A", Content: "overlap"})
				require.NoError(t, err)
				close(release)
				require.NoError(t, <-joined)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &gatedStore{MemoryStore: store.NewMemoryStore()}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			g := New(st, room.NewManager(), nil, logger, Options{QueueSize: 256})

			sender := g.Connect("")
			require.NoError(t, g.JoinRoom(context.Background(), sender, "task-9", "A", ""))
			joiner := g.Connect("")

			tt.run(t, g, st, sender, joiner)

			events := drain(joiner)
			assert.Equal(t, 1, countMessage(events, "overlap"), "joiner sees the message exactly once")
			assert.Equal(t, 1, countMessage(drain(sender), "overlap"))

			// later sends are still delivered live
			_, err := g.SendMessage(context.Background(), sender, SendRequest{RoomKey: "task-9", From: "A", Content: "after"})
			require.NoError(t, err)
			assert.Equal(t, []string{"after"}, messageContents(drain(joiner)))
		})
	}
}

func TestGateway_HistoryFailureOnJoin(t *testing.T) {
	ctx := context.Background()
	g, st := newTestGateway(t)
	st.failHistory = true

	a := g.Connect("")
	g.Dispatch(ctx, a, model.ClientEvent{Type: model.EventJoinRoom, RequestID: "j1", RoomKey: "task-6", Identity: "A"})

	events := drain(a)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventPresence, events[0].Type)
	assert.Equal(t, model.EventError, events[1].Type)
	assert.Equal(t, "j1", events[1].RequestID)
	assert.Equal(t, model.ErrorCodePersistence, events[1].Error.Code)
	assert.Equal(t, "history could not be loaded", events[1].Error.Reason)

	// membership itself succeeded
	assert.Equal(t, []string{"A"}, g.Snapshot("task-6"))

	err := g.JoinRoom(ctx, a, "task-6", "A", "")
	var perr *store.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestGateway_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		event model.ClientEvent
	}{
		{name: "unknown type", event: model.ClientEvent{Type: "shout"}},
		{name: "join without room", event: model.ClientEvent{Type: model.EventJoinRoom, Identity: "A"}},
		{name: "join without identity", event: model.ClientEvent{Type: model.EventJoinRoom, RoomKey: "task-1"}},
		{name: "lobby without identity", event: model.ClientEvent{Type: model.EventJoinLobby}},
		{name: "send without content", event: model.ClientEvent{Type: model.EventSendMessage, RoomKey: "task-1", From: "A"}},
		{name: "send blank content", event: model.ClientEvent{Type: model.EventSendMessage, RoomKey: "task-1", From: "A", Content: "   "}},
		{name: "send without from", event: model.ClientEvent{Type: model.EventSendMessage, RoomKey: "task-1", Content: "hi"}},
		{name: "send oversize content", event: model.ClientEvent{Type: model.EventSendMessage, RoomKey: "task-1", From: "A", Content: strings.Repeat("x", DefaultMaxContentLength+1)}},
		{name: "attachment without url", event: model.ClientEvent{Type: model.EventSendMessage, RoomKey: "task-1", From: "A", Content: "file", Attachment: &model.Attachment{Name: "a.png"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			g, st := newTestGateway(t)
			s := g.Connect("")

			tt.event.RequestID = "r"
			g.Dispatch(ctx, s, tt.event)

			events := drain(s)
			require.Len(t, events, 1)
			assert.Equal(t, model.EventError, events[0].Type)
			assert.Equal(t, model.ErrorCodeProtocol, events[0].Error.Code)
			assert.Equal(t, "r", events[0].RequestID)

			assert.Empty(t, g.Rooms(), "no state change")
			history, err := st.FetchHistory(ctx, "task-1")
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestGateway_ProtocolErrorIsWrapped(t *testing.T) {
	g, _ := newTestGateway(t)
	s := g.Connect("")

	_, err := g.SendMessage(context.Background(), s, SendRequest{RoomKey: "task-1", From: "A"})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestGateway_Ping(t *testing.T) {
	g, _ := newTestGateway(t)
	s := g.Connect("")

	g.Dispatch(context.Background(), s, model.ClientEvent{Type: model.EventPing, RequestID: "p"})

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventPong, events[0].Type)
	assert.Equal(t, "p", events[0].RequestID)
}

func TestGateway_DisconnectCleansUp(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	a := g.Connect("")
	l := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, a, "task-2", "A", ""))
	require.NoError(t, g.JoinLobby(ctx, l, "L"))

	g.Disconnect(a)
	g.Disconnect(a)
	g.Disconnect(l)

	assert.Empty(t, g.Snapshot("task-2"))
	assert.Equal(t, Stats{}, g.Stats())
	assert.True(t, a.Closed())

	// a disconnected session cannot rejoin and gets no events
	err := g.JoinRoom(ctx, a, "task-2", "A", "")
	assert.ErrorIs(t, err, errSessionClosed)
	g.Dispatch(ctx, a, model.ClientEvent{Type: model.EventJoinRoom, RoomKey: "task-2", Identity: "A"})
	assert.Empty(t, g.Snapshot("task-2"))
}

func TestGateway_SharedIdentityCollides(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	first := g.Connect("")
	second := g.Connect("")
	watcher := g.Connect("")
	require.NoError(t, g.JoinRoom(ctx, first, "task-1", "A", ""))
	require.NoError(t, g.JoinRoom(ctx, watcher, "task-1", "W", ""))
	drain(watcher)

	// the same identity joining elsewhere takes the presence with it
	require.NoError(t, g.JoinRoom(ctx, second, "task-2", "A", ""))
	assert.Equal(t, []string{"W"}, g.Snapshot("task-1"))
	assert.Equal(t, []string{"A"}, g.Snapshot("task-2"))

	presence := ofType(drain(watcher), model.EventPresence)
	require.Len(t, presence, 1)
	assert.Equal(t, []string{"W"}, presence[0].Members)

	// the first session's disconnect must not remove the moved identity
	g.Disconnect(first)
	assert.Equal(t, []string{"A"}, g.Snapshot("task-2"))
}

func TestGateway_RoleFallsBackToConnectRole(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)

	s := g.Connect("Director")
	require.NoError(t, g.JoinRoom(ctx, s, "task-1", "D", ""))
	assert.Equal(t, "Director", s.Role())

	require.NoError(t, g.JoinRoom(ctx, s, "task-1", "D", "Reviewer"))
	assert.Equal(t, "Reviewer", s.Role())

	assert.Equal(t, DefaultRole, g.Connect("").Role())
}

func TestGateway_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t)
	rooms := []string{"task-1", "task-2", "task-3"}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := g.Connect("")
			id := fmt.Sprintf("user-%d", i)
			go func() {
				for range s.Outbound() {
				}
			}()
			for j := 0; j < 20; j++ {
				roomKey := rooms[(i+j)%len(rooms)]
				g.Dispatch(ctx, s, model.ClientEvent{Type: model.EventJoinRoom, RoomKey: roomKey, Identity: id})
				g.Dispatch(ctx, s, model.ClientEvent{Type: model.EventSendMessage, RoomKey: roomKey, From: id, Content: "hi"})

				current := 0
				for _, r := range rooms {
					for _, m := range g.Snapshot(r) {
						if m == id {
							current++
						}
					}
				}
				assert.LessOrEqual(t, current, 1, "%s present in more than one room", id)
			}
			g.Disconnect(s)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, g.Rooms())
	assert.Equal(t, Stats{}, g.Stats())
}
