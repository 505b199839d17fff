// Package gateway implements the chat protocol state machine: sessions join
// task rooms or the lobby, receive presence and history, and send messages
// that are persisted before they are broadcast.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"taskchat/server/model"
	"taskchat/server/presence"
	"taskchat/server/room"
	"taskchat/server/session"
	"taskchat/server/store"
)

const (
	DefaultRole             = "User"
	DefaultMaxContentLength = 4000
)

var errSessionClosed = errors.New("session is disconnected")

// Options tunes a Gateway. Zero values select the defaults.
type Options struct {
	MaxContentLength int
	QueueSize        int
	Clock            func() time.Time
}

// SendRequest is the payload of a sendMessage event. An empty RoomKey
// targets the lobby.
type SendRequest struct {
	RoomKey    string
	From       string
	Content    string
	Attachment *model.Attachment
}

// Stats is a point-in-time view of live gateway state.
type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
	Lobby    int `json:"lobby"`
}

// Gateway coordinates sessions, room membership and the message store.
// Membership changes and fan-out happen under mu; store calls do not.
type Gateway struct {
	store    store.Store
	registry *room.Manager
	notifier *presence.Notifier
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	sessions map[string]*session.Session
	rooms    map[string]map[string]*session.Session // roomKey -> session id -> session
	lobby    *lobby
}

func New(st store.Store, registry *room.Manager, notifier *presence.Notifier, logger *slog.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = presence.NewNotifier(logger)
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Gateway{
		store:    st,
		registry: registry,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*session.Session),
		rooms:    make(map[string]map[string]*session.Session),
		lobby:    newLobby(),
	}
}

// Connect registers a new session in the Connected(no room) state.
func (g *Gateway) Connect(role string) *session.Session {
	if role == "" {
		role = DefaultRole
	}
	s := session.New(role, g.opts.QueueSize)

	g.mu.Lock()
	g.sessions[s.ID()] = s
	g.mu.Unlock()

	g.logger.Info("session connected", "session", s.ID(), "role", role)
	return s
}

// JoinRoom moves s into roomKey under identity, broadcasts the room's new
// presence snapshot and replays the room history to s alone.
func (g *Gateway) JoinRoom(ctx context.Context, s *session.Session, roomKey, identity, role string) error {
	return g.joinRoom(ctx, s, "", roomKey, identity, role)
}

func (g *Gateway) joinRoom(ctx context.Context, s *session.Session, requestID, roomKey, identity, role string) error {
	if roomKey == "" {
		return protocolErr("roomKey is required")
	}
	if strings.TrimSpace(identity) == "" {
		return protocolErr("identity is required")
	}
	if role == "" {
		role = s.Role()
	}

	g.mu.Lock()
	if _, ok := g.sessions[s.ID()]; !ok {
		g.mu.Unlock()
		return errSessionClosed
	}

	if s.Room() != roomKey || s.Identity() != identity {
		g.leaveRoomLocked(s)
	}
	if g.lobby.remove(s) {
		s.SetLobby(false)
	}

	// Membership is keyed by identity: another session holding the same
	// identity elsewhere loses that presence here.
	vacated, held := g.registry.RoomOf(identity)
	members := g.registry.Join(roomKey, identity)
	if held && vacated != roomKey {
		g.notifyLocked(vacated)
	}

	s.SetIdentity(identity)
	s.SetRole(role)
	s.SetRoom(roomKey)
	sessions, ok := g.rooms[roomKey]
	if !ok {
		sessions = make(map[string]*session.Session)
		g.rooms[roomKey] = sessions
	}
	sessions[s.ID()] = s

	s.BeginReplay()
	g.notifier.Notify(roomKey, members, g.recipientsLocked(roomKey))
	g.mu.Unlock()

	logger := g.logger.With("session", s.ID(), "room", roomKey, "identity", identity, "role", role)
	if strings.Contains(role, "Director") {
		logger.Info("director joined room")
	} else {
		logger.Info("joined room", "members", len(members))
	}

	history, err := g.store.FetchHistory(ctx, roomKey)
	if err != nil {
		logger.Error("fetch room history failed", "error", err)
		endReplay(logger, s, errorEvent(requestID, err))
		return &reportedError{err}
	}
	endReplay(logger, s, model.NewHistory(roomKey, history))
	return nil
}

// JoinLobby moves s into the lobby and replays lobby history to it. The lobby
// has no presence list.
func (g *Gateway) JoinLobby(ctx context.Context, s *session.Session, identity string) error {
	return g.joinLobby(ctx, s, "", identity)
}

func (g *Gateway) joinLobby(ctx context.Context, s *session.Session, requestID, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return protocolErr("identity is required")
	}

	g.mu.Lock()
	if _, ok := g.sessions[s.ID()]; !ok {
		g.mu.Unlock()
		return errSessionClosed
	}
	g.leaveRoomLocked(s)
	s.SetIdentity(identity)
	s.SetLobby(true)
	g.lobby.add(s)
	s.BeginReplay()
	g.mu.Unlock()

	logger := g.logger.With("session", s.ID(), "identity", identity)
	logger.Info("joined lobby")

	history, err := g.store.FetchHistory(ctx, "")
	if err != nil {
		logger.Error("fetch lobby history failed", "error", err)
		endReplay(logger, s, errorEvent(requestID, err))
		return &reportedError{err}
	}
	endReplay(logger, s, model.NewHistory("", history))
	return nil
}

// endReplay hands the replay result to s and logs anything its queue dropped.
func endReplay(logger *slog.Logger, s *session.Session, ev model.ServerEvent) {
	if dropped := s.EndReplay(ev); dropped > 0 {
		logger.Warn("replay dropped for slow session", "event", ev.Type, "dropped", dropped)
	}
}

// SendMessage persists a message and, only once it is stored, broadcasts it
// to the target room (or every lobby session when RoomKey is empty).
// A store failure is returned to the caller and nothing is broadcast.
func (g *Gateway) SendMessage(ctx context.Context, s *session.Session, req SendRequest) (model.ChatMessage, error) {
	if err := g.validateSend(req); err != nil {
		return model.ChatMessage{}, err
	}

	msg := model.ChatMessage{
		ID:         uuid.NewString(),
		RoomKey:    req.RoomKey,
		From:       req.From,
		Content:    req.Content,
		Timestamp:  g.opts.Clock(),
		Attachment: req.Attachment,
	}

	stored, err := g.store.Append(ctx, msg)
	if err != nil {
		g.logger.Warn("message not persisted", "session", s.ID(), "room", req.RoomKey, "from", req.From, "error", err)
		return model.ChatMessage{}, err
	}

	ev := model.NewMessage(stored)
	dropped := 0

	g.mu.Lock()
	if stored.RoomKey == "" {
		for _, member := range g.lobby.members() {
			if !member.Deliver(ev) {
				dropped++
			}
		}
	} else {
		for _, member := range g.rooms[stored.RoomKey] {
			if !member.Deliver(ev) {
				dropped++
			}
		}
	}
	g.mu.Unlock()

	if dropped > 0 {
		g.logger.Warn("message dropped for slow sessions", "room", stored.RoomKey, "message", stored.ID, "dropped", dropped)
	}
	return stored, nil
}

func (g *Gateway) validateSend(req SendRequest) error {
	if strings.TrimSpace(req.From) == "" {
		return protocolErr("from is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return protocolErr("content is required")
	}
	if n := utf8.RuneCountInString(req.Content); n > g.opts.MaxContentLength {
		return protocolErr("content must be at most %d characters, got %d", g.opts.MaxContentLength, n)
	}
	if req.Attachment != nil && req.Attachment.URL == "" {
		return protocolErr("attachment url is required")
	}
	return nil
}

// Disconnect removes s from its room and the lobby and closes it. It is safe
// to call more than once.
func (g *Gateway) Disconnect(s *session.Session) {
	g.mu.Lock()
	_, live := g.sessions[s.ID()]
	if live {
		delete(g.sessions, s.ID())
		g.leaveRoomLocked(s)
		g.lobby.remove(s)
	}
	s.Close()
	g.mu.Unlock()

	if live {
		g.logger.Info("session disconnected", "session", s.ID(), "identity", s.Identity())
	}
}

// Dispatch routes one inbound event. Failures are reported to s as an error
// event and never affect other sessions.
func (g *Gateway) Dispatch(ctx context.Context, s *session.Session, ev model.ClientEvent) {
	var err error
	switch ev.Type {
	case model.EventJoinRoom:
		err = g.joinRoom(ctx, s, ev.RequestID, ev.RoomKey, ev.Identity, ev.Role)
	case model.EventJoinLobby:
		err = g.joinLobby(ctx, s, ev.RequestID, ev.Identity)
	case model.EventSendMessage:
		_, err = g.SendMessage(ctx, s, SendRequest{
			RoomKey:    ev.RoomKey,
			From:       ev.From,
			Content:    ev.Content,
			Attachment: ev.Attachment,
		})
	case model.EventPing:
		s.Deliver(model.NewPong(ev.RequestID))
	default:
		err = protocolErr("unknown event type %q", ev.Type)
	}

	var reported *reportedError
	if err == nil || errors.As(err, &reported) || errors.Is(err, errSessionClosed) {
		return
	}
	s.Deliver(errorEvent(ev.RequestID, err))
}

// Snapshot returns the identities currently present in roomKey.
func (g *Gateway) Snapshot(roomKey string) []string {
	return g.registry.Snapshot(roomKey)
}

// Rooms returns the member count of every live room.
func (g *Gateway) Rooms() map[string]int {
	return g.registry.Rooms()
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Sessions: len(g.sessions),
		Rooms:    len(g.registry.Rooms()),
		Lobby:    g.lobby.len(),
	}
}

// leaveRoomLocked takes s out of its current room and tells the remaining
// members. Callers hold g.mu.
func (g *Gateway) leaveRoomLocked(s *session.Session) {
	prev := s.Room()
	if prev == "" {
		return
	}
	g.registry.Leave(prev, s.Identity())
	if sessions, ok := g.rooms[prev]; ok {
		delete(sessions, s.ID())
		if len(sessions) == 0 {
			delete(g.rooms, prev)
		}
	}
	s.ClearRoom()

	g.logger.Info("left room", "session", s.ID(), "room", prev, "identity", s.Identity())
	g.notifyLocked(prev)
}

// notifyLocked sends the current snapshot of roomKey to its sessions, unless
// the room is gone.
func (g *Gateway) notifyLocked(roomKey string) {
	members := g.registry.Snapshot(roomKey)
	if len(members) == 0 {
		return
	}
	g.notifier.Notify(roomKey, members, g.recipientsLocked(roomKey))
}

func (g *Gateway) recipientsLocked(roomKey string) []presence.Recipient {
	sessions := g.rooms[roomKey]
	out := make([]presence.Recipient, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// reportedError wraps an error that has already been sent to the session.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() error { return e.err }
