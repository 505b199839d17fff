package model

import "time"

// Client event types
const (
	EventJoinRoom    = "joinRoom"
	EventJoinLobby   = "joinLobby"
	EventSendMessage = "sendMessage"
	EventPing        = "ping"
)

// Server event types
const (
	EventPresence = "presence"
	EventHistory  = "history"
	EventMessage  = "message"
	EventError    = "error"
	EventPong     = "pong"
)

// Status values carried on every server event
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Error codes carried in ErrorBody.Code
const (
	ErrorCodeProtocol    = "protocol"
	ErrorCodePersistence = "persistence"
)

// TimeLayout is the display layout stored in ChatMessage.Time.
const TimeLayout = "15:04:05"

// Attachment references a file uploaded out of band.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// ChatMessage is a durable chat record. An empty RoomKey marks a lobby message.
type ChatMessage struct {
	ID         string      `json:"id"`
	RoomKey    string      `json:"roomKey,omitempty"`
	From       string      `json:"from"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Time       string      `json:"time,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ClientEvent is the inbound frame sent by a connected client.
type ClientEvent struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"requestId,omitempty"`
	RoomKey    string      `json:"roomKey,omitempty"`
	Identity   string      `json:"identity,omitempty"`
	Role       string      `json:"role,omitempty"`
	From       string      `json:"from,omitempty"`
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ErrorBody describes why an inbound event was rejected.
type ErrorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// ServerEvent is the outbound frame written to a client.
type ServerEvent struct {
	Type            string        `json:"type"`
	RequestID       string        `json:"requestId,omitempty"`
	Status          string        `json:"status"` // "OK" or "ERROR"
	RoomKey         string        `json:"roomKey,omitempty"`
	Members         []string      `json:"members,omitempty"`
	Messages        []ChatMessage `json:"messages,omitempty"`
	Message         *ChatMessage  `json:"message,omitempty"`
	Error           *ErrorBody    `json:"error,omitempty"`
	ServerTimestamp time.Time     `json:"serverTimestamp"`
}

// NewPresence builds a presence event for a room snapshot.
func NewPresence(roomKey string, members []string) ServerEvent {
	return ServerEvent{
		Type:            EventPresence,
		Status:          StatusOK,
		RoomKey:         roomKey,
		Members:         members,
		ServerTimestamp: time.Now(),
	}
}

// NewHistory builds a history event. Messages is never nil so an empty
// history still encodes as a list.
func NewHistory(roomKey string, messages []ChatMessage) ServerEvent {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return ServerEvent{
		Type:            EventHistory,
		Status:          StatusOK,
		RoomKey:         roomKey,
		Messages:        messages,
		ServerTimestamp: time.Now(),
	}
}

func NewMessage(msg ChatMessage) ServerEvent {
	return ServerEvent{
		Type:            EventMessage,
		Status:          StatusOK,
		RoomKey:         msg.RoomKey,
		Message:         &msg,
		ServerTimestamp: time.Now(),
	}
}

func NewError(requestID, code, reason string) ServerEvent {
	return ServerEvent{
		Type:            EventError,
		RequestID:       requestID,
		Status:          StatusError,
		Error:           &ErrorBody{Code: code, Reason: reason},
		ServerTimestamp: time.Now(),
	}
}

func NewPong(requestID string) ServerEvent {
	return ServerEvent{
		Type:            EventPong,
		RequestID:       requestID,
		Status:          StatusOK,
		ServerTimestamp: time.Now(),
	}
}
