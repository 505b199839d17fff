// Package store persists chat messages and replays them in timestamp order.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"taskchat/server/model"
)

// Store is the durable message log shared by every session. Implementations
// must be safe for concurrent use.
type Store interface {
	// Append persists msg, filling Timestamp when it is zero, and returns
	// the stored message.
	Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error)
	// FetchHistory returns every message of roomKey ("" for the lobby),
	// ascending by timestamp with ties in append order. The result is
	// unbounded.
	FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error)
	Close() error
}

// PersistenceError operations
const (
	OpAppend       = "append"
	OpFetchHistory = "fetch history"
)

// PersistenceError reports a failed read or write against the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// stamp confirms the server-side timestamp and display time of msg.
func stamp(msg model.ChatMessage) model.ChatMessage {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.Time == "" {
		msg.Time = msg.Timestamp.Local().Format(model.TimeLayout)
	}
	return msg
}

// sortHistory orders msgs by timestamp, keeping append order for ties.
func sortHistory(msgs []model.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
