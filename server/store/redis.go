package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"taskchat/server/model"
)

const lobbyStream = "lobby"

// RedisStore keeps one Redis stream per room (plus one for the lobby). Stream
// entry IDs preserve append order; reads are stable-sorted by timestamp.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore wraps an existing client. prefix namespaces every stream key.
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	s := NewRedisStore(client, prefix, logger)
	s.logger.Info("redis message store ready", "addr", addr, "prefix", prefix)
	return s, nil
}

func (s *RedisStore) streamKey(roomKey string) string {
	if roomKey == "" {
		return s.prefix + lobbyStream
	}
	return s.prefix + "room:" + roomKey
}

func (s *RedisStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	msg = stamp(msg)

	values := map[string]interface{}{
		"id":      msg.ID,
		"room":    msg.RoomKey,
		"from":    msg.From,
		"content": msg.Content,
		"ts":      strconv.FormatInt(msg.Timestamp.UnixNano(), 10),
		"time":    msg.Time,
	}
	if msg.Attachment != nil {
		values["attachment_url"] = msg.Attachment.URL
		values["attachment_name"] = msg.Attachment.Name
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(msg.RoomKey),
		Values: values,
	}).Err()
	if err != nil {
		return model.ChatMessage{}, persistErr(OpAppend, err)
	}
	return msg, nil
}

func (s *RedisStore) FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error) {
	entries, err := s.client.XRange(ctx, s.streamKey(roomKey), "-", "+").Result()
	if err != nil {
		return nil, persistErr(OpFetchHistory, err)
	}

	out := make([]model.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		msg, err := decodeEntry(entry)
		if err != nil {
			s.logger.Warn("skipping malformed stream entry", "stream", s.streamKey(roomKey), "entry", entry.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	sortHistory(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeEntry(entry redis.XMessage) (model.ChatMessage, error) {
	field := func(name string) string {
		v, _ := entry.Values[name].(string)
		return v
	}

	nanos, err := strconv.ParseInt(field("ts"), 10, 64)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("parse ts: %w", err)
	}

	msg := model.ChatMessage{
		ID:        field("id"),
		RoomKey:   field("room"),
		From:      field("from"),
		Content:   field("content"),
		Timestamp: time.Unix(0, nanos).UTC(),
		Time:      field("time"),
	}
	if url, name := field("attachment_url"), field("attachment_name"); url != "" || name != "" {
		msg.Attachment = &model.Attachment{URL: url, Name: name}
	}
	return msg, nil
}
