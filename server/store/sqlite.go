package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskchat/server/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore persists messages in a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + filepath.ToSlash(filepath.Clean(path)) +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("sqlite message store ready", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(body)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	msg = stamp(msg)

	var roomKey, attURL, attName sql.NullString
	if msg.RoomKey != "" {
		roomKey = sql.NullString{String: msg.RoomKey, Valid: true}
	}
	if msg.Attachment != nil {
		attURL = sql.NullString{String: msg.Attachment.URL, Valid: true}
		attName = sql.NullString{String: msg.Attachment.Name, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_key, sender, content, created_at, display_time, attachment_url, attachment_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, roomKey, msg.From, msg.Content, msg.Timestamp.UnixNano(), msg.Time, attURL, attName,
	)
	if err != nil {
		return model.ChatMessage{}, persistErr(OpAppend, err)
	}
	return msg, nil
}

func (s *SQLiteStore) FetchHistory(ctx context.Context, roomKey string) ([]model.ChatMessage, error) {
	query := `SELECT id, room_key, sender, content, created_at, display_time, attachment_url, attachment_name
		FROM messages WHERE room_key = ? ORDER BY created_at ASC, seq ASC`
	args := []any{roomKey}
	if roomKey == "" {
		query = `SELECT id, room_key, sender, content, created_at, display_time, attachment_url, attachment_name
			FROM messages WHERE room_key IS NULL ORDER BY created_at ASC, seq ASC`
		args = nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(OpFetchHistory, err)
	}
	defer rows.Close()

	out := make([]model.ChatMessage, 0)
	for rows.Next() {
		var (
			msg             model.ChatMessage
			room            sql.NullString
			created         int64
			attURL, attName sql.NullString
		)
		if err := rows.Scan(&msg.ID, &room, &msg.From, &msg.Content, &created, &msg.Time, &attURL, &attName); err != nil {
			return nil, persistErr(OpFetchHistory, err)
		}
		msg.RoomKey = room.String
		msg.Timestamp = time.Unix(0, created).UTC()
		if attURL.Valid || attName.Valid {
			msg.Attachment = &model.Attachment{URL: attURL.String, Name: attName.String}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(OpFetchHistory, err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
