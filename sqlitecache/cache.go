// Package sqlitecache is an on-disk coursechat.MessageCache. It keeps the
// server-confirmed messages of each channel so the newest page can still be
// shown while the history endpoint is unreachable.
package sqlitecache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/learnloop/coursechat"
	_ "github.com/mattn/go-sqlite3"
)

// Cache is a MessageCache backed by SQLite.
type Cache struct {
	db *sql.DB
}

// Open opens or creates the cache database at path. ":memory:" gives a
// private in-memory cache.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cached_messages (
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			delivery_status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (channel_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_channel
			ON cached_messages(channel_id, created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// SaveMessages upserts msgs. Local messages are skipped.
func (c *Cache) SaveMessages(ctx context.Context, channelID string, msgs []coursechat.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cached_messages
			(channel_id, message_id, client_id, sender_id, sender_name, content, kind, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, message_id) DO UPDATE SET
			client_id = excluded.client_id,
			content = excluded.content,
			delivery_status = excluded.delivery_status,
			created_at = excluded.created_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.IsLocal() {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			channelID, m.ID, m.ClientID, m.SenderID, m.SenderName,
			m.Content, string(m.Kind), string(m.DeliveryStatus), m.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns up to limit of the newest cached messages of
// channelID, oldest first.
func (c *Cache) RecentMessages(ctx context.Context, channelID string, limit int) ([]coursechat.Message, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT message_id, client_id, sender_id, sender_name, content, kind, delivery_status, created_at
		FROM cached_messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []coursechat.Message
	for rows.Next() {
		var (
			m         coursechat.Message
			kind      string
			status    string
			createdAt time.Time
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.SenderName, &m.Content, &kind, &status, &createdAt); err != nil {
			return nil, err
		}
		m.ChannelID = channelID
		m.Kind = coursechat.MessageKind(kind)
		m.DeliveryStatus = coursechat.DeliveryStatus(status)
		m.CreatedAt = createdAt
		messages = append(messages, m)
	}
	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// Count returns the number of cached messages of channelID.
func (c *Cache) Count(ctx context.Context, channelID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cached_messages WHERE channel_id = ?`, channelID).Scan(&n)
	return n, err
}
