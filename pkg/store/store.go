// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store owns durable conversation state. Every write is a single
// self-contained statement; status transitions are computed by callers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation lookup matches no row.
var ErrNotFound = errors.New("conversation not found")

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
)

// Conversation is one onboarding session for a (channel, external id) pair.
type Conversation struct {
	ID            int64
	Channel       string
	ExternalID    string
	Status        Status
	CollectedData string // JSON blob, field key -> value
	Token         string
	DisplayName   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one ordered turn belonging to a conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string // "user" or "assistant"
	Content        string
	CreatedAt      time.Time
}

// CreateAttrs carries optional attributes for lazily created conversations.
type CreateAttrs struct {
	Token       string
	DisplayName string
}

const createConversationsSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel TEXT NOT NULL,
    external_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    collected_data TEXT NOT NULL DEFAULT '{}',
    token TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(channel, external_id)
)`

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id),
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

const createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`

// Store is the SQLite-backed conversation repository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and initializes the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The driver is not safe for concurrent writes over multiple
	// connections; a single connection serializes access.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createConversationsSQL,
		createMessagesSQL,
		createMessagesIndexSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the conversation for (channel, externalID), creating it
// with status active and empty data when none exists. The uniqueness
// constraint guarantees a second caller reuses the existing row.
func (s *Store) GetOrCreate(ctx context.Context, channel, externalID string, attrs CreateAttrs) (*Conversation, error) {
	now := time.Now().UTC()

	// ON CONFLICT DO NOTHING keeps this a single atomic statement; the
	// follow-up read returns whichever row won.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (channel, external_id, status, collected_data, token, display_name, created_at, updated_at)
		VALUES (?, ?, 'active', '{}', ?, ?, ?, ?)
		ON CONFLICT(channel, external_id) DO NOTHING`,
		channel, externalID, attrs.Token, attrs.DisplayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return s.FindByExternalID(ctx, channel, externalID)
}

// FindByExternalID returns the conversation for (channel, externalID) or
// ErrNotFound.
func (s *Store) FindByExternalID(ctx context.Context, channel, externalID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, external_id, status, collected_data, token, display_name, created_at, updated_at
		FROM conversations WHERE channel = ? AND external_id = ?`,
		channel, externalID)
	return scanConversation(row)
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, external_id, status, collected_data, token, display_name, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateData persists the collected-data blob, optionally advancing status.
// ErrNotFound when id matches no conversation.
func (s *Store) UpdateData(ctx context.Context, id int64, dataJSON string, status ...Status) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if len(status) > 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET collected_data = ?, status = ?, updated_at = ? WHERE id = ?`,
			dataJSON, string(status[0]), now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET collected_data = ?, updated_at = ? WHERE id = ?`,
			dataJSON, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update conversation data: %w", err)
	}
	return requireRow(res)
}

// UpdateStatus advances the conversation status. ErrNotFound when id matches
// no conversation.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return requireRow(res)
}

// Reset clears collected data and forces status back to active. ErrNotFound
// when id matches no conversation.
func (s *Store) Reset(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET collected_data = '{}', status = 'active', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}
	return requireRow(res)
}

// requireRow translates a zero-row update into ErrNotFound so writes against
// vanished conversations signal like lookups do.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage appends one turn to the conversation history.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit turns in chronological order.
// A limit of zero returns the full history.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first; replay order is chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessages removes all turns for a conversation (used by reset).
func (s *Store) DeleteMessages(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	conv := &Conversation{}
	var status string
	err := row.Scan(&conv.ID, &conv.Channel, &conv.ExternalID, &status,
		&conv.CollectedData, &conv.Token, &conv.DisplayName,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.Status = Status(status)
	return conv, nil
}
