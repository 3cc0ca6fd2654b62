// Package conversation persists a bounded, time-limited tail of exchanges per
// conversation id. Failures here must never fail the primary answer; callers
// degrade to stateless behavior.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeffleyd/laragrep/internal/database"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Store struct {
	db          *sql.DB
	dialect     database.Dialect
	table       string
	maxMessages int
	ttlDays     int
	now         func() time.Time

	mu      sync.Mutex
	created bool
}

func NewStore(db *sql.DB, dialect database.Dialect, table string, maxMessages, ttlDays int) *Store {
	if strings.TrimSpace(table) == "" {
		table = "laragrep_conversations"
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	if ttlDays < 0 {
		ttlDays = 0
	}
	return &Store{
		db:          db,
		dialect:     dialect,
		table:       table,
		maxMessages: maxMessages,
		ttlDays:     ttlDays,
		now:         time.Now,
	}
}

// GetMessages returns at most maxMessages most-recent well-formed messages for
// the conversation, oldest first. An empty id yields an empty result.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, nil
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return nil, err
	}

	query := s.dialect.Rebind(fmt.Sprintf(
		`SELECT role, content FROM %s WHERE context = ? ORDER BY id DESC LIMIT ?`, s.table))
	rows, err := s.db.QueryContext(ctx, query, conversationID, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("load conversation messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	newestFirst := make([]Message, 0, s.maxMessages)
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.Role, &message.Content); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		if message.Role != RoleUser && message.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(message.Content) == "" {
			continue
		}
		newestFirst = append(newestFirst, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	messages := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		messages = append(messages, newestFirst[i])
	}
	return messages, nil
}

// AppendExchange inserts the user and assistant messages (skipping whichever
// is empty after trimming) and trims the conversation to its most recent
// maxMessages entries. Insert and trim run in one transaction so readers never
// observe an overflowing or half-written conversation.
func (s *Store) AppendExchange(ctx context.Context, conversationID, userText, assistantText string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}

	userText = strings.TrimSpace(userText)
	assistantText = strings.TrimSpace(assistantText)
	entries := make([]Message, 0, 2)
	if userText != "" {
		entries = append(entries, Message{Role: RoleUser, Content: userText})
	}
	if assistantText != "" {
		entries = append(entries, Message{Role: RoleAssistant, Content: assistantText})
	}
	if len(entries) == 0 {
		return nil
	}

	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	if err := s.purgeExpired(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conversation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO %s (context, role, content, created_at) VALUES (?, ?, ?, ?)`, s.table))
	now := s.now().UTC()
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, insert, conversationID, entry.Role, entry.Content, now); err != nil {
			return fmt.Errorf("insert conversation message: %w", err)
		}
	}

	trim := s.dialect.Rebind(fmt.Sprintf(
		`DELETE FROM %s WHERE context = ? AND id NOT IN (SELECT id FROM %s WHERE context = ? ORDER BY id DESC LIMIT ?)`,
		s.table, s.table))
	if _, err := tx.ExecContext(ctx, trim, conversationID, conversationID, s.maxMessages); err != nil {
		return fmt.Errorf("trim conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation transaction: %w", err)
	}
	return nil
}

func (s *Store) purgeExpired(ctx context.Context) error {
	if s.ttlDays <= 0 {
		return nil
	}
	threshold := s.now().UTC().AddDate(0, 0, -s.ttlDays)
	query := s.dialect.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, threshold); err != nil {
		return fmt.Errorf("purge expired conversation messages: %w", err)
	}
	return nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}
	for _, statement := range s.dialect.ConversationDDL(s.table) {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("create conversation table: %w", err)
		}
	}
	s.created = true
	return nil
}
