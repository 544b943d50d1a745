package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/turnkeeper/internal/provider"
)

// Append stores msgs at the end of the conversation log in one
// transaction. Re-appending a message ID is a no-op.
func (s *Store) Append(ctx context.Context, conversationID string, msgs []provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, msg := range msgs {
		var toolCallsJSON []byte
		if len(msg.ToolCalls) > 0 {
			var err error
			toolCallsJSON, err = json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool_calls: %w", err)
			}
		}
		batch.Queue(`
			INSERT INTO messages (conversation_id, id, role, content, name, tool_calls, tool_call_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (conversation_id, id) DO NOTHING`,
			conversationID, msg.ID, string(msg.Role), msg.Content, msg.Name, toolCallsJSON, msg.ToolCallID,
		)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Read returns the conversation log oldest first. A positive limit
// returns only the newest limit messages.
func (s *Store) Read(ctx context.Context, conversationID string, limit int) ([]provider.Message, error) {
	query := `
		SELECT id, role, content, name, tool_calls, tool_call_id
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `
			SELECT id, role, content, name, tool_calls, tool_call_id FROM (
				SELECT seq, id, role, content, name, tool_calls, tool_call_id
				FROM messages
				WHERE conversation_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []provider.Message
	for rows.Next() {
		var msg provider.Message
		var role string
		var toolCallsJSON []byte

		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Name, &toolCallsJSON, &msg.ToolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = provider.Role(role)
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool_calls of %s: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

// Count returns the number of logged messages of a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
