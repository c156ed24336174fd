package store

import (
	"fmt"
)

// AddMessage appends a message to a session's history (§4.5). The timestamp
// is assigned at insertion time, so messages in the same session are
// monotonic in insertion order (§3, §8's "m1.id < m2.id ⇒ m1.timestamp ≤
// m2.timestamp" invariant). message_count and updated_at on the owning
// session are bumped in the same transaction.
func (s *Store) AddMessage(sessionID int64, role, content string, toolName, toolParams, toolResult, metadata string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUnix()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, timestamp, tool_name, tool_params, tool_result, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, role, content, now, nullIfEmpty(toolName), nullIfEmpty(toolParams), nullIfEmpty(toolResult), nullIfEmpty(metadata),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET updated_at = ?, message_count = message_count + 1 WHERE id = ?`,
		now, sessionID,
	); err != nil {
		return 0, fmt.Errorf("updating session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add message: %w", err)
	}

	return res.LastInsertId()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetMessages returns messages chronologically, paginated (§4.5).
func (s *Store) GetMessages(sessionID int64, limit, offset int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, timestamp,
		        COALESCE(tool_name, ''), COALESCE(tool_params, ''), COALESCE(tool_result, ''), COALESCE(metadata, '')
		 FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the newest `limit` messages for a session, in
// chronological order (§4.5's "newest-N, returned chronologically").
func (s *Store) GetRecentMessages(sessionID int64, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, timestamp,
		        COALESCE(tool_name, ''), COALESCE(tool_params, ''), COALESCE(tool_result, ''), COALESCE(metadata, '')
		 FROM messages WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var ts float64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts,
			&m.ToolName, &m.ToolParams, &m.ToolResult, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp = fromUnix(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
