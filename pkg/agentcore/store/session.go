package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// GetOrCreateSession is idempotent: it returns the stable session id for
// (agentID, scope, chatID), creating the row on first use (§4.5).
func (s *Store) GetOrCreateSession(agentID, scope string, chatID int64) (int64, error) {
	key := SessionKey(agentID, scope, chatID)
	now := nowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRow(`SELECT id FROM sessions WHERE session_key = ?`, key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up session: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO sessions (session_key, chat_id, agent_id, scope, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, chatID, agentID, scope, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("creating session: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new session id: %w", err)
	}
	return id, nil
}

// GetSession loads a session's metadata by id.
func (s *Store) GetSession(sessionID int64) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, session_key, chat_id, agent_id, scope, created_at, updated_at, message_count, model_message_history
		 FROM sessions WHERE id = ?`, sessionID,
	)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var created, updated float64
	if err := row.Scan(&sess.ID, &sess.SessionKey, &sess.ChatID, &sess.AgentID, &sess.Scope,
		&created, &updated, &sess.MessageCount, &sess.ModelMessageHistory); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.CreatedAt = fromUnix(created)
	sess.UpdatedAt = fromUnix(updated)
	return &sess, nil
}

// ClearSession deletes all messages for a session but keeps its metadata,
// per the open-question decision in SPEC_FULL.md §14: clearing is
// messages-only and never touches resumable tasks.
func (s *Store) ClearSession(sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET message_count = 0, updated_at = ? WHERE id = ?`,
		nowUnix(), sessionID,
	); err != nil {
		return fmt.Errorf("resetting session counters: %w", err)
	}
	return tx.Commit()
}

// SetModelMessageHistory atomically replaces the opaque LLM message-history
// blob for a session. Per spec §9's "opaque LLM message history" design
// note, the store never inspects or byte-surgeries this string; it is
// serialized verbatim and trimmed only by the caller, by element count,
// before being handed here.
func (s *Store) SetModelMessageHistory(sessionID int64, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sessions SET model_message_history = ?, updated_at = ? WHERE id = ?`,
		blob, nowUnix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("setting model message history: %w", err)
	}
	return nil
}

// GetModelMessageHistory returns the opaque blob, or "" if none has been set.
// Reading under the same mutex as SetModelMessageHistory guarantees the
// round-trip property in §8: a get immediately following a set on the same
// session returns exactly what was set, never a torn write.
func (s *Store) GetModelMessageHistory(sessionID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob string
	err := s.db.QueryRow(`SELECT model_message_history FROM sessions WHERE id = ?`, sessionID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("session %d not found", sessionID)
		}
		return "", fmt.Errorf("getting model message history: %w", err)
	}
	return blob, nil
}

// SessionStats computes the §6.4/§12 session summary, including a rough
// token estimate (chars/3, matching original_source/agent/session_db.py's
// get_session_stats) and a preview of the last N messages.
func (s *Store) SessionStats(sessionID int64, lastN int) (*SessionStats, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %d not found", sessionID)
	}

	msgs, err := s.GetRecentMessages(sessionID, 100)
	if err != nil {
		return nil, err
	}

	totalChars := 0
	for _, m := range msgs {
		totalChars += len(m.Content)
	}

	now := time.Now()
	stats := &SessionStats{
		SessionID:      sessionID,
		ChatID:         sess.ChatID,
		MessageCount:   sess.MessageCount,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
		UptimeSeconds:  now.Sub(sess.CreatedAt).Seconds(),
		IdleSeconds:    now.Sub(sess.UpdatedAt).Seconds(),
		EstimatedToken: totalChars / 3,
		TotalChars:     totalChars,
	}

	start := len(msgs) - lastN
	if start < 0 {
		start = 0
	}
	for _, m := range msgs[start:] {
		content := strings.TrimSpace(m.Content)
		preview := content
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		stats.LastMessages = append(stats.LastMessages, MessagePreview{
			Role:           m.Role,
			ContentPreview: preview,
			Chars:          len(content),
		})
	}
	return stats, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func fromUnix(v float64) time.Time {
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
