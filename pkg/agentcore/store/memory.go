package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// SaveMemory upserts a memory entry by key (§4.5). An unknown category is
// normalized to Project (§3, §8 boundary behavior).
func (s *Store) SaveMemory(entry MemoryEntry) error {
	category := NormalizeCategory(entry.Category)
	now := nowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO memory (key, category, l0_abstract, l1_overview, l2_details, created_at, updated_at, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     category = excluded.category,
		     l0_abstract = excluded.l0_abstract,
		     l1_overview = excluded.l1_overview,
		     l2_details = excluded.l2_details,
		     updated_at = excluded.updated_at,
		     confidence = excluded.confidence`,
		entry.Key, category, entry.L0Abstract, entry.L1Overview, entry.L2Details, now, now, entry.Confidence,
	)
	if err != nil {
		return fmt.Errorf("saving memory entry: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory entry by key, incrementing its access_count
// first (§3: "access_count monotonically non-decreasing"; §12 adopts
// session_db.py's get_memory behavior of bumping the counter on every read).
func (s *Store) GetMemory(key string) (*MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE memory SET access_count = access_count + 1 WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("bumping access count: %w", err)
	}

	row := s.db.QueryRow(
		`SELECT key, category, l0_abstract, l1_overview, l2_details, created_at, updated_at, confidence, access_count
		 FROM memory WHERE key = ?`, key,
	)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (*MemoryEntry, error) {
	var e MemoryEntry
	var created, updated float64
	if err := row.Scan(&e.Key, &e.Category, &e.L0Abstract, &e.L1Overview, &e.L2Details,
		&created, &updated, &e.Confidence, &e.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning memory entry: %w", err)
	}
	e.CreatedAt = fromUnix(created)
	e.UpdatedAt = fromUnix(updated)
	return &e, nil
}

// DeleteMemory removes a memory entry by key, reporting whether it existed.
func (s *Store) DeleteMemory(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("deleting memory entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchMemory performs full-text search over memory entries (§4.5). Bare
// word queries are accepted: FTS5 special characters are escaped and the
// term is quoted so a plain phrase never fails to parse (§4.5's "must not
// fail on whitespace-tokenized phrases").
func (s *Store) SearchMemory(query string, category string, limit int) ([]MemoryEntry, error) {
	ftsQuery := sanitizeFTS5Query(query)

	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(
			`SELECT m.key, m.category, m.l0_abstract, m.l1_overview, m.l2_details, m.created_at, m.updated_at, m.confidence, m.access_count
			 FROM memory m JOIN memory_fts fts ON m.id = fts.rowid
			 WHERE memory_fts MATCH ? AND m.category = ?
			 ORDER BY m.confidence DESC, m.access_count DESC LIMIT ?`,
			ftsQuery, category, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT m.key, m.category, m.l0_abstract, m.l1_overview, m.l2_details, m.created_at, m.updated_at, m.confidence, m.access_count
			 FROM memory m JOIN memory_fts fts ON m.id = fts.rowid
			 WHERE memory_fts MATCH ?
			 ORDER BY m.confidence DESC, m.access_count DESC LIMIT ?`,
			ftsQuery, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var created, updated float64
		if err := rows.Scan(&e.Key, &e.Category, &e.L0Abstract, &e.L1Overview, &e.L2Details,
			&created, &updated, &e.Confidence, &e.AccessCount); err != nil {
			return nil, fmt.Errorf("scanning memory search row: %w", err)
		}
		e.CreatedAt = fromUnix(created)
		e.UpdatedAt = fromUnix(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// sanitizeFTS5Query escapes FTS5 operator characters and wraps each token
// in double quotes so a bare word (or several) is always treated as a
// literal phrase match rather than failing on query-syntax characters.
// Grounded in pkg/devclaw/copilot/memory/sqlite_store.go's sanitizeFTS5Query.
func sanitizeFTS5Query(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " ")
}

// GetL0Overview groups every memory L0 abstract by category (§4.5, §12),
// for compact long-term-context injection into system prompts.
func (s *Store) GetL0Overview() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT category, l0_abstract FROM memory ORDER BY category, confidence DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying l0 overview: %w", err)
	}
	defer rows.Close()

	overview := make(map[string][]string)
	for rows.Next() {
		var category, abstract string
		if err := rows.Scan(&category, &abstract); err != nil {
			return nil, fmt.Errorf("scanning l0 overview row: %w", err)
		}
		overview[category] = append(overview[category], abstract)
	}
	return overview, rows.Err()
}
