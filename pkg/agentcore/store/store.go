// Package store implements the Session & Memory Store (spec §4.5) and the
// Resumable Task Ledger (§4.6): a single-process, concurrent SQLite-backed
// store for sessions, messages, memory entries, and resumable tasks.
//
// The engine is github.com/mattn/go-sqlite3, opened in WAL mode with a 5s
// busy timeout — the exact DSN shape used by the teacher's
// pkg/goclaw/copilot/db.go and pkg/devclaw/copilot/memory/sqlite_store.go.
// A single *sql.DB handle is owned by the Store; every write, and every read
// that participates in a read-modify-write (recall's access_count bump,
// set-then-get of the model message history), is serialized through mu so
// that callers can never observe a torn write (§4.5, §8).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT UNIQUE NOT NULL,
	chat_id INTEGER NOT NULL,
	agent_id TEXT NOT NULL DEFAULT 'agentcore',
	scope TEXT NOT NULL DEFAULT 'main',
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	model_message_history TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_chat_id ON sessions(chat_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp REAL NOT NULL,
	tool_name TEXT,
	tool_params TEXT,
	tool_result TEXT,
	metadata TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT UNIQUE NOT NULL,
	category TEXT NOT NULL,
	l0_abstract TEXT NOT NULL,
	l1_overview TEXT,
	l2_details TEXT,
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_key ON memory(key);
CREATE INDEX IF NOT EXISTS idx_memory_category ON memory(category);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	key, category, l0_abstract, l1_overview, l2_details,
	content='memory',
	content_rowid='id',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS memory_ai AFTER INSERT ON memory BEGIN
	INSERT INTO memory_fts(rowid, key, category, l0_abstract, l1_overview, l2_details)
	VALUES (new.id, new.key, new.category, new.l0_abstract, new.l1_overview, new.l2_details);
END;
CREATE TRIGGER IF NOT EXISTS memory_ad AFTER DELETE ON memory BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, key, category, l0_abstract, l1_overview, l2_details)
	VALUES('delete', old.id, old.key, old.category, old.l0_abstract, old.l1_overview, old.l2_details);
END;
CREATE TRIGGER IF NOT EXISTS memory_au AFTER UPDATE ON memory BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, key, category, l0_abstract, l1_overview, l2_details)
	VALUES('delete', old.id, old.key, old.category, old.l0_abstract, old.l1_overview, old.l2_details);
	INSERT INTO memory_fts(rowid, key, category, l0_abstract, l1_overview, l2_details)
	VALUES (new.id, new.key, new.category, new.l0_abstract, new.l1_overview, new.l2_details);
END;

CREATE TABLE IF NOT EXISTS resumable_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL,
	chat_id INTEGER NOT NULL,
	goal TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	resume_count INTEGER NOT NULL DEFAULT 0,
	created_at REAL NOT NULL,
	resumed_at REAL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON resumable_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON resumable_tasks(status);
`

// Store is the owned SQLite handle backing sessions, messages, memory, and
// resumable tasks. Per SPEC_FULL.md §14 / spec §9's "Global singletons →
// owned handle" note, callers obtain one Store at startup and pass it into
// the healing Runner and the Runtime; no component may cache rows across calls.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes every write and every read-modify-write so that readers
	// never observe a torn write (§4.5's "internal async mutex").
	mu sync.Mutex
}

// Open creates (if needed) and opens the SQLite database at path, applying
// WAL mode, a 5s busy timeout, and foreign-key cascades, then ensures the
// schema exists. Migration strategy is additive-only per §6.3: CREATE TABLE
// IF NOT EXISTS / CREATE INDEX IF NOT EXISTS never drops an existing column.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; matches the WAL single-connection discipline below

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close commits pending writes and closes the handle exactly once (§5 Shutdown).
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionKey builds the canonical session key (§3, §12): agent:<agent>:<scope>:<chat_id>.
func SessionKey(agentID, scope string, chatID int64) string {
	return fmt.Sprintf("agent:%s:%s:%d", agentID, scope, chatID)
}
