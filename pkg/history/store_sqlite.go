package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps chat history in a local database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer goroutine feeds this store; a single connection avoids
	// SQLITE_BUSY between it and CLI readers in the same process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_message TEXT NOT NULL,
			bot_response TEXT NOT NULL,
			sentiment TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_history_session_idx ON chat_history(session_id, timestamp_ms, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init history schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history (session_id, user_message, bot_response, sentiment, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserMessage, rec.BotResponse, rec.Sentiment, rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	rec.ID = id
	rec.Timestamp = time.UnixMilli(rec.Timestamp.UnixMilli())
	return rec, nil
}

func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	// Newest `limit` rows, then flipped back to chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_message, bot_response, sentiment, timestamp_ms FROM (
			SELECT * FROM chat_history WHERE session_id = ?
			ORDER BY timestamp_ms DESC, id DESC LIMIT ?
		 ) ORDER BY timestamp_ms ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list session: %w", err)
	}
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_message, bot_response, sentiment, timestamp_ms
		 FROM chat_history ORDER BY timestamp_ms DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return scanSQLiteRecords(rows)
}

func scanSQLiteRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tsMS int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserMessage, &rec.BotResponse, &rec.Sentiment, &tsMS); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: scan records: %w", err)
	}
	return out, nil
}
