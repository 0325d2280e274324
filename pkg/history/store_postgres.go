package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createChatHistorySQL = `
CREATE TABLE IF NOT EXISTS chat_history (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT NOT NULL,
	user_message TEXT NOT NULL,
	bot_response TEXT NOT NULL,
	sentiment    TEXT NOT NULL DEFAULT '',
	timestamp    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chat_history_session_idx ON chat_history (session_id, timestamp, id);`

// PGStore keeps chat history in PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	store := &PGStore{db: pool}
	if err := store.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PGStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createChatHistorySQL); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

func (s *PGStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

func (s *PGStore) Append(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO chat_history (session_id, user_message, bot_response, sentiment, timestamp)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, timestamp`,
		rec.SessionID, rec.UserMessage, rec.BotResponse, rec.Sentiment, rec.Timestamp,
	).Scan(&rec.ID, &rec.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, user_message, bot_response, sentiment, timestamp FROM (
			SELECT * FROM chat_history WHERE session_id = $1
			ORDER BY timestamp DESC, id DESC LIMIT $2
		 ) recent ORDER BY timestamp ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list session: %w", err)
	}
	return collectPGRecords(rows)
}

func (s *PGStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, user_message, bot_response, sentiment, timestamp
		 FROM chat_history ORDER BY timestamp DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return collectPGRecords(rows)
}

func collectPGRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserMessage, &rec.BotResponse, &rec.Sentiment, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: scan records: %w", err)
	}
	return out, nil
}
