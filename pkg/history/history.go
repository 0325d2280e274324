// Package history persists completed chat exchanges as immutable,
// append-only records. Live conversation state never reads from here.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

var ErrStorageDisabled = errors.New("history: storage backend is disabled")

// Record is one persisted exchange. Records are never updated or deleted.
type Record struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	Sentiment   string    `json:"sentiment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Store interface {
	// Append stores rec and returns it with ID populated.
	Append(ctx context.Context, rec Record) (Record, error)
	// ListBySession returns up to limit records of one session, oldest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Recent returns up to limit records across all sessions, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open builds the store selected by storage.backend. The "none" backend
// returns ErrStorageDisabled so callers can run without persistence.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Backend {
	case "", config.StorageNone:
		return nil, ErrStorageDisabled
	case config.StorageSQLite:
		return NewSQLiteStore(cfg.SQLitePath())
	case config.StoragePostgres:
		return NewPGStore(ctx, cfg.Storage.DatabaseURL)
	default:
		return nil, fmt.Errorf("history: unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func validateRecord(rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("history: session id is required")
	}
	if rec.UserMessage == "" {
		return fmt.Errorf("history: user message is required")
	}
	return nil
}
