package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestPGStore connects to DOTCHAT_TEST_DATABASE_URL, a disposable
// database the schema may be created in.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	url := os.Getenv("DOTCHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOTCHAT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPGStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPGStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPGStore_AppendAndList(t *testing.T) {
	store := newTestPGStore(t)
	ctx := context.Background()
	sessionID := "pg-" + uuid.NewString()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 3; i++ {
		rec, err := store.Append(ctx, Record{
			SessionID:   sessionID,
			UserMessage: fmt.Sprintf("q%d", i),
			BotResponse: fmt.Sprintf("a%d", i),
			Sentiment:   "positive",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if rec.ID == 0 {
			t.Fatalf("expected id from RETURNING")
		}
		if !rec.Timestamp.Equal(base.Add(time.Duration(i) * time.Minute)) {
			t.Fatalf("timestamp round trip: got %v", rec.Timestamp)
		}
		ids = append(ids, rec.ID)
	}

	got, err := store.ListBySession(ctx, sessionID, 2)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("expected newest two oldest first, got ids %d, %d", got[0].ID, got[1].ID)
	}
	if got[1].UserMessage != "q2" || got[1].BotResponse != "a2" || got[1].Sentiment != "positive" {
		t.Fatalf("unexpected record: %+v", got[1])
	}

	other, err := store.ListBySession(ctx, "pg-"+uuid.NewString(), 10)
	if err != nil {
		t.Fatalf("ListBySession other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no records for another session, got %d", len(other))
	}
}

func TestPGStore_AppendDefaultsTimestamp(t *testing.T) {
	store := newTestPGStore(t)
	before := time.Now().Add(-time.Minute)

	rec, err := store.Append(context.Background(), Record{
		SessionID:   "pg-" + uuid.NewString(),
		UserMessage: "hello",
		BotResponse: "hi",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if rec.Timestamp.Before(before) {
		t.Fatalf("expected a current timestamp, got %v", rec.Timestamp)
	}

	if _, err := store.Append(context.Background(), Record{UserMessage: "no session"}); err == nil {
		t.Fatalf("expected validation error for missing session id")
	}
}
