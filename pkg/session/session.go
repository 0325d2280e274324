// Package session keeps the live, in-memory conversation state of every
// connected client: an append-only transcript plus display name and
// preferences. State lives only as long as the connection does.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already exists")
	ErrUnknownSession   = errors.New("unknown session")
)

type Sentiment string

const (
	SentimentUnset    Sentiment = ""
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Turn is one user message and the assistant reply to it. Turns are values;
// the store hands out copies so callers can never mutate a transcript.
type Turn struct {
	ID          string
	UserMessage string
	Response    string
	Sentiment   Sentiment
	CreatedAt   time.Time
}

type Session struct {
	ID          string
	DisplayName string
	Preferences map[string]string
	Turns       []Turn
	CreatedAt   time.Time
}

// Stats is a point-in-time summary of one live session.
type Stats struct {
	ID          string
	DisplayName string
	Turns       int
	CreatedAt   time.Time
}

type Store struct {
	sessions map[string]*Session
	now      func() time.Time
	mu       sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (s *Store) Create(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s.sessions[id] = &Session{
		ID:          id,
		Preferences: make(map[string]string),
		CreatedAt:   s.now(),
	}
	return nil
}

// Destroy drops the session and its transcript. Absent ids are ignored:
// a disconnect can arrive before the connect path finished.
func (s *Store) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sess.Turns = append(sess.Turns, turn)
	return nil
}

// GetRecent returns the last min(k, len) turns, oldest first.
func (s *Store) GetRecent(id string, k int) []Turn {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || len(sess.Turns) == 0 {
		return nil
	}
	start := len(sess.Turns) - k
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(sess.Turns)-start)
	copy(out, sess.Turns[start:])
	return out
}

func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Len is the transcript length, zero for absent sessions.
func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return len(sess.Turns)
	}
	return 0
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) SetDisplayName(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sess.DisplayName = name
	return nil
}

func (s *Store) DisplayName(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.DisplayName
	}
	return ""
}

func (s *Store) SetPreference(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if value == "" {
		delete(sess.Preferences, key)
		return nil
	}
	sess.Preferences[key] = value
	return nil
}

// Preferences returns a copy of the preference map, nil for absent sessions.
func (s *Store) Preferences(id string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sess.Preferences))
	for k, v := range sess.Preferences {
		out[k] = v
	}
	return out
}

// Snapshot lists every live session ordered by creation time.
func (s *Store) Snapshot() []Stats {
	s.mu.RLock()
	out := make([]Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Stats{
			ID:          sess.ID,
			DisplayName: sess.DisplayName,
			Turns:       len(sess.Turns),
			CreatedAt:   sess.CreatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
