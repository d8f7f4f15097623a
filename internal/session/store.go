// Package session keeps per-user chat bindings and credentials in memory.
package session

import (
	"sync"
	"time"

	"github.com/avlasov/ledgerbot/internal/model"
)

// Patch updates a subset of session fields; nil fields are left untouched.
type Patch struct {
	ChatID         *int64
	Token          *string
	RefreshToken   *string
	OrganizationID *string
}

// Store owns the session table. All reads of an existing session refresh
// its activity timestamp; idle sessions are removed by Sweep.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*model.Session

	now func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[int64]*model.Session),
		now:      time.Now,
	}
}

// Put creates or replaces the session for a user.
func (s *Store) Put(userID, chatID int64, tokens model.Tokens, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = &model.Session{
		UserID:         userID,
		ChatID:         chatID,
		Token:          tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		OrganizationID: orgID,
		LastActive:     s.now(),
	}
}

// Update applies a partial patch. It reports whether a session existed.
func (s *Store) Update(userID int64, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return false
	}
	if p.ChatID != nil {
		sess.ChatID = *p.ChatID
	}
	if p.Token != nil {
		sess.Token = *p.Token
	}
	if p.RefreshToken != nil {
		sess.RefreshToken = *p.RefreshToken
	}
	if p.OrganizationID != nil {
		sess.OrganizationID = *p.OrganizationID
	}
	sess.LastActive = s.now()
	return true
}

// Get returns a copy of the session and refreshes its activity timestamp.
func (s *Store) Get(userID int64) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return model.Session{}, false
	}
	sess.LastActive = s.now()
	return *sess, true
}

// ChatID returns the notification destination for a user.
func (s *Store) ChatID(userID int64) (int64, bool) {
	sess, ok := s.Get(userID)
	if !ok {
		return 0, false
	}
	return sess.ChatID, true
}

// Latest returns a copy of the most recently active session that holds a
// token. Used to authorize the single shared notification subscription.
func (s *Store) Latest() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Session
	for _, sess := range s.sessions {
		if sess.Token == "" {
			continue
		}
		if latest == nil || sess.LastActive.After(latest.LastActive) {
			latest = sess
		}
	}
	if latest == nil {
		return model.Session{}, false
	}
	return *latest, true
}

// LatestToken returns the token of the most recently active authenticated
// session, if any.
func (s *Store) LatestToken() (string, bool) {
	sess, ok := s.Latest()
	if !ok {
		return "", false
	}
	return sess.Token, true
}

// Remove deletes the session for a user (logout, invalid token).
func (s *Store) Remove(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Sweep evicts sessions idle for longer than maxIdle and reports how many
// were removed.
func (s *Store) Sweep(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for userID, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(s.sessions, userID)
			removed++
		}
	}
	return removed
}
