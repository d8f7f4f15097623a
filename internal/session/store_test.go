package session

import (
	"testing"
	"time"

	"github.com/avlasov/ledgerbot/internal/model"
)

func newTestStore() (*Store, *time.Time) {
	s := New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestPutGetRemove(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()

	if _, ok := s.Get(1); ok {
		t.Fatalf("empty store must miss")
	}

	s.Put(1, 100, model.Tokens{AccessToken: "a", RefreshToken: "r"}, "org")
	sess, ok := s.Get(1)
	if !ok || sess.ChatID != 100 || sess.Token != "a" || sess.OrganizationID != "org" {
		t.Fatalf("bad session: %+v", sess)
	}

	s.Remove(1)
	if _, ok := s.Get(1); ok {
		t.Fatalf("removed session still present")
	}
}

func TestUpdate_PartialPatch(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore()

	if s.Update(1, Patch{}) {
		t.Fatalf("update of missing session must report false")
	}

	s.Put(1, 100, model.Tokens{AccessToken: "a", RefreshToken: "r"}, "org")
	empty := ""
	if !s.Update(1, Patch{Token: &empty}) {
		t.Fatalf("update of existing session must report true")
	}

	sess, _ := s.Get(1)
	if sess.Token != "" {
		t.Fatalf("token not cleared")
	}
	if sess.RefreshToken != "r" || sess.OrganizationID != "org" {
		t.Fatalf("patch touched unrelated fields: %+v", sess)
	}
}

func TestChatID_TouchesActivity(t *testing.T) {
	t.Parallel()
	s, now := newTestStore()

	s.Put(1, 100, model.Tokens{AccessToken: "a"}, "")
	*now = now.Add(23 * time.Hour)

	chatID, ok := s.ChatID(1)
	if !ok || chatID != 100 {
		t.Fatalf("ChatID: %d %v", chatID, ok)
	}

	// The read refreshed LastActive, so a 24h sweep keeps the session.
	*now = now.Add(2 * time.Hour)
	if removed := s.Sweep(24 * time.Hour); removed != 0 {
		t.Fatalf("recently read session evicted")
	}
	if _, ok := s.Get(1); !ok {
		t.Fatalf("session lost")
	}
}

func TestLatestToken(t *testing.T) {
	t.Parallel()
	s, now := newTestStore()

	if _, ok := s.LatestToken(); ok {
		t.Fatalf("empty store must have no latest token")
	}

	// A session without a token is never a candidate.
	s.Put(1, 100, model.Tokens{}, "")
	if _, ok := s.LatestToken(); ok {
		t.Fatalf("tokenless session must be skipped")
	}

	s.Put(2, 200, model.Tokens{AccessToken: "older"}, "")
	*now = now.Add(time.Minute)
	s.Put(3, 300, model.Tokens{AccessToken: "newer"}, "")

	tok, ok := s.LatestToken()
	if !ok || tok != "newer" {
		t.Fatalf("want most recently active token, got %q %v", tok, ok)
	}

	sess, ok := s.Latest()
	if !ok || sess.ChatID != 300 {
		t.Fatalf("Latest must return the owning session, got %+v", sess)
	}
}

func TestSweep_EvictsIdle(t *testing.T) {
	t.Parallel()
	s, now := newTestStore()

	s.Put(1, 100, model.Tokens{AccessToken: "a"}, "")
	*now = now.Add(10 * time.Hour)
	s.Put(2, 200, model.Tokens{AccessToken: "b"}, "")

	*now = now.Add(15 * time.Hour)
	if removed := s.Sweep(24 * time.Hour); removed != 1 {
		t.Fatalf("want exactly the idle session evicted, removed=%d", removed)
	}
	if _, ok := s.Get(1); ok {
		t.Fatalf("idle session survived")
	}
	if _, ok := s.Get(2); !ok {
		t.Fatalf("active session evicted")
	}
}
