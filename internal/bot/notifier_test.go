package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/model"
	"github.com/avlasov/ledgerbot/internal/session"
)

func TestNotifier_AnnouncesNewDepositsOnce(t *testing.T) {
	t.Parallel()
	send := &fakeSender{}
	sessions := session.New()
	api := &fakeAPI{}
	n := NewNotifier(zap.NewNop(), sessions, api, send, time.Minute)

	// Nothing to poll without an authenticated session.
	n.poll(context.Background())
	if len(send.msgs) != 0 {
		t.Fatalf("sessionless poll sent %d messages", len(send.msgs))
	}

	sessions.Put(1, 100, model.Tokens{AccessToken: freshJWT}, "")
	api.history = model.HistoryPage{Transfers: []model.Transfer{
		{ID: "old", Type: "deposit", Amount: "5", Currency: "USD", Status: "success",
			CreatedAt: n.since.Add(-time.Hour)},
		{ID: "d1", Type: "deposit", Amount: "10", Currency: "USDT", Status: "success",
			CreatedAt: n.since.Add(time.Minute)},
		{ID: "t1", Type: "email", Amount: "3", Currency: "USD", Status: "success",
			CreatedAt: n.since.Add(time.Minute)},
	}}

	// Pre-start deposits and non-deposit transfers are not announced.
	n.poll(context.Background())
	if len(send.msgs) != 1 {
		t.Fatalf("want exactly one announcement, got %d: %v", len(send.msgs), send.msgs)
	}
	if !strings.Contains(send.msgs[0], "10 USDT") {
		t.Fatalf("announcement: %q", send.msgs[0])
	}

	// A repeated listing does not announce the same deposit twice.
	n.poll(context.Background())
	if len(send.msgs) != 1 {
		t.Fatalf("duplicate announcement: %v", send.msgs)
	}
}
