package bot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/session"
)

// Notifier announces incoming deposits. It polls the transfer listing with
// the token of the most recently active session — the one shared
// notification subscription the process maintains.
type Notifier struct {
	log      *zap.Logger
	sessions *session.Store
	api      LedgerAPI
	send     Sender
	interval time.Duration

	seen  map[string]struct{}
	since time.Time
}

// NewNotifier constructs a Notifier polling at the given interval.
func NewNotifier(log *zap.Logger, sessions *session.Store, api LedgerAPI, send Sender, interval time.Duration) *Notifier {
	return &Notifier{
		log:      log,
		sessions: sessions,
		api:      api,
		send:     send,
		interval: interval,
		seen:     make(map[string]struct{}),
		since:    time.Now(),
	}
}

// Run polls until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.poll(ctx)
		}
	}
}

func (n *Notifier) poll(ctx context.Context) {
	sess, ok := n.sessions.Latest()
	if !ok {
		return
	}
	page, err := n.api.Transfers(ctx, sess.Token, 1, 10)
	if err != nil {
		n.log.Warn("deposit poll", zap.Error(err))
		return
	}
	for _, tr := range page.Transfers {
		if tr.Type != "deposit" || !tr.CreatedAt.After(n.since) {
			continue
		}
		if _, dup := n.seen[tr.ID]; dup {
			continue
		}
		n.seen[tr.ID] = struct{}{}
		msg := fmt.Sprintf("Incoming deposit: %s %s (%s).", tr.Amount, tr.Currency, tr.Status)
		if err := n.send.Send(sess.ChatID, msg); err != nil {
			n.log.Warn("deposit notify", zap.Error(err))
		}
	}
}
