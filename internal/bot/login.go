package bot

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/transfer"
)

type loginStep int

const (
	loginAwaitEmail loginStep = iota
	loginAwaitOTP
)

// loginState is the short-lived email OTP conversation. It lives outside
// the session store because the user is not authenticated yet.
type loginState struct {
	step  loginStep
	email string
	sid   string
}

var otpRx = regexp.MustCompile(`^\d{6}$`)

func (d *Dispatcher) startLogin(userID, chatID int64) {
	d.mu.Lock()
	d.logins[userID] = &loginState{step: loginAwaitEmail}
	d.mu.Unlock()
	d.reply(chatID, "Enter the email of your ledger account.")
}

// handleLoginInput consumes plain text while a login conversation is open.
// It reports whether the text was consumed.
func (d *Dispatcher) handleLoginInput(ctx context.Context, userID, chatID int64, text string) bool {
	d.mu.Lock()
	ls, ok := d.logins[userID]
	d.mu.Unlock()
	if !ok {
		return false
	}

	switch ls.step {
	case loginAwaitEmail:
		if !transfer.ValidEmail(text) {
			d.reply(chatID, "That does not look like an email address, try again.")
			return true
		}
		sid, err := d.api.RequestOTP(ctx, text)
		if err != nil {
			d.replyErr(chatID, err)
			return true
		}
		ls.email = text
		ls.sid = sid
		ls.step = loginAwaitOTP
		d.reply(chatID, "We sent a one-time code to "+text+". Enter the 6-digit code.")

	case loginAwaitOTP:
		if !otpRx.MatchString(text) {
			d.reply(chatID, "Enter the 6-digit code from the email.")
			return true
		}
		tokens, user, err := d.api.Authenticate(ctx, ls.email, text, ls.sid)
		if err != nil {
			d.replyErr(chatID, err)
			return true
		}
		d.sessions.Put(userID, chatID, tokens, user.OrganizationID)
		d.mu.Lock()
		delete(d.logins, userID)
		d.mu.Unlock()
		d.log.Info("login", zap.Int64("user", userID), zap.String("kyc", user.KYCStatus))
		d.reply(chatID, "Logged in as "+user.Email+". Try /balance or /send.")
	}
	return true
}
