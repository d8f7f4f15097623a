// Package bot routes incoming chat events through rate limiting, the auth
// guard and the conversation handlers.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/limiter"
	"github.com/avlasov/ledgerbot/internal/model"
	"github.com/avlasov/ledgerbot/internal/session"
	"github.com/avlasov/ledgerbot/internal/token"
	"github.com/avlasov/ledgerbot/internal/transfer"
)

// Sender delivers outbound replies. Satisfied by telegram.Bot.
type Sender interface {
	Send(chatID int64, text string) error
	SendKeyboard(chatID int64, text string, rows [][]string) error
}

// LedgerAPI is the subset of the ledger client the dispatcher itself uses;
// the transfer machine carries its own.
type LedgerAPI interface {
	RequestOTP(ctx context.Context, email string) (string, error)
	Authenticate(ctx context.Context, email, otp, sid string) (model.Tokens, model.User, error)
	Me(ctx context.Context, token string) (model.User, error)
	Balances(ctx context.Context, token string) ([]model.Balance, error)
	Transfers(ctx context.Context, token string, page, limit int) (model.HistoryPage, error)
}

// Dispatcher is the single entry point for inbound updates. Order is
// fixed: rate limiter, then auth guard, then command or conversation step.
type Dispatcher struct {
	log       *zap.Logger
	send      Sender
	lim       limiter.Limiter
	sessions  *session.Store
	tokens    *token.Manager
	transfers *transfer.Machine
	api       LedgerAPI

	mu     sync.Mutex
	logins map[int64]*loginState
	users  map[int64]*sync.Mutex
}

// New wires the dispatcher.
func New(log *zap.Logger, send Sender, lim limiter.Limiter, sessions *session.Store, tokens *token.Manager, transfers *transfer.Machine, api LedgerAPI) *Dispatcher {
	return &Dispatcher{
		log:       log,
		send:      send,
		lim:       lim,
		sessions:  sessions,
		tokens:    tokens,
		transfers: transfers,
		api:       api,
		logins:    make(map[int64]*loginState),
		users:     make(map[int64]*sync.Mutex),
	}
}

// userLock serializes handling per user. Different users proceed in
// parallel; two back-to-back inputs from one user cannot interleave, which
// together with the machine's step matching is the ordering discipline.
func (d *Dispatcher) userLock(userID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu, ok := d.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		d.users[userID] = mu
	}
	return mu
}

// HandleUpdate processes one inbound text event. It never panics outward.
func (d *Dispatcher) HandleUpdate(ctx context.Context, userID, chatID int64, text string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.Int64("user", userID),
			)
			d.reply(chatID, "Something went wrong, please try again.")
		}
	}()

	mu := d.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	cmd, arg := splitCommand(text)
	action := d.actionFor(userID, cmd)

	dec := d.lim.Allow(userID, action)
	if !dec.Allowed {
		d.replyLimited(chatID, dec)
		return
	}

	d.route(ctx, userID, chatID, cmd, arg, text)

	d.log.Info("update",
		zap.Int64("user", userID),
		zap.String("action", string(action)),
		zap.Duration("dur", time.Since(start)),
	)
}

// splitCommand separates "/cmd arg..." from plain text. Plain text returns
// an empty command.
func splitCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, arg, _ = strings.Cut(text, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// actionFor classifies the event for rate limiting. OTP entry is plain
// text, so classification consults the login flow state.
func (d *Dispatcher) actionFor(userID int64, cmd string) limiter.Action {
	switch cmd {
	case "/start":
		return limiter.ActionStart
	case "/help":
		return limiter.ActionHelp
	case "/support":
		return limiter.ActionSupport
	case "/login":
		return limiter.ActionLogin
	case "/kyc":
		return limiter.ActionKYC
	case "":
		d.mu.Lock()
		ls, ok := d.logins[userID]
		d.mu.Unlock()
		if ok {
			if ls.step == loginAwaitOTP {
				return limiter.ActionOTP
			}
			return limiter.ActionLogin
		}
	}
	return limiter.ActionDefault
}

func (d *Dispatcher) route(ctx context.Context, userID, chatID int64, cmd, arg, text string) {
	switch cmd {
	case "/start", "/help":
		d.reply(chatID, helpText)
	case "/support":
		d.reply(chatID, supportText)
	case "/login":
		d.startLogin(userID, chatID)
	case "/logout":
		d.sessions.Remove(userID)
		d.transfers.Cancel(userID)
		d.reply(chatID, "You are logged out.")
	case "/cancel":
		d.handleCancel(userID, chatID)
	case "/edit":
		d.handleEdit(userID, chatID, arg)
	case "/kyc":
		d.withToken(ctx, userID, chatID, d.handleKYC)
	case "/balance":
		d.withToken(ctx, userID, chatID, d.handleBalance)
	case "/history":
		d.withToken(ctx, userID, chatID, d.handleHistory)
	case "/send":
		d.withToken(ctx, userID, chatID, d.handleSendEntry)
	case "/withdraw":
		d.withToken(ctx, userID, chatID, d.handleWithdrawEntry)
	case "":
		d.handleText(ctx, userID, chatID, text)
	default:
		d.reply(chatID, "Unknown command. Try /help.")
	}
}

// authedToken returns a fresh access token for the user, refreshing it
// first when it is about to expire.
func (d *Dispatcher) authedToken(ctx context.Context, userID int64) (string, error) {
	sess, ok := d.sessions.Get(userID)
	if !ok || sess.Token == "" {
		return "", errs.ErrUnauthorized
	}
	if !d.tokens.ExpiringSoon(sess.Token) {
		return sess.Token, nil
	}
	return d.tokens.Refresh(ctx, userID, sess.RefreshToken)
}

func (d *Dispatcher) withToken(ctx context.Context, userID, chatID int64, h func(ctx context.Context, userID, chatID int64, token string)) {
	tok, err := d.authedToken(ctx, userID)
	if err != nil {
		d.replyErr(chatID, err)
		return
	}
	h(ctx, userID, chatID, tok)
}

func (d *Dispatcher) handleCancel(userID, chatID int64) {
	d.mu.Lock()
	_, loggingIn := d.logins[userID]
	delete(d.logins, userID)
	d.mu.Unlock()

	if d.transfers.Cancel(userID) || loggingIn {
		d.reply(chatID, "Cancelled.")
		return
	}
	d.reply(chatID, "Nothing to cancel.")
}

func (d *Dispatcher) handleEdit(userID, chatID int64, arg string) {
	st, err := d.transfers.Edit(userID, transfer.EditField(strings.ToLower(arg)))
	if err != nil {
		d.replyErr(chatID, err)
		return
	}
	d.prompt(chatID, st)
}

func (d *Dispatcher) handleKYC(ctx context.Context, userID, chatID int64, token string) {
	user, err := d.api.Me(ctx, token)
	if err != nil {
		d.replyErr(chatID, err)
		return
	}
	if user.KYCStatus == model.KYCApproved {
		d.reply(chatID, "Your KYC is approved. You can transfer funds.")
		return
	}
	d.reply(chatID, "KYC status: "+user.KYCStatus+". Transfers unlock once it is approved.")
}

func (d *Dispatcher) handleBalance(ctx context.Context, userID, chatID int64, token string) {
	balances, err := d.api.Balances(ctx, token)
	if err != nil {
		d.replyErr(chatID, err)
		return
	}
	d.reply(chatID, formatBalances(balances))
}

func (d *Dispatcher) handleHistory(ctx context.Context, userID, chatID int64, token string) {
	page, err := d.api.Transfers(ctx, token, 1, 10)
	if err != nil {
		d.replyErr(chatID, err)
		return
	}
	d.reply(chatID, formatHistory(page))
}

// requireKYC gates transfer entry points on the profile's KYC flag.
func (d *Dispatcher) requireKYC(ctx context.Context, chatID int64, token string) bool {
	user, err := d.api.Me(ctx, token)
	if err != nil {
		d.replyErr(chatID, err)
		return false
	}
	if user.KYCStatus != model.KYCApproved {
		d.reply(chatID, "Transfers require approved KYC. Check /kyc for your status.")
		return false
	}
	return true
}

func (d *Dispatcher) handleSendEntry(ctx context.Context, userID, chatID int64, token string) {
	if !d.requireKYC(ctx, chatID, token) {
		return
	}
	st := d.transfers.StartEmail(userID)
	d.prompt(chatID, st)
}

func (d *Dispatcher) handleWithdrawEntry(ctx context.Context, userID, chatID int64, token string) {
	if !d.requireKYC(ctx, chatID, token) {
		return
	}
	st := d.transfers.StartWithdraw(userID)
	d.prompt(chatID, st)
}

// handleText routes plain text to the login flow or the transfer machine
// by current step. Text with no active conversation is ignored: the
// conversation does not consume unrelated input.
func (d *Dispatcher) handleText(ctx context.Context, userID, chatID int64, text string) {
	if d.handleLoginInput(ctx, userID, chatID, text) {
		return
	}

	st, ok := d.transfers.Active(userID)
	if !ok {
		d.log.Debug("ignored text without conversation", zap.Int64("user", userID))
		return
	}

	tok, err := d.authedToken(ctx, userID)
	if err != nil {
		d.replyErr(chatID, err)
		return
	}

	switch st.Step {
	case model.StepAwaitingEmail:
		next, err := d.transfers.SubmitEmail(ctx, userID, tok, text)
		d.applyStep(chatID, next, err)
	case model.StepAwaitingAddress:
		next, err := d.transfers.SubmitAddress(ctx, userID, tok, text)
		d.applyStep(chatID, next, err)
	case model.StepAwaitingAmount:
		next, err := d.transfers.SubmitAmount(ctx, userID, tok, text)
		d.applyStep(chatID, next, err)
	case model.StepAwaitingCurrency:
		next, err := d.transfers.SubmitCurrency(ctx, userID, tok, text)
		d.applyStep(chatID, next, err)
	case model.StepAwaitingNetwork:
		next, err := d.transfers.SubmitNetwork(ctx, userID, tok, text)
		d.applyStep(chatID, next, err)
	case model.StepAwaitingConfirmation:
		d.handleConfirmationInput(ctx, userID, chatID, tok, text)
	}
}

func (d *Dispatcher) applyStep(chatID int64, st model.TransferState, err error) {
	if err != nil {
		if errors.Is(err, errs.ErrWrongStep) || errors.Is(err, errs.ErrNoActiveTransfer) {
			return // racing input for a stale step, drop it
		}
		d.replyErr(chatID, err)
		return
	}
	d.prompt(chatID, st)
}

func (d *Dispatcher) handleConfirmationInput(ctx context.Context, userID, chatID int64, token, text string) {
	switch strings.ToLower(text) {
	case "confirm", "yes":
		receipt, err := d.transfers.Confirm(ctx, userID, token)
		if err != nil {
			if errors.Is(err, errs.ErrWrongStep) || errors.Is(err, errs.ErrNoActiveTransfer) {
				return
			}
			d.replyErr(chatID, err)
			d.reply(chatID, "The transfer was not executed. You can type confirm to retry, /edit to change it or /cancel.")
			return
		}
		d.reply(chatID, formatReceipt(receipt))
	case "cancel":
		d.handleCancel(userID, chatID)
	default:
		d.reply(chatID, "Type confirm to execute, /edit amount|currency|recipient to change something, or /cancel.")
	}
}

func (d *Dispatcher) reply(chatID int64, text string) {
	if err := d.send.Send(chatID, text); err != nil {
		d.log.Warn("send reply", zap.Error(err), zap.Int64("chat", chatID))
	}
}

func (d *Dispatcher) replyKeyboard(chatID int64, text string, rows [][]string) {
	if err := d.send.SendKeyboard(chatID, text, rows); err != nil {
		d.log.Warn("send reply", zap.Error(err), zap.Int64("chat", chatID))
	}
}
