package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/avlasov/ledgerbot/internal/ledger"
	"github.com/avlasov/ledgerbot/internal/limiter"
	"github.com/avlasov/ledgerbot/internal/model"
	"github.com/avlasov/ledgerbot/internal/session"
	"github.com/avlasov/ledgerbot/internal/token"
	"github.com/avlasov/ledgerbot/internal/transfer"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) Send(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeSender) SendKeyboard(chatID int64, text string, rows [][]string) error {
	return f.Send(chatID, text)
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatalf("no reply was sent")
	}
	return f.msgs[len(f.msgs)-1]
}

// fakeAPI backs both the dispatcher and the transfer machine.
type fakeAPI struct {
	kyc string

	otpEmail  string
	authEmail string
	authOTP   string
	authSID   string

	sendCalls int
	lastEmail ledger.EmailTransferRequest

	history model.HistoryPage
}

func (f *fakeAPI) RequestOTP(ctx context.Context, email string) (string, error) {
	f.otpEmail = email
	return "sid-1", nil
}

func (f *fakeAPI) Authenticate(ctx context.Context, email, otp, sid string) (model.Tokens, model.User, error) {
	f.authEmail, f.authOTP, f.authSID = email, otp, sid
	return model.Tokens{AccessToken: freshJWT, RefreshToken: "rt"},
		model.User{ID: "u1", Email: email, KYCStatus: f.kyc, OrganizationID: "org"}, nil
}

func (f *fakeAPI) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	return freshJWT, nil
}

func (f *fakeAPI) Me(ctx context.Context, token string) (model.User, error) {
	return model.User{ID: "u1", KYCStatus: f.kyc}, nil
}

func (f *fakeAPI) Balances(ctx context.Context, token string) ([]model.Balance, error) {
	return []model.Balance{{Currency: "USD", Amount: "250"}}, nil
}

func (f *fakeAPI) Transfers(ctx context.Context, token string, page, limit int) (model.HistoryPage, error) {
	hp := f.history
	hp.Page, hp.Limit = page, limit
	return hp, nil
}

func (f *fakeAPI) CalculateFee(ctx context.Context, token string, req ledger.FeeRequest) (model.FeeQuote, error) {
	return model.FeeQuote{Fee: "1.5", FeeCurrency: req.Currency, Total: "101.5"}, nil
}

func (f *fakeAPI) ValidateRecipient(ctx context.Context, token string, req ledger.RecipientRequest) error {
	return nil
}

func (f *fakeAPI) SendToEmail(ctx context.Context, token string, req ledger.EmailTransferRequest) (model.Transfer, error) {
	f.sendCalls++
	f.lastEmail = req
	return model.Transfer{ID: "t1", Amount: req.Amount, Currency: req.Currency, Status: "pending"}, nil
}

func (f *fakeAPI) WalletWithdraw(ctx context.Context, token string, req ledger.WithdrawRequest) (model.Transfer, error) {
	return model.Transfer{ID: "w1", Status: "pending"}, nil
}

// freshJWT is a token far from its expiry so no refresh kicks in mid-test.
var freshJWT = func() string {
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour))}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		panic(err)
	}
	return s
}()

func newTestDispatcher(api *fakeAPI, max int) (*Dispatcher, *fakeSender, *session.Store) {
	send := &fakeSender{}
	sessions := session.New()
	lim := limiter.NewMemory(time.Minute, max)
	tokens := token.NewManager(api, sessions)
	machine := transfer.NewMachine(api)
	d := New(zap.NewNop(), send, lim, sessions, tokens, machine, api)
	return d, send, sessions
}

func drive(d *Dispatcher, userID int64, inputs ...string) {
	for _, in := range inputs {
		d.HandleUpdate(context.Background(), userID, userID*10, in)
	}
}

func TestLoginThenSend_EndToEnd(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, sessions := newTestDispatcher(api, 100)

	drive(d, 1, "/login", "user@example.com", "123456")

	if api.otpEmail != "user@example.com" {
		t.Fatalf("otp requested for %q", api.otpEmail)
	}
	if api.authOTP != "123456" || api.authSID != "sid-1" {
		t.Fatalf("authenticate: otp=%q sid=%q", api.authOTP, api.authSID)
	}
	sess, ok := sessions.Get(1)
	if !ok || sess.Token != freshJWT || sess.OrganizationID != "org" {
		t.Fatalf("session after login: %+v %v", sess, ok)
	}
	if !strings.Contains(send.last(t), "Logged in as user@example.com") {
		t.Fatalf("login reply: %q", send.last(t))
	}

	drive(d, 1, "/send", "a@b.com", "100", "USD", "confirm")

	if api.sendCalls != 1 {
		t.Fatalf("want exactly one executed transfer, got %d", api.sendCalls)
	}
	req := api.lastEmail
	if req.Email != "a@b.com" || req.Amount != "100" || req.Currency != "USD" {
		t.Fatalf("executed request: %+v", req)
	}
	if req.Fee != "1.5" || req.Total != "101.5" {
		t.Fatalf("fee fields not carried into execution: %+v", req)
	}
	if !strings.Contains(send.last(t), "Done. Transfer t1") {
		t.Fatalf("receipt: %q", send.last(t))
	}

	// The conversation is over: further plain text is silently ignored.
	before := len(send.msgs)
	drive(d, 1, "50")
	if len(send.msgs) != before {
		t.Fatalf("text after completion produced a reply")
	}
}

func TestCommands_RequireLogin(t *testing.T) {
	t.Parallel()
	d, send, _ := newTestDispatcher(&fakeAPI{kyc: model.KYCApproved}, 100)

	for _, cmd := range []string{"/balance", "/history", "/send", "/withdraw", "/kyc"} {
		drive(d, 1, cmd)
		if got := send.last(t); got != "Please /login first." {
			t.Fatalf("%s without session: %q", cmd, got)
		}
	}
}

func TestSend_BlockedWithoutKYC(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCPending}
	d, send, _ := newTestDispatcher(api, 100)

	drive(d, 1, "/login", "user@example.com", "123456", "/send")
	if !strings.Contains(send.last(t), "require approved KYC") {
		t.Fatalf("kyc gate reply: %q", send.last(t))
	}
	// No conversation was opened, so a would-be email goes nowhere.
	before := len(send.msgs)
	drive(d, 1, "a@b.com")
	if len(send.msgs) != before {
		t.Fatalf("transfer conversation opened despite pending KYC")
	}
}

func TestRateLimit_DeniesAndReportsWait(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, _ := newTestDispatcher(api, 2)

	drive(d, 1, "/logout", "/logout", "/logout")
	if !strings.Contains(send.last(t), "Too many requests") {
		t.Fatalf("limited reply: %q", send.last(t))
	}

	// Whitelisted commands still answer while the window is exhausted.
	drive(d, 1, "/help")
	if !strings.Contains(send.last(t), "Commands:") {
		t.Fatalf("whitelisted /help blocked: %q", send.last(t))
	}
}

func TestCancel_MidConversation(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, _ := newTestDispatcher(api, 100)

	drive(d, 1, "/cancel")
	if got := send.last(t); got != "Nothing to cancel." {
		t.Fatalf("idle cancel: %q", got)
	}

	drive(d, 1, "/login", "user@example.com", "123456", "/send", "a@b.com", "/cancel")
	if got := send.last(t); got != "Cancelled." {
		t.Fatalf("cancel: %q", got)
	}
	if api.sendCalls != 0 {
		t.Fatalf("cancelled conversation executed a transfer")
	}
	before := len(send.msgs)
	drive(d, 1, "100")
	if len(send.msgs) != before {
		t.Fatalf("input after cancel was consumed")
	}
}

func TestEdit_RejoinsFlowAtConfirmation(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, _ := newTestDispatcher(api, 100)

	drive(d, 1, "/login", "user@example.com", "123456",
		"/send", "a@b.com", "100", "USD",
		"/edit amount", "200", "confirm")

	if api.sendCalls != 1 {
		t.Fatalf("want one execution, got %d", api.sendCalls)
	}
	if api.lastEmail.Amount != "200" || api.lastEmail.Email != "a@b.com" {
		t.Fatalf("edited request: %+v", api.lastEmail)
	}
	if !strings.Contains(send.last(t), "Done.") {
		t.Fatalf("receipt: %q", send.last(t))
	}
}

func TestConfirmation_UnknownInputHints(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, _ := newTestDispatcher(api, 100)

	drive(d, 1, "/login", "user@example.com", "123456",
		"/send", "a@b.com", "100", "USD", "maybe?")

	if api.sendCalls != 0 {
		t.Fatalf("unknown input executed the transfer")
	}
	if !strings.Contains(send.last(t), "Type confirm to execute") {
		t.Fatalf("hint: %q", send.last(t))
	}
}

func TestLogout_ClearsSessionAndConversation(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{kyc: model.KYCApproved}
	d, send, sessions := newTestDispatcher(api, 100)

	drive(d, 1, "/login", "user@example.com", "123456", "/send", "a@b.com", "/logout")
	if _, ok := sessions.Get(1); ok {
		t.Fatalf("session survived logout")
	}
	drive(d, 1, "100")
	if got := send.last(t); got != "You are logged out." {
		t.Fatalf("conversation survived logout, reply %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	d, send, _ := newTestDispatcher(&fakeAPI{}, 100)

	drive(d, 1, "/frobnicate")
	if got := send.last(t); got != "Unknown command. Try /help." {
		t.Fatalf("reply: %q", got)
	}
}
