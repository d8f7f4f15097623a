// Package transfer drives the per-user multi-step transfer conversation.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/ledger"
	"github.com/avlasov/ledgerbot/internal/model"
)

// LedgerAPI is the subset of the ledger client the machine needs.
type LedgerAPI interface {
	CalculateFee(ctx context.Context, token string, req ledger.FeeRequest) (model.FeeQuote, error)
	ValidateRecipient(ctx context.Context, token string, req ledger.RecipientRequest) error
	SendToEmail(ctx context.Context, token string, req ledger.EmailTransferRequest) (model.Transfer, error)
	WalletWithdraw(ctx context.Context, token string, req ledger.WithdrawRequest) (model.Transfer, error)
}

// EditField selects which collected field an edit rewinds to.
type EditField string

const (
	EditRecipient EditField = "recipient"
	EditAmount    EditField = "amount"
	EditCurrency  EditField = "currency"
)

// Machine owns the per-user transfer state table. A state is created by an
// entry point, advanced by the step submits, and destroyed by completion,
// cancellation or an aborting failure.
//
// The mutex guards the table only; network calls run outside it. A step
// submit works on a copy and its write-back is discarded if the live state
// moved meanwhile, so a stale response can never overwrite a newer state.
// Inputs that do not match the current step return ErrWrongStep and mutate
// nothing.
type Machine struct {
	mu        sync.Mutex
	states    map[int64]*model.TransferState
	executing map[int64]bool
	api       LedgerAPI

	now func() time.Time
}

// NewMachine constructs a Machine over the given ledger collaborator.
func NewMachine(api LedgerAPI) *Machine {
	return &Machine{
		states:    make(map[int64]*model.TransferState),
		executing: make(map[int64]bool),
		api:       api,
		now:       time.Now,
	}
}

// StartEmail opens an email-transfer conversation, replacing any previous one.
func (m *Machine) StartEmail(userID int64) model.TransferState {
	return m.start(userID, model.TransferEmail, model.StepAwaitingEmail)
}

// StartWithdraw opens a wallet-withdrawal conversation, replacing any
// previous one.
func (m *Machine) StartWithdraw(userID int64) model.TransferState {
	return m.start(userID, model.TransferWithdraw, model.StepAwaitingAddress)
}

func (m *Machine) start(userID int64, t model.TransferType, step model.TransferStep) model.TransferState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &model.TransferState{Type: t, Step: step, StartedAt: m.now()}
	m.states[userID] = st
	delete(m.executing, userID)
	return *st
}

// Active returns a copy of the user's in-progress state, if any.
func (m *Machine) Active(userID int64) (model.TransferState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return model.TransferState{}, false
	}
	return *st, true
}

// Cancel discards the whole conversation unconditionally.
func (m *Machine) Cancel(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[userID]
	delete(m.states, userID)
	delete(m.executing, userID)
	return ok
}

// take returns a copy of the state if it is at the step the input is
// intended for. A mismatch is not a user-facing error; the caller ignores it.
func (m *Machine) take(userID int64, step model.TransferStep) (model.TransferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return model.TransferState{}, errs.ErrNoActiveTransfer
	}
	if st.Step != step {
		return model.TransferState{}, errs.ErrWrongStep
	}
	return *st, nil
}

// stepOrder is the type-specific sequence of input steps.
func stepOrder(t model.TransferType) []model.TransferStep {
	if t == model.TransferWithdraw {
		return []model.TransferStep{
			model.StepAwaitingAddress,
			model.StepAwaitingCurrency,
			model.StepAwaitingNetwork,
			model.StepAwaitingAmount,
		}
	}
	return []model.TransferStep{
		model.StepAwaitingEmail,
		model.StepAwaitingAmount,
		model.StepAwaitingCurrency,
	}
}

func fieldFilled(st *model.TransferState, step model.TransferStep) bool {
	switch step {
	case model.StepAwaitingEmail:
		return st.RecipientEmail != ""
	case model.StepAwaitingAddress:
		return st.WalletAddress != ""
	case model.StepAwaitingAmount:
		return st.Amount != ""
	case model.StepAwaitingCurrency:
		return st.Currency != ""
	case model.StepAwaitingNetwork:
		return st.Network != ""
	}
	return true
}

// nextStep is the first step whose field is still empty, else confirmation.
// Skipping filled steps is what lets an edit rejoin the flow without
// revisiting them.
func nextStep(st *model.TransferState) model.TransferStep {
	for _, step := range stepOrder(st.Type) {
		if !fieldFilled(st, step) {
			return step
		}
	}
	return model.StepAwaitingConfirmation
}

// finish advances the mutated copy and writes it back. Entering the
// confirmation step prices the transfer first; a fee failure aborts the
// whole conversation rather than confirming with missing fee data. The
// write-back is discarded when the live state moved past `from` while a
// network call was in flight.
func (m *Machine) finish(ctx context.Context, userID int64, token string, from model.TransferStep, st model.TransferState) (model.TransferState, error) {
	next := nextStep(&st)
	if next == model.StepAwaitingConfirmation {
		quote, err := m.api.CalculateFee(ctx, token, ledger.FeeRequest{
			Amount:   st.Amount,
			Currency: st.Currency,
			Type:     string(st.Type),
			Network:  st.Network,
		})
		if err != nil {
			m.drop(userID, from)
			return model.TransferState{}, fmt.Errorf("calculate fee: %w", err)
		}
		st.Fee = quote.Fee
		st.FeeCurrency = quote.FeeCurrency
		st.Total = quote.Total
	}
	st.Step = next

	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.states[userID]
	if !ok || live.Step != from {
		return model.TransferState{}, errs.ErrWrongStep
	}
	*live = st
	return st, nil
}

// drop aborts the conversation unless it already moved past `from`.
func (m *Machine) drop(userID int64, from model.TransferStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live, ok := m.states[userID]; ok && live.Step == from {
		delete(m.states, userID)
	}
}

// SubmitEmail handles the recipient step of the email flow.
func (m *Machine) SubmitEmail(ctx context.Context, userID int64, token, email string) (model.TransferState, error) {
	st, err := m.take(userID, model.StepAwaitingEmail)
	if err != nil {
		return model.TransferState{}, err
	}
	email = strings.TrimSpace(email)
	if !ValidEmail(email) {
		return model.TransferState{}, errs.Validationf("that does not look like an email address, try again")
	}
	if err := m.api.ValidateRecipient(ctx, token, ledger.RecipientRequest{RecipientEmail: email}); err != nil {
		return model.TransferState{}, fmt.Errorf("validate recipient: %w", err)
	}
	st.RecipientEmail = email
	return m.finish(ctx, userID, token, model.StepAwaitingEmail, st)
}

// SubmitAddress handles the recipient step of the withdrawal flow. Format
// validation is deferred to the network step, since an address's validity
// depends on the not-yet-collected network.
func (m *Machine) SubmitAddress(ctx context.Context, userID int64, token, address string) (model.TransferState, error) {
	st, err := m.take(userID, model.StepAwaitingAddress)
	if err != nil {
		return model.TransferState{}, err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return model.TransferState{}, errs.Validationf("enter a wallet address")
	}
	st.WalletAddress = address
	return m.finish(ctx, userID, token, model.StepAwaitingAddress, st)
}

// SubmitAmount handles the amount step. In the withdrawal flow the currency
// is already known, so the full per-currency check runs here; the email
// flow defers it to the currency step unless an edit filled the currency
// first.
func (m *Machine) SubmitAmount(ctx context.Context, userID int64, token, amount string) (model.TransferState, error) {
	st, err := m.take(userID, model.StepAwaitingAmount)
	if err != nil {
		return model.TransferState{}, err
	}
	amount = strings.TrimSpace(amount)
	if st.Currency != "" {
		if err := validateAmount(amount, model.Currencies[st.Currency]); err != nil {
			return model.TransferState{}, err
		}
	} else if err := validateAmountShape(amount); err != nil {
		return model.TransferState{}, err
	}
	st.Amount = amount
	return m.finish(ctx, userID, token, model.StepAwaitingAmount, st)
}

// SubmitCurrency handles the currency step. In the email flow the amount is
// already collected, so the currency-specific minimum and precision are
// checked here; a violation keeps the step so the user can pick another
// currency, edit the amount or cancel.
func (m *Machine) SubmitCurrency(ctx context.Context, userID int64, token, code string) (model.TransferState, error) {
	st, err := m.take(userID, model.StepAwaitingCurrency)
	if err != nil {
		return model.TransferState{}, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	cur, ok := model.Currencies[code]
	if !ok {
		return model.TransferState{}, errs.Validationf("currency %q is not supported", code)
	}
	if st.Type == model.TransferWithdraw && len(cur.Networks) == 0 {
		return model.TransferState{}, errs.Validationf("%s cannot be withdrawn to a wallet", cur.Code)
	}
	if st.Amount != "" {
		if err := validateAmount(st.Amount, cur); err != nil {
			return model.TransferState{}, err
		}
	}
	st.Currency = code
	return m.finish(ctx, userID, token, model.StepAwaitingCurrency, st)
}

// SubmitNetwork handles the network step of the withdrawal flow. With both
// address and network now present, the deferred format check and the remote
// recipient validation run here.
func (m *Machine) SubmitNetwork(ctx context.Context, userID int64, token, network string) (model.TransferState, error) {
	st, err := m.take(userID, model.StepAwaitingNetwork)
	if err != nil {
		return model.TransferState{}, err
	}
	network = strings.ToLower(strings.TrimSpace(network))
	cur := model.Currencies[st.Currency]
	supported := false
	for _, n := range cur.Networks {
		if n == network {
			supported = true
			break
		}
	}
	if !supported {
		return model.TransferState{}, errs.Validationf("%s is not available on network %q", cur.Code, network)
	}
	if err := validateAddress(st.WalletAddress, network); err != nil {
		return model.TransferState{}, err
	}
	if err := m.api.ValidateRecipient(ctx, token, ledger.RecipientRequest{
		WalletAddress: st.WalletAddress,
		Network:       network,
	}); err != nil {
		return model.TransferState{}, fmt.Errorf("validate recipient: %w", err)
	}
	st.Network = network
	return m.finish(ctx, userID, token, model.StepAwaitingNetwork, st)
}

// Confirm executes the transfer with the previously computed fee fields.
// Success clears the state and returns the receipt; failure preserves the
// state so the user can retry or edit instead of restarting. A second
// confirm while one is executing is ignored.
func (m *Machine) Confirm(ctx context.Context, userID int64, token string) (model.Transfer, error) {
	m.mu.Lock()
	st, ok := m.states[userID]
	switch {
	case !ok:
		m.mu.Unlock()
		return model.Transfer{}, errs.ErrNoActiveTransfer
	case st.Step != model.StepAwaitingConfirmation:
		m.mu.Unlock()
		return model.Transfer{}, errs.ErrWrongStep
	case m.executing[userID]:
		m.mu.Unlock()
		return model.Transfer{}, errs.ErrWrongStep
	}
	m.executing[userID] = true
	snapshot := *st
	m.mu.Unlock()

	ref, err := uuid.NewV4()
	if err != nil {
		m.clearExecuting(userID)
		return model.Transfer{}, err
	}

	var receipt model.Transfer
	switch snapshot.Type {
	case model.TransferEmail:
		receipt, err = m.api.SendToEmail(ctx, token, ledger.EmailTransferRequest{
			Email:       snapshot.RecipientEmail,
			Amount:      snapshot.Amount,
			Currency:    snapshot.Currency,
			Fee:         snapshot.Fee,
			FeeCurrency: snapshot.FeeCurrency,
			Total:       snapshot.Total,
			PurposeCode: "self",
			Reference:   ref.String(),
		})
	case model.TransferWithdraw:
		receipt, err = m.api.WalletWithdraw(ctx, token, ledger.WithdrawRequest{
			WalletAddress: snapshot.WalletAddress,
			Amount:        snapshot.Amount,
			Currency:      snapshot.Currency,
			Network:       snapshot.Network,
			Fee:           snapshot.Fee,
			FeeCurrency:   snapshot.FeeCurrency,
			Total:         snapshot.Total,
			PurposeCode:   "self",
			Reference:     ref.String(),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executing, userID)
	if err != nil {
		return model.Transfer{}, fmt.Errorf("execute transfer: %w", err)
	}
	if live, ok := m.states[userID]; ok && live.Step == model.StepAwaitingConfirmation {
		delete(m.states, userID)
	}
	return receipt, nil
}

func (m *Machine) clearExecuting(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executing, userID)
}

// Edit rewinds to the chosen field's step, keeping every other collected
// field. Fee fields are discarded; they are recomputed when the flow
// reaches confirmation again.
func (m *Machine) Edit(userID int64, field EditField) (model.TransferState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return model.TransferState{}, errs.ErrNoActiveTransfer
	}

	st.Fee, st.FeeCurrency, st.Total = "", "", ""
	switch field {
	case EditRecipient:
		if st.Type == model.TransferEmail {
			st.RecipientEmail = ""
			st.Step = model.StepAwaitingEmail
		} else {
			// A new address invalidates the network pairing too.
			st.WalletAddress = ""
			st.Network = ""
			st.Step = model.StepAwaitingAddress
		}
	case EditAmount:
		st.Amount = ""
		st.Step = model.StepAwaitingAmount
	case EditCurrency:
		st.Currency = ""
		if st.Type == model.TransferWithdraw {
			// Network depends on currency.
			st.Network = ""
		}
		st.Step = model.StepAwaitingCurrency
	default:
		return model.TransferState{}, errs.Validationf("you can edit: recipient, amount or currency")
	}
	return *st, nil
}
