package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/limiter"
	"github.com/avlasov/ledgerbot/internal/model"
)

const helpText = `Commands:
/login — authenticate with your ledger account
/balance — wallet balances
/send — send funds to an email
/withdraw — withdraw to a wallet address
/history — recent transfers
/kyc — verification status
/edit amount|currency|recipient — change a field mid-transfer
/cancel — abort the current conversation
/logout — end the session
/support — get help`

const supportText = "Questions or problems? Write to support@copperx.io and we will sort it out."

func (d *Dispatcher) replyLimited(chatID int64, dec limiter.Decision) {
	if dec.Banned {
		mins := int(dec.RetryAfter.Round(time.Minute) / time.Minute)
		if mins < 1 {
			mins = 1
		}
		d.reply(chatID, fmt.Sprintf("You are temporarily blocked for repeated flooding. Try again in %d min.", mins))
		return
	}
	secs := int(dec.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	d.reply(chatID, fmt.Sprintf("Too many requests. Wait %d s and try again.", secs))
}

// replyErr renders an error to the user. Backend messages are shown
// verbatim when present; everything else degrades to a recoverable hint —
// no failure leaves the user without a way to continue.
func (d *Dispatcher) replyErr(chatID int64, err error) {
	var vErr *errs.ValidationError
	var apiErr *errs.APIError
	switch {
	case errors.As(err, &vErr):
		d.reply(chatID, vErr.Message)
	case errors.Is(err, errs.ErrSessionExpired):
		d.reply(chatID, "Your session expired, please /login again.")
	case errors.Is(err, errs.ErrUnauthorized):
		d.reply(chatID, "Please /login first.")
	case errors.As(err, &apiErr) && apiErr.Message != "":
		d.reply(chatID, apiErr.Message)
	case errors.Is(err, errs.ErrNoActiveTransfer):
		d.reply(chatID, "There is no transfer in progress. Start one with /send or /withdraw.")
	case errors.Is(err, errs.ErrNetwork):
		d.reply(chatID, "The ledger service is unreachable right now, try again in a moment.")
	default:
		d.reply(chatID, "Something went wrong, please try again.")
	}
}

// prompt asks for the input the current step awaits.
func (d *Dispatcher) prompt(chatID int64, st model.TransferState) {
	switch st.Step {
	case model.StepAwaitingEmail:
		d.reply(chatID, "Who should receive the funds? Enter the recipient's email.")
	case model.StepAwaitingAddress:
		d.reply(chatID, "Enter the destination wallet address.")
	case model.StepAwaitingAmount:
		if st.Currency != "" {
			cur := model.Currencies[st.Currency]
			d.reply(chatID, fmt.Sprintf("Enter the amount of %s to send (minimum %s).", cur.Code, cur.Min))
			return
		}
		d.reply(chatID, "Enter the amount to send.")
	case model.StepAwaitingCurrency:
		d.replyKeyboard(chatID, "Pick a currency.", currencyKeyboard(st.Type))
	case model.StepAwaitingNetwork:
		cur := model.Currencies[st.Currency]
		d.replyKeyboard(chatID, "Pick the network.", [][]string{cur.Networks})
	case model.StepAwaitingConfirmation:
		d.reply(chatID, formatConfirmation(st))
	}
}

func currencyKeyboard(t model.TransferType) [][]string {
	var row []string
	for _, code := range []string{"USD", "USDT", "USDC", "BTC", "ETH"} {
		cur := model.Currencies[code]
		if t == model.TransferWithdraw && len(cur.Networks) == 0 {
			continue
		}
		row = append(row, code)
	}
	return [][]string{row}
}

func formatConfirmation(st model.TransferState) string {
	var b strings.Builder
	if st.Type == model.TransferEmail {
		fmt.Fprintf(&b, "Send %s %s to %s\n", st.Amount, st.Currency, st.RecipientEmail)
	} else {
		fmt.Fprintf(&b, "Withdraw %s %s to %s (%s)\n", st.Amount, st.Currency, st.WalletAddress, st.Network)
	}
	fmt.Fprintf(&b, "Fee: %s %s\nTotal: %s %s\n\n", st.Fee, st.FeeCurrency, st.Total, st.Currency)
	b.WriteString("Type confirm to execute, /edit to change a field, /cancel to abort.")
	return b.String()
}

func formatReceipt(tr model.Transfer) string {
	return fmt.Sprintf("Done. Transfer %s: %s %s, status %s.", tr.ID, tr.Amount, tr.Currency, tr.Status)
}

func formatBalances(balances []model.Balance) string {
	if len(balances) == 0 {
		return "All your wallets are empty."
	}
	var b strings.Builder
	b.WriteString("Balances:\n")
	for _, bal := range balances {
		if bal.Network != "" {
			fmt.Fprintf(&b, "• %s %s (%s)\n", bal.Amount, bal.Currency, bal.Network)
			continue
		}
		fmt.Fprintf(&b, "• %s %s\n", bal.Amount, bal.Currency)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(page model.HistoryPage) string {
	if len(page.Transfers) == 0 {
		return "No transfers yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last %d of %d transfers:\n", len(page.Transfers), page.Total)
	for _, tr := range page.Transfers {
		fmt.Fprintf(&b, "• %s  %s %s  %s  %s\n",
			tr.CreatedAt.Format("02 Jan 15:04"), tr.Amount, tr.Currency, tr.Type, tr.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}
