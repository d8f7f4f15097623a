// Package ledger is the HTTP client for the remote financial-ledger API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/model"
)

// FeeRequest asks the ledger to price a transfer before execution.
type FeeRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Type     string `json:"type"`
	Network  string `json:"network,omitempty"`
}

// RecipientRequest validates a destination. Exactly one destination kind
// is set: RecipientEmail, or WalletAddress with Network.
type RecipientRequest struct {
	RecipientEmail string `json:"recipientEmail,omitempty"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	Network        string `json:"network,omitempty"`
}

// EmailTransferRequest executes an internal transfer to an email recipient.
type EmailTransferRequest struct {
	Email       string `json:"email"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	Total       string `json:"total"`
	PurposeCode string `json:"purposeCode"`
	Reference   string `json:"reference,omitempty"` // client idempotency key
}

// WithdrawRequest executes an on-chain withdrawal to a wallet address.
type WithdrawRequest struct {
	WalletAddress string `json:"walletAddress"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Network       string `json:"network"`
	Fee           string `json:"fee"`
	FeeCurrency   string `json:"feeCurrency"`
	Total         string `json:"total"`
	PurposeCode   string `json:"purposeCode"`
	Reference     string `json:"reference,omitempty"` // client idempotency key
}

// Client talks to the ledger API with per-call bearer tokens.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Message string `json:"message"`
}

// do runs one JSON exchange. Backend rejections become *errs.APIError with
// the backend message when one is present; transport failures wrap
// errs.ErrNetwork.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &errs.APIError{Status: resp.StatusCode, Message: eb.Message}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// RequestOTP starts an email OTP login and returns the session id to quote
// back on authentication.
func (c *Client) RequestOTP(ctx context.Context, email string) (string, error) {
	var resp struct {
		SID string `json:"sid"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/email-otp/request", "",
		map[string]string{"email": email}, &resp)
	if err != nil {
		return "", err
	}
	return resp.SID, nil
}

// Authenticate exchanges email+OTP for tokens and the user record.
func (c *Client) Authenticate(ctx context.Context, email, otp, sid string) (model.Tokens, model.User, error) {
	var resp struct {
		AccessToken  string     `json:"accessToken"`
		RefreshToken string     `json:"refreshToken"`
		User         model.User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/email-otp/authenticate", "",
		map[string]string{"email": email, "otp": otp, "sid": sid}, &resp)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return model.Tokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}, resp.User, nil
}

// RefreshToken exchanges a refresh credential for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/refresh", "",
		map[string]string{"refreshToken": refreshToken}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Me fetches the authenticated user's profile, including the KYC flag.
func (c *Client) Me(ctx context.Context, token string) (model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", token, nil, &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// Balances lists wallet balances. A payload that is not an array is an
// error; it is never silently coerced.
func (c *Client) Balances(ctx context.Context, token string) ([]model.Balance, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/wallets/balances", token, nil, &raw); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("balances: expected array, got %q", preview(trimmed))
	}
	var balances []model.Balance
	if err := json.Unmarshal(trimmed, &balances); err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	return balances, nil
}

// CalculateFee prices a transfer.
func (c *Client) CalculateFee(ctx context.Context, token string, req FeeRequest) (model.FeeQuote, error) {
	var quote model.FeeQuote
	if err := c.do(ctx, http.MethodPost, "/transfers/calculate-fee", token, req, &quote); err != nil {
		return model.FeeQuote{}, err
	}
	return quote, nil
}

// ValidateRecipient checks a destination; any error body means invalid.
func (c *Client) ValidateRecipient(ctx context.Context, token string, req RecipientRequest) error {
	return c.do(ctx, http.MethodPost, "/transfers/validate-recipient", token, req, nil)
}

// SendToEmail executes an email transfer.
func (c *Client) SendToEmail(ctx context.Context, token string, req EmailTransferRequest) (model.Transfer, error) {
	var tr model.Transfer
	if err := c.do(ctx, http.MethodPost, "/transfers/send", token, req, &tr); err != nil {
		return model.Transfer{}, err
	}
	return tr, nil
}

// WalletWithdraw executes an on-chain withdrawal.
func (c *Client) WalletWithdraw(ctx context.Context, token string, req WithdrawRequest) (model.Transfer, error) {
	var tr model.Transfer
	if err := c.do(ctx, http.MethodPost, "/transfers/wallet-withdraw", token, req, &tr); err != nil {
		return model.Transfer{}, err
	}
	return tr, nil
}

// Transfers lists one page of transfer history.
func (c *Client) Transfers(ctx context.Context, token string, page, limit int) (model.HistoryPage, error) {
	var hp model.HistoryPage
	path := "/transfers?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &hp); err != nil {
		return model.HistoryPage{}, err
	}
	return hp, nil
}

func preview(b []byte) string {
	const n = 32
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
