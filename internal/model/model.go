// Package model defines domain entities shared by services and transports.
package model

import "time"

// Tokens collects credentials issued by the ledger API on authentication.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Session binds a user identity to its chat destination and credentials.
// Token and OrganizationID are empty while the user is not authenticated.
type Session struct {
	UserID         int64
	ChatID         int64
	Token          string
	RefreshToken   string
	OrganizationID string
	LastActive     time.Time
}

// TransferType selects the destination kind of a transfer conversation.
type TransferType string

const (
	TransferEmail    TransferType = "email"
	TransferWithdraw TransferType = "withdraw"
)

// TransferStep is the conversation step currently awaiting user input.
type TransferStep string

const (
	StepAwaitingEmail        TransferStep = "awaiting_email"
	StepAwaitingAddress      TransferStep = "awaiting_address"
	StepAwaitingAmount       TransferStep = "awaiting_amount"
	StepAwaitingCurrency     TransferStep = "awaiting_currency"
	StepAwaitingNetwork      TransferStep = "awaiting_network"
	StepAwaitingConfirmation TransferStep = "awaiting_confirmation"
)

// TransferState is a per-user in-progress transfer conversation.
// Destination is RecipientEmail XOR WalletAddress+Network, depending on Type.
// Fee, FeeCurrency and Total are set on entering the confirmation step.
type TransferState struct {
	Type TransferType
	Step TransferStep

	RecipientEmail string
	WalletAddress  string
	Amount         string
	Currency       string
	Network        string

	Fee         string
	FeeCurrency string
	Total       string

	StartedAt time.Time
}

// Currency describes a supported asset: display precision, minimum transfer
// amount and the networks a wallet withdrawal may use (empty = internal only).
type Currency struct {
	Code     string
	Decimals int
	Min      string
	Networks []string
}

// Currencies is the supported asset table, keyed by upper-case code.
var Currencies = map[string]Currency{
	"BTC":  {Code: "BTC", Decimals: 8, Min: "0.0001", Networks: []string{"bitcoin"}},
	"ETH":  {Code: "ETH", Decimals: 8, Min: "0.01", Networks: []string{"ethereum"}},
	"USDT": {Code: "USDT", Decimals: 6, Min: "1", Networks: []string{"ethereum", "polygon", "tron"}},
	"USDC": {Code: "USDC", Decimals: 6, Min: "1", Networks: []string{"ethereum", "polygon"}},
	"USD":  {Code: "USD", Decimals: 2, Min: "1"},
}

// KYC statuses as reported by the ledger profile endpoint.
const (
	KYCApproved = "approved"
	KYCPending  = "pending"
)

// User is the ledger-side account record returned by the profile endpoint.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	OrganizationID string `json:"organizationId"`
	KYCStatus      string `json:"kycStatus"`
}

// Balance is one wallet balance entry.
type Balance struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Network  string `json:"network,omitempty"`
}

// FeeQuote is the fee breakdown computed by the ledger before execution.
type FeeQuote struct {
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	Total       string `json:"total"`
}

// Transfer is an executed or historical transfer record.
type Transfer struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	RecipientInfo string    `json:"recipient,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HistoryPage is one page of the transfer history listing.
type HistoryPage struct {
	Transfers []Transfer `json:"transfers"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	Limit     int        `json:"limit"`
}
