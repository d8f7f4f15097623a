package transfer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/avlasov/ledgerbot/internal/errs"
	"github.com/avlasov/ledgerbot/internal/model"
)

var (
	emailRx   = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	btcRx     = regexp.MustCompile(`^(bc1[a-z0-9]{25,87}|[13][1-9A-HJ-NP-Za-km-z]{25,34})$`)
	evmRx     = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	tronRx    = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	networkRx = map[string]*regexp.Regexp{
		"bitcoin":  btcRx,
		"ethereum": evmRx,
		"polygon":  evmRx,
		"tron":     tronRx,
	}
)

// ValidEmail reports whether s has the shape of an email address. The
// ledger performs the authoritative recipient check; this only rejects
// obvious non-addresses before a network round trip.
func ValidEmail(s string) bool {
	return emailRx.MatchString(s)
}

// validateAddress checks network-specific address format. It runs only once
// the network is known; the address step itself stores the raw input.
func validateAddress(address, network string) error {
	rx, ok := networkRx[network]
	if !ok {
		return errs.Validationf("network %q is not supported", network)
	}
	if !rx.MatchString(address) {
		return errs.Validationf("the address does not look like a valid %s address", network)
	}
	return nil
}

// minorUnits parses a decimal amount string into integer minor units with
// the given precision. Rejects malformed input, excess precision and
// values that do not fit in int64.
func minorUnits(s string, decimals int) (int64, error) {
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if fracPart == "" && intPart == "0" && !strings.Contains(s, ".") && s != "0" {
		return 0, errs.Validationf("enter a numeric amount, e.g. 10.50")
	}
	for _, part := range []string{intPart, fracPart} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return 0, errs.Validationf("enter a numeric amount, e.g. 10.50")
			}
		}
	}
	if len(fracPart) > decimals {
		return 0, errs.Validationf("at most %d decimal places are allowed", decimals)
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return 0, nil
	}
	if len(combined) > 18 {
		return 0, errs.Validationf("amount is too large")
	}
	v, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, errs.Validationf("enter a numeric amount, e.g. 10.50")
	}
	return v, nil
}

// validateAmount checks format, precision and the currency-specific
// minimum. Positive is required in all cases.
func validateAmount(amount string, cur model.Currency) error {
	v, err := minorUnits(amount, cur.Decimals)
	if err != nil {
		return err
	}
	if v <= 0 {
		return errs.Validationf("amount must be positive")
	}
	min, err := minorUnits(cur.Min, cur.Decimals)
	if err != nil {
		return err
	}
	if v < min {
		return errs.Validationf("minimum amount for %s is %s", cur.Code, cur.Min)
	}
	return nil
}

// validateAmountShape checks only that the amount is a positive number with
// a sane precision. Used in the email flow, where the currency is collected
// after the amount; the currency-specific check runs at the currency step.
func validateAmountShape(amount string) error {
	v, err := minorUnits(amount, 8)
	if err != nil {
		return err
	}
	if v <= 0 {
		return errs.Validationf("amount must be positive")
	}
	return nil
}
