package kraken

import (
	"net/http"
	"strings"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

// classifyCodes maps Kraken error strings onto the shared taxonomy. The
// first recognised code wins.
func classifyCodes(codes []string) error {
	for _, code := range codes {
		switch {
		case strings.Contains(code, "Unknown asset pair"), strings.HasPrefix(code, "EQuery:Invalid asset pair"):
			return exchange.ErrUnknownPair
		case strings.Contains(code, "Insufficient funds"), strings.Contains(code, "Insufficient margin"):
			return exchange.ErrInsufficientFunds
		case strings.Contains(code, "Rate limit exceeded"), strings.Contains(code, "Too many requests"):
			return exchange.ErrRateLimited
		case strings.Contains(code, "Invalid nonce"):
			return exchange.ErrInvalidNonce
		case strings.HasPrefix(code, "EService:"), strings.Contains(code, "Temporary lockout"):
			return exchange.ErrTemporary
		case strings.Contains(code, "Permission denied"), strings.Contains(code, "Invalid key"), strings.Contains(code, "Invalid signature"):
			return exchange.ErrPermission
		}
	}
	return exchange.ErrRejected
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return exchange.ErrRateLimited
	case status >= 500:
		return exchange.ErrTemporary
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return exchange.ErrPermission
	default:
		return exchange.ErrRejected
	}
}
