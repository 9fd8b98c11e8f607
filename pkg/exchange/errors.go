package exchange

import (
	"errors"
	"strings"
)

// Error taxonomy shared by every provider. Venue specific codes are mapped
// onto these sentinels and carried inside *APIError.
var (
	ErrUnknownPair       = errors.New("exchange: unknown asset pair")
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")
	ErrRateLimited       = errors.New("exchange: rate limit exceeded")
	ErrInvalidNonce      = errors.New("exchange: invalid nonce")
	ErrTemporary         = errors.New("exchange: temporarily unavailable")
	ErrPermission        = errors.New("exchange: permission denied")
	ErrRejected          = errors.New("exchange: request rejected")
)

// APIError wraps the raw error codes returned by an exchange.
type APIError struct {
	Op    string
	Codes []string
	Kind  error
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Codes, "; ")
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *APIError) Unwrap() error { return e.Kind }

// IsRetryable reports whether a read may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTemporary) || errors.Is(err, ErrInvalidNonce)
}
