package chat

import (
	"errors"
	"fmt"
)

// Error kinds for chat platform failures. Consumers branch on these with
// errors.Is: validation errors must never be retried, transient errors
// ride the bus retry machinery, auth errors need operator attention.
var (
	// ErrValidation marks a request the platform rejected as malformed
	// (invalid_blocks, msg_too_long, ...). Retrying cannot succeed.
	ErrValidation = errors.New("chat validation error")

	// ErrAuth marks a revoked or invalid token.
	ErrAuth = errors.New("chat auth error")

	// ErrTransient marks rate limits, 5xx responses and network failures.
	// Safe to retry.
	ErrTransient = errors.New("chat transient error")
)

// Platform error strings, grouped by kind. Anything unlisted is treated
// as transient so the bus retry path gets a chance.
var (
	validationErrors = map[string]bool{
		"invalid_blocks":        true,
		"invalid_blocks_format": true,
		"msg_too_long":          true,
		"blocks_too_long":       true,
		"no_text":               true,
		"message_not_found":     true,
		"cant_update_message":   true,
	}

	authErrors = map[string]bool{
		"invalid_auth":     true,
		"not_authed":       true,
		"token_revoked":    true,
		"token_expired":    true,
		"account_inactive": true,
	}

	// toleratedErrors are no-ops for an idempotent caller: the requested
	// state already holds.
	toleratedErrors = map[string]bool{
		"already_reacted": true,
		"no_reaction":     true,
	}
)

// classifyAPIError maps a platform error string to a sentinel-wrapped
// error, or nil for tolerated idempotency conflicts.
func classifyAPIError(method, apiErr string) error {
	switch {
	case toleratedErrors[apiErr]:
		return nil
	case validationErrors[apiErr]:
		return fmt.Errorf("%s: %w: %s", method, ErrValidation, apiErr)
	case authErrors[apiErr]:
		return fmt.Errorf("%s: %w: %s", method, ErrAuth, apiErr)
	default:
		return fmt.Errorf("%s: %w: %s", method, ErrTransient, apiErr)
	}
}

// outcomeLabel names an error's kind for metrics.
func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	default:
		return "transient"
	}
}
