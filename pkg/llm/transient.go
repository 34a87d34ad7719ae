package llm

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/noesis-ai/noesis/pkg/errors"
)

// IsTransient reports whether a provider error is worth failing over:
// timeouts, connection problems, quota rejections, and 5xx-equivalents.
// Invalid-request class errors are permanent and must not exhaust a chain.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(*errors.NoesisError); ok {
		switch ne.Code {
		case errors.CodeProviderTransient, errors.CodeTimeout, errors.CodeLLMError:
			return true
		case errors.CodeInvalidInput:
			return false
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// transientStatus classifies upstream HTTP statuses. A zero status means the
// error carried no status at all (connection-level) and is treated as transient.
func transientStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == 408, status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// wrapProviderError converts a raw provider failure into the typed error the
// router relies on for its failover decision. The adapter supplies the
// upstream HTTP status when it has one; zero means connection-level failure.
func wrapProviderError(provider string, status int, err error) *errors.NoesisError {
	if err == nil {
		return nil
	}
	if transientStatus(status) {
		return errors.New(errors.CodeProviderTransient, "provider "+provider+" failed", err).
			WithContext("provider", provider).
			WithContext("status", status).
			WithRecoverable(true)
	}
	return errors.New(errors.CodeInvalidInput, "provider "+provider+" rejected request", err).
		WithContext("provider", provider).
		WithContext("status", status).
		WithRecoverable(false)
}
