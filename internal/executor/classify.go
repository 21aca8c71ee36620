package executor

import (
	"context"
	"errors"
	"strings"

	clierr "github.com/kleros/lifi-sdk/internal/errors"
)

// Classified is the rendered form of a terminal failure, written to the
// process record before the error is surfaced.
type Classified struct {
	Message string
	Code    clierr.Code
}

// ClassifyFunc translates an arbitrary failure into a closed set of error
// kinds. It is pure and injected into the controller.
type ClassifyFunc func(err error) Classified

// DefaultClassify maps typed errors through unchanged and renders common
// wallet and RPC failures into stable messages.
func DefaultClassify(err error) Classified {
	if err == nil {
		return Classified{Code: clierr.CodeSuccess}
	}
	if errors.Is(err, context.Canceled) {
		return Classified{Message: "Execution was interrupted.", Code: clierr.CodeTimeout}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classified{Message: "Execution timed out.", Code: clierr.CodeTimeout}
	}
	if typed, ok := clierr.As(err); ok {
		return Classified{Message: typed.Error(), Code: typed.Code}
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "user rejected") || strings.Contains(lower, "user denied"):
		return Classified{Message: "Transaction was rejected by the user.", Code: clierr.CodeUsage}
	case strings.Contains(lower, "insufficient funds"):
		return Classified{Message: "Insufficient funds for the transaction.", Code: clierr.CodeBalance}
	case strings.Contains(lower, "nonce too low"):
		return Classified{Message: "Transaction nonce was already used.", Code: clierr.CodeTransaction}
	case strings.Contains(lower, "execution reverted"):
		return Classified{Message: "Transaction reverted on-chain.", Code: clierr.CodeTransaction}
	}
	return Classified{Message: err.Error(), Code: clierr.CodeInternal}
}
