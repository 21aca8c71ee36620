package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	clierr "github.com/kleros/lifi-sdk/internal/errors"
)

func TestDefaultClassifyPreservesTypedErrors(t *testing.T) {
	typed := clierr.New(clierr.CodeBalance, "balance too low for transfer")
	classified := DefaultClassify(fmt.Errorf("checking funds: %w", typed))
	if classified.Code != clierr.CodeBalance {
		t.Fatalf("expected balance code, got %d", classified.Code)
	}
	if classified.Message != typed.Error() {
		t.Fatalf("expected typed message, got %q", classified.Message)
	}
}

func TestDefaultClassifyContextErrors(t *testing.T) {
	for _, err := range []error{context.Canceled, context.DeadlineExceeded} {
		classified := DefaultClassify(err)
		if classified.Code != clierr.CodeTimeout {
			t.Fatalf("%v: expected timeout code, got %d", err, classified.Code)
		}
	}
}

func TestDefaultClassifyWalletMessages(t *testing.T) {
	cases := []struct {
		raw  string
		code clierr.Code
	}{
		{"User rejected the request", clierr.CodeUsage},
		{"MetaMask Tx Signature: User denied transaction signature", clierr.CodeUsage},
		{"insufficient funds for gas * price + value", clierr.CodeBalance},
		{"nonce too low: next nonce 42", clierr.CodeTransaction},
		{"execution reverted: ERC20: transfer amount exceeds allowance", clierr.CodeTransaction},
		{"something unexpected happened", clierr.CodeInternal},
	}
	for _, tc := range cases {
		classified := DefaultClassify(errors.New(tc.raw))
		if classified.Code != tc.code {
			t.Fatalf("%q: expected code %d, got %d", tc.raw, tc.code, classified.Code)
		}
		if classified.Message == "" {
			t.Fatalf("%q: expected a rendered message", tc.raw)
		}
	}
}

func TestDefaultClassifyNil(t *testing.T) {
	if got := DefaultClassify(nil); got.Code != clierr.CodeSuccess {
		t.Fatalf("expected success code for nil error, got %d", got.Code)
	}
}
