package guard

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kleros/lifi-sdk/internal/chains"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/wallet"
)

// Balance verifies the signer holds sufficient funds before an irreversible
// submission.
type Balance struct{}

func (Balance) Ensure(ctx context.Context, session wallet.RPCSession, step *model.Step) error {
	required, err := model.ParseBaseUnits(step.Action.FromAmount)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "parse step amount", err)
	}
	owner := session.Address()
	rpc := session.RPCClient()

	if chains.IsNativeToken(step.Action.FromToken.Address) {
		available, err := rpc.BalanceAt(ctx, owner, nil)
		if err != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		total := new(big.Int).Set(required)
		if step.TransactionRequest != nil && strings.TrimSpace(step.TransactionRequest.Value) != "" {
			value, ok := new(big.Int).SetString(strings.TrimSpace(step.TransactionRequest.Value), 10)
			if ok && value.Cmp(required) > 0 {
				// The prepared value already includes the transfer amount
				// plus any native fees.
				total = value
			}
		}
		if available.Cmp(total) < 0 {
			return clierr.New(clierr.CodeBalance, fmt.Sprintf("insufficient %s balance: have %s, need %s",
				step.Action.FromToken.Symbol, available.String(), total.String()))
		}
		return nil
	}

	token := common.HexToAddress(step.Action.FromToken.Address)
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack balanceOf call", err)
	}
	raw, err := rpc.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data}, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	out, err := erc20ABI.Unpack("balanceOf", raw)
	if err != nil || len(out) == 0 {
		return clierr.Wrap(clierr.CodeUnavailable, "decode token balance", err)
	}
	available, ok := out[0].(*big.Int)
	if !ok {
		return clierr.New(clierr.CodeUnavailable, "invalid balance response type")
	}
	if available.Cmp(required) < 0 {
		return clierr.New(clierr.CodeBalance, fmt.Sprintf("insufficient %s balance: have %s, need %s",
			step.Action.FromToken.Symbol, available.String(), required.String()))
	}
	return nil
}
