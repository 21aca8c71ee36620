package guard

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kleros/lifi-sdk/internal/chains"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/status"
	"github.com/kleros/lifi-sdk/internal/wallet"
)

const erc20MinimalABI = `[
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustABI(erc20MinimalABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// maxApproval is the infinite-approval amount (2^256 - 1).
var maxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Allowance ensures a spender is authorized to move the step's source token
// amount. No-op for the chain's native asset.
type Allowance struct{}

func (Allowance) Ensure(ctx context.Context, session wallet.RPCSession, recorder *status.Recorder, step *model.Step, spender string, infinite bool, cancelled func() bool) error {
	tokenAddress := step.Action.FromToken.Address
	if chains.IsNativeToken(tokenAddress) {
		return nil
	}
	if !common.IsHexAddress(spender) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid approval spender %q", spender))
	}
	required, err := model.ParseBaseUnits(step.Action.FromAmount)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "parse step amount", err)
	}

	owner := session.Address()
	token := common.HexToAddress(tokenAddress)
	spenderAddr := common.HexToAddress(spender)
	current, err := readAllowance(ctx, session.RPCClient(), token, owner, spenderAddr)
	if err != nil {
		return err
	}
	if current.Cmp(required) >= 0 {
		return nil
	}

	recorder.FindOrCreateProcess(step, model.ProcessTokenAllowance, model.ProcessStarted)
	recorder.UpdateProcess(step, model.ProcessTokenAllowance, model.ProcessActionRequired,
		status.WithMessage(fmt.Sprintf("Approve %s for the transfer.", step.Action.FromToken.Symbol)))
	if cancelled != nil && cancelled() {
		return clierr.New(clierr.CodeUsage, "token approval cancelled")
	}

	approveAmount := required
	if infinite {
		approveAmount = maxApproval
	}
	data, err := erc20ABI.Pack("approve", spenderAddr, approveAmount)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	tx, err := session.SendTransaction(ctx, &model.TransactionRequest{
		To:      token.Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Value:   "0",
		ChainID: step.Action.FromChainID,
	})
	if err != nil {
		recorder.UpdateProcess(step, model.ProcessTokenAllowance, model.ProcessFailed,
			status.WithProcessError(err.Error(), clierr.ExitCode(err)))
		return err
	}
	if _, _, err := recorder.UpdateProcess(step, model.ProcessTokenAllowance, model.ProcessPending,
		status.WithTxHash(tx.Hash().Hex())); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "record approval transaction", err)
	}
	if _, err := session.Wait(ctx, tx); err != nil {
		recorder.UpdateProcess(step, model.ProcessTokenAllowance, model.ProcessFailed,
			status.WithProcessError(err.Error(), clierr.ExitCode(err)))
		return err
	}
	recorder.UpdateProcess(step, model.ProcessTokenAllowance, model.ProcessDone)
	return nil
}

func readAllowance(ctx context.Context, rpc wallet.RPC, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance call", err)
	}
	raw, err := rpc.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read allowance", err)
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	current, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid allowance response type")
	}
	return current, nil
}
