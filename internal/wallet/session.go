package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
)

// ReplacedError signals that a broadcast transaction was superseded by
// another transaction with the same intent (e.g. a wallet speed-up). It is a
// recoverable confirmation-wait outcome, not a failure.
type ReplacedError struct {
	Replacement *types.Transaction
}

func (e *ReplacedError) Error() string {
	return fmt.Sprintf("transaction replaced by %s", e.Replacement.Hash().Hex())
}

// Session signs, broadcasts, and observes transactions on a single chain on
// behalf of one account.
type Session interface {
	ChainID() int64
	Address() common.Address
	SendTransaction(ctx context.Context, req *model.TransactionRequest) (*types.Transaction, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error)
	Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// RPCSession is a Session that also exposes its read-only node binding, for
// collaborators that issue allowance and balance calls.
type RPCSession interface {
	Session
	RPCClient() RPC
}

// RPC is the node surface the EVM session needs. *ethclient.Client satisfies
// it.
type RPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

type EVMSession struct {
	rpc          RPC
	signer       Signer
	chainID      int64
	pollInterval time.Duration
	scanDepth    uint64
}

type EVMSessionOption func(*EVMSession)

func WithReceiptPollInterval(interval time.Duration) EVMSessionOption {
	return func(s *EVMSession) { s.pollInterval = interval }
}

// WithReplacementScanDepth controls how many recent blocks are searched for a
// same-nonce replacement once the original transaction disappears.
func WithReplacementScanDepth(depth uint64) EVMSessionOption {
	return func(s *EVMSession) { s.scanDepth = depth }
}

func NewEVMSession(rpc RPC, signer Signer, chainID int64, opts ...EVMSessionOption) *EVMSession {
	s := &EVMSession{
		rpc:          rpc,
		signer:       signer,
		chainID:      chainID,
		pollInterval: 2 * time.Second,
		scanDepth:    32,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EVMSession) ChainID() int64 { return s.chainID }

func (s *EVMSession) Address() common.Address { return s.signer.Address() }

// RPCClient exposes the underlying node binding for collaborators that issue
// read-only calls (allowance and balance checks).
func (s *EVMSession) RPCClient() RPC { return s.rpc }

func (s *EVMSession) SendTransaction(ctx context.Context, req *model.TransactionRequest) (*types.Transaction, error) {
	if req == nil {
		return nil, clierr.New(clierr.CodeInternal, "missing transaction request")
	}
	if req.ChainID != 0 && req.ChainID != s.chainID {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("transaction targets chain %d, session is on chain %d", req.ChainID, s.chainID))
	}
	target := common.HexToAddress(req.To)
	data, err := decodeHex(req.Data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "decode transaction calldata", err)
	}
	value := big.NewInt(0)
	if raw := strings.TrimSpace(req.Value); raw != "" {
		// Prepared requests carry either decimal or 0x-hex quantities.
		if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
			decimal, err := model.HexToDecimal(raw)
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeUsage, "parse transaction value", err)
			}
			raw = decimal
		}
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, "invalid transaction value")
		}
		value = parsed
	}
	chainID := big.NewInt(s.chainID)
	from := s.signer.Address()

	gasLimit, err := parseOptionalUint(req.GasLimit)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse gas limit", err)
	}
	if gasLimit == 0 {
		gasLimit, err = s.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Value: value, Data: data})
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeTransaction, "estimate gas", err)
		}
		gasLimit = uint64(float64(gasLimit) * 1.2)
	}

	tipCap, err := s.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	header, err := s.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := s.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := s.signer.SignTx(chainID, tx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := s.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, clierr.Wrap(clierr.CodeTransaction, "broadcast transaction", err)
	}
	return signed, nil
}

func (s *EVMSession) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	tx, _, err := s.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, clierr.New(clierr.CodeTransaction, fmt.Sprintf("transaction %s not found", hash.Hex()))
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, "look up transaction", err)
	}
	return tx, nil
}

// Wait blocks until the transaction is included. Transient receipt-lookup
// failures are absorbed. When the pending transaction disappears and the
// account nonce has moved past it, the replacement is located in recent
// blocks and reported via *ReplacedError.
func (s *EVMSession) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.rpc.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			return nil, clierr.New(clierr.CodeTransaction, "transaction reverted on-chain")
		}
		if err != nil && errors.Is(err, ethereum.NotFound) {
			if replacement, found := s.findReplacement(ctx, tx); found {
				return nil, &ReplacedError{Replacement: replacement}
			}
		}
		select {
		case <-ctx.Done():
			return nil, clierr.Wrap(clierr.CodeTimeout, "wait for transaction inclusion", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *EVMSession) findReplacement(ctx context.Context, tx *types.Transaction) (*types.Transaction, bool) {
	if _, _, err := s.rpc.TransactionByHash(ctx, tx.Hash()); err == nil {
		// Still known to the node; keep waiting.
		return nil, false
	} else if !errors.Is(err, ethereum.NotFound) {
		return nil, false
	}
	from := s.signer.Address()
	minedNonce, err := s.rpc.NonceAt(ctx, from, nil)
	if err != nil || minedNonce <= tx.Nonce() {
		return nil, false
	}
	header, err := s.rpc.HeaderByNumber(ctx, nil)
	if err != nil || header == nil {
		return nil, false
	}
	latest := header.Number.Uint64()
	for depth := uint64(0); depth < s.scanDepth && depth <= latest; depth++ {
		block, err := s.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(latest-depth))
		if err != nil || block == nil {
			continue
		}
		for _, candidate := range block.Transactions() {
			if candidate.Nonce() != tx.Nonce() || candidate.Hash() == tx.Hash() {
				continue
			}
			sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(s.chainID)), candidate)
			if err != nil || sender != from {
				continue
			}
			return candidate, true
		}
	}
	return nil, false
}

func parseOptionalUint(v string) (uint64, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return 0, nil
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		n := new(big.Int)
		if _, ok := n.SetString(clean[2:], 16); !ok {
			return 0, fmt.Errorf("invalid hex value %q", v)
		}
		return n.Uint64(), nil
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return 0, fmt.Errorf("invalid numeric value %q", v)
	}
	return n.Uint64(), nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	clean = strings.TrimPrefix(clean, "0X")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
