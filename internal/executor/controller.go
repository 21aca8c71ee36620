// Package executor drives a single cross-chain transfer step from
// authorization to confirmed destination-side settlement.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/kleros/lifi-sdk/internal/api"
	"github.com/kleros/lifi-sdk/internal/chains"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/guard"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/poll"
	"github.com/kleros/lifi-sdk/internal/status"
	"github.com/kleros/lifi-sdk/internal/wallet"
)

// PrepareFailedMessage is recorded on the crossing process when the backend
// yields no usable transaction request. Unrecoverable without a new quote.
const PrepareFailedMessage = "Unable to prepare transaction."

// TransferAPI prepares transaction requests and reports settlement status.
type TransferAPI interface {
	GetStepTransaction(ctx context.Context, step *model.Step) (*model.Step, error)
	GetStatus(ctx context.Context, tool string, fromChain, toChain int64, txHash string) (*api.StatusResponse, error)
}

// AllowanceGuard authorizes a spender for the step's source token amount.
type AllowanceGuard interface {
	Ensure(ctx context.Context, session wallet.RPCSession, recorder *status.Recorder, step *model.Step, spender string, infinite bool, cancelled func() bool) error
}

// BalanceGuard verifies funds before an irreversible submission.
type BalanceGuard interface {
	Ensure(ctx context.Context, session wallet.RPCSession, step *model.Step) error
}

// SwitchNegotiator ensures the signing session is attached to the source
// chain, possibly via user interaction.
type SwitchNegotiator interface {
	Ensure(ctx context.Context, session wallet.Session, recorder *status.Recorder, step *model.Step, hook wallet.InteractionHook, cancelled func() bool) (wallet.SwitchResult, error)
}

type Options struct {
	// PollInterval is the fixed delay between settlement probes.
	PollInterval time.Duration
	// SettlementTimeout bounds the settlement wait. Zero means unbounded,
	// matching the reference behavior; exceeding a non-zero ceiling fails the
	// wait, never a silent return.
	SettlementTimeout time.Duration
	InfiniteApproval  bool
	SwitchChainHook   wallet.InteractionHook
	// Sleep is injected by tests; nil means real sleeping.
	Sleep poll.Sleep
}

// Controller is the saga governing one transfer step. One instance per step;
// it is the sole mutator of the step's Execution record during its run.
type Controller struct {
	session   wallet.RPCSession
	recorder  *status.Recorder
	api       TransferAPI
	allowance AllowanceGuard
	balance   BalanceGuard
	switcher  SwitchNegotiator
	classify  ClassifyFunc
	opts      Options
	cancelled atomic.Bool
}

type ControllerOption func(*Controller)

func WithAllowanceGuard(g AllowanceGuard) ControllerOption {
	return func(c *Controller) { c.allowance = g }
}

func WithBalanceGuard(g BalanceGuard) ControllerOption {
	return func(c *Controller) { c.balance = g }
}

func WithNegotiator(n SwitchNegotiator) ControllerOption {
	return func(c *Controller) { c.switcher = n }
}

func WithClassifier(fn ClassifyFunc) ControllerOption {
	return func(c *Controller) { c.classify = fn }
}

func NewController(session wallet.RPCSession, recorder *status.Recorder, transferAPI TransferAPI, opts Options, ctrlOpts ...ControllerOption) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	c := &Controller{
		session:   session,
		recorder:  recorder,
		api:       transferAPI,
		allowance: guard.Allowance{},
		balance:   guard.Balance{},
		switcher:  wallet.Negotiator{},
		classify:  DefaultClassify,
		opts:      opts,
	}
	for _, opt := range ctrlOpts {
		opt(c)
	}
	return c
}

// Cancel requests a cooperative stop. It is sampled at defined checkpoints
// and never aborts a call already in flight.
func (c *Controller) Cancel() { c.cancelled.Store(true) }

func (c *Controller) isCancelled() bool { return c.cancelled.Load() }

// Execute drives the step to a terminal Execution status. Business-level
// failures are recorded on the Execution before any error is returned, so
// callers should read Execution.Status as the primary outcome. A
// user-declined continuation returns the current Execution with a nil error.
func (c *Controller) Execute(ctx context.Context, step *model.Step) (*model.Execution, error) {
	execution, err := c.recorder.InitExecution(step)
	if err != nil {
		return c.failExecution(step, model.ProcessCrossChain, err)
	}

	fromChain, err := chains.Get(step.Action.FromChainID)
	if err != nil {
		return c.failExecution(step, model.ProcessCrossChain, err)
	}
	toChain, err := chains.Get(step.Action.ToChainID)
	if err != nil {
		return c.failExecution(step, model.ProcessCrossChain, err)
	}

	// Broadcast is irreversible: a recorded transaction hash means it already
	// happened, so allowance verification is skipped entirely.
	crossProcess, found := c.recorder.FindProcess(step, model.ProcessCrossChain)
	alreadySent := found && strings.TrimSpace(crossProcess.TxHash) != ""

	if !alreadySent && !chains.IsNativeToken(step.Action.FromToken.Address) {
		if err := c.allowance.Ensure(ctx, c.session, c.recorder, step, step.Estimate.ApprovalAddress, c.opts.InfiniteApproval, c.isCancelled); err != nil {
			return c.failExecution(step, model.ProcessTokenAllowance, err)
		}
	}

	crossProcess, err = c.recorder.FindOrCreateProcess(step, model.ProcessCrossChain, model.ProcessStarted)
	if err != nil {
		return c.failExecution(step, model.ProcessCrossChain, err)
	}
	active := wallet.Session(c.session)
	var tx *types.Transaction

	if strings.TrimSpace(crossProcess.TxHash) != "" {
		// Crash-recovery path: look the transaction up, never resubmit.
		tx, err = active.GetTransaction(ctx, common.HexToHash(crossProcess.TxHash))
		if err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
	} else {
		if err := c.balance.Ensure(ctx, c.session, step); err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		prepared, err := c.api.GetStepTransaction(ctx, step)
		if err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		if prepared == nil || prepared.TransactionRequest == nil || strings.TrimSpace(prepared.TransactionRequest.To) == "" {
			prepareErr := clierr.New(clierr.CodeProvider, PrepareFailedMessage)
			c.recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessFailed,
				status.WithMessage(PrepareFailedMessage),
				status.WithProcessError(PrepareFailedMessage, int(clierr.CodeProvider)))
			c.recorder.UpdateExecution(step, model.ExecutionFailed)
			return execution, prepareErr
		}
		step.TransactionRequest = prepared.TransactionRequest

		result, err := c.switcher.Ensure(ctx, c.session, c.recorder, step, c.opts.SwitchChainHook, c.isCancelled)
		if err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		if result.Declined {
			// User-declined continuation, not a failure.
			return execution, nil
		}
		active = result.Session

		if _, _, err := c.recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessActionRequired); err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		if c.isCancelled() {
			return execution, nil
		}

		tx, err = active.SendTransaction(ctx, step.TransactionRequest)
		if err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		// The hash must be durable before anything else happens: a resume
		// that cannot see it would broadcast a second time.
		if _, _, err := c.recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessPending,
			status.WithTxHash(tx.Hash().Hex()),
			status.WithTxLink(fromChain.TxLink(tx.Hash().Hex()))); err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
	}

	if _, err := active.Wait(ctx, tx); err != nil {
		var replaced *wallet.ReplacedError
		if !errors.As(err, &replaced) {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
		// The wallet layer superseded the broadcast transaction. The
		// replacement was already observed on-chain, so adopt its hash (the
		// process stays PENDING, the one allowed hash rewrite) and continue
		// without waiting again.
		tx = replaced.Replacement
		if _, _, err := c.recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessPending,
			status.WithTxHash(tx.Hash().Hex()),
			status.WithTxLink(fromChain.TxLink(tx.Hash().Hex())),
			status.WithMessage("Transaction was replaced.")); err != nil {
			return c.failExecution(step, model.ProcessCrossChain, err)
		}
	} else {
		c.recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessDone,
			status.WithMessage("Transfer confirmed on source chain."))
	}

	c.recorder.FindOrCreateProcess(step, model.ProcessReceivingChain, model.ProcessPending)
	settled, err := c.waitForSettlement(ctx, step.Tool, step.Action.FromChainID, step.Action.ToChainID, tx.Hash().Hex())
	if err != nil {
		return c.failExecution(step, model.ProcessReceivingChain, err)
	}

	c.recorder.UpdateProcess(step, model.ProcessReceivingChain, model.ProcessDone,
		status.WithTxHash(settled.Receiving.TxHash),
		status.WithTxLink(receivingTxLink(toChain, settled)),
		status.WithMessage("Funds received on destination chain."))

	receivingToken := step.Action.ToToken
	if settled.Receiving.Token != nil {
		receivingToken = *settled.Receiving.Token
	}
	fromAmount := settled.Sending.Amount
	if fromAmount == "" {
		fromAmount = step.Action.FromAmount
	}
	toAmount := settled.Receiving.Amount
	if toAmount == "" {
		toAmount = step.Estimate.ToAmount
	}
	if err := c.recorder.UpdateExecution(step, model.ExecutionDone,
		status.WithAmounts(fromAmount, toAmount),
		status.WithToToken(receivingToken)); err != nil {
		return execution, err
	}
	return execution, nil
}

// failExecution records the classified failure on the given process and the
// execution before surfacing it, so recorded state never disagrees with what
// is returned. The process is created when the failure precedes it, and the
// writes are best effort: the original error is what surfaces.
func (c *Controller) failExecution(step *model.Step, processType model.ProcessType, err error) (*model.Execution, error) {
	classified := c.classify(err)
	c.recorder.FindOrCreateProcess(step, processType, model.ProcessStarted)
	c.recorder.UpdateProcess(step, processType, model.ProcessFailed,
		status.WithProcessError(classified.Message, int(classified.Code)))
	c.recorder.UpdateExecution(step, model.ExecutionFailed)
	return step.Execution, err
}

func receivingTxLink(chain chains.Chain, settled *api.StatusResponse) string {
	if settled.Receiving.TxLink != "" {
		return settled.Receiving.TxLink
	}
	return chain.TxLink(settled.Receiving.TxHash)
}
