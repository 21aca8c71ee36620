package wallet

import (
	"context"
	"fmt"

	"github.com/kleros/lifi-sdk/internal/chains"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/status"
)

// InteractionHook asks the owner of the flow to move the signing session to
// the given chain. Returning a nil session means the user declined.
type InteractionHook func(ctx context.Context, chain chains.Chain) (Session, error)

// SwitchResult is the tagged outcome of a chain-switch negotiation: either an
// attached session to continue with, or a user-declined stop.
type SwitchResult struct {
	Declined bool
	Session  Session
}

// Negotiator ensures the signing session is attached to the step's source
// chain before anything is broadcast.
type Negotiator struct{}

func (Negotiator) Ensure(ctx context.Context, session Session, recorder *status.Recorder, step *model.Step, hook InteractionHook, cancelled func() bool) (SwitchResult, error) {
	required := step.Action.FromChainID
	if session.ChainID() == required {
		return SwitchResult{Session: session}, nil
	}
	chain, err := chains.Get(required)
	if err != nil {
		return SwitchResult{}, err
	}

	recorder.FindOrCreateProcess(step, model.ProcessSwitchChain, model.ProcessStarted)
	recorder.UpdateProcess(step, model.ProcessSwitchChain, model.ProcessActionRequired,
		status.WithMessage(fmt.Sprintf("Switch to %s to continue.", chain.Name)))
	if cancelled != nil && cancelled() {
		return SwitchResult{Declined: true}, nil
	}
	if hook == nil {
		return SwitchResult{Declined: true}, nil
	}
	switched, err := hook(ctx, chain)
	if err != nil {
		recorder.UpdateProcess(step, model.ProcessSwitchChain, model.ProcessFailed,
			status.WithProcessError(err.Error(), int(clierr.CodeSigner)))
		return SwitchResult{}, clierr.Wrap(clierr.CodeSigner, "switch chain", err)
	}
	if switched == nil {
		return SwitchResult{Declined: true}, nil
	}
	if switched.ChainID() != required {
		recorder.UpdateProcess(step, model.ProcessSwitchChain, model.ProcessFailed,
			status.WithProcessError("session attached to the wrong chain", int(clierr.CodeSigner)))
		return SwitchResult{}, clierr.New(clierr.CodeSigner, fmt.Sprintf("session attached to chain %d, expected %d", switched.ChainID(), required))
	}
	recorder.UpdateProcess(step, model.ProcessSwitchChain, model.ProcessDone)
	return SwitchResult{Session: switched}, nil
}
