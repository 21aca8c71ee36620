package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/kleros/lifi-sdk/internal/api"
	"github.com/kleros/lifi-sdk/internal/chains"
	"github.com/kleros/lifi-sdk/internal/config"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/executor"
	"github.com/kleros/lifi-sdk/internal/httpx"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/status"
	"github.com/kleros/lifi-sdk/internal/wallet"
)

type transferFlags struct {
	fromChain        string
	toChain          string
	fromToken        string
	toToken          string
	amount           string
	recipient        string
	tool             string
	slippageBps      int64
	stepID           string
	infiniteApproval bool
	autoSwitch       bool
	pollInterval     string
	settlementWait   string
}

func (r *Runner) newTransferCommand(global *config.GlobalFlags) *cobra.Command {
	flags := &transferFlags{}
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Execute one cross-chain transfer step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runTransfer(cmd.Context(), *global, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.fromChain, "from-chain", "", "source chain key or id (e.g. eth, 1)")
	cmd.Flags().StringVar(&flags.toChain, "to-chain", "", "destination chain key or id")
	cmd.Flags().StringVar(&flags.fromToken, "from-token", "", "source token address (empty = native)")
	cmd.Flags().StringVar(&flags.toToken, "to-token", "", "destination token address (empty = native)")
	cmd.Flags().StringVar(&flags.amount, "amount", "", "amount in base units")
	cmd.Flags().StringVar(&flags.recipient, "recipient", "", "destination recipient (defaults to sender)")
	cmd.Flags().StringVar(&flags.tool, "tool", "", "bridging tool identifier")
	cmd.Flags().Int64Var(&flags.slippageBps, "slippage-bps", 50, "slippage tolerance in bps")
	cmd.Flags().StringVar(&flags.stepID, "step-id", "", "resume a recorded step instead of starting a new one")
	cmd.Flags().BoolVar(&flags.infiniteApproval, "infinite-approval", false, "approve the maximum token amount")
	cmd.Flags().BoolVar(&flags.autoSwitch, "yes", false, "switch chains without asking")
	cmd.Flags().StringVar(&flags.pollInterval, "poll-interval", "", "settlement probe interval (e.g. 5s)")
	cmd.Flags().StringVar(&flags.settlementWait, "settlement-timeout", "", "maximum settlement wait (0 = unbounded)")
	return cmd
}

func (r *Runner) runTransfer(ctx context.Context, global config.GlobalFlags, flags transferFlags) error {
	global.PollInterval = flags.pollInterval
	global.SettlementTimeout = flags.settlementWait
	global.InfiniteApproval = global.InfiniteApproval || flags.infiniteApproval
	settings, err := config.Resolve(global)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "resolve configuration", err)
	}

	store, err := status.OpenStore(settings.StorePath, settings.StoreLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open execution store", err)
	}
	defer store.Close()

	step, err := resolveStep(store, flags)
	if err != nil {
		return err
	}
	fromChain, err := chains.Get(step.Action.FromChainID)
	if err != nil {
		return err
	}

	signer, err := wallet.NewLocalSignerFromEnv()
	if err != nil {
		return clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	rpcURL := strings.TrimSpace(settings.RPCURLs[fromChain.ID])
	if rpcURL == "" {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("no rpc url configured for chain %d", fromChain.ID))
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "connect source chain rpc", err)
	}
	defer client.Close()

	session := wallet.NewEVMSession(client, signer, fromChain.ID)
	if step.Action.FromAddress == "" {
		step.Action.FromAddress = signer.Address().Hex()
	}
	if step.Action.ToAddress == "" {
		step.Action.ToAddress = step.Action.FromAddress
	}

	recorder := status.NewRecorder(
		status.WithStore(store),
		status.WithUpdateHook(func(updated *model.Step) {
			if updated.Execution != nil && len(updated.Execution.Process) > 0 {
				latest := updated.Execution.Process[len(updated.Execution.Process)-1]
				fmt.Fprintf(r.stderr, "%s: %s\n", latest.Type, latest.Status)
			}
		}),
	)
	transferAPI := api.New(httpx.New(settings.HTTPTimeout, settings.HTTPRetries), settings.APIBaseURL)

	controller := executor.NewController(session, recorder, transferAPI, executor.Options{
		PollInterval:      settings.PollInterval,
		SettlementTimeout: settings.SettlementTimeout,
		InfiniteApproval:  settings.InfiniteApproval,
		SwitchChainHook:   r.switchChainHook(signer, settings, flags.autoSwitch),
	})

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			fmt.Fprintln(r.stderr, "cancellation requested; finishing the current step safely")
			controller.Cancel()
		}
	}()

	execution, execErr := controller.Execute(ctx, step)
	if printErr := r.printJSON(execution); printErr != nil {
		return printErr
	}
	return execErr
}

// switchChainHook re-attaches the session by dialing the required chain's
// configured RPC. Without --yes the switch is declined, which stops the flow
// without recording a failure.
func (r *Runner) switchChainHook(signer wallet.Signer, settings config.Settings, autoSwitch bool) wallet.InteractionHook {
	return func(ctx context.Context, chain chains.Chain) (wallet.Session, error) {
		if !autoSwitch {
			fmt.Fprintf(r.stderr, "step requires chain %s; re-run with --yes to switch automatically\n", chain.Name)
			return nil, nil
		}
		rpcURL := strings.TrimSpace(settings.RPCURLs[chain.ID])
		if rpcURL == "" {
			return nil, fmt.Errorf("no rpc url configured for chain %d", chain.ID)
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("connect chain %d rpc: %w", chain.ID, err)
		}
		return wallet.NewEVMSession(client, signer, chain.ID), nil
	}
}

func resolveStep(store *status.Store, flags transferFlags) (*model.Step, error) {
	if strings.TrimSpace(flags.stepID) != "" {
		step, err := store.Get(strings.TrimSpace(flags.stepID))
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "load recorded step", err)
		}
		return &step, nil
	}

	fromChain, err := resolveChain(flags.fromChain)
	if err != nil {
		return nil, err
	}
	toChain, err := resolveChain(flags.toChain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(flags.amount) == "" {
		return nil, clierr.New(clierr.CodeUsage, "transfer requires --amount")
	}
	if _, err := model.ParseBaseUnits(flags.amount); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse --amount", err)
	}
	if strings.TrimSpace(flags.tool) == "" {
		return nil, clierr.New(clierr.CodeUsage, "transfer requires --tool")
	}

	fromToken := fromChain.NativeToken
	if !chains.IsNativeToken(flags.fromToken) {
		fromToken = model.Token{ChainID: fromChain.ID, Address: strings.TrimSpace(flags.fromToken)}
	}
	toToken := toChain.NativeToken
	if !chains.IsNativeToken(flags.toToken) {
		toToken = model.Token{ChainID: toChain.ID, Address: strings.TrimSpace(flags.toToken)}
	}

	return &model.Step{
		ID:   model.NewStepID(),
		Type: "cross",
		Tool: strings.TrimSpace(flags.tool),
		Action: model.StepAction{
			FromChainID: fromChain.ID,
			ToChainID:   toChain.ID,
			FromToken:   fromToken,
			ToToken:     toToken,
			FromAmount:  strings.TrimSpace(flags.amount),
			ToAddress:   strings.TrimSpace(flags.recipient),
			SlippageBps: flags.slippageBps,
		},
	}, nil
}

func resolveChain(v string) (chains.Chain, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return chains.Chain{}, clierr.New(clierr.CodeUsage, "transfer requires both --from-chain and --to-chain")
	}
	var id int64
	if _, err := fmt.Sscanf(clean, "%d", &id); err == nil && fmt.Sprintf("%d", id) == clean {
		return chains.Get(id)
	}
	return chains.GetByKey(clean)
}
