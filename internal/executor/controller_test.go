package executor

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/kleros/lifi-sdk/internal/api"
	"github.com/kleros/lifi-sdk/internal/chains"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
	"github.com/kleros/lifi-sdk/internal/status"
	"github.com/kleros/lifi-sdk/internal/wallet"
)

func newTestTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

type fakeSession struct {
	chainID   int64
	sendTx    *types.Transaction
	sendErr   error
	sent      []*model.TransactionRequest
	getCalls  int
	getTx     *types.Transaction
	waitErr   error
	waitCalls int
}

func (s *fakeSession) ChainID() int64          { return s.chainID }
func (s *fakeSession) Address() common.Address { return common.HexToAddress("0x2222222222222222222222222222222222222222") }
func (s *fakeSession) RPCClient() wallet.RPC   { return nil }

func (s *fakeSession) SendTransaction(ctx context.Context, req *model.TransactionRequest) (*types.Transaction, error) {
	s.sent = append(s.sent, req)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return s.sendTx, nil
}

func (s *fakeSession) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	s.getCalls++
	if s.getTx == nil {
		return nil, clierr.New(clierr.CodeTransaction, "transaction not found")
	}
	return s.getTx, nil
}

func (s *fakeSession) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	s.waitCalls++
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

type fakeAPI struct {
	prepared     *model.Step
	prepareErr   error
	prepareCalls int
	statuses     []*api.StatusResponse
	statusErrs   []error
	statusCalls  int
}

func (a *fakeAPI) GetStepTransaction(ctx context.Context, step *model.Step) (*model.Step, error) {
	a.prepareCalls++
	if a.prepareErr != nil {
		return nil, a.prepareErr
	}
	return a.prepared, nil
}

func (a *fakeAPI) GetStatus(ctx context.Context, tool string, fromChain, toChain int64, txHash string) (*api.StatusResponse, error) {
	idx := a.statusCalls
	a.statusCalls++
	if idx < len(a.statusErrs) && a.statusErrs[idx] != nil {
		return nil, a.statusErrs[idx]
	}
	if idx >= len(a.statuses) {
		idx = len(a.statuses) - 1
	}
	return a.statuses[idx], nil
}

type fakeAllowance struct {
	calls int
	err   error
}

func (g *fakeAllowance) Ensure(ctx context.Context, session wallet.RPCSession, recorder *status.Recorder, step *model.Step, spender string, infinite bool, cancelled func() bool) error {
	g.calls++
	return g.err
}

type fakeBalance struct {
	calls int
	err   error
}

func (g *fakeBalance) Ensure(ctx context.Context, session wallet.RPCSession, step *model.Step) error {
	g.calls++
	return g.err
}

type fakeNegotiator struct {
	result wallet.SwitchResult
	err    error
	hook   func()
}

func (n *fakeNegotiator) Ensure(ctx context.Context, session wallet.Session, recorder *status.Recorder, step *model.Step, hook wallet.InteractionHook, cancelled func() bool) (wallet.SwitchResult, error) {
	if n.hook != nil {
		n.hook()
	}
	if n.err != nil {
		return wallet.SwitchResult{}, n.err
	}
	if n.result.Session == nil && !n.result.Declined {
		return wallet.SwitchResult{Session: session}, nil
	}
	return n.result, nil
}

func erc20Step() *model.Step {
	return &model.Step{
		ID:   model.NewStepID(),
		Type: "cross",
		Tool: "across",
		Action: model.StepAction{
			FromChainID: 1,
			ToChainID:   8453,
			FromToken:   model.Token{ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6},
			ToToken:     model.Token{ChainID: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6},
			FromAmount:  "1000000",
		},
		Estimate: model.StepEstimate{ToAmount: "990000", ApprovalAddress: "0x3333333333333333333333333333333333333333"},
	}
}

func nativeStep() *model.Step {
	step := erc20Step()
	step.Action.FromToken = model.Token{ChainID: 1, Address: chains.ZeroAddress, Symbol: "ETH", Decimals: 18}
	return step
}

func preparedCopy(step *model.Step) *model.Step {
	prepared := *step
	prepared.TransactionRequest = &model.TransactionRequest{
		To:      "0x1111111111111111111111111111111111111111",
		Data:    "0xdeadbeef",
		Value:   "0",
		ChainID: 1,
	}
	return &prepared
}

func doneStatus() *api.StatusResponse {
	return &api.StatusResponse{
		Status: api.SettlementDone,
		Sending: api.StatusSide{
			TxHash: "0xsource",
			Amount: "1000000",
		},
		Receiving: api.StatusSide{
			TxHash: "0xdestination",
			Amount: "990000",
			Token:  &model.Token{ChainID: 8453, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6},
		},
	}
}

func immediateSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestController(session *fakeSession, transferAPI *fakeAPI, allowance *fakeAllowance, negotiator SwitchNegotiator) (*Controller, *status.Recorder) {
	recorder := status.NewRecorder()
	opts := Options{PollInterval: time.Millisecond, Sleep: immediateSleep}
	controller := NewController(session, recorder, transferAPI, opts,
		WithAllowanceGuard(allowance),
		WithBalanceGuard(&fakeBalance{}),
		WithNegotiator(negotiator),
	)
	return controller, recorder
}

func findProcess(t *testing.T, step *model.Step, processType model.ProcessType) model.Process {
	t.Helper()
	for _, proc := range step.Execution.Process {
		if proc.Type == processType {
			return proc
		}
	}
	t.Fatalf("process %s not found", processType)
	return model.Process{}
}

func TestExecuteSettlesAfterInconclusiveProbes(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{
		prepared: preparedCopy(step),
		statuses: []*api.StatusResponse{
			{Status: api.SettlementNotFound},
			{Status: api.SettlementPending},
			doneStatus(),
		},
	}
	allowance := &fakeAllowance{}
	controller, _ := newTestController(session, transferAPI, allowance, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if execution.Status != model.ExecutionDone {
		t.Fatalf("expected DONE execution, got %s", execution.Status)
	}
	if transferAPI.statusCalls != 3 {
		t.Fatalf("expected exactly 3 settlement probes, got %d", transferAPI.statusCalls)
	}
	if allowance.calls != 1 {
		t.Fatalf("expected one allowance check, got %d", allowance.calls)
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status != model.ProcessDone || cross.TxHash != session.sendTx.Hash().Hex() {
		t.Fatalf("unexpected crossing process: %+v", cross)
	}
	receiving := findProcess(t, step, model.ProcessReceivingChain)
	if receiving.Status != model.ProcessDone || receiving.TxHash != "0xdestination" {
		t.Fatalf("unexpected receiving process: %+v", receiving)
	}
	if execution.ToAmount != "990000" || execution.FromAmount != "1000000" {
		t.Fatalf("unexpected execution amounts: from=%s to=%s", execution.FromAmount, execution.ToAmount)
	}
	if execution.ToToken == nil || execution.ToToken.Symbol != "USDC" {
		t.Fatalf("expected resolved receiving token, got %+v", execution.ToToken)
	}
}

func TestExecuteSkipsAllowanceForNativeToken(t *testing.T) {
	step := nativeStep()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{prepared: preparedCopy(step), statuses: []*api.StatusResponse{doneStatus()}}
	allowance := &fakeAllowance{}
	controller, _ := newTestController(session, transferAPI, allowance, &fakeNegotiator{})

	if _, err := controller.Execute(context.Background(), step); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if allowance.calls != 0 {
		t.Fatalf("expected allowance guard to be skipped, got %d calls", allowance.calls)
	}
}

func TestExecuteResumesFromRecordedHashWithoutRebroadcast(t *testing.T) {
	step := erc20Step()
	recordedTx := newTestTx(7)
	session := &fakeSession{chainID: 1, getTx: recordedTx}
	transferAPI := &fakeAPI{statuses: []*api.StatusResponse{doneStatus()}}
	allowance := &fakeAllowance{}
	controller, recorder := newTestController(session, transferAPI, allowance, &fakeNegotiator{})

	recorder.InitExecution(step)
	recorder.FindOrCreateProcess(step, model.ProcessCrossChain, model.ProcessStarted)
	recorder.UpdateProcess(step, model.ProcessCrossChain, model.ProcessPending,
		status.WithTxHash(recordedTx.Hash().Hex()))

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if execution.Status != model.ExecutionDone {
		t.Fatalf("expected DONE execution, got %s", execution.Status)
	}
	if allowance.calls != 0 {
		t.Fatalf("resume must not re-check allowance, got %d calls", allowance.calls)
	}
	if transferAPI.prepareCalls != 0 {
		t.Fatalf("resume must not re-prepare, got %d calls", transferAPI.prepareCalls)
	}
	if len(session.sent) != 0 {
		t.Fatalf("resume must not rebroadcast, got %d sends", len(session.sent))
	}
	if session.getCalls != 1 {
		t.Fatalf("expected one transaction lookup, got %d", session.getCalls)
	}
}

func TestExecuteCancellationBeforeBroadcastStopsCleanly(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{prepared: preparedCopy(step)}
	allowance := &fakeAllowance{}

	var controller *Controller
	negotiator := &fakeNegotiator{hook: func() { controller.Cancel() }}
	controller, _ = newTestController(session, transferAPI, allowance, negotiator)

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if len(session.sent) != 0 {
		t.Fatalf("cancellation must prevent broadcast, got %d sends", len(session.sent))
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status == model.ProcessDone || cross.Status == model.ProcessFailed {
		t.Fatalf("crossing process must stay non-terminal, got %s", cross.Status)
	}
	if execution.Terminal() {
		t.Fatalf("execution must stay non-terminal, got %s", execution.Status)
	}
}

func TestExecuteDeclinedChainSwitchIsNotAFailure(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{prepared: preparedCopy(step)}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{result: wallet.SwitchResult{Declined: true}})

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("declined switch must not raise, got %v", err)
	}
	if len(session.sent) != 0 {
		t.Fatalf("declined switch must prevent broadcast, got %d sends", len(session.sent))
	}
	if execution.Status == model.ExecutionFailed {
		t.Fatal("declined switch must not mark the execution FAILED")
	}
}

func TestExecuteFailsWhenNoTransactionPrepared(t *testing.T) {
	step := erc20Step()
	unprepared := *step // no transaction request attached
	session := &fakeSession{chainID: 1}
	transferAPI := &fakeAPI{prepared: &unprepared}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected preparation failure")
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status != model.ProcessFailed || cross.Message != PrepareFailedMessage {
		t.Fatalf("expected fixed diagnostic on crossing process, got %+v", cross)
	}
}

func TestExecuteReplacementKeepsProcessPendingWithNewHash(t *testing.T) {
	step := erc20Step()
	replacement := newTestTx(9)
	session := &fakeSession{
		chainID: 1,
		sendTx:  newTestTx(1),
		waitErr: &wallet.ReplacedError{Replacement: replacement},
	}
	transferAPI := &fakeAPI{prepared: preparedCopy(step), statuses: []*api.StatusResponse{doneStatus()}}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("replacement must be recovered transparently, got %v", err)
	}
	if execution.Status == model.ExecutionFailed {
		t.Fatal("replacement must not mark the execution FAILED")
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status != model.ProcessPending {
		t.Fatalf("expected PENDING crossing process after replacement, got %s", cross.Status)
	}
	if cross.TxHash != replacement.Hash().Hex() {
		t.Fatalf("expected replacement hash on crossing process, got %s", cross.TxHash)
	}
}

func TestExecuteRecordsConfirmationFailureBeforeRaising(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{
		chainID: 1,
		sendTx:  newTestTx(1),
		waitErr: errors.New("execution reverted: transfer amount exceeds balance"),
	}
	transferAPI := &fakeAPI{prepared: preparedCopy(step)}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected confirmation failure")
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status != model.ProcessFailed {
		t.Fatalf("expected FAILED crossing process, got %s", cross.Status)
	}
	if cross.Error == nil || cross.Error.Code != int(clierr.CodeTransaction) {
		t.Fatalf("expected classified transaction error, got %+v", cross.Error)
	}
}

func TestExecuteSettlementFailureAbortsImmediately(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{
		prepared: preparedCopy(step),
		statuses: []*api.StatusResponse{
			{Status: api.SettlementPending},
			{Status: api.SettlementFailed, SubstatusMessage: "bridge route failed"},
		},
	}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected settlement failure")
	}
	if !strings.Contains(err.Error(), "bridge settlement failed") {
		t.Fatalf("expected settlement failure message, got %v", err)
	}
	if transferAPI.statusCalls != 2 {
		t.Fatalf("expected no probes after FAILED, got %d", transferAPI.statusCalls)
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
	receiving := findProcess(t, step, model.ProcessReceivingChain)
	if receiving.Status != model.ProcessFailed {
		t.Fatalf("expected FAILED receiving process, got %s", receiving.Status)
	}
}

func TestExecuteMalformedSettlementCompletionFails(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{
		prepared: preparedCopy(step),
		statuses: []*api.StatusResponse{{Status: api.SettlementDone}}, // no receiving detail
	}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected malformed completion to fail the wait")
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
}

func TestExecuteAbsorbsTransientProbeFailures(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{
		prepared:   preparedCopy(step),
		statusErrs: []error{errors.New("connection reset"), nil},
		statuses:   []*api.StatusResponse{nil, doneStatus()},
	}
	controller, _ := newTestController(session, transferAPI, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err != nil {
		t.Fatalf("transient probe failure must be absorbed, got %v", err)
	}
	if execution.Status != model.ExecutionDone {
		t.Fatalf("expected DONE execution, got %s", execution.Status)
	}
	if transferAPI.statusCalls != 2 {
		t.Fatalf("expected retry after transient failure, got %d probes", transferAPI.statusCalls)
	}
}

func TestExecuteUnknownChainRecordsProcessFailure(t *testing.T) {
	step := erc20Step()
	step.Action.ToChainID = 999999
	session := &fakeSession{chainID: 1}
	controller, _ := newTestController(session, &fakeAPI{}, &fakeAllowance{}, &fakeNegotiator{})

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected unknown chain error")
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
	cross := findProcess(t, step, model.ProcessCrossChain)
	if cross.Status != model.ProcessFailed || cross.Error == nil {
		t.Fatalf("expected FAILED crossing process with error detail, got %+v", cross)
	}
}

func TestExecuteFailsWhenBroadcastCannotBeRecorded(t *testing.T) {
	step := nativeStep()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{prepared: preparedCopy(step), statuses: []*api.StatusResponse{doneStatus()}}

	dir := t.TempDir()
	store, err := status.OpenStore(filepath.Join(dir, "executions.db"), filepath.Join(dir, "executions.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	recorder := status.NewRecorder(status.WithStore(store))

	// The store dies after preparation. A broadcast whose hash cannot be made
	// durable would be unresumable, so the run must stop before sending.
	negotiator := &fakeNegotiator{hook: func() { _ = store.Close() }}
	controller := NewController(session, recorder, transferAPI, Options{
		PollInterval: time.Millisecond,
		Sleep:        immediateSleep,
	},
		WithAllowanceGuard(&fakeAllowance{}),
		WithBalanceGuard(&fakeBalance{}),
		WithNegotiator(negotiator),
	)

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected persist failure to abort the run")
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
	if len(session.sent) != 0 {
		t.Fatalf("must not broadcast when the record cannot be written, got %d sends", len(session.sent))
	}
	if transferAPI.statusCalls != 0 {
		t.Fatalf("must not wait for settlement, got %d status calls", transferAPI.statusCalls)
	}
}

func TestExecuteSettlementTimeoutFailsInsteadOfSilentReturn(t *testing.T) {
	step := erc20Step()
	session := &fakeSession{chainID: 1, sendTx: newTestTx(1)}
	transferAPI := &fakeAPI{
		prepared: preparedCopy(step),
		statuses: []*api.StatusResponse{{Status: api.SettlementPending}},
	}
	recorder := status.NewRecorder()
	controller := NewController(session, recorder, transferAPI, Options{
		PollInterval:      time.Millisecond,
		SettlementTimeout: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			time.Sleep(5 * time.Millisecond)
			return ctx.Err()
		},
	},
		WithAllowanceGuard(&fakeAllowance{}),
		WithBalanceGuard(&fakeBalance{}),
		WithNegotiator(&fakeNegotiator{}),
	)

	execution, err := controller.Execute(context.Background(), step)
	if err == nil {
		t.Fatal("expected settlement timeout failure")
	}
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if execution.Status != model.ExecutionFailed {
		t.Fatalf("expected FAILED execution, got %s", execution.Status)
	}
}
