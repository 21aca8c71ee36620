package model

import "time"

type Token struct {
	ChainID  int64  `json:"chainId"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name,omitempty"`
}

type StepAction struct {
	FromChainID int64  `json:"fromChainId"`
	ToChainID   int64  `json:"toChainId"`
	FromToken   Token  `json:"fromToken"`
	ToToken     Token  `json:"toToken"`
	FromAmount  string `json:"fromAmount"`
	FromAddress string `json:"fromAddress,omitempty"`
	ToAddress   string `json:"toAddress,omitempty"`
	SlippageBps int64  `json:"slippageBps,omitempty"`
}

type StepEstimate struct {
	ToAmount          string `json:"toAmount"`
	ToAmountMin       string `json:"toAmountMin,omitempty"`
	ApprovalAddress   string `json:"approvalAddress,omitempty"`
	ExecutionDuration int64  `json:"executionDuration,omitempty"`
}

// TransactionRequest is the ready-to-send payload prepared by the transfer API.
type TransactionRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit string `json:"gasLimit,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	ChainID  int64  `json:"chainId,omitempty"`
}

// Step is one hop of a cross-chain transfer. The controller mutates only its
// Execution record, and only through the status recorder.
type Step struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	Tool               string              `json:"tool"`
	Action             StepAction          `json:"action"`
	Estimate           StepEstimate        `json:"estimate"`
	TransactionRequest *TransactionRequest `json:"transactionRequest,omitempty"`
	Execution          *Execution          `json:"execution,omitempty"`
}

type ProcessType string

const (
	ProcessTokenAllowance ProcessType = "TOKEN_ALLOWANCE"
	ProcessSwitchChain    ProcessType = "SWITCH_CHAIN"
	ProcessCrossChain     ProcessType = "CROSS_CHAIN"
	ProcessReceivingChain ProcessType = "RECEIVING_CHAIN"
)

type ProcessStatus string

const (
	ProcessStarted        ProcessStatus = "STARTED"
	ProcessActionRequired ProcessStatus = "ACTION_REQUIRED"
	ProcessPending        ProcessStatus = "PENDING"
	ProcessDone           ProcessStatus = "DONE"
	ProcessFailed         ProcessStatus = "FAILED"
)

type ExecutionStatus string

const (
	ExecutionStarted ExecutionStatus = "STARTED"
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionDone    ExecutionStatus = "DONE"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

type ProcessError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Process is one named phase within an Execution. Failure is a terminal
// status, never removal.
type Process struct {
	Type      ProcessType   `json:"type"`
	Status    ProcessStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	TxHash    string        `json:"txHash,omitempty"`
	TxLink    string        `json:"txLink,omitempty"`
	Error     *ProcessError `json:"error,omitempty"`
	StartedAt string        `json:"startedAt"`
	DoneAt    string        `json:"doneAt,omitempty"`
}

func (p *Process) Terminal() bool {
	return p.Status == ProcessDone || p.Status == ProcessFailed
}

// Execution is the mutable record of a step's run-time progress and outcome.
type Execution struct {
	Status     ExecutionStatus `json:"status"`
	Process    []Process       `json:"process"`
	FromAmount string          `json:"fromAmount,omitempty"`
	ToAmount   string          `json:"toAmount,omitempty"`
	ToToken    *Token          `json:"toToken,omitempty"`
	StartedAt  string          `json:"startedAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

func (e *Execution) Terminal() bool {
	return e.Status == ExecutionDone || e.Status == ExecutionFailed
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
