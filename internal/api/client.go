package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/httpx"
	"github.com/kleros/lifi-sdk/internal/model"
)

const DefaultBaseURL = "https://li.quest/v1"

// SettlementStatus is the backend-reported state of the destination-side
// effect of a submitted transaction.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "PENDING"
	SettlementNotFound SettlementStatus = "NOT_FOUND"
	SettlementDone     SettlementStatus = "DONE"
	SettlementFailed   SettlementStatus = "FAILED"
)

type StatusSide struct {
	TxHash   string       `json:"txHash,omitempty"`
	TxLink   string       `json:"txLink,omitempty"`
	Amount   string       `json:"amount,omitempty"`
	ChainID  int64        `json:"chainId,omitempty"`
	Token    *model.Token `json:"token,omitempty"`
	GasPrice string       `json:"gasPrice,omitempty"`
	GasUsed  string       `json:"gasUsed,omitempty"`
}

type StatusResponse struct {
	Status           SettlementStatus `json:"status"`
	Substatus        string           `json:"substatus,omitempty"`
	SubstatusMessage string           `json:"substatusMessage,omitempty"`
	Tool             string           `json:"tool,omitempty"`
	Sending          StatusSide       `json:"sending"`
	Receiving        StatusSide       `json:"receiving"`
}

// Client talks to the transfer backend: it prepares ready-to-send transaction
// requests for a step and reports cross-chain settlement status.
type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = httpx.New(30*time.Second, 2)
	}
	clean := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if clean == "" {
		clean = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: clean}
}

// GetStepTransaction returns the step with its transaction request populated
// by the backend. An empty transaction request is not an error here; the
// caller decides whether that is terminal.
func (c *Client) GetStepTransaction(ctx context.Context, step *model.Step) (*model.Step, error) {
	body, err := json.Marshal(step)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "marshal step", err)
	}
	var prepared model.Step
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/advanced/stepTransaction", body, &prepared); err != nil {
		return nil, err
	}
	return &prepared, nil
}

// GetStatus reports the settlement status of the transfer identified by its
// source transaction hash. The backend expects the hash without a 0x prefix.
func (c *Client) GetStatus(ctx context.Context, tool string, fromChain, toChain int64, txHash string) (*StatusResponse, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, clierr.New(clierr.CodeUsage, "settlement status requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("bridge", tool)
	vals.Set("fromChain", strconv.FormatInt(fromChain, 10))
	vals.Set("toChain", strconv.FormatInt(toChain, 10))
	vals.Set("txHash", strings.TrimPrefix(strings.TrimSpace(txHash), "0x"))

	var resp StatusResponse
	if _, err := c.http.GetJSON(ctx, c.baseURL+"/status?"+vals.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, clierr.New(clierr.CodeProvider, "settlement status response missing status")
	}
	return &resp, nil
}
