package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kleros/lifi-sdk/internal/api"
	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/poll"
)

// waitForSettlement polls the backend until it reports a terminal settlement
// state for the source transaction. A transport-level failure of a single
// probe is absorbed; PENDING and NOT_FOUND are both inconclusive, because
// cross-chain indexing lag is expected.
func (c *Controller) waitForSettlement(ctx context.Context, tool string, fromChain, toChain int64, txHash string) (*api.StatusResponse, error) {
	waitCtx := ctx
	if c.opts.SettlementTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.SettlementTimeout)
		defer cancel()
	}

	result, err := poll.Until(waitCtx, c.opts.PollInterval, c.opts.Sleep, func(probeCtx context.Context) (*api.StatusResponse, error) {
		resp, err := c.api.GetStatus(probeCtx, tool, fromChain, toChain, txHash)
		if err != nil {
			// No answer yet; one flaky probe must not abort a
			// multi-minute wait.
			return nil, nil
		}
		switch resp.Status {
		case api.SettlementDone:
			if strings.TrimSpace(resp.Receiving.TxHash) == "" {
				return nil, clierr.New(clierr.CodeProvider, "settlement reported DONE without receiving detail")
			}
			return resp, nil
		case api.SettlementFailed:
			message := strings.TrimSpace(resp.SubstatusMessage)
			if message == "" {
				message = string(resp.Substatus)
			}
			if message == "" {
				return nil, clierr.New(clierr.CodeProvider, "bridge settlement failed")
			}
			return nil, clierr.New(clierr.CodeProvider, fmt.Sprintf("bridge settlement failed: %s", message))
		default:
			return nil, nil
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, clierr.Wrap(clierr.CodeTimeout, "timed out waiting for settlement", err)
		}
		return nil, err
	}
	return result, nil
}
