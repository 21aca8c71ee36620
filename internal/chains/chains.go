package chains

import (
	"fmt"
	"strings"

	clierr "github.com/kleros/lifi-sdk/internal/errors"
	"github.com/kleros/lifi-sdk/internal/model"
)

const (
	// ZeroAddress and NativeSentinel both denote the chain's native asset in
	// transfer requests.
	ZeroAddress    = "0x0000000000000000000000000000000000000000"
	NativeSentinel = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

type Chain struct {
	ID          int64
	Key         string
	Name        string
	ExplorerURL string
	NativeToken model.Token
}

// TxLink renders the block-explorer link for a transaction hash.
func (c Chain) TxLink(txHash string) string {
	if strings.TrimSpace(txHash) == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", strings.TrimRight(c.ExplorerURL, "/"), txHash)
}

// IsNativeToken reports whether addr denotes the chain's native asset.
func IsNativeToken(addr string) bool {
	clean := strings.TrimSpace(addr)
	return clean == "" || strings.EqualFold(clean, ZeroAddress) || strings.EqualFold(clean, NativeSentinel)
}

var directory = map[int64]Chain{
	1: {
		ID:          1,
		Key:         "eth",
		Name:        "Ethereum",
		ExplorerURL: "https://etherscan.io",
		NativeToken: model.Token{ChainID: 1, Address: ZeroAddress, Symbol: "ETH", Decimals: 18, Name: "Ether"},
	},
	10: {
		ID:          10,
		Key:         "opt",
		Name:        "Optimism",
		ExplorerURL: "https://optimistic.etherscan.io",
		NativeToken: model.Token{ChainID: 10, Address: ZeroAddress, Symbol: "ETH", Decimals: 18, Name: "Ether"},
	},
	56: {
		ID:          56,
		Key:         "bsc",
		Name:        "BNB Smart Chain",
		ExplorerURL: "https://bscscan.com",
		NativeToken: model.Token{ChainID: 56, Address: ZeroAddress, Symbol: "BNB", Decimals: 18, Name: "BNB"},
	},
	137: {
		ID:          137,
		Key:         "pol",
		Name:        "Polygon",
		ExplorerURL: "https://polygonscan.com",
		NativeToken: model.Token{ChainID: 137, Address: ZeroAddress, Symbol: "POL", Decimals: 18, Name: "Polygon Ecosystem Token"},
	},
	8453: {
		ID:          8453,
		Key:         "bas",
		Name:        "Base",
		ExplorerURL: "https://basescan.org",
		NativeToken: model.Token{ChainID: 8453, Address: ZeroAddress, Symbol: "ETH", Decimals: 18, Name: "Ether"},
	},
	42161: {
		ID:          42161,
		Key:         "arb",
		Name:        "Arbitrum One",
		ExplorerURL: "https://arbiscan.io",
		NativeToken: model.Token{ChainID: 42161, Address: ZeroAddress, Symbol: "ETH", Decimals: 18, Name: "Ether"},
	},
}

// Get resolves a chain by its EVM chain id.
func Get(id int64) (Chain, error) {
	chain, ok := directory[id]
	if !ok {
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unknown chain id %d", id))
	}
	return chain, nil
}

// GetByKey resolves a chain by its short key (e.g. "eth", "arb").
func GetByKey(key string) (Chain, error) {
	clean := strings.ToLower(strings.TrimSpace(key))
	for _, chain := range directory {
		if chain.Key == clean {
			return chain, nil
		}
	}
	return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unknown chain key %q", key))
}
