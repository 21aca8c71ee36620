package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey     = "LIFI_PRIVATE_KEY"
	EnvPrivateKeyFile = "LIFI_PRIVATE_KEY_FILE"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.privateKey)
}

// NewLocalSignerFromEnv loads a hex private key from LIFI_PRIVATE_KEY, or
// from the file named by LIFI_PRIVATE_KEY_FILE.
func NewLocalSignerFromEnv() (*LocalSigner, error) {
	keyHex := strings.TrimSpace(os.Getenv(EnvPrivateKey))
	if keyHex == "" {
		keyFile := strings.TrimSpace(os.Getenv(EnvPrivateKeyFile))
		if keyFile == "" {
			return nil, fmt.Errorf("no private key configured: set %s or %s", EnvPrivateKey, EnvPrivateKeyFile)
		}
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		keyHex = strings.TrimSpace(string(raw))
	}
	return NewLocalSignerFromHex(keyHex)
}

func NewLocalSignerFromHex(keyHex string) (*LocalSigner, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &LocalSigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}
