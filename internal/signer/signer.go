// Package signer implements bundle.Signer against a raw ECDSA private
// key, loaded from a hex-encoded file, parsed with go-ethereum/crypto and
// signed with go-ethereum/core/types' EIP-155/London-style signer.
package signer

import (
	"context"
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

// PrivateKey signs outbound handleOps transactions with a single in-memory
// ECDSA key.
type PrivateKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// FromFile loads a hex-encoded private key (with or without a leading
// "0x") from path.
func FromFile(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}
	hexKey := strings.TrimSpace(string(data))
	hexKey = strings.TrimPrefix(hexKey, "0x")

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &PrivateKey{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromMnemonicFile is not implemented: deriving an ECDSA key from a BIP-39
// mnemonic needs a wordlist and derivation path this module doesn't carry.
// Callers should configure PrivateKeyFile instead.
func FromMnemonicFile(path string) (*PrivateKey, error) {
	return nil, errors.New("signer: mnemonic-based key loading is not supported, use privateKeyFile")
}

// Address returns the signer's Ethereum address.
func (s *PrivateKey) Address() common.Address { return s.addr }

// SignTx signs tx for chainID using the London (EIP-1559) signer, matching
// the DynamicFeeTx the Bundle Manager builds.
func (s *PrivateKey) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewLondonSigner(chainID), s.key)
}
