package signer

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPrivateKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeKeyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.hex")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestFromFileDerivesAddress(t *testing.T) {
	path := writeKeyFile(t, testPrivateKeyHex+"\n")
	s, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected a non-zero derived address")
	}
}

func TestFromFileRejectsGarbage(t *testing.T) {
	path := writeKeyFile(t, "not-a-hex-key")
	if _, err := FromFile(path); err == nil {
		t.Fatal("expected an error for a malformed key file")
	}
}

func TestSignTxProducesValidSignature(t *testing.T) {
	path := writeKeyFile(t, testPrivateKeyHex)
	s, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}

	to := common.HexToAddress("0x9999999999999999999999999999999999eeee")
	chainID := big.NewInt(1)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       21000,
		To:        &to,
	})

	signed, err := s.SignTx(context.Background(), tx, chainID)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	sender, err := types.Sender(types.NewLondonSigner(chainID), signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("recovered sender %s does not match signer address %s", sender, s.Address())
	}
}

func TestFromMnemonicFileIsUnsupported(t *testing.T) {
	if _, err := FromMnemonicFile("/dev/null"); err == nil {
		t.Fatal("expected mnemonic loading to return an error")
	}
}
