// Package config holds the bundler's configuration: the flat set of fields
// a bundler process needs at startup, its defaults, and validation.
package config

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all configuration for a bundler process.
type Config struct {
	// Network is the RPC endpoint of the underlying Ethereum node.
	Network string

	// Port is the HTTP port the bundler's JSON-RPC server listens on.
	Port int

	// EntryPoint is the sole supported EntryPoint contract address.
	EntryPoint common.Address

	// Beneficiary receives the collected gas fees on every handleOps call.
	Beneficiary common.Address

	// PrivateKeyFile and MnemonicFile locate the bundler's signing key.
	// At least one must be set; PrivateKeyFile takes priority when both are.
	PrivateKeyFile string
	MnemonicFile   string

	// GasFactor is a gas price multiplier. It is parsed, defaulted and
	// validated, but no component reads it: bundle transactions use the
	// node's suggested fee data unscaled.
	GasFactor float64

	// MinBalance is the signer balance at or below which the Bundle Manager
	// names the signer itself as the bundle's beneficiary. At startup only a
	// zero signer balance stops the process.
	MinBalance *big.Int

	// MaxBundleGas caps the total gas a single handleOps bundle may spend.
	MaxBundleGas uint64

	// MinStake and MinUnstakeDelay are the thresholds an entity's EntryPoint
	// deposit must meet to count as staked. Staked entities are exempt from
	// the unstaked mempool quota and, in safe mode, from the third-party
	// storage restriction.
	MinStake        *big.Int
	MinUnstakeDelay uint32

	// Unsafe disables the safe-mode debug_traceCall opcode/storage banning
	// and falls back to trusting simulateValidation's revert alone.
	Unsafe bool

	// DebugRPC enables the debug_bundler_* methods. Production deployments
	// leave this off.
	DebugRPC bool

	// ConditionalRPC submits bundle transactions via
	// eth_sendRawTransactionConditional instead of eth_sendRawTransaction.
	ConditionalRPC bool

	// Whitelist and Blacklist are reputation overrides: whitelisted
	// addresses skip throttling and banning entirely, blacklisted
	// addresses are rejected outright.
	Whitelist []common.Address
	Blacklist []common.Address

	// AutoBundleInterval is the auto-bundler tick period in seconds. 0
	// disables the timer, leaving bundling purely size-triggered.
	AutoBundleInterval int

	// AutoBundleMempoolSize is the mempool size that force-triggers a
	// bundle attempt regardless of the timer.
	AutoBundleMempoolSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Network:               "http://127.0.0.1:8545",
		Port:                  3000,
		GasFactor:             1.0,
		MinBalance:            big.NewInt(1e17), // 0.1 ETH
		MaxBundleGas:          10_000_000,
		MinStake:              big.NewInt(1e17),
		MinUnstakeDelay:       86400,
		Unsafe:                false,
		DebugRPC:              false,
		ConditionalRPC:        false,
		AutoBundleInterval:    10,
		AutoBundleMempoolSize: 1,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network == "" {
		return errors.New("config: network rpc url must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Port)
	}
	if c.EntryPoint == (common.Address{}) {
		return errors.New("config: entryPoint must be set")
	}
	if c.Beneficiary == (common.Address{}) {
		return errors.New("config: beneficiary must be set")
	}
	if c.PrivateKeyFile == "" && c.MnemonicFile == "" {
		return errors.New("config: one of privateKeyFile or mnemonicFile must be set")
	}
	if c.GasFactor <= 0 {
		return fmt.Errorf("config: gasFactor must be positive, got %f", c.GasFactor)
	}
	if c.MinBalance == nil || c.MinBalance.Sign() < 0 {
		return errors.New("config: minBalance must be non-negative")
	}
	if c.MaxBundleGas == 0 {
		return errors.New("config: maxBundleGas must be greater than 0")
	}
	if c.MinStake == nil || c.MinStake.Sign() < 0 {
		return errors.New("config: minStake must be non-negative")
	}
	if c.AutoBundleInterval < 0 {
		return fmt.Errorf("config: invalid autoBundleInterval: %d", c.AutoBundleInterval)
	}
	if c.AutoBundleMempoolSize < 0 {
		return fmt.Errorf("config: invalid autoBundleMempoolSize: %d", c.AutoBundleMempoolSize)
	}
	for _, addr := range c.Whitelist {
		for _, banned := range c.Blacklist {
			if addr == banned {
				return fmt.Errorf("config: address %s is both whitelisted and blacklisted", addr)
			}
		}
	}
	return nil
}
