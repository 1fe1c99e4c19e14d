package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// envPrefix namespaces every environment override so a bundler process
// sharing a shell with unrelated services can't pick up a stray var.
const envPrefix = "BUNDLER_"

// ApplyEnvironment overrides cfg's fields from BUNDLER_-prefixed
// environment variables. It runs after flag parsing, so a set variable
// overrides the field whether or not the matching flag was passed.
// Unset variables leave the existing field untouched.
func (c *Config) ApplyEnvironment() error {
	if v, ok := lookupEnv("NETWORK"); ok {
		c.Network = v
	}
	if v, ok := lookupEnv("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sPORT: %w", envPrefix, err)
		}
		c.Port = n
	}
	if v, ok := lookupEnv("ENTRY_POINT"); ok {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("config: invalid %sENTRY_POINT: %q", envPrefix, v)
		}
		c.EntryPoint = common.HexToAddress(v)
	}
	if v, ok := lookupEnv("BENEFICIARY"); ok {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("config: invalid %sBENEFICIARY: %q", envPrefix, v)
		}
		c.Beneficiary = common.HexToAddress(v)
	}
	if v, ok := lookupEnv("PRIVATE_KEY_FILE"); ok {
		c.PrivateKeyFile = v
	}
	if v, ok := lookupEnv("MNEMONIC_FILE"); ok {
		c.MnemonicFile = v
	}
	if v, ok := lookupEnv("GAS_FACTOR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: invalid %sGAS_FACTOR: %w", envPrefix, err)
		}
		c.GasFactor = f
	}
	if v, ok := lookupEnv("MIN_BALANCE"); ok {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return fmt.Errorf("config: invalid %sMIN_BALANCE: %q", envPrefix, v)
		}
		c.MinBalance = n
	}
	if v, ok := lookupEnv("MAX_BUNDLE_GAS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: invalid %sMAX_BUNDLE_GAS: %w", envPrefix, err)
		}
		c.MaxBundleGas = n
	}
	if v, ok := lookupEnv("MIN_STAKE"); ok {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return fmt.Errorf("config: invalid %sMIN_STAKE: %q", envPrefix, v)
		}
		c.MinStake = n
	}
	if v, ok := lookupEnv("MIN_UNSTAKE_DELAY"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: invalid %sMIN_UNSTAKE_DELAY: %w", envPrefix, err)
		}
		c.MinUnstakeDelay = uint32(n)
	}
	if v, ok := lookupEnv("UNSAFE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sUNSAFE: %w", envPrefix, err)
		}
		c.Unsafe = b
	}
	if v, ok := lookupEnv("DEBUG_RPC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sDEBUG_RPC: %w", envPrefix, err)
		}
		c.DebugRPC = b
	}
	if v, ok := lookupEnv("CONDITIONAL_RPC"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sCONDITIONAL_RPC: %w", envPrefix, err)
		}
		c.ConditionalRPC = b
	}
	if v, ok := lookupEnv("WHITELIST"); ok {
		addrs, err := ParseAddressList(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sWHITELIST: %w", envPrefix, err)
		}
		c.Whitelist = addrs
	}
	if v, ok := lookupEnv("BLACKLIST"); ok {
		addrs, err := ParseAddressList(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sBLACKLIST: %w", envPrefix, err)
		}
		c.Blacklist = addrs
	}
	if v, ok := lookupEnv("AUTO_BUNDLE_INTERVAL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sAUTO_BUNDLE_INTERVAL: %w", envPrefix, err)
		}
		c.AutoBundleInterval = n
	}
	if v, ok := lookupEnv("AUTO_BUNDLE_MEMPOOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid %sAUTO_BUNDLE_MEMPOOL_SIZE: %w", envPrefix, err)
		}
		c.AutoBundleMempoolSize = n
	}
	return nil
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}
