package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc4337/bundler/internal/config"
)

// flagSet wraps flag.FlagSet to add the uint64, address, and address-list
// flag types the standard library's flag package lacks.
type flagSet struct {
	*flag.FlagSet
}

func newFlagSet(name string) *flagSet {
	return &flagSet{FlagSet: flag.NewFlagSet(name, flag.ContinueOnError)}
}

func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	fs.FlagSet.Var(&uint64Value{p: p}, name, usage)
	*p = value
}

func (fs *flagSet) AddressVar(p *common.Address, name string, value common.Address, usage string) {
	fs.FlagSet.Var(&addressValue{p: p}, name, usage)
	*p = value
}

func (fs *flagSet) AddressListVar(p *[]common.Address, name string, usage string) {
	fs.FlagSet.Var(config.AddressListValue(p), name, usage)
}

type uint64Value struct{ p *uint64 }

func (v *uint64Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(*v.p, 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v.p = n
	return nil
}

type addressValue struct{ p *common.Address }

func (v *addressValue) String() string {
	if v.p == nil {
		return ""
	}
	return v.p.Hex()
}

func (v *addressValue) Set(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("invalid address %q", s)
	}
	*v.p = common.HexToAddress(s)
	return nil
}

// newBundlerFlagSet binds every CLI flag to cfg. minUnstakeDelay is bound
// through minUnstakeDelay64 since the standard flag package (even with
// uint64Value) needs a *uint64, not the *uint32 cfg carries; the caller
// copies it back into cfg.MinUnstakeDelay after Parse.
func newBundlerFlagSet(cfg *config.Config, minUnstakeDelay64 *uint64) *flagSet {
	fs := newFlagSet("bundler")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "underlying Ethereum node RPC URL")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "bundler JSON-RPC HTTP port")
	fs.AddressVar(&cfg.EntryPoint, "entryPoint", cfg.EntryPoint, "supported EntryPoint contract address")
	fs.AddressVar(&cfg.Beneficiary, "beneficiary", cfg.Beneficiary, "address credited with collected gas fees")
	fs.StringVar(&cfg.PrivateKeyFile, "privateKeyFile", cfg.PrivateKeyFile, "path to a hex-encoded signer private key")
	fs.StringVar(&cfg.MnemonicFile, "mnemonicFile", cfg.MnemonicFile, "path to a signer mnemonic (unsupported, see internal/signer)")
	fs.Float64Var(&cfg.GasFactor, "gasFactor", cfg.GasFactor, "gas price multiplier (validated only; bundle fees use the node's suggested fees unscaled)")
	fs.Uint64Var(&cfg.MaxBundleGas, "maxBundleGas", cfg.MaxBundleGas, "maximum total gas for a single handleOps bundle")
	fs.Uint64Var(minUnstakeDelay64, "minUnstakeDelay", *minUnstakeDelay64, "minimum unstake delay (seconds) to qualify as staked")
	fs.BoolVar(&cfg.Unsafe, "unsafe", cfg.Unsafe, "disable safe-mode opcode/storage banning")
	fs.BoolVar(&cfg.DebugRPC, "debugRpc", cfg.DebugRPC, "enable debug_bundler_* RPC methods")
	fs.BoolVar(&cfg.ConditionalRPC, "conditionalRpc", cfg.ConditionalRPC, "submit bundles via eth_sendRawTransactionConditional")
	fs.AddressListVar(&cfg.Whitelist, "whitelist", "comma-separated addresses exempt from reputation throttling")
	fs.AddressListVar(&cfg.Blacklist, "blacklist", "comma-separated addresses rejected outright")
	fs.IntVar(&cfg.AutoBundleInterval, "autoBundleInterval", cfg.AutoBundleInterval, "auto-bundler tick period in seconds (0 disables)")
	fs.IntVar(&cfg.AutoBundleMempoolSize, "autoBundleMempoolSize", cfg.AutoBundleMempoolSize, "mempool size that force-triggers a bundle attempt")
	return fs
}
