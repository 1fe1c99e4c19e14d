// Command bundler runs an ERC-4337 UserOperation bundler: a JSON-RPC
// service that accepts UserOperations, validates and mempools them, and
// periodically submits handleOps bundles to a single supported
// EntryPoint.
//
// Usage:
//
//	bundler -network <rpc-url> -entryPoint <addr> -beneficiary <addr> -privateKeyFile <path> [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundle"
	"github.com/erc4337/bundler/internal/bundlermetrics"
	"github.com/erc4337/bundler/internal/bundlerrpc"
	"github.com/erc4337/bundler/internal/config"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/ethnode"
	"github.com/erc4337/bundler/internal/events"
	"github.com/erc4337/bundler/internal/execution"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/receipts"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/service"
	"github.com/erc4337/bundler/internal/signer"
	"github.com/erc4337/bundler/internal/validation"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, minUnstakeDelay64, exit, code := parseFlags(args)
	if exit {
		return code
	}
	cfg.MinUnstakeDelay = uint32(minUnstakeDelay64)

	if err := cfg.ApplyEnvironment(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	log.Info("bundler starting", "version", version, "commit", commit, "entryPoint", cfg.EntryPoint, "network", cfg.Network)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	node, err := ethnode.Dial(ctx, cfg.Network)
	if err != nil {
		log.Crit("failed to dial node", "err", err)
		return 1
	}

	signerKey, err := loadSigner(cfg)
	if err != nil {
		log.Crit("failed to load signer", "err", err)
		return 1
	}

	chainID, err := node.ChainID(ctx)
	if err != nil {
		log.Crit("failed to fetch chain id", "err", err)
		return 1
	}

	if err := runPreflight(ctx, node, cfg, signerKey.Address()); err != nil {
		log.Crit("preflight checks failed", "err", err)
		return 1
	}

	rep := reputation.NewManager(node, cfg.Whitelist, cfg.Blacklist)
	pool := mempool.NewPool(rep)
	gasConfig := entrypoint.DefaultGasConfig()
	validator := validation.NewManager(validation.Config{
		EntryPoint:      cfg.EntryPoint,
		Unsafe:          cfg.Unsafe,
		GasConfig:       gasConfig,
		MinStake:        cfg.MinStake,
		MinUnstakeDelay: cfg.MinUnstakeDelay,
	}, node, rep)
	bundler := bundle.NewManager(bundle.Config{
		EntryPoint:       cfg.EntryPoint,
		Beneficiary:      cfg.Beneficiary,
		MaxBundleGas:     cfg.MaxBundleGas,
		ConditionalRPC:   cfg.ConditionalRPC,
		MinSignerBalance: cfg.MinBalance,
	}, pool, validator, rep, node, signerKey)
	recv := receipts.NewIndex()
	ev := events.NewManager(node, pool, rep, recv, cfg.EntryPoint)
	exec := execution.NewManager(execution.Config{
		EntryPoint:      cfg.EntryPoint,
		ChainID:         chainID,
		MinStake:        cfg.MinStake,
		MinUnstakeDelay: cfg.MinUnstakeDelay,
	}, validator, pool, bundler, ev, rep, recv)

	deps := &bundlerrpc.Dependencies{
		Exec:          exec,
		ChainID:       chainID,
		ClientVersion: fmt.Sprintf("erc4337-bundler/%s", version),
		EntryPoints:   []common.Address{cfg.EntryPoint},
		GasConfig:     gasConfig,
		DebugEnabled:  cfg.DebugRPC,
	}
	registry := bundlerrpc.NewRegistry(deps)

	metricsSeries := bundlermetrics.NewSeries()
	exec.SetMetrics(metricsSeries)
	bundlermetrics.Serve("127.0.0.1", cfg.Port+1000)

	svc := service.New(service.Config{
		Addr:                   fmt.Sprintf(":%d", cfg.Port),
		AutoBundleInterval:     cfg.AutoBundleInterval,
		AutoBundleMempoolSize:  cfg.AutoBundleMempoolSize,
		ReputationCronInterval: time.Hour,
	}, exec, registry)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if err := svc.Start(runCtx); err != nil {
		log.Crit("failed to start bundler service", "err", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	if err := svc.Stop(); err != nil {
		log.Error("error during shutdown", "err", err)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func loadSigner(cfg config.Config) (*signer.PrivateKey, error) {
	if cfg.PrivateKeyFile != "" {
		return signer.FromFile(cfg.PrivateKeyFile)
	}
	return signer.FromMnemonicFile(cfg.MnemonicFile)
}

// parseFlags parses CLI arguments into a Config. Returns the config, the
// raw uint64 minUnstakeDelay flag value (see newBundlerFlagSet), whether
// the caller should exit immediately, and the exit code.
func parseFlags(args []string) (config.Config, uint64, bool, int) {
	cfg := config.DefaultConfig()
	minUnstakeDelay64 := uint64(cfg.MinUnstakeDelay)
	fs := newBundlerFlagSet(&cfg, &minUnstakeDelay64)

	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, minUnstakeDelay64, true, 2
	}

	if *showVersion {
		fmt.Printf("bundler %s (commit %s)\n", version, commit)
		return cfg, minUnstakeDelay64, true, 0
	}

	return cfg, minUnstakeDelay64, false, 0
}
