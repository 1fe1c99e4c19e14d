package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/erc4337/bundler/internal/config"
	"github.com/erc4337/bundler/internal/ethnode"
)

// runPreflight performs the startup checks a bundler must pass before it
// is safe to accept traffic: the EntryPoint must have code at the
// configured address, the signer must hold a nonzero balance, and (when
// the corresponding feature is configured on) the node must actually
// support conditional transactions and the safe-mode tracer. Each failure
// is fatal: refuse to start on a broken precondition rather than degrade
// silently at runtime.
func runPreflight(ctx context.Context, node *ethnode.Client, cfg config.Config, signerAddr common.Address) error {
	code, err := node.CodeAt(ctx, cfg.EntryPoint)
	if err != nil {
		return fmt.Errorf("preflight: query EntryPoint code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("preflight: no contract code at configured EntryPoint %s", cfg.EntryPoint)
	}

	balance, err := node.BalanceAt(ctx, signerAddr)
	if err != nil {
		return fmt.Errorf("preflight: query signer balance: %w", err)
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("preflight: signer %s has zero balance", signerAddr)
	}

	if cfg.ConditionalRPC {
		probe := types.NewTx(&types.LegacyTx{})
		if _, err := node.SendRawTransactionConditional(ctx, probe, nil); err != nil && isMethodNotFound(err) {
			return errors.New("preflight: conditionalRpc is enabled but the node does not support eth_sendRawTransactionConditional")
		}
	}

	if !cfg.Unsafe {
		if _, err := node.TraceCall(ctx, cfg.EntryPoint, nil, safeModeTracerProbe); err != nil && isMethodNotFound(err) {
			return errors.New("preflight: safe mode requires debug_traceCall support, which this node does not advertise; pass -unsafe to skip simulation tracing")
		}
	}

	return nil
}

// safeModeTracerProbe is a syntactically valid, functionally inert tracer
// program used only to probe whether the node accepts debug_traceCall at
// all; its result, if any, is discarded.
const safeModeTracerProbe = "{result: function(){return {}}, fault: function(){}}"

func isMethodNotFound(err error) bool {
	var codeErr interface{ ErrorCode() int }
	if errors.As(err, &codeErr) {
		return codeErr.ErrorCode() == -32601
	}
	return false
}
