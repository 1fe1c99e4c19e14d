package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/erc4337/bundler/internal/bundle"
	"github.com/erc4337/bundler/internal/bundlerrpc"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/ethnode"
	"github.com/erc4337/bundler/internal/events"
	"github.com/erc4337/bundler/internal/execution"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/receipts"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/validation"
)

// idleNode answers every call with empty-but-valid results; Start/Stop
// never actually drives a bundle attempt in these tests, so the node never
// needs to simulate anything.
type idleNode struct{}

func (idleNode) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, errors.New("idleNode: no calls expected")
}
func (idleNode) TraceCall(ctx context.Context, to common.Address, data []byte, program string) (json.RawMessage, error) {
	return nil, errors.New("idleNode: no calls expected")
}
func (idleNode) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) { return nil, nil }
func (idleNode) GetProof(ctx context.Context, addr common.Address, slots []common.Hash) (*ethnode.AccountResult, error) {
	return &ethnode.AccountResult{}, nil
}
func (idleNode) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (idleNode) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}
func (idleNode) SuggestFeeData(ctx context.Context) ethnode.FeeData { return ethnode.FeeData{} }
func (idleNode) SendRawTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (idleNode) SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts map[common.Address]ethnode.KnownAccountsCondition) (common.Hash, error) {
	return common.Hash{}, nil
}
func (idleNode) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (idleNode) FilterLogs(ctx context.Context, contract common.Address, from, to uint64) ([]types.Log, error) {
	return nil, nil
}
func (idleNode) SubscribeLogs(ctx context.Context, contract common.Address, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("idleNode: no subscriptions expected")
}

type idleSigner struct{ addr common.Address }

func (s idleSigner) Address() common.Address { return s.addr }
func (s idleSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	node := idleNode{}
	entryPoint := common.HexToAddress("0x9999999999999999999999999999999999eeee")

	rep := reputation.NewManager(node, nil, nil)
	pool := mempool.NewPool(rep)
	validator := validation.NewManager(validation.Config{EntryPoint: entryPoint, Unsafe: true, GasConfig: entrypoint.DefaultGasConfig()}, node, nil)
	bundler := bundle.NewManager(bundle.Config{EntryPoint: entryPoint, MaxBundleGas: 10_000_000}, pool, validator, rep, node, idleSigner{})
	recv := receipts.NewIndex()
	ev := events.NewManager(node, pool, rep, recv, entryPoint)
	exec := execution.NewManager(execution.Config{EntryPoint: entryPoint, ChainID: big.NewInt(1)}, validator, pool, bundler, ev, rep, recv)

	deps := &bundlerrpc.Dependencies{
		Exec:          exec,
		ChainID:       big.NewInt(1),
		ClientVersion: "erc4337-bundler/test",
		EntryPoints:   []common.Address{entryPoint},
		GasConfig:     entrypoint.DefaultGasConfig(),
	}
	registry := bundlerrpc.NewRegistry(deps)

	return New(Config{
		Addr:                   "127.0.0.1:0",
		AutoBundleInterval:     0,
		AutoBundleMempoolSize:  1000,
		ReputationCronInterval: time.Hour,
	}, exec, registry)
}

func TestServiceStartStop(t *testing.T) {
	svc := newTestService(t)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected a second Start to fail while already running")
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop should be idempotent once stopped: %v", err)
	}
}

var _ http.Handler = (*bundlerrpc.Server)(nil)
