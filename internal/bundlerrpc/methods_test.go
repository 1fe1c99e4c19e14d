package bundlerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/erc4337/bundler/internal/bundle"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/ethnode"
	"github.com/erc4337/bundler/internal/events"
	"github.com/erc4337/bundler/internal/execution"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/receipts"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/validation"
)

// fakeNode satisfies validation.Node, bundle.Node, and events.Node against a
// fixed ValidationResult fixture, the same fixture shape used in
// bundle/builder_test.go and execution/execution_test.go.
type fakeNode struct {
	current          uint64
	validationRevert []byte
}

type returnInfoT struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type stakeInfoT struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	packed, err := entrypoint.ABI.Errors["ValidationResult"].Inputs.Pack(
		returnInfoT{PreOpGas: big.NewInt(50_000), Prefund: big.NewInt(0), SigFailed: false, ValidAfter: big.NewInt(0), ValidUntil: big.NewInt(0), PaymasterContext: nil},
		stakeInfoT{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		stakeInfoT{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
		stakeInfoT{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)},
	)
	if err != nil {
		t.Fatalf("pack ValidationResult: %v", err)
	}
	id := entrypoint.ABI.Errors["ValidationResult"].ID
	return &fakeNode{current: 5000, validationRevert: append(append([]byte{}, id[:4]...), packed...)}
}

type fakeRevertErr struct{ data string }

func (e *fakeRevertErr) Error() string          { return "execution reverted" }
func (e *fakeRevertErr) ErrorData() interface{} { return e.data }

func (f *fakeNode) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], entrypoint.ABI.Methods["simulateValidation"].ID) {
		return nil, &fakeRevertErr{data: hexutil.Encode(f.validationRevert)}
	}
	if len(data) >= 4 && bytes.Equal(data[:4], entrypoint.ABI.Methods["balanceOf"].ID) {
		return entrypoint.ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(0))
	}
	return nil, errors.New("fakeNode: unexpected selector")
}

func (f *fakeNode) TraceCall(ctx context.Context, to common.Address, data []byte, program string) (json.RawMessage, error) {
	return nil, errors.New("fakeNode: safe mode not exercised")
}

func (f *fakeNode) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) { return nil, nil }

func (f *fakeNode) GetProof(ctx context.Context, addr common.Address, slots []common.Hash) (*ethnode.AccountResult, error) {
	return &ethnode.AccountResult{}, nil
}

func (f *fakeNode) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeNode) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeNode) SuggestFeeData(ctx context.Context) ethnode.FeeData {
	return ethnode.FeeData{MaxFeePerGas: big.NewInt(0), MaxPriorityFeePerGas: big.NewInt(0)}
}

func (f *fakeNode) SendRawTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (f *fakeNode) SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts map[common.Address]ethnode.KnownAccountsCondition) (common.Hash, error) {
	return common.Hash{}, nil
}

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) { return f.current, nil }

func (f *fakeNode) FilterLogs(ctx context.Context, contract common.Address, from, to uint64) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeNode) SubscribeLogs(ctx context.Context, contract common.Address, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("fakeNode: no live subscription in tests")
}

type nopSigner struct{ addr common.Address }

func (s nopSigner) Address() common.Address { return s.addr }
func (s nopSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return tx, nil
}

func newTestDeps(t *testing.T) (*Dependencies, common.Address) {
	t.Helper()
	node := newFakeNode(t)
	entryPoint := common.HexToAddress("0x9999999999999999999999999999999999eeee")

	rep := reputation.NewManager(node, nil, nil)
	pool := mempool.NewPool(rep)
	validator := validation.NewManager(validation.Config{EntryPoint: entryPoint, Unsafe: true, GasConfig: entrypoint.DefaultGasConfig()}, node, nil)
	bundler := bundle.NewManager(bundle.Config{EntryPoint: entryPoint, MaxBundleGas: 10_000_000}, pool, validator, rep, node, nopSigner{})
	recv := receipts.NewIndex()
	ev := events.NewManager(node, pool, rep, recv, entryPoint)
	exec := execution.NewManager(execution.Config{EntryPoint: entryPoint, ChainID: big.NewInt(1)}, validator, pool, bundler, ev, rep, recv)
	exec.SetAutoBundler(context.Background(), 0, 1000) // manual mode: never auto-trigger mid-test

	return &Dependencies{
		Exec:          exec,
		ChainID:       big.NewInt(1),
		ClientVersion: "erc4337-bundler/test",
		EntryPoints:   []common.Address{entryPoint},
		GasConfig:     entrypoint.DefaultGasConfig(),
	}, entryPoint
}

func testUserOp(sender common.Address) *entrypoint.UserOperation {
	return &entrypoint.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(1_000_000),
		MaxFeePerGas:         big.NewInt(1e9),
		MaxPriorityFeePerGas: big.NewInt(1e9),
	}
}

func rawParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return b
}

func TestClientVersionAndChainID(t *testing.T) {
	deps, _ := newTestDeps(t)
	reg := NewRegistry(deps)

	v, err := reg.dispatch(context.Background(), "web3_clientVersion", nil)
	if err != nil || v != deps.ClientVersion {
		t.Fatalf("web3_clientVersion = (%v, %v)", v, err)
	}

	cid, err := reg.dispatch(context.Background(), "eth_chainId", nil)
	if err != nil {
		t.Fatalf("eth_chainId: %v", err)
	}
	if (*hexutil.Big)(cid.(*hexutil.Big)).ToInt().Cmp(deps.ChainID) != 0 {
		t.Fatalf("unexpected chainId: %v", cid)
	}
}

func TestUnknownMethod_MapsToMethodNotSupported(t *testing.T) {
	deps, _ := newTestDeps(t)
	reg := NewRegistry(deps)

	_, err := reg.dispatch(context.Background(), "eth_notAMethod", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
	if codeOf(err) != -32601 {
		t.Fatalf("expected CodeMethodNotSupported, got %d", codeOf(err))
	}
}

func TestSendUserOperation_ThenGetByHash(t *testing.T) {
	deps, entryPoint := newTestDeps(t)
	reg := NewRegistry(deps)

	sender := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	op := testUserOp(sender)

	result, err := reg.dispatch(context.Background(), "eth_sendUserOperation", []json.RawMessage{
		rawParam(t, op),
		rawParam(t, entryPoint),
	})
	if err != nil {
		t.Fatalf("eth_sendUserOperation: %v", err)
	}
	hash, ok := result.(common.Hash)
	if !ok {
		t.Fatalf("unexpected result type: %T", result)
	}

	got, err := reg.dispatch(context.Background(), "eth_getUserOperationByHash", []json.RawMessage{rawParam(t, hash)})
	if err != nil {
		t.Fatalf("eth_getUserOperationByHash: %v", err)
	}
	byHash, ok := got.(*userOpByHashResult)
	if !ok || byHash.UserOperation == nil || byHash.UserOperation.Sender != sender {
		t.Fatalf("unexpected eth_getUserOperationByHash result: %+v", got)
	}
}

func TestServer_BatchRequest(t *testing.T) {
	deps, _ := newTestDeps(t)
	reg := NewRegistry(deps)
	srv := NewServer(reg)

	body := `[{"jsonrpc":"2.0","method":"web3_clientVersion","id":1},{"jsonrpc":"2.0","method":"eth_chainId","id":2}]`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	var resps []Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	for _, r := range resps {
		if r.Error != nil {
			t.Fatalf("unexpected error in batch response: %+v", r.Error)
		}
	}
}
