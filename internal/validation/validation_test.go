package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/erc4337/bundler/internal/entrypoint"
)

// fakeSafeNode is a Node that drives simulateSafe entirely off a single
// debug_traceCall response, never expecting a second eth_call.
type fakeSafeNode struct {
	traceJSON []byte
}

func (f *fakeSafeNode) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, fmt.Errorf("fakeSafeNode: unexpected eth_call, safe mode must parse the trace alone")
}

func (f *fakeSafeNode) TraceCall(ctx context.Context, to common.Address, data []byte, program string) (json.RawMessage, error) {
	return f.traceJSON, nil
}

func (f *fakeSafeNode) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return nil, nil
}

func failedOpRevertHex(t *testing.T, opIndex int64, reason string) string {
	t.Helper()
	packed, err := entrypoint.ABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(opIndex), reason)
	if err != nil {
		t.Fatalf("pack FailedOp: %v", err)
	}
	id := entrypoint.ABI.Errors["FailedOp"].ID
	return hexutil.Encode(append(append([]byte{}, id[:4]...), packed...))
}

func testOp() *entrypoint.UserOperation {
	return &entrypoint.UserOperation{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111aaaa"),
		Nonce:                big.NewInt(0),
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(1_000_000),
		MaxFeePerGas:         big.NewInt(1e9),
		MaxPriorityFeePerGas: big.NewInt(1e9),
	}
}

func TestCheckInput_RejectsWrongEntryPoint(t *testing.T) {
	ep := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	m := NewManager(Config{EntryPoint: ep, GasConfig: entrypoint.DefaultGasConfig()}, nil, nil)

	err := m.CheckInput(testOp(), common.HexToAddress("0x3333333333333333333333333333333333cccc"))
	if err == nil {
		t.Fatal("expected mismatched entryPoint to be rejected")
	}
}

func TestCheckInput_RejectsShortPaymasterAndData(t *testing.T) {
	ep := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	m := NewManager(Config{EntryPoint: ep, GasConfig: entrypoint.DefaultGasConfig()}, nil, nil)

	op := testOp()
	op.PaymasterAndData = []byte{1, 2, 3}
	if err := m.CheckInput(op, ep); err == nil {
		t.Fatal("expected short paymasterAndData to be rejected")
	}
}

func TestCheckInput_RejectsLowPreVerificationGas(t *testing.T) {
	ep := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	m := NewManager(Config{EntryPoint: ep, GasConfig: entrypoint.DefaultGasConfig()}, nil, nil)

	op := testOp()
	op.PreVerificationGas = big.NewInt(1)
	if err := m.CheckInput(op, ep); err == nil {
		t.Fatal("expected too-low preVerificationGas to be rejected")
	}
}

func TestPostCheck_SigFailed(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	result := &Result{Validation: &entrypoint.ValidationResult{
		ReturnInfo: entrypoint.ReturnInfo{SigFailed: true},
	}}
	if err := m.PostCheck(testOp(), result, time.Now()); err == nil {
		t.Fatal("expected sigFailed to be rejected")
	}
}

func TestPostCheck_TimeRange(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	now := time.Now()
	result := &Result{Validation: &entrypoint.ValidationResult{
		ReturnInfo: entrypoint.ReturnInfo{ValidAfter: uint64(now.Add(time.Hour).Unix())},
	}}
	if err := m.PostCheck(testOp(), result, now); err == nil {
		t.Fatal("expected future validAfter to be rejected")
	}
}

func TestPostCheck_VerificationGasSlack(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	op := testOp()
	now := time.Now()
	result := &Result{Validation: &entrypoint.ValidationResult{
		ReturnInfo: entrypoint.ReturnInfo{
			PreOpGas:   big.NewInt(1_000_500), // preOpGas - preVerificationGas = 500, verificationGasLimit(100000) - 500 large, ok
			ValidAfter: 0,
			ValidUntil: 0,
		},
	}}
	if err := m.PostCheck(op, result, now); err != nil {
		t.Fatalf("expected sufficient slack to pass, got %v", err)
	}
}

func TestSimulateSafe_ParsesRevertFromSingleTrace(t *testing.T) {
	ep := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	revertHex := failedOpRevertHex(t, 0, "AA21 didn't pay prefund")
	traceJSON := []byte(fmt.Sprintf(`{
		"calls": [
			{"topLevelMethodSig":"0x11223344","topLevelTargetAddress":"%s","opcodes":{},"access":{},"contractSize":{},"extCodeAccessInfo":{},"oog":false}
		],
		"keccak": [],
		"logs": []
	}`, testOp().Sender.Hex()))

	// Append the synthetic CaptureEnd entry carrying the revert payload.
	var parsed map[string]interface{}
	if err := json.Unmarshal(traceJSON, &parsed); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	calls := parsed["calls"].([]interface{})
	calls = append(calls, map[string]interface{}{
		"topLevelMethodSig": "0x", "topLevelTargetAddress": "0x",
		"opcodes": map[string]interface{}{}, "access": map[string]interface{}{},
		"contractSize": map[string]interface{}{}, "extCodeAccessInfo": map[string]interface{}{},
		"oog": false, "revertData": revertHex,
	})
	parsed["calls"] = calls
	traceJSON, err := json.Marshal(parsed)
	if err != nil {
		t.Fatalf("remarshal fixture: %v", err)
	}

	node := &fakeSafeNode{traceJSON: traceJSON}
	m := NewManager(Config{EntryPoint: ep, GasConfig: entrypoint.DefaultGasConfig()}, node, nil)

	_, err = m.Simulate(context.Background(), testOp())
	if err == nil {
		t.Fatal("expected FailedOp revert to surface as an error")
	}
	if got := err.Error(); !strings.Contains(got, "AA21 didn't pay prefund") {
		t.Fatalf("expected error to carry the FailedOp reason parsed from the trace alone, got %q", got)
	}
}

func TestSimulateSafe_NoTrailingRevertEntryFails(t *testing.T) {
	ep := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	traceJSON := []byte(`{"calls":[{"topLevelMethodSig":"0x11223344","topLevelTargetAddress":"0x1111111111111111111111111111111111aaaa","opcodes":{},"access":{},"contractSize":{},"extCodeAccessInfo":{},"oog":false}],"keccak":[],"logs":[]}`)

	node := &fakeSafeNode{traceJSON: traceJSON}
	m := NewManager(Config{EntryPoint: ep, GasConfig: entrypoint.DefaultGasConfig()}, node, nil)

	if _, err := m.Simulate(context.Background(), testOp()); err == nil {
		t.Fatal("expected missing synthetic revert entry to be rejected")
	}
}

func TestFingerprint_RejectsChangedCode(t *testing.T) {
	m := NewManager(Config{}, nil, nil)
	hash := common.HexToHash("0xdead")

	if err := m.CheckFingerprint(hash, [][]byte{{1, 2, 3}}); err != nil {
		t.Fatalf("first fingerprint should be accepted: %v", err)
	}
	if err := m.CheckFingerprint(hash, [][]byte{{1, 2, 3}}); err != nil {
		t.Fatalf("matching fingerprint should be accepted: %v", err)
	}
	if err := m.CheckFingerprint(hash, [][]byte{{9, 9, 9}}); err == nil {
		t.Fatal("expected changed code to be rejected")
	}
}
