// Package tracer implements the stack-level EVM tracer that
// simulateValidation runs under, and the result-parsing rules that
// enforce ERC-4337's opcode and storage restrictions over its output.
package tracer

import (
	"github.com/ethereum/go-ethereum/common"
)

// CallFrame is one top-level call recorded during a simulateValidation
// trace: the entry/exit window belonging to a single entity (sender,
// factory, or paymaster).
type CallFrame struct {
	TopLevelMethodSig  [4]byte
	TopLevelTargetAddr common.Address
	Opcodes            map[string]int
	Access             map[common.Address]*AccessInfo
	ContractSize       map[common.Address]ContractSizeInfo
	ExtCodeAccessInfo  map[common.Address]string
	OOG                bool

	// RevertData is set only on the synthetic entry CaptureEnd appends
	// after the real top-level call frames, carrying the (4000-byte
	// truncated) return data of the outermost REVERT/RETURN.
	RevertData []byte
}

// AccessInfo records per-address storage reads/writes observed in a frame.
type AccessInfo struct {
	Reads  map[common.Hash]common.Hash
	Writes map[common.Hash]int
}

// ContractSizeInfo records the opcode that first touched an address at
// depth > 1, plus the runtime code size observed for it.
type ContractSizeInfo struct {
	Opcode string
	Size   int
}

// TracerResult is the decoded output of the literal tracer program run
// against debug_traceCall(simulateValidation).
type TracerResult struct {
	Calls  []*CallFrame
	Keccak [][]byte
	Logs   []TraceLog
}

// TraceLog is an EVM LOGn entry captured during simulation, used to
// recover AccountDeployed/emitted-event context during validation.
type TraceLog struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

func newCallFrame() *CallFrame {
	return &CallFrame{
		Opcodes:           make(map[string]int),
		Access:            make(map[common.Address]*AccessInfo),
		ContractSize:      make(map[common.Address]ContractSizeInfo),
		ExtCodeAccessInfo: make(map[common.Address]string),
	}
}

func (f *CallFrame) accessFor(addr common.Address) *AccessInfo {
	a, ok := f.Access[addr]
	if !ok {
		a = &AccessInfo{Reads: make(map[common.Hash]common.Hash), Writes: make(map[common.Hash]int)}
		f.Access[addr] = a
	}
	return a
}

// wireTracerResult is the raw JSON shape the literal tracer program
// returns from the node. Numeric gas/size fields arrive as plain JSON
// numbers since the tracer program itself emits them, not the node's
// hexutil marshaler.
type wireTracerResult struct {
	Calls []wireCallFrame `json:"calls"`
	Keccak []string       `json:"keccak"`
	Logs   []wireTraceLog `json:"logs"`
}

type wireCallFrame struct {
	TopLevelMethodSig  string                    `json:"topLevelMethodSig"`
	TopLevelTargetAddr string                    `json:"topLevelTargetAddress"`
	Opcodes            map[string]int            `json:"opcodes"`
	Access             map[string]wireAccessInfo `json:"access"`
	ContractSize       map[string]wireSizeInfo   `json:"contractSize"`
	ExtCodeAccessInfo  map[string]string         `json:"extCodeAccessInfo"`
	OOG                bool                      `json:"oog"`
	RevertData         string                    `json:"revertData"`
}

type wireAccessInfo struct {
	Reads  map[string]string `json:"reads"`
	Writes map[string]int    `json:"writes"`
}

type wireSizeInfo struct {
	Opcode string `json:"opcode"`
	Size   int    `json:"size"`
}

type wireTraceLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}
