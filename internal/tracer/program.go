package tracer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Program is the single source of truth for the stack-level tracer, shipped
// to the node as the `tracer` parameter of debug_traceCall. It runs inside
// the node's JS tracer sandbox and aggregates exactly the fields
// TracerResult expects; everything downstream treats this string as opaque
// and only ever reads its JSON result.
//
// The boilerplate opcode set (DUPn/PUSHn/SWAPn/POP/arithmetic/comparison/
// bitwise) and GAS-not-before-CALL counting mirror the ERC-4337 reference
// bundler's validation tracer.
const Program = `
{
	callStack: [],
	keccak: [],
	logs: [],
	lastOp: '',
	collecting: true,
	stopMarker: 'bb47ee3e183a558b1a2ff0874b079f3fc5478b7454eacf2bfc5af2ff5878f972',

	CaptureStart: function(from, to, create, input, gas, value) {
		this.callStack.push({
			topLevelMethodSig: toHex(input).slice(0, 10),
			topLevelTargetAddress: toHex(to),
			opcodes: {},
			access: {},
			contractSize: {},
			extCodeAccessInfo: {},
			oog: false
		});
	},

	CaptureState: function(pc, op, gas, cost, scope) {
		if (!this.collecting) return;

		var frame = this.callStack[this.callStack.length - 1];
		var opName = this.opCodeToName(op);
		var depth = scope.getDepth();

		if (gas < cost || (opName === 'SSTORE' && gas < 2300)) {
			frame.oog = true;
		}

		var boilerplate = {
			POP: true, ADD: true, SUB: true, MUL: true, DIV: true,
			EQ: true, LT: true, GT: true, SLT: true, SGT: true,
			SHL: true, SHR: true, AND: true, OR: true, NOT: true, ISZERO: true
		};
		var isPushDupSwap = /^(PUSH|DUP|SWAP)\d+$/.test(opName);

		if (this.lastOp === 'GAS' && !/^(CALL|STATICCALL|CALLCODE|DELEGATECALL)$/.test(opName)) {
			frame.opcodes['GAS'] = (frame.opcodes['GAS'] || 0) + 1;
		}
		if (opName !== 'GAS' && !boilerplate[opName] && !isPushDupSwap) {
			frame.opcodes[opName] = (frame.opcodes[opName] || 0) + 1;
		}

		if (opName === 'KECCAK256') {
			var offset = scope.stack.peek(0).toNumber();
			var size = scope.stack.peek(1).toNumber();
			if (size > 20 && size < 512) {
				this.keccak.push(toHex(scope.memory.slice(offset, offset + size)));
			}
		}

		if (opName === 'SLOAD' || opName === 'SSTORE') {
			var addr = toHex(scope.contract.getAddress());
			if (!frame.access[addr]) frame.access[addr] = { reads: {}, writes: {} };
			var slot = scope.stack.peek(0).toString(16);
			if (opName === 'SLOAD') {
				frame.access[addr].reads[slot] = '';
			} else {
				frame.access[addr].writes[slot] = (frame.access[addr].writes[slot] || 0) + 1;
			}
		}

		var isExtCallOp = /^(EXTCODESIZE|EXTCODECOPY|EXTCODEHASH|CALL|STATICCALL|CALLCODE|DELEGATECALL)$/.test(opName);
		if (isExtCallOp && depth > 1) {
			var target = toHex(scope.stack.peek(opName.indexOf('EXT') === 0 ? 0 : 1));
			if (!frame.contractSize[target] && !this.isPrecompile(target)) {
				frame.contractSize[target] = { opcode: opName, size: 0 };
			}
		}

		if (/^EXT/.test(this.lastOp)) {
			frame.extCodeAccessInfo[toHex(scope.stack.peek(0))] = opName;
		}

		this.lastOp = opName;
	},

	CaptureEnd: function(output, gasUsed, err) {
		var data = toHex(output);
		if (data.length > 8002) {
			data = data.slice(0, 8002);
		}
		this.callStack.push({
			topLevelMethodSig: '0x',
			topLevelTargetAddress: '0x',
			opcodes: {},
			access: {},
			contractSize: {},
			extCodeAccessInfo: {},
			oog: false,
			revertData: data
		});
	},

	CaptureLog: function(log) {
		if (!this.collecting) return;

		this.logs.push(log);

		if (log.getDepth && log.getDepth() === 1 && log.getTopics && log.getTopics().length > 0) {
			if (toHex(log.getTopics()[0]).slice(2) === this.stopMarker) {
				this.collecting = false;
			}
		}
	},

	isPrecompile: function(addr) {
		var n = parseInt(addr, 16);
		return n > 0 && n <= 10;
	},

	opCodeToName: function(op) { return op.toString(); },

	result: function(ctx, db) {
		return { calls: this.callStack, keccak: this.keccak, logs: this.logs };
	},

	fault: function(log, db) {}
}
`

// ParseResult decodes the JSON returned by debug_traceCall when invoked
// with Program as the tracer.
func ParseResult(raw json.RawMessage) (*TracerResult, error) {
	var w wireTracerResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("tracer: decode result: %w", err)
	}

	result := &TracerResult{}
	for _, k := range w.Keccak {
		b, err := hexutil.Decode(k)
		if err != nil {
			return nil, fmt.Errorf("tracer: decode keccak preimage %q: %w", k, err)
		}
		result.Keccak = append(result.Keccak, b)
	}
	for _, l := range w.Logs {
		log, err := decodeTraceLog(l)
		if err != nil {
			return nil, err
		}
		result.Logs = append(result.Logs, log)
	}
	for _, c := range w.Calls {
		frame, err := decodeCallFrame(c)
		if err != nil {
			return nil, err
		}
		result.Calls = append(result.Calls, frame)
	}
	return result, nil
}

func decodeCallFrame(w wireCallFrame) (*CallFrame, error) {
	frame := newCallFrame()

	sigBytes, err := hexutil.Decode(padSelector(w.TopLevelMethodSig))
	if err == nil && len(sigBytes) >= 4 {
		copy(frame.TopLevelMethodSig[:], sigBytes[:4])
	}
	if common.IsHexAddress(w.TopLevelTargetAddr) {
		frame.TopLevelTargetAddr = common.HexToAddress(w.TopLevelTargetAddr)
	}
	frame.OOG = w.OOG
	if w.RevertData != "" && w.RevertData != "0x" {
		data, err := hexutil.Decode(w.RevertData)
		if err != nil {
			return nil, fmt.Errorf("tracer: decode revert data: %w", err)
		}
		frame.RevertData = data
	}
	for op, n := range w.Opcodes {
		frame.Opcodes[op] = n
	}
	for op, s := range w.ExtCodeAccessInfo {
		if common.IsHexAddress(op) {
			frame.ExtCodeAccessInfo[common.HexToAddress(op)] = s
		}
	}
	for addrHex, sz := range w.ContractSize {
		if !common.IsHexAddress(addrHex) {
			continue
		}
		frame.ContractSize[common.HexToAddress(addrHex)] = ContractSizeInfo{Opcode: sz.Opcode, Size: sz.Size}
	}
	for addrHex, acc := range w.Access {
		if !common.IsHexAddress(addrHex) {
			continue
		}
		addr := common.HexToAddress(addrHex)
		info := frame.accessFor(addr)
		for slotHex, valHex := range acc.Reads {
			info.Reads[slotFromHex(slotHex)] = common.HexToHash(valHex)
		}
		for slotHex, n := range acc.Writes {
			info.Writes[slotFromHex(slotHex)] = n
		}
	}
	return frame, nil
}

func decodeTraceLog(w wireTraceLog) (TraceLog, error) {
	var log TraceLog
	if common.IsHexAddress(w.Address) {
		log.Address = common.HexToAddress(w.Address)
	}
	for _, t := range w.Topics {
		log.Topics = append(log.Topics, common.HexToHash(t))
	}
	if w.Data != "" {
		b, err := hexutil.Decode(w.Data)
		if err != nil {
			return log, fmt.Errorf("tracer: decode log data: %w", err)
		}
		log.Data = b
	}
	return log, nil
}

func slotFromHex(s string) common.Hash {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(pad64(s))
	if err != nil {
		return common.Hash{}
	}
	return common.BytesToHash(b)
}

func pad64(s string) string {
	if len(s) >= 64 {
		return s[len(s)-64:]
	}
	return strings.Repeat("0", 64-len(s)) + s
}

func padSelector(s string) string {
	s = strings.TrimPrefix(s, "0x")
	if len(s) < 8 {
		s = s + strings.Repeat("0", 8-len(s))
	}
	return "0x" + s
}
