package tracer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// bannedOpcodes is the principal set of opcodes forbidden in any entity's
// top-level validation frame (ERC-4337 §5). GASPRICE/GASLIMIT/DIFFICULTY
// through SELFDESTRUCT make state or block context observable in a way that
// would let validation diverge between simulation and inclusion.
var bannedOpcodes = map[string]bool{
	"GASPRICE":     true,
	"GASLIMIT":     true,
	"DIFFICULTY":   true,
	"PREVRANDAO":   true,
	"TIMESTAMP":    true,
	"BASEFEE":      true,
	"BLOCKHASH":    true,
	"NUMBER":       true,
	"SELFBALANCE":  true,
	"BALANCE":      true,
	"ORIGIN":       true,
	"CREATE":       true,
	"COINBASE":     true,
	"SELFDESTRUCT": true,
}

// associatedStorageSlack is the ERC-4337 "associated storage" tolerance:
// a slot within this many units of a sender-derived keccak preimage hash
// is treated as belonging to the sender.
const associatedStorageSlack = 128

// Violation describes one ERC-4337 opcode/storage rule breach.
type Violation struct {
	Entity string // "sender", "factory", "paymaster", "aggregator"
	Reason string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Entity, v.Reason)
}

// Entity names one of the addresses whose top-level call frame is being
// checked against the opcode/storage rules.
type Entity struct {
	Name    string
	Address common.Address
	Staked  bool
}

// EntryPoint identifies the configured EntryPoint address, exempted from
// the extCodeAccessInfo ban since every op necessarily calls back into it.
type CheckParams struct {
	Sender     common.Address
	EntryPoint common.Address
}

// CheckFrame runs the full ERC-4337 rule set (banned opcodes, extcode
// access, zero-size contracts, associated storage) for one entity's frame
// and returns every violation found.
func CheckFrame(result *TracerResult, frame *CallFrame, entity Entity, params CheckParams) []Violation {
	var violations []Violation

	for op, count := range frame.Opcodes {
		if count == 0 {
			continue
		}
		if bannedOpcodes[op] {
			violations = append(violations, Violation{entity.Name, fmt.Sprintf("used banned opcode %s", op)})
		}
	}
	if gasCount, ok := frame.Opcodes["GAS"]; ok && gasCount > 0 {
		violations = append(violations, Violation{entity.Name, "used GAS opcode not immediately followed by CALL"})
	}

	for addr, op := range frame.ExtCodeAccessInfo {
		if addr == entity.Address || addr == params.EntryPoint {
			continue
		}
		violations = append(violations, Violation{entity.Name, fmt.Sprintf("extcode access on %s via %s", addr, op)})
	}

	for addr, sz := range frame.ContractSize {
		if sz.Size != 0 {
			continue
		}
		if sz.Opcode == "EXTCODESIZE" {
			continue
		}
		violations = append(violations, Violation{entity.Name, fmt.Sprintf("called into zero-size contract %s via %s", addr, sz.Opcode)})
	}

	for addr, access := range frame.Access {
		if addr == entity.Address || addr == params.Sender {
			continue
		}
		for slot := range access.Reads {
			if !isAssociatedStorage(result, params.Sender, slot) && !entity.Staked {
				violations = append(violations, Violation{entity.Name, fmt.Sprintf("read non-associated storage slot %s of %s", slot, addr)})
			}
		}
		for slot := range access.Writes {
			if !isAssociatedStorage(result, params.Sender, slot) && !entity.Staked {
				violations = append(violations, Violation{entity.Name, fmt.Sprintf("wrote non-associated storage slot %s of %s", slot, addr)})
			}
		}
	}

	if frame.OOG {
		violations = append(violations, Violation{entity.Name, "frame ran out of gas"})
	}

	return violations
}

// isAssociatedStorage reports whether slot was derived by hashing sender,
// per ERC-4337 §5.2: some keccak preimage captured during simulation begins
// with sender and hashes to a value within associatedStorageSlack of slot.
func isAssociatedStorage(result *TracerResult, sender common.Address, slot common.Hash) bool {
	target := new(big.Int).SetBytes(slot[:])
	for _, preimage := range result.Keccak {
		if len(preimage) < common.AddressLength {
			continue
		}
		if !addressPrefixMatches(preimage, sender) {
			continue
		}
		hash := new(big.Int).SetBytes(crypto.Keccak256(preimage))
		diff := new(big.Int).Sub(hash, target)
		diff.Abs(diff)
		if diff.Cmp(big.NewInt(associatedStorageSlack)) <= 0 {
			return true
		}
	}
	return false
}

func addressPrefixMatches(preimage []byte, sender common.Address) bool {
	if len(preimage) < common.AddressLength {
		return false
	}
	return common.BytesToAddress(preimage[:common.AddressLength]) == sender
}
