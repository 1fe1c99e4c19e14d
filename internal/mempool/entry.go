// Package mempool holds pending UserOperations: replacement rules,
// per-entity quotas, multi-role violation detection, and the ordering the
// Bundle Manager consumes. The replacement policy is a fixed-percentage
// fee-bump gate keyed on ERC-4337 entities instead of plain nonces.
package mempool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc4337/bundler/internal/entrypoint"
)

// Entry is one admitted UserOperation plus the entity addresses derived
// from it at admission time, so the pool never has to re-derive them.
type Entry struct {
	Op         *entrypoint.UserOperation
	Hash       common.Hash
	Sender     common.Address
	Factory    common.Address // zero value if absent
	Paymaster  common.Address // zero value if absent
	Aggregator common.Address // zero value if absent
}

func (e *Entry) hasFactory() bool    { return e.Factory != (common.Address{}) }
func (e *Entry) hasPaymaster() bool  { return e.Paymaster != (common.Address{}) }
func (e *Entry) hasAggregator() bool { return e.Aggregator != (common.Address{}) }

// NewEntry derives an Entry's entity addresses from the UserOperation.
func NewEntry(op *entrypoint.UserOperation, hash common.Hash, aggregator common.Address) *Entry {
	e := &Entry{Op: op, Hash: hash, Sender: op.Sender, Aggregator: aggregator}
	if f, ok := op.Factory(); ok {
		e.Factory = f
	}
	if p, ok := op.Paymaster(); ok {
		e.Paymaster = p
	}
	return e
}

// key identifies a mempool slot by (sender, nonce), the unit replacement
// operates on.
type key struct {
	sender common.Address
	nonce  string // big.Int.String(), since *big.Int isn't a valid map key
}

func keyOf(sender common.Address, nonce *big.Int) key {
	return key{sender: sender, nonce: nonce.String()}
}
