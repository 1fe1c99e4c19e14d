// Package receipts holds the small in-memory inclusion index the RPC layer
// needs to answer eth_getUserOperationByHash and
// eth_getUserOperationReceipt: each record pairs a userOpHash with the
// transaction it landed in and the UserOperationEvent fields EntryPoint
// emitted for it. There is no persistence layer here, matching the
// bundler's in-process mempool/reputation state; a restart loses history
// older than the Events Manager's lookback window, the same tradeoff the
// mempool and reputation state already make.
package receipts

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Record is one completed UserOperationEvent, enough to answer both
// eth_getUserOperationByHash (entryPoint/block/tx identity) and
// eth_getUserOperationReceipt (success/gas accounting). The Events Manager
// does not fill Logs.
type Record struct {
	UserOpHash    common.Hash
	EntryPoint    common.Address
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	TxHash        common.Hash
	BlockHash     common.Hash
	BlockNumber   uint64
	Logs          []*types.Log
}

// Index is a userOpHash-keyed lookup table of completed operations.
type Index struct {
	mu  sync.RWMutex
	byH map[common.Hash]*Record
}

// NewIndex builds an empty Index.
func NewIndex() *Index {
	return &Index{byH: make(map[common.Hash]*Record)}
}

// Put records or overwrites rec under its UserOpHash.
func (idx *Index) Put(rec *Record) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byH[rec.UserOpHash] = rec
}

// Get returns the record for hash, if any.
func (idx *Index) Get(hash common.Hash) (*Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.byH[hash]
	return r, ok
}

// ClearState drops every tracked record.
func (idx *Index) ClearState() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byH = make(map[common.Hash]*Record)
}
