package mempool

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundlererr"
	"github.com/erc4337/bundler/internal/reputation"
)

// throttledFloor is the entryCount above which a new entry from a
// THROTTLED entity is rejected outright.
const throttledFloor = 4

// replacementBumpPercent sets the 1.1x replacement threshold for both
// maxPriorityFeePerGas and maxFeePerGas, expressed as a percent, fixed at
// 10% rather than configurable.
const replacementBumpPercent = 10

// Pool is the Mempool Manager.
type Pool struct {
	mu sync.RWMutex

	byKey  map[key]*Entry
	byHash map[common.Hash]*Entry

	entryCount map[common.Address]int

	reputation *reputation.Manager
}

// NewPool constructs an empty Pool backed by the given Reputation Manager
// for quota and ban checks.
func NewPool(rep *reputation.Manager) *Pool {
	return &Pool{
		byKey:      make(map[key]*Entry),
		byHash:     make(map[common.Hash]*Entry),
		entryCount: make(map[common.Address]int),
		reputation: rep,
	}
}

// Add inserts or replaces a UserOperation. maxAllowedUnstaked is supplied
// by the caller (the Execution Manager, via the Reputation Manager) per
// entity being checked against its stake status.
func (p *Pool) Add(e *Entry, maxAllowed func(addr common.Address) int, isStaked func(addr common.Address) bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := keyOf(e.Sender, e.Op.Nonce)
	if existing, ok := p.byKey[k]; ok {
		return p.replace(existing, e)
	}

	if err := p.checkMultiRole(e); err != nil {
		return err
	}
	for _, addr := range []common.Address{e.Sender, e.Paymaster, e.Factory, e.Aggregator} {
		if addr == (common.Address{}) {
			continue
		}
		if err := p.checkEntity(addr, maxAllowed, isStaked); err != nil {
			return err
		}
	}

	p.byKey[k] = e
	p.byHash[e.Hash] = e
	p.bump(e.Sender, 1)
	if e.hasFactory() {
		p.bump(e.Factory, 1)
	}
	if e.hasPaymaster() {
		p.bump(e.Paymaster, 1)
	}

	p.reputation.UpdateSeenStatus(e.Sender)
	p.reputation.UpdateSeenStatus(e.Aggregator)
	p.reputation.UpdateSeenStatus(e.Paymaster)
	p.reputation.UpdateSeenStatus(e.Factory)

	log.Debug("mempool admitted userOp", "hash", e.Hash, "sender", e.Sender)
	return nil
}

func (p *Pool) replace(existing, next *Entry) error {
	requiredTip := bumpThreshold(existing.Op.MaxPriorityFeePerGas)
	requiredFee := bumpThreshold(existing.Op.MaxFeePerGas)
	if next.Op.MaxPriorityFeePerGas.Cmp(requiredTip) < 0 || next.Op.MaxFeePerGas.Cmp(requiredFee) < 0 {
		return bundlererr.InvalidFields("replacement underpriced: requires >= 1.1x both maxPriorityFeePerGas and maxFeePerGas")
	}

	k := keyOf(next.Sender, next.Op.Nonce)
	delete(p.byHash, existing.Hash)
	p.byKey[k] = next
	p.byHash[next.Hash] = next
	return nil
}

// bumpThreshold computes ceil(v * 1.1) via integer math: v + ceil(v*bump/100).
func bumpThreshold(v *big.Int) *big.Int {
	extra := new(big.Int).Mul(v, big.NewInt(replacementBumpPercent))
	extra.Add(extra, big.NewInt(99))
	extra.Div(extra, big.NewInt(100))
	return new(big.Int).Add(v, extra)
}

func (p *Pool) checkMultiRole(e *Entry) error {
	knownEntities := make(map[common.Address]bool)
	knownSenders := make(map[common.Address]bool)
	for _, existing := range p.byKey {
		if existing.hasPaymaster() {
			knownEntities[existing.Paymaster] = true
		}
		if existing.hasFactory() {
			knownEntities[existing.Factory] = true
		}
		knownSenders[existing.Sender] = true
	}

	if knownEntities[e.Sender] {
		return bundlererr.OpcodeValidation(fmt.Sprintf("sender %s is already a known paymaster/factory in the mempool", e.Sender))
	}
	if e.hasPaymaster() && knownSenders[e.Paymaster] {
		return bundlererr.OpcodeValidation(fmt.Sprintf("paymaster %s is already a known sender in the mempool", e.Paymaster))
	}
	if e.hasFactory() && knownSenders[e.Factory] {
		return bundlererr.OpcodeValidation(fmt.Sprintf("factory %s is already a known sender in the mempool", e.Factory))
	}
	return nil
}

func (p *Pool) checkEntity(addr common.Address, maxAllowed func(common.Address) int, isStaked func(common.Address) bool) error {
	if p.reputation.GetStatus(addr, reputation.DefaultParams) == reputation.BANNED {
		return bundlererr.Banned(fmt.Sprintf("%s is banned", addr))
	}
	count := p.entryCount[addr]
	if count > throttledFloor && p.reputation.GetStatus(addr, reputation.DefaultParams) == reputation.THROTTLED {
		return bundlererr.Throttled(fmt.Sprintf("%s is throttled", addr))
	}
	if count > maxAllowed(addr) && !isStaked(addr) {
		return bundlererr.InsufficientStake(fmt.Sprintf("%s exceeds its unstaked mempool quota", addr))
	}
	return nil
}

func (p *Pool) bump(addr common.Address, delta int) {
	p.entryCount[addr] += delta
	if p.entryCount[addr] <= 0 {
		delete(p.entryCount, addr)
	}
}

// RemoveByHash removes an entry by userOpHash, decrementing entity counts.
func (p *Pool) RemoveByHash(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byHash[hash]
	if !ok {
		return false
	}
	p.removeLocked(e)
	return true
}

// RemoveBySenderNonce removes an entry by its (sender, nonce) key.
func (p *Pool) RemoveBySenderNonce(sender common.Address, nonce *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyOf(sender, nonce)
	e, ok := p.byKey[k]
	if !ok {
		return false
	}
	p.removeLocked(e)
	return true
}

func (p *Pool) removeLocked(e *Entry) {
	delete(p.byKey, keyOf(e.Sender, e.Op.Nonce))
	delete(p.byHash, e.Hash)
	p.bump(e.Sender, -1)
	if e.hasFactory() {
		p.bump(e.Factory, -1)
	}
	if e.hasPaymaster() {
		p.bump(e.Paymaster, -1)
	}
}

// GetByHash returns the entry for hash, if present.
func (p *Pool) GetByHash(hash common.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byHash[hash]
	return e, ok
}

// IsKnownSender reports whether addr currently appears as a sender of any
// mempool entry, used by the Bundle Manager's storage-conflict check.
func (p *Pool) IsKnownSender(addr common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.byKey {
		if e.Sender == addr {
			return true
		}
	}
	return false
}

// EntryCount returns the current entryCount for addr (0 if untracked).
func (p *Pool) EntryCount(addr common.Address) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entryCount[addr]
}

// Len returns the number of entries currently pooled.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey)
}

// GetSortedForInclusion returns a stable snapshot ordered by
// maxPriorityFeePerGas descending: sorting ascending would reward the
// cheapest bids first, backwards for a profit-seeking bundler.
func (p *Pool) GetSortedForInclusion() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Entry, 0, len(p.byKey))
	for _, e := range p.byKey {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Op.MaxPriorityFeePerGas.Cmp(out[j].Op.MaxPriorityFeePerGas) > 0
	})
	return out
}

// ClearState drops every tracked entry.
func (p *Pool) ClearState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey = make(map[key]*Entry)
	p.byHash = make(map[common.Hash]*Entry)
	p.entryCount = make(map[common.Address]int)
}
