// Package reputation tracks per-address opsSeen/opsIncluded counters and
// derives OK/THROTTLED/BANNED status, gating how much mempool room an
// unstaked entity earns. Entries are lazily created on first touch,
// protected by a single RWMutex rather than sharded locks since the whole
// address space here is expected to stay small.
package reputation

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/entrypoint"
)

// Status is the derived reputation classification of an address.
type Status int

const (
	OK Status = iota
	THROTTLED
	BANNED
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case THROTTLED:
		return "THROTTLED"
	case BANNED:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// Params parameterizes the status-classification formula. There are two
// profiles: the bundler-facing one has the smaller inclusion denominator
// (more inclusions needed per op seen) and a wide throttling band before
// ban; the default one has the larger denominator and equal throttling and
// ban slack, so an entity goes from OK straight to BANNED.
type Params struct {
	MinInclusionDenom uint32
	ThrottlingSlack   uint32
	BanSlack          uint32
}

// BundlerParams is the bundler-facing profile. No status check in this
// module passes it; every GetStatus caller uses DefaultParams.
var BundlerParams = Params{MinInclusionDenom: 10, ThrottlingSlack: 10, BanSlack: 50}

// DefaultParams applies to every other tracked entity (sender, factory,
// paymaster, aggregator).
var DefaultParams = Params{MinInclusionDenom: 100, ThrottlingSlack: 10, BanSlack: 10}

const crashedHandleOpsPenalty = 10000
const maxUnstakedOpsIncludedBonus = 10000
const hourlyDecayNumerator = 23
const hourlyDecayDenominator = 24

// entry is the internal counter record for one address; never exposed
// directly so callers can't race on its fields.
type entry struct {
	opsSeen     uint64
	opsIncluded uint64
}

// Manager is the Reputation Manager: per-address counters, a
// whitelist/blacklist override, and stake queries against EntryPoint.
type Manager struct {
	mu        sync.RWMutex
	entries   map[common.Address]*entry
	whitelist map[common.Address]bool
	blacklist map[common.Address]bool

	node EntryPointReader
}

// EntryPointReader is the subset of node RPC access the Reputation Manager
// needs to answer getStakeStatus: a raw eth_call against EntryPoint's
// getDepositInfo.
type EntryPointReader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// NewManager builds a Reputation Manager from configured whitelist/blacklist
// address sets. Entries are stored as given: common.Address values carry no
// letter case, so no normalization is needed.
func NewManager(node EntryPointReader, whitelist, blacklist []common.Address) *Manager {
	m := &Manager{
		entries:   make(map[common.Address]*entry),
		whitelist: make(map[common.Address]bool, len(whitelist)),
		blacklist: make(map[common.Address]bool, len(blacklist)),
		node:      node,
	}
	for _, a := range whitelist {
		m.whitelist[a] = true
	}
	for _, a := range blacklist {
		m.blacklist[a] = true
	}
	return m
}

func (m *Manager) getOrCreate(addr common.Address) *entry {
	if e, ok := m.entries[addr]; ok {
		return e
	}
	e := &entry{}
	m.entries[addr] = e
	return e
}

// GetStatus classifies addr: whitelist always OK,
// blacklist always BANNED, an address with no tracked counters defaults to
// OK, otherwise the opsSeen/opsIncluded ratio against params decides.
func (m *Manager) GetStatus(addr common.Address, params Params) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.whitelist[addr] {
		return OK
	}
	if m.blacklist[addr] {
		return BANNED
	}
	e, ok := m.entries[addr]
	if !ok {
		return OK
	}

	denom := params.MinInclusionDenom
	if denom == 0 {
		denom = 1
	}
	seenThreshold := uint64(denom)
	minInclusions := e.opsSeen / seenThreshold

	switch {
	case minInclusions <= e.opsIncluded+uint64(params.ThrottlingSlack):
		return OK
	case minInclusions <= e.opsIncluded+uint64(params.BanSlack):
		return THROTTLED
	default:
		return BANNED
	}
}

// CountThrottled returns how many tracked addresses currently classify as
// THROTTLED under DefaultParams, used to drive a point-in-time gauge.
func (m *Manager) CountThrottled() int {
	m.mu.RLock()
	addrs := make([]common.Address, 0, len(m.entries))
	for addr := range m.entries {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	n := 0
	for _, addr := range addrs {
		if m.GetStatus(addr, DefaultParams) == THROTTLED {
			n++
		}
	}
	return n
}

// UpdateSeenStatus increments opsSeen for addr. A zero address (no entity
// present, e.g. no paymaster) is a silent no-op.
func (m *Manager) UpdateSeenStatus(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(addr).opsSeen++
}

// UpdateIncludedStatus increments opsIncluded for addr after a successful
// on-chain inclusion.
func (m *Manager) UpdateIncludedStatus(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(addr).opsIncluded++
}

// CrashedHandleOps applies the punitive penalty used when handleOps
// reverts and addr is the entity blamed for the revert.
func (m *Manager) CrashedHandleOps(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.getOrCreate(addr)
	e.opsSeen += crashedHandleOpsPenalty
	e.opsIncluded = 0
}

// HourlyCron decays both counters by 23/24 (integer floor) and drops any
// entry that reaches zero on both. The decay is applied to opsIncluded
// using opsIncluded itself, not opsSeen: recomputing opsIncluded from
// opsSeen would let a single quiet hour erase an address's entire inclusion
// history, so each counter decays independently instead.
func (m *Manager) HourlyCron() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, e := range m.entries {
		e.opsSeen = e.opsSeen * hourlyDecayNumerator / hourlyDecayDenominator
		e.opsIncluded = e.opsIncluded * hourlyDecayNumerator / hourlyDecayDenominator
		if e.opsSeen == 0 && e.opsIncluded == 0 {
			delete(m.entries, addr)
		}
	}
	log.Debug("reputation hourly cron applied", "tracked", len(m.entries))
}

// CalculateMaxAllowedMempoolOpsUnstaked computes the mempool quota formula
// for an unstaked entity.
func (m *Manager) CalculateMaxAllowedMempoolOpsUnstaked(addr common.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[addr]
	if !ok {
		return 10
	}
	var inclusionRate float64
	if e.opsSeen > 0 {
		inclusionRate = float64(e.opsIncluded) / float64(e.opsSeen)
	}
	bonus := e.opsIncluded
	if bonus > maxUnstakedOpsIncludedBonus {
		bonus = maxUnstakedOpsIncludedBonus
	}
	return 10 + int(inclusionRate*10) + int(bonus)
}

// StakeStatus is the result of a getStakeStatus query.
type StakeStatus struct {
	Stake           *big.Int
	UnstakeDelaySec uint32
	IsStaked        bool
}

// GetStakeStatus reads EntryPoint.getDepositInfo(addr) and classifies
// staked-ness against the configured thresholds.
func (m *Manager) GetStakeStatus(ctx context.Context, addr, entryPointAddr common.Address, minStake *big.Int, minUnstakeDelay uint32) (StakeStatus, error) {
	data, err := entrypoint.EncodeGetDepositInfo(addr)
	if err != nil {
		return StakeStatus{}, err
	}
	result, err := m.node.CallContract(ctx, entryPointAddr, data)
	if err != nil {
		return StakeStatus{}, err
	}
	info, err := entrypoint.DecodeDepositInfo(result)
	if err != nil {
		return StakeStatus{}, err
	}

	staked := info.Staked && info.Stake.Cmp(minStake) >= 0 && info.UnstakeDelaySec >= minUnstakeDelay
	return StakeStatus{Stake: info.Stake, UnstakeDelaySec: info.UnstakeDelaySec, IsStaked: staked}, nil
}

// Dump returns a lowercase-keyed snapshot of tracked counters, used by
// debug_bundler_dumpReputation.
func (m *Manager) Dump() map[string]struct{ OpsSeen, OpsIncluded uint64 } {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{ OpsSeen, OpsIncluded uint64 }, len(m.entries))
	for addr, e := range m.entries {
		out[strings.ToLower(addr.Hex())] = struct{ OpsSeen, OpsIncluded uint64 }{e.opsSeen, e.opsIncluded}
	}
	return out
}

// SetReputation seeds an entry's counters directly, used by
// debug_bundler_setReputation.
func (m *Manager) SetReputation(addr common.Address, opsSeen, opsIncluded uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[addr] = &entry{opsSeen: opsSeen, opsIncluded: opsIncluded}
}

// ClearState drops all tracked counters, keeping whitelist/blacklist intact.
func (m *Manager) ClearState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[common.Address]*entry)
}
