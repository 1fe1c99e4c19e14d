// Package bundle implements the Bundle Manager: greedy
// gas-bounded packing of mempool entries into a handleOps transaction,
// paymaster balance tracking, storage-conflict detection, and
// conditional-RPC dispatch. The greedy accumulate-then-cut-off loop is
// adapted from per-account nonce-queue capacity accounting to per-bundle
// gas/paymaster budgets.
package bundle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/ethnode"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/validation"
)

// handleOpsGasLimit is the fixed gas limit assigned to the handleOps
// transaction.
const handleOpsGasLimit = 10_000_000

// maxStakedEntityPerBundle caps how many times one throttled-adjacent
// staked entity may appear within a single bundle.
const maxStakedEntityPerBundle = 4

// Signer is the narrow signing surface the Bundle Manager needs: the
// EntryPoint signer's own address (for nonce/balance reads and
// self-beneficiary fallback) and a way to produce a signed transaction.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Config parameterizes the Bundle Manager.
type Config struct {
	EntryPoint      common.Address
	Beneficiary     common.Address
	MaxBundleGas    uint64
	ConditionalRPC  bool
	MinSignerBalance *big.Int
	AccountRootMode bool // fetch eth_getProof storage roots instead of per-slot maps
}

// Node is the narrow node surface the Bundle Manager needs, satisfied by
// *ethnode.Client: paymaster balance/proof reads during Build, and nonce,
// fee, and dispatch calls during Send.
type Node interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	GetProof(ctx context.Context, addr common.Address, slots []common.Hash) (*ethnode.AccountResult, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestFeeData(ctx context.Context) ethnode.FeeData
	SendRawTransaction(ctx context.Context, tx *types.Transaction) error
	SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts map[common.Address]ethnode.KnownAccountsCondition) (common.Hash, error)
}

// Manager is the Bundle Manager.
type Manager struct {
	cfg        Config
	pool       *mempool.Pool
	validator  *validation.Manager
	reputation *reputation.Manager
	node       Node
	signer     Signer
}

// NewManager builds a Bundle Manager.
func NewManager(cfg Config, pool *mempool.Pool, validator *validation.Manager, rep *reputation.Manager, node Node, signer Signer) *Manager {
	return &Manager{cfg: cfg, pool: pool, validator: validator, reputation: rep, node: node, signer: signer}
}

// built is the in-progress accumulation state for one Build() call.
type built struct {
	entries         []*mempool.Entry
	totalGas        uint64
	sendersIncluded map[common.Address]bool
	stakedCount     map[common.Address]int
	paymasterLeft   map[common.Address]*big.Int
	storageMap      map[common.Address]map[common.Hash]common.Hash
}

// BuildResult is a packed, ready-to-send bundle.
type BuildResult struct {
	Entries    []*mempool.Entry
	StorageMap map[common.Address]map[common.Hash]common.Hash
}

// Build runs the greedy packing loop over the mempool's inclusion-ordered
// snapshot.
func (m *Manager) Build(ctx context.Context) (*BuildResult, error) {
	snapshot := m.pool.GetSortedForInclusion()
	st := &built{
		sendersIncluded: make(map[common.Address]bool),
		stakedCount:     make(map[common.Address]int),
		paymasterLeft:   make(map[common.Address]*big.Int),
		storageMap:      make(map[common.Address]map[common.Hash]common.Hash),
	}

	for _, entry := range snapshot {
		admit, stop, err := m.considerEntry(ctx, st, entry)
		if err != nil {
			log.Warn("bundle build: entry errored, skipping", "hash", entry.Hash, "err", err)
			continue
		}
		if stop {
			break
		}
		if !admit {
			continue
		}
		st.entries = append(st.entries, entry)
	}

	return &BuildResult{Entries: st.entries, StorageMap: st.storageMap}, nil
}

// considerEntry evaluates one mempool entry against the running bundle
// state, returning (admit, stopBuilding, error).
func (m *Manager) considerEntry(ctx context.Context, st *built, entry *mempool.Entry) (bool, bool, error) {
	if entry.Factory != (common.Address{}) && m.reputation.GetStatus(entry.Factory, reputation.DefaultParams) == reputation.BANNED {
		m.pool.RemoveByHash(entry.Hash)
		return false, false, nil
	}
	if entry.Paymaster != (common.Address{}) && m.reputation.GetStatus(entry.Paymaster, reputation.DefaultParams) == reputation.BANNED {
		m.pool.RemoveByHash(entry.Hash)
		return false, false, nil
	}

	for _, addr := range []common.Address{entry.Factory, entry.Paymaster} {
		if addr == (common.Address{}) {
			continue
		}
		if m.reputation.GetStatus(addr, reputation.DefaultParams) == reputation.THROTTLED {
			return false, false, nil
		}
		if st.stakedCount[addr] > maxStakedEntityPerBundle {
			return false, false, nil
		}
	}

	if st.sendersIncluded[entry.Sender] {
		return false, false, nil
	}

	revalidation, err := m.validator.Simulate(ctx, entry.Op)
	if err != nil {
		m.pool.RemoveByHash(entry.Hash)
		m.validator.ForgetFingerprint(entry.Hash)
		return false, false, fmt.Errorf("revalidation failed: %w", err)
	}

	for addr := range revalidation.StorageMap {
		if addr == entry.Sender {
			continue
		}
		if m.pool.IsKnownSender(addr) {
			// Storage conflict with another sender in the mempool: retry later, don't remove.
			return false, false, nil
		}
	}

	preOpGas := revalidation.Validation.ReturnInfo.PreOpGas.Uint64()
	userOpGasCost := preOpGas + entry.Op.CallGasLimit.Uint64()
	if st.totalGas+userOpGasCost > m.cfg.MaxBundleGas {
		return false, true, nil
	}

	if entry.Paymaster != (common.Address{}) {
		remaining, ok := st.paymasterLeft[entry.Paymaster]
		if !ok {
			data, err := entrypoint.EncodeBalanceOf(entry.Paymaster)
			if err != nil {
				return false, false, err
			}
			raw, err := m.node.CallContract(ctx, m.cfg.EntryPoint, data)
			if err != nil {
				return false, false, err
			}
			balance, err := entrypoint.DecodeBalanceOf(raw)
			if err != nil {
				return false, false, err
			}
			remaining = balance
			st.paymasterLeft[entry.Paymaster] = remaining
		}
		prefund := entry.Op.Prefund()
		if remaining.Cmp(prefund) < 0 {
			return false, false, nil
		}
		st.paymasterLeft[entry.Paymaster] = new(big.Int).Sub(remaining, prefund)
		st.stakedCount[entry.Paymaster]++
	}
	if entry.Factory != (common.Address{}) {
		st.stakedCount[entry.Factory]++
	}

	if m.cfg.AccountRootMode {
		proof, err := m.node.GetProof(ctx, entry.Sender, nil)
		if err == nil {
			if st.storageMap[entry.Sender] == nil {
				st.storageMap[entry.Sender] = make(map[common.Hash]common.Hash)
			}
			st.storageMap[entry.Sender][common.Hash{}] = proof.StorageHash
		}
	}
	for addr, slots := range revalidation.StorageMap {
		dst := st.storageMap[addr]
		if dst == nil {
			dst = make(map[common.Hash]common.Hash)
			st.storageMap[addr] = dst
		}
		for slot, val := range slots {
			dst[slot] = val
		}
	}

	st.sendersIncluded[entry.Sender] = true
	st.totalGas += userOpGasCost
	return true, false, nil
}


