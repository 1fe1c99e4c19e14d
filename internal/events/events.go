// Package events implements the Events Manager: replay of past
// EntryPoint logs in bounded ranges, hash-based mempool removal, inclusion
// crediting, and a live subscription that accelerates removal ahead of the
// next replay. The cursor-and-catchup shape is narrowed to the handful of
// EntryPoint events the bundler cares about.
package events

import (
	"context"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/receipts"
)

// initialLookback is how far behind the current block the cursor starts on
// its first call, so a freshly-started bundler picks up recent history
// instead of only events from this moment forward.
const initialLookback = 1000

// Node is the narrow node surface the Events Manager needs.
type Node interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	SubscribeLogs(ctx context.Context, contract common.Address, ch chan<- types.Log) (ethereum.Subscription, error)
}

// MempoolRemover is the subset of the Mempool Manager the Events Manager
// drives on inclusion.
type MempoolRemover interface {
	RemoveByHash(hash common.Hash) bool
}

// ReputationCreditor is the subset of the Reputation Manager the Events
// Manager drives on inclusion.
type ReputationCreditor interface {
	UpdateIncludedStatus(addr common.Address)
}

// Manager is the Events Manager.
type Manager struct {
	node       Node
	pool       MempoolRemover
	reputation ReputationCreditor
	receipts   *receipts.Index
	entryPoint common.Address

	mu        sync.Mutex
	lastBlock uint64
	seeded    bool

	subCancel context.CancelFunc
}

// NewManager builds an Events Manager against entryPoint's emitted logs.
// recv may be nil, in which case UserOperationEvent processing still drives
// mempool removal and reputation credit but nothing is retained for
// eth_getUserOperationReceipt.
func NewManager(node Node, pool MempoolRemover, rep ReputationCreditor, recv *receipts.Index, entryPoint common.Address) *Manager {
	return &Manager{node: node, pool: pool, reputation: rep, receipts: recv, entryPoint: entryPoint}
}

// seedCursor initializes lastBlock to current-1000 on first use, floored at
// zero for chains younger than the lookback window.
func (m *Manager) seedCursor(ctx context.Context) error {
	if m.seeded {
		return nil
	}
	current, err := m.node.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if current > initialLookback {
		m.lastBlock = current - initialLookback
	} else {
		m.lastBlock = 0
	}
	m.seeded = true
	return nil
}

// HandlePastEvents queries [lastBlock, latest] and dispatches every
// UserOperationEvent/AccountDeployed log found, advancing the cursor past
// each handled event as it goes.
func (m *Manager) HandlePastEvents(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedCursor(ctx); err != nil {
		return err
	}

	latest, err := m.node.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if latest < m.lastBlock {
		return nil
	}

	logs, err := m.node.FilterLogs(ctx, m.entryPoint, m.lastBlock, latest)
	if err != nil {
		return err
	}

	aggregatorByTx := aggregatorsByTx(logs)

	for _, lg := range logs {
		m.dispatch(lg, aggregatorByTx)
		if lg.BlockNumber+1 > m.lastBlock {
			m.lastBlock = lg.BlockNumber + 1
		}
	}
	return nil
}

// aggregatorsByTx maps each transaction hash to the aggregator address
// declared by a SignatureAggregatorForUserOperations log in that same
// transaction, since the aggregator always precedes the UserOperationEvents
// it covers within one handleOps call.
func aggregatorsByTx(logs []types.Log) map[common.Hash]common.Address {
	out := make(map[common.Hash]common.Address)
	for _, lg := range logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != entrypoint.SignatureAggregatorForUserOperationsTopic {
			continue
		}
		if len(lg.Data) < common.AddressLength {
			continue
		}
		out[lg.TxHash] = common.BytesToAddress(lg.Data[len(lg.Data)-common.AddressLength:])
	}
	return out
}

func (m *Manager) dispatch(lg types.Log, aggregatorByTx map[common.Hash]common.Address) {
	if len(lg.Topics) == 0 {
		return
	}
	switch lg.Topics[0] {
	case entrypoint.UserOperationEventTopic:
		m.onUserOperationEvent(lg, aggregatorByTx)
	case entrypoint.AccountDeployedTopic:
		m.onAccountDeployed(lg)
	}
}

// onUserOperationEvent removes the op from the mempool, credits inclusion
// for sender, paymaster, and (if present) aggregator, and records a
// receipt for eth_getUserOperationReceipt.
func (m *Manager) onUserOperationEvent(lg types.Log, aggregatorByTx map[common.Hash]common.Address) {
	if len(lg.Topics) < 3 {
		log.Warn("UserOperationEvent log missing indexed topics", "tx", lg.TxHash)
		return
	}
	userOpHash := lg.Topics[1]
	sender := common.BytesToAddress(lg.Topics[2].Bytes())

	var paymaster common.Address
	if len(lg.Topics) >= 4 {
		paymaster = common.BytesToAddress(lg.Topics[3].Bytes())
	}

	m.pool.RemoveByHash(userOpHash)
	m.reputation.UpdateIncludedStatus(sender)
	m.reputation.UpdateIncludedStatus(paymaster)
	if aggregator, ok := aggregatorByTx[lg.TxHash]; ok {
		m.reputation.UpdateIncludedStatus(aggregator)
	}

	if m.receipts != nil {
		m.recordReceipt(lg, userOpHash, sender, paymaster)
	}

	log.Debug("processed UserOperationEvent", "userOpHash", userOpHash, "sender", sender)
}

func (m *Manager) recordReceipt(lg types.Log, userOpHash common.Hash, sender, paymaster common.Address) {
	nonIndexed := entrypoint.ABI.Events["UserOperationEvent"].Inputs.NonIndexed()
	values, err := nonIndexed.Unpack(lg.Data)
	if err != nil || len(values) != 4 {
		log.Warn("UserOperationEvent data did not decode", "tx", lg.TxHash, "err", err)
		return
	}
	nonce, ok1 := values[0].(*big.Int)
	success, ok2 := values[1].(bool)
	actualGasCost, ok3 := values[2].(*big.Int)
	actualGasUsed, ok4 := values[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return
	}

	m.receipts.Put(&receipts.Record{
		UserOpHash:    userOpHash,
		EntryPoint:    m.entryPoint,
		Sender:        sender,
		Paymaster:     paymaster,
		Nonce:         nonce,
		Success:       success,
		ActualGasCost: actualGasCost,
		ActualGasUsed: actualGasUsed,
		TxHash:        lg.TxHash,
		BlockHash:     lg.BlockHash,
		BlockNumber:   lg.BlockNumber,
	})
}

// onAccountDeployed credits the factory that deployed a new sender account.
func (m *Manager) onAccountDeployed(lg types.Log) {
	if len(lg.Topics) < 2 || len(lg.Data) < common.HashLength {
		log.Warn("AccountDeployed log missing fields", "tx", lg.TxHash)
		return
	}
	// factory is the first non-indexed ABI word: an address right-aligned
	// in 32 bytes, which BytesToAddress reads from the low 20 bytes.
	factory := common.BytesToAddress(lg.Data[:common.HashLength])
	m.reputation.UpdateIncludedStatus(factory)
}

// StartLiveSubscription attaches a subscription to EntryPoint's logs so
// UserOperationEvent removals happen immediately rather than waiting for the
// next HandlePastEvents call. Subscription errors are logged and the
// subscription is not retried; the next HandlePastEvents call remains the
// source of truth.
func (m *Manager) StartLiveSubscription(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	ch := make(chan types.Log, 256)
	sub, err := m.node.SubscribeLogs(ctx, m.entryPoint, ch)
	if err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	if m.subCancel != nil {
		m.subCancel()
	}
	m.subCancel = cancel
	m.mu.Unlock()

	go m.runLiveSubscription(ctx, sub, ch)
	return nil
}

func (m *Manager) runLiveSubscription(ctx context.Context, sub ethereum.Subscription, ch chan types.Log) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Warn("events: live subscription ended", "err", err)
			}
			return
		case lg := <-ch:
			if len(lg.Topics) == 0 || lg.Topics[0] != entrypoint.UserOperationEventTopic {
				continue
			}
			m.mu.Lock()
			m.onUserOperationEvent(lg, nil)
			if lg.BlockNumber+1 > m.lastBlock {
				m.lastBlock = lg.BlockNumber + 1
			}
			m.mu.Unlock()
		}
	}
}

// Stop cancels any live subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subCancel != nil {
		m.subCancel()
		m.subCancel = nil
	}
}
