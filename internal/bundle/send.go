package bundle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/erc4337/bundler/internal/bundlererr"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/ethnode"
	"github.com/erc4337/bundler/internal/mempool"
)

// SendResult is returned once handleOps has either landed or been fully
// attributed.
type SendResult struct {
	TransactionHash common.Hash
	UserOpHashes    []common.Hash
}

// ErrEmptyBundle signals Build() produced no admissible entries.
var ErrEmptyBundle = errors.New("bundle: no admissible entries")

// SendNextBundle builds the next bundle and sends it end to end: pick a
// beneficiary, populate and sign a type-2 handleOps transaction, dispatch
// via conditional or raw send, and attribute any on-chain failure back to
// the entity at fault.
func (m *Manager) SendNextBundle(ctx context.Context, chainID *big.Int) (*SendResult, error) {
	build, err := m.Build(ctx)
	if err != nil {
		return nil, err
	}
	if len(build.Entries) == 0 {
		return nil, ErrEmptyBundle
	}

	ops := make([]*entrypoint.UserOperation, len(build.Entries))
	userOpHashes := make([]common.Hash, len(build.Entries))
	for i, e := range build.Entries {
		ops[i] = e.Op
		userOpHashes[i] = e.Hash
	}

	beneficiary, err := m.selectBeneficiary(ctx)
	if err != nil {
		return nil, err
	}

	data, err := entrypoint.EncodeHandleOps(ops, beneficiary)
	if err != nil {
		return nil, err
	}

	nonce, err := m.node.PendingNonceAt(ctx, m.signer.Address())
	if err != nil {
		return nil, err
	}
	feeData := m.node.SuggestFeeData(ctx)

	to := m.cfg.EntryPoint
	txdata := &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: feeData.MaxPriorityFeePerGas,
		GasFeeCap: feeData.MaxFeePerGas,
		Gas:       handleOpsGasLimit,
		To:        &to,
		Data:      data,
	}
	signed, err := m.signer.SignTx(ctx, types.NewTx(txdata), chainID)
	if err != nil {
		return nil, err
	}

	txHash, sendErr := m.dispatch(ctx, signed, build.StorageMap)
	if sendErr == nil {
		return &SendResult{TransactionHash: txHash, UserOpHashes: userOpHashes}, nil
	}

	m.attributeFailure(build.Entries, sendErr)
	return nil, sendErr
}

func (m *Manager) selectBeneficiary(ctx context.Context) (common.Address, error) {
	balance, err := m.node.BalanceAt(ctx, m.signer.Address())
	if err != nil {
		return common.Address{}, err
	}
	return chooseBeneficiary(balance, m.cfg.MinSignerBalance, m.signer.Address(), m.cfg.Beneficiary), nil
}

// chooseBeneficiary picks between the signer's own address and the
// configured beneficiary, implemented as a pure function so it can be
// tested without a live node.
func chooseBeneficiary(signerBalance, minSignerBalance *big.Int, signer, configured common.Address) common.Address {
	if minSignerBalance != nil && signerBalance.Cmp(minSignerBalance) <= 0 {
		return signer
	}
	return configured
}

func (m *Manager) dispatch(ctx context.Context, signed *types.Transaction, storageMap map[common.Address]map[common.Hash]common.Hash) (common.Hash, error) {
	if m.cfg.ConditionalRPC {
		return m.node.SendRawTransactionConditional(ctx, signed, buildKnownAccounts(storageMap))
	}
	if err := m.node.SendRawTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// buildKnownAccounts converts a storage map into the knownAccounts shape
// eth_sendRawTransactionConditional expects: a bare storage root when the
// map holds only the account-root sentinel slot, otherwise a per-slot map.
func buildKnownAccounts(storageMap map[common.Address]map[common.Hash]common.Hash) map[common.Address]ethnode.KnownAccountsCondition {
	known := make(map[common.Address]ethnode.KnownAccountsCondition, len(storageMap))
	for addr, slots := range storageMap {
		if root, ok := slots[common.Hash{}]; ok && len(slots) == 1 {
			r := root
			known[addr] = ethnode.KnownAccountsCondition{StorageRoot: &r}
			continue
		}
		known[addr] = ethnode.KnownAccountsCondition{StorageMap: slots}
	}
	return known
}

// attributeFailure parses a handleOps revert and charges the blamed
// entity's reputation via crashedHandleOps (AA1*/AA2*/AA3* prefixes), or
// removes the single failing op so the rest of the bundle can be retried
// next cycle. A node-level "method not found" is re-raised by the caller
// unchanged since it indicates an incompatible node, not a bad op.
func (m *Manager) attributeFailure(entries []*mempool.Entry, sendErr error) {
	var rpcErr interface{ ErrorCode() int }
	if errors.As(sendErr, &rpcErr) && rpcErr.ErrorCode() == int(bundlererr.CodeMethodNotSupported) {
		return
	}

	revertData, ok := extractRevertData(sendErr)
	if !ok {
		log.Warn("handleOps send failed without decodable revert data", "err", sendErr)
		return
	}
	_, fo, err := entrypoint.DecodeRevert(revertData)
	if err != nil || fo == nil {
		log.Warn("handleOps revert did not decode as FailedOp", "err", err)
		return
	}

	idx := fo.OpIndex.Int64()
	if idx < 0 || idx >= int64(len(entries)) {
		return
	}
	blamed := entries[idx]

	switch fo.Classify() {
	case entrypoint.BlameFactory:
		m.reputation.CrashedHandleOps(blamed.Factory)
	case entrypoint.BlameSender:
		m.reputation.CrashedHandleOps(blamed.Sender)
	case entrypoint.BlamePaymaster:
		m.reputation.CrashedHandleOps(blamed.Paymaster)
	default:
		m.pool.RemoveByHash(blamed.Hash)
		log.Info("removed failing userOp from mempool", "hash", blamed.Hash, "reason", fo.Reason)
	}
}

type rpcDataError interface {
	Error() string
	ErrorData() interface{}
}

func extractRevertData(err error) ([]byte, bool) {
	var de rpcDataError
	if !errors.As(err, &de) {
		return nil, false
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}
	b, decodeErr := hexutil.Decode(s)
	if decodeErr != nil {
		return nil, false
	}
	return b, true
}
