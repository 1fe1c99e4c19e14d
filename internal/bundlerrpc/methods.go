package bundlerrpc

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/erc4337/bundler/internal/bundlererr"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/execution"
)

// Dependencies wires every RPC method to the Execution Manager plus the
// handful of static values (chain ID, client version string, supported
// EntryPoints) that don't belong to any one module.
type Dependencies struct {
	Exec          *execution.Manager
	ChainID       *big.Int
	ClientVersion string
	EntryPoints   []common.Address
	GasConfig     entrypoint.GasConfig

	// DebugEnabled gates registration of every debug_bundler_* method;
	// production deployments leave it false.
	DebugEnabled bool
}

func (d *Dependencies) web3ClientVersion(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	return d.ClientVersion, nil
}

func (d *Dependencies) ethChainID(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	return (*hexutil.Big)(d.ChainID), nil
}

func (d *Dependencies) ethSupportedEntryPoints(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	return d.EntryPoints, nil
}

func (d *Dependencies) ethSendUserOperation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var op entrypoint.UserOperation
	var entryPoint common.Address
	if err := decodeParam(params, 0, &op); err != nil {
		return nil, err
	}
	if err := decodeParam(params, 1, &entryPoint); err != nil {
		return nil, err
	}
	hash, err := d.Exec.SendUserOperation(ctx, &op, entryPoint)
	if err != nil {
		return nil, err
	}
	return hash, nil
}

// gasEstimateResult is eth_estimateUserOperationGas's wire shape: every
// field hex-encoded, zero rendered as "0x0".
type gasEstimateResult struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

func (d *Dependencies) ethEstimateUserOperationGas(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var op entrypoint.UserOperation
	var entryPoint common.Address
	if err := decodeParam(params, 0, &op); err != nil {
		return nil, err
	}
	if err := decodeParam(params, 1, &entryPoint); err != nil {
		return nil, err
	}
	est, err := d.Exec.EstimateUserOperationGas(ctx, &op, entryPoint, d.GasConfig)
	if err != nil {
		return nil, err
	}
	return &gasEstimateResult{
		PreVerificationGas:   (*hexutil.Big)(est.PreVerificationGas),
		VerificationGasLimit: (*hexutil.Big)(est.VerificationGasLimit),
		CallGasLimit:         (*hexutil.Big)(est.CallGasLimit),
	}, nil
}

// userOpByHashResult is eth_getUserOperationByHash's wire shape.
type userOpByHashResult struct {
	UserOperation   *entrypoint.UserOperation `json:"userOperation"`
	EntryPoint      common.Address            `json:"entryPoint"`
	BlockNumber     *hexutil.Big              `json:"blockNumber"`
	BlockHash       *common.Hash              `json:"blockHash"`
	TransactionHash *common.Hash              `json:"transactionHash"`
}

func (d *Dependencies) ethGetUserOperationByHash(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}

	if rec, ok := d.Exec.Receipt(hash); ok {
		blockHash := rec.BlockHash
		txHash := rec.TxHash
		op, _ := d.Exec.PendingOperation(hash)
		return &userOpByHashResult{
			UserOperation:   op,
			EntryPoint:      rec.EntryPoint,
			BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(rec.BlockNumber)),
			BlockHash:       &blockHash,
			TransactionHash: &txHash,
		}, nil
	}

	op, ok := d.Exec.PendingOperation(hash)
	if !ok {
		return nil, nil
	}
	return &userOpByHashResult{UserOperation: op, EntryPoint: d.Exec.EntryPoint()}, nil
}

// userOpReceiptResult is eth_getUserOperationReceipt's wire shape.
type userOpReceiptResult struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	TxHash        common.Hash    `json:"transactionHash"`
	BlockHash     common.Hash    `json:"blockHash"`
	BlockNumber   *hexutil.Big   `json:"blockNumber"`
}

func (d *Dependencies) ethGetUserOperationReceipt(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var hash common.Hash
	if err := decodeParam(params, 0, &hash); err != nil {
		return nil, err
	}
	rec, ok := d.Exec.Receipt(hash)
	if !ok {
		return nil, nil
	}
	return &userOpReceiptResult{
		UserOpHash:    rec.UserOpHash,
		Sender:        rec.Sender,
		Paymaster:     rec.Paymaster,
		Nonce:         (*hexutil.Big)(rec.Nonce),
		Success:       rec.Success,
		ActualGasCost: (*hexutil.Big)(rec.ActualGasCost),
		ActualGasUsed: (*hexutil.Big)(rec.ActualGasUsed),
		TxHash:        rec.TxHash,
		BlockHash:     rec.BlockHash,
		BlockNumber:   (*hexutil.Big)(new(big.Int).SetUint64(rec.BlockNumber)),
	}, nil
}

func (d *Dependencies) debugClearState(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	d.Exec.ClearState()
	return "ok", nil
}

func (d *Dependencies) debugClearMempool(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	d.Exec.Pool().ClearState()
	return "ok", nil
}

func (d *Dependencies) debugClearReputation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	d.Exec.Reputation().ClearState()
	return "ok", nil
}

func (d *Dependencies) debugDumpMempool(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	entries := d.Exec.Pool().GetSortedForInclusion()
	out := make([]*entrypoint.UserOperation, len(entries))
	for i, e := range entries {
		out[i] = e.Op
	}
	return out, nil
}

// reputationEntry is one debug_bundler_dumpReputation row.
type reputationEntry struct {
	Address     string       `json:"address"`
	OpsSeen     hexutil.Uint64 `json:"opsSeen"`
	OpsIncluded hexutil.Uint64 `json:"opsIncluded"`
}

func (d *Dependencies) debugDumpReputation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	dump := d.Exec.Reputation().Dump()
	out := make([]reputationEntry, 0, len(dump))
	for addr, counts := range dump {
		out = append(out, reputationEntry{
			Address:     addr,
			OpsSeen:     hexutil.Uint64(counts.OpsSeen),
			OpsIncluded: hexutil.Uint64(counts.OpsIncluded),
		})
	}
	return out, nil
}

type setReputationParam struct {
	Address     common.Address `json:"address"`
	OpsSeen     hexutil.Uint64 `json:"opsSeen"`
	OpsIncluded hexutil.Uint64 `json:"opsIncluded"`
}

func (d *Dependencies) debugSetReputation(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var entries []setReputationParam
	if err := decodeParam(params, 0, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		d.Exec.Reputation().SetReputation(e.Address, uint64(e.OpsSeen), uint64(e.OpsIncluded))
	}
	return "ok", nil
}

type setBundlingModeParam struct {
	Mode              string `json:"mode"`
	AutoBundleInterval int   `json:"autoBundleInterval"`
}

func (d *Dependencies) debugSetBundlingMode(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var p setBundlingModeParam
	if err := decodeParam(params, 0, &p); err != nil {
		return nil, err
	}
	interval, maxPool := execution.BundlingModeParams(p.Mode, p.AutoBundleInterval)
	d.Exec.SetAutoBundler(ctx, interval, maxPool)
	return "ok", nil
}

func (d *Dependencies) debugSetBundleInterval(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var intervalSec hexutil.Uint64
	if err := decodeParam(params, 0, &intervalSec); err != nil {
		return nil, err
	}
	interval, maxPool := execution.BundlingModeParams("", int(intervalSec))
	d.Exec.SetAutoBundler(ctx, interval, maxPool)
	return "ok", nil
}

func (d *Dependencies) debugSendBundleNow(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	if err := d.Exec.AttemptBundle(ctx, true); err != nil {
		return nil, bundlererr.UserOpReverted(nil, "sendBundleNow failed: %v", err)
	}
	return "ok", nil
}

type stakeStatusResult struct {
	Stake           *hexutil.Big `json:"stake"`
	UnstakeDelaySec hexutil.Uint64 `json:"unstakeDelaySec"`
	IsStaked        bool         `json:"isStaked"`
}

func (d *Dependencies) debugGetStakeStatus(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := decodeParam(params, 0, &addr); err != nil {
		return nil, err
	}
	status, err := d.Exec.StakeStatus(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &stakeStatusResult{
		Stake:           (*hexutil.Big)(status.Stake),
		UnstakeDelaySec: hexutil.Uint64(status.UnstakeDelaySec),
		IsStaked:        status.IsStaked,
	}, nil
}
