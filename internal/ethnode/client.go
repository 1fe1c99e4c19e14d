// Package ethnode wraps go-ethereum's rpc.Client/ethclient.Client behind
// the narrow surface the bundler is allowed to use: nine node RPC
// methods, plus transaction signing, as external collaborators. Every
// other package talks to the node only through this interface.
package ethnode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the bundler's sole channel to the underlying Ethereum node.
type Client struct {
	rpcClient *rpc.Client
	eth       *ethclient.Client
}

// Dial connects to the node's JSON-RPC endpoint (HTTP or WS).
func Dial(ctx context.Context, url string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Client{rpcClient: rc, eth: ethclient.NewClient(rc)}, nil
}

// ChainID returns the node's configured chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// CallContract performs eth_call against to with the given calldata at the
// latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// EstimateGas performs eth_estimateGas.
func (c *Client) EstimateGas(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{To: &to, Data: data})
}

// CodeAt performs eth_getCode at the latest block.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.eth.CodeAt(ctx, addr, nil)
}

// BalanceAt performs eth_getBalance at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// BlockByNumber performs eth_getBlockByNumber; nil means "latest".
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

// BlockNumber performs eth_blockNumber and returns the latest block
// number, the cheap path the Events Manager uses to seed lastBlock.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// SendRawTransaction performs eth_sendRawTransaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

// KnownAccountsCondition is the knownAccounts argument to
// eth_sendRawTransactionConditional: either a single expected storage
// root (address-root mode) or a map of slot->expected value
// (storage-map mode).
type KnownAccountsCondition struct {
	StorageRoot *common.Hash
	StorageMap  map[common.Hash]common.Hash
}

// SendRawTransactionConditional performs eth_sendRawTransactionConditional
// with a knownAccounts option carrying the Bundle Manager's storage map, so
// the node rejects the send outright if any watched slot has moved.
func (c *Client) SendRawTransactionConditional(ctx context.Context, tx *types.Transaction, knownAccounts map[common.Address]KnownAccountsCondition) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	options := make(map[string]any, len(knownAccounts))
	for addr, cond := range knownAccounts {
		if cond.StorageRoot != nil {
			options[addr.Hex()] = cond.StorageRoot.Hex()
			continue
		}
		m := make(map[string]string, len(cond.StorageMap))
		for slot, val := range cond.StorageMap {
			m[slot.Hex()] = val.Hex()
		}
		options[addr.Hex()] = m
	}

	var hash common.Hash
	err = c.rpcClient.CallContext(ctx, &hash, "eth_sendRawTransactionConditional", hexutil.Encode(raw), map[string]any{"knownAccounts": options})
	return hash, err
}

// TraceCall performs debug_traceCall with the tracer program string and
// returns its raw JSON result for the tracer package to decode.
func (c *Client) TraceCall(ctx context.Context, to common.Address, data []byte, program string) (json.RawMessage, error) {
	callArgs := map[string]any{"to": to.Hex(), "data": hexutil.Encode(data)}

	var raw json.RawMessage
	err := c.rpcClient.CallContext(ctx, &raw, "debug_traceCall", callArgs, "latest", map[string]any{"tracer": program})
	if err != nil {
		log.Debug("debug_traceCall failed", "to", to, "err", err)
	}
	return raw, err
}

// GetProof performs eth_getProof, used in account-root storage-conflict
// mode to fetch a sender's current storage root.
func (c *Client) GetProof(ctx context.Context, addr common.Address, slots []common.Hash) (*AccountResult, error) {
	var result AccountResult
	hexSlots := make([]string, len(slots))
	for i, s := range slots {
		hexSlots[i] = s.Hex()
	}
	err := c.rpcClient.CallContext(ctx, &result, "eth_getProof", addr.Hex(), hexSlots, "latest")
	return &result, err
}

// AccountResult mirrors the eth_getProof response shape the bundler reads
// (only StorageHash is used).
type AccountResult struct {
	StorageHash common.Hash `json:"storageHash"`
}

// FeeData is the node's current suggested fee parameters.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SuggestFeeData reads the node's current base fee and priority fee
// suggestion. The priority fee defaults to zero if the node can't supply
// one; MaxFeePerGas is base fee plus tip, or the tip alone when no base fee
// is available (pre-EIP-1559).
func (c *Client) SuggestFeeData(ctx context.Context) FeeData {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		tip = new(big.Int)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	fee := new(big.Int).Set(tip)
	if err == nil && header != nil && header.BaseFee != nil {
		fee = new(big.Int).Add(header.BaseFee, tip)
	}
	return FeeData{MaxFeePerGas: fee, MaxPriorityFeePerGas: tip}
}

// PendingNonceAt performs the pending-nonce read used before signing a new
// handleOps transaction.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

// FilterLogs performs an eth_getLogs query over [fromBlock, toBlock] for
// the given contract address, unfiltered by topic (the Events Manager
// does its own topic dispatch over the result).
func (c *Client) FilterLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
	})
}

// SubscribeLogs attaches a live subscription for the given contract's logs,
// used to accelerate UserOperationEvent-triggered mempool removal.
func (c *Client) SubscribeLogs(ctx context.Context, contract common.Address, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.eth.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: []common.Address{contract}}, ch)
}

// Raw exposes the underlying ethclient for callers that need richer
// access than this wrapper re-exposes.
func (c *Client) Raw() *ethclient.Client { return c.eth }

// SignerBalanceError wraps an insufficient signer-balance condition
// surfaced during startup preflight.
type SignerBalanceError struct {
	Address common.Address
	Balance *big.Int
}

func (e *SignerBalanceError) Error() string {
	return fmt.Sprintf("signer %s has zero balance", e.Address)
}
