package events

import (
	"context"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/erc4337/bundler/internal/entrypoint"
)

type fakeNode struct {
	current uint64
	logs    []types.Log
}

func (f *fakeNode) BlockNumber(ctx context.Context) (uint64, error) { return f.current, nil }

func (f *fakeNode) FilterLogs(ctx context.Context, contract common.Address, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeNode) SubscribeLogs(ctx context.Context, contract common.Address, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, nil
}

type fakePool struct {
	removed []common.Hash
}

func (p *fakePool) RemoveByHash(hash common.Hash) bool {
	p.removed = append(p.removed, hash)
	return true
}

type fakeReputation struct {
	credited []common.Address
}

func (r *fakeReputation) UpdateIncludedStatus(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	r.credited = append(r.credited, addr)
}

func userOperationEventLog(blockNumber uint64, userOpHash common.Hash, sender, paymaster common.Address, txHash common.Hash) types.Log {
	return types.Log{
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Topics: []common.Hash{
			entrypoint.UserOperationEventTopic,
			userOpHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(paymaster.Bytes()),
		},
	}
}

func accountDeployedLog(blockNumber uint64, userOpHash common.Hash, sender, factory common.Address, txHash common.Hash) types.Log {
	data := make([]byte, 64)
	copy(data[common.HashLength-common.AddressLength:common.HashLength], factory.Bytes())
	return types.Log{
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Topics:      []common.Hash{entrypoint.AccountDeployedTopic, userOpHash, common.BytesToHash(sender.Bytes())},
		Data:        data,
	}
}

func TestHandlePastEvents_RemovesAndCreditsOnUserOperationEvent(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	paymaster := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	userOpHash := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xff")

	node := &fakeNode{current: 2000, logs: []types.Log{
		userOperationEventLog(1500, userOpHash, sender, paymaster, txHash),
	}}
	pool := &fakePool{}
	rep := &fakeReputation{}
	mgr := NewManager(node, pool, rep, nil, common.HexToAddress("0x9999999999999999999999999999999999eeee"))

	if err := mgr.HandlePastEvents(context.Background()); err != nil {
		t.Fatalf("HandlePastEvents: %v", err)
	}

	if len(pool.removed) != 1 || pool.removed[0] != userOpHash {
		t.Fatalf("expected userOpHash removed, got %v", pool.removed)
	}
	if len(rep.credited) != 2 {
		t.Fatalf("expected sender and paymaster credited, got %v", rep.credited)
	}
	if mgr.lastBlock != 1501 {
		t.Fatalf("expected cursor to advance past handled event, got %d", mgr.lastBlock)
	}
}

func TestHandlePastEvents_CreditsFactoryOnAccountDeployed(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	factory := common.HexToAddress("0x3333333333333333333333333333333333cccc")
	userOpHash := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xff")

	node := &fakeNode{current: 2000, logs: []types.Log{
		accountDeployedLog(1800, userOpHash, sender, factory, txHash),
	}}
	pool := &fakePool{}
	rep := &fakeReputation{}
	mgr := NewManager(node, pool, rep, nil, common.HexToAddress("0x9999999999999999999999999999999999eeee"))

	if err := mgr.HandlePastEvents(context.Background()); err != nil {
		t.Fatalf("HandlePastEvents: %v", err)
	}

	if len(rep.credited) != 1 || rep.credited[0] != factory {
		t.Fatalf("expected factory credited, got %v", rep.credited)
	}
}

func TestHandlePastEvents_SeedsLookbackWindowOnFirstCall(t *testing.T) {
	node := &fakeNode{current: 5000}
	mgr := NewManager(node, &fakePool{}, &fakeReputation{}, nil, common.HexToAddress("0x9999999999999999999999999999999999eeee"))

	if err := mgr.HandlePastEvents(context.Background()); err != nil {
		t.Fatalf("HandlePastEvents: %v", err)
	}
	if mgr.lastBlock != 5000-initialLookback {
		t.Fatalf("expected cursor seeded at current-%d when no logs found, got %d", initialLookback, mgr.lastBlock)
	}
}
