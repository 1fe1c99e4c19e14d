package mempool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/reputation"
)

func unlimited(common.Address) int     { return 1 << 30 }
func alwaysUnstaked(common.Address) bool { return false }

func newTestOp(sender common.Address, nonce int64, tip, fee int64) *entrypoint.UserOperation {
	return &entrypoint.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(fee),
		MaxPriorityFeePerGas: big.NewInt(tip),
	}
}

func TestPool_AddAndRetrieve(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := NewPool(rep)
	sender := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	op := newTestOp(sender, 0, 1e9, 2e9)
	entry := NewEntry(op, common.HexToHash("0x01"), common.Address{})

	if err := pool.Add(entry, unlimited, alwaysUnstaked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", pool.Len())
	}
	if _, ok := pool.GetByHash(entry.Hash); !ok {
		t.Fatal("expected entry to be retrievable by hash")
	}
}

func TestPool_ReplacementRequiresBump(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := NewPool(rep)
	sender := common.HexToAddress("0x2222222222222222222222222222222222bbbb")

	first := NewEntry(newTestOp(sender, 0, 1000, 2000), common.HexToHash("0x01"), common.Address{})
	if err := pool.Add(first, unlimited, alwaysUnstaked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	underpriced := NewEntry(newTestOp(sender, 0, 1050, 2050), common.HexToHash("0x02"), common.Address{})
	if err := pool.Add(underpriced, unlimited, alwaysUnstaked); err == nil {
		t.Fatal("expected underpriced replacement to be rejected")
	}

	replacement := NewEntry(newTestOp(sender, 0, 1100, 2200), common.HexToHash("0x03"), common.Address{})
	if err := pool.Add(replacement, unlimited, alwaysUnstaked); err != nil {
		t.Fatalf("expected valid replacement to succeed: %v", err)
	}
	if pool.Len() != 1 {
		t.Fatalf("expected replacement to keep pool size at 1, got %d", pool.Len())
	}
	if _, ok := pool.GetByHash(first.Hash); ok {
		t.Fatal("expected original entry to be gone after replacement")
	}
}

func TestPool_MultiRoleViolation(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := NewPool(rep)
	paymaster := common.HexToAddress("0x3333333333333333333333333333333333cccc")

	opWithPaymaster := newTestOp(common.HexToAddress("0x4444444444444444444444444444444444dddd"), 0, 1000, 2000)
	opWithPaymaster.PaymasterAndData = append(paymaster.Bytes(), []byte{1, 2, 3}...)
	entry1 := NewEntry(opWithPaymaster, common.HexToHash("0x01"), common.Address{})
	if err := pool.Add(entry1, unlimited, alwaysUnstaked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opFromPaymasterAsSender := newTestOp(paymaster, 0, 1000, 2000)
	entry2 := NewEntry(opFromPaymasterAsSender, common.HexToHash("0x02"), common.Address{})
	if err := pool.Add(entry2, unlimited, alwaysUnstaked); err == nil {
		t.Fatal("expected multi-role violation to be rejected")
	}
}

func TestPool_RemoveDecrementsEntryCount(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := NewPool(rep)
	sender := common.HexToAddress("0x5555555555555555555555555555555555eeee")
	entry := NewEntry(newTestOp(sender, 0, 1000, 2000), common.HexToHash("0x01"), common.Address{})
	if err := pool.Add(entry, unlimited, alwaysUnstaked); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.EntryCount(sender) != 1 {
		t.Fatalf("expected entryCount 1, got %d", pool.EntryCount(sender))
	}
	if !pool.RemoveByHash(entry.Hash) {
		t.Fatal("expected removal to succeed")
	}
	if pool.EntryCount(sender) != 0 {
		t.Fatalf("expected entryCount 0 after removal, got %d", pool.EntryCount(sender))
	}
}

func TestPool_GetSortedForInclusionDescending(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := NewPool(rep)

	low := NewEntry(newTestOp(common.HexToAddress("0x6666666666666666666666666666666666ffff"), 0, 1000, 2000), common.HexToHash("0x01"), common.Address{})
	high := NewEntry(newTestOp(common.HexToAddress("0x7777777777777777777777777777777777aaaa"), 0, 5000, 6000), common.HexToHash("0x02"), common.Address{})

	if err := pool.Add(low, unlimited, alwaysUnstaked); err != nil {
		t.Fatal(err)
	}
	if err := pool.Add(high, unlimited, alwaysUnstaked); err != nil {
		t.Fatal(err)
	}

	sorted := pool.GetSortedForInclusion()
	if len(sorted) != 2 || sorted[0].Hash != high.Hash {
		t.Fatalf("expected higher priority fee first, got %+v", sorted)
	}
}
