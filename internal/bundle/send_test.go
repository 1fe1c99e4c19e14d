package bundle

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/mempool"
	"github.com/erc4337/bundler/internal/reputation"
)

func TestChooseBeneficiary_FallsBackWhenSignerLow(t *testing.T) {
	signer := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	configured := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	minBalance := big.NewInt(1_000_000)

	got := chooseBeneficiary(big.NewInt(500_000), minBalance, signer, configured)
	if got != signer {
		t.Fatalf("expected self-beneficiary fallback, got %s", got)
	}
}

func TestChooseBeneficiary_UsesConfiguredWhenSignerHealthy(t *testing.T) {
	signer := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	configured := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	minBalance := big.NewInt(1_000_000)

	got := chooseBeneficiary(big.NewInt(5_000_000), minBalance, signer, configured)
	if got != configured {
		t.Fatalf("expected configured beneficiary, got %s", got)
	}
}

func TestBuildKnownAccounts_StorageRootVsMap(t *testing.T) {
	rootAddr := common.HexToAddress("0x1111111111111111111111111111111111aaaa")
	mapAddr := common.HexToAddress("0x2222222222222222222222222222222222bbbb")
	root := common.HexToHash("0xdeadbeef")
	slot := common.HexToHash("0x01")
	val := common.HexToHash("0x02")

	storageMap := map[common.Address]map[common.Hash]common.Hash{
		rootAddr: {common.Hash{}: root},
		mapAddr:  {slot: val},
	}

	known := buildKnownAccounts(storageMap)

	rootCond, ok := known[rootAddr]
	if !ok || rootCond.StorageRoot == nil || *rootCond.StorageRoot != root {
		t.Fatalf("expected storage-root condition for %s, got %+v", rootAddr, rootCond)
	}
	mapCond, ok := known[mapAddr]
	if !ok || mapCond.StorageRoot != nil || mapCond.StorageMap[slot] != val {
		t.Fatalf("expected storage-map condition for %s, got %+v", mapAddr, mapCond)
	}
}

// fakeRevertErr satisfies rpcDataError so attributeFailure can extract a
// FailedOp revert payload without a live node.
type fakeRevertErr struct {
	data string
}

func (e *fakeRevertErr) Error() string        { return "execution reverted" }
func (e *fakeRevertErr) ErrorData() interface{} { return e.data }

func failedOpRevert(t *testing.T, opIndex int64, reason string) []byte {
	t.Helper()
	packed, err := entrypoint.ABI.Errors["FailedOp"].Inputs.Pack(big.NewInt(opIndex), reason)
	if err != nil {
		t.Fatalf("pack FailedOp: %v", err)
	}
	id := entrypoint.ABI.Errors["FailedOp"].ID
	return append(append([]byte{}, id[:4]...), packed...)
}

func TestAttributeFailure_BlamesFactoryAndPenalizes(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := mempool.NewPool(rep)
	m := &Manager{reputation: rep, pool: pool}

	factory := common.HexToAddress("0x3333333333333333333333333333333333cccc")
	entries := []*mempool.Entry{{
		Hash:    common.HexToHash("0xaa"),
		Sender:  common.HexToAddress("0x1111111111111111111111111111111111aaaa"),
		Factory: factory,
	}}

	revert := failedOpRevert(t, 0, "AA13 initCode failed or OOG")
	sendErr := &fakeRevertErr{data: hexutil.Encode(revert)}

	m.attributeFailure(entries, sendErr)

	// crashedHandleOps inflates opsSeen by a fixed penalty; confirm it moved
	// the entity out of the zero-counter default by checking the dump.
	dump := rep.Dump()
	rec, ok := dump[factoryKey(factory)]
	if !ok || rec.OpsSeen == 0 {
		t.Fatalf("expected factory to be penalized, dump=%v", dump)
	}
}

func TestAttributeFailure_BlameNoneDoesNotPanic(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := mempool.NewPool(rep)
	m := &Manager{reputation: rep, pool: pool}

	hash := common.HexToHash("0xbb")
	entries := []*mempool.Entry{{Hash: hash, Sender: common.HexToAddress("0x1111111111111111111111111111111111aaaa")}}

	revert := failedOpRevert(t, 0, "some unrelated revert")
	sendErr := &fakeRevertErr{data: hexutil.Encode(revert)}

	m.attributeFailure(entries, sendErr)
	// BlameNone takes the RemoveByHash path; the hash was never added to the
	// pool, so nothing is removed. This only exercises that attributeFailure
	// doesn't panic on BlameNone.
}

func TestAttributeFailure_IgnoresUndecodableRevert(t *testing.T) {
	rep := reputation.NewManager(nil, nil, nil)
	pool := mempool.NewPool(rep)
	m := &Manager{reputation: rep, pool: pool}

	m.attributeFailure(nil, errors.New("connection reset"))
}

func factoryKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
