// Package validation implements the Validation Manager: input
// checks, the unsafe/safe simulateValidation dispatch, and the
// ERC-4337 post-checks that turn a raw ValidationResult into an
// admission decision.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/erc4337/bundler/internal/bundlererr"
	"github.com/erc4337/bundler/internal/entrypoint"
	"github.com/erc4337/bundler/internal/reputation"
	"github.com/erc4337/bundler/internal/tracer"
)

// minVerificationGasSlack is the minimum headroom required between the
// declared verificationGasLimit and the gas actually consumed by
// validation.
const minVerificationGasSlack = 2000

// minValidUntilSlack is the minimum time a validUntil window must still
// have left at admission time.
const minValidUntilSlack = 30 * time.Second

var hexFieldPattern = regexp.MustCompile(`^0x[0-9a-f]*$`)

// Config parameterizes the Validation Manager.
type Config struct {
	EntryPoint      common.Address
	Unsafe          bool // skip the tracer, trust callStatic simulateValidation alone
	GasConfig       entrypoint.GasConfig
	MinStake        *big.Int
	MinUnstakeDelay uint32
}

// Node is the narrow node surface the Validation Manager needs: a plain
// eth_call to recover simulateValidation's revert data, debug_traceCall to
// run the tracer program in safe mode, and eth_getCode to seed the code
// fingerprint of every referenced contract. *ethnode.Client satisfies this.
type Node interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	TraceCall(ctx context.Context, to common.Address, data []byte, program string) (json.RawMessage, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// Reputation is the narrow stake-query surface the Validation Manager needs
// to tell whether a factory/paymaster is staked, and therefore exempt from
// the associated-storage restriction on third-party slots.
// *reputation.Manager satisfies this.
type Reputation interface {
	GetStakeStatus(ctx context.Context, addr, entryPoint common.Address, minStake *big.Int, minUnstakeDelay uint32) (reputation.StakeStatus, error)
}

// Result is the Validation Manager's output: the decoded ValidationResult
// plus, in safe mode, the contracts and storage touched during simulation.
type Result struct {
	Validation          *entrypoint.ValidationResult
	ReferencedContracts []common.Address
	ReferencedCode      [][]byte
	StorageMap          map[common.Address]map[common.Hash]common.Hash
}

// Manager drives UserOperation validation.
type Manager struct {
	cfg        Config
	node       Node
	reputation Reputation

	mu           sync.Mutex
	fingerprints map[common.Hash]common.Hash // userOpHash -> keccak(code of referenced addrs)
}

// NewManager builds a Validation Manager against the given node client and
// reputation manager (used to classify factory/paymaster stake status).
func NewManager(cfg Config, node Node, rep Reputation) *Manager {
	return &Manager{cfg: cfg, node: node, reputation: rep, fingerprints: make(map[common.Hash]common.Hash)}
}

// CheckInput enforces the structural admission rules on a raw UserOperation.
func (m *Manager) CheckInput(op *entrypoint.UserOperation, entryPoint common.Address) error {
	if entryPoint != m.cfg.EntryPoint {
		return bundlererr.InvalidFields("entryPoint %s does not match configured %s", entryPoint, m.cfg.EntryPoint)
	}
	if !validHexBytes(op.InitCode) {
		return bundlererr.InvalidFields("initCode is not valid hex")
	}
	if !validHexBytes(op.CallData) {
		return bundlererr.InvalidFields("callData is not valid hex")
	}
	if !validHexBytes(op.PaymasterAndData) {
		return bundlererr.InvalidFields("paymasterAndData is not valid hex")
	}
	if l := len(op.PaymasterAndData); l != 0 && l < common.AddressLength {
		return bundlererr.InvalidFields("paymasterAndData must be empty or at least 20 bytes, got %d", l)
	}
	if l := len(op.InitCode); l != 0 && l < common.AddressLength {
		return bundlererr.InvalidFields("initCode must be empty or at least 20 bytes, got %d", l)
	}
	if !entrypoint.MeetsPreVerificationGasFloor(op, m.cfg.GasConfig) {
		floor := entrypoint.CalcPreVerificationGas(op, m.cfg.GasConfig)
		return bundlererr.InvalidFields("preVerificationGas below floor of %d", floor)
	}
	return nil
}

func validHexBytes(b []byte) bool {
	return hexFieldPattern.MatchString(hexutil.Encode(b))
}

// Simulate runs simulateValidation in unsafe or safe mode per configuration
// and returns the decoded ValidationResult plus, in safe mode, the
// contracts/storage the Tracer-Result Parser cleared.
func (m *Manager) Simulate(ctx context.Context, op *entrypoint.UserOperation) (*Result, error) {
	if m.cfg.Unsafe {
		return m.simulateUnsafe(ctx, op)
	}
	return m.simulateSafe(ctx, op)
}

func (m *Manager) simulateUnsafe(ctx context.Context, op *entrypoint.UserOperation) (*Result, error) {
	data, err := entrypoint.EncodeSimulateValidation(op)
	if err != nil {
		return nil, err
	}
	_, callErr := m.node.CallContract(ctx, m.cfg.EntryPoint, data)
	if callErr == nil {
		return nil, bundlererr.SimulateValidation("simulateValidation did not revert")
	}
	revertData, ok := extractRevertData(callErr)
	if !ok {
		return nil, bundlererr.SimulateValidation("simulateValidation reverted without data: %v", callErr)
	}
	vr, fo, err := entrypoint.DecodeRevert(revertData)
	if err != nil {
		return nil, bundlererr.SimulateValidation("undecodable revert: %v", err)
	}
	if fo != nil {
		return nil, bundlererr.SimulateValidation("FailedOp(%s, %q)", fo.OpIndex, fo.Reason)
	}
	return &Result{Validation: vr}, nil
}

func (m *Manager) simulateSafe(ctx context.Context, op *entrypoint.UserOperation) (*Result, error) {
	data, err := entrypoint.EncodeSimulateValidation(op)
	if err != nil {
		return nil, err
	}
	raw, traceErr := m.node.TraceCall(ctx, m.cfg.EntryPoint, data, tracer.Program)
	if traceErr != nil {
		return nil, bundlererr.SimulateValidation("debug_traceCall failed: %v", traceErr)
	}
	traceResult, err := tracer.ParseResult(raw)
	if err != nil {
		return nil, err
	}
	if len(traceResult.Calls) == 0 {
		return nil, bundlererr.SimulateValidation("tracer returned no call frames")
	}

	// The last call frame is the synthetic entry CaptureEnd appends, carrying
	// the top-level REVERT's return data; the real ValidationResult/FailedOp
	// payload, recovered from the single trace call rather than a second
	// eth_call round trip.
	last := traceResult.Calls[len(traceResult.Calls)-1]
	if len(last.RevertData) == 0 {
		return nil, bundlererr.SimulateValidation("trace did not end in a revert entry")
	}
	traceResult.Calls = traceResult.Calls[:len(traceResult.Calls)-1]

	vr, fo, err := entrypoint.DecodeRevert(last.RevertData)
	if err != nil {
		return nil, err
	}
	if fo != nil {
		return nil, bundlererr.SimulateValidation("FailedOp(%s, %q)", fo.OpIndex, fo.Reason)
	}

	entities := m.entitiesFor(ctx, op)
	params := tracer.CheckParams{Sender: op.Sender, EntryPoint: m.cfg.EntryPoint}
	var contracts []common.Address
	storageMap := make(map[common.Address]map[common.Hash]common.Hash)

	for i, entity := range entities {
		if i >= len(traceResult.Calls) {
			break
		}
		frame := traceResult.Calls[i]
		violations := tracer.CheckFrame(traceResult, frame, entity, params)
		if len(violations) > 0 {
			return nil, bundlererr.OpcodeValidation("%v", violations[0])
		}
		for addr := range frame.ContractSize {
			contracts = append(contracts, addr)
		}
		for addr, access := range frame.Access {
			m := storageMap[addr]
			if m == nil {
				m = make(map[common.Hash]common.Hash)
				storageMap[addr] = m
			}
			for slot, val := range access.Reads {
				m[slot] = val
			}
		}
	}

	codes := make([][]byte, 0, len(contracts))
	for _, addr := range contracts {
		code, err := m.node.CodeAt(ctx, addr)
		if err != nil {
			continue
		}
		codes = append(codes, code)
	}

	return &Result{Validation: vr, ReferencedContracts: contracts, ReferencedCode: codes, StorageMap: storageMap}, nil
}

func (m *Manager) entitiesFor(ctx context.Context, op *entrypoint.UserOperation) []tracer.Entity {
	var entities []tracer.Entity
	if factory, ok := op.Factory(); ok {
		entities = append(entities, tracer.Entity{Name: "factory", Address: factory, Staked: m.isStaked(ctx, factory)})
	}
	entities = append(entities, tracer.Entity{Name: "sender", Address: op.Sender, Staked: m.isStaked(ctx, op.Sender)})
	if paymaster, ok := op.Paymaster(); ok {
		entities = append(entities, tracer.Entity{Name: "paymaster", Address: paymaster, Staked: m.isStaked(ctx, paymaster)})
	}
	return entities
}

// isStaked reports whether addr currently meets the configured minimum
// stake and unstake delay, used to exempt staked entities from the
// associated-storage restriction on third-party slots. A lookup failure is
// treated as unstaked rather than fatal to validation.
func (m *Manager) isStaked(ctx context.Context, addr common.Address) bool {
	if m.reputation == nil {
		return false
	}
	status, err := m.reputation.GetStakeStatus(ctx, addr, m.cfg.EntryPoint, m.cfg.MinStake, m.cfg.MinUnstakeDelay)
	if err != nil {
		return false
	}
	return status.IsStaked
}

// PostCheck applies the post-simulation admission checks to a Result. now
// is injected by the caller so tests control time.
func (m *Manager) PostCheck(op *entrypoint.UserOperation, result *Result, now time.Time) error {
	ri := result.Validation.ReturnInfo
	if ri.SigFailed {
		return bundlererr.InvalidSignature("signature validation failed")
	}
	nowU := uint64(now.Unix())
	if ri.ValidAfter > nowU {
		return bundlererr.TimeRange("validAfter %d is in the future", ri.ValidAfter)
	}
	if ri.ValidUntil != 0 && ri.ValidUntil < nowU+uint64(minValidUntilSlack.Seconds()) {
		return bundlererr.TimeRange("validUntil %d expires within %s", ri.ValidUntil, minValidUntilSlack)
	}

	if result.Validation.HasAggregator {
		return bundlererr.UnsupportedAggregator("signature aggregators are not supported")
	}

	preOpGas := ri.PreOpGas
	preVerificationGas := op.PreVerificationGas
	verificationGasLimit := op.VerificationGasLimit
	slack := new(big.Int).Sub(preOpGas, preVerificationGas)
	slack.Sub(verificationGasLimit, slack)
	if slack.Cmp(big.NewInt(minVerificationGasSlack)) < 0 {
		return bundlererr.SimulateValidation("verificationGasLimit leaves insufficient slack: %s", slack)
	}

	return nil
}

// CheckFingerprint re-validates a previously-seen op: the keccak of the
// concatenated code of every referenced address must match what was
// recorded the first time this userOpHash was validated.
func (m *Manager) CheckFingerprint(userOpHash common.Hash, referencedCode [][]byte) error {
	fingerprint := fingerprintOf(referencedCode)

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.fingerprints[userOpHash]
	if !ok {
		m.fingerprints[userOpHash] = fingerprint
		return nil
	}
	if existing != fingerprint {
		return bundlererr.OpcodeValidation("referenced contract code changed since first validation")
	}
	return nil
}

// ForgetFingerprint drops a cached fingerprint, called when an op leaves
// the mempool.
func (m *Manager) ForgetFingerprint(userOpHash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fingerprints, userOpHash)
}

// ClearState drops every cached fingerprint.
func (m *Manager) ClearState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fingerprints = make(map[common.Hash]common.Hash)
}

func fingerprintOf(codes [][]byte) common.Hash {
	var joined []byte
	for _, c := range codes {
		joined = append(joined, c...)
	}
	return common.BytesToHash(crypto.Keccak256(joined))
}

// rpcDataError is satisfied by go-ethereum's rpc.jsonError, which carries
// the EVM revert payload alongside a plain error message.
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
