package entrypoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// entryPointABIJSON is the minimal EntryPoint ABI surface the bundler needs:
// simulateValidation (reverts with ValidationResult or FailedOp),
// handleOps, balanceOf, and getDepositInfo. Kept as one literal program
// string, the same way the tracer program is kept as a single source of
// truth.
const entryPointABIJSON = `[
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[
		{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},
		{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},
		{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},
		{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[]},
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[{"name":"ops","type":"tuple[]","components":[
		{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},
		{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},
		{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},
		{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]},{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getDepositInfo","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"tuple","components":[
		{"name":"deposit","type":"uint112"},{"name":"staked","type":"bool"},{"name":"stake","type":"uint112"},
		{"name":"unstakeDelaySec","type":"uint32"},{"name":"withdrawTime","type":"uint48"}]}]},
	{"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[{"name":"userOp","type":"tuple","components":[
		{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},
		{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},
		{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},
		{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"error","name":"FailedOp","inputs":[{"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]},
	{"type":"error","name":"ValidationResult","inputs":[
		{"name":"returnInfo","type":"tuple","components":[
			{"name":"preOpGas","type":"uint256"},{"name":"prefund","type":"uint256"},{"name":"sigFailed","type":"bool"},
			{"name":"validAfter","type":"uint48"},{"name":"validUntil","type":"uint48"},{"name":"paymasterContext","type":"bytes"}]},
		{"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
		{"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
		{"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}
	]},
	{"type":"event","name":"UserOperationEvent","inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},
		{"name":"paymaster","type":"address","indexed":true},{"name":"nonce","type":"uint256","indexed":false},
		{"name":"success","type":"bool","indexed":false},{"name":"actualGasCost","type":"uint256","indexed":false},
		{"name":"actualGasUsed","type":"uint256","indexed":false}]},
	{"type":"event","name":"AccountDeployed","inputs":[
		{"name":"userOpHash","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},
		{"name":"factory","type":"address","indexed":false},{"name":"paymaster","type":"address","indexed":false}]},
	{"type":"event","name":"SignatureAggregatorForUserOperations","inputs":[
		{"name":"aggregator","type":"address","indexed":false}]},
	{"type":"event","name":"BeforeExecution","inputs":[]}
]`

// ABI is the parsed EntryPoint ABI, built once at package init.
var ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Sprintf("entrypoint: invalid embedded ABI: %v", err))
	}
	ABI = parsed
}

// Event signature hashes, precomputed for log-topic matching in the Events
// Manager.
var (
	UserOperationEventTopic                    = ABI.Events["UserOperationEvent"].ID
	AccountDeployedTopic                       = ABI.Events["AccountDeployed"].ID
	SignatureAggregatorForUserOperationsTopic  = ABI.Events["SignatureAggregatorForUserOperations"].ID
)

// ReturnInfo is EntryPoint's IEntryPoint.ReturnInfo, decoded from a reverted
// ValidationResult.
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       uint64
	ValidUntil       uint64
	PaymasterContext []byte
}

// StakeInfo is EntryPoint's IStakeManager.StakeInfo as embedded in a
// ValidationResult (distinct from the richer DepositInfo returned by
// getDepositInfo).
type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// ValidationResult is the decoded revert payload of a successful
// simulateValidation call.
type ValidationResult struct {
	ReturnInfo    ReturnInfo
	SenderInfo    StakeInfo
	FactoryInfo   StakeInfo
	PaymasterInfo StakeInfo
	HasAggregator bool
}

// FailedOp is the decoded revert payload when simulateValidation or
// handleOps rejects a specific operation outright.
type FailedOp struct {
	OpIndex *big.Int
	Reason  string
}

// DepositInfo is the decoded result of EntryPoint.getDepositInfo, the
// read path backing the Reputation Manager's stake checks.
type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    uint64
}

// ErrNotValidationResult/ErrNotFailedOp are returned when revert data
// doesn't match the expected custom error selector.
var (
	ErrNotValidationResult = errors.New("entrypoint: revert data is not ValidationResult")
	ErrNotFailedOp         = errors.New("entrypoint: revert data is not FailedOp")
)

// EncodeSimulateValidation ABI-encodes a simulateValidation call for
// eth_call/debug_traceCall.
func EncodeSimulateValidation(op *UserOperation) ([]byte, error) {
	return ABI.Pack("simulateValidation", userOpTuple(op))
}

// EncodeHandleOps ABI-encodes a handleOps call for the bundle transaction.
func EncodeHandleOps(ops []*UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]userOpTupleType, len(ops))
	for i, op := range ops {
		tuples[i] = userOpTuple(op)
	}
	return ABI.Pack("handleOps", tuples, beneficiary)
}

// EncodeBalanceOf ABI-encodes a balanceOf(address) call.
func EncodeBalanceOf(account common.Address) ([]byte, error) {
	return ABI.Pack("balanceOf", account)
}

// EncodeGetDepositInfo ABI-encodes a getDepositInfo(address) call.
func EncodeGetDepositInfo(account common.Address) ([]byte, error) {
	return ABI.Pack("getDepositInfo", account)
}

// userOpTupleType mirrors the ABI tuple field order/types exactly; go-ethereum's
// abi.Pack maps struct fields positionally against the ABI component list.
type userOpTupleType struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func userOpTuple(op *UserOperation) userOpTupleType {
	return userOpTupleType{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// DecodeRevert inspects revert data's 4-byte selector and dispatches to the
// matching decoder, covering the two shapes simulateValidation can revert
// with.
func DecodeRevert(data []byte) (*ValidationResult, *FailedOp, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("entrypoint: revert data too short (%d bytes)", len(data))
	}
	selector := data[:4]

	if vrErr, ok := ABI.Errors["ValidationResult"]; ok && selectorMatches(vrErr.ID, selector) {
		vr, err := decodeValidationResult(data[4:])
		return vr, nil, err
	}
	if foErr, ok := ABI.Errors["FailedOp"]; ok && selectorMatches(foErr.ID, selector) {
		fo, err := decodeFailedOp(data[4:])
		return nil, fo, err
	}
	return nil, nil, fmt.Errorf("entrypoint: unrecognized revert selector %x", selector)
}

func selectorMatches(id common.Hash, selector []byte) bool {
	return len(selector) == 4 && string(id[:4]) == string(selector)
}

func decodeValidationResult(data []byte) (*ValidationResult, error) {
	args := ABI.Errors["ValidationResult"].Inputs
	values, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotValidationResult, err)
	}
	if len(values) != 4 {
		return nil, ErrNotValidationResult
	}

	riRaw := values[0].(struct {
		PreOpGas         *big.Int `json:"preOpGas"`
		Prefund          *big.Int `json:"prefund"`
		SigFailed        bool     `json:"sigFailed"`
		ValidAfter       *big.Int `json:"validAfter"`
		ValidUntil       *big.Int `json:"validUntil"`
		PaymasterContext []byte   `json:"paymasterContext"`
	})
	senderRaw := values[1].(struct {
		Stake           *big.Int `json:"stake"`
		UnstakeDelaySec *big.Int `json:"unstakeDelaySec"`
	})
	factoryRaw := values[2].(struct {
		Stake           *big.Int `json:"stake"`
		UnstakeDelaySec *big.Int `json:"unstakeDelaySec"`
	})
	paymasterRaw := values[3].(struct {
		Stake           *big.Int `json:"stake"`
		UnstakeDelaySec *big.Int `json:"unstakeDelaySec"`
	})

	return &ValidationResult{
		ReturnInfo: ReturnInfo{
			PreOpGas:         riRaw.PreOpGas,
			Prefund:          riRaw.Prefund,
			SigFailed:        riRaw.SigFailed,
			ValidAfter:       riRaw.ValidAfter.Uint64(),
			ValidUntil:       riRaw.ValidUntil.Uint64(),
			PaymasterContext: riRaw.PaymasterContext,
		},
		SenderInfo:    StakeInfo{Stake: senderRaw.Stake, UnstakeDelaySec: senderRaw.UnstakeDelaySec},
		FactoryInfo:   StakeInfo{Stake: factoryRaw.Stake, UnstakeDelaySec: factoryRaw.UnstakeDelaySec},
		PaymasterInfo: StakeInfo{Stake: paymasterRaw.Stake, UnstakeDelaySec: paymasterRaw.UnstakeDelaySec},
	}, nil
}

func decodeFailedOp(data []byte) (*FailedOp, error) {
	args := ABI.Errors["FailedOp"].Inputs
	values, err := args.Unpack(data)
	if err != nil || len(values) != 2 {
		return nil, fmt.Errorf("%w: %v", ErrNotFailedOp, err)
	}
	return &FailedOp{
		OpIndex: values[0].(*big.Int),
		Reason:  values[1].(string),
	}, nil
}

// DecodeDepositInfo unpacks the result of getDepositInfo.
func DecodeDepositInfo(data []byte) (*DepositInfo, error) {
	values, err := ABI.Methods["getDepositInfo"].Outputs.Unpack(data)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("entrypoint: decode getDepositInfo: %w", err)
	}
	raw := values[0].(struct {
		Deposit         *big.Int `json:"deposit"`
		Staked          bool     `json:"staked"`
		Stake           *big.Int `json:"stake"`
		UnstakeDelaySec uint32   `json:"unstakeDelaySec"`
		WithdrawTime    *big.Int `json:"withdrawTime"`
	})
	return &DepositInfo{
		Deposit:         raw.Deposit,
		Staked:          raw.Staked,
		Stake:           raw.Stake,
		UnstakeDelaySec: raw.UnstakeDelaySec,
		WithdrawTime:    raw.WithdrawTime.Uint64(),
	}, nil
}

// DecodeBalanceOf unpacks the result of balanceOf.
func DecodeBalanceOf(data []byte) (*big.Int, error) {
	values, err := ABI.Methods["balanceOf"].Outputs.Unpack(data)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("entrypoint: decode balanceOf: %w", err)
	}
	return values[0].(*big.Int), nil
}

// Blame names the entity a FailedOp.Reason prefix points at, as returned by
// FailedOp.Classify.
type Blame int

const (
	BlameNone Blame = iota
	BlameFactory
	BlameSender
	BlamePaymaster
)

// Classify inspects the AAxx reason prefix convention used by EntryPoint
// revert strings ("AA1*" factory, "AA2*" sender, "AA3*" paymaster).
func (f *FailedOp) Classify() Blame {
	if len(f.Reason) < 3 {
		return BlameNone
	}
	switch f.Reason[:2] {
	case "AA":
		switch f.Reason[2] {
		case '1':
			return BlameFactory
		case '2':
			return BlameSender
		case '3':
			return BlamePaymaster
		}
	}
	return BlameNone
}

// UserOpHashViaContract computes keccak256 in the same way as
// EntryPoint.getUserOpHash for parity testing against the on-chain path;
// production code uses UserOperation.Hash directly.
func UserOpHashViaContract(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	return op.Hash(entryPoint, chainID)
}
