// Package entrypoint defines the ERC-4337 UserOperation data model and the
// pure functions that derive its canonical hash and its "entities"
// (sender/factory/paymaster/aggregator), mirroring the struct shape of
// EntryPoint.simulateValidation's ABI without requiring a live connection.
package entrypoint

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the canonical, decoded representation of an ERC-4337
// pseudo-transaction. Wire (hex-string) UserOperations are converted to and
// from this type at the JSON-RPC boundary only; nothing downstream of the
// Validation Manager touches the hex form.
type UserOperation struct {
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

// wireUserOperation is the JSON-RPC wire shape: every numeric field is a hex
// string and byte fields are 0x-prefixed hexutil.Bytes, exactly as
// eth_sendUserOperation's first parameter arrives over the wire.
type wireUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// UnmarshalJSON decodes a wire UserOperation into the canonical form.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var w wireUserOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode UserOperation: %w", err)
	}
	*op = UserOperation{
		Sender:               w.Sender,
		InitCode:             []byte(w.InitCode),
		CallData:             []byte(w.CallData),
		PaymasterAndData:     []byte(w.PaymasterAndData),
		Signature:            []byte(w.Signature),
	}
	op.Nonce = bigOrZero(w.Nonce)
	op.CallGasLimit = bigOrZero(w.CallGasLimit)
	op.VerificationGasLimit = bigOrZero(w.VerificationGasLimit)
	op.PreVerificationGas = bigOrZero(w.PreVerificationGas)
	op.MaxFeePerGas = bigOrZero(w.MaxFeePerGas)
	op.MaxPriorityFeePerGas = bigOrZero(w.MaxPriorityFeePerGas)
	return nil
}

// MarshalJSON re-hexlifies the UserOperation for display/RPC echo (the
// deepHexlify boundary converter; never used to persist
// state internally).
func (op UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireUserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func bigOrZero(b *hexutil.Big) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return (*big.Int)(b)
}

// Factory returns the first 20 bytes of InitCode as the deployer address,
// or false if InitCode is shorter than an address.
func (op *UserOperation) Factory() (common.Address, bool) {
	return addressPrefix(op.InitCode)
}

// Paymaster returns the first 20 bytes of PaymasterAndData as the paymaster
// address, or false if the field is shorter than an address.
func (op *UserOperation) Paymaster() (common.Address, bool) {
	return addressPrefix(op.PaymasterAndData)
}

func addressPrefix(b []byte) (common.Address, bool) {
	if len(b) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(b[:common.AddressLength]), true
}

// Hash computes the canonical userOpHash: keccak256(abi.encode(packed)) then
// keccak256(encode(innerHash, entryPoint, chainID)), per EntryPoint.getUserOpHash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := op.packForHash()
	inner := crypto.Keccak256(packed)

	outer := make([]byte, 0, 96)
	outer = append(outer, inner...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, common.LeftPadBytes(chainID.Bytes(), 32)...)
	return common.BytesToHash(crypto.Keccak256(outer))
}

// packForHash mirrors the EntryPoint's abi.encode of
// (sender, nonce, keccak256(initCode), keccak256(callData), callGasLimit,
// verificationGasLimit, preVerificationGas, maxFeePerGas,
// maxPriorityFeePerGas, keccak256(paymasterAndData)).
func (op *UserOperation) packForHash() []byte {
	buf := make([]byte, 0, 320)
	buf = append(buf, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	buf = append(buf, uint256Bytes32(op.Nonce)...)
	buf = append(buf, crypto.Keccak256(op.InitCode)...)
	buf = append(buf, crypto.Keccak256(op.CallData)...)
	buf = append(buf, uint256Bytes32(op.CallGasLimit)...)
	buf = append(buf, uint256Bytes32(op.VerificationGasLimit)...)
	buf = append(buf, uint256Bytes32(op.PreVerificationGas)...)
	buf = append(buf, uint256Bytes32(op.MaxFeePerGas)...)
	buf = append(buf, uint256Bytes32(op.MaxPriorityFeePerGas)...)
	buf = append(buf, crypto.Keccak256(op.PaymasterAndData)...)
	return buf
}

func uint256Bytes32(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// Prefund is the maximum wei the sender (or paymaster, if one is present)
// must have deposited to cover this operation's worst-case gas cost.
func (op *UserOperation) Prefund() *big.Int {
	total := new(big.Int).Add(op.VerificationGasLimit, op.CallGasLimit)
	total.Add(total, op.PreVerificationGas)
	return new(big.Int).Mul(total, op.MaxFeePerGas)
}
