package entrypoint

import (
	"math/big"
)

// GasConfig parameterizes calcPreVerificationGas.
type GasConfig struct {
	Fixed         uint64
	PerUserOp     uint64
	PerUserOpWord uint64
	ZeroByte      uint64
	NonZeroByte   uint64
	BundleSize    uint64
	SigSize       int
}

// DefaultGasConfig holds the bundler's default per-byte/per-op gas constants.
func DefaultGasConfig() GasConfig {
	return GasConfig{
		Fixed:         21000,
		PerUserOp:     18300,
		PerUserOpWord: 4,
		ZeroByte:      4,
		NonZeroByte:   16,
		BundleSize:    1,
		SigSize:       65,
	}
}

// CalcPreVerificationGas computes the deterministic preVerificationGas floor
// for a UserOperation: calldata cost of the packed op (with Signature padded
// to SigSize zero bytes, since the real signature isn't known at estimation
// time) plus fixed/bundle overhead plus a per-word charge.
func CalcPreVerificationGas(op *UserOperation, cfg GasConfig) uint64 {
	packed := op.packForGasEstimate(cfg.SigSize)

	var callDataCost uint64
	for _, b := range packed {
		if b == 0 {
			callDataCost += cfg.ZeroByte
		} else {
			callDataCost += cfg.NonZeroByte
		}
	}

	words := (uint64(len(packed)) + 31) / 32

	bundleSize := cfg.BundleSize
	if bundleSize == 0 {
		bundleSize = 1
	}
	total := callDataCost + cfg.Fixed/bundleSize + cfg.PerUserOp + cfg.PerUserOpWord*words
	return total
}

// packForGasEstimate serializes the UserOperation's variable-length fields
// plus a padded signature placeholder, approximating the calldata the
// bundler's handleOps transaction will actually carry.
func (op *UserOperation) packForGasEstimate(sigSize int) []byte {
	var buf []byte
	buf = append(buf, op.Sender.Bytes()...)
	buf = append(buf, uint256Bytes32(op.Nonce)...)
	buf = append(buf, op.InitCode...)
	buf = append(buf, op.CallData...)
	buf = append(buf, uint256Bytes32(op.CallGasLimit)...)
	buf = append(buf, uint256Bytes32(op.VerificationGasLimit)...)
	buf = append(buf, uint256Bytes32(op.PreVerificationGas)...)
	buf = append(buf, uint256Bytes32(op.MaxFeePerGas)...)
	buf = append(buf, uint256Bytes32(op.MaxPriorityFeePerGas)...)
	buf = append(buf, op.PaymasterAndData...)
	buf = append(buf, make([]byte, sigSize)...)
	return buf
}

// MeetsPreVerificationGasFloor reports whether the UserOperation's declared
// PreVerificationGas is at least the deterministic floor.
func MeetsPreVerificationGasFloor(op *UserOperation, cfg GasConfig) bool {
	if op.PreVerificationGas == nil {
		return false
	}
	floor := new(big.Int).SetUint64(CalcPreVerificationGas(op, cfg))
	return op.PreVerificationGas.Cmp(floor) >= 0
}
