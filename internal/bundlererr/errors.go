// Package bundlererr defines the bundler's closed JSON-RPC error
// taxonomy, structured the way go-ethereum/rpc represents
// a jsonError: a Code/Message pair plus an optional Data payload, so the
// bundlerrpc server can marshal it straight onto the wire.
package bundlererr

import "fmt"

// Code is one of the bundler-specific JSON-RPC error codes.
type Code int

const (
	CodeMethodNotSupported     Code = -32601
	CodeInvalidFields          Code = -32602
	CodeSimulateValidation     Code = -32500
	CodePaymasterSimulation    Code = -32501
	CodeOpcodeValidation       Code = -32502
	CodeTimeRange              Code = -32503
	CodeReputation             Code = -32504
	CodeInsufficientStake      Code = -32505
	CodeUnsupportedAggregator  Code = -32506
	CodeInvalidSignature       Code = -32507
	CodeUserOpReverted         Code = -32521
)

// Error is the bundler's concrete JSON-RPC error type. It implements
// go-ethereum/rpc's Error interface (ErrorCode() int) so it can pass
// straight through rpc.Server's error encoding path.
type Error struct {
	Code    Code
	Message string
	Data    any
}

func (e *Error) Error() string { return e.Message }

// ErrorCode satisfies go-ethereum/rpc.Error.
func (e *Error) ErrorCode() int { return int(e.Code) }

// ErrorData satisfies go-ethereum/rpc.DataError, when Data is set.
func (e *Error) ErrorData() any { return e.Data }

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func MethodNotSupported(method string) *Error {
	return newf(CodeMethodNotSupported, "method not supported: %s", method)
}

func InvalidFields(format string, args ...any) *Error {
	return newf(CodeInvalidFields, format, args...)
}

func SimulateValidation(format string, args ...any) *Error {
	return newf(CodeSimulateValidation, format, args...)
}

func PaymasterSimulation(format string, args ...any) *Error {
	return newf(CodePaymasterSimulation, format, args...)
}

func OpcodeValidation(format string, args ...any) *Error {
	return newf(CodeOpcodeValidation, format, args...)
}

func TimeRange(format string, args ...any) *Error {
	return newf(CodeTimeRange, format, args...)
}

func Banned(format string, args ...any) *Error {
	return newf(CodeReputation, format, args...)
}

func Throttled(format string, args ...any) *Error {
	return newf(CodeReputation, format, args...)
}

func InsufficientStake(format string, args ...any) *Error {
	return newf(CodeInsufficientStake, format, args...)
}

func UnsupportedAggregator(format string, args ...any) *Error {
	return newf(CodeUnsupportedAggregator, format, args...)
}

func InvalidSignature(format string, args ...any) *Error {
	return newf(CodeInvalidSignature, format, args...)
}

func UserOpReverted(data any, format string, args ...any) *Error {
	e := newf(CodeUserOpReverted, format, args...)
	e.Data = data
	return e
}
