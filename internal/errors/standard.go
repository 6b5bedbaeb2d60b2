// Package errors provides standardized error values for the fuzzamoto IR tooling.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation      ErrorCategory = "VALIDATION"
	CategoryScope           ErrorCategory = "SCOPE"
	CategoryBounds          ErrorCategory = "BOUNDS"
	CategoryContextMismatch ErrorCategory = "CONTEXT_MISMATCH"
	CategoryDecode          ErrorCategory = "DECODE"
	CategoryCodec           ErrorCategory = "CODEC"
	CategoryBackend         ErrorCategory = "BACKEND"
	CategorySystem          ErrorCategory = "SYSTEM"
)

// Error codes produced by the builder, codecs and compiler.
const (
	CodeVariableNotDefined   = "VARIABLE_NOT_DEFINED"
	CodeVariableOutOfScope   = "VARIABLE_OUT_OF_SCOPE"
	CodeInvalidVariableType  = "INVALID_VARIABLE_TYPE"
	CodeInvalidNumberOfInput = "INVALID_NUMBER_OF_INPUTS"
	CodeInvalidBlockEnd      = "INVALID_BLOCK_END"
	CodeScopeStillOpen       = "SCOPE_STILL_OPEN"
	CodeNodeNotFound         = "NODE_NOT_FOUND"
	CodeConnectionNotFound   = "CONNECTION_NOT_FOUND"
	CodeInvalidConnType      = "INVALID_CONNECTION_TYPE"
	CodeTxoNotAvailable      = "TXO_NOT_AVAILABLE"
	CodeHeaderNotAvailable   = "HEADER_NOT_AVAILABLE"
	CodeInvalidLiteral       = "INVALID_LITERAL"
	CodeContextMismatch      = "CONTEXT_MISMATCH"
	CodeMalformedInput       = "MALFORMED_INPUT"
	CodeUnsupportedVersion   = "UNSUPPORTED_VERSION"
	CodeEncodingFailed       = "ENCODING_FAILED"
	CodeCompileFailed        = "COMPILE_FAILED"
	CodeExecutionFailed      = "EXECUTION_FAILED"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.Err }

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// HasCode reports whether err or anything it wraps is a StandardError with
// the given code. Nested StandardErrors are all inspected.
func HasCode(err error, code string) bool {
	for err != nil {
		var se *StandardError
		if !stderrors.As(err, &se) {
			return false
		}

		if se.Code == code {
			return true
		}

		err = se.Err
	}

	return false
}

// CategoryOf returns the category of the first StandardError in err's chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var se *StandardError
	if !stderrors.As(err, &se) {
		return "", false
	}

	return se.Category, true
}

// Builder errors

func VariableNotDefined(index, count int) *StandardError {
	return NewStandardError(CategoryValidation, CodeVariableNotDefined,
		fmt.Sprintf("Variable v%d is not defined (%d variables)", index, count),
		map[string]interface{}{"index": index, "count": count})
}

func VariableOutOfScope(index int) *StandardError {
	return NewStandardError(CategoryScope, CodeVariableOutOfScope,
		fmt.Sprintf("Variable v%d is not in scope", index),
		map[string]interface{}{"index": index})
}

func InvalidVariableType(index int, is, expected string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidVariableType,
		fmt.Sprintf("Variable v%d has type %s, expected %s", index, is, expected),
		map[string]interface{}{"index": index, "is": is, "expected": expected})
}

func InvalidNumberOfInputs(op string, is, expected int) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidNumberOfInput,
		fmt.Sprintf("%s takes %d inputs, got %d", op, expected, is),
		map[string]interface{}{"op": op, "is": is, "expected": expected})
}

func InvalidBlockEnd(op string) *StandardError {
	return NewStandardError(CategoryScope, CodeInvalidBlockEnd,
		fmt.Sprintf("%s does not close the innermost open block", op),
		map[string]interface{}{"op": op})
}

func ScopeStillOpen(open int) *StandardError {
	return NewStandardError(CategoryScope, CodeScopeStillOpen,
		fmt.Sprintf("%d block(s) still open", open),
		map[string]interface{}{"open": open})
}

func NodeNotFound(index uint64, nodes int) *StandardError {
	return NewStandardError(CategoryBounds, CodeNodeNotFound,
		fmt.Sprintf("Node %d out of bounds for %d nodes", index, nodes),
		map[string]interface{}{"index": index, "nodes": nodes})
}

func ConnectionNotFound(index uint64, connections int) *StandardError {
	return NewStandardError(CategoryBounds, CodeConnectionNotFound,
		fmt.Sprintf("Connection %d out of bounds for %d connections", index, connections),
		map[string]interface{}{"index": index, "connections": connections})
}

func InvalidConnectionType(connType string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidConnType,
		fmt.Sprintf("Invalid connection type %q", connType),
		map[string]interface{}{"type": connType})
}

func TxoNotAvailable(txid string, vout uint32) *StandardError {
	return NewStandardError(CategoryBounds, CodeTxoNotAvailable,
		fmt.Sprintf("Txo %s:%d is not available in the context", txid, vout),
		map[string]interface{}{"txid": txid, "vout": vout})
}

func HeaderNotAvailable(height uint32) *StandardError {
	return NewStandardError(CategoryBounds, CodeHeaderNotAvailable,
		fmt.Sprintf("Header at height %d is not available in the context", height),
		map[string]interface{}{"height": height})
}

func InvalidLiteral(op, details string) *StandardError {
	return NewStandardError(CategoryValidation, CodeInvalidLiteral,
		fmt.Sprintf("Invalid literal for %s: %s", op, details),
		map[string]interface{}{"op": op, "details": details})
}

// Compiler and codec errors

func ContextMismatch(instr int, reason string) *StandardError {
	return NewStandardError(CategoryContextMismatch, CodeContextMismatch,
		fmt.Sprintf("Instruction %d does not fit the target context: %s", instr, reason),
		map[string]interface{}{"instruction": instr, "reason": reason})
}

func MalformedInput(what string, err error) *StandardError {
	e := NewStandardError(CategoryDecode, CodeMalformedInput,
		fmt.Sprintf("Malformed %s", what),
		map[string]interface{}{"what": what})
	e.Err = err

	return e
}

func UnsupportedVersion(what, version, constraint string) *StandardError {
	return NewStandardError(CategoryDecode, CodeUnsupportedVersion,
		fmt.Sprintf("Unsupported %s format version %s (want %s)", what, version, constraint),
		map[string]interface{}{"what": what, "version": version, "constraint": constraint})
}

func EncodingFailed(what string, err error) *StandardError {
	e := NewStandardError(CategoryCodec, CodeEncodingFailed,
		fmt.Sprintf("Failed to encode %s", what),
		map[string]interface{}{"what": what})
	e.Err = err

	return e
}

func CompileFailed(instr int, op string, err error) *StandardError {
	e := NewStandardError(CategoryCodec, CodeCompileFailed,
		fmt.Sprintf("Instruction %d (%s) could not be compiled", instr, op),
		map[string]interface{}{"instruction": instr, "op": op})
	e.Err = err

	return e
}

func ExecutionFailed(backend string, err error) *StandardError {
	e := NewStandardError(CategoryBackend, CodeExecutionFailed,
		fmt.Sprintf("Backend %s failed", backend),
		map[string]interface{}{"backend": backend})
	e.Err = err

	return e
}
