// Package executor runs compiled action sequences against a target.
//
// A Backend consumes the actions produced by the compiler and reports a
// Result with a verdict and the coverage features it observed. The package
// ships an in-process backend that decodes every message with the btcd wire
// codec and an HTTP/3 client for backends served by a remote agent.
package executor

import (
	"context"
	"fmt"

	"github.com/tokatoka/fuzzamoto/internal/compiler"
)

// Verdict classifies one execution.
type Verdict uint8

const (
	VerdictOk Verdict = iota
	VerdictCrash
	VerdictTimeout
)

func (v Verdict) String() string {
	switch v {
	case VerdictOk:
		return "ok"
	case VerdictCrash:
		return "crash"
	case VerdictTimeout:
		return "timeout"
	}

	return fmt.Sprintf("Verdict(%d)", uint8(v))
}

// Result is the outcome of executing one action sequence.
type Result struct {
	Verdict Verdict `json:"verdict"`
	// Reason describes a crash; it is stable across reruns of the same input.
	Reason   string   `json:"reason,omitempty"`
	Features []uint64 `json:"features,omitempty"`
	// Executed counts actions processed before the run ended.
	Executed int `json:"executed"`
}

// Backend executes action sequences. Implementations are not required to be
// safe for concurrent use; the scheduler gives every worker its own backend.
type Backend interface {
	Execute(ctx context.Context, actions []compiler.Action) (*Result, error)
	Close() error
}

// Same reports whether two results describe the same finding.
func Same(a, b *Result) bool {
	return a != nil && b != nil && a.Verdict == b.Verdict && a.Reason == b.Reason
}
