package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tokatoka/fuzzamoto/internal/compiler"
	"github.com/tokatoka/fuzzamoto/internal/executor"
	"github.com/tokatoka/fuzzamoto/internal/fuzz"
	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// Shape of the chain used when no context file is configured.
const (
	DefaultNodes       = 1
	DefaultConnections = 2
	DefaultBlocks      = 120
)

// LoadContext reads a context file. An empty path mines the default regtest
// chain instead.
func LoadContext(path string) (ir.Context, error) {
	if path == "" {
		return compiler.RegtestChain(DefaultNodes, DefaultConnections, DefaultBlocks)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ir.Context{}, fmt.Errorf("failed to read context: %w", err)
	}

	ctx, err := ir.UnmarshalContext(data)
	if err != nil {
		return ir.Context{}, fmt.Errorf("%s: %w", path, err)
	}

	return *ctx, nil
}

// LoadProgram reads an encoded program file.
func LoadProgram(path string) (*ir.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}

	p, err := ir.UnmarshalProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return p, nil
}

// BackendOptions selects and configures an execution backend.
type BackendOptions struct {
	Kind         string // "wire" or "remote"
	Agent        string // agent address for "remote"
	AgentCert    string // PEM certificate the agent serves, for "remote"
	CoverageMode string
	RoundTrip    bool // enable the re-encoding oracle for "wire"
	Timeout      time.Duration
}

// NewBackendFactory returns a factory creating one backend per worker.
func NewBackendFactory(ctx ir.Context, o BackendOptions) (fuzz.BackendFactory, error) {
	switch strings.ToLower(o.Kind) {
	case "", "wire":
		wo := executor.WireOptions{CoverageMode: o.CoverageMode}
		if o.RoundTrip {
			wo.Oracles = append(wo.Oracles, executor.RoundTripOracle)
		}

		return func(int) (executor.Backend, error) {
			return executor.NewWireBackend(ctx, wo), nil
		}, nil
	case "remote":
		if o.Agent == "" {
			return nil, fmt.Errorf("remote backend needs an agent address")
		}

		timeout := o.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		if o.AgentCert == "" {
			return nil, fmt.Errorf("remote backend needs the agent certificate")
		}

		certPEM, err := os.ReadFile(o.AgentCert)
		if err != nil {
			return nil, err
		}

		tlsCfg, err := executor.PinnedClientConfig(certPEM)
		if err != nil {
			return nil, err
		}

		return func(int) (executor.Backend, error) {
			return executor.NewRemoteBackend(o.Agent, tlsCfg, timeout), nil
		}, nil
	}

	return nil, fmt.Errorf("unknown backend %q (wire|remote)", o.Kind)
}
