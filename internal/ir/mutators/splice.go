package mutators

import (
	"fmt"
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// rebind rewrites the context-bound literals of donor so that they are valid
// against host. Node and connection indices are taken modulo the host bounds;
// outputs and headers the host does not know are replaced by host ones. It
// fails when the host has nothing to rebind to.
func rebind(donor *ir.Program, host *ir.Context, r *rand.Rand) (*ir.Program, error) {
	out := donor.Clone()
	out.Context = host.Clone()

	for i := range out.Instructions {
		op := &out.Instructions[i].Op
		switch op.Kind {
		case ir.OpLoadNode:
			if host.Nodes == 0 {
				return nil, fmt.Errorf("%w: host has no nodes", ErrCreatedInvalidProgram)
			}

			op.Int %= uint64(host.Nodes)
		case ir.OpLoadConnection:
			if host.Connections == 0 {
				return nil, fmt.Errorf("%w: host has no connections", ErrCreatedInvalidProgram)
			}

			op.Int %= uint64(host.Connections)
		case ir.OpLoadTxo:
			if host.HasTxo(op.Txo) {
				continue
			}

			if len(host.Txos) == 0 {
				return nil, fmt.Errorf("%w: host has no txos", ErrCreatedInvalidProgram)
			}

			*op = ir.LoadTxo(host.Txos[r.Intn(len(host.Txos))])
		case ir.OpLoadHeader:
			if host.HasHeader(op.Header) {
				continue
			}

			if len(host.Headers) == 0 {
				return nil, fmt.Errorf("%w: host has no headers", ErrCreatedInvalidProgram)
			}

			*op = ir.LoadHeader(host.Headers[r.Intn(len(host.Headers))])
		}
	}

	return out, nil
}

// CombineMutator splices a donor program into the host at a random global
// insertion point, renumbering the donor and the host suffix.
type CombineMutator struct{}

func (CombineMutator) Name() string { return "CombineMutator" }

// Mutate splices p with a copy of itself.
func (m CombineMutator) Mutate(p *ir.Program, r *rand.Rand) error {
	return m.Splice(p, p.Clone(), r)
}

func (CombineMutator) Splice(p, donor *ir.Program, r *rand.Rand) error {
	if len(donor.Instructions) == 0 {
		return ErrNoMutationsAvailable
	}

	idx, ok := p.RandomInstructionIndex(r, ir.ContextGlobal)
	if !ok {
		return ErrNoMutationsAvailable
	}

	d, err := rebind(donor, &p.Context, r)
	if err != nil {
		return err
	}

	b := ir.NewBuilder(p.Context)
	if err := b.AppendAll(p.Instructions[:idx]); err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	before := b.VariableCount()
	if err := b.AppendProgram(d, 0, before); err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	suffix := ir.NewProgram(p.Context, p.Instructions[idx:])
	if err := b.AppendProgram(suffix, before, b.VariableCount()-before); err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	out, err := b.Finalize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	p.Instructions = out.Instructions

	return nil
}

// ConcatMutator appends a donor program after the host.
type ConcatMutator struct{}

func (ConcatMutator) Name() string { return "ConcatMutator" }

// Mutate appends a copy of p to itself.
func (m ConcatMutator) Mutate(p *ir.Program, r *rand.Rand) error {
	return m.Splice(p, p.Clone(), r)
}

func (ConcatMutator) Splice(p, donor *ir.Program, r *rand.Rand) error {
	if len(donor.Instructions) == 0 {
		return ErrNoMutationsAvailable
	}

	d, err := rebind(donor, &p.Context, r)
	if err != nil {
		return err
	}

	b, err := ir.BuilderFromProgram(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	if err := b.AppendProgram(d, 0, b.VariableCount()); err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	out, err := b.Finalize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	p.Instructions = out.Instructions

	return nil
}
