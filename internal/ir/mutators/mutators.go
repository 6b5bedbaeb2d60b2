// Package mutators rewrites valid programs into other valid programs.
//
// Every mutator works on a copy and replays the result through ir.Builder
// before replacing the caller's program, so a failed mutation leaves the
// input untouched.
package mutators

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
)

var (
	// ErrNoMutationsAvailable is the routine "nothing to mutate" outcome.
	ErrNoMutationsAvailable = errors.New("no mutations available")
	// ErrCreatedInvalidProgram reports a candidate rejected by the builder.
	ErrCreatedInvalidProgram = errors.New("mutation created an invalid program")
)

// Mutator changes a program in place.
type Mutator interface {
	Mutate(p *ir.Program, r *rand.Rand) error
	Name() string
}

// Splicer is a Mutator that can merge a donor program into its host.
type Splicer interface {
	Mutator
	Splice(p, donor *ir.Program, r *rand.Rand) error
}

// commit validates instrs against p's context and installs them in p.
func commit(p *ir.Program, instrs []ir.Instruction) error {
	b := ir.NewBuilder(p.Context)
	if err := b.AppendAll(instrs); err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	out, err := b.Finalize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
	}

	p.Instructions = out.Instructions

	return nil
}

// InputMutator rewires one input of a random instruction to a different
// in-scope variable of the same type.
type InputMutator struct{}

func (InputMutator) Name() string { return "InputMutator" }

func (InputMutator) Mutate(p *ir.Program, r *rand.Rand) error {
	var candidates []int
	for i := range p.Instructions {
		if p.Instructions[i].Op.IsInputMutable() && len(p.Instructions[i].Inputs) > 0 {
			candidates = append(candidates, i)
		}
	}

	r.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, idx := range candidates {
		b, err := ir.BuilderFromProgram(ir.NewProgram(p.Context, p.Instructions[:idx]))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCreatedInvalidProgram, err)
		}

		instr := p.Instructions[idx]
		slot := r.Intn(len(instr.Inputs))
		cur, _ := b.Variable(instr.Inputs[slot])

		var alternatives []ir.IndexedVariable
		for _, v := range b.AllVariables(cur.Type) {
			if v.Index != cur.Index {
				alternatives = append(alternatives, v)
			}
		}

		if len(alternatives) == 0 {
			continue
		}

		instrs := cloneInstructions(p.Instructions)
		instrs[idx].Inputs[slot] = alternatives[r.Intn(len(alternatives))].Index

		return commit(p, instrs)
	}

	return ErrNoMutationsAvailable
}

// GenerateMutator inserts the output of a random generator at a random
// matching insertion point.
type GenerateMutator struct {
	Generators []generators.Generator
	// Attempts bounds how many generators are tried before giving up.
	Attempts int
}

func (GenerateMutator) Name() string { return "GenerateMutator" }

func (m GenerateMutator) Mutate(p *ir.Program, r *rand.Rand) error {
	if len(m.Generators) == 0 {
		return ErrNoMutationsAvailable
	}

	attempts := m.Attempts
	if attempts <= 0 {
		attempts = 8
	}

	for i := 0; i < attempts; i++ {
		g := m.Generators[r.Intn(len(m.Generators))]

		err := generators.Insert(p, g, r)
		if err == nil {
			return nil
		}

		if !errors.Is(err, generators.ErrDeclined) {
			return fmt.Errorf("%w: %s: %v", ErrCreatedInvalidProgram, g.Name(), err)
		}
	}

	return ErrNoMutationsAvailable
}

func cloneInstructions(in []ir.Instruction) []ir.Instruction {
	return ir.NewProgram(ir.Context{}, in).Clone().Instructions
}
