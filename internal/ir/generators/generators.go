// Package generators grows programs by appending semantically meaningful
// instruction sequences through an ir.Builder.
//
// A generator either appends a complete, well-scoped sequence or declines
// with an error wrapping ErrDeclined. Declines are routine: callers pick a
// different generator or insertion point.
package generators

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// ErrDeclined is wrapped by every "nothing to generate here" outcome.
var ErrDeclined = errors.New("generator declined")

var (
	// ErrMissingVariables is returned when required variables are not in scope.
	ErrMissingVariables = fmt.Errorf("%w: missing variables", ErrDeclined)
	// ErrInvalidContext is returned when the program context cannot support the generator.
	ErrInvalidContext = fmt.Errorf("%w: context does not allow generation", ErrDeclined)
)

// Generator appends instructions for one concept to the program being built.
type Generator interface {
	// Generate appends instructions to b. On error the caller discards b.
	Generate(b *ir.Builder, r *rand.Rand) error
	Name() string
	// RequestedContext is the block context Generate expects to run in.
	RequestedContext() ir.BlockContext
}

type global struct{}

func (global) RequestedContext() ir.BlockContext { return ir.ContextGlobal }

// DefaultGenerators returns every generator that can ever apply to ctx.
func DefaultGenerators(ctx ir.Context) []Generator {
	gens := []Generator{
		NewAdvanceTimeGenerator(),
		BlockGenerator{},
		AddTxToBlockGenerator{},
		AddTxToBlockTxnGenerator{},
		WitnessGenerator{},
		InventoryGenerator{},
	}

	if len(ctx.Headers) > 0 {
		gens = append(gens, HeaderGenerator{})
	}

	if len(ctx.Txos) > 0 {
		gens = append(gens, TxoGenerator{})
	}

	if ctx.Connections > 0 {
		gens = append(gens,
			NewSendMessageGenerator(),
			GetAddrGenerator{},
			CompactFilterQueryGenerator{},
			SendBlockGenerator{},
			SingleTxGenerator{},
			OneParentOneChildGenerator{},
			LongChainGenerator{},
			LargeTxGenerator{},
			GetDataGenerator{},
			AddrGenerator{},
			AddrRelayV2Generator{},
			BloomFilterGenerator{},
			CompactBlockGenerator{},
			BlockTxnGenerator{},
		)
	}

	return gens
}

// ByName returns the generators whose names appear in names, in the order of gens.
// Unknown names are reported as an error.
func ByName(gens []Generator, names []string) ([]Generator, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}

	var out []Generator
	for _, g := range gens {
		if _, ok := want[g.Name()]; ok {
			want[g.Name()] = true
			out = append(out, g)
		}
	}

	for n, found := range want {
		if !found {
			return nil, fmt.Errorf("unknown generator %q", n)
		}
	}

	return out, nil
}

// GenerateProgram builds a fresh program by invoking randomly chosen global
// generators at the end of the program iterations times. Declined attempts
// leave the program unchanged.
func GenerateProgram(ctx ir.Context, gens []Generator, r *rand.Rand, iterations int) (*ir.Program, error) {
	var globals []Generator
	for _, g := range gens {
		if g.RequestedContext() == ir.ContextGlobal {
			globals = append(globals, g)
		}
	}

	p := ir.NewProgram(ctx, nil)
	if len(globals) == 0 {
		return p, nil
	}

	for i := 0; i < iterations; i++ {
		g := globals[r.Intn(len(globals))]

		b, err := ir.BuilderFromProgram(p)
		if err != nil {
			return nil, err
		}

		if err := g.Generate(b, r); err != nil {
			if errors.Is(err, ErrDeclined) {
				continue
			}

			return nil, fmt.Errorf("%s: %w", g.Name(), err)
		}

		next, err := b.Finalize()
		if err != nil {
			return nil, fmt.Errorf("%s left the program unfinished: %w", g.Name(), err)
		}

		p = next
	}

	return p, nil
}

// Insert runs g at a random insertion point matching its requested context and
// replaces *p with the result. On any error *p is left untouched.
func Insert(p *ir.Program, g Generator, r *rand.Rand) error {
	idx, ok := p.RandomInstructionIndex(r, g.RequestedContext())
	if !ok {
		return fmt.Errorf("%w: no %s insertion point", ErrDeclined, g.RequestedContext())
	}

	prefix := ir.NewProgram(p.Context, p.Instructions[:idx])
	b, err := ir.BuilderFromProgram(prefix)
	if err != nil {
		return err
	}

	before := b.VariableCount()
	if err := g.Generate(b, r); err != nil {
		return err
	}

	if b.CurrentContext() != g.RequestedContext() {
		return fmt.Errorf("%s changed the block context", g.Name())
	}

	suffix := ir.NewProgram(p.Context, p.Instructions[idx:])
	if err := b.AppendProgram(suffix, before, b.VariableCount()-before); err != nil {
		return err
	}

	out, err := b.Finalize()
	if err != nil {
		return err
	}

	*p = *out

	return nil
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)

	return b
}

func choose[T any](r *rand.Rand, items []T) T {
	return items[r.Intn(len(items))]
}
