package mutators

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
)

func testContext() ir.Context {
	return ir.Context{
		Nodes:       1,
		Connections: 3,
		Timestamp:   1_700_000_000,
		Txos: []ir.Txo{
			{Outpoint: ir.Outpoint{Txid: [32]byte{1}}, Value: 50_0000_0000, ScriptPubKey: []byte{0x51}},
			{Outpoint: ir.Outpoint{Txid: [32]byte{2}, Vout: 1}, Value: 10_0000_0000, ScriptPubKey: []byte{0x51}},
		},
		Headers: []ir.Header{{Bits: 0x207fffff, Time: 1_700_000_000, Version: 4, Height: 120}},
	}
}

func seedPrograms(t *testing.T, n int) []*ir.Program {
	t.Helper()

	ctx := testContext()
	gens := generators.DefaultGenerators(ctx)
	out := make([]*ir.Program, 0, n)

	for i := 0; i < n; i++ {
		p, err := generators.GenerateProgram(ctx, gens, rand.New(rand.NewSource(int64(i))), 12)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}

		out = append(out, p)
	}

	return out
}

func TestMutators_Closure(t *testing.T) {
	ctx := testContext()
	muts := []Mutator{
		InputMutator{},
		NewOperationMutator(nil),
		CombineMutator{},
		ConcatMutator{},
		GenerateMutator{Generators: generators.DefaultGenerators(ctx)},
	}

	r := rand.New(rand.NewSource(99))

	for _, p := range seedPrograms(t, 10) {
		for _, m := range muts {
			for i := 0; i < 5; i++ {
				before := p.Clone()

				err := m.Mutate(p, r)
				if err != nil {
					if !errors.Is(err, ErrNoMutationsAvailable) && !errors.Is(err, ErrCreatedInvalidProgram) {
						t.Fatalf("%s: unexpected error %v", m.Name(), err)
					}

					if !p.Equal(before) {
						t.Fatalf("%s modified the program on failure", m.Name())
					}

					continue
				}

				if err := p.Validate(); err != nil {
					t.Fatalf("%s produced an invalid program: %v\n%s", m.Name(), err, p)
				}
			}
		}
	}
}

func TestInputMutator_NoAlternative(t *testing.T) {
	b := ir.NewBuilder(testContext())
	c := b.MustAppendVar(ir.LoadConnection(0))
	b.MustAppend(ir.Op(ir.OpSendGetAddr), c.Index)
	p, _ := b.Finalize()

	if err := (InputMutator{}).Mutate(p, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNoMutationsAvailable) {
		t.Fatalf("expected no mutation, got %v", err)
	}
}

func TestInputMutator_SkipsInstructionsWithoutInputs(t *testing.T) {
	p := ir.NewProgram(testContext(), []ir.Instruction{{Op: ir.Op(ir.OpSendGetAddr)}})

	if err := (InputMutator{}).Mutate(p, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNoMutationsAvailable) {
		t.Fatalf("expected no mutation, got %v", err)
	}
}

func TestInputMutator_Rewires(t *testing.T) {
	b := ir.NewBuilder(testContext())
	c0 := b.MustAppendVar(ir.LoadConnection(0))
	c1 := b.MustAppendVar(ir.LoadConnection(1))
	b.MustAppend(ir.Op(ir.OpSendGetAddr), c0.Index)
	p, _ := b.Finalize()

	if err := (InputMutator{}).Mutate(p, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}

	if got := p.Instructions[2].Inputs[0]; got != c1.Index {
		t.Fatalf("expected rewire to v%d, got v%d", c1.Index, got)
	}
}

func TestOperationMutator_Variants(t *testing.T) {
	b := ir.NewBuilder(testContext())
	c := b.MustAppendVar(ir.LoadConnection(0))
	b.MustAppend(ir.Op(ir.OpSendFilterClear), c.Index)
	p, _ := b.Finalize()

	// only LoadConnection is mutable; it must stay within bounds
	m := NewOperationMutator(nil)
	r := rand.New(rand.NewSource(5))

	for i := 0; i < 20; i++ {
		if err := m.Mutate(p, r); err != nil {
			t.Fatal(err)
		}

		if p.Instructions[0].Op.Int >= 3 {
			t.Fatalf("connection literal out of bounds: %d", p.Instructions[0].Op.Int)
		}
	}

	op, ok := m.mutateOperation(&p.Context, ir.Op(ir.OpSendTx), r)
	if !ok || op.Kind != ir.OpSendTxNoWit {
		t.Fatalf("expected SendTxNoWit, got %s", op.Kind)
	}

	op, ok = m.mutateOperation(&p.Context, ir.LoadPrivateKey(make([]byte, 32)), r)
	if !ok || len(op.Bytes) != 32 {
		t.Fatalf("bad private key mutation %x", op.Bytes)
	}
}

func TestOperationMutator_AddrV2StaysRelayable(t *testing.T) {
	b := ir.NewBuilder(testContext())
	b.MustAppend(ir.LoadAddrV2(ir.AddrRecordV2{Network: ir.NetTorV3, Payload: make([]byte, 32), Port: 9050}))
	b.MustAppend(ir.LoadFilterLoad(ir.FilterLoad{Filter: []byte{1}, HashFuncs: 1}))
	b.MustAppend(ir.LoadNonce(7))
	p, _ := b.Finalize()

	m := NewOperationMutator(nil)
	r := rand.New(rand.NewSource(9))

	for i := 0; i < 200; i++ {
		if err := m.Mutate(p, r); err != nil {
			t.Fatal(err)
		}

		if err := p.Instructions[0].Op.AddrV2.Check(); err != nil {
			t.Fatalf("mutated address is not relayable: %v", err)
		}
	}

	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestCombine_RebindsDonorLiterals(t *testing.T) {
	rich := testContext()
	rich.Connections = 8

	donorB := ir.NewBuilder(rich)
	c := donorB.MustAppendVar(ir.LoadConnection(7))
	donorB.MustAppend(ir.Op(ir.OpSendGetAddr), c.Index)
	donor, _ := donorB.Finalize()

	hostB := ir.NewBuilder(testContext())
	h := hostB.MustAppendVar(ir.LoadConnection(0))
	hostB.MustAppend(ir.Op(ir.OpSendFilterClear), h.Index)
	host, _ := hostB.Finalize()

	r := rand.New(rand.NewSource(3))
	if err := (CombineMutator{}).Splice(host, donor, r); err != nil {
		t.Fatal(err)
	}

	if len(host.Instructions) != 4 {
		t.Fatalf("expected 4 instructions, got\n%s", host)
	}

	for _, instr := range host.Instructions {
		if instr.Op.Kind == ir.OpLoadConnection && instr.Op.Int >= 3 {
			t.Fatalf("donor connection not rebound: %d", instr.Op.Int)
		}
	}

	if err := host.Validate(); err != nil {
		t.Fatal(err)
	}

	noConn := ir.NewProgram(ir.Context{Nodes: 1}, nil)
	if err := (ConcatMutator{}).Splice(noConn, donor, r); !errors.Is(err, ErrCreatedInvalidProgram) {
		t.Fatalf("expected rejection without host connections, got %v", err)
	}
}

func TestConcat_AppendsAtTail(t *testing.T) {
	ps := seedPrograms(t, 2)
	host, donor := ps[0], ps[1]
	n := len(host.Instructions)

	if err := (ConcatMutator{}).Splice(host, donor, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}

	if len(host.Instructions) != n+len(donor.Instructions) {
		t.Fatalf("unexpected length %d", len(host.Instructions))
	}

	for i := range donor.Instructions {
		if host.Instructions[n+i].Op.Kind != donor.Instructions[i].Op.Kind {
			t.Fatalf("instruction %d not appended in order", i)
		}
	}
}

func TestByteMutators(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	in := []byte("fuzzamoto")

	out := DefaultByteMutator().MutateBytes(r, in)
	if string(in) != "fuzzamoto" {
		t.Fatalf("input was modified")
	}

	if len(out) < len(in)-1 || len(out) > len(in)+1 {
		t.Fatalf("single edit changed length by more than one: %d", len(out))
	}
}
