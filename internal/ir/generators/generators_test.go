package generators

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

func testContext() ir.Context {
	return ir.Context{
		Nodes:       1,
		Connections: 2,
		Timestamp:   1_700_000_000,
		Txos: []ir.Txo{
			{Outpoint: ir.Outpoint{Txid: [32]byte{1}, Vout: 0}, Value: 50_0000_0000, ScriptPubKey: []byte{0x51}},
			{Outpoint: ir.Outpoint{Txid: [32]byte{2}, Vout: 3}, Value: 25_0000_0000, ScriptPubKey: []byte{0x51}},
		},
		Headers: []ir.Header{{Bits: 0x207fffff, Time: 1_700_000_000, Version: 4, Height: 200}},
	}
}

func checkSSA(t *testing.T, p *ir.Program) {
	t.Helper()

	defined := 0
	for i, instr := range p.Instructions {
		for _, in := range instr.Inputs {
			if in >= defined {
				t.Fatalf("instruction %d (%s) uses undefined v%d", i, instr.Op.Kind, in)
			}
		}

		defined += instr.Op.NumOutputs() + instr.Op.NumInnerOutputs()
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("generated program is invalid: %v\n%s", err, p)
	}
}

func TestGenerateProgram_ProducesValidPrograms(t *testing.T) {
	ctx := testContext()
	gens := DefaultGenerators(ctx)

	for seed := int64(0); seed < 30; seed++ {
		r := rand.New(rand.NewSource(seed))
		p, err := GenerateProgram(ctx, gens, r, 20)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}

		checkSSA(t, p)
	}
}

func TestGenerators_EachGlobalGeneratorWorksOnSeededProgram(t *testing.T) {
	ctx := testContext()
	r := rand.New(rand.NewSource(7))

	seed := ir.NewBuilder(ctx)
	seed.MustAppend(ir.LoadTxo(ctx.Txos[0]))
	seed.MustAppend(ir.LoadTxo(ctx.Txos[1]))
	seed.MustAppend(ir.LoadHeader(ctx.Headers[0]))
	base, _ := seed.Finalize()

	for _, g := range DefaultGenerators(ctx) {
		if g.RequestedContext() != ir.ContextGlobal {
			continue
		}

		b, err := ir.BuilderFromProgram(base)
		if err != nil {
			t.Fatal(err)
		}

		err = g.Generate(b, r)
		if err != nil && !errors.Is(err, ErrDeclined) {
			t.Fatalf("%s: %v", g.Name(), err)
		}

		if err != nil {
			continue
		}

		p, err := b.Finalize()
		if err != nil {
			t.Fatalf("%s left blocks open: %v", g.Name(), err)
		}

		checkSSA(t, p)
	}
}

func TestOneParentOneChild_SendsChildFirst(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	b.MustAppend(ir.LoadTxo(ctx.Txos[0]))

	if err := (OneParentOneChildGenerator{}).Generate(b, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}

	p, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	var sent []int
	for _, instr := range p.Instructions {
		if instr.Op.Kind == ir.OpSendTx {
			sent = append(sent, instr.Inputs[1])
		}
	}

	if len(sent) != 2 || sent[0] <= sent[1] {
		t.Fatalf("expected child (defined later) to be sent first, got %v", sent)
	}
}

func TestGenerators_Decline(t *testing.T) {
	empty := ir.Context{}
	r := rand.New(rand.NewSource(1))

	cases := []Generator{
		SingleTxGenerator{},
		GetAddrGenerator{},
		TxoGenerator{},
		HeaderGenerator{},
		BlockGenerator{},
		WitnessGenerator{},
		InventoryGenerator{},
		GetDataGenerator{},
		CompactBlockGenerator{},
		BlockTxnGenerator{},
		AddTxToBlockTxnGenerator{},
		AddrRelayV2Generator{},
	}

	for _, g := range cases {
		b := ir.NewBuilder(empty)
		if err := g.Generate(b, r); !errors.Is(err, ErrDeclined) {
			t.Fatalf("%s: expected decline, got %v", g.Name(), err)
		}
	}

	if got := DefaultGenerators(empty); len(got) != 6 {
		t.Fatalf("expected only context-free generators for an empty context, got %d", len(got))
	}
}

func TestBlockRelayGenerators(t *testing.T) {
	ctx := testContext()
	r := rand.New(rand.NewSource(3))

	b := ir.NewBuilder(ctx)
	b.MustAppend(ir.LoadTxo(ctx.Txos[0]))

	if err := (SingleTxGenerator{}).Generate(b, r); err != nil {
		t.Fatal(err)
	}

	hdr := b.MustAppendVar(ir.LoadHeader(ctx.Headers[0]))
	ts := b.MustAppendVar(ir.LoadTime(ctx.Timestamp + 600))
	mut := b.MustAppendVar(ir.Op(ir.OpBeginBlockTransactions))
	txs := b.MustAppendVar(ir.Op(ir.OpEndBlockTransactions), mut.Index)
	version := b.MustAppendVar(ir.LoadBlockVersion(4))
	b.MustAppend(ir.Op(ir.OpBuildBlock), hdr.Index, ts.Index, version.Index, txs.Index)

	for _, g := range []Generator{CompactBlockGenerator{}, BlockTxnGenerator{}, AddrRelayV2Generator{}} {
		if err := g.Generate(b, r); err != nil {
			t.Fatalf("%s: %v", g.Name(), err)
		}
	}

	p, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	checkSSA(t, p)

	s := ir.Summarize(p)
	for _, op := range []string{"BuildCompactBlock", "SendCompactBlock", "AddTxToBlockTxn", "SendBlockTxn", "AddAddrV2", "SendAddrV2"} {
		if s.Ops[op] == 0 {
			t.Fatalf("no %s in\n%s", op, p)
		}
	}

	if err := Insert(p, AddTxToBlockTxnGenerator{}, r); err != nil {
		t.Fatalf("insert into blocktxn: %v", err)
	}

	checkSSA(t, p)
}

func TestRandomAddrV2Payload_IsRelayable(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 500; i++ {
		n, payload := RandomAddrV2Payload(r)
		a := ir.AddrRecordV2{Network: n, Payload: payload}
		if err := a.Check(); err != nil {
			t.Fatalf("%s/%d: %v", n, len(payload), err)
		}
	}
}

func TestInsert_ScopedGenerator(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	mut := b.MustAppendVar(ir.Op(ir.OpBeginWitnessStack))
	stack := b.MustAppendVar(ir.Op(ir.OpEndWitnessStack), mut.Index)
	script := b.MustAppendVar(ir.LoadBytes([]byte{0x51}))
	b.MustAppend(ir.Op(ir.OpBuildPayToWitnessScriptHash), script.Index, stack.Index)
	p, _ := b.Finalize()

	before := len(p.Instructions)
	if err := Insert(p, WitnessGenerator{}, rand.New(rand.NewSource(2))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if len(p.Instructions) != before+2 {
		t.Fatalf("expected two inserted instructions, got %d", len(p.Instructions)-before)
	}

	if p.Instructions[1].Op.Kind != ir.OpLoadBytes || p.Instructions[2].Op.Kind != ir.OpAddWitness {
		t.Fatalf("unexpected program after insert:\n%s", p)
	}

	checkSSA(t, p)

	if err := Insert(p, InventoryGenerator{}, rand.New(rand.NewSource(2))); !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected decline without an inventory block, got %v", err)
	}
}

func TestInsert_GlobalGeneratorShiftsSuffix(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	c := b.MustAppendVar(ir.LoadConnection(1))
	b.MustAppend(ir.Op(ir.OpSendGetAddr), c.Index)
	b.MustAppend(ir.Op(ir.OpSendFilterClear), c.Index)
	p, _ := b.Finalize()

	r := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		if err := Insert(p, NewSendMessageGenerator(), r); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}

		checkSSA(t, p)
	}
}

func TestByName(t *testing.T) {
	gens := DefaultGenerators(testContext())

	got, err := ByName(gens, []string{"TxoGenerator", "BlockGenerator"})
	if err != nil || len(got) != 2 {
		t.Fatalf("ByName = %v, %v", got, err)
	}

	if _, err := ByName(gens, []string{"NoSuchGenerator"}); err == nil {
		t.Fatalf("expected error for unknown generator")
	}
}
