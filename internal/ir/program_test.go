package ir

import (
	"math/rand"
	"strings"
	"testing"
)

func txProgram(t *testing.T) *Program {
	t.Helper()

	ctx := testContext()
	b := NewBuilder(ctx)
	txo := b.MustAppendVar(LoadTxo(ctx.Txos[0]))
	ver := b.MustAppendVar(LoadTxVersion(2))
	lt := b.MustAppendVar(LoadLockTime(0))
	mutTx := b.MustAppend(Op(OpBeginBuildTx), ver.Index, lt.Index)[0]
	mutIns := b.MustAppend(Op(OpBeginBuildTxInputs))[0]
	seq := b.MustAppendVar(LoadSequence(0xfffffffe))
	b.MustAppend(Op(OpAddTxInput), mutIns.Index, txo.Index, seq.Index)
	ins := b.MustAppendVar(Op(OpEndBuildTxInputs), mutIns.Index)
	mutOuts := b.MustAppend(Op(OpBeginBuildTxOutputs), ins.Index)[0]
	script := b.MustAppendVar(Op(OpBuildPayToAnchor))
	amount := b.MustAppendVar(LoadAmount(10_000))
	b.MustAppend(Op(OpAddTxOutput), mutOuts.Index, script.Index, amount.Index)
	outs := b.MustAppendVar(Op(OpEndBuildTxOutputs), mutOuts.Index)
	tx := b.MustAppendVar(Op(OpEndBuildTx), mutTx.Index, ins.Index, outs.Index)
	conn := b.MustAppendVar(LoadConnection(0))
	b.MustAppend(Op(OpSendTx), conn.Index, tx.Index)

	p, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	return p
}

func TestProgram_SSAProperty(t *testing.T) {
	p := txProgram(t)
	defined := 0

	for i, instr := range p.Instructions {
		for _, in := range instr.Inputs {
			if in >= defined {
				t.Fatalf("instruction %d uses v%d before definition", i, in)
			}
		}

		defined += instr.Op.NumOutputs() + instr.Op.NumInnerOutputs()
	}

	if defined != p.VariableCount() {
		t.Fatalf("variable count mismatch %d != %d", defined, p.VariableCount())
	}
}

func TestProgram_String(t *testing.T) {
	s := txProgram(t).String()
	lines := strings.Split(strings.TrimSpace(s), "\n")

	if lines[0] != "// Context: nodes=1 connections=2 timestamp=1700000000" {
		t.Fatalf("unexpected header line %q", lines[0])
	}

	if lines[4] != "BeginBuildTx(v1, v2) -> v3" {
		t.Fatalf("unexpected begin line %q", lines[4])
	}

	if lines[5] != "  BeginBuildTxInputs -> v4" {
		t.Fatalf("unexpected nested line %q", lines[5])
	}

	if lines[7] != "    AddTxInput(v4, v0, v5)" {
		t.Fatalf("unexpected add line %q", lines[7])
	}

	if lines[8] != "  v6 <- EndBuildTxInputs(v4)" {
		t.Fatalf("unexpected end line %q", lines[8])
	}

	if !strings.HasPrefix(lines[len(lines)-1], "SendTx(") {
		t.Fatalf("unexpected last line %q", lines[len(lines)-1])
	}
}

func TestProgram_NopAndRemoveNops(t *testing.T) {
	ctx := testContext()
	b := NewBuilder(ctx)
	b.MustAppend(LoadBytes([]byte{1}))
	c := b.MustAppendVar(LoadConnection(0))
	b.MustAppend(Op(OpSendGetAddr), c.Index)
	p, _ := b.Finalize()

	p.Instructions[0].Nop()
	if err := p.Validate(); err != nil {
		t.Fatalf("nopped program must stay valid: %v", err)
	}

	if p.VariableCount() != 2 {
		t.Fatalf("nop must keep numbering, got %d vars", p.VariableCount())
	}

	p.RemoveNops()
	if len(p.Instructions) != 2 || p.Instructions[1].Inputs[0] != 0 {
		t.Fatalf("unexpected program after RemoveNops:\n%s", p)
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("compacted program invalid: %v", err)
	}
}

func TestProgram_RandomInstructionIndex(t *testing.T) {
	p := txProgram(t)
	r := rand.New(rand.NewSource(3))

	for i := 0; i < 50; i++ {
		idx, ok := p.RandomInstructionIndex(r, ContextTxInputs)
		if !ok {
			t.Fatalf("expected a tx-inputs insertion point")
		}

		// the only tx-inputs positions are right after BeginBuildTxInputs and its children
		if idx < 5 || idx > 7 {
			t.Fatalf("insertion point %d outside the inputs block", idx)
		}
	}

	if _, ok := p.RandomInstructionIndex(r, ContextInventory); ok {
		t.Fatalf("no inventory block in program")
	}

	idx, ok := p.RandomInstructionIndex(r, ContextGlobal)
	if !ok || idx < 0 || idx > len(p.Instructions) {
		t.Fatalf("bad global insertion point %d", idx)
	}
}

func TestProgram_CloneIsDeep(t *testing.T) {
	p := txProgram(t)
	c := p.Clone()

	if !p.Equal(c) {
		t.Fatalf("clone differs")
	}

	c.Instructions[0].Op.Txo.Value++
	if p.Equal(c) {
		t.Fatalf("clone shares literal storage")
	}
}

func TestCatalog_Complete(t *testing.T) {
	for k := OpKind(0); k < numOpKinds; k++ {
		inf := k.info()
		if inf.name == "" {
			t.Fatalf("operation %d has no descriptor", k)
		}

		if k.IsBlockEnd() && !k.MatchingBegin().IsBlockBegin() {
			t.Fatalf("%s closes %s which is not an opener", k, k.MatchingBegin())
		}

		if k.IsBlockBegin() && k.InnerOutput() == TypeInvalid {
			t.Fatalf("%s opens a block without a handle", k)
		}

		if k.IsLoad() && (len(k.Inputs()) != 0 || k.Output() == TypeInvalid) {
			t.Fatalf("%s must have no inputs and one output", k)
		}

		if k.IsSend() && (len(k.Inputs()) == 0 || k.Inputs()[0] != TypeConnection) {
			t.Fatalf("%s sends without a connection", k)
		}
	}

	for _, k := range []OpKind{OpSendRawMessage, OpSendFilterClear, OpSendAddrV2, OpSendCompactBlock, OpSendBlockTxn} {
		if !k.IsSend() {
			t.Fatalf("%s is not a send", k)
		}
	}

	if OpLoadNonce.IsSend() || OpBuildCompactBlock.IsSend() {
		t.Fatalf("unexpected send flags")
	}

	if Op(OpBeginBuildTx).IsNoppable() || Op(OpEndBuildTx).IsNoppable() || Nop(0, 0).IsNoppable() {
		t.Fatalf("block scaffolding and nops must not be noppable")
	}

	if Op(OpTakeTxo).IsInputMutable() || !Op(OpSendTx).IsInputMutable() {
		t.Fatalf("unexpected input mutability flags")
	}

	if !LoadBytes(nil).IsOperationMutable() || Op(OpAddTx).IsOperationMutable() {
		t.Fatalf("unexpected operation mutability flags")
	}

	if !Compatible(TypeTxVersion, TypeTxVersion) || Compatible(TypeTxVersion, TypeLockTime) {
		t.Fatalf("compatibility must be exact match")
	}
}

func TestSummarize(t *testing.T) {
	p := txProgram(t)
	p.Instructions[9].Nop()

	s := Summarize(p)

	if s.Instructions != 16 || s.Blocks != 3 || s.MaxDepth != 2 || s.Sends != 1 || s.Nops != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}

	if s.Ops["AddTxInput"] != 1 || s.Ops["Nop"] != 1 || s.Variables != p.VariableCount() {
		t.Fatalf("unexpected op counts %v", s.Ops)
	}
}
