package ir

import (
	"math/rand"
	"testing"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
)

func testContext() Context {
	return Context{
		Nodes:       1,
		Connections: 2,
		Timestamp:   1_700_000_000,
		Txos: []Txo{{
			Outpoint:        Outpoint{Txid: [32]byte{1, 2, 3}, Vout: 1},
			Value:           50_0000_0000,
			ScriptPubKey:    []byte{0x00, 0x20, 0xaa},
			SpendingWitness: [][]byte{{0x51}},
		}},
		Headers: []Header{{Prev: [32]byte{9}, Bits: 0x207fffff, Time: 1_700_000_000, Version: 4, Height: 110}},
	}
}

func TestBuilder_RawMessage(t *testing.T) {
	b := NewBuilder(testContext())
	conn := b.MustAppendVar(LoadConnection(0))
	typ := b.MustAppendVar(LoadMsgType("tx"))
	data := b.MustAppendVar(LoadBytes(make([]byte, 20)))
	if out := b.MustAppend(Op(OpSendRawMessage), conn.Index, typ.Index, data.Index); len(out) != 0 {
		t.Fatalf("send defined %d variables", len(out))
	}

	p, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if len(p.Instructions) != 4 || p.VariableCount() != 3 {
		t.Fatalf("unexpected program shape: %d instrs %d vars", len(p.Instructions), p.VariableCount())
	}
}

func TestBuilder_ConnectionOutOfBoundsLeavesBuilderUntouched(t *testing.T) {
	b := NewBuilder(testContext())
	b.MustAppend(LoadBytes([]byte{1}))

	_, err := b.AppendOp(LoadConnection(5))
	if !ferrors.HasCode(err, ferrors.CodeConnectionNotFound) {
		t.Fatalf("expected out of bounds connection error, got %v", err)
	}

	if cat, _ := ferrors.CategoryOf(err); cat != ferrors.CategoryBounds {
		t.Fatalf("expected bounds category, got %q", cat)
	}

	if b.Len() != 1 || b.VariableCount() != 1 {
		t.Fatalf("builder mutated on error: %d instrs %d vars", b.Len(), b.VariableCount())
	}
}

func TestBuilder_LiteralChecks(t *testing.T) {
	ctx := testContext()
	missing := ctx.Txos[0]
	missing.Value++
	hdr := ctx.Headers[0]
	hdr.Nonce = 7

	cases := []struct {
		name string
		op   Operation
		code string
	}{
		{"node", LoadNode(1), ferrors.CodeNodeNotFound},
		{"conntype", LoadConnectionType("feeler"), ferrors.CodeInvalidConnType},
		{"privkey", LoadPrivateKey([]byte{1, 2}), ferrors.CodeInvalidLiteral},
		{"msgtype", LoadMsgType("waytoolongcommand"), ferrors.CodeInvalidLiteral},
		{"txo", LoadTxo(missing), ferrors.CodeTxoNotAvailable},
		{"header", LoadHeader(hdr), ferrors.CodeHeaderNotAvailable},
	}

	for _, tc := range cases {
		b := NewBuilder(ctx)
		if _, err := b.AppendOp(tc.op); !ferrors.HasCode(err, tc.code) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	b := NewBuilder(ctx)
	b.MustAppend(LoadTxo(ctx.Txos[0]))
	b.MustAppend(LoadHeader(ctx.Headers[0]))
	b.MustAppend(LoadConnectionType("inbound"))
}

func TestBuilder_TypeMismatch(t *testing.T) {
	b := NewBuilder(testContext())
	conn := b.MustAppendVar(LoadConnection(0))
	data := b.MustAppendVar(LoadBytes([]byte{1}))

	_, err := b.AppendOp(Op(OpSendRawMessage), conn.Index, data.Index, data.Index)
	if !ferrors.HasCode(err, ferrors.CodeInvalidVariableType) {
		t.Fatalf("expected type error, got %v", err)
	}

	_, err = b.AppendOp(Op(OpSendRawMessage), conn.Index)
	if !ferrors.HasCode(err, ferrors.CodeInvalidNumberOfInput) {
		t.Fatalf("expected arity error, got %v", err)
	}

	_, err = b.AppendOp(Op(OpSendGetAddr), 17)
	if !ferrors.HasCode(err, ferrors.CodeVariableNotDefined) {
		t.Fatalf("expected undefined variable error, got %v", err)
	}
}

func TestBuilder_ScopeDiscipline(t *testing.T) {
	b := NewBuilder(testContext())
	stack := b.MustAppend(Op(OpBeginWitnessStack))[0]
	item := b.MustAppendVar(LoadBytes([]byte{0x51}))
	b.MustAppend(Op(OpAddWitness), stack.Index, item.Index)

	if b.CurrentContext() != ContextWitnessStack {
		t.Fatalf("expected witness stack context, got %s", b.CurrentContext())
	}

	if _, err := b.Finalize(); !ferrors.HasCode(err, ferrors.CodeScopeStillOpen) {
		t.Fatalf("expected open scope error, got %v", err)
	}

	done := b.MustAppendVar(Op(OpEndWitnessStack), stack.Index)
	if done.Type != TypeConstWitnessStack {
		t.Fatalf("unexpected type %s", done.Type)
	}

	// the handle and everything defined inside the block are gone
	if _, err := b.AppendOp(Op(OpAddWitness), stack.Index, item.Index); !ferrors.HasCode(err, ferrors.CodeVariableOutOfScope) {
		t.Fatalf("expected out of scope error, got %v", err)
	}

	if _, err := b.AppendOp(Op(OpBuildPayToWitnessScriptHash), item.Index, done.Index); !ferrors.HasCode(err, ferrors.CodeVariableOutOfScope) {
		t.Fatalf("expected inner variable to be out of scope, got %v", err)
	}

	if _, err := b.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestBuilder_InvalidBlockEnd(t *testing.T) {
	b := NewBuilder(testContext())
	stack := b.MustAppend(Op(OpBeginWitnessStack))[0]
	b.MustAppend(Op(OpBeginBuildInventory))

	if _, err := b.AppendOp(Op(OpEndWitnessStack), stack.Index); !ferrors.HasCode(err, ferrors.CodeInvalidBlockEnd) {
		t.Fatalf("expected invalid block end, got %v", err)
	}

	b = NewBuilder(testContext())
	outer := b.MustAppend(Op(OpBeginBuildInventory))[0]
	b.MustAppend(Op(OpBeginBuildInventory))

	if _, err := b.AppendOp(Op(OpEndBuildInventory), outer.Index); !ferrors.HasCode(err, ferrors.CodeInvalidBlockEnd) {
		t.Fatalf("closing the outer block first must fail, got %v", err)
	}
}

func TestBuilder_NopVariablesAreUnreachable(t *testing.T) {
	b := NewBuilder(testContext())
	out := b.MustAppend(Nop(1, 0))
	if len(out) != 1 || out[0].Type != TypeNop {
		t.Fatalf("unexpected nop outputs %v", out)
	}

	if b.InScope(out[0].Index) {
		t.Fatalf("nop variable must not be in scope")
	}

	if _, err := b.AppendOp(Op(OpSendGetAddr), out[0].Index); err == nil {
		t.Fatalf("expected error when consuming a nop variable")
	}
}

func TestBuilder_AppendProgramShiftsInputs(t *testing.T) {
	ctx := testContext()
	donor := NewBuilder(ctx)
	c := donor.MustAppendVar(LoadConnection(1))
	donor.MustAppend(Op(OpSendGetAddr), c.Index)
	dp, _ := donor.Finalize()

	b := NewBuilder(ctx)
	b.MustAppend(LoadBytes([]byte{1}))
	b.MustAppend(LoadTime(5))

	if err := b.AppendProgram(dp, 0, b.VariableCount()); err != nil {
		t.Fatalf("append program: %v", err)
	}

	p, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	if got := p.Instructions[3].Inputs[0]; got != 2 {
		t.Fatalf("expected shifted input 2, got %d", got)
	}
}

func TestBuilder_Queries(t *testing.T) {
	ctx := testContext()
	b := NewBuilder(ctx)
	r := rand.New(rand.NewSource(1))

	if _, ok := b.NearestVariable(TypeTxo); ok {
		t.Fatalf("no txo expected yet")
	}

	t0 := b.MustAppendVar(LoadTxo(ctx.Txos[0]))
	t1 := b.MustAppendVar(LoadTxo(ctx.Txos[0]))

	if v, ok := b.NearestVariable(TypeTxo); !ok || v.Index != t1.Index {
		t.Fatalf("nearest txo = %v", v)
	}

	tx := b.MustAppend(LoadTxVersion(2))[0]
	lt := b.MustAppend(LoadLockTime(0))[0]
	b.MustAppend(Op(OpBeginBuildTx), tx.Index, lt.Index)
	ins := b.MustAppend(Op(OpBeginBuildTxInputs))[0]
	seq := b.MustAppendVar(LoadSequence(0xffffffff))
	b.MustAppend(Op(OpAddTxInput), ins.Index, t0.Index, seq.Index)

	utxos := b.Utxos()
	if len(utxos) != 1 || utxos[0].Index != t1.Index {
		t.Fatalf("expected only the unspent txo, got %v", utxos)
	}

	if got := b.RandomUtxos(r); len(got) != 1 {
		t.Fatalf("random utxos = %v", got)
	}

	conn, err := b.RandomConnection(r)
	if err != nil || conn.Type != TypeConnection {
		t.Fatalf("random connection: %v %v", conn, err)
	}

	again, _ := b.RandomConnection(r)
	if again.Index != conn.Index {
		t.Fatalf("expected the existing connection to be reused")
	}

	empty := NewBuilder(Context{})
	if _, err := empty.RandomConnection(r); err == nil {
		t.Fatalf("expected error without connections")
	}
}

func TestBuilder_NearestSentHeader(t *testing.T) {
	ctx := testContext()
	b := NewBuilder(ctx)
	h := b.MustAppendVar(LoadHeader(ctx.Headers[0]))

	if _, ok := b.NearestSentHeader(); ok {
		t.Fatalf("header has not been sent yet")
	}

	c := b.MustAppendVar(LoadConnection(0))
	b.MustAppend(Op(OpSendHeader), c.Index, h.Index)

	got, ok := b.NearestSentHeader()
	if !ok || got.Index != h.Index {
		t.Fatalf("nearest sent header = %v %v", got, ok)
	}
}
