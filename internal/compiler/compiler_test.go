package compiler

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/wire"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
)

func testContext() ir.Context {
	return ir.Context{
		Nodes:       2,
		Connections: 3,
		Timestamp:   1_700_000_000,
		Txos: []ir.Txo{
			{Outpoint: ir.Outpoint{Txid: [32]byte{1}, Vout: 0}, Value: 50_0000_0000, ScriptPubKey: []byte{0x51}},
			{Outpoint: ir.Outpoint{Txid: [32]byte{2}, Vout: 3}, Value: 25_0000_0000, ScriptPubKey: []byte{0x51}},
		},
		Headers: []ir.Header{{Bits: 0x207fffff, Time: 1_700_000_000, Version: 4, Height: 200}},
	}
}

func mustFinalize(t *testing.T, b *ir.Builder) *ir.Program {
	t.Helper()

	p, err := b.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	return p
}

// appendTx builds a version 2 transaction spending every txo variable in
// inputs into a single anchor output of the given amount.
func appendTx(b *ir.Builder, inputs []int, amount uint64) ir.IndexedVariable {
	ver := b.MustAppendVar(ir.LoadTxVersion(2))
	lt := b.MustAppendVar(ir.LoadLockTime(0))
	tx := b.MustAppend(ir.Op(ir.OpBeginBuildTx), ver.Index, lt.Index)[0]

	in := b.MustAppend(ir.Op(ir.OpBeginBuildTxInputs))[0]
	for _, txo := range inputs {
		seq := b.MustAppendVar(ir.LoadSequence(0xffffffff))
		b.MustAppend(ir.Op(ir.OpAddTxInput), in.Index, txo, seq.Index)
	}

	ins := b.MustAppendVar(ir.Op(ir.OpEndBuildTxInputs), in.Index)

	out := b.MustAppend(ir.Op(ir.OpBeginBuildTxOutputs), ins.Index)[0]
	scripts := b.MustAppendVar(ir.Op(ir.OpBuildPayToAnchor))
	amt := b.MustAppendVar(ir.LoadAmount(amount))
	b.MustAppend(ir.Op(ir.OpAddTxOutput), out.Index, scripts.Index, amt.Index)
	outs := b.MustAppendVar(ir.Op(ir.OpEndBuildTxOutputs), out.Index)

	return b.MustAppendVar(ir.Op(ir.OpEndBuildTx), tx.Index, ins.Index, outs.Index)
}

func TestCompile_RawMessage(t *testing.T) {
	b := ir.NewBuilder(testContext())
	conn := b.MustAppendVar(ir.LoadConnection(0))
	typ := b.MustAppendVar(ir.LoadMsgType("tx"))
	payload := bytes.Repeat([]byte{0xab}, 20)
	data := b.MustAppendVar(ir.LoadBytes(payload))
	b.MustAppend(ir.Op(ir.OpSendRawMessage), conn.Index, typ.Index, data.Index)

	ctx := testContext()

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Actions) != 1 {
		t.Fatalf("expected one action, got %v", out.Actions)
	}

	a := out.Actions[0]
	if a.Kind != ActionSendMessage || a.Conn != 0 || a.Command != "tx" || !bytes.Equal(a.Payload, payload) {
		t.Fatalf("unexpected action %v", a)
	}

	if out.Metadata.ActionIndices[0] != 3 || out.Metadata.ConnectionVars[0] != 0 {
		t.Fatalf("unexpected metadata %+v", out.Metadata)
	}
}

func TestCompile_ParentChild(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)

	funding := b.MustAppendVar(ir.LoadTxo(ctx.Txos[0]))
	parent := appendTx(b, []int{funding.Index}, 10_0000_0000)
	spent := b.MustAppendVar(ir.Op(ir.OpTakeTxo), parent.Index)
	child := appendTx(b, []int{spent.Index}, 5_0000_0000)

	conn := b.MustAppendVar(ir.LoadConnection(1))
	b.MustAppend(ir.Op(ir.OpSendTx), conn.Index, child.Index)
	b.MustAppend(ir.Op(ir.OpSendTx), conn.Index, parent.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Actions) != 2 {
		t.Fatalf("expected two sends, got %v", out.Actions)
	}

	var childTx, parentTx wire.MsgTx
	if err := childTx.Deserialize(bytes.NewReader(out.Actions[0].Payload)); err != nil {
		t.Fatal(err)
	}

	if err := parentTx.Deserialize(bytes.NewReader(out.Actions[1].Payload)); err != nil {
		t.Fatal(err)
	}

	want := wire.OutPoint{Hash: parentTx.TxHash(), Index: 0}
	if len(childTx.TxIn) != 1 || childTx.TxIn[0].PreviousOutPoint != want {
		t.Fatalf("child does not spend the parent: %v", childTx.TxIn)
	}

	if parentTx.TxOut[0].Value != 10_0000_0000 || childTx.TxOut[0].Value != 5_0000_0000 {
		t.Fatalf("unexpected output values %d, %d", parentTx.TxOut[0].Value, childTx.TxOut[0].Value)
	}

	if v, ok := out.Metadata.TxoVars[parentTx.TxHash()]; !ok || v != spent.Index {
		t.Fatalf("txo variable of the parent not recorded: %v", out.Metadata.TxoVars)
	}

	for _, a := range out.Actions {
		if a.Command != wire.CmdTx {
			t.Fatalf("unexpected command %q", a.Command)
		}
	}
}

func TestCompile_OutputsClampedToInputs(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)

	funding := b.MustAppendVar(ir.LoadTxo(ctx.Txos[1]))
	tx := appendTx(b, []int{funding.Index}, ^uint64(0)>>1)
	conn := b.MustAppendVar(ir.LoadConnection(0))
	b.MustAppend(ir.Op(ir.OpSendTxNoWit), conn.Index, tx.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	var msg wire.MsgTx
	if err := msg.DeserializeNoWitness(bytes.NewReader(out.Actions[0].Payload)); err != nil {
		t.Fatal(err)
	}

	if msg.TxOut[0].Value != int64(ctx.Txos[1].Value) {
		t.Fatalf("expected output clamped to %d, got %d", ctx.Txos[1].Value, msg.TxOut[0].Value)
	}
}

func TestCompile_Time(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)

	d := b.MustAppendVar(ir.LoadDuration(60))
	b.MustAppend(ir.Op(ir.OpAdvanceTime), d.Index)
	b.MustAppend(ir.Op(ir.OpAdvanceTime), d.Index)
	ts := b.MustAppendVar(ir.LoadTime(1_800_000_000))
	b.MustAppend(ir.Op(ir.OpSetTime), ts.Index)
	b.MustAppend(ir.Op(ir.OpAdvanceTime), d.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := []uint64{ctx.Timestamp + 60, ctx.Timestamp + 120, 1_800_000_000, 1_800_000_060}
	if len(out.Actions) != len(want) {
		t.Fatalf("expected %d actions, got %v", len(want), out.Actions)
	}

	for i, a := range out.Actions {
		if a.Kind != ActionSetTime || a.Time != want[i] {
			t.Fatalf("action %d: want SetTime(%d), got %v", i, want[i], a)
		}
	}
}

func TestCompile_Connect(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)

	node := b.MustAppendVar(ir.LoadNode(1))
	typ := b.MustAppendVar(ir.LoadConnectionType(ir.ConnectionTypes[0]))
	b.MustAppend(ir.Op(ir.OpAddConnection), node.Index, typ.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Actions) != 1 || out.Actions[0].Kind != ActionConnect ||
		out.Actions[0].Node != 1 || out.Actions[0].ConnType != ir.ConnectionTypes[0] {
		t.Fatalf("unexpected actions %v", out.Actions)
	}
}

func TestCompile_ContextMismatch(t *testing.T) {
	wide := testContext()
	wide.Nodes = 4
	wide.Connections = 8
	wide.Txos = append(wide.Txos, ir.Txo{Outpoint: ir.Outpoint{Txid: [32]byte{9}}, Value: 1000, ScriptPubKey: []byte{0x51}})
	wide.Headers = append(wide.Headers, ir.Header{Bits: 0x207fffff, Time: 1_700_000_600, Version: 4, Height: 201})

	narrow := testContext()

	cases := map[string]ir.Operation{
		"connection": ir.LoadConnection(7),
		"node":       ir.LoadNode(3),
		"txo":        ir.LoadTxo(wide.Txos[2]),
		"header":     ir.LoadHeader(wide.Headers[1]),
	}

	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			b := ir.NewBuilder(wide)
			b.MustAppend(op)

			_, err := New().Compile(mustFinalize(t, b), &narrow)
			if !ferrors.HasCode(err, ferrors.CodeContextMismatch) {
				t.Fatalf("expected context mismatch, got %v", err)
			}

			if _, err := New().Compile(mustFinalize(t, b), &wide); err != nil {
				t.Fatalf("compiling against the generating context: %v", err)
			}
		})
	}
}

func TestCompile_BlockAndInventory(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)

	funding := b.MustAppendVar(ir.LoadTxo(ctx.Txos[0]))
	tx := appendTx(b, []int{funding.Index}, 1000)

	bt := b.MustAppend(ir.Op(ir.OpBeginBlockTransactions))[0]
	b.MustAppend(ir.Op(ir.OpAddTx), bt.Index, tx.Index)
	txs := b.MustAppendVar(ir.Op(ir.OpEndBlockTransactions), bt.Index)

	parent := b.MustAppendVar(ir.LoadHeader(ctx.Headers[0]))
	ts := b.MustAppendVar(ir.LoadTime(1_700_000_600))
	ver := b.MustAppendVar(ir.LoadBlockVersion(4))
	blk := b.MustAppendVar(ir.Op(ir.OpBuildBlock), parent.Index, ts.Index, ver.Index, txs.Index)
	hdr := b.MustAppendVar(ir.Op(ir.OpTakeHeader), blk.Index)

	inv := b.MustAppend(ir.Op(ir.OpBeginBuildInventory))[0]
	b.MustAppend(ir.Op(ir.OpAddBlockWithWitnessInv), inv.Index, blk.Index)
	b.MustAppend(ir.Op(ir.OpAddWtxidInv), inv.Index, tx.Index)
	invList := b.MustAppendVar(ir.Op(ir.OpEndBuildInventory), inv.Index)

	conn := b.MustAppendVar(ir.LoadConnection(2))
	b.MustAppend(ir.Op(ir.OpSendHeader), conn.Index, hdr.Index)
	b.MustAppend(ir.Op(ir.OpSendBlock), conn.Index, blk.Index)
	b.MustAppend(ir.Op(ir.OpSendInv), conn.Index, invList.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Actions) != 3 {
		t.Fatalf("expected three sends, got %v", out.Actions)
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(out.Actions[1].Payload)); err != nil {
		t.Fatal(err)
	}

	if len(block.Transactions) != 2 || len(block.Transactions[0].TxOut) != 2 {
		t.Fatalf("expected coinbase with commitment plus one tx, got %d txs", len(block.Transactions))
	}

	genesis := ctx.Headers[0]
	parentHdr := headerToWire(&genesis)
	if block.Header.PrevBlock != parentHdr.BlockHash() || block.Header.Bits != genesis.Bits {
		t.Fatalf("block does not extend the parent header")
	}

	bv, ok := out.Metadata.Blocks[block.BlockHash()]
	if !ok || bv.Block != blk.Index || len(bv.Txs) != 1 || bv.Txs[0] != tx.Index {
		t.Fatalf("unexpected block metadata %+v", out.Metadata.Blocks)
	}

	var headers wire.MsgHeaders
	if err := headers.BtcDecode(bytes.NewReader(out.Actions[0].Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		t.Fatal(err)
	}

	if len(headers.Headers) != 1 || headers.Headers[0].BlockHash() != block.BlockHash() {
		t.Fatalf("sent header does not match the block")
	}

	var msgInv wire.MsgInv
	if err := msgInv.BtcDecode(bytes.NewReader(out.Actions[2].Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		t.Fatal(err)
	}

	if len(msgInv.InvList) != 2 || msgInv.InvList[0].Type != wire.InvTypeWitnessBlock || msgInv.InvList[1].Type != invTypeWtx {
		t.Fatalf("unexpected inventory %v", msgInv.InvList)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	ctx := testContext()
	gens := generators.DefaultGenerators(ctx)

	for seed := int64(0); seed < 20; seed++ {
		p, err := generators.GenerateProgram(ctx, gens, rand.New(rand.NewSource(seed)), 15)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}

		first, err := New().Compile(p, &ctx)
		if err != nil {
			t.Fatalf("seed %d: %v\n%s", seed, err, p)
		}

		second, err := New().Compile(p, &ctx)
		if err != nil {
			t.Fatal(err)
		}

		var a, b bytes.Buffer
		if err := EncodeActions(&a, first.Actions); err != nil {
			t.Fatal(err)
		}

		if err := EncodeActions(&b, second.Actions); err != nil {
			t.Fatal(err)
		}

		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Fatalf("seed %d: compilation is not deterministic", seed)
		}

		if len(first.Metadata.ActionIndices) != len(first.Actions) {
			t.Fatalf("seed %d: %d action indices for %d actions", seed, len(first.Metadata.ActionIndices), len(first.Actions))
		}
	}
}

func TestActions_RoundTrip(t *testing.T) {
	in := []Action{
		{Kind: ActionConnect, Node: 1, ConnType: "outbound"},
		{Kind: ActionSetTime, Time: 1_700_000_060},
		{Kind: ActionSendMessage, Conn: 2, Command: "ping", Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Kind: ActionSendMessage, Conn: 0, Command: "getaddr"},
	}

	var buf bytes.Buffer
	if err := EncodeActions(&buf, in); err != nil {
		t.Fatal(err)
	}

	out, err := DecodeActions(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != len(in) {
		t.Fatalf("expected %d actions, got %d", len(in), len(out))
	}

	for i := range in {
		if in[i].String() != out[i].String() || !bytes.Equal(in[i].Payload, out[i].Payload) {
			t.Fatalf("action %d: want %v, got %v", i, in[i], out[i])
		}
	}

	if _, err := DecodeActions(append(buf.Bytes(), 0)); !ferrors.HasCode(err, ferrors.CodeMalformedInput) {
		t.Fatalf("expected trailing byte rejection, got %v", err)
	}

	if _, err := DecodeActions(buf.Bytes()[:buf.Len()-3]); err == nil {
		t.Fatal("expected truncated stream rejection")
	}
}

func TestAction_Frame(t *testing.T) {
	a := Action{Kind: ActionSendMessage, Command: wire.CmdPing, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	frame := a.Frame(wire.TestNet)

	msg, raw, err := wire.ReadMessage(bytes.NewReader(frame), wire.ProtocolVersion, wire.TestNet)
	if err != nil {
		t.Fatal(err)
	}

	if msg.Command() != wire.CmdPing || !bytes.Equal(raw, a.Payload) {
		t.Fatalf("unexpected decoded message %v", msg)
	}
}

func TestRegtestChain(t *testing.T) {
	ctx, err := RegtestChain(1, 2, 110)
	if err != nil {
		t.Fatal(err)
	}

	if len(ctx.Headers) != 111 || len(ctx.Txos) != 11 {
		t.Fatalf("got %d headers and %d txos", len(ctx.Headers), len(ctx.Txos))
	}

	for i := 1; i < len(ctx.Headers); i++ {
		prev := headerToWire(&ctx.Headers[i-1])
		if ctx.Headers[i].Prev != prev.BlockHash() || ctx.Headers[i].Height != uint32(i) {
			t.Fatalf("header %d does not extend its parent", i)
		}
	}

	if ctx.Timestamp != uint64(ctx.Headers[110].Time) {
		t.Fatalf("timestamp %d is not the tip time", ctx.Timestamp)
	}

	// the chain's outputs are spendable by compiled programs
	b := ir.NewBuilder(ctx)
	first := b.MustAppendVar(ir.LoadTxo(ctx.Txos[0]))
	last := b.MustAppendVar(ir.LoadTxo(ctx.Txos[10]))
	appendTx(b, []int{first.Index, last.Index}, 1000)

	p := mustFinalize(t, b)

	if _, err := New().Compile(p, &ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := RegtestChain(0, 1, 1); err == nil {
		t.Fatal("expected an error for a chain without nodes")
	}
}
