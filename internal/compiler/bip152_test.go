package compiler

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// appendBlock builds a block on the context header holding one transaction
// spending the first context txo.
func appendBlock(b *ir.Builder, ctx *ir.Context) (blk, tx ir.IndexedVariable) {
	funding := b.MustAppendVar(ir.LoadTxo(ctx.Txos[0]))
	tx = appendTx(b, []int{funding.Index}, 1000)

	bt := b.MustAppend(ir.Op(ir.OpBeginBlockTransactions))[0]
	b.MustAppend(ir.Op(ir.OpAddTx), bt.Index, tx.Index)
	txs := b.MustAppendVar(ir.Op(ir.OpEndBlockTransactions), bt.Index)

	parent := b.MustAppendVar(ir.LoadHeader(ctx.Headers[0]))
	ts := b.MustAppendVar(ir.LoadTime(1_700_000_600))
	ver := b.MustAppendVar(ir.LoadBlockVersion(4))
	blk = b.MustAppendVar(ir.Op(ir.OpBuildBlock), parent.Index, ts.Index, ver.Index, txs.Index)

	return blk, tx
}

func TestCompile_CompactBlockAndBlockTxn(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	blk, tx := appendBlock(b, &ctx)

	conn := b.MustAppendVar(ir.LoadConnection(1))
	nonce := b.MustAppendVar(ir.LoadNonce(0x0102030405060708))
	cmpct := b.MustAppendVar(ir.Op(ir.OpBuildCompactBlock), blk.Index, nonce.Index)
	b.MustAppend(ir.Op(ir.OpSendCompactBlock), conn.Index, cmpct.Index)
	b.MustAppend(ir.Op(ir.OpSendBlock), conn.Index, blk.Index)

	mut := b.MustAppend(ir.Op(ir.OpBeginBuildBlockTxn), blk.Index)[0]
	b.MustAppend(ir.Op(ir.OpAddTxToBlockTxn), mut.Index, tx.Index)
	b.MustAppend(ir.Op(ir.OpAddTxToBlockTxn), mut.Index, tx.Index)
	bt := b.MustAppendVar(ir.Op(ir.OpEndBuildBlockTxn), mut.Index)
	b.MustAppend(ir.Op(ir.OpSendBlockTxn), conn.Index, bt.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(out.Actions) != 3 || out.Actions[0].Command != CmdCmpctBlock || out.Actions[2].Command != CmdBlockTxn {
		t.Fatalf("unexpected actions %v", out.Actions)
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(out.Actions[1].Payload)); err != nil {
		t.Fatal(err)
	}

	var m MsgCmpctBlock
	if err := m.BtcDecode(bytes.NewReader(out.Actions[0].Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		t.Fatal(err)
	}

	if m.Header.BlockHash() != block.BlockHash() || m.Nonce != 0x0102030405060708 {
		t.Fatalf("compact block does not describe the block")
	}

	if len(m.Prefilled) != 1 || m.Prefilled[0].Index != 0 || m.Prefilled[0].Tx.TxHash() != block.Transactions[0].TxHash() {
		t.Fatalf("coinbase is not prefilled: %+v", m.Prefilled)
	}

	k0, k1 := ShortIDKeys(&block.Header, m.Nonce)
	wtxid := block.Transactions[1].WitnessHash()

	if len(m.ShortIDs) != 1 || m.ShortIDs[0] != ShortID(k0, k1, &wtxid) || m.ShortIDs[0]>>48 != 0 {
		t.Fatalf("unexpected short ids %x", m.ShortIDs)
	}

	var again bytes.Buffer
	if err := m.BtcEncode(&again, wire.ProtocolVersion, wire.WitnessEncoding); err != nil || !bytes.Equal(again.Bytes(), out.Actions[0].Payload) {
		t.Fatalf("cmpctblock does not re-encode identically: %v", err)
	}

	var txn MsgBlockTxn
	if err := txn.BtcDecode(bytes.NewReader(out.Actions[2].Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		t.Fatal(err)
	}

	if txn.BlockHash != block.BlockHash() || len(txn.Txs) != 2 || txn.Txs[1].TxHash() != block.Transactions[1].TxHash() {
		t.Fatalf("unexpected blocktxn %v %d", txn.BlockHash, len(txn.Txs))
	}
}

func TestCompile_ShortIDsDependOnNonce(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	blk, _ := appendBlock(b, &ctx)
	conn := b.MustAppendVar(ir.LoadConnection(0))

	for _, n := range []uint64{1, 2} {
		nonce := b.MustAppendVar(ir.LoadNonce(n))
		cmpct := b.MustAppendVar(ir.Op(ir.OpBuildCompactBlock), blk.Index, nonce.Index)
		b.MustAppend(ir.Op(ir.OpSendCompactBlock), conn.Index, cmpct.Index)
	}

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	var first, second MsgCmpctBlock
	_ = first.BtcDecode(bytes.NewReader(out.Actions[0].Payload), wire.ProtocolVersion, wire.WitnessEncoding)
	_ = second.BtcDecode(bytes.NewReader(out.Actions[1].Payload), wire.ProtocolVersion, wire.WitnessEncoding)

	if len(first.ShortIDs) != 1 || len(second.ShortIDs) != 1 || first.ShortIDs[0] == second.ShortIDs[0] {
		t.Fatalf("short ids must be salted by the nonce: %x %x", first.ShortIDs, second.ShortIDs)
	}
}

func TestMsgCmpctBlock_Rejects(t *testing.T) {
	var hdr bytes.Buffer
	_ = (&wire.BlockHeader{}).Serialize(&hdr)
	hdr.Write(make([]byte, 8))

	cases := map[string][]byte{
		"truncated nonce":  hdr.Bytes()[:84],
		"huge short ids":   append(append([]byte(nil), hdr.Bytes()...), 0xfe, 0xff, 0xff, 0xff, 0x7f),
		"truncated id":     append(append([]byte(nil), hdr.Bytes()...), 1, 0xaa, 0xbb),
		"index overflow":   append(append([]byte(nil), hdr.Bytes()...), 0, 1, 0xfe, 0, 0, 1, 0),
		"missing prefills": append(append([]byte(nil), hdr.Bytes()...), 0, 1),
	}

	for name, payload := range cases {
		var m MsgCmpctBlock
		if err := m.BtcDecode(bytes.NewReader(payload), wire.ProtocolVersion, wire.WitnessEncoding); err == nil {
			t.Fatalf("%s: decoded", name)
		}
	}

	bad := MsgCmpctBlock{Prefilled: []PrefilledTx{{Index: 1, Tx: wire.NewMsgTx(1)}, {Index: 1, Tx: wire.NewMsgTx(1)}}}
	if err := bad.BtcEncode(&bytes.Buffer{}, wire.ProtocolVersion, wire.WitnessEncoding); err == nil {
		t.Fatalf("repeated prefilled index encoded")
	}
}

func TestCompile_AddrV2(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	conn := b.MustAppendVar(ir.LoadConnection(0))

	recs := []ir.AddrRecordV2{
		{Time: 1_700_000_000, Services: 1033, Network: ir.NetIPv4, Payload: []byte{1, 2, 3, 4}, Port: 8333},
		{Time: 1_700_000_001, Services: 1, Network: ir.NetI2P, Payload: bytes.Repeat([]byte{9}, 32), Port: 0},
		{Time: 1_700_000_002, Services: 0, Network: 200, Payload: []byte{7, 7}, Port: 1},
	}

	mut := b.MustAppend(ir.Op(ir.OpBeginBuildAddrListV2))[0]
	for _, rec := range recs {
		a := b.MustAppendVar(ir.LoadAddrV2(rec))
		b.MustAppend(ir.Op(ir.OpAddAddrV2), mut.Index, a.Index)
	}

	list := b.MustAppendVar(ir.Op(ir.OpEndBuildAddrListV2), mut.Index)
	b.MustAppend(ir.Op(ir.OpSendAddrV2), conn.Index, list.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	a := out.Actions[0]
	if a.Command != wire.CmdAddrV2 {
		t.Fatalf("unexpected command %q", a.Command)
	}

	// count, then time, services, network, payload and a big endian port
	want := []byte{3,
		0x00, 0xf1, 0x53, 0x65, 0xfd, 0x09, 0x04, 1, 4, 1, 2, 3, 4, 0x20, 0x8d,
	}
	if !bytes.HasPrefix(a.Payload, want) {
		t.Fatalf("unexpected ipv4 entry % x", a.Payload[:len(want)])
	}

	if !bytes.HasSuffix(a.Payload, []byte{200, 2, 7, 7, 0, 1}) {
		t.Fatalf("unknown network entry not preserved: % x", a.Payload)
	}

	var msg wire.MsgAddrV2
	if err := msg.BtcDecode(bytes.NewReader(a.Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		t.Fatal(err)
	}

	// btcd keeps only the networks it stores
	if len(msg.AddrList) != 1 || msg.AddrList[0].Port != 8333 {
		t.Fatalf("unexpected decoded list %+v", msg.AddrList)
	}
}

func TestCompile_RawFilterLoadPastLimits(t *testing.T) {
	ctx := testContext()
	b := ir.NewBuilder(ctx)
	conn := b.MustAppendVar(ir.LoadConnection(0))
	f := b.MustAppendVar(ir.LoadFilterLoad(ir.FilterLoad{
		Filter:    bytes.Repeat([]byte{0xff}, wire.MaxFilterLoadFilterSize+1),
		HashFuncs: wire.MaxFilterLoadHashFuncs + 1,
		Tweak:     7,
		Flags:     2,
	}))
	b.MustAppend(ir.Op(ir.OpSendFilterLoad), conn.Index, f.Index)

	out, err := New().Compile(mustFinalize(t, b), &ctx)
	if err != nil {
		t.Fatal(err)
	}

	p := out.Actions[0].Payload
	if out.Actions[0].Command != wire.CmdFilterLoad || len(p) != 3+wire.MaxFilterLoadFilterSize+1+9 {
		t.Fatalf("unexpected filterload of %d bytes", len(p))
	}

	tail := p[len(p)-9:]
	if binary.LittleEndian.Uint32(tail) != wire.MaxFilterLoadHashFuncs+1 || binary.LittleEndian.Uint32(tail[4:]) != 7 || tail[8] != 2 {
		t.Fatalf("unexpected parameters % x", tail)
	}
}
