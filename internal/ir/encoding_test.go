package ir

import (
	"bytes"
	"runtime"
	"testing"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
)

func TestEncoding_ProgramRoundTrip(t *testing.T) {
	p := txProgram(t)
	p.Instructions = append(p.Instructions, Instruction{Op: Nop(1, 1)})

	data, err := MarshalProgram(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalProgram(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !got.Equal(p) {
		t.Fatalf("round trip mismatch:\n%s\nvs\n%s", got, p)
	}

	again, err := MarshalProgram(got)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(again, data) {
		t.Fatalf("re-encoding is not byte identical")
	}
}

func TestEncoding_LiteralsSurvive(t *testing.T) {
	ctx := testContext()
	b := NewBuilder(ctx)
	b.MustAppend(LoadBytes([]byte{0xde, 0xad}))
	b.MustAppend(LoadMsgType("sendcmpct"))
	b.MustAppend(LoadBlockVersion(-2))
	b.MustAppend(LoadHeader(ctx.Headers[0]))
	b.MustAppend(LoadAddr(AddrRecord{Time: 5, Services: 1033, IP: [16]byte{10: 0xff, 11: 0xff, 12: 127, 15: 1}, Port: 8333}))
	b.MustAppend(LoadPrivateKey(bytes.Repeat([]byte{7}, 32)))
	b.MustAppend(LoadAddrV2(AddrRecordV2{Time: 9, Services: 1, Network: NetI2P, Payload: bytes.Repeat([]byte{0xab}, 32), Port: 0}))
	b.MustAppend(LoadAddrV2(AddrRecordV2{Network: 42, Payload: []byte{1, 2, 3}, Port: 1}))
	b.MustAppend(LoadFilterLoad(FilterLoad{Filter: []byte{0xff, 0x00}, HashFuncs: 11, Tweak: 0xdeadbeef, Flags: 2}))
	b.MustAppend(LoadNonce(^uint64(0)))
	p, _ := b.Finalize()

	data, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalProgram(data)
	if err != nil {
		t.Fatal(err)
	}

	if err := got.Validate(); err != nil {
		t.Fatalf("decoded program invalid: %v", err)
	}

	if got.String() != p.String() || !got.Equal(p) {
		t.Fatalf("text forms differ:\n%s\n%s", got, p)
	}
}

func TestBuilder_RejectsUnrelayableAddrV2(t *testing.T) {
	for _, a := range []AddrRecordV2{
		{Network: NetTorV2, Payload: make([]byte, 10)},
		{Network: NetIPv4, Payload: make([]byte, 16)},
		{Network: NetCJDNS, Payload: make([]byte, 4)},
		{Network: 99, Payload: make([]byte, MaxAddrV2Payload+1)},
	} {
		b := NewBuilder(testContext())
		if _, err := b.AppendOp(LoadAddrV2(a)); !ferrors.HasCode(err, ferrors.CodeInvalidLiteral) {
			t.Fatalf("%s/%d: expected invalid literal, got %v", a.Network, len(a.Payload), err)
		}
	}

	b := NewBuilder(testContext())
	if _, err := b.AppendOp(Operation{Kind: OpLoadFilterLoad}); !ferrors.HasCode(err, ferrors.CodeInvalidLiteral) {
		t.Fatalf("expected missing filter to be rejected, got %v", err)
	}
}

func TestEncoding_Rejects(t *testing.T) {
	data, err := MarshalProgram(txProgram(t))
	if err != nil {
		t.Fatal(err)
	}

	bad := append([]byte(nil), data...)
	bad[0] = 'X'
	if _, err := UnmarshalProgram(bad); !ferrors.HasCode(err, ferrors.CodeMalformedInput) {
		t.Fatalf("expected malformed magic error, got %v", err)
	}

	if _, err := UnmarshalProgram(append(append([]byte(nil), data...), 0)); !ferrors.HasCode(err, ferrors.CodeMalformedInput) {
		t.Fatalf("expected trailing byte error, got %v", err)
	}

	if _, err := UnmarshalProgram(data[:len(data)/2]); err == nil {
		t.Fatalf("expected truncated input to fail")
	}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, programMagic, "2.0.0"); err != nil {
		t.Fatal(err)
	}

	if _, err := UnmarshalProgram(buf.Bytes()); !ferrors.HasCode(err, ferrors.CodeUnsupportedVersion) {
		t.Fatalf("expected version error, got %v", err)
	}

	ctxData, _ := MarshalContext(&Context{Nodes: 1})
	if _, err := UnmarshalProgram(ctxData); err == nil {
		t.Fatalf("context file must not decode as a program")
	}
}

func TestEncoding_RejectsInvalidProgram(t *testing.T) {
	p := NewProgram(Context{Nodes: 1, Connections: 1}, []Instruction{{Op: Op(OpSendGetAddr)}})

	data, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}

	_, err = UnmarshalProgram(data)
	if !ferrors.HasCode(err, ferrors.CodeMalformedInput) || !ferrors.HasCode(err, ferrors.CodeInvalidNumberOfInput) {
		t.Fatalf("expected a validation failure, got %v", err)
	}
}

func TestEncoding_HugeCountsDoNotPreallocate(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, programMagic, FormatVersion); err != nil {
		t.Fatal(err)
	}

	// empty context followed by a count of maxItems instructions
	buf.Write([]byte{1, 1, 0, 0, 0})
	buf.Write([]byte{0xfe, 0x00, 0x00, 0x10, 0x00})

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	if _, err := UnmarshalProgram(buf.Bytes()); !ferrors.HasCode(err, ferrors.CodeMalformedInput) {
		t.Fatalf("expected malformed input, got %v", err)
	}

	runtime.ReadMemStats(&after)

	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Fatalf("decoding %d bytes allocated %d bytes", buf.Len(), grew)
	}

	ctxBuf := bytes.NewBuffer(nil)
	if err := WriteHeader(ctxBuf, contextMagic, FormatVersion); err != nil {
		t.Fatal(err)
	}

	ctxBuf.Write([]byte{1, 1, 0, 0xfe, 0x00, 0x00, 0x10, 0x00})

	runtime.ReadMemStats(&before)

	if _, err := UnmarshalContext(ctxBuf.Bytes()); err == nil {
		t.Fatal("expected truncated context to fail")
	}

	runtime.ReadMemStats(&after)

	if grew := after.TotalAlloc - before.TotalAlloc; grew > 1<<20 {
		t.Fatalf("decoding context allocated %d bytes", grew)
	}
}

func TestEncoding_ContextRoundTrip(t *testing.T) {
	ctx := testContext()

	data, err := MarshalContext(&ctx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := UnmarshalContext(data)
	if err != nil {
		t.Fatal(err)
	}

	if !got.Equal(&ctx) {
		t.Fatalf("context round trip mismatch: %+v", got)
	}
}
