package ir

import (
	"bytes"
	"fmt"
	"io"

	semver "github.com/Masterminds/semver/v3"
	"github.com/btcsuite/btcd/wire"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
)

// FormatVersion is the version written into program and context files.
const FormatVersion = "1.1.0"

// FormatConstraint is the range of file versions this package can read.
const FormatConstraint = "^1.0"

var (
	programMagic = [4]byte{'F', 'Z', 'I', 'R'}
	contextMagic = [4]byte{'F', 'Z', 'C', 'X'}
)

const (
	maxBlob      = 4 << 20
	maxItems     = 1 << 20
	maxStackSize = 1 << 12
)

// MarshalProgram encodes p into the versioned binary program format.
func MarshalProgram(p *Program) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, programMagic, FormatVersion); err != nil {
		return nil, err
	}

	w := &encoder{w: &buf}
	w.context(&p.Context)
	w.varint(uint64(len(p.Instructions)))

	for i := range p.Instructions {
		w.instruction(&p.Instructions[i])
	}

	if w.err != nil {
		return nil, ferrors.EncodingFailed("program", w.err)
	}

	return buf.Bytes(), nil
}

// UnmarshalProgram decodes a program file and replays it through the
// builder. Files that decode but describe an invalid program are rejected.
func UnmarshalProgram(data []byte) (*Program, error) {
	r := bytes.NewReader(data)
	if err := ReadHeader(r, programMagic, "program"); err != nil {
		return nil, err
	}

	d := &decoder{r: r}
	p := &Program{Context: d.context()}

	n := d.count(maxItems)
	if d.err == nil && n > 0 {
		p.Instructions = make([]Instruction, 0, d.capHint(n))
	}

	for i := 0; i < n && d.err == nil; i++ {
		p.Instructions = append(p.Instructions, d.instruction())
	}

	if d.err != nil {
		return nil, ferrors.MalformedInput("program", d.err)
	}

	if r.Len() != 0 {
		return nil, ferrors.MalformedInput("program", fmt.Errorf("%d trailing bytes", r.Len()))
	}

	if err := p.Validate(); err != nil {
		return nil, ferrors.MalformedInput("program", err)
	}

	return p, nil
}

// MarshalContext encodes ctx into the versioned binary context format.
func MarshalContext(ctx *Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, contextMagic, FormatVersion); err != nil {
		return nil, err
	}

	w := &encoder{w: &buf}
	w.context(ctx)

	if w.err != nil {
		return nil, ferrors.EncodingFailed("context", w.err)
	}

	return buf.Bytes(), nil
}

// UnmarshalContext decodes a context file.
func UnmarshalContext(data []byte) (*Context, error) {
	r := bytes.NewReader(data)
	if err := ReadHeader(r, contextMagic, "context"); err != nil {
		return nil, err
	}

	d := &decoder{r: r}
	ctx := d.context()

	if d.err != nil {
		return nil, ferrors.MalformedInput("context", d.err)
	}

	if r.Len() != 0 {
		return nil, ferrors.MalformedInput("context", fmt.Errorf("%d trailing bytes", r.Len()))
	}

	return &ctx, nil
}

// WriteHeader writes a file magic followed by the format version string.
func WriteHeader(w io.Writer, magic [4]byte, version string) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}

	return wire.WriteVarString(w, 0, version)
}

// ReadHeader checks the magic and that the format version satisfies FormatConstraint.
func ReadHeader(r io.Reader, magic [4]byte, what string) error {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return ferrors.MalformedInput(what, fmt.Errorf("reading magic: %w", err))
	}

	if got != magic {
		return ferrors.MalformedInput(what, fmt.Errorf("bad magic %q", got[:]))
	}

	vs, err := wire.ReadVarString(r, 0)
	if err != nil {
		return ferrors.MalformedInput(what, fmt.Errorf("reading version: %w", err))
	}

	v, err := semver.NewVersion(vs)
	if err != nil {
		return ferrors.MalformedInput(what, fmt.Errorf("version %q: %w", vs, err))
	}

	c, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		return err
	}

	if !c.Check(v) {
		return ferrors.UnsupportedVersion(what, vs, FormatConstraint)
	}

	return nil
}

// encoder keeps the first write error so call sites stay linear.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) varint(v uint64) {
	if e.err == nil {
		e.err = wire.WriteVarInt(e.w, 0, v)
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		e.err = wire.WriteVarBytes(e.w, 0, b)
	}
}

func (e *encoder) str(s string) {
	if e.err == nil {
		e.err = wire.WriteVarString(e.w, 0, s)
	}
}

func (e *encoder) raw(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) context(c *Context) {
	e.varint(uint64(c.Nodes))
	e.varint(uint64(c.Connections))
	e.varint(c.Timestamp)
	e.varint(uint64(len(c.Txos)))

	for i := range c.Txos {
		e.txo(&c.Txos[i])
	}

	e.varint(uint64(len(c.Headers)))

	for i := range c.Headers {
		e.header(&c.Headers[i])
	}
}

func (e *encoder) txo(t *Txo) {
	e.raw(t.Outpoint.Txid[:])
	e.varint(uint64(t.Outpoint.Vout))
	e.varint(t.Value)
	e.bytes(t.ScriptPubKey)
	e.bytes(t.SpendingScriptSig)
	e.varint(uint64(len(t.SpendingWitness)))

	for _, w := range t.SpendingWitness {
		e.bytes(w)
	}
}

func (e *encoder) header(h *Header) {
	e.raw(h.Prev[:])
	e.raw(h.MerkleRoot[:])
	e.varint(uint64(h.Nonce))
	e.varint(uint64(h.Bits))
	e.varint(uint64(h.Time))
	e.varint(uint64(uint32(h.Version)))
	e.varint(uint64(h.Height))
}

func (e *encoder) instruction(instr *Instruction) {
	op := &instr.Op
	e.varint(uint64(op.Kind))
	e.varint(uint64(len(instr.Inputs)))

	for _, in := range instr.Inputs {
		e.varint(uint64(in))
	}

	switch op.Kind.info().literal {
	case litBytes:
		e.bytes(op.Bytes)
	case litString:
		e.str(op.Str)
	case litInt:
		e.varint(op.Int)
	case litTxo:
		if op.Txo == nil {
			e.err = fmt.Errorf("%s without txo", op.Kind)
			return
		}

		e.txo(op.Txo)
	case litHeader:
		if op.Header == nil {
			e.err = fmt.Errorf("%s without header", op.Kind)
			return
		}

		e.header(op.Header)
	case litAddr:
		if op.Addr == nil {
			e.err = fmt.Errorf("%s without address", op.Kind)
			return
		}

		e.varint(uint64(op.Addr.Time))
		e.varint(op.Addr.Services)
		e.raw(op.Addr.IP[:])
		e.varint(uint64(op.Addr.Port))
	case litAddrV2:
		if op.AddrV2 == nil {
			e.err = fmt.Errorf("%s without address", op.Kind)
			return
		}

		e.varint(uint64(op.AddrV2.Time))
		e.varint(op.AddrV2.Services)
		e.varint(uint64(op.AddrV2.Network))
		e.bytes(op.AddrV2.Payload)
		e.varint(uint64(op.AddrV2.Port))
	case litFilterLoad:
		if op.Filter == nil {
			e.err = fmt.Errorf("%s without filter", op.Kind)
			return
		}

		e.bytes(op.Filter.Filter)
		e.varint(uint64(op.Filter.HashFuncs))
		e.varint(uint64(op.Filter.Tweak))
		e.varint(uint64(op.Filter.Flags))
	case litNop:
		e.varint(uint64(op.Outputs))
		e.varint(uint64(op.InnerOutputs))
	}
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) varint() uint64 {
	if d.err != nil {
		return 0
	}

	v, err := wire.ReadVarInt(d.r, 0)
	d.err = err

	return v
}

func (d *decoder) bounded(max uint64, field string) uint64 {
	v := d.varint()
	if d.err == nil && v > max {
		d.err = fmt.Errorf("%s %d exceeds %d", field, v, max)
	}

	return v
}

func (d *decoder) count(max int) int { return int(d.bounded(uint64(max), "count")) }

// capHint limits a slice capacity taken from the input to the bytes left to
// read. Every element occupies at least one byte.
func (d *decoder) capHint(n int) int {
	if l, ok := d.r.(interface{ Len() int }); ok && l.Len() < n {
		return l.Len()
	}

	return n
}

// bytes returns nil for empty blobs so decoded programs compare equal to the
// programs they were encoded from.
func (d *decoder) bytes(field string) []byte {
	if d.err != nil {
		return nil
	}

	b, err := wire.ReadVarBytes(d.r, 0, maxBlob, field)
	if err != nil {
		d.err = err
		return nil
	}

	if len(b) == 0 {
		return nil
	}

	return b
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}

	s, err := wire.ReadVarString(d.r, 0)
	d.err = err

	return s
}

func (d *decoder) raw(dst []byte) {
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, dst)
	}
}

func (d *decoder) context() Context {
	var c Context
	c.Nodes = int(d.bounded(maxItems, "nodes"))
	c.Connections = int(d.bounded(maxItems, "connections"))
	c.Timestamp = d.varint()

	if n := d.count(maxItems); n > 0 && d.err == nil {
		c.Txos = make([]Txo, 0, d.capHint(n))
		for i := 0; i < n && d.err == nil; i++ {
			c.Txos = append(c.Txos, d.txo())
		}
	}

	if n := d.count(maxItems); n > 0 && d.err == nil {
		c.Headers = make([]Header, 0, d.capHint(n))
		for i := 0; i < n && d.err == nil; i++ {
			c.Headers = append(c.Headers, d.header())
		}
	}

	return c
}

func (d *decoder) txo() Txo {
	var t Txo
	d.raw(t.Outpoint.Txid[:])
	t.Outpoint.Vout = uint32(d.bounded(0xffffffff, "vout"))
	t.Value = d.varint()
	t.ScriptPubKey = d.bytes("script_pubkey")
	t.SpendingScriptSig = d.bytes("spending_script_sig")

	if n := d.count(maxStackSize); n > 0 && d.err == nil {
		t.SpendingWitness = make([][]byte, 0, d.capHint(n))
		for i := 0; i < n && d.err == nil; i++ {
			w := d.bytes("witness")
			if w == nil {
				w = []byte{}
			}

			t.SpendingWitness = append(t.SpendingWitness, w)
		}
	}

	return t
}

func (d *decoder) header() Header {
	var h Header
	d.raw(h.Prev[:])
	d.raw(h.MerkleRoot[:])
	h.Nonce = uint32(d.bounded(0xffffffff, "nonce"))
	h.Bits = uint32(d.bounded(0xffffffff, "bits"))
	h.Time = uint32(d.bounded(0xffffffff, "time"))
	h.Version = int32(uint32(d.bounded(0xffffffff, "version")))
	h.Height = uint32(d.bounded(0xffffffff, "height"))

	return h
}

func (d *decoder) instruction() Instruction {
	var instr Instruction

	kind := OpKind(d.bounded(uint64(numOpKinds-1), "operation kind"))
	if d.err != nil {
		return instr
	}

	instr.Op.Kind = kind

	if n := d.count(16); n > 0 && d.err == nil {
		instr.Inputs = make([]int, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			instr.Inputs = append(instr.Inputs, int(d.bounded(maxItems*2, "input")))
		}
	}

	switch kind.info().literal {
	case litBytes:
		instr.Op.Bytes = d.bytes(kind.String())
	case litString:
		instr.Op.Str = d.str()
	case litInt:
		instr.Op.Int = d.varint()
	case litTxo:
		t := d.txo()
		instr.Op.Txo = &t
	case litHeader:
		h := d.header()
		instr.Op.Header = &h
	case litAddr:
		var a AddrRecord
		a.Time = uint32(d.bounded(0xffffffff, "addr time"))
		a.Services = d.varint()
		d.raw(a.IP[:])
		a.Port = uint16(d.bounded(0xffff, "port"))
		instr.Op.Addr = &a
	case litAddrV2:
		var a AddrRecordV2
		a.Time = uint32(d.bounded(0xffffffff, "addr time"))
		a.Services = d.varint()
		a.Network = AddrNetwork(d.bounded(0xff, "network"))
		a.Payload = d.bytes(kind.String())
		a.Port = uint16(d.bounded(0xffff, "port"))
		instr.Op.AddrV2 = &a
	case litFilterLoad:
		var f FilterLoad
		f.Filter = d.bytes(kind.String())
		f.HashFuncs = uint32(d.bounded(0xffffffff, "hash funcs"))
		f.Tweak = uint32(d.bounded(0xffffffff, "tweak"))
		f.Flags = uint8(d.bounded(0xff, "flags"))
		instr.Op.Filter = &f
	case litNop:
		instr.Op.Outputs = int(d.bounded(1, "nop outputs"))
		instr.Op.InnerOutputs = int(d.bounded(1, "nop inner outputs"))
	}

	return instr
}
