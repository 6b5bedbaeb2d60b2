package ir

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Context describes the snapshot state a program is generated against. It is
// produced once per campaign and treated as read-only afterwards.
type Context struct {
	Nodes       int
	Connections int
	Timestamp   uint64
	Txos        []Txo
	Headers     []Header
}

// Outpoint references a transaction output by txid and index.
type Outpoint struct {
	Txid [32]byte
	Vout uint32
}

func (o Outpoint) String() string { return fmt.Sprintf("%s:%d", o.TxidHex(), o.Vout) }

// TxidHex returns the txid in the usual byte-reversed hex form.
func (o Outpoint) TxidHex() string {
	var rev [32]byte
	for i := range o.Txid {
		rev[i] = o.Txid[31-i]
	}

	return hex.EncodeToString(rev[:])
}

// Txo is a spendable output together with the data needed to spend it.
type Txo struct {
	Outpoint          Outpoint
	Value             uint64
	ScriptPubKey      []byte
	SpendingScriptSig []byte
	SpendingWitness   [][]byte
}

// Equal compares two outputs field by field. Nil and empty byte slices are equal.
func (t *Txo) Equal(o *Txo) bool {
	if t == nil || o == nil {
		return t == o
	}

	if t.Outpoint != o.Outpoint || t.Value != o.Value ||
		!bytes.Equal(t.ScriptPubKey, o.ScriptPubKey) ||
		!bytes.Equal(t.SpendingScriptSig, o.SpendingScriptSig) ||
		len(t.SpendingWitness) != len(o.SpendingWitness) {
		return false
	}

	for i := range t.SpendingWitness {
		if !bytes.Equal(t.SpendingWitness[i], o.SpendingWitness[i]) {
			return false
		}
	}

	return true
}

func (t *Txo) clone() *Txo {
	c := *t
	c.ScriptPubKey = cloneBytes(t.ScriptPubKey)
	c.SpendingScriptSig = cloneBytes(t.SpendingScriptSig)
	if t.SpendingWitness != nil {
		c.SpendingWitness = make([][]byte, len(t.SpendingWitness))
		for i, w := range t.SpendingWitness {
			c.SpendingWitness[i] = cloneBytes(w)
		}
	}

	return &c
}

// Header is a block header known to the target, with its chain height.
type Header struct {
	Prev       [32]byte
	MerkleRoot [32]byte
	Nonce      uint32
	Bits       uint32
	Time       uint32
	Version    int32
	Height     uint32
}

// AddrRecord is a single entry of an addr message.
type AddrRecord struct {
	Time     uint32
	Services uint64
	IP       [16]byte
	Port     uint16
}

// HasTxo reports whether the context makes the given output available.
func (c *Context) HasTxo(t *Txo) bool {
	for i := range c.Txos {
		if c.Txos[i].Equal(t) {
			return true
		}
	}

	return false
}

// HasHeader reports whether the context makes the given header available.
func (c *Context) HasHeader(h *Header) bool {
	for i := range c.Headers {
		if c.Headers[i] == *h {
			return true
		}
	}

	return false
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	out := c
	if c.Txos != nil {
		out.Txos = make([]Txo, len(c.Txos))
		for i := range c.Txos {
			out.Txos[i] = *c.Txos[i].clone()
		}
	}

	if c.Headers != nil {
		out.Headers = append([]Header(nil), c.Headers...)
	}

	return out
}

// Equal compares two contexts structurally.
func (c *Context) Equal(o *Context) bool {
	if c.Nodes != o.Nodes || c.Connections != o.Connections || c.Timestamp != o.Timestamp ||
		len(c.Txos) != len(o.Txos) || len(c.Headers) != len(o.Headers) {
		return false
	}

	for i := range c.Txos {
		if !c.Txos[i].Equal(&o.Txos[i]) {
			return false
		}
	}

	for i := range c.Headers {
		if c.Headers[i] != o.Headers[i] {
			return false
		}
	}

	return true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}
