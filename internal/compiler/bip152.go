package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dchest/siphash"
)

// BIP152 commands. btcd only knows sendcmpct.
const (
	CmdCmpctBlock = "cmpctblock"
	CmdBlockTxn   = "blocktxn"
)

const (
	shortIDSize = 6
	shortIDMask = 1<<(8*shortIDSize) - 1
	// maxBlockTxs bounds transaction counts read from a payload; no
	// transaction serializes to fewer than 10 bytes.
	maxBlockTxs = wire.MaxBlockPayload / 10
	// prefilled indexes are 16 bit in Bitcoin Core
	maxPrefillIndex = 0xffff
)

// PrefilledTx is a transaction sent in full inside a compact block. Index is
// its absolute position in the block.
type PrefilledTx struct {
	Index int
	Tx    *wire.MsgTx
}

// MsgCmpctBlock is the BIP152 cmpctblock message (HeaderAndShortIDs).
type MsgCmpctBlock struct {
	Header    wire.BlockHeader
	Nonce     uint64
	ShortIDs  []uint64
	Prefilled []PrefilledTx
}

var _ wire.Message = (*MsgCmpctBlock)(nil)

func (m *MsgCmpctBlock) Command() string { return CmdCmpctBlock }

func (m *MsgCmpctBlock) MaxPayloadLength(uint32) uint32 { return wire.MaxBlockPayload }

func (m *MsgCmpctBlock) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if err := m.Header.Serialize(w); err != nil {
		return err
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], m.Nonce)

	if _, err := w.Write(buf[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(m.ShortIDs))); err != nil {
		return err
	}

	for _, id := range m.ShortIDs {
		binary.LittleEndian.PutUint64(buf[:], id)

		if _, err := w.Write(buf[:shortIDSize]); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(m.Prefilled))); err != nil {
		return err
	}

	// indexes are written as the gap to the previous one
	prev := -1
	for _, p := range m.Prefilled {
		if p.Index <= prev {
			return messageError("MsgCmpctBlock.BtcEncode",
				fmt.Sprintf("prefilled index %d does not follow %d", p.Index, prev))
		}

		if err := wire.WriteVarInt(w, pver, uint64(p.Index-prev-1)); err != nil {
			return err
		}

		if err := p.Tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}

		prev = p.Index
	}

	return nil
}

func (m *MsgCmpctBlock) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if err := m.Header.Deserialize(r); err != nil {
		return err
	}

	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	m.Nonce = binary.LittleEndian.Uint64(buf[:])

	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	if n > maxBlockTxs {
		return messageError("MsgCmpctBlock.BtcDecode", fmt.Sprintf("%d short ids", n))
	}

	m.ShortIDs = nil
	for i := uint64(0); i < n; i++ {
		clear(buf[:])
		if _, err := io.ReadFull(r, buf[:shortIDSize]); err != nil {
			return err
		}

		m.ShortIDs = append(m.ShortIDs, binary.LittleEndian.Uint64(buf[:]))
	}

	if n, err = wire.ReadVarInt(r, pver); err != nil {
		return err
	}

	if n > maxBlockTxs {
		return messageError("MsgCmpctBlock.BtcDecode", fmt.Sprintf("%d prefilled transactions", n))
	}

	m.Prefilled = nil
	idx := -1
	for i := uint64(0); i < n; i++ {
		gap, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}

		if gap > maxPrefillIndex || idx+int(gap)+1 > maxPrefillIndex {
			return messageError("MsgCmpctBlock.BtcDecode", "prefilled index overflows")
		}

		idx += int(gap) + 1

		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}

		m.Prefilled = append(m.Prefilled, PrefilledTx{Index: idx, Tx: tx})
	}

	return nil
}

// MsgBlockTxn is the BIP152 blocktxn message answering a getblocktxn.
type MsgBlockTxn struct {
	BlockHash chainhash.Hash
	Txs       []*wire.MsgTx
}

var _ wire.Message = (*MsgBlockTxn)(nil)

func (m *MsgBlockTxn) Command() string { return CmdBlockTxn }

func (m *MsgBlockTxn) MaxPayloadLength(uint32) uint32 { return wire.MaxBlockPayload }

func (m *MsgBlockTxn) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	if _, err := w.Write(m.BlockHash[:]); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, pver, uint64(len(m.Txs))); err != nil {
		return err
	}

	for _, tx := range m.Txs {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

func (m *MsgBlockTxn) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	if _, err := io.ReadFull(r, m.BlockHash[:]); err != nil {
		return err
	}

	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	if n > maxBlockTxs {
		return messageError("MsgBlockTxn.BtcDecode", fmt.Sprintf("%d transactions", n))
	}

	m.Txs = nil
	for i := uint64(0); i < n; i++ {
		tx := &wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}

		m.Txs = append(m.Txs, tx)
	}

	return nil
}

// MakeEmptyMessage returns an empty message for the commands this package
// defines on top of btcd, or nil.
func MakeEmptyMessage(command string) wire.Message {
	switch command {
	case CmdCmpctBlock:
		return &MsgCmpctBlock{}
	case CmdBlockTxn:
		return &MsgBlockTxn{}
	}

	return nil
}

func messageError(f, desc string) *wire.MessageError {
	return &wire.MessageError{Func: f, Description: desc}
}

// ShortIDKeys derives the SipHash-2-4 keys for a compact block: the first
// two little endian words of SHA256(header || nonce).
func ShortIDKeys(h *wire.BlockHeader, nonce uint64) (k0, k1 uint64) {
	var buf bytes.Buffer
	_ = h.Serialize(&buf)
	_ = binary.Write(&buf, binary.LittleEndian, nonce)

	sum := sha256.Sum256(buf.Bytes())

	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

// ShortID is the 6 byte short transaction id of a wtxid.
func ShortID(k0, k1 uint64, wtxid *chainhash.Hash) uint64 {
	return siphash.Hash(k0, k1, wtxid[:]) & shortIDMask
}

// newCompactBlock encodes b as a version 2 compact block: the coinbase is
// prefilled and every other transaction is referenced by the short id of its
// wtxid.
func newCompactBlock(b *block, nonce uint64) *MsgCmpctBlock {
	m := &MsgCmpctBlock{Header: b.msg.Header, Nonce: nonce}
	k0, k1 := ShortIDKeys(&m.Header, nonce)

	for i, t := range b.msg.Transactions {
		if i == 0 {
			m.Prefilled = append(m.Prefilled, PrefilledTx{Index: 0, Tx: t})
			continue
		}

		wtxid := t.WitnessHash()
		m.ShortIDs = append(m.ShortIDs, ShortID(k0, k1, &wtxid))
	}

	return m
}
