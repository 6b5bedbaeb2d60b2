package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

const (
	coinbaseValue = 50 * btcutil.SatoshiPerBitcoin
	// maxGrind bounds the nonce search for headers whose target is out of
	// easy reach; such blocks are emitted with an invalid proof of work.
	maxGrind = 1 << 22
)

type blockTxs struct {
	txs  []*tx
	vars []int
}

type block struct {
	msg      *wire.MsgBlock
	header   ir.Header
	coinbase *tx
}

// opTrueScript is the witness script spent by coinbase outputs.
var opTrueScript = []byte{txscript.OP_TRUE}

func headerToWire(h *ir.Header) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  chainhash.Hash(h.Prev),
		MerkleRoot: chainhash.Hash(h.MerkleRoot),
		Timestamp:  time.Unix(int64(h.Time), 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

func (c *Compiler) block(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBlockTransactions:
		c.define(&blockTxs{})
	case ir.OpAddTx:
		bt, t := arg[*blockTxs](a, 0), arg[*tx](a, 1)
		if a.err != nil {
			return a.err
		}

		bt.txs = append(bt.txs, t)
		bt.vars = append(bt.vars, instr.Inputs[1])
	case ir.OpEndBlockTransactions:
		bt := arg[*blockTxs](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(blockTxs{txs: append([]*tx(nil), bt.txs...), vars: append([]int(nil), bt.vars...)})
	case ir.OpBuildBlock:
		parent, ts, version, bt := arg[ir.Header](a, 0), arg[uint64](a, 1), arg[uint64](a, 2), arg[blockTxs](a, 3)
		if a.err != nil {
			return a.err
		}

		b, err := buildBlock(&parent, uint32(ts), int32(uint32(version)), bt.txs)
		if err != nil {
			return err
		}

		hash := b.msg.BlockHash()
		if _, ok := c.out.Metadata.Blocks[hash]; !ok {
			c.out.Metadata.Blocks[hash] = BlockVars{Block: len(c.vars), Txs: append([]int(nil), bt.vars...)}
		}

		c.define(b)
	case ir.OpTakeHeader:
		b := arg[*block](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(b.header)
	case ir.OpTakeCoinbaseTxo:
		b := arg[*block](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(c.take(b.coinbase))
	case ir.OpBuildCompactBlock:
		b, nonce := arg[*block](a, 0), arg[uint64](a, 1)
		if a.err != nil {
			return a.err
		}

		c.define(newCompactBlock(b, nonce))
	}

	return nil
}

func coinbaseTx(height uint32) (*tx, error) {
	sig, err := txscript.NewScriptBuilder().AddInt64(int64(height)).AddInt64(0xffffffff).Script()
	if err != nil {
		return nil, err
	}

	h := sha256.Sum256(opTrueScript)
	pk, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
	if err != nil {
		return nil, err
	}

	msg := wire.NewMsgTx(1)
	in := wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), sig, wire.TxWitness{make([]byte, 32)})
	in.Sequence = wire.MaxTxInSequenceNum
	msg.AddTxIn(in)
	msg.AddTxOut(wire.NewTxOut(coinbaseValue, pk))

	return &tx{msg: msg, txos: []*txo{{
		value:   coinbaseValue,
		scripts: scripts{pkScript: pk, witness: [][]byte{append([]byte(nil), opTrueScript...)}},
	}}}, nil
}

// buildBlock assembles a block on top of parent: a coinbase paying to
// P2WSH(OP_TRUE) with a witness commitment, the given transactions, the
// merkle root and a nonce satisfying the parent's bits where feasible.
func buildBlock(parent *ir.Header, ts uint32, version int32, txs []*tx) (*block, error) {
	height := parent.Height + 1

	cb, err := coinbaseTx(height)
	if err != nil {
		return nil, err
	}

	parentHdr := headerToWire(parent)
	msg := wire.NewMsgBlock(wire.NewBlockHeader(version, ptr(parentHdr.BlockHash()), &chainhash.Hash{}, parent.Bits, 0))
	msg.Header.Timestamp = time.Unix(int64(ts), 0)

	if err := msg.AddTransaction(cb.msg); err != nil {
		return nil, err
	}

	for _, t := range txs {
		if err := msg.AddTransaction(t.msg); err != nil {
			return nil, err
		}
	}

	// the coinbase is shared with the block, so commit before hashing
	utxs := make([]*btcutil.Tx, len(msg.Transactions))
	for i, t := range msg.Transactions {
		utxs[i] = btcutil.NewTx(t)
	}

	witnessRoot := blockchain.CalcMerkleRoot(utxs, true)

	var reserved [32]byte
	commitment := chainhash.DoubleHashB(append(witnessRoot[:], reserved[:]...))
	cb.msg.AddTxOut(wire.NewTxOut(0, append(append([]byte(nil), blockchain.WitnessMagicBytes...), commitment...)))

	for i := range utxs {
		utxs[i] = btcutil.NewTx(msg.Transactions[i])
	}

	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot(utxs, false)
	grind(&msg.Header)

	cbid := cb.msg.TxHash()
	cb.txos[0].outpoint = wire.OutPoint{Hash: cbid, Index: 0}

	hdr := msg.Header

	return &block{
		msg: msg,
		header: ir.Header{
			Prev:       hdr.PrevBlock,
			MerkleRoot: hdr.MerkleRoot,
			Nonce:      hdr.Nonce,
			Bits:       hdr.Bits,
			Time:       uint32(hdr.Timestamp.Unix()),
			Version:    hdr.Version,
			Height:     height,
		},
		coinbase: cb,
	}, nil
}

// grind searches for a nonce meeting the header's target. Targets above the
// regtest limit are malformed bits and are not ground.
func grind(h *wire.BlockHeader) {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(chaincfg.RegressionNetParams.PowLimit) > 0 {
		return
	}

	for i := 0; i < maxGrind; i++ {
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}

		h.Nonce++
	}
}

func ptr[T any](v T) *T { return &v }

type inventory []*wire.InvVect

// Inventory types btcd does not name.
const (
	invTypeCompactBlock wire.InvType = 4
	invTypeWtx          wire.InvType = 5
)

func (c *Compiler) inventory(instr *ir.Instruction) error {
	a := c.args(instr)
	k := instr.Op.Kind

	switch k {
	case ir.OpBeginBuildInventory:
		c.define(&inventory{})

		return nil
	case ir.OpEndBuildInventory:
		inv := arg[*inventory](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(append(inventory(nil), *inv...))

		return nil
	}

	inv := arg[*inventory](a, 0)

	var (
		typ  wire.InvType
		hash chainhash.Hash
	)

	switch k {
	case ir.OpAddTxidInv, ir.OpAddTxidWithWitnessInv, ir.OpAddWtxidInv:
		t := arg[*tx](a, 1)
		if a.err != nil {
			return a.err
		}

		switch k {
		case ir.OpAddTxidInv:
			typ, hash = wire.InvTypeTx, t.msg.TxHash()
		case ir.OpAddTxidWithWitnessInv:
			typ, hash = wire.InvTypeWitnessTx, t.msg.TxHash()
		default:
			typ, hash = invTypeWtx, t.msg.WitnessHash()
		}
	default:
		b := arg[*block](a, 1)
		if a.err != nil {
			return a.err
		}

		hash = b.msg.BlockHash()

		switch k {
		case ir.OpAddBlockInv:
			typ = wire.InvTypeBlock
		case ir.OpAddBlockWithWitnessInv:
			typ = wire.InvTypeWitnessBlock
		case ir.OpAddFilteredBlockInv:
			typ = wire.InvTypeFilteredBlock
		default:
			typ = invTypeCompactBlock
		}
	}

	*inv = append(*inv, wire.NewInvVect(typ, &hash))

	return nil
}

type addrList []*wire.NetAddress

func (c *Compiler) addrList(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBuildAddrList:
		c.define(&addrList{})
	case ir.OpAddAddr:
		l, rec := arg[*addrList](a, 0), arg[ir.AddrRecord](a, 1)
		if a.err != nil {
			return a.err
		}

		ip := make([]byte, 16)
		copy(ip, rec.IP[:])
		*l = append(*l, wire.NewNetAddressTimestamp(time.Unix(int64(rec.Time), 0), wire.ServiceFlag(rec.Services), ip, rec.Port))
	case ir.OpEndBuildAddrList:
		l := arg[*addrList](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(append(addrList(nil), *l...))
	}

	return nil
}

type addrListV2 []ir.AddrRecordV2

func (c *Compiler) addrListV2(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBuildAddrListV2:
		c.define(&addrListV2{})
	case ir.OpAddAddrV2:
		l, rec := arg[*addrListV2](a, 0), arg[ir.AddrRecordV2](a, 1)
		if a.err != nil {
			return a.err
		}

		*l = append(*l, rec)
	case ir.OpEndBuildAddrListV2:
		l := arg[*addrListV2](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(append(addrListV2(nil), *l...))
	}

	return nil
}

// encodeAddrV2 writes an addrv2 payload. btcd's codec only writes ipv4,
// ipv6 and tor addresses, so entries are serialized here.
func encodeAddrV2(l addrListV2) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, wire.ProtocolVersion, uint64(len(l))); err != nil {
		return nil, err
	}

	for _, rec := range l {
		var scratch [4]byte
		binary.LittleEndian.PutUint32(scratch[:], rec.Time)
		buf.Write(scratch[:])

		if err := wire.WriteVarInt(&buf, wire.ProtocolVersion, rec.Services); err != nil {
			return nil, err
		}

		buf.WriteByte(byte(rec.Network))

		if err := wire.WriteVarBytes(&buf, wire.ProtocolVersion, rec.Payload); err != nil {
			return nil, err
		}

		binary.BigEndian.PutUint16(scratch[:2], rec.Port)
		buf.Write(scratch[:2])
	}

	return buf.Bytes(), nil
}

func (c *Compiler) blockTxn(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBuildBlockTxn:
		b := arg[*block](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(&MsgBlockTxn{BlockHash: b.msg.BlockHash()})
	case ir.OpAddTxToBlockTxn:
		m, t := arg[*MsgBlockTxn](a, 0), arg[*tx](a, 1)
		if a.err != nil {
			return a.err
		}

		m.Txs = append(m.Txs, t.msg)
	case ir.OpEndBuildBlockTxn:
		m := arg[*MsgBlockTxn](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(MsgBlockTxn{BlockHash: m.BlockHash, Txs: append([]*wire.MsgTx(nil), m.Txs...)})
	}

	return nil
}

type filterAdd []byte

// Parameters of filters assembled with BeginBuildFilterLoad.
const (
	filterElements = 32
	filterFPRate   = 0.0001
)

func (c *Compiler) filter(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBuildFilterLoad:
		c.define(bloom.NewFilter(filterElements, 0, filterFPRate, wire.BloomUpdateAll))
	case ir.OpAddTxToFilter:
		f, t := arg[*bloom.Filter](a, 0), arg[*tx](a, 1)
		if a.err != nil {
			return a.err
		}

		hash := t.msg.TxHash()
		f.AddHash(&hash)
	case ir.OpAddTxoToFilter:
		f, t := arg[*bloom.Filter](a, 0), arg[*txo](a, 1)
		if a.err != nil {
			return a.err
		}

		f.AddOutPoint(&t.outpoint)
	case ir.OpEndBuildFilterLoad:
		f := arg[*bloom.Filter](a, 0)
		if a.err != nil {
			return a.err
		}

		m := f.MsgFilterLoad()
		c.define(&wire.MsgFilterLoad{
			Filter:    append([]byte(nil), m.Filter...),
			HashFuncs: m.HashFuncs,
			Tweak:     m.Tweak,
			Flags:     m.Flags,
		})
	case ir.OpBuildFilterAddFromTx:
		t := arg[*tx](a, 0)
		if a.err != nil {
			return a.err
		}

		hash := t.msg.TxHash()
		c.define(filterAdd(append([]byte(nil), hash[:]...)))
	case ir.OpBuildFilterAddFromTxo:
		t := arg[*txo](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(filterAdd(append([]byte(nil), t.scripts.pkScript...)))
	}

	return nil
}

// encodeTo serializes msg with the wire codec at the current protocol version.
func encodeTo(msg wire.Message, enc wire.MessageEncoding) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, wire.ProtocolVersion, enc); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Command(), err)
	}

	return buf.Bytes(), nil
}
