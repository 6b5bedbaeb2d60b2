package compiler

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// signer describes how an input spending these scripts is signed once the
// transaction is complete.
type signer struct {
	kind     ir.OpKind
	key      *btcec.PrivateKey
	hashType txscript.SigHashType
}

type scripts struct {
	pkScript  []byte
	sigScript []byte
	witness   [][]byte
	sign      *signer
}

type txo struct {
	outpoint wire.OutPoint
	value    uint64
	scripts  scripts
}

type witnessStack [][]byte

type txInput struct {
	txo      *txo
	sequence uint32
}

type txInputs struct {
	inputs []txInput
	total  uint64
}

type txOutput struct {
	scripts scripts
	amount  uint64
}

type txOutputs struct {
	outputs []txOutput
	fees    uint64
}

type tx struct {
	msg      *wire.MsgTx
	txos     []*txo
	selector int
}

func txoFromContext(t *ir.Txo) *txo {
	return &txo{
		outpoint: wire.OutPoint{Hash: chainhash.Hash(t.Outpoint.Txid), Index: t.Outpoint.Vout},
		value:    t.Value,
		scripts: scripts{
			pkScript:  append([]byte(nil), t.ScriptPubKey...),
			sigScript: append([]byte(nil), t.SpendingScriptSig...),
			witness:   cloneStack(t.SpendingWitness),
		},
	}
}

func cloneStack(s [][]byte) [][]byte {
	if s == nil {
		return nil
	}

	out := make([][]byte, len(s))
	for i := range s {
		out[i] = append([]byte(nil), s[i]...)
	}

	return out
}

// pushAll builds a script pushing every item, without the standardness size
// limits of AddData.
func pushAll(items ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	for _, it := range items {
		b.AddFullData(it)
	}

	return b.Script()
}

func (c *Compiler) witness(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginWitnessStack:
		c.define(&witnessStack{})
	case ir.OpAddWitness:
		st, item := arg[*witnessStack](a, 0), arg[[]byte](a, 1)
		if a.err != nil {
			return a.err
		}

		*st = append(*st, append([]byte(nil), item...))
	case ir.OpEndWitnessStack:
		st := arg[*witnessStack](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(witnessStack(cloneStack(*st)))
	}

	return nil
}

func (c *Compiler) buildScripts(instr *ir.Instruction) error {
	a := c.args(instr)

	var s scripts

	switch instr.Op.Kind {
	case ir.OpBuildRawScripts:
		pk, sig, wit := arg[[]byte](a, 0), arg[[]byte](a, 1), arg[witnessStack](a, 2)
		if a.err != nil {
			return a.err
		}

		s = scripts{pkScript: append([]byte(nil), pk...), sigScript: append([]byte(nil), sig...), witness: cloneStack(wit)}
	case ir.OpBuildPayToWitnessScriptHash:
		script, wit := arg[[]byte](a, 0), arg[witnessStack](a, 1)
		if a.err != nil {
			return a.err
		}

		h := sha256.Sum256(script)
		pk, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(h[:]).Script()
		if err != nil {
			return err
		}

		s = scripts{pkScript: pk, witness: append(cloneStack(wit), append([]byte(nil), script...))}
	case ir.OpBuildPayToScriptHash:
		script, wit := arg[[]byte](a, 0), arg[witnessStack](a, 1)
		if a.err != nil {
			return a.err
		}

		pk, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_HASH160).AddData(btcutil.Hash160(script)).AddOp(txscript.OP_EQUAL).Script()
		if err != nil {
			return err
		}

		sig, err := pushAll(append(cloneStack(wit), script)...)
		if err != nil {
			return err
		}

		s = scripts{pkScript: pk, sigScript: sig}
	case ir.OpBuildPayToPubKey, ir.OpBuildPayToPubKeyHash, ir.OpBuildPayToWitnessPubKeyHash:
		raw, flags := arg[[]byte](a, 0), arg[uint64](a, 1)
		if a.err != nil {
			return a.err
		}

		var err error
		if s, err = keyScripts(instr.Op.Kind, raw, txscript.SigHashType(flags)); err != nil {
			return err
		}
	case ir.OpBuildOpReturnScripts:
		size := arg[uint64](a, 0)
		if a.err != nil {
			return a.err
		}

		if size > uint64(wire.MaxBlockPayload) {
			return fmt.Errorf("op_return size %d too large", size)
		}

		data := make([]byte, size)
		for i := range data {
			data[i] = 0x41
		}

		pk, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddFullData(data).Script()
		if err != nil {
			return err
		}

		s = scripts{pkScript: pk}
	case ir.OpBuildPayToAnchor:
		s = scripts{pkScript: []byte{txscript.OP_1, txscript.OP_DATA_2, 0x4e, 0x73}}
	}

	c.define(&s)

	return nil
}

func keyScripts(kind ir.OpKind, raw []byte, hashType txscript.SigHashType) (scripts, error) {
	var scalar btcec.ModNScalar
	if len(raw) != 32 || scalar.SetByteSlice(raw) || scalar.IsZero() {
		return scripts{}, fmt.Errorf("private key is not a valid scalar")
	}

	key, pub := btcec.PrivKeyFromBytes(raw)
	pubBytes := pub.SerializeCompressed()
	sign := &signer{kind: kind, key: key, hashType: hashType}

	switch kind {
	case ir.OpBuildPayToPubKey:
		pk, err := txscript.NewScriptBuilder().AddData(pubBytes).AddOp(txscript.OP_CHECKSIG).Script()
		return scripts{pkScript: pk, sign: sign}, err
	case ir.OpBuildPayToPubKeyHash:
		pk, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(btcutil.Hash160(pubBytes)).
			AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).Script()
		if err != nil {
			return scripts{}, err
		}

		sig, err := pushAll(pubBytes)

		return scripts{pkScript: pk, sigScript: sig, sign: sign}, err
	default:
		pk, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(btcutil.Hash160(pubBytes)).Script()
		return scripts{pkScript: pk, witness: [][]byte{pubBytes}, sign: sign}, err
	}
}

func (c *Compiler) transaction(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpBeginBuildTx:
		version, lockTime := arg[uint64](a, 0), arg[uint64](a, 1)
		if a.err != nil {
			return a.err
		}

		msg := wire.NewMsgTx(int32(uint32(version)))
		msg.LockTime = uint32(lockTime)
		c.define(&tx{msg: msg})
	case ir.OpBeginBuildTxInputs:
		c.define(&txInputs{})
	case ir.OpAddTxInput:
		ins, t, seq := arg[*txInputs](a, 0), arg[*txo](a, 1), arg[uint64](a, 2)
		if a.err != nil {
			return a.err
		}

		ins.inputs = append(ins.inputs, txInput{txo: t, sequence: uint32(seq)})
		ins.total += t.value
	case ir.OpEndBuildTxInputs:
		ins := arg[*txInputs](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(txInputs{inputs: append([]txInput(nil), ins.inputs...), total: ins.total})
	case ir.OpBeginBuildTxOutputs:
		ins := arg[txInputs](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(&txOutputs{fees: ins.total})
	case ir.OpAddTxOutput:
		outs, s, amount := arg[*txOutputs](a, 0), arg[*scripts](a, 1), arg[uint64](a, 2)
		if a.err != nil {
			return a.err
		}

		amount = min(amount, outs.fees)
		outs.fees -= amount
		outs.outputs = append(outs.outputs, txOutput{scripts: *s, amount: amount})
	case ir.OpEndBuildTxOutputs:
		outs := arg[*txOutputs](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(txOutputs{outputs: append([]txOutput(nil), outs.outputs...), fees: outs.fees})
	case ir.OpEndBuildTx:
		t, ins, outs := arg[*tx](a, 0), arg[txInputs](a, 1), arg[txOutputs](a, 2)
		if a.err != nil {
			return a.err
		}

		done, err := finalizeTx(t, ins, outs)
		if err != nil {
			return err
		}

		c.define(done)
	case ir.OpTakeTxo:
		t := arg[*tx](a, 0)
		if a.err != nil {
			return a.err
		}

		c.define(c.take(t))
	}

	return nil
}

// take returns the next output of t in round robin order, or an empty output
// if t has none.
func (c *Compiler) take(t *tx) *txo {
	txid := t.msg.TxHash()
	if _, ok := c.out.Metadata.TxoVars[txid]; !ok {
		c.out.Metadata.TxoVars[txid] = len(c.vars)
	}

	if len(t.txos) == 0 {
		return &txo{}
	}

	out := t.txos[t.selector%len(t.txos)]
	t.selector++

	return out
}

func finalizeTx(t *tx, ins txInputs, outs txOutputs) (*tx, error) {
	msg := t.msg.Copy()
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))

	for _, in := range ins.inputs {
		ti := wire.NewTxIn(&in.txo.outpoint, append([]byte(nil), in.txo.scripts.sigScript...), cloneStack(in.txo.scripts.witness))
		ti.Sequence = in.sequence
		msg.AddTxIn(ti)

		fetcher.AddPrevOut(in.txo.outpoint, wire.NewTxOut(int64(in.txo.value), in.txo.scripts.pkScript))
	}

	for _, out := range outs.outputs {
		msg.AddTxOut(wire.NewTxOut(int64(out.amount), append([]byte(nil), out.scripts.pkScript...)))
	}

	sigHashes := txscript.NewTxSigHashes(msg, fetcher)

	for idx, in := range ins.inputs {
		if err := signInput(msg, sigHashes, idx, in.txo); err != nil {
			return nil, fmt.Errorf("signing input %d: %w", idx, err)
		}
	}

	done := &tx{msg: msg}
	txid := msg.TxHash()

	for i, out := range outs.outputs {
		done.txos = append(done.txos, &txo{
			outpoint: wire.OutPoint{Hash: txid, Index: uint32(i)},
			value:    out.amount,
			scripts:  out.scripts,
		})
	}

	return done, nil
}

func signInput(msg *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, t *txo) error {
	s := t.scripts.sign
	if s == nil {
		return nil
	}

	pub := s.key.PubKey().SerializeCompressed()

	switch s.kind {
	case ir.OpBuildPayToPubKey, ir.OpBuildPayToPubKeyHash:
		sig, err := txscript.RawTxInSignature(msg, idx, t.scripts.pkScript, s.hashType, s.key)
		if err != nil {
			return err
		}

		items := [][]byte{sig}
		if s.kind == ir.OpBuildPayToPubKeyHash {
			items = append(items, pub)
		}

		script, err := pushAll(items...)
		if err != nil {
			return err
		}

		msg.TxIn[idx].SignatureScript = script
	case ir.OpBuildPayToWitnessPubKeyHash:
		sig, err := txscript.RawTxInWitnessSignature(msg, sigHashes, idx, int64(t.value), t.scripts.pkScript, s.hashType, s.key)
		if err != nil {
			return err
		}

		msg.TxIn[idx].Witness = wire.TxWitness{sig, pub}
	}

	return nil
}
