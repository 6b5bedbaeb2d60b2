package generators

import (
	"bytes"
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

type outputKind int

const (
	outP2WSH outputKind = iota
	outAnchor
	outP2SH
	outP2PK
	outP2PKH
	outP2WPKH
	outOpReturn
	numOutputKinds
)

type txOutput struct {
	amount uint64
	kind   outputKind
}

const opTrue = 0x51

// signingKey is the fixed key used for key-based outputs so that their
// spends can be signed at compile time.
var signingKey = bytes.Repeat([]byte{0x41}, 32)

func randomOutputs(r *rand.Rand, n int) []txOutput {
	outs := make([]txOutput, n)
	for i := range outs {
		outs[i] = txOutput{amount: 5000 + uint64(r.Int63n(100_000_000-5000)), kind: outputKind(r.Intn(int(numOutputKinds)))}
	}

	return outs
}

func buildScripts(b *ir.Builder, kind outputKind) ir.IndexedVariable {
	switch kind {
	case outP2WSH, outP2SH:
		script := b.MustAppendVar(ir.LoadBytes([]byte{opTrue}))
		mut := b.MustAppendVar(ir.Op(ir.OpBeginWitnessStack))
		stack := b.MustAppendVar(ir.Op(ir.OpEndWitnessStack), mut.Index)

		op := ir.OpBuildPayToWitnessScriptHash
		if kind == outP2SH {
			op = ir.OpBuildPayToScriptHash
		}

		return b.MustAppendVar(ir.Op(op), script.Index, stack.Index)
	case outAnchor:
		return b.MustAppendVar(ir.Op(ir.OpBuildPayToAnchor))
	case outOpReturn:
		size := b.MustAppendVar(ir.LoadSize(2 << 15))
		return b.MustAppendVar(ir.Op(ir.OpBuildOpReturnScripts), size.Index)
	default:
		key := b.MustAppendVar(ir.LoadPrivateKey(signingKey))
		flags := b.MustAppendVar(ir.LoadSigHashFlags(0))

		op := ir.OpBuildPayToPubKey
		switch kind {
		case outP2PKH:
			op = ir.OpBuildPayToPubKeyHash
		case outP2WPKH:
			op = ir.OpBuildPayToWitnessPubKeyHash
		}

		return b.MustAppendVar(ir.Op(op), key.Index, flags.Index)
	}
}

// buildTx appends a complete transaction spending funding and returns the
// transaction variable plus one Txo variable per output.
func buildTx(b *ir.Builder, funding []ir.IndexedVariable, version uint32, outs []txOutput) (ir.IndexedVariable, []ir.IndexedVariable) {
	ver := b.MustAppendVar(ir.LoadTxVersion(version))
	lockTime := b.MustAppendVar(ir.LoadLockTime(0))
	mutTx := b.MustAppendVar(ir.Op(ir.OpBeginBuildTx), ver.Index, lockTime.Index)

	mutInputs := b.MustAppendVar(ir.Op(ir.OpBeginBuildTxInputs))
	for _, txo := range funding {
		seq := b.MustAppendVar(ir.LoadSequence(0xffffffff))
		b.MustAppend(ir.Op(ir.OpAddTxInput), mutInputs.Index, txo.Index, seq.Index)
	}

	inputs := b.MustAppendVar(ir.Op(ir.OpEndBuildTxInputs), mutInputs.Index)

	mutOutputs := b.MustAppendVar(ir.Op(ir.OpBeginBuildTxOutputs), inputs.Index)
	for _, out := range outs {
		scripts := buildScripts(b, out.kind)
		amount := b.MustAppendVar(ir.LoadAmount(out.amount))
		b.MustAppend(ir.Op(ir.OpAddTxOutput), mutOutputs.Index, scripts.Index, amount.Index)
	}

	outputs := b.MustAppendVar(ir.Op(ir.OpEndBuildTxOutputs), mutOutputs.Index)
	tx := b.MustAppendVar(ir.Op(ir.OpEndBuildTx), mutTx.Index, inputs.Index, outputs.Index)

	txos := make([]ir.IndexedVariable, 0, len(outs))
	for range outs {
		txos = append(txos, b.MustAppendVar(ir.Op(ir.OpTakeTxo), tx.Index))
	}

	return tx, txos
}

// announceAndSend sends a wtxid inv for tx followed by the tx itself.
func announceAndSend(b *ir.Builder, conn, tx ir.IndexedVariable) {
	mutInv := b.MustAppendVar(ir.Op(ir.OpBeginBuildInventory))
	b.MustAppend(ir.Op(ir.OpAddWtxidInv), mutInv.Index, tx.Index)
	inv := b.MustAppendVar(ir.Op(ir.OpEndBuildInventory), mutInv.Index)

	b.MustAppend(ir.Op(ir.OpSendInv), conn.Index, inv.Index)
	b.MustAppend(ir.Op(ir.OpSendTx), conn.Index, tx.Index)
}

// SingleTxGenerator builds one transaction from random unspent outputs and
// sometimes announces and sends it.
type SingleTxGenerator struct{ global }

func (SingleTxGenerator) Name() string { return "SingleTxGenerator" }

func (SingleTxGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	funding := b.RandomUtxos(r)
	if len(funding) == 0 {
		return ErrMissingVariables
	}

	version := choose(r, []uint32{1, 2, 3})
	tx, _ := buildTx(b, funding, version, randomOutputs(r, 1+r.Intn(len(funding)+4)))

	if r.Intn(2) == 0 {
		conn, err := b.RandomConnection(r)
		if err != nil {
			return ErrInvalidContext
		}

		announceAndSend(b, conn, tx)
	}

	return nil
}

// OneParentOneChildGenerator builds a parent and a child spending the
// parent's anchor output, then sends the child before the parent.
type OneParentOneChildGenerator struct{ global }

func (OneParentOneChildGenerator) Name() string { return "OneParentOneChildGenerator" }

func (OneParentOneChildGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	funding := b.RandomUtxos(r)
	if len(funding) == 0 {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	parent, parentTxos := buildTx(b, funding, 2, []txOutput{
		{amount: 100_000_000, kind: outP2WSH},
		{amount: 10_000, kind: outAnchor},
	})
	child, _ := buildTx(b, parentTxos[len(parentTxos)-1:], 2, []txOutput{{amount: 50_000_000, kind: outP2WSH}})

	announceAndSend(b, conn, child)
	announceAndSend(b, conn, parent)

	return nil
}

// longChainLength matches the default ancestor limit of the reference node.
const longChainLength = 25

// LongChainGenerator builds a chain of transactions each spending the
// previous one and sends them in order.
type LongChainGenerator struct{ global }

func (LongChainGenerator) Name() string { return "LongChainGenerator" }

func (LongChainGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	funding := b.RandomUtxos(r)
	if len(funding) == 0 {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	txs := make([]ir.IndexedVariable, 0, longChainLength)
	for i := 0; i < longChainLength; i++ {
		tx, txos := buildTx(b, funding, 2, []txOutput{{amount: 100_000_000 - uint64(i)*100_000, kind: outP2WSH}})
		txs = append(txs, tx)
		funding = txos
	}

	for _, tx := range txs {
		announceAndSend(b, conn, tx)
	}

	return nil
}

// LargeTxGenerator spends every selected output into a transaction with a
// large OP_RETURN output.
type LargeTxGenerator struct{ global }

func (LargeTxGenerator) Name() string { return "LargeTxGenerator" }

func (LargeTxGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	funding := b.RandomUtxos(r)
	if len(funding) == 0 {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	for _, utxo := range funding {
		tx, _ := buildTx(b, []ir.IndexedVariable{utxo}, 2, []txOutput{{amount: 10_000, kind: outOpReturn}})
		announceAndSend(b, conn, tx)
	}

	return nil
}

// TxoGenerator loads a random output from the program context.
type TxoGenerator struct{ global }

func (TxoGenerator) Name() string { return "TxoGenerator" }

func (TxoGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	txos := b.Context().Txos
	if len(txos) == 0 {
		return ErrInvalidContext
	}

	_, err := b.AppendOp(ir.LoadTxo(txos[r.Intn(len(txos))]))

	return err
}

// WitnessGenerator pushes a random item onto the innermost witness stack.
type WitnessGenerator struct{}

func (WitnessGenerator) Name() string                      { return "WitnessGenerator" }
func (WitnessGenerator) RequestedContext() ir.BlockContext { return ir.ContextWitnessStack }

func (WitnessGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	stack, ok := b.NearestVariable(ir.TypeMutWitnessStack)
	if !ok {
		return ErrMissingVariables
	}

	n := r.Intn(512)
	if r.Intn(10) != 0 {
		n = choose(r, []int{0, 1, 2, 4, 8, 32})
	}

	item := b.MustAppendVar(ir.LoadBytes(randomBytes(r, n)))
	b.MustAppend(ir.Op(ir.OpAddWitness), stack.Index, item.Index)

	return nil
}
