package generators

import (
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// HeaderGenerator loads a random header from the program context.
type HeaderGenerator struct{ global }

func (HeaderGenerator) Name() string { return "HeaderGenerator" }

func (HeaderGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	headers := b.Context().Headers
	if len(headers) == 0 {
		return ErrInvalidContext
	}

	_, err := b.AppendOp(ir.LoadHeader(headers[r.Intn(len(headers))]))

	return err
}

// BlockGenerator builds a block on top of a known header from a random set
// of transactions and sends its header followed by the block.
type BlockGenerator struct{ global }

func (BlockGenerator) Name() string { return "BlockGenerator" }

func (BlockGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	var (
		prev ir.IndexedVariable
		ok   bool
	)

	if r.Intn(2) == 0 {
		prev, ok = b.RandomVariable(r, ir.TypeHeader)
	} else {
		prev, ok = b.NearestSentHeader()
	}

	if !ok {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	blockTime, ok := b.RandomVariable(r, ir.TypeTime)
	if !ok {
		blockTime = b.MustAppendVar(ir.LoadTime(b.Context().Timestamp + uint64(r.Intn(7200))))
	}

	txs := b.RandomVariables(r, ir.TypeConstTx)

	mutTxs := b.MustAppendVar(ir.Op(ir.OpBeginBlockTransactions))
	for _, tx := range txs {
		b.MustAppend(ir.Op(ir.OpAddTx), mutTxs.Index, tx.Index)
	}

	blockTxs := b.MustAppendVar(ir.Op(ir.OpEndBlockTransactions), mutTxs.Index)
	version := b.MustAppendVar(ir.LoadBlockVersion(5))
	block := b.MustAppendVar(ir.Op(ir.OpBuildBlock), prev.Index, blockTime.Index, version.Index, blockTxs.Index)
	header := b.MustAppendVar(ir.Op(ir.OpTakeHeader), block.Index)

	b.MustAppend(ir.Op(ir.OpSendHeader), conn.Index, header.Index)
	b.MustAppend(ir.Op(ir.OpSendBlock), conn.Index, block.Index)

	return nil
}

// SendBlockGenerator resends an existing block, occasionally without witnesses.
type SendBlockGenerator struct{ global }

func (SendBlockGenerator) Name() string { return "SendBlockGenerator" }

func (SendBlockGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	block, ok := b.RandomVariable(r, ir.TypeBlock)
	if !ok {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	op := ir.OpSendBlock
	if r.Intn(20) == 0 {
		op = ir.OpSendBlockNoWit
	}

	b.MustAppend(ir.Op(op), conn.Index, block.Index)

	return nil
}

// AddTxToBlockGenerator adds random transactions to the innermost block
// transaction list.
type AddTxToBlockGenerator struct{}

func (AddTxToBlockGenerator) Name() string { return "AddTxToBlockGenerator" }

func (AddTxToBlockGenerator) RequestedContext() ir.BlockContext {
	return ir.ContextBlockTransactions
}

func (AddTxToBlockGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	mutTxs, ok := b.NearestVariable(ir.TypeMutBlockTransactions)
	if !ok {
		return ErrMissingVariables
	}

	txs := b.RandomVariables(r, ir.TypeConstTx)
	if len(txs) == 0 {
		return ErrMissingVariables
	}

	for _, tx := range txs {
		b.MustAppend(ir.Op(ir.OpAddTx), mutTxs.Index, tx.Index)
	}

	return nil
}

// AdvanceTimeGenerator moves the mock clock forward by one of Deltas seconds.
type AdvanceTimeGenerator struct {
	global
	Deltas []uint64
}

// NewAdvanceTimeGenerator returns a generator using power-of-two deltas up to 2^16 seconds.
func NewAdvanceTimeGenerator() AdvanceTimeGenerator {
	deltas := make([]uint64, 0, 17)
	for i := 0; i <= 16; i++ {
		deltas = append(deltas, 1<<i)
	}

	return AdvanceTimeGenerator{Deltas: deltas}
}

func (AdvanceTimeGenerator) Name() string { return "AdvanceTimeGenerator" }

func (g AdvanceTimeGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	delta := r.Uint64()
	if len(g.Deltas) > 0 {
		delta = choose(r, g.Deltas)
	}

	if r.Intn(8) == 0 {
		// jump straight to an absolute time relative to the snapshot
		t := b.MustAppendVar(ir.LoadTime(b.Context().Timestamp + delta))
		b.MustAppend(ir.Op(ir.OpSetTime), t.Index)

		return nil
	}

	d := b.MustAppendVar(ir.LoadDuration(delta))
	b.MustAppend(ir.Op(ir.OpAdvanceTime), d.Index)

	return nil
}

// CompactBlockGenerator announces an existing block as a BIP152 compact
// block with a fresh short id nonce.
type CompactBlockGenerator struct{ global }

func (CompactBlockGenerator) Name() string { return "CompactBlockGenerator" }

func (CompactBlockGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	block, ok := b.RandomVariable(r, ir.TypeBlock)
	if !ok {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	nonce, ok := b.RandomVariable(r, ir.TypeNonce)
	if !ok || r.Intn(2) == 0 {
		nonce = b.MustAppendVar(ir.LoadNonce(r.Uint64()))
	}

	cmpct := b.MustAppendVar(ir.Op(ir.OpBuildCompactBlock), block.Index, nonce.Index)
	b.MustAppend(ir.Op(ir.OpSendCompactBlock), conn.Index, cmpct.Index)

	return nil
}

// BlockTxnGenerator answers a getblocktxn for an existing block with a
// random selection of transactions, which need not belong to the block.
type BlockTxnGenerator struct{ global }

func (BlockTxnGenerator) Name() string { return "BlockTxnGenerator" }

func (BlockTxnGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	block, ok := b.RandomVariable(r, ir.TypeBlock)
	if !ok {
		return ErrMissingVariables
	}

	txs := b.RandomVariables(r, ir.TypeConstTx)
	if len(txs) == 0 {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	mut := b.MustAppendVar(ir.Op(ir.OpBeginBuildBlockTxn), block.Index)
	for _, tx := range txs {
		b.MustAppend(ir.Op(ir.OpAddTxToBlockTxn), mut.Index, tx.Index)
	}

	blockTxn := b.MustAppendVar(ir.Op(ir.OpEndBuildBlockTxn), mut.Index)
	b.MustAppend(ir.Op(ir.OpSendBlockTxn), conn.Index, blockTxn.Index)

	return nil
}

// AddTxToBlockTxnGenerator adds transactions to the innermost blocktxn
// under construction.
type AddTxToBlockTxnGenerator struct{}

func (AddTxToBlockTxnGenerator) Name() string { return "AddTxToBlockTxnGenerator" }

func (AddTxToBlockTxnGenerator) RequestedContext() ir.BlockContext { return ir.ContextBlockTxn }

func (AddTxToBlockTxnGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	mut, ok := b.NearestVariable(ir.TypeMutBlockTxn)
	if !ok {
		return ErrMissingVariables
	}

	txs := b.RandomVariables(r, ir.TypeConstTx)
	if len(txs) == 0 {
		return ErrMissingVariables
	}

	for _, tx := range txs {
		b.MustAppend(ir.Op(ir.OpAddTxToBlockTxn), mut.Index, tx.Index)
	}

	return nil
}
