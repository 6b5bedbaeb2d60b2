// Package compiler lowers IR programs to the flat action sequence consumed by
// execution backends.
//
// Compilation is a single forward pass. Every IR variable has a concrete
// value in the compiler's environment; composite values (scripts,
// transactions, blocks, inventories) are assembled with btcd and encoded
// with its wire codec. The same program and context always compile to the
// same bytes.
package compiler

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// Compiler holds the per-compilation environment. It may be reused for
// several programs but not shared between goroutines.
type Compiler struct {
	ctx  *ir.Context
	vars []any
	now  uint64
	out  *CompiledProgram
}

func New() *Compiler { return &Compiler{} }

// Compile lowers p against ctx. p must be structurally valid; references
// that ctx cannot satisfy fail with a CONTEXT_MISMATCH error.
func (c *Compiler) Compile(p *ir.Program, ctx *ir.Context) (*CompiledProgram, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c.reset(ctx)

	for i := range p.Instructions {
		instr := &p.Instructions[i]

		if err := c.checkContext(i, instr.Op); err != nil {
			return nil, err
		}

		before := len(c.out.Actions)
		defined := len(c.vars)

		if err := c.step(instr); err != nil {
			return nil, ferrors.CompileFailed(i, instr.Op.Kind.String(), err)
		}

		if want := instr.Op.NumOutputs() + instr.Op.NumInnerOutputs(); len(c.vars)-defined != want {
			return nil, ferrors.CompileFailed(i, instr.Op.Kind.String(),
				fmt.Errorf("defined %d variables, want %d", len(c.vars)-defined, want))
		}

		for range c.out.Actions[before:] {
			c.out.Metadata.ActionIndices = append(c.out.Metadata.ActionIndices, i)
		}

		for range c.vars[defined:] {
			c.out.Metadata.VariableIndices = append(c.out.Metadata.VariableIndices, i)
		}
	}

	c.out.Metadata.Instructions = len(p.Instructions)

	out := c.out
	c.out, c.vars, c.ctx = nil, nil, nil

	return out, nil
}

func (c *Compiler) reset(ctx *ir.Context) {
	c.ctx = ctx
	c.now = ctx.Timestamp
	c.vars = c.vars[:0]
	c.out = &CompiledProgram{Metadata: Metadata{
		TxoVars:        make(map[chainhash.Hash]int),
		ConnectionVars: make(map[int]int),
		Blocks:         make(map[chainhash.Hash]BlockVars),
	}}
}

// checkContext rejects literals the target context does not provide. The
// compiler never clamps them into range.
func (c *Compiler) checkContext(i int, op ir.Operation) error {
	switch op.Kind {
	case ir.OpLoadNode:
		if op.Int >= uint64(c.ctx.Nodes) {
			return ferrors.ContextMismatch(i, fmt.Sprintf("node %d of %d", op.Int, c.ctx.Nodes))
		}
	case ir.OpLoadConnection:
		if op.Int >= uint64(c.ctx.Connections) {
			return ferrors.ContextMismatch(i, fmt.Sprintf("connection %d of %d", op.Int, c.ctx.Connections))
		}
	case ir.OpLoadTxo:
		if !c.ctx.HasTxo(op.Txo) {
			return ferrors.ContextMismatch(i, "txo "+op.Txo.Outpoint.String()+" not available")
		}
	case ir.OpLoadHeader:
		if !c.ctx.HasHeader(op.Header) {
			return ferrors.ContextMismatch(i, fmt.Sprintf("header at height %d not available", op.Header.Height))
		}
	}

	return nil
}

func (c *Compiler) define(v any) { c.vars = append(c.vars, v) }

func (c *Compiler) emit(a Action) { c.out.Actions = append(c.out.Actions, a) }

// args fetches typed instruction inputs. The first failure sticks and is
// reported by err.
type args struct {
	c   *Compiler
	in  []int
	err error
}

func (c *Compiler) args(instr *ir.Instruction) *args { return &args{c: c, in: instr.Inputs} }

func arg[T any](a *args, k int) T {
	var zero T
	if a.err != nil {
		return zero
	}

	if k >= len(a.in) || a.in[k] >= len(a.c.vars) {
		a.err = fmt.Errorf("input %d is not defined", k)
		return zero
	}

	v, ok := a.c.vars[a.in[k]].(T)
	if !ok {
		a.err = fmt.Errorf("input %d holds %T, want %T", k, a.c.vars[a.in[k]], zero)
		return zero
	}

	return v
}

func (c *Compiler) step(instr *ir.Instruction) error {
	op := instr.Op
	switch op.Kind {
	case ir.OpNop:
		for n := op.Outputs + op.InnerOutputs; n > 0; n-- {
			c.define(nil)
		}

		return nil
	case ir.OpLoadBytes, ir.OpLoadMsgType, ir.OpLoadNode, ir.OpLoadConnection, ir.OpLoadConnectionType,
		ir.OpLoadDuration, ir.OpLoadTime, ir.OpLoadAmount, ir.OpLoadSize, ir.OpLoadTxVersion,
		ir.OpLoadBlockVersion, ir.OpLoadLockTime, ir.OpLoadSequence, ir.OpLoadBlockHeight,
		ir.OpLoadCompactFilterType, ir.OpLoadPrivateKey, ir.OpLoadSigHashFlags, ir.OpLoadTxo,
		ir.OpLoadHeader, ir.OpLoadAddr, ir.OpLoadFilterAdd, ir.OpLoadAddrV2, ir.OpLoadFilterLoad,
		ir.OpLoadNonce:
		return c.load(op)
	case ir.OpAddConnection, ir.OpAdvanceTime, ir.OpSetTime:
		return c.control(instr)
	case ir.OpBuildRawScripts, ir.OpBuildPayToWitnessScriptHash, ir.OpBuildPayToScriptHash,
		ir.OpBuildPayToPubKey, ir.OpBuildPayToPubKeyHash, ir.OpBuildPayToWitnessPubKeyHash,
		ir.OpBuildOpReturnScripts, ir.OpBuildPayToAnchor:
		return c.buildScripts(instr)
	case ir.OpBeginWitnessStack, ir.OpAddWitness, ir.OpEndWitnessStack:
		return c.witness(instr)
	case ir.OpBeginBuildTx, ir.OpBeginBuildTxInputs, ir.OpAddTxInput, ir.OpEndBuildTxInputs,
		ir.OpBeginBuildTxOutputs, ir.OpAddTxOutput, ir.OpEndBuildTxOutputs, ir.OpEndBuildTx, ir.OpTakeTxo:
		return c.transaction(instr)
	case ir.OpBeginBlockTransactions, ir.OpAddTx, ir.OpEndBlockTransactions, ir.OpBuildBlock,
		ir.OpTakeHeader, ir.OpTakeCoinbaseTxo, ir.OpBuildCompactBlock:
		return c.block(instr)
	case ir.OpBeginBuildBlockTxn, ir.OpAddTxToBlockTxn, ir.OpEndBuildBlockTxn:
		return c.blockTxn(instr)
	case ir.OpBeginBuildInventory, ir.OpAddTxidInv, ir.OpAddTxidWithWitnessInv, ir.OpAddWtxidInv,
		ir.OpAddBlockInv, ir.OpAddBlockWithWitnessInv, ir.OpAddFilteredBlockInv, ir.OpAddCompactBlockInv,
		ir.OpEndBuildInventory:
		return c.inventory(instr)
	case ir.OpBeginBuildAddrList, ir.OpAddAddr, ir.OpEndBuildAddrList:
		return c.addrList(instr)
	case ir.OpBeginBuildAddrListV2, ir.OpAddAddrV2, ir.OpEndBuildAddrListV2:
		return c.addrListV2(instr)
	case ir.OpBeginBuildFilterLoad, ir.OpAddTxToFilter, ir.OpAddTxoToFilter, ir.OpEndBuildFilterLoad,
		ir.OpBuildFilterAddFromTx, ir.OpBuildFilterAddFromTxo:
		return c.filter(instr)
	case ir.OpSendRawMessage, ir.OpSendTx, ir.OpSendTxNoWit, ir.OpSendHeader, ir.OpSendBlock,
		ir.OpSendBlockNoWit, ir.OpSendGetData, ir.OpSendInv, ir.OpSendGetCFilters, ir.OpSendGetCFHeaders,
		ir.OpSendGetCFCheckpt, ir.OpSendGetAddr, ir.OpSendAddr, ir.OpSendFilterLoad, ir.OpSendFilterAdd,
		ir.OpSendFilterClear, ir.OpSendAddrV2, ir.OpSendCompactBlock, ir.OpSendBlockTxn:
		return c.send(instr)
	}

	return fmt.Errorf("no lowering for %s", op.Kind)
}

func (c *Compiler) load(op ir.Operation) error {
	switch op.Kind {
	case ir.OpLoadBytes, ir.OpLoadPrivateKey:
		c.define(append([]byte(nil), op.Bytes...))
	case ir.OpLoadFilterAdd:
		c.define(filterAdd(append([]byte(nil), op.Bytes...)))
	case ir.OpLoadMsgType, ir.OpLoadConnectionType:
		c.define(op.Str)
	case ir.OpLoadNode:
		c.define(int(op.Int))
	case ir.OpLoadConnection:
		if _, ok := c.out.Metadata.ConnectionVars[int(op.Int)]; !ok {
			c.out.Metadata.ConnectionVars[int(op.Int)] = len(c.vars)
		}

		c.define(int(op.Int))
	case ir.OpLoadTxo:
		c.define(txoFromContext(op.Txo))
	case ir.OpLoadHeader:
		c.define(*op.Header)
	case ir.OpLoadAddr:
		c.define(*op.Addr)
	case ir.OpLoadAddrV2:
		a := *op.AddrV2
		a.Payload = append([]byte(nil), a.Payload...)
		c.define(a)
	case ir.OpLoadFilterLoad:
		c.define(&wire.MsgFilterLoad{
			Filter:    append([]byte(nil), op.Filter.Filter...),
			HashFuncs: op.Filter.HashFuncs,
			Tweak:     op.Filter.Tweak,
			Flags:     wire.BloomUpdateType(op.Filter.Flags),
		})
	default:
		c.define(op.Int)
	}

	return nil
}

func (c *Compiler) control(instr *ir.Instruction) error {
	a := c.args(instr)

	switch instr.Op.Kind {
	case ir.OpAddConnection:
		node, typ := arg[int](a, 0), arg[string](a, 1)
		if a.err != nil {
			return a.err
		}

		c.emit(Action{Kind: ActionConnect, Node: node, ConnType: typ})
	case ir.OpAdvanceTime:
		d := arg[uint64](a, 0)
		if a.err != nil {
			return a.err
		}

		c.now += d
		c.emit(Action{Kind: ActionSetTime, Time: c.now})
	case ir.OpSetTime:
		t := arg[uint64](a, 0)
		if a.err != nil {
			return a.err
		}

		c.now = t
		c.emit(Action{Kind: ActionSetTime, Time: c.now})
	}

	return nil
}
