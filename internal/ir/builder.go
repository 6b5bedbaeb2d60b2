package ir

import (
	"fmt"
	"math/rand"
	"sort"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
)

// IndexedVariable is a variable id together with its type.
type IndexedVariable struct {
	Index int
	Type  VarType
}

type scopedVariable struct {
	typ   VarType
	scope int
}

type scopeFrame struct {
	id    int
	begin int // index of the opening instruction, -1 for the global frame
	inner int // handle variable owned by the frame, -1 if none
	ctx   BlockContext
}

// nopScope is never active, so variables defined by Nops are unreachable.
const nopScope = 0

// Builder is the only way to grow a Program. Every Append either fully
// succeeds or leaves the builder untouched.
type Builder struct {
	ctx          Context
	instructions []Instruction
	vars         []scopedVariable
	scopes       []scopeFrame
	active       []bool
}

// NewBuilder returns an empty builder for the given context.
func NewBuilder(ctx Context) *Builder {
	return &Builder{
		ctx:    ctx,
		scopes: []scopeFrame{{id: 1, begin: -1, inner: -1, ctx: ContextGlobal}},
		active: []bool{false, true},
	}
}

// BuilderFromProgram replays p into a new builder. Open blocks at the end of
// p are allowed so that program prefixes can be extended.
func BuilderFromProgram(p *Program) (*Builder, error) {
	b := NewBuilder(p.Context)
	if err := b.AppendAll(p.Instructions); err != nil {
		return nil, err
	}

	return b, nil
}

// Context returns the context the builder validates against.
func (b *Builder) Context() *Context { return &b.ctx }

// Len returns the number of instructions appended so far.
func (b *Builder) Len() int { return len(b.instructions) }

// VariableCount returns the number of variables defined so far.
func (b *Builder) VariableCount() int { return len(b.vars) }

// CurrentContext returns the block context new instructions are emitted in.
func (b *Builder) CurrentContext() BlockContext { return b.scopes[len(b.scopes)-1].ctx }

// OpenBlocks returns the number of blocks not yet closed.
func (b *Builder) OpenBlocks() int { return len(b.scopes) - 1 }

// Variable returns the variable with the given id.
func (b *Builder) Variable(index int) (IndexedVariable, bool) {
	if index < 0 || index >= len(b.vars) {
		return IndexedVariable{}, false
	}

	return IndexedVariable{Index: index, Type: b.vars[index].typ}, true
}

// InScope reports whether the variable is defined and still visible.
func (b *Builder) InScope(index int) bool {
	return index >= 0 && index < len(b.vars) && b.active[b.vars[index].scope]
}

// Append validates instr and, on success, adds it to the program and returns
// the variables it defined (top-level outputs first, then inner outputs).
func (b *Builder) Append(instr Instruction) ([]IndexedVariable, error) {
	op := instr.Op
	if !op.Kind.Valid() {
		return nil, ferrors.InvalidLiteral("operation", fmt.Sprintf("unknown kind %d", op.Kind))
	}

	if op.Kind == OpNop {
		if len(instr.Inputs) != 0 {
			return nil, ferrors.InvalidNumberOfInputs(op.Kind.String(), len(instr.Inputs), 0)
		}

		if op.Outputs < 0 || op.InnerOutputs < 0 || op.Outputs > 1 || op.InnerOutputs > 1 {
			return nil, ferrors.InvalidLiteral(op.Kind.String(), "output counts must be 0 or 1")
		}

		b.instructions = append(b.instructions, Instruction{Op: op})
		out := make([]IndexedVariable, 0, op.Outputs+op.InnerOutputs)
		for i := 0; i < op.Outputs+op.InnerOutputs; i++ {
			out = append(out, b.define(TypeNop, nopScope))
		}

		return out, nil
	}

	sig := op.Kind.Inputs()
	if len(instr.Inputs) != len(sig) {
		return nil, ferrors.InvalidNumberOfInputs(op.Kind.String(), len(instr.Inputs), len(sig))
	}

	for i, in := range instr.Inputs {
		if in < 0 || in >= len(b.vars) {
			return nil, ferrors.VariableNotDefined(in, len(b.vars))
		}

		v := b.vars[in]
		if !b.active[v.scope] {
			return nil, ferrors.VariableOutOfScope(in)
		}

		if !Compatible(v.typ, sig[i]) {
			return nil, ferrors.InvalidVariableType(in, v.typ.String(), sig[i].String())
		}
	}

	if err := b.checkLiteral(op); err != nil {
		return nil, err
	}

	if op.Kind.IsBlockEnd() {
		top := b.scopes[len(b.scopes)-1]
		if top.begin < 0 || !op.Kind.IsMatchingBlockBegin(b.instructions[top.begin].Op.Kind) {
			return nil, ferrors.InvalidBlockEnd(op.Kind.String())
		}

		// closers take the handle of the block they close as first input
		if top.inner >= 0 && instr.Inputs[0] != top.inner {
			return nil, ferrors.InvalidBlockEnd(op.Kind.String())
		}
	}

	// validation done, commit
	index := len(b.instructions)
	b.instructions = append(b.instructions, Instruction{Inputs: append([]int(nil), instr.Inputs...), Op: op})

	if op.Kind.IsBlockEnd() {
		top := b.scopes[len(b.scopes)-1]
		b.active[top.id] = false
		b.scopes = b.scopes[:len(b.scopes)-1]
	}

	var out []IndexedVariable
	if t := op.Kind.Output(); t != TypeInvalid {
		out = append(out, b.define(t, b.scopes[len(b.scopes)-1].id))
	}

	if op.Kind.IsBlockBegin() {
		id := len(b.active)
		b.active = append(b.active, true)
		frame := scopeFrame{id: id, begin: index, inner: -1, ctx: op.Kind.Opens()}

		if t := op.Kind.InnerOutput(); t != TypeInvalid {
			v := b.define(t, id)
			frame.inner = v.Index
			out = append(out, v)
		}

		b.scopes = append(b.scopes, frame)
	}

	return out, nil
}

func (b *Builder) define(t VarType, scope int) IndexedVariable {
	b.vars = append(b.vars, scopedVariable{typ: t, scope: scope})
	return IndexedVariable{Index: len(b.vars) - 1, Type: t}
}

func (b *Builder) checkLiteral(op Operation) error {
	switch op.Kind {
	case OpLoadNode:
		if op.Int >= uint64(b.ctx.Nodes) {
			return ferrors.NodeNotFound(op.Int, b.ctx.Nodes)
		}
	case OpLoadConnection:
		if op.Int >= uint64(b.ctx.Connections) {
			return ferrors.ConnectionNotFound(op.Int, b.ctx.Connections)
		}
	case OpLoadConnectionType:
		for _, ct := range ConnectionTypes {
			if op.Str == ct {
				return nil
			}
		}

		return ferrors.InvalidConnectionType(op.Str)
	case OpLoadMsgType:
		if len(op.Str) > 12 {
			return ferrors.InvalidLiteral(op.Kind.String(), "message type longer than 12 bytes")
		}
	case OpLoadPrivateKey:
		if len(op.Bytes) != 32 {
			return ferrors.InvalidLiteral(op.Kind.String(), fmt.Sprintf("private key must be 32 bytes, got %d", len(op.Bytes)))
		}
	case OpLoadTxo:
		if op.Txo == nil {
			return ferrors.InvalidLiteral(op.Kind.String(), "missing txo")
		}

		if !b.ctx.HasTxo(op.Txo) {
			return ferrors.TxoNotAvailable(op.Txo.Outpoint.TxidHex(), op.Txo.Outpoint.Vout)
		}
	case OpLoadHeader:
		if op.Header == nil {
			return ferrors.InvalidLiteral(op.Kind.String(), "missing header")
		}

		if !b.ctx.HasHeader(op.Header) {
			return ferrors.HeaderNotAvailable(op.Header.Height)
		}
	case OpLoadAddr:
		if op.Addr == nil {
			return ferrors.InvalidLiteral(op.Kind.String(), "missing address")
		}
	case OpLoadAddrV2:
		if op.AddrV2 == nil {
			return ferrors.InvalidLiteral(op.Kind.String(), "missing address")
		}

		if err := op.AddrV2.Check(); err != nil {
			return ferrors.InvalidLiteral(op.Kind.String(), err.Error())
		}
	case OpLoadFilterLoad:
		if op.Filter == nil {
			return ferrors.InvalidLiteral(op.Kind.String(), "missing filter")
		}
	}

	return nil
}

// AppendOp is a shorthand for Append(Instruction{inputs, op}).
func (b *Builder) AppendOp(op Operation, inputs ...int) ([]IndexedVariable, error) {
	return b.Append(Instruction{Inputs: inputs, Op: op})
}

// MustAppend appends an instruction the caller has constructed from variables
// returned by this builder. It panics on a validation error.
func (b *Builder) MustAppend(op Operation, inputs ...int) []IndexedVariable {
	out, err := b.AppendOp(op, inputs...)
	if err != nil {
		panic(fmt.Sprintf("ir: appending %s: %v", op, err))
	}

	return out
}

// MustAppendVar is MustAppend for operations defining exactly one variable.
func (b *Builder) MustAppendVar(op Operation, inputs ...int) IndexedVariable {
	out := b.MustAppend(op, inputs...)
	if len(out) == 0 {
		panic(fmt.Sprintf("ir: %s defines no variable", op))
	}

	return out[0]
}

// AppendAll appends instructions in order and stops at the first error.
func (b *Builder) AppendAll(instrs []Instruction) error {
	for i := range instrs {
		if _, err := b.Append(instrs[i]); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, instrs[i].Op.Kind, err)
		}
	}

	return nil
}

// AppendProgram appends p's instructions, shifting every input >= threshold by
// offset. Instructions appended before a failure are kept.
func (b *Builder) AppendProgram(p *Program, threshold, offset int) error {
	for i := range p.Instructions {
		instr := p.Instructions[i].clone()
		for k, in := range instr.Inputs {
			if in >= threshold {
				instr.Inputs[k] = in + offset
			}
		}

		if _, err := b.Append(instr); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, instr.Op.Kind, err)
		}
	}

	return nil
}

// Finalize returns the built program. It fails if any block is still open.
func (b *Builder) Finalize() (*Program, error) {
	if open := b.OpenBlocks(); open > 0 {
		return nil, ferrors.ScopeStillOpen(open)
	}

	p := &Program{Context: b.ctx, Instructions: make([]Instruction, len(b.instructions))}
	for i := range b.instructions {
		p.Instructions[i] = b.instructions[i].clone()
	}

	return p, nil
}

// AllVariables returns the in-scope variables of type t in definition order.
func (b *Builder) AllVariables(t VarType) []IndexedVariable {
	var out []IndexedVariable
	for i, v := range b.vars {
		if v.typ == t && b.active[v.scope] {
			out = append(out, IndexedVariable{Index: i, Type: t})
		}
	}

	return out
}

// NearestVariable returns the most recently defined in-scope variable of type t.
func (b *Builder) NearestVariable(t VarType) (IndexedVariable, bool) {
	for i := len(b.vars) - 1; i >= 0; i-- {
		if v := b.vars[i]; v.typ == t && b.active[v.scope] {
			return IndexedVariable{Index: i, Type: t}, true
		}
	}

	return IndexedVariable{}, false
}

// RandomVariable returns a uniformly chosen in-scope variable of type t.
func (b *Builder) RandomVariable(r *rand.Rand, t VarType) (IndexedVariable, bool) {
	all := b.AllVariables(t)
	if len(all) == 0 {
		return IndexedVariable{}, false
	}

	return all[r.Intn(len(all))], true
}

// RandomVariables returns a non-empty random subset (sorted by index) of the
// in-scope variables of type t, or nil if there are none.
func (b *Builder) RandomVariables(r *rand.Rand, t VarType) []IndexedVariable {
	return randomSubset(r, b.AllVariables(t))
}

func randomSubset(r *rand.Rand, all []IndexedVariable) []IndexedVariable {
	if len(all) == 0 {
		return nil
	}

	r.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	out := all[:1+r.Intn(len(all))]
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out
}

// RandomConnection reuses an in-scope connection variable or loads a random
// connection from the context.
func (b *Builder) RandomConnection(r *rand.Rand) (IndexedVariable, error) {
	if v, ok := b.RandomVariable(r, TypeConnection); ok {
		return v, nil
	}

	if b.ctx.Connections == 0 {
		return IndexedVariable{}, ferrors.ConnectionNotFound(0, 0)
	}

	out, err := b.AppendOp(LoadConnection(uint64(r.Intn(b.ctx.Connections))))
	if err != nil {
		return IndexedVariable{}, err
	}

	return out[0], nil
}

// RandomUtxos returns a random subset of the in-scope Txo variables that are
// not yet spent by an AddTxInput.
func (b *Builder) RandomUtxos(r *rand.Rand) []IndexedVariable {
	return randomSubset(r, b.Utxos())
}

// Utxos returns the in-scope Txo variables not yet spent by an AddTxInput.
func (b *Builder) Utxos() []IndexedVariable {
	spent := make(map[int]struct{})
	for i := range b.instructions {
		if b.instructions[i].Op.Kind == OpAddTxInput {
			spent[b.instructions[i].Inputs[1]] = struct{}{}
		}
	}

	var out []IndexedVariable
	for _, v := range b.AllVariables(TypeTxo) {
		if _, ok := spent[v.Index]; !ok {
			out = append(out, v)
		}
	}

	return out
}

// NearestSentHeader returns the most recent in-scope header that was sent to
// the target, either directly or as part of a block.
func (b *Builder) NearestSentHeader() (IndexedVariable, bool) {
	sentBlocks := make(map[int]struct{})
	sent := make(map[int]struct{})
	headerOf := make(map[int][]int)
	v := 0

	for i := range b.instructions {
		instr := &b.instructions[i]
		switch instr.Op.Kind {
		case OpSendHeader:
			sent[instr.Inputs[1]] = struct{}{}
		case OpSendBlock, OpSendBlockNoWit:
			sentBlocks[instr.Inputs[1]] = struct{}{}
		case OpTakeHeader:
			headerOf[instr.Inputs[0]] = append(headerOf[instr.Inputs[0]], v)
		}

		v += instr.Op.NumOutputs() + instr.Op.NumInnerOutputs()
	}

	for block := range sentBlocks {
		for _, h := range headerOf[block] {
			sent[h] = struct{}{}
		}
	}

	for i := len(b.vars) - 1; i >= 0; i-- {
		if _, ok := sent[i]; ok && b.InScope(i) {
			return IndexedVariable{Index: i, Type: TypeHeader}, true
		}
	}

	return IndexedVariable{}, false
}
