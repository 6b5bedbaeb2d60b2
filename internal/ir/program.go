package ir

import (
	"fmt"
	"math/rand"
	"strings"
)

// Instruction applies an operation to previously defined variables.
type Instruction struct {
	Inputs []int
	Op     Operation
}

// Nop replaces the instruction with a Nop that keeps variable numbering intact.
func (i *Instruction) Nop() {
	i.Op = Nop(i.Op.NumOutputs(), i.Op.NumInnerOutputs())
	i.Inputs = nil
}

// Equal compares inputs and operation.
func (i *Instruction) Equal(o *Instruction) bool {
	if len(i.Inputs) != len(o.Inputs) {
		return false
	}

	for k := range i.Inputs {
		if i.Inputs[k] != o.Inputs[k] {
			return false
		}
	}

	return i.Op.Equal(o.Op)
}

func (i Instruction) clone() Instruction {
	return Instruction{Inputs: append([]int(nil), i.Inputs...), Op: i.Op.clone()}
}

// Program is a validated (or to be validated) instruction stream bound to a context.
type Program struct {
	Context      Context
	Instructions []Instruction
}

// NewProgram wraps instructions without validating them. Use Validate or
// BuilderFromProgram before handing the program to the compiler.
func NewProgram(ctx Context, instrs []Instruction) *Program {
	return &Program{Context: ctx, Instructions: instrs}
}

// Clone returns a deep copy.
func (p *Program) Clone() *Program {
	out := &Program{Context: p.Context.Clone(), Instructions: make([]Instruction, len(p.Instructions))}
	for i := range p.Instructions {
		out.Instructions[i] = p.Instructions[i].clone()
	}

	return out
}

// Equal reports structural equality.
func (p *Program) Equal(o *Program) bool {
	if !p.Context.Equal(&o.Context) || len(p.Instructions) != len(o.Instructions) {
		return false
	}

	for i := range p.Instructions {
		if !p.Instructions[i].Equal(&o.Instructions[i]) {
			return false
		}
	}

	return true
}

// Validate replays the program through a builder and requires all blocks closed.
func (p *Program) Validate() error {
	b, err := BuilderFromProgram(p)
	if err != nil {
		return err
	}

	_, err = b.Finalize()

	return err
}

// VariableCount returns the number of variables defined by the program.
func (p *Program) VariableCount() int {
	n := 0
	for i := range p.Instructions {
		n += p.Instructions[i].Op.NumOutputs() + p.Instructions[i].Op.NumInnerOutputs()
	}

	return n
}

// NopCount returns how many instructions are Nops.
func (p *Program) NopCount() int {
	n := 0
	for i := range p.Instructions {
		if p.Instructions[i].Op.Kind == OpNop {
			n++
		}
	}

	return n
}

// RemoveNops drops Nop instructions and renumbers the remaining variables.
func (p *Program) RemoveNops() {
	remap := make([]int, 0, p.VariableCount())
	out := make([]Instruction, 0, len(p.Instructions))
	next := 0

	for _, instr := range p.Instructions {
		n := instr.Op.NumOutputs() + instr.Op.NumInnerOutputs()
		if instr.Op.Kind == OpNop {
			for k := 0; k < n; k++ {
				remap = append(remap, -1)
			}

			continue
		}

		inputs := make([]int, len(instr.Inputs))
		for k, in := range instr.Inputs {
			inputs[k] = remap[in]
		}

		for k := 0; k < n; k++ {
			remap = append(remap, next)
			next++
		}

		out = append(out, Instruction{Inputs: inputs, Op: instr.Op})
	}

	p.Instructions = out
}

// RandomInstructionIndex picks an insertion point (0..len) whose enclosing
// block context is want. The second result is false if none exists.
func (p *Program) RandomInstructionIndex(r *rand.Rand, want BlockContext) (int, bool) {
	candidates := p.insertionPoints(want)
	if len(candidates) == 0 {
		return 0, false
	}

	return candidates[r.Intn(len(candidates))], true
}

func (p *Program) insertionPoints(want BlockContext) []int {
	stack := []BlockContext{ContextGlobal}
	var out []int

	if want == ContextGlobal {
		out = append(out, 0)
	}

	for i := range p.Instructions {
		k := p.Instructions[i].Op.Kind
		switch {
		case k.IsBlockBegin():
			stack = append(stack, k.Opens())
		case k.IsBlockEnd() && len(stack) > 1:
			stack = stack[:len(stack)-1]
		}

		if stack[len(stack)-1] == want {
			out = append(out, i+1)
		}
	}

	return out
}

// String renders the human readable text form of the program.
func (p *Program) String() string {
	if p == nil {
		return "<nil-program>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// Context: nodes=%d connections=%d timestamp=%d\n",
		p.Context.Nodes, p.Context.Connections, p.Context.Timestamp)

	v := 0
	indent := 0

	for _, instr := range p.Instructions {
		k := instr.Op.Kind
		if k.IsBlockEnd() && indent > 0 {
			indent--
		}

		b.WriteString(strings.Repeat("  ", indent))

		if n := instr.Op.NumOutputs(); n > 0 {
			for i := 0; i < n; i++ {
				if i > 0 {
					b.WriteString(", ")
				}

				fmt.Fprintf(&b, "v%d", v)
				v++
			}

			b.WriteString(" <- ")
		}

		b.WriteString(instr.Op.String())

		if len(instr.Inputs) > 0 {
			b.WriteByte('(')
			for i, in := range instr.Inputs {
				if i > 0 {
					b.WriteString(", ")
				}

				fmt.Fprintf(&b, "v%d", in)
			}
			b.WriteByte(')')
		}

		if n := instr.Op.NumInnerOutputs(); n > 0 {
			b.WriteString(" ->")
			for i := 0; i < n; i++ {
				fmt.Fprintf(&b, " v%d", v)
				v++
			}
		}

		b.WriteByte('\n')

		if k.IsBlockBegin() {
			indent++
		}
	}

	return b.String()
}
