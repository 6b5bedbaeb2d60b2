// Package minimizers reduces programs while an external oracle keeps
// reporting the property of interest.
//
// A Minimizer is an iterator: Next yields a candidate, and the caller reports
// back with Success when the oracle still holds for it or Failure otherwise.
// Candidates are always structurally valid.
package minimizers

import (
	"time"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// Minimizer proposes reduced candidates of a program.
type Minimizer interface {
	Next() (*ir.Program, bool)
	Success()
	Failure()
	Name() string
}

// Oracle reports whether a candidate still reproduces the property of interest.
type Oracle func(*ir.Program) bool

// Options bounds a Minimize run. Zero values select defaults.
type Options struct {
	// Rounds caps the number of full minimizer passes.
	Rounds int
	// Budget caps wall-clock time spent in oracle calls.
	Budget time.Duration
	// KeepNops skips the final Nop compaction.
	KeepNops bool
}

// Stats summarizes a Minimize run.
type Stats struct {
	Rounds     int
	Executions int
	Accepted   int
}

// Run drives m against oracle until it is exhausted or the deadline passes
// and returns the last accepted candidate, or nil if none was accepted.
func Run(m Minimizer, oracle Oracle, deadline time.Time, st *Stats) *ir.Program {
	var best *ir.Program

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return best
		}

		cand, ok := m.Next()
		if !ok {
			return best
		}

		if st != nil {
			st.Executions++
		}

		if oracle(cand) {
			m.Success()

			best = cand
			if st != nil {
				st.Accepted++
			}
		} else {
			m.Failure()
		}
	}
}

// Minimize runs the nopping, cutting and block minimizers until none of them
// makes progress, then compacts the Nops away. If p does not satisfy the
// oracle a copy of p is returned unchanged.
func Minimize(p *ir.Program, oracle Oracle, opts Options) (*ir.Program, Stats) {
	var st Stats

	best := p.Clone()
	st.Executions++

	if !oracle(best) {
		return best, st
	}

	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 16
	}

	var deadline time.Time
	if opts.Budget > 0 {
		deadline = time.Now().Add(opts.Budget)
	}

	passes := []func(*ir.Program) Minimizer{
		func(p *ir.Program) Minimizer { return NewNoppingMinimizer(p) },
		func(p *ir.Program) Minimizer { return NewCuttingMinimizer(p) },
		func(p *ir.Program) Minimizer { return NewBlockMinimizer(p) },
		func(p *ir.Program) Minimizer { return NewNoppingMinimizer(p) },
	}

	for st.Rounds < rounds {
		st.Rounds++
		progressed := false

		for _, pass := range passes {
			if out := Run(pass(best), oracle, deadline, &st); out != nil && !out.Equal(best) {
				best = out
				progressed = true
			}
		}

		if !progressed || (!deadline.IsZero() && time.Now().After(deadline)) {
			break
		}
	}

	if opts.KeepNops || best.NopCount() == 0 {
		return best, st
	}

	compact := best.Clone()
	compact.RemoveNops()

	st.Executions++
	if oracle(compact) {
		return compact, st
	}

	return best, st
}

// layout records, per variable, the instruction defining it and, per block
// instruction, the index of its partner.
type layout struct {
	definer []int
	partner []int
}

func layoutOf(p *ir.Program) layout {
	l := layout{partner: make([]int, len(p.Instructions))}

	var open []int

	for i := range p.Instructions {
		op := p.Instructions[i].Op
		for n := op.NumOutputs() + op.NumInnerOutputs(); n > 0; n-- {
			l.definer = append(l.definer, i)
		}

		l.partner[i] = -1

		switch {
		case op.Kind.IsBlockBegin():
			open = append(open, i)
		case op.Kind.IsBlockEnd() && len(open) > 0:
			b := open[len(open)-1]
			open = open[:len(open)-1]
			l.partner[i], l.partner[b] = b, i
		}
	}

	return l
}

// nopClosure returns a copy of p with instruction idx and everything that
// transitively consumes its outputs replaced by Nops. Block instructions
// take their whole block with them.
func nopClosure(p *ir.Program, idx int) *ir.Program {
	l := layoutOf(p)
	dead := make([]bool, len(p.Instructions))

	mark := func(i int) {
		lo, hi := i, i
		if j := l.partner[i]; j >= 0 {
			lo, hi = min(i, j), max(i, j)
		}

		for k := lo; k <= hi; k++ {
			dead[k] = true
		}
	}

	mark(idx)

	for j := idx + 1; j < len(p.Instructions); j++ {
		if dead[j] {
			continue
		}

		for _, in := range p.Instructions[j].Inputs {
			if in < len(l.definer) && dead[l.definer[in]] {
				mark(j)
				break
			}
		}
	}

	out := p.Clone()
	for i := range out.Instructions {
		if dead[i] && out.Instructions[i].Op.Kind != ir.OpNop {
			out.Instructions[i].Nop()
		}
	}

	return out
}
