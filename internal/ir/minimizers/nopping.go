package minimizers

import "github.com/tokatoka/fuzzamoto/internal/ir"

// NoppingMinimizer walks the program backwards and tries to replace each
// noppable instruction, together with its transitive consumers, by Nops.
type NoppingMinimizer struct {
	current *ir.Program
	pending *ir.Program
	idx     int
}

func NewNoppingMinimizer(p *ir.Program) *NoppingMinimizer {
	return &NoppingMinimizer{current: p.Clone(), idx: len(p.Instructions)}
}

func (*NoppingMinimizer) Name() string { return "NoppingMinimizer" }

func (m *NoppingMinimizer) Next() (*ir.Program, bool) {
	for m.idx > 0 {
		m.idx--

		if !m.current.Instructions[m.idx].Op.IsNoppable() {
			continue
		}

		cand := nopClosure(m.current, m.idx)
		if cand.Validate() != nil {
			continue
		}

		m.pending = cand

		return cand.Clone(), true
	}

	return nil, false
}

func (m *NoppingMinimizer) Success() {
	if m.pending != nil {
		m.current, m.pending = m.pending, nil
	}
}

func (m *NoppingMinimizer) Failure() { m.pending = nil }

// Program returns the smallest program accepted so far.
func (m *NoppingMinimizer) Program() *ir.Program { return m.current }
