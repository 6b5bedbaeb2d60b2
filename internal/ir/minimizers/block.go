package minimizers

import "github.com/tokatoka/fuzzamoto/internal/ir"

// BlockMinimizer nops whole matched blocks at once, innermost-last, along
// with everything consuming the block's results.
type BlockMinimizer struct {
	current *ir.Program
	pending *ir.Program
	idx     int
}

func NewBlockMinimizer(p *ir.Program) *BlockMinimizer {
	return &BlockMinimizer{current: p.Clone(), idx: len(p.Instructions)}
}

func (*BlockMinimizer) Name() string { return "BlockMinimizer" }

func (m *BlockMinimizer) Next() (*ir.Program, bool) {
	for m.idx > 0 {
		m.idx--

		if !m.current.Instructions[m.idx].Op.Kind.IsBlockEnd() {
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

func (m *BlockMinimizer) Success() {
	if m.pending != nil {
		m.current, m.pending = m.pending, nil
	}
}

func (m *BlockMinimizer) Failure() { m.pending = nil }
