package minimizers

import "github.com/tokatoka/fuzzamoto/internal/ir"

// CuttingMinimizer binary searches for the shortest prefix that keeps the
// oracle happy. Only prefixes that end with every block closed are tried.
type CuttingMinimizer struct {
	original *ir.Program
	// cuts holds the candidate prefix lengths in ascending order; the last
	// one is the full program.
	cuts    []int
	current int
	chopped int
}

func NewCuttingMinimizer(p *ir.Program) *CuttingMinimizer {
	cuts := []int{0}
	depth := 0

	for i := range p.Instructions {
		k := p.Instructions[i].Op.Kind
		switch {
		case k.IsBlockBegin():
			depth++
		case k.IsBlockEnd():
			depth--
		}

		if depth == 0 {
			cuts = append(cuts, i+1)
		}
	}

	chopped := len(cuts) - 1

	return &CuttingMinimizer{original: p.Clone(), cuts: cuts, current: chopped / 2, chopped: chopped}
}

func (*CuttingMinimizer) Name() string { return "CuttingMinimizer" }

func (m *CuttingMinimizer) Next() (*ir.Program, bool) {
	if m.current >= m.chopped {
		return nil, false
	}

	n := m.cuts[m.current]

	return ir.NewProgram(m.original.Context.Clone(), m.original.Clone().Instructions[:n]), true
}

func (m *CuttingMinimizer) Success() {
	m.chopped = m.current
	m.current /= 2
}

func (m *CuttingMinimizer) Failure() {
	m.current += max((m.chopped-m.current)/2, 1)
}

// Len returns the length of the shortest accepted prefix.
func (m *CuttingMinimizer) Len() int { return m.cuts[m.chopped] }
