package ir

// Summary is a structural overview of a program.
type Summary struct {
	Instructions int            `json:"instructions"`
	Variables    int            `json:"variables"`
	Nops         int            `json:"nops"`
	Blocks       int            `json:"blocks"`
	MaxDepth     int            `json:"max_depth"`
	Sends        int            `json:"sends"`
	Ops          map[string]int `json:"ops"`
}

// Summarize counts the operations, variables and block nesting of p.
func Summarize(p *Program) Summary {
	s := Summary{
		Instructions: len(p.Instructions),
		Variables:    p.VariableCount(),
		Nops:         p.NopCount(),
		Ops:          make(map[string]int),
	}

	depth := 0

	for _, instr := range p.Instructions {
		k := instr.Op.Kind
		s.Ops[k.String()]++

		switch {
		case k.IsBlockBegin():
			s.Blocks++
			depth++
			s.MaxDepth = max(s.MaxDepth, depth)
		case k.IsBlockEnd():
			depth--
		}

		if k.IsSend() {
			s.Sends++
		}
	}

	return s
}
