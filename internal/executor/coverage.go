package executor

import (
	"hash/fnv"
	"strings"
)

// featureID maps a coverage token to a stable 21 bit identifier.
func featureID(tok string) uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tok))

	return uint64(h.Sum32() & (1<<21 - 1))
}

// MessageEdgeCoverage computes pairs of adjacent tokens. Each edge is encoded
// as (prev<<32)|curr.
func MessageEdgeCoverage(tokens []string) []uint64 {
	edges := make([]uint64, 0, len(tokens))
	prev := featureID("<start>")

	for _, t := range tokens {
		curr := featureID(t)
		edges = append(edges, prev<<32|curr)
		prev = curr
	}

	return append(edges, prev<<32|featureID("<end>"))
}

// WeightedMessageEdgeCoverage multiplies each edge by a small prime chosen by
// the class of its second token, separating sequences that share structure
// but differ in what they carry.
func WeightedMessageEdgeCoverage(tokens []string) []uint64 {
	edges := MessageEdgeCoverage(tokens)

	for i := range tokens {
		edges[i] *= weight(tokens[i])
	}

	return edges
}

func weight(tok string) uint64 {
	switch {
	case strings.HasPrefix(tok, "err:"):
		return 7
	case strings.HasPrefix(tok, "feat:"):
		return 5
	case strings.HasPrefix(tok, "ctrl:"):
		return 3
	}

	return 2
}

// MessageTrigramCoverage packs three consecutive token ids into one feature:
// (prev<<42)|(mid<<21)|curr.
func MessageTrigramCoverage(tokens []string) []uint64 {
	if len(tokens) < 2 {
		return MessageEdgeCoverage(tokens)
	}

	out := make([]uint64, 0, len(tokens))
	prev, mid := featureID(tokens[0]), featureID(tokens[1])

	for _, t := range tokens[2:] {
		curr := featureID(t)
		out = append(out, prev<<42|mid<<21|curr)
		prev, mid = mid, curr
	}

	return append(out, prev<<42|mid<<21|featureID("<end>"))
}

// ComputeCoverage computes coverage based on the given mode:
//   - "edge": MessageEdgeCoverage
//   - "weighted": WeightedMessageEdgeCoverage (default)
//   - "trigram": MessageTrigramCoverage
//   - "both": union of WeightedMessageEdgeCoverage and MessageEdgeCoverage
func ComputeCoverage(mode string, tokens []string) []uint64 {
	switch mode {
	case "edge":
		return MessageEdgeCoverage(tokens)
	case "trigram":
		return MessageTrigramCoverage(tokens)
	case "both":
		return append(WeightedMessageEdgeCoverage(tokens), MessageEdgeCoverage(tokens)...)
	default:
		return WeightedMessageEdgeCoverage(tokens)
	}
}
