package mutators

import (
	"math/rand"
	"sync/atomic"
)

// ByteMutator rewrites byte literals for OperationMutator. The result must
// not alias in.
type ByteMutator interface {
	MutateBytes(r *rand.Rand, in []byte) []byte
}

// ByteMutatorFunc adapts a function to ByteMutator.
type ByteMutatorFunc func(r *rand.Rand, in []byte) []byte

func (f ByteMutatorFunc) MutateBytes(r *rand.Rand, in []byte) []byte { return f(r, in) }

// DefaultByteMutator applies a single insert, flip, replace or delete.
func DefaultByteMutator() ByteMutator {
	return ByteMutatorFunc(func(r *rand.Rand, in []byte) []byte {
		out := append([]byte(nil), in...)
		if len(out) == 0 || r.Intn(3) == 0 {
			// insert.
			pos := r.Intn(len(out) + 1)
			out = append(out[:pos], append([]byte{byte(r.Intn(256))}, out[pos:]...)...)
		} else if r.Intn(2) == 0 {
			pos := r.Intn(len(out))
			if r.Intn(2) == 0 {
				out[pos] ^= 1 << uint(r.Intn(8))
			} else {
				out[pos] = byte(r.Intn(256))
			}
		} else {
			pos := r.Intn(len(out))
			out = append(out[:pos], out[pos+1:]...)
		}

		return out
	})
}

// AdaptiveByteMutator scales the number and size of edits with level, a
// percentage the scheduler may adjust while workers run. 100 is baseline.
func AdaptiveByteMutator(level *atomic.Uint64) ByteMutator {
	return ByteMutatorFunc(func(r *rand.Rand, in []byte) []byte {
		out := append([]byte(nil), in...)

		lv := int(level.Load())
		if lv < 50 {
			lv = 50
		}

		if lv > 300 {
			lv = 300
		}

		maxEdits := 1 + lv/100
		if maxEdits > 4 {
			maxEdits = 4
		}

		for edits := 1 + r.Intn(maxEdits); edits > 0; edits-- {
			switch {
			case len(out) == 0 || r.Intn(3) == 0:
				pos := r.Intn(len(out) + 1)
				out = append(out[:pos], append([]byte{byte(r.Intn(256))}, out[pos:]...)...)
			case r.Intn(2) == 0:
				pos := r.Intn(len(out))
				if r.Intn(2) == 0 {
					// up to 3 bits at high intensity
					for flips := 1 + r.Intn(1+lv/120); flips > 0; flips-- {
						out[pos] ^= 1 << uint(r.Intn(8))
					}
				} else {
					out[pos] = byte(r.Intn(256))
				}
			default:
				pos := r.Intn(len(out))
				span := 1

				if lv >= 200 && len(out)-pos > 2 {
					span = 1 + r.Intn(min(3, len(out)-pos))
				}

				out = append(out[:pos], out[pos+span:]...)
			}
		}

		return out
	})
}
