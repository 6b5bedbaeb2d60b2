package mutators

import (
	"math/rand"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/tokatoka/fuzzamoto/internal/ir"
	"github.com/tokatoka/fuzzamoto/internal/ir/generators"
)

// variantGroups lists operations that share an input signature and may be
// swapped for one another.
var variantGroups = [][]ir.OpKind{
	{ir.OpSendTx, ir.OpSendTxNoWit},
	{ir.OpSendBlock, ir.OpSendBlockNoWit},
	{ir.OpSendGetData, ir.OpSendInv},
	{ir.OpSendGetCFilters, ir.OpSendGetCFHeaders},
	{ir.OpBuildPayToScriptHash, ir.OpBuildPayToWitnessScriptHash},
	{ir.OpBuildPayToPubKey, ir.OpBuildPayToPubKeyHash, ir.OpBuildPayToWitnessPubKeyHash},
	{ir.OpAddTxidInv, ir.OpAddTxidWithWitnessInv, ir.OpAddWtxidInv},
	{ir.OpAddBlockInv, ir.OpAddBlockWithWitnessInv, ir.OpAddFilteredBlockInv, ir.OpAddCompactBlockInv},
}

var variantOf = func() map[ir.OpKind][]ir.OpKind {
	m := make(map[ir.OpKind][]ir.OpKind)
	for _, g := range variantGroups {
		for _, k := range g {
			m[k] = g
		}
	}

	return m
}()

// OperationMutator replaces the literal of a Load operation, or swaps an
// operation for a variant with the same signature.
type OperationMutator struct {
	Bytes ByteMutator
}

// NewOperationMutator returns an OperationMutator using bm for byte literals,
// or DefaultByteMutator if bm is nil.
func NewOperationMutator(bm ByteMutator) OperationMutator {
	if bm == nil {
		bm = DefaultByteMutator()
	}

	return OperationMutator{Bytes: bm}
}

func (OperationMutator) Name() string { return "OperationMutator" }

func (m OperationMutator) Mutate(p *ir.Program, r *rand.Rand) error {
	var candidates []int
	for i := range p.Instructions {
		if p.Instructions[i].Op.IsOperationMutable() {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		return ErrNoMutationsAvailable
	}

	idx := candidates[r.Intn(len(candidates))]
	instrs := cloneInstructions(p.Instructions)

	op, ok := m.mutateOperation(&p.Context, instrs[idx].Op, r)
	if !ok {
		return ErrNoMutationsAvailable
	}

	instrs[idx].Op = op

	return commit(p, instrs)
}

func (m OperationMutator) mutateOperation(ctx *ir.Context, op ir.Operation, r *rand.Rand) (ir.Operation, bool) {
	if group, ok := variantOf[op.Kind]; ok {
		for {
			if k := group[r.Intn(len(group))]; k != op.Kind {
				return ir.Op(k), true
			}
		}
	}

	bm := m.Bytes
	if bm == nil {
		bm = DefaultByteMutator()
	}

	switch op.Kind {
	case ir.OpLoadBytes, ir.OpLoadFilterAdd:
		op.Bytes = bm.MutateBytes(r, op.Bytes)
	case ir.OpLoadMsgType:
		op.Str = generators.DefaultMsgTypes[r.Intn(len(generators.DefaultMsgTypes))]
	case ir.OpLoadNode:
		if ctx.Nodes == 0 {
			return op, false
		}

		op.Int = uint64(r.Intn(ctx.Nodes))
	case ir.OpLoadConnection:
		if ctx.Connections == 0 {
			return op, false
		}

		op.Int = uint64(r.Intn(ctx.Connections))
	case ir.OpLoadConnectionType:
		if op.Str == "outbound" {
			op.Str = "inbound"
		} else {
			op.Str = "outbound"
		}
	case ir.OpLoadDuration:
		op.Int = pick(r, []uint64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, uint64(1 + r.Intn(65535))})
	case ir.OpLoadTime:
		// 2009 to 2030
		op.Int = uint64(1241791814 + r.Int63n(1893452400-1241791814))
	case ir.OpLoadAmount:
		op.Int = mutateAmount(r, op.Int)
	case ir.OpLoadSize:
		op.Int = pickOther(r, op.Int, []uint64{0, 1, 80, 1000, 10000, 2 << 10, 2 << 11, 2 << 12, 2 << 13, 2 << 14, 2 << 15, 2 << 16, uint64(r.Intn(100_000))})
	case ir.OpLoadTxVersion:
		op.Int = pickOther(r, op.Int, []uint64{0, 1, 2, 3, 4, 0xfffffffe, 0xffffffff, uint64(r.Uint32())})
	case ir.OpLoadBlockVersion:
		op.Int = pickOther(r, op.Int, []uint64{1, 2, 3, 4, 0x20000000, uint64(r.Uint32())})
	case ir.OpLoadLockTime:
		op.Int = uint64(mutateLockTime(r, uint32(op.Int)))
	case ir.OpLoadSequence:
		op.Int = uint64(mutateSequence(r, uint32(op.Int)))
	case ir.OpLoadBlockHeight:
		op.Int = pick(r, []uint64{0, 1, 100, 200, uint64(uint32(op.Int) + 2<<uint(r.Intn(16)))})
	case ir.OpLoadCompactFilterType:
		op.Int = pickOther(r, op.Int, []uint64{0, 1, uint64(r.Intn(256))})
	case ir.OpLoadPrivateKey:
		op.Bytes = mutateKey(r, bm, op.Bytes)
	case ir.OpLoadSigHashFlags:
		op.Int = pickOther(r, op.Int, []uint64{0x01, 0x02, 0x03, 0x81, 0x82, 0x83, uint64(r.Intn(256))})
	case ir.OpLoadTxo:
		if len(ctx.Txos) == 0 {
			return op, false
		}

		op = ir.LoadTxo(ctx.Txos[r.Intn(len(ctx.Txos))])
	case ir.OpLoadHeader:
		if len(ctx.Headers) == 0 {
			return op, false
		}

		op = ir.LoadHeader(ctx.Headers[r.Intn(len(ctx.Headers))])
	case ir.OpLoadAddr:
		op = ir.LoadAddr(mutateAddr(r, *op.Addr))
	case ir.OpLoadAddrV2:
		op = ir.LoadAddrV2(mutateAddrV2(r, *op.AddrV2))
	case ir.OpLoadFilterLoad:
		op = ir.LoadFilterLoad(mutateFilterLoad(r, bm, *op.Filter))
	case ir.OpLoadNonce:
		op.Int = pickOther(r, op.Int, []uint64{0, 1, ^uint64(0), r.Uint64()})
	default:
		return op, false
	}

	return op, true
}

// mutateKey byte-mutates a private key until it is a valid scalar, falling
// back to a fixed key.
func mutateKey(r *rand.Rand, bm ByteMutator, key []byte) []byte {
	k := append([]byte(nil), key...)
	for i := 0; i < 10; i++ {
		k = bm.MutateBytes(r, k)

		fixed := make([]byte, 32)
		copy(fixed, k)
		k = fixed

		var s btcec.ModNScalar
		if overflow := s.SetByteSlice(k); !overflow && !s.IsZero() {
			return k
		}
	}

	k = make([]byte, 32)
	for i := range k {
		k[i] = 1
	}

	return k
}

func mutateAmount(r *rand.Rand, amount uint64) uint64 {
	scaled := uint64(float64(amount) * (0.5 + r.Float64()))

	return pick(r, []uint64{
		0, 1, 100, 1000, 10000,
		scaled,
		uint64(r.Int63n(21_000_000 * 100_000_000)),
		r.Uint64(),
		^uint64(0), ^uint64(0) - 1,
		1<<63 - 1, 1 << 63,
	})
}

func mutateLockTime(r *rand.Rand, lt uint32) uint32 {
	// heights below 500M, timestamps above
	if lt < 500_000_000 {
		return pick(r, []uint32{0, lt - 1, lt + 1, lt - 144, lt + 144, uint32(1 + r.Intn(500_000_000-1)), r.Uint32()})
	}

	return pick(r, []uint32{
		0, lt - 1, lt + 1,
		lt - 10*60, lt + 10*60,
		lt - 24*60*60, lt + 24*60*60,
		0xffffffff, 0xfffffffe,
		500_000_000 + uint32(r.Int63n(0xffffffff-500_000_000)),
		r.Uint32(),
	})
}

func mutateSequence(r *rand.Rand, seq uint32) uint32 {
	const (
		typeFlag    = 1 << 22
		disableFlag = 1 << 31
	)

	rnd := r.Uint32() & (typeFlag | 0xffff)
	if r.Intn(20) == 0 {
		rnd ^= disableFlag
	}

	return pickOther(r, seq, []uint32{0xffffffff, 0xfffffffe, rnd, r.Uint32()})
}

func mutateAddr(r *rand.Rand, a ir.AddrRecord) ir.AddrRecord {
	if r.Intn(2) == 0 {
		a.Time -= uint32(r.Intn(7 * 24 * 3600))
	}

	if r.Intn(2) == 0 {
		a.Services = pick(r, []uint64{0, 1, 8, 9, 1024, 1033, 1037, r.Uint64()})
	}

	if r.Intn(2) == 0 {
		if r.Intn(5) < 3 {
			a.IP = [16]byte{10: 0xff, 11: 0xff}
			r.Read(a.IP[12:])
		} else {
			a.IP[0] = 0x20
			r.Read(a.IP[1:])
		}
	}

	if r.Intn(2) == 0 {
		a.Port = pick(r, []uint16{8333, 18333, 18444, uint16(r.Intn(0x10000))})
	}

	return a
}

func mutateAddrV2(r *rand.Rand, a ir.AddrRecordV2) ir.AddrRecordV2 {
	if r.Intn(2) == 0 {
		a.Time -= uint32(r.Intn(7 * 24 * 3600))
	}

	if r.Intn(2) == 0 {
		a.Services = pick(r, []uint64{0, 1, 8, 9, 1024, 1033, 1037, r.Uint64()})
	}

	if r.Intn(2) == 0 {
		a.Network, a.Payload = generators.RandomAddrV2Payload(r)
	}

	if r.Intn(2) == 0 {
		a.Port = pick(r, []uint16{0, 8333, 18333, 18444, uint16(r.Intn(0x10000))})
	}

	return a
}

// mutateFilterLoad changes one parameter of a raw filterload. Hash function
// counts and sizes around the BIP37 limits are favoured.
func mutateFilterLoad(r *rand.Rand, bm ByteMutator, f ir.FilterLoad) ir.FilterLoad {
	switch r.Intn(4) {
	case 0:
		f.Filter = bm.MutateBytes(r, f.Filter)
	case 1:
		f.HashFuncs = pickOther(r, f.HashFuncs, []uint32{0, 1, 11, 50, 51, r.Uint32()})
	case 2:
		f.Tweak = r.Uint32()
	default:
		f.Flags = pickOther(r, f.Flags, []uint8{0, 1, 2, 3, uint8(r.Intn(256))})
	}

	return f
}

func pick[T any](r *rand.Rand, items []T) T { return items[r.Intn(len(items))] }

// pickOther picks an element different from cur, or cur if none is.
func pickOther[T comparable](r *rand.Rand, cur T, items []T) T {
	var other []T
	for _, it := range items {
		if it != cur {
			other = append(other, it)
		}
	}

	if len(other) == 0 {
		return cur
	}

	return pick(r, other)
}
