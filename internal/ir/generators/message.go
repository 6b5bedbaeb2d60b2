package generators

import (
	"math/rand"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// DefaultMsgTypes are the p2p commands SendMessageGenerator picks from.
var DefaultMsgTypes = []string{
	"version", "verack", "addr", "inv", "getdata", "notfound", "getblocks",
	"getheaders", "mempool", "tx", "block", "headers", "sendheaders", "getaddr",
	"ping", "pong", "merkleblock", "filterload", "filteradd", "filterclear",
	"getcfilters", "cfilter", "getcfheaders", "cfheaders", "getcfcheckpt",
	"cfcheckpt", "sendcmpct", "cmpctblock", "getblocktxn", "blocktxn", "alert",
	"reject", "feefilter", "wtxidrelay", "addrv2", "sendaddrv2",
}

// SendMessageGenerator sends random bytes under a random message type.
type SendMessageGenerator struct {
	global
	MsgTypes []string
}

func NewSendMessageGenerator() SendMessageGenerator {
	return SendMessageGenerator{MsgTypes: DefaultMsgTypes}
}

func (SendMessageGenerator) Name() string { return "SendMessageGenerator" }

func (g SendMessageGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	if len(g.MsgTypes) == 0 {
		return ErrInvalidContext
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	typ := b.MustAppendVar(ir.LoadMsgType(choose(r, g.MsgTypes)))
	data := b.MustAppendVar(ir.LoadBytes(randomBytes(r, 64)))
	b.MustAppend(ir.Op(ir.OpSendRawMessage), conn.Index, typ.Index, data.Index)

	return nil
}

// GetAddrGenerator sends a getaddr on a random connection. Repeated requests
// are allowed on purpose.
type GetAddrGenerator struct{ global }

func (GetAddrGenerator) Name() string { return "GetAddrGenerator" }

func (GetAddrGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	b.MustAppend(ir.Op(ir.OpSendGetAddr), conn.Index)

	return nil
}

// CompactFilterQueryGenerator sends one of getcfilters, getcfheaders or
// getcfcheckpt for a known header.
type CompactFilterQueryGenerator struct{ global }

func (CompactFilterQueryGenerator) Name() string { return "CompactFilterQueryGenerator" }

func (CompactFilterQueryGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	header, ok := b.RandomVariable(r, ir.TypeHeader)
	if !ok {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	filterType := b.MustAppendVar(ir.LoadCompactFilterType(0))

	switch op := choose(r, []ir.OpKind{ir.OpSendGetCFilters, ir.OpSendGetCFHeaders, ir.OpSendGetCFCheckpt}); op {
	case ir.OpSendGetCFCheckpt:
		b.MustAppend(ir.Op(op), conn.Index, filterType.Index, header.Index)
	default:
		height := b.MustAppendVar(ir.LoadBlockHeight(uint32(r.Intn(200))))
		b.MustAppend(ir.Op(op), conn.Index, filterType.Index, height.Index, header.Index)
	}

	return nil
}

// GetDataGenerator sends a getdata for an existing inventory.
type GetDataGenerator struct{ global }

func (GetDataGenerator) Name() string { return "GetDataGenerator" }

func (GetDataGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	inv, ok := b.RandomVariable(r, ir.TypeConstInventory)
	if !ok {
		return ErrMissingVariables
	}

	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	b.MustAppend(ir.Op(ir.OpSendGetData), conn.Index, inv.Index)

	return nil
}

var (
	txInvOps    = []ir.OpKind{ir.OpAddTxidInv, ir.OpAddTxidWithWitnessInv, ir.OpAddWtxidInv}
	blockInvOps = []ir.OpKind{ir.OpAddBlockInv, ir.OpAddBlockWithWitnessInv, ir.OpAddFilteredBlockInv, ir.OpAddCompactBlockInv}
)

// InventoryGenerator adds entries for random transactions and blocks to the
// innermost inventory under construction.
type InventoryGenerator struct{}

func (InventoryGenerator) Name() string                      { return "InventoryGenerator" }
func (InventoryGenerator) RequestedContext() ir.BlockContext { return ir.ContextInventory }

func (InventoryGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	inv, ok := b.NearestVariable(ir.TypeMutInventory)
	if !ok {
		return ErrMissingVariables
	}

	txs := b.RandomVariables(r, ir.TypeConstTx)
	blocks := b.RandomVariables(r, ir.TypeBlock)
	if len(txs) == 0 && len(blocks) == 0 {
		return ErrMissingVariables
	}

	for _, tx := range txs {
		b.MustAppend(ir.Op(choose(r, txInvOps)), inv.Index, tx.Index)
	}

	for _, block := range blocks {
		b.MustAppend(ir.Op(choose(r, blockInvOps)), inv.Index, block.Index)
	}

	return nil
}

// maxAddrEntries caps addr lists well below the protocol limit of 1000.
const maxAddrEntries = 16

// AddrGenerator relays a list of plausible IPv4 addresses.
type AddrGenerator struct{ global }

func (AddrGenerator) Name() string { return "AddrGenerator" }

func (AddrGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	now := b.Context().Timestamp
	if now > 0xffffffff {
		now = 0xffffffff
	}

	mutList := b.MustAppendVar(ir.Op(ir.OpBeginBuildAddrList))
	for n := 1 + r.Intn(maxAddrEntries); n > 0; n-- {
		addr := b.MustAppendVar(ir.LoadAddr(randomAddr(r, uint32(now))))
		b.MustAppend(ir.Op(ir.OpAddAddr), mutList.Index, addr.Index)
	}

	list := b.MustAppendVar(ir.Op(ir.OpEndBuildAddrList), mutList.Index)
	b.MustAppend(ir.Op(ir.OpSendAddr), conn.Index, list.Index)

	return nil
}

func randomAddr(r *rand.Rand, now uint32) ir.AddrRecord {
	a := ir.AddrRecord{
		Services: choose(r, []uint64{0, 1, 9, 1033, 1037}),
		Port:     8333,
	}

	if age := uint32(r.Intn(3 * 3600)); age < now {
		a.Time = now - age
	}

	if r.Intn(4) == 0 {
		a.Port = uint16(1 + r.Intn(0xffff))
	}

	// IPv4-mapped IPv6
	a.IP[10], a.IP[11] = 0xff, 0xff
	r.Read(a.IP[12:])

	return a
}

// AddrRelayV2Generator relays an addrv2 list mixing every gossiped network.
type AddrRelayV2Generator struct{ global }

func (AddrRelayV2Generator) Name() string { return "AddrRelayV2Generator" }

func (AddrRelayV2Generator) Generate(b *ir.Builder, r *rand.Rand) error {
	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	now := b.Context().Timestamp
	if now > 0xffffffff {
		now = 0xffffffff
	}

	mutList := b.MustAppendVar(ir.Op(ir.OpBeginBuildAddrListV2))
	for n := 1 + r.Intn(maxAddrEntries); n > 0; n-- {
		addr := b.MustAppendVar(ir.LoadAddrV2(randomAddrV2(r, uint32(now))))
		b.MustAppend(ir.Op(ir.OpAddAddrV2), mutList.Index, addr.Index)
	}

	list := b.MustAppendVar(ir.Op(ir.OpEndBuildAddrListV2), mutList.Index)
	b.MustAppend(ir.Op(ir.OpSendAddrV2), conn.Index, list.Index)

	return nil
}

func randomAddrV2(r *rand.Rand, now uint32) ir.AddrRecordV2 {
	a := ir.AddrRecordV2{
		Services: choose(r, []uint64{0, 1, 9, 1033, 1037, 1033 | 1<<11}),
		Port:     uint16(1024 + r.Intn(0x10000-1024)),
	}

	a.Network, a.Payload = RandomAddrV2Payload(r)

	if now == 0 {
		a.Time = r.Uint32()
	} else if delta := uint32(r.Intn(86400 + 1)); r.Intn(2) == 0 && now+delta > now {
		a.Time = now + delta
	} else if delta < now {
		a.Time = now - delta
	}

	return a
}

// RandomAddrV2Payload picks a gossiped network, including ids unknown to
// this package, and an address of the length that network requires.
func RandomAddrV2Payload(r *rand.Rand) (ir.AddrNetwork, []byte) {
	nets := []ir.AddrNetwork{ir.NetIPv4, ir.NetIPv6, ir.NetTorV3, ir.NetI2P, ir.NetCJDNS, ir.NetYggdrasil, 0}

	n := choose(r, nets)
	if n == 0 {
		// outside the assigned 1..7
		n = ir.AddrNetwork(8 + r.Intn(248))
		if r.Intn(8) == 0 {
			n = 0
		}

		return n, randomBytes(r, 1+r.Intn(ir.MaxAddrV2Payload))
	}

	payload := randomBytes(r, n.PayloadSize())

	switch n {
	case ir.NetIPv4:
		// keep out of 0/8 and 127/8 most of the time
		if r.Intn(5) > 0 && (payload[0] == 0 || payload[0] == 127) {
			payload[0] = 1 + byte(r.Intn(126))
		}
	case ir.NetIPv6:
		payload[0] = 0x20 | payload[0]&0x1f
	case ir.NetCJDNS:
		payload[0] = 0xfc
	}

	return n, payload
}

// maxFilterAdd is the BIP37 limit for filteradd data.
const maxFilterAdd = 520

// BloomFilterGenerator sends filterload, filteradd or filterclear. filteradd
// is only chosen once a filter has been built in the program.
type BloomFilterGenerator struct{ global }

func (BloomFilterGenerator) Name() string { return "BloomFilterGenerator" }

func (BloomFilterGenerator) Generate(b *ir.Builder, r *rand.Rand) error {
	conn, err := b.RandomConnection(r)
	if err != nil {
		return ErrInvalidContext
	}

	ops := []ir.OpKind{ir.OpSendFilterLoad, ir.OpSendFilterClear}
	if _, loaded := b.NearestVariable(ir.TypeConstFilterLoad); loaded {
		ops = append(ops, ir.OpSendFilterAdd)
	}

	switch op := choose(r, ops); op {
	case ir.OpSendFilterLoad:
		if r.Intn(4) == 0 {
			filter := b.MustAppendVar(ir.LoadFilterLoad(randomFilterLoad(r)))
			b.MustAppend(ir.Op(op), conn.Index, filter.Index)

			break
		}

		txs := b.RandomVariables(r, ir.TypeConstTx)
		txos := b.RandomVariables(r, ir.TypeTxo)

		mut := b.MustAppendVar(ir.Op(ir.OpBeginBuildFilterLoad))
		for _, tx := range txs {
			b.MustAppend(ir.Op(ir.OpAddTxToFilter), mut.Index, tx.Index)
		}

		for _, txo := range txos {
			b.MustAppend(ir.Op(ir.OpAddTxoToFilter), mut.Index, txo.Index)
		}

		filter := b.MustAppendVar(ir.Op(ir.OpEndBuildFilterLoad), mut.Index)
		b.MustAppend(ir.Op(op), conn.Index, filter.Index)
	case ir.OpSendFilterAdd:
		var data ir.IndexedVariable
		if tx, ok := b.RandomVariable(r, ir.TypeConstTx); ok && r.Intn(2) == 0 {
			data = b.MustAppendVar(ir.Op(ir.OpBuildFilterAddFromTx), tx.Index)
		} else if txo, ok := b.RandomVariable(r, ir.TypeTxo); ok && r.Intn(2) == 0 {
			data = b.MustAppendVar(ir.Op(ir.OpBuildFilterAddFromTxo), txo.Index)
		} else {
			data = b.MustAppendVar(ir.LoadFilterAdd(randomBytes(r, 1+r.Intn(maxFilterAdd))))
		}

		b.MustAppend(ir.Op(op), conn.Index, data.Index)
	default:
		b.MustAppend(ir.Op(op), conn.Index)
	}

	return nil
}

// Limits a node places on filterload before it disconnects the peer.
const (
	maxFilterLoadSize      = 36000
	maxFilterLoadHashFuncs = 50
)

// randomFilterLoad returns filter parameters near or just past the BIP37
// limits.
func randomFilterLoad(r *rand.Rand) ir.FilterLoad {
	size := choose(r, []int{0, 1, 1 + r.Intn(512), maxFilterLoadSize, maxFilterLoadSize + 1})

	return ir.FilterLoad{
		Filter:    randomBytes(r, size),
		HashFuncs: choose(r, []uint32{0, 1, uint32(1 + r.Intn(maxFilterLoadHashFuncs)), maxFilterLoadHashFuncs, maxFilterLoadHashFuncs + 1}),
		Tweak:     r.Uint32(),
		Flags:     uint8(r.Intn(4)),
	}
}
