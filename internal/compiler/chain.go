package compiler

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// blockInterval is the spacing between mined block timestamps.
const blockInterval = 600

// RegtestChain mines the given number of empty blocks on top of the regtest genesis block
// and returns a context exposing every header and every mature coinbase
// output. The coinbase outputs are P2WSH(OP_TRUE) and spendable by the
// generators without keys.
func RegtestChain(nodes, conns, blocks int) (ir.Context, error) {
	if nodes <= 0 || conns < 0 || blocks < 0 {
		return ir.Context{}, fmt.Errorf("invalid chain shape: nodes=%d conns=%d blocks=%d", nodes, conns, blocks)
	}

	g := chaincfg.RegressionNetParams.GenesisBlock.Header
	tip := ir.Header{
		Prev:       g.PrevBlock,
		MerkleRoot: g.MerkleRoot,
		Nonce:      g.Nonce,
		Bits:       g.Bits,
		Time:       uint32(g.Timestamp.Unix()),
		Version:    g.Version,
	}

	ctx := ir.Context{Nodes: nodes, Connections: conns, Headers: []ir.Header{tip}}

	var coinbases []*txo

	for i := 0; i < blocks; i++ {
		b, err := buildBlock(&tip, tip.Time+blockInterval, 4, nil)
		if err != nil {
			return ir.Context{}, fmt.Errorf("mining block %d: %w", i+1, err)
		}

		tip = b.header
		ctx.Headers = append(ctx.Headers, tip)
		coinbases = append(coinbases, b.coinbase.txos[0])
	}

	mature := len(coinbases) - int(chaincfg.RegressionNetParams.CoinbaseMaturity) + 1
	for _, t := range coinbases[:max(mature, 0)] {
		ctx.Txos = append(ctx.Txos, ir.Txo{
			Outpoint:        ir.Outpoint{Txid: t.outpoint.Hash, Vout: t.outpoint.Index},
			Value:           t.value,
			ScriptPubKey:    append([]byte(nil), t.scripts.pkScript...),
			SpendingWitness: cloneStack(t.scripts.witness),
		})
	}

	ctx.Timestamp = uint64(tip.Time)

	return ctx, nil
}
