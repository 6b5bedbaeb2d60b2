package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/tokatoka/fuzzamoto/internal/compiler"
	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// Oracle inspects every message the target accepted. A non-nil error is a
// finding; its text becomes part of the crash reason.
type Oracle func(msg wire.Message, payload []byte) error

// RoundTripOracle requires that re-encoding a decoded message reproduces the
// payload it was decoded from.
func RoundTripOracle(msg wire.Message, payload []byte) error {
	// btcd drops addrv2 entries of networks it does not store
	if m, ok := msg.(*wire.MsgAddrV2); ok {
		if n, err := wire.ReadVarInt(bytes.NewReader(payload), wire.ProtocolVersion); err != nil || n != uint64(len(m.AddrList)) {
			return nil
		}
	}

	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
		return fmt.Errorf("re-encoding failed: %w", err)
	}

	if !bytes.Equal(buf.Bytes(), payload) {
		return fmt.Errorf("re-encoding differs from payload")
	}

	return nil
}

// WireOptions configures a WireBackend.
type WireOptions struct {
	// Net is the magic messages are framed with. Zero means regtest.
	Net          wire.BitcoinNet
	CoverageMode string
	Oracles      []Oracle
}

// WireBackend is an in-process target: it frames every message as a peer
// would send it, decodes it with the btcd wire codec and derives coverage
// from the decoded structure.
type WireBackend struct {
	ctx  ir.Context
	opts WireOptions
}

func NewWireBackend(ctx ir.Context, opts WireOptions) *WireBackend {
	if opts.Net == 0 {
		opts.Net = wire.TestNet
	}

	return &WireBackend{ctx: ctx, opts: opts}
}

func (b *WireBackend) Close() error { return nil }

func (b *WireBackend) Execute(ctx context.Context, actions []compiler.Action) (res *Result, err error) {
	res = &Result{}

	var tokens []string

	defer func() {
		if r := recover(); r != nil {
			res.Verdict = VerdictCrash
			res.Reason = fmt.Sprintf("panic: %v", r)
		}

		res.Features = ComputeCoverage(b.opts.CoverageMode, tokens)
	}()

	conns := b.ctx.Connections
	now := b.ctx.Timestamp

	for i, a := range actions {
		if ctx.Err() != nil {
			res.Verdict = VerdictTimeout
			return res, nil
		}

		switch a.Kind {
		case compiler.ActionConnect:
			conns++
			tokens = append(tokens, "ctrl:connect:"+a.ConnType)
		case compiler.ActionSetTime:
			if a.Time < now {
				tokens = append(tokens, "ctrl:time:back")
			} else {
				tokens = append(tokens, "ctrl:time:forward")
			}

			now = a.Time
		case compiler.ActionSendMessage:
			if a.Conn >= conns {
				tokens = append(tokens, "err:connection")
				break
			}

			toks, reason := b.deliver(&a)
			tokens = append(tokens, toks...)

			if reason != "" {
				res.Verdict = VerdictCrash
				res.Reason = reason
				res.Executed = i + 1

				return res, nil
			}
		default:
			return res, fmt.Errorf("unknown action kind %s", a.Kind)
		}

		res.Executed = i + 1
	}

	return res, nil
}

func (b *WireBackend) deliver(a *compiler.Action) ([]string, string) {
	msg, payload, err := b.decode(a)
	if err != nil {
		return []string{"err:" + a.Command + ":" + classify(err)}, ""
	}

	cmd := msg.Command()
	toks := append([]string{"cmd:" + cmd}, messageFeatures(msg)...)

	for _, o := range b.opts.Oracles {
		if err := o(msg, payload); err != nil {
			return toks, cmd + ": " + err.Error()
		}
	}

	return toks, ""
}

// decode reads the framed message back. Commands btcd does not know are
// decoded from the payload with the compiler's message types; their frames
// are built by the compiler and always well formed.
func (b *WireBackend) decode(a *compiler.Action) (wire.Message, []byte, error) {
	if msg := compiler.MakeEmptyMessage(a.Command); msg != nil {
		if len(a.Payload) > int(msg.MaxPayloadLength(wire.ProtocolVersion)) {
			return nil, nil, &wire.MessageError{Func: "decode", Description: "payload too large"}
		}

		if err := msg.BtcDecode(bytes.NewReader(a.Payload), wire.ProtocolVersion, wire.WitnessEncoding); err != nil {
			return nil, nil, err
		}

		return msg, a.Payload, nil
	}

	frame := a.Frame(b.opts.Net)
	_, msg, payload, err := wire.ReadMessageWithEncodingN(bytes.NewReader(frame), wire.ProtocolVersion, b.opts.Net, wire.WitnessEncoding)

	return msg, payload, err
}

// classify reduces a decode error to a token that does not depend on the
// offending values.
func classify(err error) string {
	var me *wire.MessageError
	switch {
	case errors.As(err, &me):
		return me.Func
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "short"
	}

	return "other"
}

func bucket(n int) int {
	switch {
	case n <= 2:
		return n
	case n <= 4:
		return 4
	case n <= 8:
		return 8
	case n <= 64:
		return 64
	}

	return 65
}

func messageFeatures(msg wire.Message) []string {
	var out []string

	switch m := msg.(type) {
	case *wire.MsgTx:
		out = append(out, txFeatures(m)...)
	case *wire.MsgBlock:
		out = append(out, fmt.Sprintf("feat:block:txs:%d", bucket(len(m.Transactions))))

		blk := btcutil.NewBlock(m)
		if err := blockchain.CheckProofOfWork(blk, chaincfg.RegressionNetParams.PowLimit); err != nil {
			out = append(out, "feat:block:pow:bad")
		} else {
			out = append(out, "feat:block:pow:ok")
		}

		if root := blockchain.CalcMerkleRoot(blk.Transactions(), false); root != m.Header.MerkleRoot {
			out = append(out, "feat:block:merkle:bad")
		} else {
			out = append(out, "feat:block:merkle:ok")
		}

		for _, tx := range m.Transactions {
			out = append(out, txFeatures(tx)...)
		}
	case *wire.MsgHeaders:
		out = append(out, fmt.Sprintf("feat:headers:%d", bucket(len(m.Headers))))
	case *wire.MsgInv:
		out = append(out, invFeatures("inv", m.InvList)...)
	case *wire.MsgGetData:
		out = append(out, invFeatures("getdata", m.InvList)...)
	case *wire.MsgAddr:
		out = append(out, fmt.Sprintf("feat:addr:%d", bucket(len(m.AddrList))))
	case *wire.MsgAddrV2:
		out = append(out, fmt.Sprintf("feat:addrv2:%d", bucket(len(m.AddrList))))

		for _, na := range m.AddrList {
			if na.IsTorV3() {
				out = append(out, "feat:addrv2:torv3")
				break
			}
		}
	case *compiler.MsgCmpctBlock:
		out = append(out, fmt.Sprintf("feat:cmpctblock:shortids:%d:prefilled:%d",
			bucket(len(m.ShortIDs)), bucket(len(m.Prefilled))))

		if len(m.Prefilled) == 0 || m.Prefilled[0].Index != 0 {
			out = append(out, "feat:cmpctblock:no-coinbase")
		}

		for _, p := range m.Prefilled {
			out = append(out, txFeatures(p.Tx)...)
		}
	case *compiler.MsgBlockTxn:
		out = append(out, fmt.Sprintf("feat:blocktxn:%d", bucket(len(m.Txs))))

		for _, tx := range m.Txs {
			out = append(out, txFeatures(tx)...)
		}
	case *wire.MsgFilterLoad:
		out = append(out, fmt.Sprintf("feat:filterload:funcs:%d:size:%d:flags:%d",
			bucket(int(m.HashFuncs)), bucket(len(m.Filter)), m.Flags))
	case *wire.MsgFilterAdd:
		out = append(out, fmt.Sprintf("feat:filteradd:%d", bucket(len(m.Data))))
	case *wire.MsgGetCFilters:
		out = append(out, fmt.Sprintf("feat:getcfilters:%d", m.FilterType))
	case *wire.MsgGetCFHeaders:
		out = append(out, fmt.Sprintf("feat:getcfheaders:%d", m.FilterType))
	case *wire.MsgGetCFCheckpt:
		out = append(out, fmt.Sprintf("feat:getcfcheckpt:%d", m.FilterType))
	}

	return out
}

func txFeatures(tx *wire.MsgTx) []string {
	out := []string{fmt.Sprintf("feat:tx:in:%d:out:%d:wit:%t", bucket(len(tx.TxIn)), bucket(len(tx.TxOut)), tx.HasWitness())}

	if tx.LockTime != 0 {
		out = append(out, "feat:tx:locktime")
	}

	for _, o := range tx.TxOut {
		out = append(out, "feat:txout:"+txscript.GetScriptClass(o.PkScript).String())
	}

	return out
}

func invFeatures(cmd string, list []*wire.InvVect) []string {
	out := make([]string, 0, len(list))
	for _, iv := range list {
		out = append(out, "feat:"+cmd+":"+iv.Type.String())
	}

	return out
}
