package compiler

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"

	"github.com/tokatoka/fuzzamoto/internal/ir"
)

func (c *Compiler) send(instr *ir.Instruction) error {
	a := c.args(instr)
	conn := arg[int](a, 0)

	var (
		msg     wire.Message
		enc     = wire.WitnessEncoding
		payload []byte
		command string
	)

	switch instr.Op.Kind {
	case ir.OpSendRawMessage:
		command, payload = arg[string](a, 1), arg[[]byte](a, 2)
	case ir.OpSendTx, ir.OpSendTxNoWit:
		if t := arg[*tx](a, 1); t != nil {
			msg = t.msg
		}

		if instr.Op.Kind == ir.OpSendTxNoWit {
			enc = wire.BaseEncoding
		}
	case ir.OpSendBlock, ir.OpSendBlockNoWit:
		if b := arg[*block](a, 1); b != nil {
			msg = b.msg
		}

		if instr.Op.Kind == ir.OpSendBlockNoWit {
			enc = wire.BaseEncoding
		}
	case ir.OpSendHeader:
		h := arg[ir.Header](a, 1)
		hdr := headerToWire(&h)
		m := wire.NewMsgHeaders()
		if err := m.AddBlockHeader(&hdr); err != nil {
			return err
		}

		msg = m
	case ir.OpSendGetData:
		m := wire.NewMsgGetData()
		m.InvList = arg[inventory](a, 1)
		msg = m
	case ir.OpSendInv:
		m := wire.NewMsgInv()
		m.InvList = arg[inventory](a, 1)
		msg = m
	case ir.OpSendGetCFilters, ir.OpSendGetCFHeaders:
		typ, start, h := arg[uint64](a, 1), arg[uint64](a, 2), arg[ir.Header](a, 3)
		hdr := headerToWire(&h)
		stop := hdr.BlockHash()

		if instr.Op.Kind == ir.OpSendGetCFilters {
			msg = wire.NewMsgGetCFilters(wire.FilterType(typ), uint32(start), &stop)
		} else {
			msg = wire.NewMsgGetCFHeaders(wire.FilterType(typ), uint32(start), &stop)
		}
	case ir.OpSendGetCFCheckpt:
		typ, h := arg[uint64](a, 1), arg[ir.Header](a, 2)
		hdr := headerToWire(&h)
		stop := hdr.BlockHash()
		msg = wire.NewMsgGetCFCheckpt(wire.FilterType(typ), &stop)
	case ir.OpSendGetAddr:
		msg = wire.NewMsgGetAddr()
	case ir.OpSendAddr:
		l := arg[addrList](a, 1)
		// longer lists are truncated rather than rejected by the codec
		if len(l) > wire.MaxAddrPerMsg {
			l = l[:wire.MaxAddrPerMsg]
		}

		m := wire.NewMsgAddr()
		m.AddrList = l
		msg = m
	case ir.OpSendFilterLoad:
		f := arg[*wire.MsgFilterLoad](a, 1)
		if a.err != nil {
			return a.err
		}

		// written directly, so filters past the BIP37 limits reach the peer
		var buf bytes.Buffer
		if err := wire.WriteVarBytes(&buf, wire.ProtocolVersion, f.Filter); err != nil {
			return err
		}

		var tail [9]byte
		binary.LittleEndian.PutUint32(tail[0:], f.HashFuncs)
		binary.LittleEndian.PutUint32(tail[4:], f.Tweak)
		tail[8] = byte(f.Flags)
		buf.Write(tail[:])

		command, payload = wire.CmdFilterLoad, buf.Bytes()
	case ir.OpSendFilterAdd:
		data := arg[filterAdd](a, 1)
		command = wire.CmdFilterAdd

		// written directly, so oversized elements reach the peer
		var buf bytes.Buffer
		if err := wire.WriteVarBytes(&buf, wire.ProtocolVersion, data); err != nil {
			return err
		}

		payload = buf.Bytes()
	case ir.OpSendFilterClear:
		msg = wire.NewMsgFilterClear()
	case ir.OpSendAddrV2:
		l := arg[addrListV2](a, 1)
		if a.err != nil {
			return a.err
		}

		if len(l) > wire.MaxV2AddrPerMsg {
			l = l[:wire.MaxV2AddrPerMsg]
		}

		var err error
		if payload, err = encodeAddrV2(l); err != nil {
			return err
		}

		command = wire.CmdAddrV2
	case ir.OpSendCompactBlock:
		msg = arg[*MsgCmpctBlock](a, 1)
	case ir.OpSendBlockTxn:
		if m := arg[MsgBlockTxn](a, 1); a.err == nil {
			msg = &m
		}
	}

	if a.err != nil {
		return a.err
	}

	if msg != nil {
		var err error
		if payload, err = encodeTo(msg, enc); err != nil {
			return err
		}

		command = msg.Command()
	}

	c.emit(Action{
		Kind:    ActionSendMessage,
		Conn:    conn,
		Command: command,
		Payload: append([]byte(nil), payload...),
	})

	return nil
}
