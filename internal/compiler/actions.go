package compiler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	ferrors "github.com/tokatoka/fuzzamoto/internal/errors"
	"github.com/tokatoka/fuzzamoto/internal/ir"
)

// ActionKind tags an Action.
type ActionKind uint8

const (
	ActionConnect ActionKind = iota + 1
	ActionSendMessage
	ActionSetTime
)

func (k ActionKind) String() string {
	switch k {
	case ActionConnect:
		return "Connect"
	case ActionSendMessage:
		return "SendMessage"
	case ActionSetTime:
		return "SetTime"
	}

	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action is one step for the execution backend. Only the fields of its kind
// are set.
type Action struct {
	Kind ActionKind

	// Connect
	Node     int
	ConnType string

	// SendMessage
	Conn    int
	Command string
	Payload []byte

	// SetTime
	Time uint64
}

func (a Action) String() string {
	switch a.Kind {
	case ActionConnect:
		return fmt.Sprintf("Connect(node=%d, %s)", a.Node, a.ConnType)
	case ActionSendMessage:
		return fmt.Sprintf("SendMessage(conn=%d, %q, %d bytes)", a.Conn, a.Command, len(a.Payload))
	case ActionSetTime:
		return fmt.Sprintf("SetTime(%d)", a.Time)
	}

	return a.Kind.String()
}

// Frame returns the message as it appears on the wire for the given network:
// magic, zero padded command, payload length, checksum, payload.
func (a Action) Frame(net wire.BitcoinNet) []byte {
	var buf bytes.Buffer

	var hdr [wire.MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
	copy(hdr[4:4+wire.CommandSize], a.Command)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(a.Payload)))
	copy(hdr[20:24], chainhash.DoubleHashB(a.Payload)[:4])

	buf.Write(hdr[:])
	buf.Write(a.Payload)

	return buf.Bytes()
}

// BlockVars locates a constructed block and its transactions.
type BlockVars struct {
	Block int
	Txs   []int
}

// Metadata relates the compiled actions back to the program.
type Metadata struct {
	// ActionIndices[i] is the instruction that emitted action i.
	ActionIndices []int
	// VariableIndices[v] is the instruction that defined variable v.
	VariableIndices []int
	// TxoVars maps a txid to the first Txo variable taken from it.
	TxoVars map[chainhash.Hash]int
	// ConnectionVars maps a connection index to the first variable loading it.
	ConnectionVars map[int]int
	Blocks         map[chainhash.Hash]BlockVars
	Instructions   int
}

// CompiledProgram is the result of Compile.
type CompiledProgram struct {
	Actions  []Action
	Metadata Metadata
}

var actionMagic = [4]byte{'F', 'Z', 'A', 'C'}

// EncodeActions writes the action stream format: a versioned header, the
// action count, then each action.
func EncodeActions(w io.Writer, actions []Action) error {
	if err := ir.WriteHeader(w, actionMagic, ir.FormatVersion); err != nil {
		return ferrors.EncodingFailed("actions", err)
	}

	if err := wire.WriteVarInt(w, 0, uint64(len(actions))); err != nil {
		return ferrors.EncodingFailed("actions", err)
	}

	for i := range actions {
		if err := encodeAction(w, &actions[i]); err != nil {
			return ferrors.EncodingFailed("actions", err)
		}
	}

	return nil
}

func encodeAction(w io.Writer, a *Action) error {
	if _, err := w.Write([]byte{byte(a.Kind)}); err != nil {
		return err
	}

	switch a.Kind {
	case ActionConnect:
		if err := wire.WriteVarInt(w, 0, uint64(a.Node)); err != nil {
			return err
		}

		return wire.WriteVarString(w, 0, a.ConnType)
	case ActionSendMessage:
		if err := wire.WriteVarInt(w, 0, uint64(a.Conn)); err != nil {
			return err
		}

		if err := wire.WriteVarString(w, 0, a.Command); err != nil {
			return err
		}

		return wire.WriteVarBytes(w, 0, a.Payload)
	case ActionSetTime:
		return wire.WriteVarInt(w, 0, a.Time)
	}

	return fmt.Errorf("unknown action kind %d", a.Kind)
}

// DecodeActions reads an action stream written by EncodeActions.
func DecodeActions(data []byte) ([]Action, error) {
	r := bytes.NewReader(data)
	if err := ir.ReadHeader(r, actionMagic, "actions"); err != nil {
		return nil, err
	}

	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, ferrors.MalformedInput("actions", err)
	}

	// every action takes at least two bytes
	if n > uint64(r.Len()) {
		return nil, ferrors.MalformedInput("actions", fmt.Errorf("count %d exceeds input", n))
	}

	out := make([]Action, 0, n)
	for i := uint64(0); i < n; i++ {
		a, err := decodeAction(r)
		if err != nil {
			return nil, ferrors.MalformedInput("actions", fmt.Errorf("action %d: %w", i, err))
		}

		out = append(out, a)
	}

	if r.Len() != 0 {
		return nil, ferrors.MalformedInput("actions", fmt.Errorf("%d trailing bytes", r.Len()))
	}

	return out, nil
}

func decodeAction(r *bytes.Reader) (Action, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Action{}, err
	}

	a := Action{Kind: ActionKind(kind)}

	switch a.Kind {
	case ActionConnect:
		node, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return a, err
		}

		a.Node = int(node)
		a.ConnType, err = wire.ReadVarString(r, 0)

		return a, err
	case ActionSendMessage:
		conn, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return a, err
		}

		a.Conn = int(conn)
		if a.Command, err = wire.ReadVarString(r, 0); err != nil {
			return a, err
		}

		a.Payload, err = wire.ReadVarBytes(r, 0, wire.MaxMessagePayload, "payload")

		return a, err
	case ActionSetTime:
		a.Time, err = wire.ReadVarInt(r, 0)

		return a, err
	}

	return a, fmt.Errorf("unknown action kind %d", kind)
}
