package ir

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// OpKind enumerates the closed set of operations.
type OpKind int

const (
	OpNop OpKind = iota

	OpLoadBytes
	OpLoadMsgType
	OpLoadNode
	OpLoadConnection
	OpLoadConnectionType
	OpLoadDuration
	OpLoadTime
	OpLoadAmount
	OpLoadSize
	OpLoadTxVersion
	OpLoadBlockVersion
	OpLoadLockTime
	OpLoadSequence
	OpLoadBlockHeight
	OpLoadCompactFilterType
	OpLoadPrivateKey
	OpLoadSigHashFlags
	OpLoadTxo
	OpLoadHeader
	OpLoadAddr
	OpLoadFilterAdd

	OpAddConnection
	OpAdvanceTime
	OpSetTime

	OpBuildRawScripts
	OpBuildPayToWitnessScriptHash
	OpBuildPayToScriptHash
	OpBuildPayToPubKey
	OpBuildPayToPubKeyHash
	OpBuildPayToWitnessPubKeyHash
	OpBuildOpReturnScripts
	OpBuildPayToAnchor

	OpBeginWitnessStack
	OpAddWitness
	OpEndWitnessStack

	OpBeginBuildTx
	OpBeginBuildTxInputs
	OpAddTxInput
	OpEndBuildTxInputs
	OpBeginBuildTxOutputs
	OpAddTxOutput
	OpEndBuildTxOutputs
	OpEndBuildTx
	OpTakeTxo

	OpBeginBlockTransactions
	OpAddTx
	OpEndBlockTransactions
	OpBuildBlock
	OpTakeHeader
	OpTakeCoinbaseTxo

	OpBeginBuildInventory
	OpAddTxidInv
	OpAddTxidWithWitnessInv
	OpAddWtxidInv
	OpAddBlockInv
	OpAddBlockWithWitnessInv
	OpAddFilteredBlockInv
	OpAddCompactBlockInv
	OpEndBuildInventory

	OpBeginBuildAddrList
	OpAddAddr
	OpEndBuildAddrList

	OpBeginBuildFilterLoad
	OpAddTxToFilter
	OpAddTxoToFilter
	OpEndBuildFilterLoad
	OpBuildFilterAddFromTx
	OpBuildFilterAddFromTxo

	OpSendRawMessage
	OpSendTx
	OpSendTxNoWit
	OpSendHeader
	OpSendBlock
	OpSendBlockNoWit
	OpSendGetData
	OpSendInv
	OpSendGetCFilters
	OpSendGetCFHeaders
	OpSendGetCFCheckpt
	OpSendGetAddr
	OpSendAddr
	OpSendFilterLoad
	OpSendFilterAdd
	OpSendFilterClear

	OpLoadAddrV2
	OpLoadFilterLoad
	OpLoadNonce

	OpBeginBuildAddrListV2
	OpAddAddrV2
	OpEndBuildAddrListV2

	OpBuildCompactBlock
	OpBeginBuildBlockTxn
	OpAddTxToBlockTxn
	OpEndBuildBlockTxn

	OpSendAddrV2
	OpSendCompactBlock
	OpSendBlockTxn

	numOpKinds
)

// NumOpKinds is the size of the operation catalog.
const NumOpKinds = int(numOpKinds)

// ConnectionTypes lists the accepted LoadConnectionType literals.
var ConnectionTypes = []string{"outbound", "inbound"}

type literalKind int

const (
	litNone literalKind = iota
	litBytes
	litString
	litInt
	litTxo
	litHeader
	litAddr
	litNop
	litAddrV2
	litFilterLoad
)

type blockRole int

const (
	roleNone blockRole = iota
	roleBegin
	roleEnd
)

type opInfo struct {
	name    string
	literal literalKind
	inputs  []VarType
	output  VarType
	inner   VarType
	role    blockRole
	opens   BlockContext
	closes  OpKind
	fixed   bool // inputs are handles and must not be rewired
	mutable bool // literal or variant may be changed by the operation mutator
	send    bool
}

func load(name string, lit literalKind, out VarType) opInfo {
	return opInfo{name: name, literal: lit, output: out, mutable: true}
}

func op(name string, out VarType, inputs ...VarType) opInfo {
	return opInfo{name: name, output: out, inputs: inputs}
}

func send(name string, inputs ...VarType) opInfo {
	return opInfo{name: name, inputs: append([]VarType{TypeConnection}, inputs...), send: true}
}

func begin(name string, opens BlockContext, inner VarType, inputs ...VarType) opInfo {
	return opInfo{name: name, inner: inner, inputs: inputs, role: roleBegin, opens: opens}
}

func end(name string, closes OpKind, out VarType, inputs ...VarType) opInfo {
	return opInfo{name: name, output: out, inputs: inputs, role: roleEnd, closes: closes}
}

func (i opInfo) withFixedInputs() opInfo {
	i.fixed = true

	return i
}

func (i opInfo) withVariants() opInfo {
	i.mutable = true

	return i
}

var catalog = [numOpKinds]opInfo{
	OpNop: {name: "Nop", literal: litNop},

	OpLoadBytes:             load("LoadBytes", litBytes, TypeBytes),
	OpLoadMsgType:           load("LoadMsgType", litString, TypeMsgType),
	OpLoadNode:              load("LoadNode", litInt, TypeNode),
	OpLoadConnection:        load("LoadConnection", litInt, TypeConnection),
	OpLoadConnectionType:    load("LoadConnectionType", litString, TypeConnectionType),
	OpLoadDuration:          load("LoadDuration", litInt, TypeDuration),
	OpLoadTime:              load("LoadTime", litInt, TypeTime),
	OpLoadAmount:            load("LoadAmount", litInt, TypeAmount),
	OpLoadSize:              load("LoadSize", litInt, TypeSize),
	OpLoadTxVersion:         load("LoadTxVersion", litInt, TypeTxVersion),
	OpLoadBlockVersion:      load("LoadBlockVersion", litInt, TypeBlockVersion),
	OpLoadLockTime:          load("LoadLockTime", litInt, TypeLockTime),
	OpLoadSequence:          load("LoadSequence", litInt, TypeSequence),
	OpLoadBlockHeight:       load("LoadBlockHeight", litInt, TypeBlockHeight),
	OpLoadCompactFilterType: load("LoadCompactFilterType", litInt, TypeCompactFilterType),
	OpLoadPrivateKey:        load("LoadPrivateKey", litBytes, TypePrivateKey),
	OpLoadSigHashFlags:      load("LoadSigHashFlags", litInt, TypeSigHashFlags),
	OpLoadTxo:               load("LoadTxo", litTxo, TypeTxo),
	OpLoadHeader:            load("LoadHeader", litHeader, TypeHeader),
	OpLoadAddr:              load("LoadAddr", litAddr, TypeAddrRecord),
	OpLoadFilterAdd:         load("LoadFilterAdd", litBytes, TypeFilterAdd),

	OpAddConnection: op("AddConnection", TypeInvalid, TypeNode, TypeConnectionType),
	OpAdvanceTime:   op("AdvanceTime", TypeInvalid, TypeDuration),
	OpSetTime:       op("SetTime", TypeInvalid, TypeTime),

	OpBuildRawScripts:             op("BuildRawScripts", TypeScripts, TypeBytes, TypeBytes, TypeConstWitnessStack),
	OpBuildPayToWitnessScriptHash: op("BuildPayToWitnessScriptHash", TypeScripts, TypeBytes, TypeConstWitnessStack).withVariants(),
	OpBuildPayToScriptHash:        op("BuildPayToScriptHash", TypeScripts, TypeBytes, TypeConstWitnessStack).withVariants(),
	OpBuildPayToPubKey:            op("BuildPayToPubKey", TypeScripts, TypePrivateKey, TypeSigHashFlags).withVariants(),
	OpBuildPayToPubKeyHash:        op("BuildPayToPubKeyHash", TypeScripts, TypePrivateKey, TypeSigHashFlags).withVariants(),
	OpBuildPayToWitnessPubKeyHash: op("BuildPayToWitnessPubKeyHash", TypeScripts, TypePrivateKey, TypeSigHashFlags).withVariants(),
	OpBuildOpReturnScripts:        op("BuildOpReturnScripts", TypeScripts, TypeSize),
	OpBuildPayToAnchor:            op("BuildPayToAnchor", TypeScripts),

	OpBeginWitnessStack: begin("BeginWitnessStack", ContextWitnessStack, TypeMutWitnessStack).withFixedInputs(),
	OpAddWitness:        op("AddWitness", TypeInvalid, TypeMutWitnessStack, TypeBytes),
	OpEndWitnessStack:   end("EndWitnessStack", OpBeginWitnessStack, TypeConstWitnessStack, TypeMutWitnessStack).withFixedInputs(),

	OpBeginBuildTx:        begin("BeginBuildTx", ContextTransaction, TypeMutTx, TypeTxVersion, TypeLockTime),
	OpBeginBuildTxInputs:  begin("BeginBuildTxInputs", ContextTxInputs, TypeMutTxInputs).withFixedInputs(),
	OpAddTxInput:          op("AddTxInput", TypeInvalid, TypeMutTxInputs, TypeTxo, TypeSequence),
	OpEndBuildTxInputs:    end("EndBuildTxInputs", OpBeginBuildTxInputs, TypeConstTxInputs, TypeMutTxInputs).withFixedInputs(),
	OpBeginBuildTxOutputs: begin("BeginBuildTxOutputs", ContextTxOutputs, TypeMutTxOutputs, TypeConstTxInputs).withFixedInputs(),
	OpAddTxOutput:         op("AddTxOutput", TypeInvalid, TypeMutTxOutputs, TypeScripts, TypeAmount),
	OpEndBuildTxOutputs:   end("EndBuildTxOutputs", OpBeginBuildTxOutputs, TypeConstTxOutputs, TypeMutTxOutputs).withFixedInputs(),
	OpEndBuildTx:          end("EndBuildTx", OpBeginBuildTx, TypeConstTx, TypeMutTx, TypeConstTxInputs, TypeConstTxOutputs).withFixedInputs(),
	OpTakeTxo:             op("TakeTxo", TypeTxo, TypeConstTx).withFixedInputs(),

	OpBeginBlockTransactions: begin("BeginBlockTransactions", ContextBlockTransactions, TypeMutBlockTransactions).withFixedInputs(),
	OpAddTx:                  op("AddTx", TypeInvalid, TypeMutBlockTransactions, TypeConstTx),
	OpEndBlockTransactions:   end("EndBlockTransactions", OpBeginBlockTransactions, TypeConstBlockTransactions, TypeMutBlockTransactions).withFixedInputs(),
	OpBuildBlock:             op("BuildBlock", TypeBlock, TypeHeader, TypeTime, TypeBlockVersion, TypeConstBlockTransactions),
	OpTakeHeader:             op("TakeHeader", TypeHeader, TypeBlock),
	OpTakeCoinbaseTxo:        op("TakeCoinbaseTxo", TypeTxo, TypeBlock),

	OpBeginBuildInventory:    begin("BeginBuildInventory", ContextInventory, TypeMutInventory).withFixedInputs(),
	OpAddTxidInv:             op("AddTxidInv", TypeInvalid, TypeMutInventory, TypeConstTx).withVariants(),
	OpAddTxidWithWitnessInv:  op("AddTxidWithWitnessInv", TypeInvalid, TypeMutInventory, TypeConstTx).withVariants(),
	OpAddWtxidInv:            op("AddWtxidInv", TypeInvalid, TypeMutInventory, TypeConstTx).withVariants(),
	OpAddBlockInv:            op("AddBlockInv", TypeInvalid, TypeMutInventory, TypeBlock).withVariants(),
	OpAddBlockWithWitnessInv: op("AddBlockWithWitnessInv", TypeInvalid, TypeMutInventory, TypeBlock).withVariants(),
	OpAddFilteredBlockInv:    op("AddFilteredBlockInv", TypeInvalid, TypeMutInventory, TypeBlock).withVariants(),
	OpAddCompactBlockInv:     op("AddCompactBlockInv", TypeInvalid, TypeMutInventory, TypeBlock).withVariants(),
	OpEndBuildInventory:      end("EndBuildInventory", OpBeginBuildInventory, TypeConstInventory, TypeMutInventory).withFixedInputs(),

	OpBeginBuildAddrList: begin("BeginBuildAddrList", ContextAddrList, TypeMutAddrList).withFixedInputs(),
	OpAddAddr:            op("AddAddr", TypeInvalid, TypeMutAddrList, TypeAddrRecord),
	OpEndBuildAddrList:   end("EndBuildAddrList", OpBeginBuildAddrList, TypeConstAddrList, TypeMutAddrList).withFixedInputs(),

	OpBeginBuildFilterLoad:  begin("BeginBuildFilterLoad", ContextFilterLoad, TypeMutFilterLoad).withFixedInputs(),
	OpAddTxToFilter:         op("AddTxToFilter", TypeInvalid, TypeMutFilterLoad, TypeConstTx),
	OpAddTxoToFilter:        op("AddTxoToFilter", TypeInvalid, TypeMutFilterLoad, TypeTxo),
	OpEndBuildFilterLoad:    end("EndBuildFilterLoad", OpBeginBuildFilterLoad, TypeConstFilterLoad, TypeMutFilterLoad).withFixedInputs(),
	OpBuildFilterAddFromTx:  op("BuildFilterAddFromTx", TypeFilterAdd, TypeConstTx),
	OpBuildFilterAddFromTxo: op("BuildFilterAddFromTxo", TypeFilterAdd, TypeTxo),

	OpSendRawMessage:   send("SendRawMessage", TypeMsgType, TypeBytes),
	OpSendTx:           send("SendTx", TypeConstTx).withVariants(),
	OpSendTxNoWit:      send("SendTxNoWit", TypeConstTx).withVariants(),
	OpSendHeader:       send("SendHeader", TypeHeader),
	OpSendBlock:        send("SendBlock", TypeBlock).withVariants(),
	OpSendBlockNoWit:   send("SendBlockNoWit", TypeBlock).withVariants(),
	OpSendGetData:      send("SendGetData", TypeConstInventory).withVariants(),
	OpSendInv:          send("SendInv", TypeConstInventory).withVariants(),
	OpSendGetCFilters:  send("SendGetCFilters", TypeCompactFilterType, TypeBlockHeight, TypeHeader).withVariants(),
	OpSendGetCFHeaders: send("SendGetCFHeaders", TypeCompactFilterType, TypeBlockHeight, TypeHeader).withVariants(),
	OpSendGetCFCheckpt: send("SendGetCFCheckpt", TypeCompactFilterType, TypeHeader),
	OpSendGetAddr:      send("SendGetAddr"),
	OpSendAddr:         send("SendAddr", TypeConstAddrList),
	OpSendFilterLoad:   send("SendFilterLoad", TypeConstFilterLoad),
	OpSendFilterAdd:    send("SendFilterAdd", TypeFilterAdd),
	OpSendFilterClear:  send("SendFilterClear"),

	OpLoadAddrV2:     load("LoadAddrV2", litAddrV2, TypeAddrRecordV2),
	OpLoadFilterLoad: load("LoadFilterLoad", litFilterLoad, TypeConstFilterLoad),
	OpLoadNonce:      load("LoadNonce", litInt, TypeNonce),

	OpBeginBuildAddrListV2: begin("BeginBuildAddrListV2", ContextAddrListV2, TypeMutAddrListV2).withFixedInputs(),
	OpAddAddrV2:            op("AddAddrV2", TypeInvalid, TypeMutAddrListV2, TypeAddrRecordV2),
	OpEndBuildAddrListV2:   end("EndBuildAddrListV2", OpBeginBuildAddrListV2, TypeConstAddrListV2, TypeMutAddrListV2).withFixedInputs(),

	OpBuildCompactBlock:  op("BuildCompactBlock", TypeCompactBlock, TypeBlock, TypeNonce),
	OpBeginBuildBlockTxn: begin("BeginBuildBlockTxn", ContextBlockTxn, TypeMutBlockTxn, TypeBlock),
	OpAddTxToBlockTxn:    op("AddTxToBlockTxn", TypeInvalid, TypeMutBlockTxn, TypeConstTx),
	OpEndBuildBlockTxn:   end("EndBuildBlockTxn", OpBeginBuildBlockTxn, TypeConstBlockTxn, TypeMutBlockTxn).withFixedInputs(),

	OpSendAddrV2:       send("SendAddrV2", TypeConstAddrListV2),
	OpSendCompactBlock: send("SendCompactBlock", TypeCompactBlock),
	OpSendBlockTxn:     send("SendBlockTxn", TypeConstBlockTxn),
}

// Valid reports whether k names a catalog entry.
func (k OpKind) Valid() bool { return k >= 0 && k < numOpKinds }

func (k OpKind) info() *opInfo {
	if !k.Valid() {
		return &opInfo{name: "Unknown"}
	}

	return &catalog[k]
}

func (k OpKind) String() string { return k.info().name }

// Inputs returns the input signature of k.
func (k OpKind) Inputs() []VarType { return k.info().inputs }

// Output returns the type of the top-level output, or TypeInvalid.
func (k OpKind) Output() VarType { return k.info().output }

// InnerOutput returns the type of the inner (block handle) output, or TypeInvalid.
func (k OpKind) InnerOutput() VarType { return k.info().inner }

func (k OpKind) IsBlockBegin() bool { return k.info().role == roleBegin }
func (k OpKind) IsBlockEnd() bool   { return k.info().role == roleEnd }

// Opens returns the block context entered by a block opener.
func (k OpKind) Opens() BlockContext { return k.info().opens }

// MatchingBegin returns the opener closed by a block closer.
func (k OpKind) MatchingBegin() OpKind { return k.info().closes }

// IsMatchingBlockBegin reports whether the closer k closes a block opened by b.
func (k OpKind) IsMatchingBlockBegin(b OpKind) bool {
	return k.IsBlockEnd() && b.IsBlockBegin() && k.info().closes == b
}

// IsLoad reports whether k carries a literal and has no inputs.
func (k OpKind) IsLoad() bool {
	lit := k.info().literal
	return lit != litNone && lit != litNop
}

// IsSend reports whether k emits a message on a connection.
func (k OpKind) IsSend() bool { return k.info().send }

// Operation is one catalog entry plus the literal payload for Load operations.
// Only the fields relevant to Kind are set; operations are never modified in
// place once part of a program.
type Operation struct {
	Kind   OpKind
	Bytes  []byte
	Str    string
	Int    uint64
	Txo    *Txo
	Header *Header
	Addr   *AddrRecord
	AddrV2 *AddrRecordV2
	Filter *FilterLoad
	// Nop bookkeeping: number of variables the replaced instruction defined.
	Outputs      int
	InnerOutputs int
}

// Op returns an operation without a literal payload.
func Op(k OpKind) Operation { return Operation{Kind: k} }

// Nop returns a Nop standing in for an instruction with the given output counts.
func Nop(outputs, innerOutputs int) Operation {
	return Operation{Kind: OpNop, Outputs: outputs, InnerOutputs: innerOutputs}
}

func LoadBytes(b []byte) Operation      { return Operation{Kind: OpLoadBytes, Bytes: b} }
func LoadMsgType(s string) Operation    { return Operation{Kind: OpLoadMsgType, Str: s} }
func LoadNode(i uint64) Operation       { return Operation{Kind: OpLoadNode, Int: i} }
func LoadConnection(i uint64) Operation { return Operation{Kind: OpLoadConnection, Int: i} }
func LoadConnectionType(s string) Operation {
	return Operation{Kind: OpLoadConnectionType, Str: s}
}
func LoadDuration(secs uint64) Operation   { return Operation{Kind: OpLoadDuration, Int: secs} }
func LoadTime(t uint64) Operation          { return Operation{Kind: OpLoadTime, Int: t} }
func LoadAmount(sats uint64) Operation     { return Operation{Kind: OpLoadAmount, Int: sats} }
func LoadSize(n uint64) Operation          { return Operation{Kind: OpLoadSize, Int: n} }
func LoadTxVersion(v uint32) Operation     { return Operation{Kind: OpLoadTxVersion, Int: uint64(v)} }
func LoadBlockVersion(v int32) Operation   { return Operation{Kind: OpLoadBlockVersion, Int: uint64(uint32(v))} }
func LoadLockTime(v uint32) Operation      { return Operation{Kind: OpLoadLockTime, Int: uint64(v)} }
func LoadSequence(v uint32) Operation      { return Operation{Kind: OpLoadSequence, Int: uint64(v)} }
func LoadBlockHeight(h uint32) Operation   { return Operation{Kind: OpLoadBlockHeight, Int: uint64(h)} }
func LoadCompactFilterType(t uint8) Operation {
	return Operation{Kind: OpLoadCompactFilterType, Int: uint64(t)}
}
func LoadPrivateKey(k []byte) Operation   { return Operation{Kind: OpLoadPrivateKey, Bytes: k} }
func LoadSigHashFlags(f uint8) Operation  { return Operation{Kind: OpLoadSigHashFlags, Int: uint64(f)} }
func LoadTxo(t Txo) Operation             { return Operation{Kind: OpLoadTxo, Txo: t.clone()} }
func LoadHeader(h Header) Operation       { return Operation{Kind: OpLoadHeader, Header: &h} }
func LoadAddr(a AddrRecord) Operation     { return Operation{Kind: OpLoadAddr, Addr: &a} }
func LoadFilterAdd(data []byte) Operation { return Operation{Kind: OpLoadFilterAdd, Bytes: data} }
func LoadAddrV2(a AddrRecordV2) Operation { return Operation{Kind: OpLoadAddrV2, AddrV2: a.clone()} }
func LoadFilterLoad(f FilterLoad) Operation {
	return Operation{Kind: OpLoadFilterLoad, Filter: f.clone()}
}
func LoadNonce(n uint64) Operation { return Operation{Kind: OpLoadNonce, Int: n} }

// NumOutputs returns the number of top-level outputs.
func (o Operation) NumOutputs() int {
	if o.Kind == OpNop {
		return o.Outputs
	}

	if o.Kind.Output() != TypeInvalid {
		return 1
	}

	return 0
}

// NumInnerOutputs returns the number of inner outputs.
func (o Operation) NumInnerOutputs() int {
	if o.Kind == OpNop {
		return o.InnerOutputs
	}

	if o.Kind.InnerOutput() != TypeInvalid {
		return 1
	}

	return 0
}

// NumInputs returns the arity of the operation.
func (o Operation) NumInputs() int { return len(o.Kind.Inputs()) }

// IsNoppable reports whether the minimizer may replace the instruction with a Nop.
func (o Operation) IsNoppable() bool {
	return o.Kind != OpNop && o.Kind.info().role == roleNone
}

// IsOperationMutable reports whether the operation mutator may change this operation.
func (o Operation) IsOperationMutable() bool { return o.Kind.info().mutable }

// IsInputMutable reports whether the input mutator may rewire the instruction's inputs.
func (o Operation) IsInputMutable() bool {
	inf := o.Kind.info()
	return len(inf.inputs) > 0 && !inf.fixed
}

// Equal compares two operations including their literal payload.
func (o Operation) Equal(p Operation) bool {
	if o.Kind != p.Kind || o.Str != p.Str || o.Int != p.Int || !bytes.Equal(o.Bytes, p.Bytes) ||
		o.Outputs != p.Outputs || o.InnerOutputs != p.InnerOutputs {
		return false
	}

	if !o.Txo.Equal(p.Txo) {
		return false
	}

	if (o.Header == nil) != (p.Header == nil) || (o.Header != nil && *o.Header != *p.Header) {
		return false
	}

	if (o.Addr == nil) != (p.Addr == nil) || (o.Addr != nil && *o.Addr != *p.Addr) {
		return false
	}

	return o.AddrV2.Equal(p.AddrV2) && o.Filter.Equal(p.Filter)
}

func (o Operation) clone() Operation {
	c := o
	c.Bytes = cloneBytes(o.Bytes)
	if o.Txo != nil {
		c.Txo = o.Txo.clone()
	}

	if o.Header != nil {
		h := *o.Header
		c.Header = &h
	}

	if o.Addr != nil {
		a := *o.Addr
		c.Addr = &a
	}

	if o.AddrV2 != nil {
		c.AddrV2 = o.AddrV2.clone()
	}

	if o.Filter != nil {
		c.Filter = o.Filter.clone()
	}

	return c
}

func (o Operation) String() string {
	name := o.Kind.String()

	switch o.Kind.info().literal {
	case litBytes:
		return fmt.Sprintf("%s(%q)", name, hex.EncodeToString(o.Bytes))
	case litString:
		return fmt.Sprintf("%s(%q)", name, o.Str)
	case litInt:
		if o.Kind == OpLoadBlockVersion {
			return name + "(" + strconv.FormatInt(int64(int32(uint32(o.Int))), 10) + ")"
		}

		return name + "(" + strconv.FormatUint(o.Int, 10) + ")"
	case litTxo:
		if o.Txo == nil {
			return name + "(<nil>)"
		}

		return fmt.Sprintf("%s(%s, %d)", name, o.Txo.Outpoint, o.Txo.Value)
	case litHeader:
		if o.Header == nil {
			return name + "(<nil>)"
		}

		return fmt.Sprintf("%s(height=%d, time=%d)", name, o.Header.Height, o.Header.Time)
	case litAddr:
		if o.Addr == nil {
			return name + "(<nil>)"
		}

		return fmt.Sprintf("%s(%s)", name, net.JoinHostPort(net.IP(o.Addr.IP[:]).String(), strconv.Itoa(int(o.Addr.Port))))
	case litAddrV2:
		if o.AddrV2 == nil {
			return name + "(<nil>)"
		}

		return fmt.Sprintf("%s(%s, %s, %d)", name, o.AddrV2.Network, hex.EncodeToString(o.AddrV2.Payload), o.AddrV2.Port)
	case litFilterLoad:
		if o.Filter == nil {
			return name + "(<nil>)"
		}

		return fmt.Sprintf("%s(%d bytes, funcs=%d, tweak=%d, flags=%d)", name,
			len(o.Filter.Filter), o.Filter.HashFuncs, o.Filter.Tweak, o.Filter.Flags)
	default:
		return name
	}
}
