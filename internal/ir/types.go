// Package ir defines the typed SSA program representation used to describe
// p2p test scenarios, together with the builder that guards its invariants.
//
// A Program is a flat instruction stream. Block opening instructions push a
// scope frame that owns an inner handle variable; the matching closer pops it
// and produces an outer visible summary variable.
package ir

// VarType is the type tag carried by every variable.
type VarType int

const (
	TypeInvalid VarType = iota // no value
	TypeNop
	TypeBytes
	TypeMsgType
	TypeNode
	TypeConnection
	TypeConnectionType
	TypeDuration
	TypeTime
	TypeAmount
	TypeSize
	TypeTxVersion
	TypeBlockVersion
	TypeLockTime
	TypeSequence
	TypeBlockHeight
	TypeCompactFilterType
	TypePrivateKey
	TypeSigHashFlags
	TypeTxo
	TypeHeader
	TypeScripts
	TypeMutWitnessStack
	TypeConstWitnessStack
	TypeMutTx
	TypeConstTx
	TypeMutTxInputs
	TypeConstTxInputs
	TypeMutTxOutputs
	TypeConstTxOutputs
	TypeMutInventory
	TypeConstInventory
	TypeMutBlockTransactions
	TypeConstBlockTransactions
	TypeBlock
	TypeAddrRecord
	TypeMutAddrList
	TypeConstAddrList
	TypeMutFilterLoad
	TypeConstFilterLoad
	TypeFilterAdd
	TypeAddrRecordV2
	TypeMutAddrListV2
	TypeConstAddrListV2
	TypeNonce
	TypeCompactBlock
	TypeMutBlockTxn
	TypeConstBlockTxn
	numVarTypes
)

var varTypeNames = [numVarTypes]string{
	TypeInvalid:                "Invalid",
	TypeNop:                    "Nop",
	TypeBytes:                  "Bytes",
	TypeMsgType:                "MsgType",
	TypeNode:                   "Node",
	TypeConnection:             "Connection",
	TypeConnectionType:         "ConnectionType",
	TypeDuration:               "Duration",
	TypeTime:                   "Time",
	TypeAmount:                 "Amount",
	TypeSize:                   "Size",
	TypeTxVersion:              "TxVersion",
	TypeBlockVersion:           "BlockVersion",
	TypeLockTime:               "LockTime",
	TypeSequence:               "Sequence",
	TypeBlockHeight:            "BlockHeight",
	TypeCompactFilterType:      "CompactFilterType",
	TypePrivateKey:             "PrivateKey",
	TypeSigHashFlags:           "SigHashFlags",
	TypeTxo:                    "Txo",
	TypeHeader:                 "Header",
	TypeScripts:                "Scripts",
	TypeMutWitnessStack:        "MutWitnessStack",
	TypeConstWitnessStack:      "ConstWitnessStack",
	TypeMutTx:                  "MutTx",
	TypeConstTx:                "ConstTx",
	TypeMutTxInputs:            "MutTxInputs",
	TypeConstTxInputs:          "ConstTxInputs",
	TypeMutTxOutputs:           "MutTxOutputs",
	TypeConstTxOutputs:         "ConstTxOutputs",
	TypeMutInventory:           "MutInventory",
	TypeConstInventory:         "ConstInventory",
	TypeMutBlockTransactions:   "MutBlockTransactions",
	TypeConstBlockTransactions: "ConstBlockTransactions",
	TypeBlock:                  "Block",
	TypeAddrRecord:             "AddrRecord",
	TypeMutAddrList:            "MutAddrList",
	TypeConstAddrList:          "ConstAddrList",
	TypeMutFilterLoad:          "MutFilterLoad",
	TypeConstFilterLoad:        "ConstFilterLoad",
	TypeFilterAdd:              "FilterAdd",
	TypeAddrRecordV2:           "AddrRecordV2",
	TypeMutAddrListV2:          "MutAddrListV2",
	TypeConstAddrListV2:        "ConstAddrListV2",
	TypeNonce:                  "Nonce",
	TypeCompactBlock:           "CompactBlock",
	TypeMutBlockTxn:            "MutBlockTxn",
	TypeConstBlockTxn:          "ConstBlockTxn",
}

func (t VarType) String() string {
	if t < 0 || t >= numVarTypes {
		return "Unknown"
	}

	return varTypeNames[t]
}

// Compatible reports whether a variable of type a may be used where b is
// expected. There is no widening: only identical tags are compatible.
func Compatible(a, b VarType) bool { return a == b }

// BlockContext identifies the kind of block an instruction is emitted in.
type BlockContext int

const (
	ContextGlobal BlockContext = iota
	ContextWitnessStack
	ContextTransaction
	ContextTxInputs
	ContextTxOutputs
	ContextBlockTransactions
	ContextInventory
	ContextAddrList
	ContextFilterLoad
	ContextAddrListV2
	ContextBlockTxn
)

func (c BlockContext) String() string {
	switch c {
	case ContextGlobal:
		return "global"
	case ContextWitnessStack:
		return "witness-stack"
	case ContextTransaction:
		return "transaction"
	case ContextTxInputs:
		return "tx-inputs"
	case ContextTxOutputs:
		return "tx-outputs"
	case ContextBlockTransactions:
		return "block-transactions"
	case ContextInventory:
		return "inventory"
	case ContextAddrList:
		return "addr-list"
	case ContextFilterLoad:
		return "filter-load"
	case ContextAddrListV2:
		return "addr-list-v2"
	case ContextBlockTxn:
		return "block-txn"
	default:
		return "unknown"
	}
}
