package ir

import (
	"bytes"
	"fmt"
	"strconv"
)

// AddrNetwork is the BIP155 network id of an addrv2 entry.
type AddrNetwork uint8

const (
	NetIPv4 AddrNetwork = 1 + iota
	NetIPv6
	NetTorV2
	NetTorV3
	NetI2P
	NetCJDNS
	NetYggdrasil
)

// MaxAddrV2Payload bounds the address of networks without a fixed length.
const MaxAddrV2Payload = 512

var addrNetworkNames = [...]string{
	NetIPv4:      "ipv4",
	NetIPv6:      "ipv6",
	NetTorV2:     "torv2",
	NetTorV3:     "torv3",
	NetI2P:       "i2p",
	NetCJDNS:     "cjdns",
	NetYggdrasil: "yggdrasil",
}

func (n AddrNetwork) String() string {
	if n == 0 || int(n) >= len(addrNetworkNames) {
		return "net" + strconv.Itoa(int(n))
	}

	return addrNetworkNames[n]
}

// PayloadSize returns the address length n requires, or 0 for networks
// unknown to this package.
func (n AddrNetwork) PayloadSize() int {
	switch n {
	case NetIPv4:
		return 4
	case NetTorV2:
		return 10
	case NetIPv6, NetCJDNS, NetYggdrasil:
		return 16
	case NetTorV3, NetI2P:
		return 32
	}

	return 0
}

// AddrRecordV2 is a single entry of an addrv2 message.
type AddrRecordV2 struct {
	Time     uint32
	Services uint64
	Network  AddrNetwork
	Payload  []byte
	Port     uint16
}

// Check rejects entries that cannot be gossiped: torv2 addresses, known
// networks with a payload of the wrong length and oversized payloads.
func (a *AddrRecordV2) Check() error {
	if a.Network == NetTorV2 {
		return fmt.Errorf("%s addresses are not relayed", a.Network)
	}

	if n := a.Network.PayloadSize(); n > 0 && len(a.Payload) != n {
		return fmt.Errorf("%s address must be %d bytes, got %d", a.Network, n, len(a.Payload))
	}

	if len(a.Payload) > MaxAddrV2Payload {
		return fmt.Errorf("address payload of %d bytes exceeds %d", len(a.Payload), MaxAddrV2Payload)
	}

	return nil
}

func (a *AddrRecordV2) Equal(o *AddrRecordV2) bool {
	if a == nil || o == nil {
		return a == o
	}

	return a.Time == o.Time && a.Services == o.Services && a.Network == o.Network &&
		a.Port == o.Port && bytes.Equal(a.Payload, o.Payload)
}

func (a *AddrRecordV2) clone() *AddrRecordV2 {
	c := *a
	c.Payload = cloneBytes(a.Payload)

	return &c
}

// FilterLoad is a raw BIP37 filterload. Unlike filters assembled from
// transactions, its parameters are taken as given.
type FilterLoad struct {
	Filter    []byte
	HashFuncs uint32
	Tweak     uint32
	Flags     uint8
}

func (f *FilterLoad) Equal(o *FilterLoad) bool {
	if f == nil || o == nil {
		return f == o
	}

	return f.HashFuncs == o.HashFuncs && f.Tweak == o.Tweak && f.Flags == o.Flags &&
		bytes.Equal(f.Filter, o.Filter)
}

func (f *FilterLoad) clone() *FilterLoad {
	c := *f
	c.Filter = cloneBytes(f.Filter)

	return &c
}
