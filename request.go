// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import "net/netip"

// RequestType discriminates the tagged union described in the data
// model's "Request message" entity. Values are wire-stable; do not
// renumber once an engine build depends on them.
type RequestType uint32

// The request types named in the binary format.
const (
	TypeAddAddress RequestType = 1 + iota
	TypeDelAddress
	TypeAddRoute
	TypeDelRoute
	TypeFlushNeighbors
	TypeAddWFPBlock
	TypeDelWFPBlock
	TypeRegisterDNS
	TypeAddDNSCfg
	TypeDelDNSCfg
	TypeAddWINSCfg
	TypeDelWINSCfg
	TypeEnableDHCP
	TypeRegisterRingBuffers
	TypeSetMTU
	typeAck RequestType = 0x1000
)

// Family is the address family of an operation, matching the wire
// "family:u16" field.
type Family uint16

// The two families the protocol supports. A zero Family is invalid.
const (
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 23
)

// Header is the common prefix of every request: {type, size, message_id}.
// size is authoritative and includes the header itself; the codec
// validates it against both the bytes actually received and the fixed
// size of the variant named by type.
type Header struct {
	Type      RequestType
	Size      uint32
	MessageID uint32
}

// RawAddr is a 128-bit wire address field. For IPv4 only the first four
// bytes are meaningful; for IPv6 all sixteen are. Use [RawAddr.Addr] to
// interpret it against a [Family].
type RawAddr [16]byte

// Addr interprets the raw bytes as a [netip.Addr] for the given family.
func (r RawAddr) Addr(fam Family) (netip.Addr, bool) {
	switch fam {
	case FamilyIPv4:
		var b [4]byte
		copy(b[:], r[:4])
		return netip.AddrFrom4(b), true
	case FamilyIPv6:
		return netip.AddrFrom16(r), true
	default:
		return netip.Addr{}, false
	}
}

// RawAddrFrom packs addr into a [RawAddr], zero-extending an IPv4
// address into the low four bytes as the wire format requires.
func RawAddrFrom(addr netip.Addr) RawAddr {
	var r RawAddr
	if addr.Is4() {
		b := addr.As4()
		copy(r[:4], b[:])
		return r
	}
	b := addr.As16()
	copy(r[:], b[:])
	return r
}

// Interface identifies a network interface either by LUID-resolvable
// index or by name. Index -1 (as a signed value, i.e. 0xFFFFFFFF here)
// means "use Name instead": a set index always wins over the alias.
type Interface struct {
	Index uint32
	Name  string
}

// InterfaceIndexUnset is the wire sentinel meaning "resolve by Name".
const InterfaceIndexUnset uint32 = 0xFFFFFFFF

// HasIndex reports whether Index should be used directly rather than
// resolving Name to a LUID.
func (i Interface) HasIndex() bool {
	return i.Index != InterfaceIndexUnset
}

// AddressRequest is the add/del address variant.
type AddressRequest struct {
	Family    Family
	PrefixLen uint8
	Iface     Interface
	Address   RawAddr
}

// RouteRequest is the add/del route variant.
type RouteRequest struct {
	Family    Family
	PrefixLen uint8
	Iface     Interface
	Prefix    RawAddr
	Gateway   RawAddr
	Metric    uint32
}

// FlushNeighborsRequest is the flush-neighbors variant. No undo: the
// effect is ephemeral.
type FlushNeighborsRequest struct {
	Family Family
	Iface  Interface
}

// WFPBlockFlags carries the optional dns_only mode bit and is reserved
// for future flags.
type WFPBlockFlags uint32

// WFPBlockDNSOnly restricts the installed filters to the DNS path.
const WFPBlockDNSOnly WFPBlockFlags = 1 << 0

// WFPBlockRequest is the add/del WFP-block variant.
type WFPBlockRequest struct {
	Flags WFPBlockFlags
	Iface Interface
}

// MaxDNSAddrs is the wire capacity of a dns_cfg request's address list.
const MaxDNSAddrs = 4

// DNSCfgRequest is the add/del DNS-cfg variant. AddrLen may exceed
// [MaxDNSAddrs] on the wire; excess entries are silently ignored
// rather than rejected, which is what existing engines rely on.
type DNSCfgRequest struct {
	Iface   Interface
	Family  Family
	AddrLen uint32
	Addr    [MaxDNSAddrs]RawAddr
	Domains string
}

// EffectiveAddrCount returns AddrLen clamped to the wire capacity,
// implementing the preserved truncate-don't-reject behavior.
func (r DNSCfgRequest) EffectiveAddrCount() int {
	n := int(r.AddrLen)
	if n > MaxDNSAddrs {
		n = MaxDNSAddrs
	}
	if n < 0 {
		n = 0
	}
	return n
}

// MaxWINSAddrs is the wire capacity of a wins_cfg request's address list.
const MaxWINSAddrs = 4

// WINSCfgRequest is the add/del WINS-cfg variant. Addresses are IPv4
// only (u32 each), matching the wire format.
type WINSCfgRequest struct {
	Iface   Interface
	AddrLen uint32
	Addr    [MaxWINSAddrs]uint32
}

// EffectiveAddrCount returns AddrLen clamped to the wire capacity.
func (r WINSCfgRequest) EffectiveAddrCount() int {
	n := int(r.AddrLen)
	if n > MaxWINSAddrs {
		n = MaxWINSAddrs
	}
	if n < 0 {
		n = 0
	}
	return n
}

// EnableDHCPRequest is the enable-DHCP variant. IPv4 only.
type EnableDHCPRequest struct {
	Iface Interface
}

// RingBuffersRequest carries the five client-process-local handle
// values for ring registration. These are handle *values* as seen in the
// engine process's handle table; the service must duplicate them from
// the engine process, never interpret them directly.
type RingBuffersRequest struct {
	Device        uint64
	SendRing      uint64
	RecvRing      uint64
	SendTailEvent uint64
	RecvTailEvent uint64
}

// SetMTURequest is the set-MTU variant.
type SetMTURequest struct {
	Family Family
	Iface  Interface
	MTU    uint32
}

// Request is the decoded union: exactly one of the typed fields below is
// populated, selected by Header.Type.
type Request struct {
	Header Header

	Address       *AddressRequest
	Route         *RouteRequest
	FlushNeighbor *FlushNeighborsRequest
	WFPBlock      *WFPBlockRequest
	DNSCfg        *DNSCfgRequest
	WINSCfg       *WINSCfgRequest
	EnableDHCP    *EnableDHCPRequest
	RingBuffers   *RingBuffersRequest
	SetMTU        *SetMTURequest
}
