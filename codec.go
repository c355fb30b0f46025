// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bassosimone/runtimex"
)

// ErrMessageData is returned when a request's size does not match the
// authoritative header field or the fixed size of its variant. Callers
// (internal/session) map this to [AckErrMessageData].
var ErrMessageData = errors.New("privsvc: message size does not match variant")

// ErrMessageType is returned for an unrecognized RequestType. Callers
// map this to [AckErrMessageType].
var ErrMessageType = errors.New("privsvc: unknown message type")

const (
	headerWireSize    = 12
	ifaceWireSize     = 4 + ifaceNameLen
	ifaceNameLen      = 256
	addressWireSize   = 2 + 1 + ifaceWireSize + 16
	routeWireSize     = 2 + 1 + ifaceWireSize + 16 + 16 + 4
	flushNeighWire    = 2 + ifaceWireSize
	wfpBlockWireSize  = 4 + ifaceWireSize
	dnsDomainsLen     = 512
	dnsCfgWireSize    = ifaceWireSize + 2 + 4 + MaxDNSAddrs*16 + dnsDomainsLen
	winsCfgWireSize   = ifaceWireSize + 4 + MaxWINSAddrs*4
	enableDHCPWire    = ifaceWireSize
	ringBuffersWire   = 5 * 8
	setMTUWireSize    = 2 + ifaceWireSize + 4
)

// HeaderWireSize is the fixed encoded size of a request [Header].
const HeaderWireSize = headerWireSize

// MaxRequestWireSize is the size of the largest encodable request frame
// (header plus the largest variant, which is dns_cfg). A frame peeked
// from the engine pipe that declares more bytes than this is not a
// protocol error to be acked: it is engine misbehaviour, and the
// session terminates (see internal/session).
const MaxRequestWireSize = headerWireSize + dnsCfgWireSize

// variantWireSize maps a [RequestType] to the fixed size of its body,
// excluding the 12-byte header. This table is asserted complete in
// init: every request type the codec knows how to decode must appear
// here, since a gap would be a programming error, not a malformed
// message from an untrusted peer.
var variantWireSize = map[RequestType]int{
	TypeAddAddress:          addressWireSize,
	TypeDelAddress:          addressWireSize,
	TypeAddRoute:            routeWireSize,
	TypeDelRoute:            routeWireSize,
	TypeFlushNeighbors:      flushNeighWire,
	TypeAddWFPBlock:         wfpBlockWireSize,
	TypeDelWFPBlock:         wfpBlockWireSize,
	TypeRegisterDNS:         0,
	TypeAddDNSCfg:           dnsCfgWireSize,
	TypeDelDNSCfg:           dnsCfgWireSize,
	TypeAddWINSCfg:          winsCfgWireSize,
	TypeDelWINSCfg:          winsCfgWireSize,
	TypeEnableDHCP:          enableDHCPWire,
	TypeRegisterRingBuffers: ringBuffersWire,
	TypeSetMTU:              setMTUWireSize,
}

func init() {
	runtimex.Assert(len(variantWireSize) == 15)
}

// DecodeHeader parses the common 12-byte header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerWireSize {
		return Header{}, ErrMessageData
	}
	return Header{
		Type:      RequestType(binary.LittleEndian.Uint32(buf[0:4])),
		Size:      binary.LittleEndian.Uint32(buf[4:8]),
		MessageID: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// DecodeRequest decodes a full request (header already parsed from the
// same bytes) from raw, which must contain exactly header.Size bytes —
// the size field is authoritative and must equal both the number of
// bytes actually received over the pipe and the fixed size of the
// named variant; this function enforces the second half of that
// contract, and internal/session enforces the first half by only
// calling this once a full frame has been read.
func DecodeRequest(header Header, raw []byte) (Request, error) {
	wantBody, known := variantWireSize[header.Type]
	if !known {
		return Request{}, ErrMessageType
	}
	if int(header.Size) != headerWireSize+wantBody {
		return Request{}, ErrMessageData
	}
	body := raw[headerWireSize:]
	if len(body) != wantBody {
		return Request{}, ErrMessageData
	}

	req := Request{Header: header}
	var err error
	switch header.Type {
	case TypeAddAddress, TypeDelAddress:
		req.Address, err = decodeAddress(body)
	case TypeAddRoute, TypeDelRoute:
		req.Route, err = decodeRoute(body)
	case TypeFlushNeighbors:
		req.FlushNeighbor, err = decodeFlushNeighbors(body)
	case TypeAddWFPBlock, TypeDelWFPBlock:
		req.WFPBlock, err = decodeWFPBlock(body)
	case TypeRegisterDNS:
		// no body
	case TypeAddDNSCfg, TypeDelDNSCfg:
		req.DNSCfg, err = decodeDNSCfg(body)
	case TypeAddWINSCfg, TypeDelWINSCfg:
		req.WINSCfg, err = decodeWINSCfg(body)
	case TypeEnableDHCP:
		req.EnableDHCP, err = decodeEnableDHCP(body)
	case TypeRegisterRingBuffers:
		req.RingBuffers, err = decodeRingBuffers(body)
	case TypeSetMTU:
		req.SetMTU, err = decodeSetMTU(body)
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrMessageType, header.Type)
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

// decodeIface parses an {index:u32, name[256]} field. Per the defensive
// rule in the design (4.C), the last byte of the fixed-length name
// field is forcibly NUL-terminated before this function reads it, so a
// malicious or buggy engine cannot cause an unterminated-string read
// downstream no matter what it sent.
func decodeIface(buf []byte) Interface {
	runtimex.Assert(len(buf) == ifaceWireSize)
	index := binary.LittleEndian.Uint32(buf[0:4])
	name := make([]byte, ifaceNameLen)
	copy(name, buf[4:4+ifaceNameLen])
	name[ifaceNameLen-1] = 0
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return Interface{Index: index, Name: string(name[:n])}
}

func decodeRawAddr(buf []byte) RawAddr {
	var r RawAddr
	copy(r[:], buf[:16])
	return r
}

func decodeAddress(buf []byte) (*AddressRequest, error) {
	fam := Family(binary.LittleEndian.Uint16(buf[0:2]))
	prefixLen := buf[2]
	iface := decodeIface(buf[3 : 3+ifaceWireSize])
	addr := decodeRawAddr(buf[3+ifaceWireSize:])
	return &AddressRequest{Family: fam, PrefixLen: prefixLen, Iface: iface, Address: addr}, nil
}

func decodeRoute(buf []byte) (*RouteRequest, error) {
	fam := Family(binary.LittleEndian.Uint16(buf[0:2]))
	prefixLen := buf[2]
	off := 3
	iface := decodeIface(buf[off : off+ifaceWireSize])
	off += ifaceWireSize
	prefix := decodeRawAddr(buf[off:])
	off += 16
	gateway := decodeRawAddr(buf[off:])
	off += 16
	metric := binary.LittleEndian.Uint32(buf[off:])
	return &RouteRequest{
		Family: fam, PrefixLen: prefixLen, Iface: iface,
		Prefix: prefix, Gateway: gateway, Metric: metric,
	}, nil
}

func decodeFlushNeighbors(buf []byte) (*FlushNeighborsRequest, error) {
	fam := Family(binary.LittleEndian.Uint16(buf[0:2]))
	iface := decodeIface(buf[2 : 2+ifaceWireSize])
	return &FlushNeighborsRequest{Family: fam, Iface: iface}, nil
}

func decodeWFPBlock(buf []byte) (*WFPBlockRequest, error) {
	flags := WFPBlockFlags(binary.LittleEndian.Uint32(buf[0:4]))
	iface := decodeIface(buf[4 : 4+ifaceWireSize])
	return &WFPBlockRequest{Flags: flags, Iface: iface}, nil
}

func decodeDNSCfg(buf []byte) (*DNSCfgRequest, error) {
	off := 0
	iface := decodeIface(buf[off : off+ifaceWireSize])
	off += ifaceWireSize
	fam := Family(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	addrLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	var addrs [MaxDNSAddrs]RawAddr
	for i := 0; i < MaxDNSAddrs; i++ {
		addrs[i] = decodeRawAddr(buf[off:])
		off += 16
	}
	domainsBuf := make([]byte, dnsDomainsLen)
	copy(domainsBuf, buf[off:off+dnsDomainsLen])
	domainsBuf[dnsDomainsLen-1] = 0
	n := 0
	for n < len(domainsBuf) && domainsBuf[n] != 0 {
		n++
	}
	return &DNSCfgRequest{
		Iface: iface, Family: fam, AddrLen: addrLen, Addr: addrs,
		Domains: string(domainsBuf[:n]),
	}, nil
}

func decodeWINSCfg(buf []byte) (*WINSCfgRequest, error) {
	off := 0
	iface := decodeIface(buf[off : off+ifaceWireSize])
	off += ifaceWireSize
	addrLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	var addrs [MaxWINSAddrs]uint32
	for i := 0; i < MaxWINSAddrs; i++ {
		addrs[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return &WINSCfgRequest{Iface: iface, AddrLen: addrLen, Addr: addrs}, nil
}

func decodeEnableDHCP(buf []byte) (*EnableDHCPRequest, error) {
	return &EnableDHCPRequest{Iface: decodeIface(buf)}, nil
}

func decodeRingBuffers(buf []byte) (*RingBuffersRequest, error) {
	return &RingBuffersRequest{
		Device:        binary.LittleEndian.Uint64(buf[0:8]),
		SendRing:      binary.LittleEndian.Uint64(buf[8:16]),
		RecvRing:      binary.LittleEndian.Uint64(buf[16:24]),
		SendTailEvent: binary.LittleEndian.Uint64(buf[24:32]),
		RecvTailEvent: binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

func decodeSetMTU(buf []byte) (*SetMTURequest, error) {
	fam := Family(binary.LittleEndian.Uint16(buf[0:2]))
	iface := decodeIface(buf[2 : 2+ifaceWireSize])
	mtu := binary.LittleEndian.Uint32(buf[2+ifaceWireSize:])
	return &SetMTURequest{Family: fam, Iface: iface, MTU: mtu}, nil
}
