// SPDX-License-Identifier: GPL-3.0-or-later

// Package netstate applies address, route, neighbor-cache, DHCP, and
// MTU operations (component D of the design) and records undo
// information in the session ledger.
//
// The OS surface is the [API] interface: the real implementation talks
// to iphlpapi (Windows only), tests use an in-memory fake. Rows cross
// the boundary as plain values holding interface LUIDs, never live OS
// handles, so undo records stay self-contained.
package netstate

import (
	"net/netip"

	"github.com/ovpn3/privsvc"
)

// AddressRow describes one unicast address assignment.
type AddressRow struct {
	// LUID identifies the interface.
	LUID uint64

	// Family is the address family.
	Family privsvc.Family

	// Addr is the address to install.
	Addr netip.Addr

	// PrefixLen is the on-link prefix length.
	PrefixLen uint8
}

// RouteRow describes one forwarding-table entry. Routes are installed
// with maximal validity lifetimes and the network-management protocol
// origin.
type RouteRow struct {
	// LUID identifies the interface.
	LUID uint64

	// Family is the address family.
	Family privsvc.Family

	// Prefix is the destination prefix.
	Prefix netip.Addr

	// PrefixLen is the destination prefix length.
	PrefixLen uint8

	// Gateway is the next hop.
	Gateway netip.Addr

	// Metric is the route metric.
	Metric uint32
}

// IPInterfaceRow is the subset of the per-(interface, family) IP
// configuration this service reads and writes: the MTU (set-MTU
// requests) and the metric (firewall block manager).
type IPInterfaceRow struct {
	// Family selects the v4 or v6 row of the interface.
	Family privsvc.Family

	// LUID identifies the interface.
	LUID uint64

	// NlMtu is the network-layer MTU.
	NlMtu uint32

	// SitePrefixLength must be zero when writing an IPv4 row; the
	// system rejects the write otherwise.
	SitePrefixLength uint32

	// Metric is the interface metric.
	Metric uint32

	// UseAutomaticMetric reports whether the metric is system-chosen.
	// Writing with this set makes the system ignore Metric.
	UseAutomaticMetric bool
}

// API abstracts the IP helper surface.
//
// Implementations: [*SystemAPI] (Windows only) and the per-package
// test fakes.
type API interface {
	// LUIDFromAlias resolves an interface alias to its LUID.
	LUIDFromAlias(alias string) (uint64, error)

	// LUIDFromIndex resolves an interface index to its LUID.
	LUIDFromIndex(index uint32) (uint64, error)

	// CreateUnicastAddress installs an address.
	CreateUnicastAddress(row AddressRow) error

	// DeleteUnicastAddress removes an address.
	DeleteUnicastAddress(row AddressRow) error

	// CreateRoute installs a route.
	CreateRoute(row RouteRow) error

	// DeleteRoute removes a route.
	DeleteRoute(row RouteRow) error

	// FlushNeighbors clears the neighbor cache for the interface:
	// IPv4 only for FamilyIPv4, both stacks otherwise.
	FlushNeighbors(family privsvc.Family, index uint32) error

	// GetIPInterface reads the per-(interface, family) row.
	GetIPInterface(family privsvc.Family, luid uint64) (IPInterfaceRow, error)

	// SetIPInterface writes back a row previously read with
	// GetIPInterface.
	SetIPInterface(row IPInterfaceRow) error
}
