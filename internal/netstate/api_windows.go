//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package netstate

import (
	"net/netip"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/sysexec"
)

// NewSystemActuator returns an [*Actuator] wired to iphlpapi and the
// system-binary runner.
func NewSystemActuator(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Actuator {
	a := NewActuator(cfg, ledger, logger)
	a.API = &SystemAPI{}
	a.Runner = sysexec.NewSystemRunner(cfg, logger)
	return a
}

var (
	iphlpapi                        = windows.NewLazySystemDLL("iphlpapi.dll")
	procConvertAliasToLuid          = iphlpapi.NewProc("ConvertInterfaceAliasToLuid")
	procConvertIndexToLuid          = iphlpapi.NewProc("ConvertInterfaceIndexToLuid")
	procInitializeUnicastIPRow      = iphlpapi.NewProc("InitializeUnicastIpAddressEntry")
	procCreateUnicastIPAddressEntry = iphlpapi.NewProc("CreateUnicastIpAddressEntry")
	procDeleteUnicastIPAddressEntry = iphlpapi.NewProc("DeleteUnicastIpAddressEntry")
	procInitializeIPForwardEntry    = iphlpapi.NewProc("InitializeIpForwardEntry")
	procCreateIPForwardEntry2       = iphlpapi.NewProc("CreateIpForwardEntry2")
	procDeleteIPForwardEntry2       = iphlpapi.NewProc("DeleteIpForwardEntry2")
	procFlushIPNetTable2            = iphlpapi.NewProc("FlushIpNetTable2")
	procInitializeIPInterfaceEntry  = iphlpapi.NewProc("InitializeIpInterfaceEntry")
	procGetIPInterfaceEntry         = iphlpapi.NewProc("GetIpInterfaceEntry")
	procSetIPInterfaceEntry         = iphlpapi.NewProc("SetIpInterfaceEntry")
)

// SystemAPI is the real [API].
type SystemAPI struct{}

var _ API = &SystemAPI{}

// routeProtocolNetMgmt marks routes as network-management-installed so
// they survive stack restarts the way administratively-added routes do.
const routeProtocolNetMgmt = 3

// afUnspec flushes both neighbor stacks.
const afUnspec = 0

// sockaddrInet is SOCKADDR_INET: the family selects whether the v4 or
// v6 layout of raw applies.
type sockaddrInet struct {
	family uint16
	raw    [26]byte
}

func (sa *sockaddrInet) set(family privsvc.Family, addr [16]byte) {
	sa.family = uint16(family)
	if family == privsvc.FamilyIPv4 {
		copy(sa.raw[2:6], addr[:4])
		return
	}
	copy(sa.raw[6:22], addr[:16])
}

// mibUnicastIPAddressRow mirrors MIB_UNICASTIPADDRESS_ROW.
type mibUnicastIPAddressRow struct {
	address            sockaddrInet
	_                  [4]byte
	interfaceLuid      uint64
	interfaceIndex     uint32
	prefixOrigin       uint32
	suffixOrigin       uint32
	validLifetime      uint32
	preferredLifetime  uint32
	onLinkPrefixLength uint8
	skipAsSource       uint8
	_                  [2]byte
	dadState           uint32
	scopeID            uint32
	creationTimeStamp  int64
}

// mibIPForwardRow2 mirrors MIB_IPFORWARD_ROW2.
type mibIPForwardRow2 struct {
	interfaceLuid        uint64
	interfaceIndex       uint32
	destinationPrefix    ipAddressPrefix
	nextHop              sockaddrInet
	sitePrefixLength     uint8
	_                    [3]byte
	validLifetime        uint32
	preferredLifetime    uint32
	metric               uint32
	protocol             uint32
	loopback             uint8
	autoconfigureAddress uint8
	publish              uint8
	immortal             uint8
	age                  uint32
	origin               uint32
}

// ipAddressPrefix mirrors IP_ADDRESS_PREFIX.
type ipAddressPrefix struct {
	prefix       sockaddrInet
	prefixLength uint8
	_            [3]byte
}

// mibIPInterfaceRow mirrors MIB_IPINTERFACE_ROW.
type mibIPInterfaceRow struct {
	family                               uint32
	_                                    [4]byte
	interfaceLuid                        uint64
	interfaceIndex                       uint32
	maxReassemblySize                    uint32
	interfaceIdentifier                  uint64
	minRouterAdvertisementInterval       uint32
	maxRouterAdvertisementInterval       uint32
	advertisingEnabled                   uint8
	forwardingEnabled                    uint8
	weakHostSend                         uint8
	weakHostReceive                      uint8
	useAutomaticMetric                   uint8
	useNeighborUnreachabilityDetection   uint8
	managedAddressConfigurationSupported uint8
	otherStatefulConfigurationSupported  uint8
	advertiseDefaultRoute                uint8
	_                                    [3]byte
	routerDiscoveryBehavior              uint32
	dadTransmits                         uint32
	baseReachableTime                    uint32
	retransmitTime                       uint32
	pathMtuDiscoveryTimeout              uint32
	linkLocalAddressBehavior             uint32
	linkLocalAddressTimeout              uint32
	zoneIndices                          [16]uint32
	sitePrefixLength                     uint32
	metric                               uint32
	nlMtu                                uint32
	connected                            uint8
	supportsWakeUpPatterns               uint8
	supportsNeighborDiscovery            uint8
	supportsRouterDiscovery              uint8
	reachableTime                        uint32
	transmitOffload                      uint8
	receiveOffload                       uint8
	disableDefaultRoutes                 uint8
	_                                    [1]byte
}

// wireBytes lays addr out the way [sockaddrInet.set] expects: the
// first four bytes for v4, all sixteen for v6. An invalid addr (an
// absent gateway) yields the unspecified address.
func wireBytes(addr netip.Addr, family privsvc.Family) [16]byte {
	var out [16]byte
	if !addr.IsValid() {
		return out
	}
	if family == privsvc.FamilyIPv4 {
		b := addr.As4()
		copy(out[:4], b[:])
		return out
	}
	out = addr.As16()
	return out
}

// call invokes proc and converts the NETIO_STATUS result, which is a
// Win32 error code, not an NTSTATUS.
func call(proc *windows.LazyProc, args ...uintptr) error {
	status, _, _ := proc.Call(args...)
	if status != 0 {
		return syscall.Errno(status)
	}
	return nil
}

// LUIDFromAlias implements [API].
func (*SystemAPI) LUIDFromAlias(alias string) (uint64, error) {
	alias16, err := windows.UTF16PtrFromString(alias)
	if err != nil {
		return 0, err
	}
	var luid uint64
	err = call(procConvertAliasToLuid,
		uintptr(unsafe.Pointer(alias16)), uintptr(unsafe.Pointer(&luid)))
	return luid, err
}

// LUIDFromIndex implements [API].
func (*SystemAPI) LUIDFromIndex(index uint32) (uint64, error) {
	var luid uint64
	err := call(procConvertIndexToLuid,
		uintptr(index), uintptr(unsafe.Pointer(&luid)))
	return luid, err
}

func unicastRow(row AddressRow) *mibUnicastIPAddressRow {
	mib := &mibUnicastIPAddressRow{}
	procInitializeUnicastIPRow.Call(uintptr(unsafe.Pointer(mib)))
	mib.address.set(row.Family, wireBytes(row.Addr, row.Family))
	mib.interfaceLuid = row.LUID
	mib.onLinkPrefixLength = row.PrefixLen
	return mib
}

// CreateUnicastAddress implements [API].
func (*SystemAPI) CreateUnicastAddress(row AddressRow) error {
	return call(procCreateUnicastIPAddressEntry, uintptr(unsafe.Pointer(unicastRow(row))))
}

// DeleteUnicastAddress implements [API].
func (*SystemAPI) DeleteUnicastAddress(row AddressRow) error {
	return call(procDeleteUnicastIPAddressEntry, uintptr(unsafe.Pointer(unicastRow(row))))
}

func forwardRow(row RouteRow) *mibIPForwardRow2 {
	mib := &mibIPForwardRow2{}
	procInitializeIPForwardEntry.Call(uintptr(unsafe.Pointer(mib)))
	mib.interfaceLuid = row.LUID
	mib.destinationPrefix.prefix.set(row.Family, wireBytes(row.Prefix, row.Family))
	mib.destinationPrefix.prefixLength = row.PrefixLen
	mib.nextHop.set(row.Family, wireBytes(row.Gateway, row.Family))
	mib.metric = row.Metric
	mib.protocol = routeProtocolNetMgmt
	return mib
}

// CreateRoute implements [API].
func (*SystemAPI) CreateRoute(row RouteRow) error {
	return call(procCreateIPForwardEntry2, uintptr(unsafe.Pointer(forwardRow(row))))
}

// DeleteRoute implements [API].
func (*SystemAPI) DeleteRoute(row RouteRow) error {
	return call(procDeleteIPForwardEntry2, uintptr(unsafe.Pointer(forwardRow(row))))
}

// FlushNeighbors implements [API].
func (*SystemAPI) FlushNeighbors(family privsvc.Family, index uint32) error {
	af := uintptr(afUnspec)
	if family == privsvc.FamilyIPv4 {
		af = uintptr(family)
	}
	return call(procFlushIPNetTable2, af, uintptr(index))
}

// GetIPInterface implements [API].
func (*SystemAPI) GetIPInterface(family privsvc.Family, luid uint64) (IPInterfaceRow, error) {
	mib, err := getInterfaceRow(family, luid)
	if err != nil {
		return IPInterfaceRow{}, err
	}
	return IPInterfaceRow{
		Family:             family,
		LUID:               luid,
		NlMtu:              mib.nlMtu,
		SitePrefixLength:   mib.sitePrefixLength,
		Metric:             mib.metric,
		UseAutomaticMetric: mib.useAutomaticMetric != 0,
	}, nil
}

// SetIPInterface implements [API]: it re-reads the full system row so
// every field outside this service's interest is written back intact.
func (*SystemAPI) SetIPInterface(row IPInterfaceRow) error {
	mib, err := getInterfaceRow(row.Family, row.LUID)
	if err != nil {
		return err
	}
	mib.nlMtu = row.NlMtu
	mib.sitePrefixLength = row.SitePrefixLength
	mib.metric = row.Metric
	mib.useAutomaticMetric = 0
	if row.UseAutomaticMetric {
		mib.useAutomaticMetric = 1
	}
	if row.Family == privsvc.FamilyIPv4 {
		mib.sitePrefixLength = 0
	}
	return call(procSetIPInterfaceEntry, uintptr(unsafe.Pointer(mib)))
}

func getInterfaceRow(family privsvc.Family, luid uint64) (*mibIPInterfaceRow, error) {
	mib := &mibIPInterfaceRow{}
	procInitializeIPInterfaceEntry.Call(uintptr(unsafe.Pointer(mib)))
	mib.family = uint32(family)
	mib.interfaceLuid = luid
	if err := call(procGetIPInterfaceEntry, uintptr(unsafe.Pointer(mib))); err != nil {
		return nil, err
	}
	return mib, nil
}
