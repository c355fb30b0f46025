//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package firewall

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/netstate"
)

// NewSystemBlocker returns a [*Blocker] wired to the real filter
// engine and interface table.
func NewSystemBlocker(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Blocker {
	b := NewBlocker(cfg, ledger, logger)
	b.Engine = systemEngine{}
	b.Net = &netstate.SystemAPI{}
	return b
}

var (
	fwpuclnt                      = windows.NewLazySystemDLL("fwpuclnt.dll")
	procFwpmEngineOpen0           = fwpuclnt.NewProc("FwpmEngineOpen0")
	procFwpmEngineClose0          = fwpuclnt.NewProc("FwpmEngineClose0")
	procFwpmSubLayerAdd0          = fwpuclnt.NewProc("FwpmSubLayerAdd0")
	procFwpmFilterAdd0            = fwpuclnt.NewProc("FwpmFilterAdd0")
	procFwpmGetAppIdFromFileName0 = fwpuclnt.NewProc("FwpmGetAppIdFromFileName0")
	procFwpmFreeMemory0           = fwpuclnt.NewProc("FwpmFreeMemory0")
)

// Well-known WFP layer and condition identities.
var (
	layerALEAuthConnectV4 = windows.GUID{Data1: 0xc38d57d1, Data2: 0x05a7, Data3: 0x4c33,
		Data4: [8]byte{0x90, 0x4f, 0x7f, 0xbc, 0xee, 0xe6, 0x0e, 0x82}}
	layerALEAuthConnectV6 = windows.GUID{Data1: 0x4a72393b, Data2: 0x319f, Data3: 0x44bc,
		Data4: [8]byte{0x84, 0xc3, 0xba, 0x54, 0xdc, 0xb3, 0xb6, 0xb4}}
	conditionALEAppID = windows.GUID{Data1: 0xd78e1e87, Data2: 0x8644, Data3: 0x4ea5,
		Data4: [8]byte{0x94, 0x37, 0xd8, 0x09, 0xec, 0xef, 0xc9, 0x71}}
	conditionIPRemotePort = windows.GUID{Data1: 0xc35a604d, Data2: 0xd22b, Data3: 0x482e,
		Data4: [8]byte{0x98, 0x06, 0x3b, 0xe5, 0xf1, 0x2b, 0x7a, 0x77}}
	conditionIPLocalInterface = windows.GUID{Data1: 0x4cd62a49, Data2: 0x59c3, Data3: 0x4969,
		Data4: [8]byte{0xb7, 0xf3, 0xbd, 0xa5, 0xd3, 0x28, 0x90, 0xa4}}

	// blockSubLayerKey identifies this service's sublayer; a fixed
	// key keeps concurrent sessions from piling up duplicate
	// sublayers with random identities.
	blockSubLayerKey = windows.GUID{Data1: 0x2f660d7e, Data2: 0x6a37, Data3: 0x11e6,
		Data4: [8]byte{0xa1, 0x81, 0x00, 0x1e, 0x67, 0x2a, 0x59, 0xd4}}
)

// Numeric WFP constants.
const (
	fwpActionBlock  = 0x1001
	fwpActionPermit = 0x1002

	fwpEmpty        = 0
	fwpUint16       = 2
	fwpUint64       = 4
	fwpByteBlobType = 11

	fwpMatchEqual = 0

	fwpmSessionFlagDynamic = 0x00000001

	rpcAuthnWinNT = 10

	dnsPort = 53
)

// fwpValue is FWP_VALUE0 / FWP_CONDITION_VALUE0: a type tag plus an
// eight-byte union slot (inline for small integers, a pointer for
// uint64 and blobs).
type fwpValue struct {
	kind uint32
	_    [4]byte
	data uint64
}

// fwpByteBlob is FWP_BYTE_BLOB.
type fwpByteBlob struct {
	size uint32
	_    [4]byte
	data *byte
}

// fwpmDisplayData is FWPM_DISPLAY_DATA0.
type fwpmDisplayData struct {
	name        *uint16
	description *uint16
}

// fwpmSession is FWPM_SESSION0, with only the fields this package
// sets named; the rest are zero.
type fwpmSession struct {
	sessionKey           windows.GUID
	displayData          fwpmDisplayData
	flags                uint32
	txnWaitTimeoutInMSec uint32
	processId            uint32
	_                    [4]byte
	sid                  uintptr
	username             *uint16
	kernelMode           int32
	_                    [4]byte
}

// fwpmSubLayer is FWPM_SUBLAYER0.
type fwpmSubLayer struct {
	subLayerKey  windows.GUID
	displayData  fwpmDisplayData
	flags        uint32
	_            [4]byte
	providerKey  *windows.GUID
	providerData fwpByteBlob
	weight       uint16
	_            [6]byte
}

// fwpmFilterCondition is FWPM_FILTER_CONDITION0.
type fwpmFilterCondition struct {
	fieldKey       windows.GUID
	matchType      uint32
	_              [4]byte
	conditionValue fwpValue
}

// fwpmAction is FWPM_ACTION0.
type fwpmAction struct {
	kind       uint32
	filterType windows.GUID
}

// fwpmFilter is FWPM_FILTER0.
type fwpmFilter struct {
	filterKey           windows.GUID
	displayData         fwpmDisplayData
	flags               uint32
	_                   [4]byte
	providerKey         *windows.GUID
	providerData        fwpByteBlob
	layerKey            windows.GUID
	subLayerKey         windows.GUID
	weight              fwpValue
	numFilterConditions uint32
	_                   [4]byte
	filterCondition     *fwpmFilterCondition
	action              fwpmAction
	providerContextKey  windows.GUID
	reserved            *windows.GUID
	filterId            uint64
	effectiveWeight     fwpValue
}

// systemEngine is the real [Engine].
type systemEngine struct{}

var _ Engine = systemEngine{}

// Open implements [Engine]: a dynamic session, so closing the handle
// removes everything this session added.
func (systemEngine) Open() (Session, error) {
	session := &fwpmSession{flags: fwpmSessionFlagDynamic}
	var handle windows.Handle
	status, _, _ := procFwpmEngineOpen0.Call(
		0, // server name: local
		rpcAuthnWinNT,
		0, // auth identity
		uintptr(unsafe.Pointer(session)),
		uintptr(unsafe.Pointer(&handle)),
	)
	if status != 0 {
		return nil, syscall.Errno(status)
	}
	return &engineSession{handle: handle}, nil
}

// engineSession is the real [Session].
type engineSession struct {
	handle windows.Handle
}

var _ Session = &engineSession{}

// Close implements [Session].
func (s *engineSession) Close() error {
	if s.handle == 0 {
		return nil
	}
	status, _, _ := procFwpmEngineClose0.Call(uintptr(s.handle))
	s.handle = 0
	if status != 0 {
		return syscall.Errno(status)
	}
	return nil
}

// AddBlockFilters implements [Session].
//
// The full set permits the engine executable and the tunnel interface
// and blocks everything else; dns_only narrows the block to the DNS
// port so only name resolution is forced through the tunnel.
func (s *engineSession) AddBlockFilters(ifaceLUID uint64, enginePath string, dnsOnly bool) error {
	if err := s.addSubLayer(); err != nil {
		return err
	}
	appID, free, err := appIDFromPath(enginePath)
	if err != nil {
		return err
	}
	defer free()

	for _, layer := range []windows.GUID{layerALEAuthConnectV4, layerALEAuthConnectV6} {
		// Highest weight: the engine's own traffic always passes.
		permitApp := []fwpmFilterCondition{{
			fieldKey:  conditionALEAppID,
			matchType: fwpMatchEqual,
			conditionValue: fwpValue{
				kind: fwpByteBlobType,
				data: uint64(uintptr(unsafe.Pointer(appID))),
			},
		}}
		if err := s.addFilter(layer, permitApp, fwpActionPermit, 0xF); err != nil {
			return err
		}

		// Traffic on the tunnel interface passes.
		permitIface := []fwpmFilterCondition{{
			fieldKey:  conditionIPLocalInterface,
			matchType: fwpMatchEqual,
			conditionValue: fwpValue{
				kind: fwpUint64,
				data: uint64(uintptr(unsafe.Pointer(&ifaceLUID))),
			},
		}}
		if err := s.addFilter(layer, permitIface, fwpActionPermit, 0xE); err != nil {
			return err
		}

		// Everything else is blocked: entirely, or on the DNS port.
		var blockConditions []fwpmFilterCondition
		if dnsOnly {
			blockConditions = []fwpmFilterCondition{{
				fieldKey:  conditionIPRemotePort,
				matchType: fwpMatchEqual,
				conditionValue: fwpValue{
					kind: fwpUint16,
					data: dnsPort,
				},
			}}
		}
		if err := s.addFilter(layer, blockConditions, fwpActionBlock, 0x1); err != nil {
			return err
		}
	}
	return nil
}

func (s *engineSession) addSubLayer() error {
	name, _ := windows.UTF16PtrFromString("tunnel traffic block")
	sublayer := &fwpmSubLayer{
		subLayerKey: blockSubLayerKey,
		displayData: fwpmDisplayData{name: name},
		weight:      0x100,
	}
	status, _, _ := procFwpmSubLayerAdd0.Call(
		uintptr(s.handle), uintptr(unsafe.Pointer(sublayer)), 0)
	if status != 0 {
		return syscall.Errno(status)
	}
	return nil
}

func (s *engineSession) addFilter(
	layer windows.GUID, conditions []fwpmFilterCondition, action uint32, weight uint64) error {
	name, _ := windows.UTF16PtrFromString("tunnel traffic block filter")
	filter := &fwpmFilter{
		displayData: fwpmDisplayData{name: name},
		layerKey:    layer,
		subLayerKey: blockSubLayerKey,
		weight: fwpValue{
			kind: fwpUint64,
			data: uint64(uintptr(unsafe.Pointer(&weight))),
		},
		action: fwpmAction{kind: action},
	}
	if len(conditions) > 0 {
		filter.numFilterConditions = uint32(len(conditions))
		filter.filterCondition = &conditions[0]
	}
	var id uint64
	status, _, _ := procFwpmFilterAdd0.Call(
		uintptr(s.handle),
		uintptr(unsafe.Pointer(filter)),
		0, // sd
		uintptr(unsafe.Pointer(&id)),
	)
	if status != 0 {
		return syscall.Errno(status)
	}
	return nil
}

// appIDFromPath asks WFP for the application identity blob of the
// engine executable. The returned free function releases the
// WFP-allocated blob.
func appIDFromPath(path string) (*fwpByteBlob, func(), error) {
	path16, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, nil, err
	}
	var blob *fwpByteBlob
	status, _, _ := procFwpmGetAppIdFromFileName0.Call(
		uintptr(unsafe.Pointer(path16)),
		uintptr(unsafe.Pointer(&blob)),
	)
	if status != 0 {
		return nil, nil, syscall.Errno(status)
	}
	return blob, func() {
		procFwpmFreeMemory0.Call(uintptr(unsafe.Pointer(&blob)))
	}, nil
}
