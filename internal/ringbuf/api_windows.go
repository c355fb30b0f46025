//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package ringbuf

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
)

// NewSystemRegistrar returns a [*Registrar] wired to the real handle
// and device surface.
func NewSystemRegistrar(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Registrar {
	r := NewRegistrar(cfg, ledger, logger)
	r.API = &SystemAPI{}
	return r
}

// tunRing mirrors the driver's ring layout: head, tail, alertable,
// then the data area with its trailing slack.
const (
	tunRingCapacity      = 0x800000
	tunRingTrailingBytes = 0x10000
	tunRingSize          = 12 + tunRingCapacity + tunRingTrailingBytes
)

// tunIoctlRegisterRings is the device control that registers both
// rings: device type 51820, function 0x970, buffered, read+write
// access.
const tunIoctlRegisterRings = 0xCA6CE5C0

// tunRegisterRings mirrors the driver's registration argument.
type tunRegisterRings struct {
	send tunRingDescriptor
	recv tunRingDescriptor
}

type tunRingDescriptor struct {
	ringSize  uint32
	_         [4]byte
	ring      uintptr
	tailMoved windows.Handle
}

// SystemAPI is the real [API].
type SystemAPI struct{}

var _ API = &SystemAPI{}

// Duplicate implements [API].
func (*SystemAPI) Duplicate(srcProcess uintptr, handle uint64) (uintptr, error) {
	var out windows.Handle
	err := windows.DuplicateHandle(
		windows.Handle(srcProcess),
		windows.Handle(handle),
		windows.CurrentProcess(),
		&out,
		0,
		false,
		windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, err
	}
	return uintptr(out), nil
}

// MapView implements [API]: the whole fixed-size ring is mapped
// read-write.
func (*SystemAPI) MapView(section uintptr) (uintptr, error) {
	addr, err := windows.MapViewOfFile(
		windows.Handle(section),
		windows.FILE_MAP_READ|windows.FILE_MAP_WRITE,
		0, 0, tunRingSize,
	)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// UnmapView implements [API].
func (*SystemAPI) UnmapView(view uintptr) error {
	return windows.UnmapViewOfFile(view)
}

// RegisterRings implements [API].
func (*SystemAPI) RegisterRings(
	device uintptr, sendView, sendTailEvent, recvView, recvTailEvent uintptr) error {
	arg := tunRegisterRings{
		send: tunRingDescriptor{
			ringSize:  tunRingSize,
			ring:      sendView,
			tailMoved: windows.Handle(sendTailEvent),
		},
		recv: tunRingDescriptor{
			ringSize:  tunRingSize,
			ring:      recvView,
			tailMoved: windows.Handle(recvTailEvent),
		},
	}
	var returned uint32
	return windows.DeviceIoControl(
		windows.Handle(device),
		tunIoctlRegisterRings,
		(*byte)(unsafe.Pointer(&arg)),
		uint32(unsafe.Sizeof(arg)),
		nil, 0,
		&returned,
		nil,
	)
}

// Close implements [API].
func (*SystemAPI) Close(handle uintptr) error {
	return windows.CloseHandle(windows.Handle(handle))
}
