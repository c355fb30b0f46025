//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/sysexec"
)

// NewSystemManager returns a [*Manager] wired to the real registry,
// resolver notification machinery, interface table, and system-binary
// runner.
func NewSystemManager(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Manager {
	m := NewManager(cfg, ledger, logger)
	m.Notifier = NewSystemNotifier()
	m.Resolver = systemGUIDResolver{}
	m.Runner = sysexec.NewSystemRunner(cfg, logger)
	m.Store = registryStore{}
	return m
}

// registryStore is the real [Store], backed by HKLM.
type registryStore struct{}

var _ Store = registryStore{}

// OpenKey implements [Store].
func (registryStore) OpenKey(path string) (Key, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE|registry.SET_VALUE)
	if errors.Is(err, registry.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotExist, path)
	}
	if err != nil {
		return nil, err
	}
	return registryKey{k}, nil
}

// CreateKey implements [Store].
func (registryStore) CreateKey(path string) (Key, error) {
	k, _, err := registry.CreateKey(
		registry.LOCAL_MACHINE, path, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return nil, err
	}
	return registryKey{k}, nil
}

// registryKey adapts [registry.Key] to [Key].
type registryKey struct {
	k registry.Key
}

var _ Key = registryKey{}

// GetString implements [Key].
func (r registryKey) GetString(name string) (string, error) {
	value, _, err := r.k.GetStringValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrValueNotExist, name)
	}
	return value, err
}

// SetString implements [Key].
func (r registryKey) SetString(name, value string) error {
	return r.k.SetStringValue(name, value)
}

// DeleteValue implements [Key].
func (r registryKey) DeleteValue(name string) error {
	err := r.k.DeleteValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrValueNotExist, name)
	}
	return err
}

// Close implements [Key].
func (r registryKey) Close() error {
	return r.k.Close()
}

// systemGUIDResolver resolves an alias to its brace-wrapped GUID via
// the interface table.
type systemGUIDResolver struct{}

var _ GUIDResolver = systemGUIDResolver{}

var (
	iphlpapi               = windows.NewLazySystemDLL("iphlpapi.dll")
	procConvertAliasToLuid = iphlpapi.NewProc("ConvertInterfaceAliasToLuid")
	procConvertLuidToGUID  = iphlpapi.NewProc("ConvertInterfaceLuidToGuid")
)

// InterfaceGUID implements [GUIDResolver].
func (systemGUIDResolver) InterfaceGUID(alias string) (string, error) {
	alias16, err := windows.UTF16PtrFromString(alias)
	if err != nil {
		return "", err
	}
	var luid uint64
	status, _, _ := procConvertAliasToLuid.Call(
		uintptr(unsafe.Pointer(alias16)),
		uintptr(unsafe.Pointer(&luid)),
	)
	if status != 0 {
		return "", syscall.Errno(status)
	}
	var guid windows.GUID
	status, _, _ = procConvertLuidToGUID.Call(
		uintptr(unsafe.Pointer(&luid)),
		uintptr(unsafe.Pointer(&guid)),
	)
	if status != 0 {
		return "", syscall.Errno(status)
	}
	return guid.String(), nil
}

// wnfStateName is the two-dword WNF state name layout.
type wnfStateName struct {
	data [2]uint32
}

var (
	ntdll                    = windows.NewLazySystemDLL("ntdll.dll")
	procNtUpdateWnfStateData = ntdll.NewProc("NtUpdateWnfStateData")
)

// NewSystemNotifier returns the real [Notifier]. The
// group-policy-changes WNF state name differs between 32-bit and
// 64-bit Windows; the right one is selected here, once, instead of
// being probed at each apply.
func NewSystemNotifier() Notifier {
	name := wnfStateName{data: [2]uint32{0xA3BC0875, 0x41C6012D}}
	if unsafe.Sizeof(uintptr(0)) == 8 {
		name = wnfStateName{data: [2]uint32{0xA3BC0875, 0x41C6013F}}
	}
	return &systemNotifier{gpChangesName: name}
}

// systemNotifier is the real [Notifier].
type systemNotifier struct {
	gpChangesName wnfStateName
}

var _ Notifier = &systemNotifier{}

// Reload implements [Notifier].
func (n *systemNotifier) Reload(ctx context.Context, gpScope bool) error {
	if gpScope {
		if err := n.publishGPChanges(); err != nil {
			return err
		}
	}
	return notifyDnscache()
}

// publishGPChanges publishes the group-policy-system-changes WNF state,
// which makes the DNS client re-read policy-scoped settings.
func (n *systemNotifier) publishGPChanges() error {
	status, _, _ := procNtUpdateWnfStateData.Call(
		uintptr(unsafe.Pointer(&n.gpChangesName)),
		0, // buffer
		0, // length
		0, // type id
		0, // explicit scope
		0, // matching change stamp
		0, // check stamp
	)
	if status != 0 {
		return windows.NTStatus(status)
	}
	return nil
}

// notifyDnscache sends the parameter-change control to the Dnscache
// service through the service control manager.
func notifyDnscache() error {
	scm, err := mgr.Connect()
	if err != nil {
		return err
	}
	defer scm.Disconnect()
	service, err := scm.OpenService("Dnscache")
	if err != nil {
		return err
	}
	defer service.Close()
	_, err = service.Control(svc.ParamChange)
	return err
}
