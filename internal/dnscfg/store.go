// SPDX-License-Identifier: GPL-3.0-or-later

// Package dnscfg manages the Windows resolver configuration on behalf
// of sessions (component E of the design): per-interface name servers,
// the globally-shared DNS search list with its three-level scope
// precedence, WINS servers, and the register-DNS flush.
//
// All registry access goes through the [Store] abstraction so the
// precedence and search-list editing logic, which is the subtle part,
// can be unit tested on any host against an in-memory store.
package dnscfg

import (
	"errors"

	"github.com/ovpn3/privsvc"
)

// Registry paths touched by this package, relative to HKLM.
const (
	gpKeyPath     = `SOFTWARE\Policies\Microsoft\Windows NT\DNSClient`
	tcpipKeyPath  = `System\CurrentControlSet\Services\Tcpip\Parameters`
	tcpip6KeyPath = `System\CurrentControlSet\Services\Tcpip6\Parameters`
)

// Value names read and written under the keys above.
const (
	searchListValue  = "SearchList"
	initialListValue = "InitialSearchList"
	nameServerValue  = "NameServer"
)

// ErrKeyNotExist is returned by [Store.OpenKey] when the key is absent.
var ErrKeyNotExist = errors.New("dnscfg: registry key does not exist")

// ErrValueNotExist is returned by [Key.GetString] when the value is
// absent.
var ErrValueNotExist = errors.New("dnscfg: registry value does not exist")

// Store abstracts the registry surface this package touches. All paths
// are relative to HKLM.
//
// Implementations: the real registry-backed store (Windows only) and
// the in-memory fake used in tests.
type Store interface {
	// OpenKey opens an existing key for reading and writing. Returns
	// an error wrapping [ErrKeyNotExist] when the key is absent.
	OpenKey(path string) (Key, error)

	// CreateKey opens a key for reading and writing, creating it if
	// absent.
	CreateKey(path string) (Key, error)
}

// Key is an open registry key. The caller owns it and must Close it.
type Key interface {
	// GetString reads a string value. Returns an error wrapping
	// [ErrValueNotExist] when the value is absent.
	GetString(name string) (string, error)

	// SetString writes a string value.
	SetString(name, value string) error

	// DeleteValue removes a value. Removing an absent value is an
	// error wrapping [ErrValueNotExist].
	DeleteValue(name string) error

	// Close releases the key.
	Close() error
}

// GUIDResolver turns an interface alias into the brace-wrapped GUID
// string used in the per-interface registry paths.
type GUIDResolver interface {
	InterfaceGUID(alias string) (string, error)
}

// interfaceKeyPath returns the per-interface TCPIP parameters key for
// the given family and interface GUID.
func interfaceKeyPath(family privsvc.Family, ifaceGUID string) string {
	if family == privsvc.FamilyIPv6 {
		return tcpip6KeyPath + `\Interfaces\` + ifaceGUID
	}
	return tcpipKeyPath + `\Interfaces\` + ifaceGUID
}
