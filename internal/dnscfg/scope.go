// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"errors"
	"fmt"

	"github.com/ovpn3/privsvc"
)

// Scope identifies where a session's search-list edits land. Group
// policy overrides system-wide, which overrides per-interface; edits
// must go to the highest-precedence scope that already has a list, or
// the engine's appended suffixes would be shadowed by a list the
// resolver prefers.
type Scope int

// The three scopes, in precedence order.
const (
	ScopeGroupPolicy Scope = iota
	ScopeSystem
	ScopeInterface
)

// String returns a human-readable name, used in log fields.
func (s Scope) String() string {
	switch s {
	case ScopeGroupPolicy:
		return "group_policy"
	case ScopeSystem:
		return "system_wide"
	case ScopeInterface:
		return "per_interface"
	default:
		return "unknown"
	}
}

// SearchListKey is the resolved scope triple: where to edit, the open
// key to edit through, and whether a list already exists there. The
// caller owns Key and must Close it.
//
// The triple is re-resolved per DNS operation, not cached per session,
// because a scope may come into existence between calls (e.g. group
// policy applied mid-session).
type SearchListKey struct {
	// Scope is the chosen scope.
	Scope Scope

	// Key is the open registry key for that scope.
	Key Key

	// HasExistingList reports whether the scope already holds a valid
	// search list. Interface scope never contributes an existing list:
	// whatever is there belongs to this service, not to a prior owner
	// whose configuration must be preserved.
	HasExistingList bool
}

// HasValidSearchList reports whether list counts as an existing search
// list. The contract is deliberately loose: any string containing at
// least one alphanumeric, '-', or '.' rune qualifies. This guards
// against whitespace-only lists and is an explicit contract, not a
// guess; tightening it would change which scope gets selected on real
// hosts.
func HasValidSearchList(list string) bool {
	for _, r := range list {
		switch {
		case r >= '0' && r <= '9':
			return true
		case r >= 'a' && r <= 'z':
			return true
		case r >= 'A' && r <= 'Z':
			return true
		case r == '-' || r == '.':
			return true
		}
	}
	return false
}

// GetSearchListKey probes the three scopes in precedence order and
// returns the first that holds a valid SearchList value, falling back
// to the per-interface scope (created if absent) when neither the
// group-policy nor the system-wide scope has one.
func GetSearchListKey(store Store, ifaceGUID string) (*SearchListKey, error) {
	for _, probe := range []struct {
		scope Scope
		path  string
	}{
		{ScopeGroupPolicy, gpKeyPath},
		{ScopeSystem, tcpipKeyPath},
	} {
		key, err := store.OpenKey(probe.path)
		if errors.Is(err, ErrKeyNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		list, err := key.GetString(searchListValue)
		if err != nil && !errors.Is(err, ErrValueNotExist) {
			key.Close()
			return nil, err
		}
		if err == nil && HasValidSearchList(list) {
			return &SearchListKey{Scope: probe.scope, Key: key, HasExistingList: true}, nil
		}
		key.Close()
	}

	// The search list always lives under the Tcpip (not Tcpip6)
	// interface key, regardless of the family being configured.
	key, err := store.CreateKey(interfaceKeyPath(privsvc.FamilyIPv4, ifaceGUID))
	if err != nil {
		return nil, fmt.Errorf("dnscfg: opening per-interface scope: %w", err)
	}
	return &SearchListKey{Scope: ScopeInterface, Key: key, HasExistingList: false}, nil
}
