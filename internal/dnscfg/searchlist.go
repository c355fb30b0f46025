// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// maxSearchListWchars is the capacity, in UTF-16 code units including
// the terminating NUL, that a combined search list must fit in.
const maxSearchListWchars = 2048

// ErrSearchListTooLong is returned when appending domains would
// overflow the search-list buffer; the existing list is left untouched.
var ErrSearchListTooLong = errors.New("dnscfg: combined search list too long")

// addSearchDomains appends domains to the search list at the resolved
// scope. When the scope already holds a list, the current list is
// persisted as InitialSearchList first, unless a marker is already
// present (a second append within the same or another session must not
// overwrite the true initial state).
func addSearchDomains(slk *SearchListKey, domains string) error {
	list := domains
	if slk.HasExistingList {
		current, err := slk.Key.GetString(searchListValue)
		if err != nil {
			return err
		}
		_, err = slk.Key.GetString(initialListValue)
		switch {
		case errors.Is(err, ErrValueNotExist):
			if err := slk.Key.SetString(initialListValue, current); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		list = current + "," + domains
	}
	if len(utf16.Encode([]rune(list)))+1 > maxSearchListWchars {
		return fmt.Errorf("%w: %d bytes", ErrSearchListTooLong, len(list))
	}
	return slk.Key.SetString(searchListValue, list)
}

// removeSearchDomains splices domains (with its separator comma) out of
// the search list at the resolved scope. When the spliced result
// exactly matches the persisted InitialSearchList, the marker is
// drained: the list is restored and the marker deleted, leaving the
// registry as it was before the matching add.
func removeSearchDomains(slk *SearchListKey, domains string) error {
	current, err := slk.Key.GetString(searchListValue)
	if errors.Is(err, ErrValueNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	result, found := spliceList(current, domains)
	if !found {
		return nil
	}

	initial, err := slk.Key.GetString(initialListValue)
	switch {
	case err == nil && result == initial:
		if err := slk.Key.SetString(searchListValue, initial); err != nil {
			return err
		}
		return slk.Key.DeleteValue(initialListValue)
	case err != nil && !errors.Is(err, ErrValueNotExist):
		return err
	}

	if result == "" {
		err := slk.Key.DeleteValue(searchListValue)
		if errors.Is(err, ErrValueNotExist) {
			return nil
		}
		return err
	}
	return slk.Key.SetString(searchListValue, result)
}

// spliceList removes suffix from a comma-separated list, taking the
// separator comma with it. The second return value reports whether the
// suffix was present.
func spliceList(list, suffix string) (string, bool) {
	switch {
	case list == suffix:
		return "", true
	case strings.HasPrefix(list, suffix+","):
		return list[len(suffix)+1:], true
	case strings.Contains(list, ","+suffix):
		idx := strings.Index(list, ","+suffix)
		return list[:idx] + list[idx+len(suffix)+1:], true
	default:
		return list, false
	}
}

// resetSearchDomains drains an orphaned InitialSearchList marker left
// behind by a session that did not tear down cleanly (service crash,
// power loss). It probes the group-policy and system-wide scopes for a
// marker and, where found, restores the initial list. Called once at
// service start, before any session is accepted.
func resetSearchDomains(store Store) error {
	for _, path := range []string{gpKeyPath, tcpipKeyPath} {
		key, err := store.OpenKey(path)
		if errors.Is(err, ErrKeyNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		err = restoreInitial(key)
		key.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// restoreInitial applies the marker-drain step to one open scope key.
func restoreInitial(key Key) error {
	initial, err := key.GetString(initialListValue)
	if errors.Is(err, ErrValueNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if HasValidSearchList(initial) {
		if err := key.SetString(searchListValue, initial); err != nil {
			return err
		}
	} else {
		err := key.DeleteValue(searchListValue)
		if err != nil && !errors.Is(err, ErrValueNotExist) {
			return err
		}
	}
	return key.DeleteValue(initialListValue)
}
