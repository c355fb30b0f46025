//go:build !windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sysexec

// systemDirectory exists on non-Windows hosts only so the package core
// can be unit tested anywhere; the service itself is Windows-only.
func systemDirectory() string {
	return "/usr/bin"
}
