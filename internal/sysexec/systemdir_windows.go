//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sysexec

import "golang.org/x/sys/windows"

// systemDirectory resolves the Windows system directory at call time.
func systemDirectory() string {
	dir, err := windows.GetSystemDirectory()
	if err != nil {
		return `C:\Windows\System32`
	}
	return dir
}
