//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package winhandle provides scoped ownership of Windows handles. Pipes,
// events, and the engine child's process and stdio handles are wrapped
// in a [*Handle] at acquisition time, so release happens exactly once
// on every exit path. Tokens, registry keys, and ring-buffer handles
// and views are not wrapped; their owners release them directly.
package winhandle

import "golang.org/x/sys/windows"

// Handle owns a windows.Handle and guarantees at-most-once release.
//
// Handle is not safe for concurrent Close/Detach; each handle has a
// single owner, matching the single-owner rule every session resource
// follows.
type Handle struct {
	raw windows.Handle
}

// New takes ownership of raw. The caller must not close raw itself
// afterwards.
func New(raw windows.Handle) *Handle {
	return &Handle{raw: raw}
}

// Raw returns the underlying handle without transferring ownership.
// The returned value must not outlive the Handle.
func (h *Handle) Raw() windows.Handle {
	if h == nil {
		return windows.InvalidHandle
	}
	return h.raw
}

// Valid reports whether the handle is open and usable.
func (h *Handle) Valid() bool {
	return h != nil && h.raw != windows.InvalidHandle && h.raw != 0
}

// Close releases the handle. Close is idempotent: the second and later
// calls are no-ops, so deferred closes compose with early closes on
// error paths.
func (h *Handle) Close() error {
	if !h.Valid() {
		return nil
	}
	raw := h.raw
	h.raw = windows.InvalidHandle
	return windows.CloseHandle(raw)
}

// Detach transfers ownership of the raw handle to the caller and
// leaves the Handle closed. Use this when an OS call consumes the
// handle (e.g. handing a token to process creation helpers that close
// it themselves).
func (h *Handle) Detach() windows.Handle {
	raw := h.raw
	h.raw = windows.InvalidHandle
	return raw
}

// NewEvent creates an event object wrapped in a [*Handle].
func NewEvent(manualReset, initialState bool) (*Handle, error) {
	var mr, is uint32
	if manualReset {
		mr = 1
	}
	if initialState {
		is = 1
	}
	raw, err := windows.CreateEvent(nil, mr, is, nil)
	if err != nil {
		return nil, err
	}
	return New(raw), nil
}

// Set signals the event owned by h.
func (h *Handle) Set() error {
	return windows.SetEvent(h.raw)
}

// Reset unsignals the event owned by h.
func (h *Handle) Reset() error {
	return windows.ResetEvent(h.raw)
}
