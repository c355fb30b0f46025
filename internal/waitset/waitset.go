//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package waitset wraps WaitForMultipleObjects with named members, so
// callers reason about "which member woke" instead of raw indices. The
// dispatcher waits on {accept, exit}; the overlapped pipe layer waits
// on {op, exit} plus any per-session cancellation event.
package waitset

import (
	"errors"
	"time"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc/internal/winhandle"
)

// Member pairs a handle with the name the caller knows it by.
type Member struct {
	// Name identifies the member in [Wait] results.
	Name string

	// Handle is the waitable handle. The set borrows it; ownership
	// stays with the caller.
	Handle *winhandle.Handle
}

// ErrWaitFailed is returned when the underlying wait reports neither a
// signaled member nor a timeout. The dispatcher escalates this to
// process shutdown.
var ErrWaitFailed = errors.New("waitset: wait failed")

// ErrTimeout is returned when the wait deadline elapses with no member
// signaled.
var ErrTimeout = errors.New("waitset: wait timed out")

// Infinite waits forever; pass it to [Wait] as the timeout at the
// quiescent points (peek, accept).
const Infinite = time.Duration(-1)

// Wait blocks until one member's handle is signaled or the timeout
// elapses. It returns the name of the signaled member. The wait is a
// WAIT_ANY: when several members are signaled the lowest-indexed one
// wins, so callers place cancellation members after the primary
// operation member.
func Wait(timeout time.Duration, members ...Member) (string, error) {
	handles := make([]windows.Handle, 0, len(members))
	for _, m := range members {
		handles = append(handles, m.Handle.Raw())
	}
	millis := uint32(windows.INFINITE)
	if timeout >= 0 {
		millis = uint32(timeout.Milliseconds())
	}
	event, err := windows.WaitForMultipleObjects(handles, false, millis)
	switch {
	case err != nil:
		return "", errors.Join(ErrWaitFailed, err)
	case event == uint32(windows.WAIT_TIMEOUT):
		return "", ErrTimeout
	case int(event-windows.WAIT_OBJECT_0) < len(members):
		return members[event-windows.WAIT_OBJECT_0].Name, nil
	default:
		return "", ErrWaitFailed
	}
}
