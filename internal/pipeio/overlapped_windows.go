//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package pipeio

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc/internal/waitset"
	"github.com/ovpn3/privsvc/internal/winhandle"
)

// NewOverlappedConn wraps an open message-mode pipe handle. The conn
// takes ownership of handle. Every wait joins cancelSet: signaling any
// member cancels the pending I/O and makes the operation return 0
// bytes. ioTimeout bounds read and write; peek always waits
// indefinitely.
func NewOverlappedConn(
	handle *winhandle.Handle, name string, ioTimeout time.Duration,
	cancelSet ...*winhandle.Handle) (*OverlappedConn, error) {
	opEvent, err := winhandle.NewEvent(true, false)
	if err != nil {
		handle.Close()
		return nil, err
	}
	return &OverlappedConn{
		cancelSet: cancelSet,
		handle:    handle,
		ioTimeout: ioTimeout,
		name:      name,
		opEvent:   opEvent,
	}, nil
}

// OverlappedConn is the real [Conn]: one overlapped operation at a
// time per pipe, each waited on together with the cancel set.
//
// OverlappedConn is not safe for concurrent use. The session worker
// issues exactly one outstanding operation at a time, which is the
// serialization the protocol requires anyway.
type OverlappedConn struct {
	// cancelSet holds the events whose signaling aborts any pending
	// operation: the process-wide exit event plus any per-session
	// cancellation event. Borrowed, not owned.
	cancelSet []*winhandle.Handle

	// handle is the pipe handle. Owned.
	handle *winhandle.Handle

	// ioTimeout bounds read and write operations.
	ioTimeout time.Duration

	// name is the pipe name, for log fields.
	name string

	// opEvent is the manual-reset event carried by every OVERLAPPED.
	// Owned; reused across operations since only one is outstanding.
	opEvent *winhandle.Handle

	// overlapped is the OVERLAPPED of the current operation. Reused;
	// GetOverlappedResult must see the same structure the operation
	// was issued with.
	overlapped windows.Overlapped
}

var _ Conn = &OverlappedConn{}

// Peek implements [Conn]: it issues a zero-byte overlapped read, which
// on a message-mode pipe completes as soon as a message is queued
// without consuming it, then asks the pipe how many bytes that message
// holds. The wait is indefinite; only the cancel set or a peer
// disconnect ends it.
func (c *OverlappedConn) Peek(ctx context.Context) (int, error) {
	var ignored uint32
	done, err := c.issue(ctx, waitset.Infinite, func(o *windows.Overlapped) error {
		return windows.ReadFile(c.handle.Raw(), nil, &ignored, o)
	})
	if err != nil || !done {
		return 0, err
	}
	var avail uint32
	if err := windows.PeekNamedPipe(c.handle.Raw(), nil, 0, nil, &avail, nil); err != nil {
		if errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED) {
			return 0, nil
		}
		return 0, err
	}
	return int(avail), nil
}

// Read implements [Conn].
func (c *OverlappedConn) Read(ctx context.Context, buf []byte) (int, error) {
	var transferred uint32
	done, err := c.issue(ctx, c.ioTimeout, func(o *windows.Overlapped) error {
		return windows.ReadFile(c.handle.Raw(), buf, &transferred, o)
	})
	if err != nil || !done {
		return 0, err
	}
	return c.result()
}

// Write implements [Conn].
func (c *OverlappedConn) Write(ctx context.Context, data []byte) (int, error) {
	var transferred uint32
	done, err := c.issue(ctx, c.ioTimeout, func(o *windows.Overlapped) error {
		return windows.WriteFile(c.handle.Raw(), data, &transferred, o)
	})
	if err != nil || !done {
		return 0, err
	}
	return c.result()
}

// Name implements [Conn].
func (c *OverlappedConn) Name() string {
	return c.name
}

// SysHandle exposes the raw pipe handle without transferring
// ownership. The session authenticator needs it for client
// impersonation, which has no handle-free equivalent.
func (c *OverlappedConn) SysHandle() windows.Handle {
	return c.handle.Raw()
}

// Close implements [Conn].
func (c *OverlappedConn) Close() error {
	err := c.handle.Close()
	c.opEvent.Close()
	return err
}

// issue starts one overlapped operation and waits for completion,
// cancellation, or timeout. It returns (true, nil) when the operation
// completed, and (false, nil) when it was canceled or timed out: the
// caller then reports 0 bytes, which is the worker loop's termination
// signal, not an error.
func (c *OverlappedConn) issue(
	ctx context.Context, timeout time.Duration,
	start func(*windows.Overlapped) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, nil
	}
	if err := c.opEvent.Reset(); err != nil {
		return false, err
	}
	c.overlapped = windows.Overlapped{HEvent: c.opEvent.Raw()}
	err := start(&c.overlapped)
	switch {
	case err == nil || errors.Is(err, windows.ERROR_MORE_DATA):
		return true, nil
	case errors.Is(err, windows.ERROR_BROKEN_PIPE), errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED):
		return false, nil
	case !errors.Is(err, windows.ERROR_IO_PENDING):
		return false, err
	}

	members := []waitset.Member{{Name: "op", Handle: c.opEvent}}
	for _, cancel := range c.cancelSet {
		members = append(members, waitset.Member{Name: "cancel", Handle: cancel})
	}
	woke, err := waitset.Wait(timeout, members...)
	if err != nil || woke != "op" {
		// Cancellation and timeout look identical to the caller: the
		// pending I/O is withdrawn and the operation yields 0 bytes.
		windows.CancelIoEx(c.handle.Raw(), &c.overlapped)
		windows.WaitForSingleObject(c.opEvent.Raw(), uint32(windows.INFINITE))
		if err != nil && !errors.Is(err, waitset.ErrTimeout) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// result retrieves the transferred byte count of the completed
// operation carried by opEvent.
func (c *OverlappedConn) result() (int, error) {
	var transferred uint32
	err := windows.GetOverlappedResult(c.handle.Raw(), &c.overlapped, &transferred, false)
	switch {
	case err == nil || errors.Is(err, windows.ERROR_MORE_DATA):
		return int(transferred), nil
	case errors.Is(err, windows.ERROR_BROKEN_PIPE), errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED):
		return 0, nil
	default:
		return 0, err
	}
}
