// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipeio provides asynchronous message-pipe I/O (component B
// of the design): peek, read, and write with cancellation folded into
// every wait.
//
// The contract, shared by the real overlapped implementation and every
// fake used in tests:
//
//   - Peek blocks indefinitely until at least one message byte is
//     available, cancellation fires, or the peer disconnects. It is the
//     quiescent point of the session worker loop.
//   - Read and Write block at most the configured I/O timeout.
//   - Any cancellation wake cancels the pending I/O and returns 0
//     bytes with a nil error: "0 bytes" is data, not an error, and it
//     is the worker loop's signal to terminate.
package pipeio

import "context"

// Conn is one end of a message-mode pipe.
//
// Implementations: [*OverlappedConn] (the real one, Windows only) and
// the per-package test fakes.
type Conn interface {
	// Peek blocks until the pipe has a complete message to read and
	// returns its size, or returns 0 on cancellation or peer
	// disconnect.
	Peek(ctx context.Context) (int, error)

	// Read reads the next message into buf.
	Read(ctx context.Context, buf []byte) (int, error)

	// Write writes data as one message.
	Write(ctx context.Context, data []byte) (int, error)

	// Name returns the pipe name, for log fields.
	Name() string

	// Close releases the pipe handle. Close is idempotent.
	Close() error
}
