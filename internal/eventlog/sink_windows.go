//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package eventlog adapts the Windows event log to the service's
// logging interface. Only cmd/privsvcd touches this package: every
// other component depends on the logging interface alone.
package eventlog

import (
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sys/windows/svc/eventlog"

	"github.com/ovpn3/privsvc"
)

// Install registers the event source. Idempotent: an already-installed
// source is not an error.
func Install(source string) error {
	err := eventlog.InstallAsEventCreate(source,
		eventlog.Info|eventlog.Warning|eventlog.Error)
	if err != nil && strings.Contains(err.Error(), "registry key already exists") {
		return nil
	}
	return err
}

// New opens the event source as an [privsvc.SLogger]. With verbose
// false, Debug entries (the per-I/O pipe events) are discarded; the
// event log is not the place for per-read records unless someone is
// actively debugging.
func New(source string, verbose bool) (*Sink, error) {
	log, err := eventlog.Open(source)
	if err != nil {
		return nil, err
	}
	return &Sink{log: log, verbose: verbose}, nil
}

// Sink writes structured events as formatted event-log messages.
type Sink struct {
	log     *eventlog.Log
	verbose bool
}

var _ privsvc.SLogger = &Sink{}

// eventID is the single event identifier this service logs under; the
// message itself carries the structure.
const eventID = 1

// Debug implements [privsvc.SLogger].
func (s *Sink) Debug(msg string, args ...any) {
	if !s.verbose {
		return
	}
	s.log.Info(eventID, format(msg, args))
}

// Info implements [privsvc.SLogger].
func (s *Sink) Info(msg string, args ...any) {
	s.log.Info(eventID, format(msg, args))
}

// Close releases the event source.
func (s *Sink) Close() error {
	return s.log.Close()
}

// format renders slog-style arguments, which are either [slog.Attr]
// values or alternating key/value pairs, as key=value text after the
// message.
func format(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); {
		if attr, ok := args[i].(slog.Attr); ok {
			fmt.Fprintf(&b, " %s", attr.String())
			i++
			continue
		}
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
			i += 2
			continue
		}
		fmt.Fprintf(&b, " %v", args[i])
		i++
	}
	return b.String()
}
