// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipeconn provides best-effort accessors for pipe connections
// that might be nil or mid-close. Log emitters use these so a log call
// never panics on a connection that is being torn down concurrently.
package pipeconn

// Named is the subset of a pipe connection the accessors need.
type Named interface {
	Name() string
}

// Name returns the pipe name, or an empty string when conn is nil or
// its name is unavailable.
func Name(conn Named) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()
	if conn == nil {
		return ""
	}
	return conn.Name()
}
