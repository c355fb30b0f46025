// SPDX-License-Identifier: GPL-3.0-or-later

// Package ackerr maps Go errors to the uint32 error codes carried by
// ack messages. This is deliberately separate from errclass: errclass
// produces strings for log fields, ackerr produces wire codes for the
// engine. A handler never thinks about wire codes; it returns a plain
// error, and the outermost ack encoder calls [Encode] exactly once.
package ackerr

import (
	"errors"
	"syscall"

	"github.com/ovpn3/privsvc"
)

// ErrStartupData marks a malformed startup blob. The session reports it
// and terminates before the child is launched.
var ErrStartupData = errors.New("ackerr: malformed startup data")

// ErrEngineStartup marks an engine child that exited non-zero during
// launch, i.e. the OPENVPN_STARTUP condition.
var ErrEngineStartup = errors.New("ackerr: engine startup failed")

// Encode maps err to the wire error code for an ack: 0 for nil, one of
// the protocol sentinels for the errors this package and the codec
// define, the native OS error code when err wraps an errno, and a
// generic OS failure code otherwise. The mapping is total: every error
// a handler can return produces some non-zero code.
func Encode(err error) privsvc.AckError {
	switch {
	case err == nil:
		return privsvc.AckOK
	case errors.Is(err, privsvc.ErrMessageData):
		return privsvc.AckErrMessageData
	case errors.Is(err, privsvc.ErrMessageType):
		return privsvc.AckErrMessageType
	case errors.Is(err, ErrStartupData):
		return privsvc.AckErrStartupData
	case errors.Is(err, ErrEngineStartup):
		return privsvc.AckErrOpenVPNStartup
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return privsvc.AckError(errno)
	}
	// ERROR_GEN_FAILURE: the handler failed in a way that has no
	// native code, e.g. an interface alias that resolves to nothing.
	return privsvc.AckError(31)
}
