//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"errors"
	"runtime"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/pipeio"
)

// NewSystemAuthenticator returns the real [Authenticator].
func NewSystemAuthenticator(cfg *privsvc.Config) *SystemAuthenticator {
	return &SystemAuthenticator{AdminGroup: cfg.AdminGroupName}
}

// SystemAuthenticator captures client identities through named-pipe
// impersonation.
type SystemAuthenticator struct {
	// AdminGroup is the group whose members are exempt from option
	// validation failures. Empty means the built-in Administrators
	// group.
	AdminGroup string
}

var _ Authenticator = &SystemAuthenticator{}

var (
	advapi32                       = windows.NewLazySystemDLL("advapi32.dll")
	procImpersonateNamedPipeClient = advapi32.NewProc("ImpersonateNamedPipeClient")
)

// errNotImpersonatable is returned when the connection cannot provide
// a raw pipe handle, which only happens with test fakes.
var errNotImpersonatable = errors.New("session: connection does not expose a pipe handle")

// rawConn unwraps observation wrappers until it reaches the conn that
// owns the pipe handle.
func rawConn(conn pipeio.Conn) pipeio.Conn {
	for {
		wrapper, ok := conn.(interface{ Underlying() pipeio.Conn })
		if !ok {
			return conn
		}
		conn = wrapper.Underlying()
	}
}

// Authenticate implements [Authenticator]. Impersonation attaches the
// client token to the calling thread, so the thread is pinned for the
// impersonate/capture/revert window.
func (a *SystemAuthenticator) Authenticate(conn pipeio.Conn) (*Identity, error) {
	sys, ok := rawConn(conn).(interface{ SysHandle() windows.Handle })
	if !ok {
		return nil, errNotImpersonatable
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	status, _, lastErr := procImpersonateNamedPipeClient.Call(uintptr(sys.SysHandle()))
	if status == 0 {
		return nil, lastErr
	}
	var thread windows.Token
	err := windows.OpenThreadToken(
		windows.CurrentThread(),
		windows.TOKEN_QUERY|windows.TOKEN_DUPLICATE,
		true,
		&thread,
	)
	windows.RevertToSelf()
	if err != nil {
		return nil, err
	}
	defer thread.Close()

	var primary windows.Token
	err = windows.DuplicateTokenEx(
		thread,
		windows.MAXIMUM_ALLOWED,
		nil,
		windows.SecurityImpersonation,
		windows.TokenPrimary,
		&primary,
	)
	if err != nil {
		return nil, err
	}

	isAdmin, err := a.isAdminMember(thread)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return &Identity{Token: uintptr(primary), IsAdmin: isAdmin}, nil
}

// Release implements [Authenticator].
func (a *SystemAuthenticator) Release(id *Identity) {
	if id != nil && id.Token != 0 {
		windows.Token(id.Token).Close()
		id.Token = 0
	}
}

// isAdminMember checks membership of the configured admin group, or of
// the built-in Administrators group when none is configured.
func (a *SystemAuthenticator) isAdminMember(token windows.Token) (bool, error) {
	var sid *windows.SID
	var err error
	if a.AdminGroup != "" {
		sid, _, _, err = windows.LookupSID("", a.AdminGroup)
	} else {
		sid, err = windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	}
	if err != nil {
		return false, err
	}
	return token.IsMember(sid)
}
