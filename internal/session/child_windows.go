//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/winhandle"
)

// NewSystemLauncher returns the real [Launcher].
func NewSystemLauncher(cfg *privsvc.Config) *SystemLauncher {
	return &SystemLauncher{ServiceAccount: cfg.ServiceAccountName}
}

// SystemLauncher creates the engine child with the client's primary
// token and a DACL that lets the service manage the process while the
// client can only observe, wait on, and terminate it.
type SystemLauncher struct {
	// ServiceAccount is the account the service runs as; its SID gets
	// full access on the child. Empty means LocalSystem.
	ServiceAccount string
}

var _ Launcher = &SystemLauncher{}

// Process access rights granted to the client SID.
const (
	processTerminate        = 0x0001
	processVMRead           = 0x0010
	processQueryInformation = 0x0400
)

// clientProcessAccess is the subset granted to the client SID:
// read, synchronize, terminate, query, and VM read.
const clientProcessAccess = windows.READ_CONTROL |
	windows.SYNCHRONIZE |
	processTerminate |
	processQueryInformation |
	processVMRead

// Launch implements [Launcher].
func (l *SystemLauncher) Launch(
	ctx context.Context, spec LaunchSpec, client *Identity) (Child, error) {
	token := windows.Token(client.Token)

	sa, err := l.processSecurity(token)
	if err != nil {
		return nil, err
	}

	stdinRead, stdinWrite, err := stdinPipe()
	if err != nil {
		return nil, err
	}
	defer stdinRead.Close()

	nul, err := openNul()
	if err != nil {
		stdinWrite.Close()
		return nil, err
	}
	defer nul.Close()

	var env *uint16
	if err := windows.CreateEnvironmentBlock(&env, token, false); err != nil {
		stdinWrite.Close()
		return nil, err
	}
	defer windows.DestroyEnvironmentBlock(env)

	cmdline, err := windows.UTF16PtrFromString(fmt.Sprintf(
		`"%s" --service %s %s`, spec.ExePath, spec.PipeName, spec.Options))
	if err != nil {
		stdinWrite.Close()
		return nil, err
	}
	workdir, err := windows.UTF16PtrFromString(spec.WorkDir)
	if err != nil {
		stdinWrite.Close()
		return nil, err
	}

	si := &windows.StartupInfo{
		Flags:     windows.STARTF_USESTDHANDLES,
		StdInput:  stdinRead.Raw(),
		StdOutput: nul.Raw(),
		StdErr:    nul.Raw(),
	}
	si.Cb = uint32(unsafe.Sizeof(*si))
	var pi windows.ProcessInformation

	flags := uint32(windows.CREATE_NO_WINDOW|windows.CREATE_UNICODE_ENVIRONMENT) | spec.Priority
	err = windows.CreateProcessAsUser(
		token,
		nil,
		cmdline,
		sa,
		nil,
		true,
		flags,
		env,
		workdir,
		si,
		&pi,
	)
	if err != nil {
		stdinWrite.Close()
		return nil, err
	}
	windows.CloseHandle(pi.Thread)

	return &systemChild{
		pid:     pi.ProcessId,
		process: winhandle.New(pi.Process),
		stdin:   stdinWrite,
	}, nil
}

// processSecurity builds the security attributes for the child: full
// access for the service account, the observe/terminate subset for the
// client token's user.
func (l *SystemLauncher) processSecurity(token windows.Token) (*windows.SecurityAttributes, error) {
	serviceSID, err := l.serviceSID()
	if err != nil {
		return nil, err
	}
	user, err := token.GetTokenUser()
	if err != nil {
		return nil, err
	}

	acl, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{
		{
			AccessPermissions: windows.GENERIC_ALL,
			AccessMode:        windows.GRANT_ACCESS,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_USER,
				TrusteeValue: windows.TrusteeValueFromSID(serviceSID),
			},
		},
		{
			AccessPermissions: clientProcessAccess,
			AccessMode:        windows.GRANT_ACCESS,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_USER,
				TrusteeValue: windows.TrusteeValueFromSID(user.User.Sid),
			},
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	sd, err := windows.NewSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	if err := sd.SetDACL(acl, true, false); err != nil {
		return nil, err
	}
	sa := &windows.SecurityAttributes{SecurityDescriptor: sd}
	sa.Length = uint32(unsafe.Sizeof(*sa))
	return sa, nil
}

func (l *SystemLauncher) serviceSID() (*windows.SID, error) {
	if l.ServiceAccount != "" {
		sid, _, _, err := windows.LookupSID("", l.ServiceAccount)
		return sid, err
	}
	return windows.CreateWellKnownSid(windows.WinLocalSystemSid)
}

// stdinPipe creates the child's stdin pipe: the read end inheritable,
// the service's write end not.
func stdinPipe() (*winhandle.Handle, *winhandle.Handle, error) {
	var read, write windows.Handle
	sa := &windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(*sa))
	if err := windows.CreatePipe(&read, &write, sa, 0); err != nil {
		return nil, nil, err
	}
	if err := windows.SetHandleInformation(write, windows.HANDLE_FLAG_INHERIT, 0); err != nil {
		windows.CloseHandle(read)
		windows.CloseHandle(write)
		return nil, nil, err
	}
	return winhandle.New(read), winhandle.New(write), nil
}

// openNul opens the null device for the child's output handles.
func openNul() (*winhandle.Handle, error) {
	name, err := windows.UTF16PtrFromString("NUL")
	if err != nil {
		return nil, err
	}
	sa := &windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(*sa))
	h, err := windows.CreateFile(
		name,
		windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		sa,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, err
	}
	return winhandle.New(h), nil
}

// systemChild is the real [Child].
type systemChild struct {
	pid     uint32
	process *winhandle.Handle
	stdin   *winhandle.Handle
}

var _ Child = &systemChild{}

// PID implements [Child].
func (c *systemChild) PID() uint32 {
	return c.pid
}

// Process implements [Child].
func (c *systemChild) Process() uintptr {
	return uintptr(c.process.Raw())
}

// WriteStdin implements [Child]: one synchronous write, then the pipe
// closes so the child sees end-of-input.
func (c *systemChild) WriteStdin(ctx context.Context, data []byte) error {
	var written uint32
	err := windows.WriteFile(c.stdin.Raw(), data, &written, nil)
	c.stdin.Close()
	return err
}

// Wait implements [Child].
func (c *systemChild) Wait(timeout time.Duration) bool {
	event, err := windows.WaitForSingleObject(c.process.Raw(), uint32(timeout.Milliseconds()))
	return err == nil && event == windows.WAIT_OBJECT_0
}

// Terminate implements [Child].
func (c *systemChild) Terminate() error {
	return windows.TerminateProcess(c.process.Raw(), 1)
}

// Close implements [Child].
func (c *systemChild) Close() error {
	c.stdin.Close()
	return c.process.Close()
}
