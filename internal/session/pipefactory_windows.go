//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/pipeio"
	"github.com/ovpn3/privsvc/internal/waitset"
	"github.com/ovpn3/privsvc/internal/winhandle"
)

// NewSystemPipeFactory returns the real [EnginePipeFactory]. Every
// pipe it creates joins cancelSet into its waits, so signaling the
// process exit event unblocks every session.
func NewSystemPipeFactory(cfg *privsvc.Config, cancelSet ...*winhandle.Handle) *SystemPipeFactory {
	return &SystemPipeFactory{CancelSet: cancelSet, Config: cfg}
}

// SystemPipeFactory creates the per-session private pipes.
type SystemPipeFactory struct {
	// CancelSet is joined into every pipe wait. Borrowed, not owned.
	CancelSet []*winhandle.Handle

	// Config supplies the pipe name and the I/O timeout.
	Config *privsvc.Config
}

var _ EnginePipeFactory = &SystemPipeFactory{}

// enginePipeBufferSize is the send and receive buffer size of the
// engine-side pipe.
const enginePipeBufferSize = 128

// Create implements [EnginePipeFactory]: a single-instance duplex
// message-mode overlapped pipe, local clients only.
func (f *SystemPipeFactory) Create(id uint32) (EnginePipe, string, error) {
	name := f.Config.EnginePipeName(id)
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, "", err
	}
	raw, err := windows.CreateNamedPipe(
		name16,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED|windows.FILE_FLAG_FIRST_PIPE_INSTANCE,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT|windows.PIPE_REJECT_REMOTE_CLIENTS,
		1,
		enginePipeBufferSize,
		enginePipeBufferSize,
		0,
		nil,
	)
	if err != nil {
		return nil, "", err
	}
	handle := winhandle.New(raw)
	conn, err := pipeio.NewOverlappedConn(handle, name, f.Config.PipeIOTimeout, f.CancelSet...)
	if err != nil {
		return nil, "", err
	}
	return &systemEnginePipe{
		OverlappedConn: conn,
		cancelSet:      f.CancelSet,
		raw:            raw,
	}, name, nil
}

// systemEnginePipe is an [*pipeio.OverlappedConn] plus the
// connect-wait the engine side needs.
type systemEnginePipe struct {
	*pipeio.OverlappedConn
	cancelSet []*winhandle.Handle
	raw       windows.Handle
}

var _ EnginePipe = &systemEnginePipe{}

// WaitConnect implements [EnginePipe].
func (p *systemEnginePipe) WaitConnect(ctx context.Context) error {
	event, err := winhandle.NewEvent(true, false)
	if err != nil {
		return err
	}
	defer event.Close()

	overlapped := &windows.Overlapped{HEvent: event.Raw()}
	err = windows.ConnectNamedPipe(p.raw, overlapped)
	switch {
	case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		return nil
	case !errors.Is(err, windows.ERROR_IO_PENDING):
		return err
	}

	members := []waitset.Member{{Name: "op", Handle: event}}
	for _, cancel := range p.cancelSet {
		members = append(members, waitset.Member{Name: "cancel", Handle: cancel})
	}
	woke, err := waitset.Wait(waitset.Infinite, members...)
	if err != nil || woke != "op" {
		windows.CancelIoEx(p.raw, overlapped)
		windows.WaitForSingleObject(event.Raw(), uint32(windows.INFINITE))
		if err != nil {
			return err
		}
		return context.Canceled
	}
	return nil
}
