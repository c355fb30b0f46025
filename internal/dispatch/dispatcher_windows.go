//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch accepts client connections and spawns a session
// worker per client (component I of the design). One process-wide exit
// event is joined into every pipe wait in every session, so signaling
// it drains the whole service.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/dnscfg"
	"github.com/ovpn3/privsvc/internal/firewall"
	"github.com/ovpn3/privsvc/internal/netstate"
	"github.com/ovpn3/privsvc/internal/pipeio"
	"github.com/ovpn3/privsvc/internal/ringbuf"
	"github.com/ovpn3/privsvc/internal/session"
	"github.com/ovpn3/privsvc/internal/waitset"
	"github.com/ovpn3/privsvc/internal/winhandle"
)

// clientPipeSDDL is the accept pipe's security descriptor:
// anonymous denied everything, everyone denied "create pipe instance"
// (so no client can squat an instance and impersonate the service),
// local system allowed all, authenticated users allowed read/write.
// Deny entries lead so they win over the authenticated-users grant.
const clientPipeSDDL = `D:(D;;GA;;;AN)(D;;0x4;;;WD)(A;;GA;;;SY)(A;;GRGW;;;AU)`

// clientPipeBufferSize is the send and receive buffer size of the
// accept pipe.
const clientPipeBufferSize = 1024

// shutdownGrace is how long a failed accept loop gives workers to
// unwind before the process exits.
const shutdownGrace = time.Second

// New returns a [*Dispatcher] ready to run.
func New(cfg *privsvc.Config, logger privsvc.SLogger) (*Dispatcher, error) {
	exitEvent, err := winhandle.NewEvent(true, false)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		Config:    cfg,
		Logger:    logger,
		exitEvent: exitEvent,
	}, nil
}

// Dispatcher owns the accept loop and the process-wide exit event.
type Dispatcher struct {
	// Config is the process-wide settings.
	Config *privsvc.Config

	// Logger is the [SLogger] to use.
	Logger privsvc.SLogger

	exitEvent *winhandle.Handle
	nextID    uint32
	workers   sync.WaitGroup
}

// Shutdown signals the exit event: every in-flight pipe wait returns
// zero bytes and every worker enters teardown. Safe to call from any
// goroutine, including the service control handler.
func (d *Dispatcher) Shutdown() {
	d.exitEvent.Set()
}

// Run accepts clients until shutdown. Before the first accept it
// drains DNS search-list state orphaned by sessions that never reached
// teardown.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.exitEvent.Close()

	startupMgr := dnscfg.NewSystemManager(d.Config, privsvc.NewLedger(), d.Logger)
	if err := startupMgr.ResetAtStartup(ctx); err != nil {
		d.Logger.Info("dnsStartupResetFailed", "err", err)
	}

	for {
		pipe, err := d.createClientPipe()
		if err != nil {
			return d.escalate(err)
		}
		connected, err := d.awaitConnect(pipe)
		if err != nil {
			pipe.Close()
			return d.escalate(err)
		}
		if !connected {
			pipe.Close()
			d.workers.Wait()
			return nil
		}
		d.spawnWorker(ctx, pipe)
	}
}

// escalate handles a wait failure at the dispatcher level: signal
// exit, give workers a moment to unwind, then return the error so the
// process shuts down.
func (d *Dispatcher) escalate(err error) error {
	d.Logger.Info("dispatcherFailed", "err", err)
	d.exitEvent.Set()
	time.Sleep(shutdownGrace)
	return err
}

// createClientPipe creates the next accept-pipe instance with the
// fixed security descriptor.
func (d *Dispatcher) createClientPipe() (*winhandle.Handle, error) {
	sd, err := windows.SecurityDescriptorFromString(clientPipeSDDL)
	if err != nil {
		return nil, err
	}
	sa := &windows.SecurityAttributes{SecurityDescriptor: sd}
	sa.Length = uint32(unsafe.Sizeof(*sa))

	name16, err := windows.UTF16PtrFromString(d.Config.ClientPipeName())
	if err != nil {
		return nil, err
	}
	raw, err := windows.CreateNamedPipe(
		name16,
		windows.PIPE_ACCESS_DUPLEX|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT|windows.PIPE_REJECT_REMOTE_CLIENTS,
		windows.PIPE_UNLIMITED_INSTANCES,
		clientPipeBufferSize,
		clientPipeBufferSize,
		0,
		sa,
	)
	if err != nil {
		return nil, err
	}
	return winhandle.New(raw), nil
}

// awaitConnect waits for a client on pipe or for the exit event. The
// bool reports whether a client connected.
func (d *Dispatcher) awaitConnect(pipe *winhandle.Handle) (bool, error) {
	event, err := winhandle.NewEvent(true, false)
	if err != nil {
		return false, err
	}
	defer event.Close()

	overlapped := &windows.Overlapped{HEvent: event.Raw()}
	err = windows.ConnectNamedPipe(pipe.Raw(), overlapped)
	switch {
	case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		return true, nil
	case !errors.Is(err, windows.ERROR_IO_PENDING):
		return false, err
	}

	woke, err := waitset.Wait(waitset.Infinite,
		waitset.Member{Name: "accept", Handle: event},
		waitset.Member{Name: "exit", Handle: d.exitEvent},
	)
	if err != nil {
		windows.CancelIoEx(pipe.Raw(), overlapped)
		windows.WaitForSingleObject(event.Raw(), uint32(windows.INFINITE))
		return false, err
	}
	if woke != "accept" {
		windows.CancelIoEx(pipe.Raw(), overlapped)
		windows.WaitForSingleObject(event.Raw(), uint32(windows.INFINITE))
		return false, nil
	}
	return true, nil
}

// spawnWorker wires a fully equipped session worker around the
// accepted pipe and runs it on its own goroutine.
func (d *Dispatcher) spawnWorker(ctx context.Context, pipe *winhandle.Handle) {
	d.nextID++
	id := d.nextID
	cfg := d.Config

	logger := privsvc.WithSpanID(d.Logger, privsvc.NewSpanID())
	ledger := privsvc.NewLedger()

	conn, err := pipeio.NewOverlappedConn(
		pipe, cfg.ClientPipeName(), cfg.PipeIOTimeout, d.exitEvent)
	if err != nil {
		d.Logger.Info("workerSetupFailed", "err", err)
		pipe.Close()
		return
	}
	observed, _ := pipeio.NewObserveConnFunc(cfg, logger).Call(ctx, conn)

	worker := session.NewWorker(cfg, id, observed, ledger, &session.Handlers{
		DNS:      dnscfg.NewSystemManager(cfg, ledger, logger),
		Firewall: firewall.NewSystemBlocker(cfg, ledger, logger),
		Net:      netstate.NewSystemActuator(cfg, ledger, logger),
		Rings:    ringbuf.NewSystemRegistrar(cfg, ledger, logger),
	}, logger)
	worker.Auth = session.NewSystemAuthenticator(cfg)
	worker.Launcher = session.NewSystemLauncher(cfg)
	worker.PipeFactory = session.NewSystemPipeFactory(cfg, d.exitEvent)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		worker.Run(ctx)
	}()
}
