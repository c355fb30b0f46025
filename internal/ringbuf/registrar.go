// SPDX-License-Identifier: GPL-3.0-or-later

// Package ringbuf registers the engine's shared-memory packet rings
// with the tun device (component G of the design). The request carries
// handle values from the engine's handle table; every one of them is
// duplicated into the service process before use, with the engine
// process as the duplication source. The service never interprets a
// client handle value directly.
package ringbuf

import (
	"context"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
)

// API abstracts the handle-duplication, section-mapping, and device
// surface.
//
// Implementations: [*SystemAPI] (Windows only) and the per-package
// test fakes. Handles cross this boundary as uintptr so the package
// core stays portable for testing.
type API interface {
	// Duplicate copies a handle out of the source process's handle
	// table into this process, with equivalent access.
	Duplicate(srcProcess uintptr, handle uint64) (uintptr, error)

	// MapView maps a duplicated section read-write and returns the
	// view's base address.
	MapView(section uintptr) (uintptr, error)

	// UnmapView releases a view returned by MapView.
	UnmapView(view uintptr) error

	// RegisterRings issues the tun device control that hands both
	// rings and both tail-moved events to the driver.
	RegisterRings(device uintptr, sendView, sendTailEvent, recvView, recvTailEvent uintptr) error

	// Close releases a duplicated handle.
	Close(handle uintptr) error
}

// NewRegistrar returns a [*Registrar] wired from cfg, the session's
// ledger, and the session's logger. The API is left nil: production
// code uses [NewSystemRegistrar], tests inject a fake.
func NewRegistrar(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Registrar {
	return &Registrar{
		ErrClassifier: cfg.ErrClassifier,
		Ledger:        ledger,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Registrar applies register-ring-buffers requests for one session.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with method calls.
type Registrar struct {
	// API is the duplication/mapping/device surface.
	API API

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewRegistrar] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Ledger is the session's undo ledger.
	//
	// Set by [NewRegistrar] to the session-owned ledger.
	Ledger *privsvc.Ledger

	// Logger is the [SLogger] to use.
	//
	// Set by [NewRegistrar] to the session logger.
	Logger privsvc.SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewRegistrar] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Register duplicates the five engine handles, maps the two ring
// sections, registers the rings with the device, and appends the
// mapping record to the ledger. On any failure everything acquired so
// far is released and nothing is recorded.
func (r *Registrar) Register(
	ctx context.Context, engineProcess uintptr, req *privsvc.RingBuffersRequest) error {
	t0 := r.TimeNow()
	r.Logger.Info("ringRegisterStart", slog.Time("t", t0))
	err := r.register(engineProcess, req)
	r.Logger.Info(
		"ringRegisterDone",
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return err
}

func (r *Registrar) register(engineProcess uintptr, req *privsvc.RingBuffersRequest) error {
	var handles []uintptr
	var views []uintptr
	fail := func(err error) error {
		for _, view := range views {
			r.API.UnmapView(view)
		}
		for _, h := range handles {
			r.API.Close(h)
		}
		return err
	}

	dup := func(value uint64) (uintptr, error) {
		h, err := r.API.Duplicate(engineProcess, value)
		if err != nil {
			return 0, err
		}
		handles = append(handles, h)
		return h, nil
	}

	device, err := dup(req.Device)
	if err != nil {
		return fail(err)
	}
	sendRing, err := dup(req.SendRing)
	if err != nil {
		return fail(err)
	}
	recvRing, err := dup(req.RecvRing)
	if err != nil {
		return fail(err)
	}
	sendTail, err := dup(req.SendTailEvent)
	if err != nil {
		return fail(err)
	}
	recvTail, err := dup(req.RecvTailEvent)
	if err != nil {
		return fail(err)
	}

	sendView, err := r.API.MapView(sendRing)
	if err != nil {
		return fail(err)
	}
	views = append(views, sendView)
	recvView, err := r.API.MapView(recvRing)
	if err != nil {
		return fail(err)
	}
	views = append(views, recvView)

	if err := r.API.RegisterRings(device, sendView, sendTail, recvView, recvTail); err != nil {
		return fail(err)
	}

	r.Ledger.Append(privsvc.KindRingBuffer, &ringRecord{
		api: r.API, handles: handles, recvView: recvView, sendView: sendView,
	})
	return nil
}

// ringRecord owns the two mapped views and the duplicated handles for
// the lifetime of the session.
type ringRecord struct {
	api      API
	handles  []uintptr
	recvView uintptr
	sendView uintptr
}

var _ privsvc.Record = &ringRecord{}

// Undo implements [privsvc.Record]: unmap both views, then close every
// duplicated handle.
func (r *ringRecord) Undo(ctx context.Context) error {
	var firstErr error
	for _, view := range []uintptr{r.sendView, r.recvView} {
		if err := r.api.UnmapView(view); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, h := range r.handles {
		if err := r.api.Close(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
