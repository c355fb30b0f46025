// SPDX-License-Identifier: GPL-3.0-or-later

// Package session runs one connected client from startup blob to
// teardown (component H of the design): authenticate the client,
// launch the engine child, proxy requests from the engine's private
// pipe into the actuators, and unwind every recorded side effect when
// the session ends.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/ackerr"
	"github.com/ovpn3/privsvc/internal/pipeio"
)

// Identity is a client's captured identity. Token is the duplicated
// primary token, opaque to portable code; ownership stays with the
// [Authenticator] that produced it.
type Identity struct {
	// Token is the client's primary token handle.
	Token uintptr

	// IsAdmin reports membership in the configured admin group, which
	// exempts the client from option validation failures.
	IsAdmin bool
}

// Authenticator captures the identity of the client on the other end
// of the pipe.
//
// Implementations: [NewSystemAuthenticator] (Windows only) and the
// per-package test fakes.
type Authenticator interface {
	// Authenticate impersonates the pipe client, captures and
	// duplicates its token, and checks admin-group membership.
	Authenticate(conn pipeio.Conn) (*Identity, error)

	// Release frees the identity's token.
	Release(id *Identity)
}

// LaunchSpec describes the engine child to create.
type LaunchSpec struct {
	// ExePath is the engine executable.
	ExePath string

	// WorkDir is the child's working directory, from the startup blob.
	WorkDir string

	// Options is the engine option string, appended to the command line.
	Options string

	// PipeName is the engine-side endpoint of the private pipe,
	// embedded in the command line so the child can connect back.
	PipeName string

	// Priority is the process priority class.
	Priority uint32
}

// Child is a launched engine process.
type Child interface {
	// PID returns the process id, reported to the client.
	PID() uint32

	// Process returns the process handle, used as the duplication
	// source for ring buffer registration.
	Process() uintptr

	// WriteStdin writes the startup payload to the child's standard
	// input. Best-effort: the worker ignores the result.
	WriteStdin(ctx context.Context, data []byte) error

	// Wait blocks up to timeout for the child to exit and reports
	// whether it did.
	Wait(timeout time.Duration) bool

	// Terminate forcibly kills the child.
	Terminate() error

	// Close releases the process handles.
	Close() error
}

// Launcher creates engine children.
//
// Implementations: [NewSystemLauncher] (Windows only) and the
// per-package test fakes.
type Launcher interface {
	// Launch creates the child with the client's primary token and a
	// DACL granting the service full access and the client the
	// wait/query/terminate subset.
	Launch(ctx context.Context, spec LaunchSpec, client *Identity) (Child, error)
}

// EnginePipe is the service end of the per-session private pipe.
type EnginePipe interface {
	pipeio.Conn

	// WaitConnect blocks until the engine child connects.
	WaitConnect(ctx context.Context) error
}

// EnginePipeFactory creates engine pipes.
//
// Implementations: [NewSystemPipeFactory] (Windows only) and the
// per-package test fakes.
type EnginePipeFactory interface {
	// Create makes the single-instance private pipe for worker id and
	// returns it with the name the child embeds in its command line.
	Create(id uint32) (EnginePipe, string, error)
}

// NewWorker returns a [*Worker] for one accepted client connection.
// The OS-facing collaborators (Auth, Launcher, PipeFactory) are left
// nil: the dispatcher wires the real ones, tests inject fakes.
func NewWorker(
	cfg *privsvc.Config, id uint32, client pipeio.Conn,
	ledger *privsvc.Ledger, handlers *Handlers, logger privsvc.SLogger) *Worker {
	return &Worker{
		Client:        client,
		Config:        cfg,
		ErrClassifier: cfg.ErrClassifier,
		Handlers:      handlers,
		ID:            id,
		Ledger:        ledger,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Worker is the per-client state machine.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Run].
type Worker struct {
	// Auth captures the client identity.
	Auth Authenticator

	// Client is the accepted client pipe. The worker owns it and
	// closes it on every exit path.
	//
	// Set by [NewWorker] to the accepted connection.
	Client pipeio.Conn

	// Config is the process-wide settings.
	//
	// Set by [NewWorker] to the service configuration.
	Config *privsvc.Config

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewWorker] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Handlers routes decoded requests to the session's actuators.
	//
	// Set by [NewWorker] to the session's handler set.
	Handlers *Handlers

	// ID distinguishes this worker's engine pipe name.
	//
	// Set by [NewWorker] to the dispatcher-assigned id.
	ID uint32

	// Launcher creates the engine child.
	Launcher Launcher

	// Ledger is the session's undo ledger, drained at teardown.
	//
	// Set by [NewWorker] to the session-owned ledger.
	Ledger *privsvc.Ledger

	// Logger is the [SLogger] to use, already carrying the session's
	// span id.
	//
	// Set by [NewWorker] to the session logger.
	Logger privsvc.SLogger

	// PipeFactory creates the engine-side private pipe.
	PipeFactory EnginePipeFactory

	// TimeNow is the function to get the current time.
	//
	// Set by [NewWorker] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Run drives the session from startup to teardown. It never returns an
// error: every failure is reported to the client or logged, and
// teardown always runs.
func (w *Worker) Run(ctx context.Context) {
	t0 := w.TimeNow()
	w.Logger.Info("sessionStart", slog.Uint64("workerID", uint64(w.ID)), slog.Time("t", t0))
	err := w.run(ctx)
	w.Logger.Info(
		"sessionDone",
		slog.Uint64("workerID", uint64(w.ID)),
		slog.Any("err", err),
		slog.String("errClass", w.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", w.TimeNow()),
	)
}

func (w *Worker) run(ctx context.Context) error {
	defer w.Client.Close()
	defer w.drainLedger(ctx)

	startup, err := w.readStartup(ctx)
	if err != nil {
		w.report(ctx, err, "reading startup data")
		return err
	}

	identity, err := w.Auth.Authenticate(w.Client)
	if err != nil {
		w.report(ctx, err, "authenticating client")
		return err
	}
	defer w.Auth.Release(identity)

	if err := w.checkOptions(startup.Options); err != nil && !identity.IsAdmin {
		w.report(ctx, err, "validating options")
		return err
	}

	engine, pipeName, err := w.PipeFactory.Create(w.ID)
	if err != nil {
		w.report(ctx, err, "creating service pipe")
		return err
	}
	defer engine.Close()

	child, err := w.Launcher.Launch(ctx, LaunchSpec{
		ExePath:  w.Config.EnginePath,
		WorkDir:  startup.WorkDir,
		Options:  startup.Options,
		PipeName: pipeName,
		Priority: w.Config.ChildPriority,
	}, identity)
	if err != nil {
		w.report(ctx, fmt.Errorf("%w: %v", ackerr.ErrEngineStartup, err), "launching engine")
		return err
	}
	w.logChildLaunch(child.PID())
	defer w.teardownChild(child)

	w.Client.Write(ctx, privsvc.EncodeAck(privsvc.NewAck(child.PID(), privsvc.AckOK)))

	// Best-effort: a child that closed stdin early is its own problem.
	child.WriteStdin(ctx, []byte(startup.Stdin))

	if err := engine.WaitConnect(ctx); err != nil {
		return err
	}
	w.serve(ctx, engine, child)
	return nil
}

// readStartup peeks for the blob, reads it, and validates the
// three-string layout.
func (w *Worker) readStartup(ctx context.Context) (*Startup, error) {
	size, err := w.Client.Peek(ctx)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: client disconnected", ackerr.ErrStartupData)
	}
	buf := make([]byte, size)
	count, err := w.Client.Read(ctx, buf)
	if err != nil {
		return nil, err
	}
	return ParseStartupBlob(buf[:count])
}

// checkOptions validates every whitespace-separated option against the
// configured policy predicate. A nil predicate accepts everything.
func (w *Worker) checkOptions(options string) error {
	if w.Config.CheckOption == nil {
		return nil
	}
	for _, opt := range strings.Fields(options) {
		if !w.Config.CheckOption(opt) {
			return fmt.Errorf("%w: option not allowed: %s", ackerr.ErrStartupData, opt)
		}
	}
	return nil
}

// serve is the request loop: peek, read, run the request pipeline,
// ack, until the engine disconnects, cancellation fires, or the engine
// misbehaves.
func (w *Worker) serve(ctx context.Context, engine EnginePipe, child Child) {
	pipeline := newRequestPipeline(w, child.Process())
	for {
		size, err := engine.Peek(ctx)
		if err != nil || size == 0 {
			return
		}
		if size > privsvc.MaxRequestWireSize {
			// Not a protocol error to be acked: an engine declaring
			// frames bigger than the request union is compromised or
			// broken, and the session ends.
			w.Logger.Info(
				"engineMisbehaved",
				slog.Int("declaredSize", size),
				slog.Int("maxSize", privsvc.MaxRequestWireSize),
			)
			return
		}
		buf := make([]byte, privsvc.MaxRequestWireSize)
		count, err := engine.Read(ctx, buf)
		if err != nil || count == 0 {
			return
		}
		out, err := pipeline.Call(ctx, buf[:count])
		if err != nil {
			out = privsvc.EncodeAck(w.protocolErrorAck(buf[:count], err))
		}
		if _, err := engine.Write(ctx, out); err != nil {
			return
		}
	}
}

// protocolErrorAck builds the ack for a frame the decode stage
// rejected, mirroring the message id when the header itself was
// readable.
func (w *Worker) protocolErrorAck(frame []byte, err error) privsvc.Ack {
	header, headerErr := privsvc.DecodeHeader(frame)
	if headerErr != nil {
		return privsvc.NewAck(0, privsvc.AckErrMessageData)
	}
	return privsvc.NewAck(header.MessageID, ackerr.Encode(err))
}

// report writes the three-line error report to the client. Best-effort:
// the client may already be gone.
func (w *Worker) report(ctx context.Context, err error, operation string) {
	code := uint32(ackerr.Encode(err))
	w.Client.Write(ctx, FormatErrorReport(code, operation, err.Error()))
}

// teardownChild waits briefly for a clean exit, then kills.
func (w *Worker) teardownChild(child Child) {
	if !child.Wait(w.Config.ChildExitTimeout) {
		child.Terminate()
	}
	child.Close()
}

// drainLedger reverses every recorded side effect. Teardown must not
// inherit the (possibly canceled) serve context: undo always runs.
func (w *Worker) drainLedger(ctx context.Context) {
	errs := w.Ledger.DrainAll(context.WithoutCancel(ctx))
	w.Logger.Info("ledgerDrain", slog.Int("undoErrors", len(errs)))
	for _, err := range errs {
		w.Logger.Info(
			"ledgerDrainError",
			slog.Any("err", err),
			slog.String("errClass", w.ErrClassifier.Classify(err)),
		)
	}
}

func (w *Worker) logChildLaunch(pid uint32) {
	w.Logger.Info(
		"childLaunch",
		slog.Uint64("pid", uint64(pid)),
		slog.Time("t", w.TimeNow()),
	)
}
