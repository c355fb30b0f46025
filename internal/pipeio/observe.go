//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package pipeio

import (
	"context"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/pipeconn"
)

// NewObserveConnFunc returns a new [*ObserveConnFunc] with default logging.
//
// The cfg argument contains the common configuration for service operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveConnFunc(cfg *privsvc.Config, logger privsvc.SLogger) *ObserveConnFunc {
	return &ObserveConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveConnFunc observes a [Conn] to log I/O operations.
//
// Peek, read, and write each emit a Start/Done pair at debug level.
// The wrapper is transparent: results and errors pass through
// unmodified, including the "0 bytes, nil error" cancellation result.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type ObserveConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveConnFunc] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObserveConnFunc] to the user-provided logger.
	Logger privsvc.SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObserveConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ privsvc.Func[Conn, Conn] = &ObserveConnFunc{}

// Call wraps conn so that every I/O operation is logged.
func (op *ObserveConnFunc) Call(ctx context.Context, conn Conn) (Conn, error) {
	return &observedConn{
		conn: conn,
		name: pipeconn.Name(conn),
		op:   op,
	}, nil
}

// observedConn observes a [Conn].
type observedConn struct {
	conn Conn
	name string
	op   *ObserveConnFunc
}

var _ Conn = &observedConn{}

// Peek implements [Conn].
func (c *observedConn) Peek(ctx context.Context) (int, error) {
	t0 := c.op.TimeNow()
	c.logStart("pipePeekStart", t0)
	count, err := c.conn.Peek(ctx)
	c.logDone("pipePeekDone", t0, count, err)
	return count, err
}

// Read implements [Conn].
func (c *observedConn) Read(ctx context.Context, buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.logStart("pipeReadStart", t0)
	count, err := c.conn.Read(ctx, buf)
	c.logDone("pipeReadDone", t0, count, err)
	return count, err
}

// Write implements [Conn].
func (c *observedConn) Write(ctx context.Context, data []byte) (int, error) {
	t0 := c.op.TimeNow()
	c.logStart("pipeWriteStart", t0)
	count, err := c.conn.Write(ctx, data)
	c.logDone("pipeWriteDone", t0, count, err)
	return count, err
}

// Name implements [Conn].
func (c *observedConn) Name() string {
	return c.name
}

// Underlying returns the wrapped conn. The session authenticator uses
// this to reach the raw pipe handle through the observation wrapper.
func (c *observedConn) Underlying() Conn {
	return c.conn
}

// Close implements [Conn].
func (c *observedConn) Close() error {
	return c.conn.Close()
}

func (c *observedConn) logStart(msg string, t0 time.Time) {
	c.op.Logger.Debug(
		msg,
		slog.String("pipeName", c.name),
		slog.Time("t", t0),
	)
}

func (c *observedConn) logDone(msg string, t0 time.Time, count int, err error) {
	c.op.Logger.Debug(
		msg,
		slog.Int("count", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.String("pipeName", c.name),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)
}
