// SPDX-License-Identifier: GPL-3.0-or-later

package pipeio

import (
	"context"
	"log/slog"
)

// funcHandler is a [slog.Handler] built from function fields, in the
// spirit of the FuncXxx stubs used elsewhere in this codebase's tests.
type funcHandler struct {
	EnabledFunc func(ctx context.Context, level slog.Level) bool
	HandleFunc  func(ctx context.Context, record slog.Record) error
}

func (h *funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.EnabledFunc(ctx, level)
}

func (h *funcHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.HandleFunc(ctx, record)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *funcHandler) WithGroup(name string) slog.Handler { return h }

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &funcHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// FuncConn is a [Conn] built from function fields. Unset fields make
// the corresponding method return zero values.
type FuncConn struct {
	PeekFunc  func(ctx context.Context) (int, error)
	ReadFunc  func(ctx context.Context, buf []byte) (int, error)
	WriteFunc func(ctx context.Context, data []byte) (int, error)
	NameFunc  func() string
	CloseFunc func() error
}

var _ Conn = &FuncConn{}

func (c *FuncConn) Peek(ctx context.Context) (int, error) {
	if c.PeekFunc == nil {
		return 0, nil
	}
	return c.PeekFunc(ctx)
}

func (c *FuncConn) Read(ctx context.Context, buf []byte) (int, error) {
	if c.ReadFunc == nil {
		return 0, nil
	}
	return c.ReadFunc(ctx, buf)
}

func (c *FuncConn) Write(ctx context.Context, data []byte) (int, error) {
	if c.WriteFunc == nil {
		return 0, nil
	}
	return c.WriteFunc(ctx, data)
}

func (c *FuncConn) Name() string {
	if c.NameFunc == nil {
		return ""
	}
	return c.NameFunc()
}

func (c *FuncConn) Close() error {
	if c.CloseFunc == nil {
		return nil
	}
	return c.CloseFunc()
}
