// SPDX-License-Identifier: GPL-3.0-or-later

// Package sysexec runs external system binaries (netsh.exe,
// ipconfig.exe) with a bounded wait. Binaries are resolved against the
// system directory at call time, never against PATH, since the service
// runs privileged.
package sysexec

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ovpn3/privsvc"
)

// Runner runs one external command to completion.
//
// Implementations: [*SystemRunner] and the per-package test fakes.
type Runner interface {
	// Run executes exe (a bare binary name such as "netsh.exe") with
	// args, waiting at most timeout for it to exit. A non-zero exit
	// status is an error.
	Run(ctx context.Context, exe string, timeout time.Duration, args ...string) error
}

// NewSystemRunner returns a [*SystemRunner] wired from cfg.
func NewSystemRunner(cfg *privsvc.Config, logger privsvc.SLogger) *SystemRunner {
	return &SystemRunner{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		SystemDir:     systemDirectory,
		TimeNow:       cfg.TimeNow,
	}
}

// SystemRunner is the real [Runner].
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Run].
type SystemRunner struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewSystemRunner] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewSystemRunner] to the user-provided logger.
	Logger privsvc.SLogger

	// SystemDir returns the directory holding system binaries.
	//
	// Set by [NewSystemRunner] to the platform probe.
	SystemDir func() string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewSystemRunner] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Runner = &SystemRunner{}

// Run implements [Runner].
func (r *SystemRunner) Run(
	ctx context.Context, exe string, timeout time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := filepath.Join(r.SystemDir(), exe)
	t0 := r.TimeNow()
	r.Logger.Info(
		"execStart",
		slog.String("path", path),
		slog.Any("args", args),
		slog.Time("t", t0),
	)
	err := exec.CommandContext(ctx, path, args...).Run()
	r.Logger.Info(
		"execDone",
		slog.String("path", path),
		slog.Any("args", args),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return err
}
