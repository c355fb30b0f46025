//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

// Command privsvcd is the interactive privileged network helper: a
// Windows service that performs privileged network configuration on
// behalf of unprivileged engine processes connected over a named pipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"

	"github.com/bassosimone/errclass"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/dispatch"
	"github.com/ovpn3/privsvc/internal/eventlog"
)

// serviceName is the SCM name and event-log source.
const serviceName = "privsvcd"

func main() {
	var (
		adminGroup  = flag.String("admin-group", "", "group exempt from option validation (default: Administrators)")
		enginePath  = flag.String("engine", "", "path to the engine executable (required)")
		install     = flag.Bool("install-eventlog", false, "register the event-log source and exit")
		pipeSuffix  = flag.String("pipe-suffix", "", "instance suffix appended to the pipe product name")
		serviceUser = flag.String("service-account", "", "account the service runs as (default: LocalSystem)")
		verbose     = flag.Bool("verbose", false, "log per-I/O debug events")
	)
	flag.Parse()

	if *install {
		if err := eventlog.Install(serviceName); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if *enginePath == "" {
		fmt.Fprintln(os.Stderr, "privsvcd: -engine is required")
		os.Exit(2)
	}

	cfg := privsvc.NewConfig()
	cfg.AdminGroupName = *adminGroup
	cfg.ChildPriority = windows.NORMAL_PRIORITY_CLASS
	cfg.EnginePath = *enginePath
	cfg.ErrClassifier = privsvc.ErrClassifierFunc(errclass.New)
	cfg.PipeNameSuffix = *pipeSuffix
	cfg.ServiceAccountName = *serviceUser

	isService, err := svc.IsWindowsService()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if !isService {
		// Console mode for development: same dispatcher, stderr logs.
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: consoleLevel(*verbose),
		}))
		if err := runDispatcher(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	sink, err := eventlog.New(serviceName, *verbose)
	if err != nil {
		os.Exit(1)
	}
	defer sink.Close()
	cfg.Logger = sink

	if err := svc.Run(serviceName, &handler{cfg: cfg}); err != nil {
		sink.Info("serviceRunFailed", "err", err)
		os.Exit(1)
	}
}

func consoleLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// runDispatcher runs the accept loop to completion (console mode).
func runDispatcher(cfg *privsvc.Config) error {
	d, err := dispatch.New(cfg, cfg.Logger)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

// handler is the SCM glue: start the dispatcher, translate stop and
// shutdown controls into the exit event, report state transitions.
type handler struct {
	cfg *privsvc.Config
}

var _ svc.Handler = &handler{}

// Execute implements [svc.Handler].
func (h *handler) Execute(
	args []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}

	dispatcher, err := dispatch.New(h.cfg, h.cfg.Logger)
	if err != nil {
		return false, 1
	}
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	status <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}

	for {
		select {
		case request := <-requests:
			switch request.Cmd {
			case svc.Interrogate:
				status <- request.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				dispatcher.Shutdown()
				err := <-done
				status <- svc.Status{State: svc.Stopped}
				if err != nil {
					return false, 1
				}
				return false, 0
			}
		case err := <-done:
			// The accept loop failed on its own; stop the service.
			status <- svc.Status{State: svc.Stopped}
			if err != nil {
				return false, 1
			}
			return false, 0
		}
	}
}
