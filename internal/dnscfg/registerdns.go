// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"log/slog"
	"time"
)

// RegisterDNS flushes the resolver cache and re-registers the host's
// DNS records via ipconfig. The whole operation is serialized across
// every session in the process by the register-DNS semaphore: ipconfig
// /registerdns can take minutes on a slow domain controller, and
// overlapping runs gain nothing.
//
// The session worker runs this on its own goroutine and acks the
// request immediately after spawning it.
func (m *Manager) RegisterDNS(ctx context.Context) error {
	t0 := m.TimeNow()
	m.Logger.Info("registerDNSStart", slog.Time("t", t0))
	err := m.registerDNS(ctx)
	m.logRDNSDone(t0, err)
	return err
}

func (m *Manager) registerDNS(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, m.RDNSTimeout)
	defer cancel()
	if err := m.RDNSSemaphore.Acquire(acquireCtx, 1); err != nil {
		return err
	}
	defer m.RDNSSemaphore.Release(1)

	if err := m.Runner.Run(ctx, "ipconfig.exe", m.RDNSTimeout, "/flushdns"); err != nil {
		return err
	}
	return m.Runner.Run(ctx, "ipconfig.exe", m.RDNSTimeout, "/registerdns")
}

func (m *Manager) logRDNSDone(t0 time.Time, err error) {
	m.Logger.Info(
		"registerDNSDone",
		slog.Any("err", err),
		slog.String("errClass", m.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", m.TimeNow()),
	)
}
