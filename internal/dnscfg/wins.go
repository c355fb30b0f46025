// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
)

// AddWINSCfg applies an add_wins_cfg request through netsh. WINS undo
// is keyed by interface alias: repeated adds for the same alias replace
// the prior record, mirroring the name-server replacement rule.
func (m *Manager) AddWINSCfg(ctx context.Context, req *privsvc.WINSCfgRequest) error {
	t0 := m.TimeNow()
	m.logWINSStart("winsApplyStart", "add", req.Iface.Name, t0)
	err := m.addWINSCfg(ctx, req)
	m.logWINSDone("winsApplyDone", "add", req.Iface.Name, t0, err)
	return err
}

func (m *Manager) addWINSCfg(ctx context.Context, req *privsvc.WINSCfgRequest) error {
	if err := m.runWINSDelete(ctx, req.Iface.Name); err != nil {
		return err
	}
	m.removeWINSRecord(req.Iface.Name)

	for i := 0; i < req.EffectiveAddrCount(); i++ {
		addr := formatWINSAddr(req.Addr[i])
		var args []string
		if i == 0 {
			args = []string{"interface", "ip", "set", "winsservers",
				"name=" + req.Iface.Name, "static", addr}
		} else {
			args = []string{"interface", "ip", "add", "winsservers",
				"name=" + req.Iface.Name, addr}
		}
		if err := m.Runner.Run(ctx, "netsh.exe", m.NetshTimeout, args...); err != nil {
			// Leave no half-applied server list behind.
			m.runWINSDelete(ctx, req.Iface.Name)
			return err
		}
	}

	if req.EffectiveAddrCount() > 0 {
		m.Ledger.Append(privsvc.KindWINS, &winsRecord{
			ifaceAlias: req.Iface.Name, manager: m,
		})
	}
	return nil
}

// DelWINSCfg applies a del_wins_cfg request.
func (m *Manager) DelWINSCfg(ctx context.Context, req *privsvc.WINSCfgRequest) error {
	t0 := m.TimeNow()
	m.logWINSStart("winsApplyStart", "del", req.Iface.Name, t0)
	err := m.runWINSDelete(ctx, req.Iface.Name)
	if err == nil {
		m.removeWINSRecord(req.Iface.Name)
	}
	m.logWINSDone("winsApplyDone", "del", req.Iface.Name, t0, err)
	return err
}

func (m *Manager) runWINSDelete(ctx context.Context, alias string) error {
	return m.Runner.Run(ctx, "netsh.exe", m.NetshTimeout,
		"interface", "ip", "delete", "winsservers", "name="+alias, "all")
}

func (m *Manager) removeWINSRecord(alias string) {
	m.Ledger.RemoveMatching(privsvc.KindWINS, func(rec privsvc.Record) bool {
		wr, ok := rec.(*winsRecord)
		return ok && wr.ifaceAlias == alias
	})
}

// formatWINSAddr renders a wire u32 (network byte order) as dotted quad.
func formatWINSAddr(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24))
}

// winsRecord undoes a WINS configuration, keyed by interface alias.
type winsRecord struct {
	ifaceAlias string
	manager    *Manager
}

var _ privsvc.Record = &winsRecord{}

// Undo implements [privsvc.Record].
func (r *winsRecord) Undo(ctx context.Context) error {
	return r.manager.runWINSDelete(ctx, r.ifaceAlias)
}

func (m *Manager) logWINSStart(msg, op, alias string, t0 time.Time) {
	m.Logger.Info(
		msg,
		slog.String("op", op),
		slog.String("ifaceAlias", alias),
		slog.Time("t", t0),
	)
}

func (m *Manager) logWINSDone(msg, op, alias string, t0 time.Time, err error) {
	m.Logger.Info(
		msg,
		slog.String("op", op),
		slog.String("ifaceAlias", alias),
		slog.Any("err", err),
		slog.String("errClass", m.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", m.TimeNow()),
	)
}
