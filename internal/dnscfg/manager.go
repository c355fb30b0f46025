// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/sysexec"
)

// NewManager returns a [*Manager] wired from cfg, the session's ledger,
// and the session's logger. The OS-facing collaborators (Store,
// Notifier, Resolver, Runner) are left nil: production code uses
// [NewSystemManager], tests inject fakes.
func NewManager(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Manager {
	return &Manager{
		ErrClassifier: cfg.ErrClassifier,
		Ledger:        ledger,
		Logger:        logger,
		NetshTimeout:  cfg.NetshTimeout,
		RDNSSemaphore: cfg.RDNSSemaphore,
		RDNSTimeout:   cfg.DNSRegisterSemaphoreTimeout,
		TimeNow:       cfg.TimeNow,
	}
}

// Manager applies DNS and WINS configuration for one session and
// records undo information in the session's ledger.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with method calls.
type Manager struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewManager] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Ledger is the session's undo ledger.
	//
	// Set by [NewManager] to the session-owned ledger.
	Ledger *privsvc.Ledger

	// Logger is the [SLogger] to use.
	//
	// Set by [NewManager] to the session logger.
	Logger privsvc.SLogger

	// NetshTimeout bounds each netsh invocation.
	//
	// Set by [NewManager] from [Config.NetshTimeout].
	NetshTimeout time.Duration

	// Notifier triggers the resolver reload after each mutation.
	Notifier Notifier

	// RDNSSemaphore serializes register-DNS across every session.
	//
	// Set by [NewManager] from [Config.RDNSSemaphore].
	RDNSSemaphore *semaphore.Weighted

	// RDNSTimeout bounds both the semaphore acquisition and each
	// ipconfig invocation.
	//
	// Set by [NewManager] from [Config.DNSRegisterSemaphoreTimeout].
	RDNSTimeout time.Duration

	// Resolver maps an interface alias to its GUID string.
	Resolver GUIDResolver

	// Runner runs netsh and ipconfig.
	Runner sysexec.Runner

	// Store is the registry surface.
	Store Store

	// TimeNow is the function to get the current time.
	//
	// Set by [NewManager] from [Config.TimeNow].
	TimeNow func() time.Time
}

// AddDNSCfg applies an add_dns_cfg request: name servers are reset and
// rewritten for the (interface, family) pair, search domains are
// appended at the resolved scope, and the resolver is told to reload.
func (m *Manager) AddDNSCfg(ctx context.Context, req *privsvc.DNSCfgRequest) error {
	t0 := m.TimeNow()
	m.logApplyStart("dnsApplyStart", "add", req.Iface.Name, req.Family, t0)
	err := m.addDNSCfg(ctx, req)
	m.logApplyDone("dnsApplyDone", "add", req.Iface.Name, req.Family, t0, err)
	return err
}

func (m *Manager) addDNSCfg(ctx context.Context, req *privsvc.DNSCfgRequest) error {
	guid, err := m.Resolver.InterfaceGUID(req.Iface.Name)
	if err != nil {
		return err
	}

	// Resetting first makes repeated adds idempotent: the prior
	// per-family record is dropped and replaced below.
	if err := m.resetServers(guid, req.Family); err != nil {
		return err
	}
	m.removeServersRecord(guid, req.Family)

	addrs := joinAddrs(req)
	if addrs != "" {
		if err := m.writeServers(guid, req.Family, addrs); err != nil {
			return err
		}
		m.Ledger.Append(serversKind(req.Family), &serversRecord{
			family: req.Family, ifaceGUID: guid, manager: m,
		})
	}

	gpScope := false
	if req.Domains != "" {
		slk, err := GetSearchListKey(m.Store, guid)
		if err != nil {
			return err
		}
		defer slk.Key.Close()
		if err := addSearchDomains(slk, req.Domains); err != nil {
			return err
		}
		gpScope = slk.Scope == ScopeGroupPolicy
		m.Ledger.Append(privsvc.KindDNSDomains, &domainsRecord{
			domains: req.Domains, ifaceGUID: guid, manager: m,
		})
	}

	return m.Notifier.Reload(ctx, gpScope)
}

// DelDNSCfg applies a del_dns_cfg request: name servers for the
// (interface, family) pair are cleared and, when the request names
// search domains, they are spliced back out of the list at the
// resolved scope.
func (m *Manager) DelDNSCfg(ctx context.Context, req *privsvc.DNSCfgRequest) error {
	t0 := m.TimeNow()
	m.logApplyStart("dnsApplyStart", "del", req.Iface.Name, req.Family, t0)
	err := m.delDNSCfg(ctx, req)
	m.logApplyDone("dnsApplyDone", "del", req.Iface.Name, req.Family, t0, err)
	return err
}

func (m *Manager) delDNSCfg(ctx context.Context, req *privsvc.DNSCfgRequest) error {
	guid, err := m.Resolver.InterfaceGUID(req.Iface.Name)
	if err != nil {
		return err
	}

	if err := m.resetServers(guid, req.Family); err != nil {
		return err
	}
	m.removeServersRecord(guid, req.Family)

	gpScope := false
	if req.Domains != "" {
		slk, err := GetSearchListKey(m.Store, guid)
		if err != nil {
			return err
		}
		defer slk.Key.Close()
		if err := removeSearchDomains(slk, req.Domains); err != nil {
			return err
		}
		gpScope = slk.Scope == ScopeGroupPolicy
		m.Ledger.RemoveMatching(privsvc.KindDNSDomains, func(rec privsvc.Record) bool {
			dr, ok := rec.(*domainsRecord)
			return ok && dr.ifaceGUID == guid && dr.domains == req.Domains
		})
	}

	return m.Notifier.Reload(ctx, gpScope)
}

// ResetAtStartup drains orphaned InitialSearchList markers left by
// sessions that never reached teardown. The dispatcher calls this once
// before accepting the first client.
func (m *Manager) ResetAtStartup(ctx context.Context) error {
	if err := resetSearchDomains(m.Store); err != nil {
		return err
	}
	return m.Notifier.Reload(ctx, true)
}

// resetServers clears the NameServer value for the (interface, family)
// pair. An empty string, not an absent value: the testable contract is
// that NameServer reads back as "" after del_dns_cfg.
func (m *Manager) resetServers(ifaceGUID string, family privsvc.Family) error {
	key, err := m.Store.CreateKey(interfaceKeyPath(family, ifaceGUID))
	if err != nil {
		return err
	}
	defer key.Close()
	return key.SetString(nameServerValue, "")
}

// writeServers stores the comma-separated address list.
func (m *Manager) writeServers(ifaceGUID string, family privsvc.Family, addrs string) error {
	key, err := m.Store.CreateKey(interfaceKeyPath(family, ifaceGUID))
	if err != nil {
		return err
	}
	defer key.Close()
	return key.SetString(nameServerValue, addrs)
}

func (m *Manager) removeServersRecord(ifaceGUID string, family privsvc.Family) {
	m.Ledger.RemoveMatching(serversKind(family), func(rec privsvc.Record) bool {
		sr, ok := rec.(*serversRecord)
		return ok && sr.ifaceGUID == ifaceGUID && sr.family == family
	})
}

// serversKind maps a family to its per-family undo kind.
func serversKind(family privsvc.Family) privsvc.Kind {
	if family == privsvc.FamilyIPv6 {
		return privsvc.KindDNSv6
	}
	return privsvc.KindDNSv4
}

// joinAddrs formats the request's effective addresses as the
// comma-separated NameServer value.
func joinAddrs(req *privsvc.DNSCfgRequest) string {
	var parts []string
	for i := 0; i < req.EffectiveAddrCount(); i++ {
		addr, ok := req.Addr[i].Addr(req.Family)
		if !ok {
			continue
		}
		parts = append(parts, addr.String())
	}
	return strings.Join(parts, ",")
}

// serversRecord undoes a name-server write: it holds only the
// interface GUID and the family, never an open key.
type serversRecord struct {
	family    privsvc.Family
	ifaceGUID string
	manager   *Manager
}

var _ privsvc.Record = &serversRecord{}

// Undo implements [privsvc.Record].
func (r *serversRecord) Undo(ctx context.Context) error {
	if err := r.manager.resetServers(r.ifaceGUID, r.family); err != nil {
		return err
	}
	return r.manager.Notifier.Reload(ctx, false)
}

// domainsRecord undoes a search-list append by splicing the appended
// suffix back out at whatever scope currently holds it.
type domainsRecord struct {
	domains   string
	ifaceGUID string
	manager   *Manager
}

var _ privsvc.Record = &domainsRecord{}

// Undo implements [privsvc.Record].
func (r *domainsRecord) Undo(ctx context.Context) error {
	slk, err := GetSearchListKey(r.manager.Store, r.ifaceGUID)
	if err != nil {
		return err
	}
	defer slk.Key.Close()
	if err := removeSearchDomains(slk, r.domains); err != nil {
		return err
	}
	return r.manager.Notifier.Reload(ctx, slk.Scope == ScopeGroupPolicy)
}

func (m *Manager) logApplyStart(msg, op, alias string, family privsvc.Family, t0 time.Time) {
	m.Logger.Info(
		msg,
		slog.String("op", op),
		slog.String("ifaceAlias", alias),
		slog.Uint64("family", uint64(family)),
		slog.Time("t", t0),
	)
}

func (m *Manager) logApplyDone(msg, op, alias string, family privsvc.Family, t0 time.Time, err error) {
	m.Logger.Info(
		msg,
		slog.String("op", op),
		slog.String("ifaceAlias", alias),
		slog.Uint64("family", uint64(family)),
		slog.Any("err", err),
		slog.String("errClass", m.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", m.TimeNow()),
	)
}
