// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"net/netip"
	"testing"

	"github.com/ovpn3/privsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dnsCfgRequest(domains string, addrs ...string) *privsvc.DNSCfgRequest {
	req := &privsvc.DNSCfgRequest{
		Iface:   privsvc.Interface{Index: privsvc.InterfaceIndexUnset, Name: testAlias},
		Family:  privsvc.FamilyIPv4,
		AddrLen: uint32(len(addrs)),
		Domains: domains,
	}
	for i, a := range addrs {
		req.Addr[i] = privsvc.RawAddrFrom(netip.MustParseAddr(a))
	}
	return req
}

// NewManager populates the portable fields from Config.
func TestNewManager(t *testing.T) {
	cfg := privsvc.NewConfig()
	ledger := privsvc.NewLedger()

	m := NewManager(cfg, ledger, privsvc.DefaultSLogger())

	require.NotNil(t, m)
	assert.Same(t, ledger, m.Ledger)
	assert.NotNil(t, m.ErrClassifier)
	assert.NotNil(t, m.Logger)
	assert.NotNil(t, m.RDNSSemaphore)
	assert.NotNil(t, m.TimeNow)
	assert.Equal(t, cfg.NetshTimeout, m.NetshTimeout)
	assert.Equal(t, cfg.DNSRegisterSemaphoreTimeout, m.RDNSTimeout)
}

// End-to-end add against a pre-existing group-policy list: servers
// written per-interface, domains appended at GP scope, marker
// persisted, resolver reloaded with the WNF publish.
func TestAddDNSCfgWithGroupPolicyList(t *testing.T) {
	m, store, notifier, _, ledger := newTestManager()
	store.set(gpKeyPath, searchListValue, "corp.example")

	err := m.AddDNSCfg(context.Background(), dnsCfgRequest("vpn.example", "10.8.0.1"))
	require.NoError(t, err)

	servers, _ := store.get(testIfacePath, nameServerValue)
	assert.Equal(t, "10.8.0.1", servers)
	list, _ := store.get(gpKeyPath, searchListValue)
	assert.Equal(t, "corp.example,vpn.example", list)
	initial, _ := store.get(gpKeyPath, initialListValue)
	assert.Equal(t, "corp.example", initial)

	assert.Equal(t, 1, ledger.Len(privsvc.KindDNSv4))
	assert.Equal(t, 1, ledger.Len(privsvc.KindDNSDomains))
	require.Len(t, notifier.calls, 1)
	assert.True(t, notifier.calls[0])
}

// Del clears NameServer to the empty string, splices the domains back
// out, and removes both records.
func TestDelDNSCfgRestores(t *testing.T) {
	m, store, notifier, _, ledger := newTestManager()
	store.set(gpKeyPath, searchListValue, "corp.example")
	req := dnsCfgRequest("vpn.example", "10.8.0.1")
	require.NoError(t, m.AddDNSCfg(context.Background(), req))

	require.NoError(t, m.DelDNSCfg(context.Background(), req))

	servers, ok := store.get(testIfacePath, nameServerValue)
	require.True(t, ok)
	assert.Equal(t, "", servers)
	list, _ := store.get(gpKeyPath, searchListValue)
	assert.Equal(t, "corp.example", list)
	_, ok = store.get(gpKeyPath, initialListValue)
	assert.False(t, ok)

	assert.Equal(t, 0, ledger.Len(privsvc.KindDNSv4))
	assert.Equal(t, 0, ledger.Len(privsvc.KindDNSDomains))
	require.Len(t, notifier.calls, 2)
}

// Draining the ledger after an add reverses everything, matching the
// abrupt-teardown invariant.
func TestAddDNSCfgUndoViaLedger(t *testing.T) {
	m, store, _, _, ledger := newTestManager()
	store.set(gpKeyPath, searchListValue, "corp.example")
	require.NoError(t, m.AddDNSCfg(context.Background(), dnsCfgRequest("vpn.example", "10.8.0.1")))

	errs := ledger.DrainAll(context.Background())
	assert.Empty(t, errs)

	servers, _ := store.get(testIfacePath, nameServerValue)
	assert.Equal(t, "", servers)
	list, _ := store.get(gpKeyPath, searchListValue)
	assert.Equal(t, "corp.example", list)
	_, ok := store.get(gpKeyPath, initialListValue)
	assert.False(t, ok)
}

// A repeated add for the same family replaces the prior undo record
// instead of stacking a second one.
func TestAddDNSCfgReplacesServersRecord(t *testing.T) {
	m, store, _, _, ledger := newTestManager()

	require.NoError(t, m.AddDNSCfg(context.Background(), dnsCfgRequest("", "10.8.0.1")))
	require.NoError(t, m.AddDNSCfg(context.Background(), dnsCfgRequest("", "10.8.0.2")))

	assert.Equal(t, 1, ledger.Len(privsvc.KindDNSv4))
	servers, _ := store.get(testIfacePath, nameServerValue)
	assert.Equal(t, "10.8.0.2", servers)
}

// IPv6 servers land under the Tcpip6 interface key with the v6 kind.
func TestAddDNSCfgIPv6(t *testing.T) {
	m, store, _, _, ledger := newTestManager()
	req := &privsvc.DNSCfgRequest{
		Iface:   privsvc.Interface{Index: privsvc.InterfaceIndexUnset, Name: testAlias},
		Family:  privsvc.FamilyIPv6,
		AddrLen: 1,
	}
	req.Addr[0] = privsvc.RawAddrFrom(netip.MustParseAddr("fd00::1"))

	require.NoError(t, m.AddDNSCfg(context.Background(), req))

	servers, _ := store.get(testIface6Path, nameServerValue)
	assert.Equal(t, "fd00::1", servers)
	assert.Equal(t, 1, ledger.Len(privsvc.KindDNSv6))
	assert.Equal(t, 0, ledger.Len(privsvc.KindDNSv4))
}

// An unknown alias surfaces the resolver error and mutates nothing.
func TestAddDNSCfgUnknownAlias(t *testing.T) {
	m, store, notifier, _, ledger := newTestManager()
	req := dnsCfgRequest("vpn.example", "10.8.0.1")
	req.Iface.Name = "nope0"

	err := m.AddDNSCfg(context.Background(), req)
	assert.Error(t, err)
	assert.Empty(t, store.keys)
	assert.Empty(t, notifier.calls)
	assert.Equal(t, 0, ledger.Len(privsvc.KindDNSv4))
}

// ResetAtStartup drains an orphaned marker and reloads the resolver.
func TestResetAtStartup(t *testing.T) {
	m, store, notifier, _, _ := newTestManager()
	store.set(gpKeyPath, searchListValue, "corp.example,vpn.example")
	store.set(gpKeyPath, initialListValue, "corp.example")

	require.NoError(t, m.ResetAtStartup(context.Background()))

	list, _ := store.get(gpKeyPath, searchListValue)
	assert.Equal(t, "corp.example", list)
	require.Len(t, notifier.calls, 1)
	assert.True(t, notifier.calls[0])
}
