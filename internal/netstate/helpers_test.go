// SPDX-License-Identifier: GPL-3.0-or-later

package netstate

import (
	"context"
	"fmt"
	"time"

	"github.com/ovpn3/privsvc"
)

// fakeAPI is an in-memory [API]: installed addresses and routes are
// tracked in slices, interface rows in a map. Tests seed it with
// pre-state and inspect it afterwards.
type fakeAPI struct {
	luidByAlias map[string]uint64
	luidByIndex map[uint32]uint64

	addresses []AddressRow
	routes    []RouteRow
	flushes   []privsvc.Family
	rows      map[ifaceKey]IPInterfaceRow

	failCreateAddress error
	failCreateRoute   error
	failSetRow        error
}

type ifaceKey struct {
	family privsvc.Family
	luid   uint64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		luidByAlias: map[string]uint64{"tun0": 0xAA00},
		luidByIndex: map[uint32]uint64{17: 0xAA00},
		rows:        make(map[ifaceKey]IPInterfaceRow),
	}
}

var _ API = &fakeAPI{}

func (f *fakeAPI) LUIDFromAlias(alias string) (uint64, error) {
	luid, ok := f.luidByAlias[alias]
	if !ok {
		return 0, fmt.Errorf("no such alias: %s", alias)
	}
	return luid, nil
}

func (f *fakeAPI) LUIDFromIndex(index uint32) (uint64, error) {
	luid, ok := f.luidByIndex[index]
	if !ok {
		return 0, fmt.Errorf("no such index: %d", index)
	}
	return luid, nil
}

func (f *fakeAPI) CreateUnicastAddress(row AddressRow) error {
	if f.failCreateAddress != nil {
		return f.failCreateAddress
	}
	f.addresses = append(f.addresses, row)
	return nil
}

func (f *fakeAPI) DeleteUnicastAddress(row AddressRow) error {
	for i, have := range f.addresses {
		if have == row {
			f.addresses = append(f.addresses[:i], f.addresses[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address not found: %v", row)
}

func (f *fakeAPI) CreateRoute(row RouteRow) error {
	if f.failCreateRoute != nil {
		return f.failCreateRoute
	}
	f.routes = append(f.routes, row)
	return nil
}

func (f *fakeAPI) DeleteRoute(row RouteRow) error {
	for i, have := range f.routes {
		if have == row {
			f.routes = append(f.routes[:i], f.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("route not found: %v", row)
}

func (f *fakeAPI) FlushNeighbors(family privsvc.Family, index uint32) error {
	f.flushes = append(f.flushes, family)
	return nil
}

func (f *fakeAPI) GetIPInterface(family privsvc.Family, luid uint64) (IPInterfaceRow, error) {
	row, ok := f.rows[ifaceKey{family, luid}]
	if !ok {
		return IPInterfaceRow{}, fmt.Errorf("no row for family %d luid %#x", family, luid)
	}
	return row, nil
}

func (f *fakeAPI) SetIPInterface(row IPInterfaceRow) error {
	if f.failSetRow != nil {
		return f.failSetRow
	}
	f.rows[ifaceKey{row.Family, row.LUID}] = row
	return nil
}

// fakeRunner records every command it is asked to run.
type fakeRunner struct {
	calls [][]string
}

func (r *fakeRunner) Run(
	ctx context.Context, exe string, timeout time.Duration, args ...string) error {
	r.calls = append(r.calls, append([]string{exe}, args...))
	return nil
}

// newTestActuator wires an Actuator with fresh fakes and a fresh ledger.
func newTestActuator() (*Actuator, *fakeAPI, *fakeRunner, *privsvc.Ledger) {
	cfg := privsvc.NewConfig()
	ledger := privsvc.NewLedger()
	api := newFakeAPI()
	runner := &fakeRunner{}
	a := NewActuator(cfg, ledger, privsvc.DefaultSLogger())
	a.API = api
	a.Runner = runner
	return a, api, runner, ledger
}
