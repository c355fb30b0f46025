// SPDX-License-Identifier: GPL-3.0-or-later

package netstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/sysexec"
)

// NewActuator returns an [*Actuator] wired from cfg, the session's
// ledger, and the session's logger. The OS-facing collaborators (API,
// Runner) are left nil: production code uses [NewSystemActuator],
// tests inject fakes.
func NewActuator(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Actuator {
	return &Actuator{
		ErrClassifier: cfg.ErrClassifier,
		Ledger:        ledger,
		Logger:        logger,
		NetshTimeout:  cfg.NetshTimeout,
		TimeNow:       cfg.TimeNow,
	}
}

// Actuator applies network-state mutations for one session.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with method calls.
type Actuator struct {
	// API is the IP helper surface.
	API API

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewActuator] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Ledger is the session's undo ledger.
	//
	// Set by [NewActuator] to the session-owned ledger.
	Ledger *privsvc.Ledger

	// Logger is the [SLogger] to use.
	//
	// Set by [NewActuator] to the session logger.
	Logger privsvc.SLogger

	// NetshTimeout bounds the DHCP netsh invocation.
	//
	// Set by [NewActuator] from [Config.NetshTimeout].
	NetshTimeout time.Duration

	// Runner runs netsh for enable-DHCP.
	Runner sysexec.Runner

	// TimeNow is the function to get the current time.
	//
	// Set by [NewActuator] from [Config.TimeNow].
	TimeNow func() time.Time
}

// resolveLUID applies the interface resolution rule: a set index wins,
// otherwise the alias is converted.
func (a *Actuator) resolveLUID(iface privsvc.Interface) (uint64, error) {
	if iface.HasIndex() {
		return a.API.LUIDFromIndex(iface.Index)
	}
	return a.API.LUIDFromAlias(iface.Name)
}

// AddAddress installs a unicast address and records its undo.
func (a *Actuator) AddAddress(ctx context.Context, req *privsvc.AddressRequest) error {
	t0 := a.TimeNow()
	a.logStart("addressStart", "add", req.Iface, t0)
	err := a.addAddress(req)
	a.logDone("addressDone", "add", req.Iface, t0, err)
	return err
}

func (a *Actuator) addAddress(req *privsvc.AddressRequest) error {
	row, err := a.addressRow(req)
	if err != nil {
		return err
	}
	if err := a.API.CreateUnicastAddress(row); err != nil {
		return err
	}
	a.Ledger.Append(privsvc.KindAddress, &addressRecord{api: a.API, row: row})
	return nil
}

// DelAddress removes a unicast address and drops the matching record.
func (a *Actuator) DelAddress(ctx context.Context, req *privsvc.AddressRequest) error {
	t0 := a.TimeNow()
	a.logStart("addressStart", "del", req.Iface, t0)
	err := a.delAddress(req)
	a.logDone("addressDone", "del", req.Iface, t0, err)
	return err
}

func (a *Actuator) delAddress(req *privsvc.AddressRequest) error {
	row, err := a.addressRow(req)
	if err != nil {
		return err
	}
	if err := a.API.DeleteUnicastAddress(row); err != nil {
		return err
	}
	a.Ledger.RemoveMatching(privsvc.KindAddress, func(rec privsvc.Record) bool {
		ar, ok := rec.(*addressRecord)
		return ok && ar.row == row
	})
	return nil
}

func (a *Actuator) addressRow(req *privsvc.AddressRequest) (AddressRow, error) {
	luid, err := a.resolveLUID(req.Iface)
	if err != nil {
		return AddressRow{}, err
	}
	addr, ok := req.Address.Addr(req.Family)
	if !ok {
		return AddressRow{}, fmt.Errorf("%w: family %d", privsvc.ErrMessageData, req.Family)
	}
	return AddressRow{
		LUID: luid, Family: req.Family, Addr: addr, PrefixLen: req.PrefixLen,
	}, nil
}

// AddRoute installs a forwarding entry and records its undo.
func (a *Actuator) AddRoute(ctx context.Context, req *privsvc.RouteRequest) error {
	t0 := a.TimeNow()
	a.logStart("routeStart", "add", req.Iface, t0)
	err := a.addRoute(req)
	a.logDone("routeDone", "add", req.Iface, t0, err)
	return err
}

func (a *Actuator) addRoute(req *privsvc.RouteRequest) error {
	row, err := a.routeRow(req)
	if err != nil {
		return err
	}
	if err := a.API.CreateRoute(row); err != nil {
		return err
	}
	a.Ledger.Append(privsvc.KindRoute, &routeRecord{api: a.API, row: row})
	return nil
}

// DelRoute removes a forwarding entry and drops the matching record.
func (a *Actuator) DelRoute(ctx context.Context, req *privsvc.RouteRequest) error {
	t0 := a.TimeNow()
	a.logStart("routeStart", "del", req.Iface, t0)
	err := a.delRoute(req)
	a.logDone("routeDone", "del", req.Iface, t0, err)
	return err
}

func (a *Actuator) delRoute(req *privsvc.RouteRequest) error {
	row, err := a.routeRow(req)
	if err != nil {
		return err
	}
	if err := a.API.DeleteRoute(row); err != nil {
		return err
	}
	a.Ledger.RemoveMatching(privsvc.KindRoute, func(rec privsvc.Record) bool {
		rr, ok := rec.(*routeRecord)
		return ok && rr.row == row
	})
	return nil
}

func (a *Actuator) routeRow(req *privsvc.RouteRequest) (RouteRow, error) {
	luid, err := a.resolveLUID(req.Iface)
	if err != nil {
		return RouteRow{}, err
	}
	prefix, ok := req.Prefix.Addr(req.Family)
	if !ok {
		return RouteRow{}, fmt.Errorf("%w: family %d", privsvc.ErrMessageData, req.Family)
	}
	gateway, _ := req.Gateway.Addr(req.Family)
	return RouteRow{
		LUID: luid, Family: req.Family, Prefix: prefix,
		PrefixLen: req.PrefixLen, Gateway: gateway, Metric: req.Metric,
	}, nil
}

// FlushNeighbors clears the neighbor cache. No undo: the cache refills
// on its own.
func (a *Actuator) FlushNeighbors(ctx context.Context, req *privsvc.FlushNeighborsRequest) error {
	t0 := a.TimeNow()
	a.logStart("flushNeighborsStart", "flush", req.Iface, t0)
	err := a.API.FlushNeighbors(req.Family, req.Iface.Index)
	a.logDone("flushNeighborsDone", "flush", req.Iface, t0, err)
	return err
}

// EnableDHCP re-enables DHCP address assignment on the interface via
// netsh. IPv4 only; not rolled back.
func (a *Actuator) EnableDHCP(ctx context.Context, req *privsvc.EnableDHCPRequest) error {
	t0 := a.TimeNow()
	a.logStart("enableDHCPStart", "dhcp", req.Iface, t0)
	err := a.Runner.Run(ctx, "netsh.exe", a.NetshTimeout,
		"interface", "ip", "set", "address", fmt.Sprintf("%d", req.Iface.Index), "dhcp")
	a.logDone("enableDHCPDone", "dhcp", req.Iface, t0, err)
	return err
}

// SetMTU overwrites the network-layer MTU on the (interface, family)
// row, reading the current row first so every other setting is written
// back unchanged.
func (a *Actuator) SetMTU(ctx context.Context, req *privsvc.SetMTURequest) error {
	t0 := a.TimeNow()
	a.logStart("setMTUStart", "mtu", req.Iface, t0)
	err := a.setMTU(req)
	a.logDone("setMTUDone", "mtu", req.Iface, t0, err)
	return err
}

func (a *Actuator) setMTU(req *privsvc.SetMTURequest) error {
	luid, err := a.resolveLUID(req.Iface)
	if err != nil {
		return err
	}
	row, err := a.API.GetIPInterface(req.Family, luid)
	if err != nil {
		return err
	}
	row.NlMtu = req.MTU
	if req.Family == privsvc.FamilyIPv4 {
		row.SitePrefixLength = 0
	}
	return a.API.SetIPInterface(row)
}

// addressRecord undoes an installed address.
type addressRecord struct {
	api API
	row AddressRow
}

var _ privsvc.Record = &addressRecord{}

// Undo implements [privsvc.Record].
func (r *addressRecord) Undo(ctx context.Context) error {
	return r.api.DeleteUnicastAddress(r.row)
}

// routeRecord undoes an installed route.
type routeRecord struct {
	api API
	row RouteRow
}

var _ privsvc.Record = &routeRecord{}

// Undo implements [privsvc.Record].
func (r *routeRecord) Undo(ctx context.Context) error {
	return r.api.DeleteRoute(r.row)
}

func (a *Actuator) logStart(msg, op string, iface privsvc.Interface, t0 time.Time) {
	a.Logger.Info(
		msg,
		slog.String("op", op),
		slog.Uint64("ifaceIndex", uint64(iface.Index)),
		slog.String("ifaceAlias", iface.Name),
		slog.Time("t", t0),
	)
}

func (a *Actuator) logDone(msg, op string, iface privsvc.Interface, t0 time.Time, err error) {
	a.Logger.Info(
		msg,
		slog.String("op", op),
		slog.Uint64("ifaceIndex", uint64(iface.Index)),
		slog.String("ifaceAlias", iface.Name),
		slog.Any("err", err),
		slog.String("errClass", a.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", a.TimeNow()),
	)
}
