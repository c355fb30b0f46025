// SPDX-License-Identifier: GPL-3.0-or-later

// Package firewall installs and tears down the packet-filter rules
// that keep traffic from bypassing the tunnel (component F of the
// design), and manages the interface metrics that go with them.
//
// Filters live in a dynamic filter-engine session: closing the engine
// handle removes every filter it added, which is what makes the undo
// record self-contained.
package firewall

import (
	"context"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/netstate"
)

// blockIfaceMetric is the metric forced onto the tunnel interface
// while a block is active, so the tunnel routes win.
const blockIfaceMetric = 3

// metricAutomatic is the stashed-metric sentinel meaning "the metric
// was system-chosen"; restoring it re-enables automatic selection.
const metricAutomatic = int32(-1)

// Engine opens filter-engine sessions.
//
// Implementations: [NewSystemEngine] (Windows only) and the
// per-package test fakes.
type Engine interface {
	Open() (Session, error)
}

// Session is one dynamic filter-engine session. Closing it removes
// every filter added through it.
type Session interface {
	// AddBlockFilters installs the block rule set scoped to the
	// tunnel interface and the engine executable. dnsOnly limits the
	// set to the DNS path.
	AddBlockFilters(ifaceLUID uint64, enginePath string, dnsOnly bool) error

	// Close releases the engine handle, removing the filters.
	Close() error
}

// NewBlocker returns a [*Blocker] wired from cfg, the session's
// ledger, and the session's logger. The OS-facing collaborators
// (Engine, Net) are left nil: production code uses
// [NewSystemBlocker], tests inject fakes.
func NewBlocker(cfg *privsvc.Config, ledger *privsvc.Ledger, logger privsvc.SLogger) *Blocker {
	return &Blocker{
		EnginePath:    cfg.EnginePath,
		ErrClassifier: cfg.ErrClassifier,
		Ledger:        ledger,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Blocker applies WFP block requests for one session.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with method calls.
type Blocker struct {
	// Engine opens filter-engine sessions.
	Engine Engine

	// EnginePath is the engine executable whose traffic the filters
	// exempt.
	//
	// Set by [NewBlocker] from [Config.EnginePath].
	EnginePath string

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewBlocker] from [Config.ErrClassifier].
	ErrClassifier privsvc.ErrClassifier

	// Ledger is the session's undo ledger.
	//
	// Set by [NewBlocker] to the session-owned ledger.
	Ledger *privsvc.Ledger

	// Logger is the [SLogger] to use.
	//
	// Set by [NewBlocker] to the session logger.
	Logger privsvc.SLogger

	// Net reads and writes interface metrics.
	Net netstate.API

	// TimeNow is the function to get the current time.
	//
	// Set by [NewBlocker] from [Config.TimeNow].
	TimeNow func() time.Time
}

// AddBlock installs the filter set. A session holds at most one block:
// a repeated add tears the previous one down first.
func (b *Blocker) AddBlock(ctx context.Context, req *privsvc.WFPBlockRequest) error {
	t0 := b.TimeNow()
	b.logStart("wfpBlockStart", "add", req.Iface.Index, t0)
	err := b.addBlock(ctx, req)
	b.logDone("wfpBlockDone", "add", req.Iface.Index, t0, err)
	return err
}

func (b *Blocker) addBlock(ctx context.Context, req *privsvc.WFPBlockRequest) error {
	if rec, ok := b.Ledger.RemoveMatching(privsvc.KindWFPBlock,
		func(privsvc.Record) bool { return true }); ok {
		rec.Undo(ctx)
	}

	luid, err := b.resolveLUID(req.Iface)
	if err != nil {
		return err
	}

	priorV4 := b.stashMetric(privsvc.FamilyIPv4, luid)
	priorV6 := b.stashMetric(privsvc.FamilyIPv6, luid)

	session, err := b.Engine.Open()
	if err != nil {
		return err
	}
	dnsOnly := req.Flags&privsvc.WFPBlockDNSOnly != 0
	if err := session.AddBlockFilters(luid, b.EnginePath, dnsOnly); err != nil {
		session.Close()
		return err
	}

	if err := b.setMetric(privsvc.FamilyIPv4, luid, blockIfaceMetric, false); err != nil {
		session.Close()
		return err
	}
	// An interface without an IPv6 stack has no v6 row to write;
	// that must not fail the block.
	b.setMetric(privsvc.FamilyIPv6, luid, blockIfaceMetric, false)

	b.Ledger.Append(privsvc.KindWFPBlock, &blockRecord{
		blocker: b, ifaceIndex: req.Iface.Index, luid: luid,
		priorV4: priorV4, priorV6: priorV6, session: session,
	})
	return nil
}

// DelBlock removes the session's block, if any.
func (b *Blocker) DelBlock(ctx context.Context, req *privsvc.WFPBlockRequest) error {
	t0 := b.TimeNow()
	b.logStart("wfpBlockStart", "del", req.Iface.Index, t0)
	var err error
	if rec, ok := b.Ledger.RemoveMatching(privsvc.KindWFPBlock,
		func(privsvc.Record) bool { return true }); ok {
		err = rec.Undo(ctx)
	}
	b.logDone("wfpBlockDone", "del", req.Iface.Index, t0, err)
	return err
}

func (b *Blocker) resolveLUID(iface privsvc.Interface) (uint64, error) {
	if iface.HasIndex() {
		return b.Net.LUIDFromIndex(iface.Index)
	}
	return b.Net.LUIDFromAlias(iface.Name)
}

// stashMetric reads the current metric for later restore, mapping
// "automatic" to the sentinel. A missing row (no such stack on the
// interface) also stashes the sentinel; restore will then fail softly
// the same way the read did.
func (b *Blocker) stashMetric(family privsvc.Family, luid uint64) int32 {
	row, err := b.Net.GetIPInterface(family, luid)
	if err != nil || row.UseAutomaticMetric {
		return metricAutomatic
	}
	return int32(row.Metric)
}

// setMetric writes the metric for one family.
func (b *Blocker) setMetric(family privsvc.Family, luid uint64, metric uint32, automatic bool) error {
	row, err := b.Net.GetIPInterface(family, luid)
	if err != nil {
		return err
	}
	row.Metric = metric
	row.UseAutomaticMetric = automatic
	return b.Net.SetIPInterface(row)
}

// blockRecord is the session's WFP undo record: it owns the
// filter-engine session handle and the stashed prior metrics.
type blockRecord struct {
	blocker    *Blocker
	ifaceIndex uint32
	luid       uint64
	priorV4    int32
	priorV6    int32
	session    Session
}

var _ privsvc.Record = &blockRecord{}

// Undo implements [privsvc.Record]: filters are removed by closing the
// engine session, then both metrics are restored. A stashed sentinel
// restores automatic metric selection (metric written as 0).
func (r *blockRecord) Undo(ctx context.Context) error {
	err := r.session.Close()
	r.restoreMetric(privsvc.FamilyIPv4, r.priorV4)
	r.restoreMetric(privsvc.FamilyIPv6, r.priorV6)
	return err
}

func (r *blockRecord) restoreMetric(family privsvc.Family, prior int32) {
	if prior == metricAutomatic {
		r.blocker.setMetric(family, r.luid, 0, true)
		return
	}
	r.blocker.setMetric(family, r.luid, uint32(prior), false)
}

func (b *Blocker) logStart(msg, op string, index uint32, t0 time.Time) {
	b.Logger.Info(
		msg,
		slog.String("op", op),
		slog.Uint64("ifaceIndex", uint64(index)),
		slog.Time("t", t0),
	)
}

func (b *Blocker) logDone(msg, op string, index uint32, t0 time.Time, err error) {
	b.Logger.Info(
		msg,
		slog.String("op", op),
		slog.Uint64("ifaceIndex", uint64(index)),
		slog.Any("err", err),
		slog.String("errClass", b.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", b.TimeNow()),
	)
}
