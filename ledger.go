// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import (
	"context"
	"sync"
)

// Kind identifies the category of a reversible side effect recorded in
// a [Ledger]. Each kind has its own independent LIFO stack; undo order
// matters within a kind, never across kinds.
type Kind int

// The undo kinds named by the data model.
const (
	KindAddress Kind = iota
	KindRoute
	KindWFPBlock
	KindDNSv4
	KindDNSv6
	KindDNSDomains
	KindWINS
	KindRingBuffer
)

// String returns a human-readable name, used in log fields.
func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindRoute:
		return "route"
	case KindWFPBlock:
		return "wfp_block"
	case KindDNSv4:
		return "dns_v4"
	case KindDNSv6:
		return "dns_v6"
	case KindDNSDomains:
		return "dns_domains"
	case KindWINS:
		return "wins"
	case KindRingBuffer:
		return "ring_buffer"
	default:
		return "unknown"
	}
}

// Record is a self-contained description of one reversible side effect.
// Implementations hold only the data needed to reverse the effect
// (interface indices, aliases, prior values) and never a pointer that
// could dangle; see the design notes on "Cyclic undo references".
type Record interface {
	// Undo reverses the side effect. Undo is called at most once per
	// record, during [Ledger.DrainAll] or [Ledger.RemoveMatching]'s
	// caller-driven reversal.
	Undo(ctx context.Context) error
}

// Ledger is a per-session ordered list of reversible side effects keyed
// by [Kind] (component A of the design). It is single-owner: callers
// must not share a Ledger across sessions.
//
// The zero value is not usable; construct with [NewLedger].
type Ledger struct {
	mu     sync.Mutex
	stacks map[Kind][]Record
}

// NewLedger returns an empty, ready-to-use [*Ledger].
func NewLedger() *Ledger {
	return &Ledger{stacks: make(map[Kind][]Record)}
}

// Append records a newly applied side effect. A successful mutating
// request appends exactly one record; a failed mutation must not call
// Append at all.
func (l *Ledger) Append(kind Kind, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stacks[kind] = append(l.stacks[kind], rec)
}

// RemoveMatching finds the most recently appended record of the given
// kind for which match returns true, removes it from the ledger without
// undoing it, and returns it. The second return value is false if no
// record matched. Callers that remove a record because the effect is
// being explicitly reversed (a matching del_* request) are responsible
// for calling Undo themselves if appropriate; most del_* handlers
// perform the OS-level deletion directly and only use RemoveMatching to
// keep the ledger consistent, since the deletion already happened.
func (l *Ledger) RemoveMatching(kind Kind, match func(Record) bool) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stack := l.stacks[kind]
	for i := len(stack) - 1; i >= 0; i-- {
		if match(stack[i]) {
			rec := stack[i]
			l.stacks[kind] = append(stack[:i], stack[i+1:]...)
			return rec, true
		}
	}
	return nil, false
}

// Len returns the number of outstanding records for kind, for tests and
// for invariant checks such as "the ledger for that kind is empty".
func (l *Ledger) Len(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stacks[kind])
}

// DrainAll reverses every outstanding record across all kinds and
// empties the ledger. Cross-kind order is unspecified (records of
// different kinds are independent side effects); within a
// kind, records are undone in exactly the reverse of their insertion
// order. Errors are collected, not short-circuited: a failure undoing
// one record must not prevent attempting the rest.
func (l *Ledger) DrainAll(ctx context.Context) []error {
	l.mu.Lock()
	stacks := l.stacks
	l.stacks = make(map[Kind][]Record)
	l.mu.Unlock()

	var errs []error
	for _, kind := range []Kind{
		KindRingBuffer, KindWFPBlock, KindWINS, KindDNSDomains,
		KindDNSv6, KindDNSv4, KindRoute, KindAddress,
	} {
		stack := stacks[kind]
		for i := len(stack) - 1; i >= 0; i-- {
			if err := stack[i].Undo(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}
