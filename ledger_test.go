// SPDX-License-Identifier: GPL-3.0-or-later

package privsvc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	id      int
	undone  *[]int
	failErr error
}

func (r *fakeRecord) Undo(ctx context.Context) error {
	if r.failErr != nil {
		return r.failErr
	}
	*r.undone = append(*r.undone, r.id)
	return nil
}

func TestLedgerAppendAndLen(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, 0, l.Len(KindAddress))

	var undone []int
	l.Append(KindAddress, &fakeRecord{id: 1, undone: &undone})
	assert.Equal(t, 1, l.Len(KindAddress))
	assert.Equal(t, 0, l.Len(KindRoute))
}

func TestLedgerRemoveMatchingLIFO(t *testing.T) {
	l := NewLedger()
	var undone []int
	l.Append(KindAddress, &fakeRecord{id: 1, undone: &undone})
	l.Append(KindAddress, &fakeRecord{id: 2, undone: &undone})

	rec, ok := l.RemoveMatching(KindAddress, func(Record) bool { return true })
	require.True(t, ok)
	assert.Equal(t, 2, rec.(*fakeRecord).id)
	assert.Equal(t, 1, l.Len(KindAddress))

	_, ok = l.RemoveMatching(KindAddress, func(r Record) bool { return r.(*fakeRecord).id == 42 })
	assert.False(t, ok)
}

func TestLedgerDrainAllReverseOrderPerKind(t *testing.T) {
	l := NewLedger()
	var undone []int
	l.Append(KindAddress, &fakeRecord{id: 1, undone: &undone})
	l.Append(KindAddress, &fakeRecord{id: 2, undone: &undone})
	l.Append(KindAddress, &fakeRecord{id: 3, undone: &undone})

	errs := l.DrainAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, []int{3, 2, 1}, undone)
	assert.Equal(t, 0, l.Len(KindAddress))
}

func TestLedgerDrainAllCollectsErrorsAndContinues(t *testing.T) {
	l := NewLedger()
	var undone []int
	boom := errors.New("boom")
	l.Append(KindRoute, &fakeRecord{id: 1, undone: &undone})
	l.Append(KindRoute, &fakeRecord{id: 2, undone: &undone, failErr: boom})
	l.Append(KindRoute, &fakeRecord{id: 3, undone: &undone})

	errs := l.DrainAll(context.Background())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	// id 3 and id 1 still undone despite id 2 failing.
	assert.ElementsMatch(t, []int{3, 1}, undone)
}

func TestLedgerDrainAllEmpties(t *testing.T) {
	l := NewLedger()
	var undone []int
	l.Append(KindWINS, &fakeRecord{id: 1, undone: &undone})
	l.DrainAll(context.Background())
	assert.Equal(t, 0, l.Len(KindWINS))
	// Second drain is a no-op.
	errs := l.DrainAll(context.Background())
	assert.Empty(t, errs)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "address", KindAddress.String())
	assert.Equal(t, "ring_buffer", KindRingBuffer.String())
	assert.Equal(t, "unknown", Kind(999).String())
}
