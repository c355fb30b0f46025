// SPDX-License-Identifier: GPL-3.0-or-later

package ringbuf

import (
	"context"
	"errors"
	"testing"

	"github.com/ovpn3/privsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI hands out sequential handle and view values and records
// which are still open.
type fakeAPI struct {
	next        uintptr
	openHandles map[uintptr]bool
	openViews   map[uintptr]bool
	registered  bool

	failDuplicateAfter int
	failMap            error
	failRegister       error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		next:               100,
		openHandles:        make(map[uintptr]bool),
		openViews:          make(map[uintptr]bool),
		failDuplicateAfter: -1,
	}
}

var _ API = &fakeAPI{}

func (f *fakeAPI) Duplicate(srcProcess uintptr, handle uint64) (uintptr, error) {
	if f.failDuplicateAfter == 0 {
		return 0, errors.New("duplicate refused")
	}
	if f.failDuplicateAfter > 0 {
		f.failDuplicateAfter--
	}
	f.next++
	f.openHandles[f.next] = true
	return f.next, nil
}

func (f *fakeAPI) MapView(section uintptr) (uintptr, error) {
	if f.failMap != nil {
		return 0, f.failMap
	}
	f.next++
	f.openViews[f.next] = true
	return f.next, nil
}

func (f *fakeAPI) UnmapView(view uintptr) error {
	delete(f.openViews, view)
	return nil
}

func (f *fakeAPI) RegisterRings(device, sendView, sendTailEvent, recvView, recvTailEvent uintptr) error {
	if f.failRegister != nil {
		return f.failRegister
	}
	f.registered = true
	return nil
}

func (f *fakeAPI) Close(handle uintptr) error {
	delete(f.openHandles, handle)
	return nil
}

func ringRequest() *privsvc.RingBuffersRequest {
	return &privsvc.RingBuffersRequest{
		Device: 11, SendRing: 12, RecvRing: 13,
		SendTailEvent: 14, RecvTailEvent: 15,
	}
}

func newTestRegistrar() (*Registrar, *fakeAPI, *privsvc.Ledger) {
	cfg := privsvc.NewConfig()
	ledger := privsvc.NewLedger()
	api := newFakeAPI()
	r := NewRegistrar(cfg, ledger, privsvc.DefaultSLogger())
	r.API = api
	return r, api, ledger
}

// A successful registration duplicates five handles, maps two views,
// registers, and appends one record.
func TestRegister(t *testing.T) {
	r, api, ledger := newTestRegistrar()

	require.NoError(t, r.Register(context.Background(), 1, ringRequest()))

	assert.True(t, api.registered)
	assert.Len(t, api.openHandles, 5)
	assert.Len(t, api.openViews, 2)
	assert.Equal(t, 1, ledger.Len(privsvc.KindRingBuffer))
}

// Undo releases every view and handle.
func TestRegisterUndo(t *testing.T) {
	r, api, ledger := newTestRegistrar()
	require.NoError(t, r.Register(context.Background(), 1, ringRequest()))

	errs := ledger.DrainAll(context.Background())
	assert.Empty(t, errs)
	assert.Empty(t, api.openHandles)
	assert.Empty(t, api.openViews)
}

// A duplication failure mid-way releases what was acquired and records
// nothing.
func TestRegisterDuplicateFailure(t *testing.T) {
	r, api, ledger := newTestRegistrar()
	api.failDuplicateAfter = 3

	err := r.Register(context.Background(), 1, ringRequest())
	assert.Error(t, err)
	assert.Empty(t, api.openHandles)
	assert.Empty(t, api.openViews)
	assert.Equal(t, 0, ledger.Len(privsvc.KindRingBuffer))
}

// A device-control failure releases everything.
func TestRegisterIoctlFailure(t *testing.T) {
	r, api, ledger := newTestRegistrar()
	api.failRegister = errors.New("device refused")

	err := r.Register(context.Background(), 1, ringRequest())
	assert.Error(t, err)
	assert.Empty(t, api.openHandles)
	assert.Empty(t, api.openViews)
	assert.Equal(t, 0, ledger.Len(privsvc.KindRingBuffer))
}
