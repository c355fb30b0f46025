// SPDX-License-Identifier: GPL-3.0-or-later

package dnscfg

import (
	"context"
	"fmt"
	"time"

	"github.com/ovpn3/privsvc"
)

// fakeStore is an in-memory [Store]: a map of key paths to value maps.
// Tests seed it with pre-state and inspect it afterwards.
type fakeStore struct {
	keys map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]map[string]string)}
}

// set seeds a value, creating the key.
func (s *fakeStore) set(path, name, value string) {
	if s.keys[path] == nil {
		s.keys[path] = make(map[string]string)
	}
	s.keys[path][name] = value
}

// get reads a value; the second result reports presence.
func (s *fakeStore) get(path, name string) (string, bool) {
	values, ok := s.keys[path]
	if !ok {
		return "", false
	}
	value, ok := values[name]
	return value, ok
}

var _ Store = &fakeStore{}

func (s *fakeStore) OpenKey(path string) (Key, error) {
	if _, ok := s.keys[path]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotExist, path)
	}
	return &fakeKey{path: path, store: s}, nil
}

func (s *fakeStore) CreateKey(path string) (Key, error) {
	if _, ok := s.keys[path]; !ok {
		s.keys[path] = make(map[string]string)
	}
	return &fakeKey{path: path, store: s}, nil
}

type fakeKey struct {
	path  string
	store *fakeStore
}

var _ Key = &fakeKey{}

func (k *fakeKey) GetString(name string) (string, error) {
	value, ok := k.store.get(k.path, name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrValueNotExist, name)
	}
	return value, nil
}

func (k *fakeKey) SetString(name, value string) error {
	k.store.set(k.path, name, value)
	return nil
}

func (k *fakeKey) DeleteValue(name string) error {
	if _, ok := k.store.get(k.path, name); !ok {
		return fmt.Errorf("%w: %s", ErrValueNotExist, name)
	}
	delete(k.store.keys[k.path], name)
	return nil
}

func (k *fakeKey) Close() error { return nil }

// fakeNotifier records every Reload call.
type fakeNotifier struct {
	ReloadFunc func(ctx context.Context, gpScope bool) error
	calls      []bool
}

var _ Notifier = &fakeNotifier{}

func (n *fakeNotifier) Reload(ctx context.Context, gpScope bool) error {
	n.calls = append(n.calls, gpScope)
	if n.ReloadFunc == nil {
		return nil
	}
	return n.ReloadFunc(ctx, gpScope)
}

// fakeResolver maps aliases to GUIDs from a fixed table.
type fakeResolver map[string]string

var _ GUIDResolver = fakeResolver{}

func (r fakeResolver) InterfaceGUID(alias string) (string, error) {
	guid, ok := r[alias]
	if !ok {
		return "", fmt.Errorf("no such interface: %s", alias)
	}
	return guid, nil
}

// fakeRunner records every command it is asked to run.
type fakeRunner struct {
	RunFunc func(ctx context.Context, exe string, timeout time.Duration, args ...string) error
	calls   [][]string
}

func (r *fakeRunner) Run(
	ctx context.Context, exe string, timeout time.Duration, args ...string) error {
	r.calls = append(r.calls, append([]string{exe}, args...))
	if r.RunFunc == nil {
		return nil
	}
	return r.RunFunc(ctx, exe, timeout, args...)
}

const (
	testGUID       = "{D2C95E3E-7C4D-4D49-9B18-5F5D4B0EFAAB}"
	testAlias      = "tun0"
	testIfacePath  = tcpipKeyPath + `\Interfaces\` + testGUID
	testIface6Path = tcpip6KeyPath + `\Interfaces\` + testGUID
)

// newTestManager wires a Manager with fresh fakes and a fresh ledger.
func newTestManager() (*Manager, *fakeStore, *fakeNotifier, *fakeRunner, *privsvc.Ledger) {
	cfg := privsvc.NewConfig()
	ledger := privsvc.NewLedger()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	runner := &fakeRunner{}
	m := NewManager(cfg, ledger, privsvc.DefaultSLogger())
	m.Notifier = notifier
	m.Resolver = fakeResolver{testAlias: testGUID}
	m.Runner = runner
	m.Store = store
	return m, store, notifier, runner, ledger
}
