// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/dnscfg"
	"github.com/ovpn3/privsvc/internal/firewall"
	"github.com/ovpn3/privsvc/internal/netstate"
	"github.com/ovpn3/privsvc/internal/pipeio"
	"github.com/ovpn3/privsvc/internal/ringbuf"
	"golang.org/x/text/encoding/unicode"
)

// encodeBlob builds a UTF-16LE startup blob from the given strings,
// each NUL-terminated.
func encodeBlob(parts ...string) []byte {
	text := ""
	for _, p := range parts {
		text += p + "\x00"
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(text))
	if err != nil {
		panic(err)
	}
	return out
}

// fakeClientConn scripts the client side: the startup blob is served
// by Peek/Read, writes are captured.
type fakeClientConn struct {
	blob   []byte
	served bool
	writes [][]byte
	closed bool
}

var _ pipeio.Conn = &fakeClientConn{}

func (c *fakeClientConn) Peek(ctx context.Context) (int, error) {
	if c.served {
		return 0, nil
	}
	return len(c.blob), nil
}

func (c *fakeClientConn) Read(ctx context.Context, buf []byte) (int, error) {
	if c.served {
		return 0, nil
	}
	c.served = true
	return copy(buf, c.blob), nil
}

func (c *fakeClientConn) Write(ctx context.Context, data []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (c *fakeClientConn) Name() string { return `\\.\pipe\ovpn3\service` }

func (c *fakeClientConn) Close() error {
	c.closed = true
	return nil
}

// fakeEnginePipe serves scripted frames to the worker loop. A frame
// with declaredSize set overrides what Peek reports, to simulate a
// misbehaving engine.
type fakeEnginePipe struct {
	frames    [][]byte
	oversized int
	acks      [][]byte
	connected bool
	closed    bool
}

var _ EnginePipe = &fakeEnginePipe{}

func (p *fakeEnginePipe) WaitConnect(ctx context.Context) error {
	p.connected = true
	return nil
}

func (p *fakeEnginePipe) Peek(ctx context.Context) (int, error) {
	if p.oversized > 0 {
		return p.oversized, nil
	}
	if len(p.frames) == 0 {
		return 0, nil
	}
	return len(p.frames[0]), nil
}

func (p *fakeEnginePipe) Read(ctx context.Context, buf []byte) (int, error) {
	if len(p.frames) == 0 {
		return 0, nil
	}
	frame := p.frames[0]
	p.frames = p.frames[1:]
	return copy(buf, frame), nil
}

func (p *fakeEnginePipe) Write(ctx context.Context, data []byte) (int, error) {
	p.acks = append(p.acks, append([]byte(nil), data...))
	return len(data), nil
}

func (p *fakeEnginePipe) Name() string { return `\\.\pipe\ovpn3\service_1` }

func (p *fakeEnginePipe) Close() error {
	p.closed = true
	return nil
}

// fakePipeFactory hands out a prepared fakeEnginePipe.
type fakePipeFactory struct {
	pipe *fakeEnginePipe
	err  error
}

var _ EnginePipeFactory = &fakePipeFactory{}

func (f *fakePipeFactory) Create(id uint32) (EnginePipe, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.pipe, fmt.Sprintf(`\\.\pipe\ovpn3\service_%d`, id), nil
}

// fakeAuth returns a fixed identity.
type fakeAuth struct {
	identity *Identity
	err      error
	released bool
}

var _ Authenticator = &fakeAuth{}

func (a *fakeAuth) Authenticate(conn pipeio.Conn) (*Identity, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.identity, nil
}

func (a *fakeAuth) Release(id *Identity) { a.released = true }

// fakeChild pretends to be a launched engine.
type fakeChild struct {
	pid        uint32
	stdin      []byte
	exits      bool
	terminated bool
	closed     bool
}

var _ Child = &fakeChild{}

func (c *fakeChild) PID() uint32      { return c.pid }
func (c *fakeChild) Process() uintptr { return 0x1234 }

func (c *fakeChild) WriteStdin(ctx context.Context, data []byte) error {
	c.stdin = append([]byte(nil), data...)
	return nil
}

func (c *fakeChild) Wait(timeout time.Duration) bool { return c.exits }

func (c *fakeChild) Terminate() error {
	c.terminated = true
	return nil
}

func (c *fakeChild) Close() error {
	c.closed = true
	return nil
}

// fakeLauncher records the spec and hands out a fakeChild.
type fakeLauncher struct {
	child *fakeChild
	spec  LaunchSpec
	err   error
}

var _ Launcher = &fakeLauncher{}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec, client *Identity) (Child, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.spec = spec
	return l.child, nil
}

// fakeNetAPI is a minimal in-memory netstate.API for worker tests.
type fakeNetAPI struct {
	routes    []netstate.RouteRow
	addresses []netstate.AddressRow
}

var _ netstate.API = &fakeNetAPI{}

func (f *fakeNetAPI) LUIDFromAlias(alias string) (uint64, error) { return 0xAA00, nil }
func (f *fakeNetAPI) LUIDFromIndex(index uint32) (uint64, error) { return 0xAA00, nil }

func (f *fakeNetAPI) CreateUnicastAddress(row netstate.AddressRow) error {
	f.addresses = append(f.addresses, row)
	return nil
}

func (f *fakeNetAPI) DeleteUnicastAddress(row netstate.AddressRow) error {
	for i, have := range f.addresses {
		if have == row {
			f.addresses = append(f.addresses[:i], f.addresses[i+1:]...)
			return nil
		}
	}
	return errors.New("address not found")
}

func (f *fakeNetAPI) CreateRoute(row netstate.RouteRow) error {
	f.routes = append(f.routes, row)
	return nil
}

func (f *fakeNetAPI) DeleteRoute(row netstate.RouteRow) error {
	for i, have := range f.routes {
		if have == row {
			f.routes = append(f.routes[:i], f.routes[i+1:]...)
			return nil
		}
	}
	return errors.New("route not found")
}

func (f *fakeNetAPI) FlushNeighbors(privsvc.Family, uint32) error { return nil }

func (f *fakeNetAPI) GetIPInterface(family privsvc.Family, luid uint64) (netstate.IPInterfaceRow, error) {
	return netstate.IPInterfaceRow{Family: family, LUID: luid}, nil
}

func (f *fakeNetAPI) SetIPInterface(netstate.IPInterfaceRow) error { return nil }

// testSession bundles a fully wired worker and its collaborators.
type testSession struct {
	worker  *Worker
	client  *fakeClientConn
	engine  *fakeEnginePipe
	child   *fakeChild
	auth    *fakeAuth
	launch  *fakeLauncher
	netAPI  *fakeNetAPI
	ledger  *privsvc.Ledger
}

// newTestSession wires a worker with fakes everywhere and the given
// startup blob and engine frames.
func newTestSession(cfg *privsvc.Config, blob []byte, frames ...[]byte) *testSession {
	ledger := privsvc.NewLedger()
	logger := privsvc.DefaultSLogger()

	netAPI := &fakeNetAPI{}
	actuator := netstate.NewActuator(cfg, ledger, logger)
	actuator.API = netAPI

	dnsMgr := dnscfg.NewManager(cfg, ledger, logger)
	blocker := firewall.NewBlocker(cfg, ledger, logger)
	registrar := ringbuf.NewRegistrar(cfg, ledger, logger)

	client := &fakeClientConn{blob: blob}
	engine := &fakeEnginePipe{frames: frames}
	child := &fakeChild{pid: 4242, exits: true}
	auth := &fakeAuth{identity: &Identity{Token: 7}}
	launch := &fakeLauncher{child: child}

	w := NewWorker(cfg, 1, client, ledger, &Handlers{
		DNS: dnsMgr, Firewall: blocker, Net: actuator, Rings: registrar,
	}, logger)
	w.Auth = auth
	w.Launcher = launch
	w.PipeFactory = &fakePipeFactory{pipe: engine}

	return &testSession{
		worker: w, client: client, engine: engine, child: child,
		auth: auth, launch: launch, netAPI: netAPI, ledger: ledger,
	}
}

// frame builders

func putHeader(buf []byte, typ privsvc.RequestType, size, msgID uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(buf[4:8], size)
	binary.LittleEndian.PutUint32(buf[8:12], msgID)
}

func putIface(buf []byte, index uint32, name string) {
	binary.LittleEndian.PutUint32(buf[0:4], index)
	copy(buf[4:4+256], name)
}

// routeFrame encodes an add/del route request.
func routeFrame(typ privsvc.RequestType, msgID uint32) []byte {
	const bodySize = 2 + 1 + (4 + 256) + 16 + 16 + 4
	buf := make([]byte, privsvc.HeaderWireSize+bodySize)
	putHeader(buf, typ, uint32(len(buf)), msgID)
	body := buf[privsvc.HeaderWireSize:]
	binary.LittleEndian.PutUint16(body[0:2], uint16(privsvc.FamilyIPv4))
	body[2] = 16
	putIface(body[3:], 17, "")
	prefix := privsvc.RawAddrFrom(netip.MustParseAddr("10.8.0.0"))
	copy(body[3+260:], prefix[:])
	gateway := privsvc.RawAddrFrom(netip.MustParseAddr("10.8.0.1"))
	copy(body[3+260+16:], gateway[:])
	binary.LittleEndian.PutUint32(body[3+260+32:], 100)
	return buf
}

// headerOnlyFrame encodes a bare header with the given type and
// declared size.
func headerOnlyFrame(typ privsvc.RequestType, size, msgID uint32) []byte {
	buf := make([]byte, privsvc.HeaderWireSize)
	putHeader(buf, typ, size, msgID)
	return buf
}

// decodeAck parses a captured ack frame.
func decodeAck(frame []byte) (msgID uint32, code privsvc.AckError) {
	return binary.LittleEndian.Uint32(frame[8:12]),
		privsvc.AckError(binary.LittleEndian.Uint32(frame[12:16]))
}
