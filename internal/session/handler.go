// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ovpn3/privsvc"
	"github.com/ovpn3/privsvc/internal/ackerr"
	"github.com/ovpn3/privsvc/internal/dnscfg"
	"github.com/ovpn3/privsvc/internal/firewall"
	"github.com/ovpn3/privsvc/internal/netstate"
	"github.com/ovpn3/privsvc/internal/ringbuf"
)

// Handlers binds one session's actuators. The worker routes each
// decoded request to exactly one of them and encodes the returned
// error into the ack.
type Handlers struct {
	// DNS is the DNS/WINS configuration manager.
	DNS *dnscfg.Manager

	// Firewall is the WFP block manager.
	Firewall *firewall.Blocker

	// Net is the network state actuator.
	Net *netstate.Actuator

	// Rings is the ring buffer registrar.
	Rings *ringbuf.Registrar
}

// Handle dispatches req. engineProcess is the child's process handle,
// needed only by ring buffer registration as the duplication source.
//
// Register-DNS is acked immediately: the flush/re-register pair runs
// on its own goroutine, serialized process-wide by the register-DNS
// semaphore.
func (h *Handlers) Handle(ctx context.Context, engineProcess uintptr, req privsvc.Request) error {
	switch req.Header.Type {
	case privsvc.TypeAddAddress:
		return h.Net.AddAddress(ctx, req.Address)
	case privsvc.TypeDelAddress:
		return h.Net.DelAddress(ctx, req.Address)
	case privsvc.TypeAddRoute:
		return h.Net.AddRoute(ctx, req.Route)
	case privsvc.TypeDelRoute:
		return h.Net.DelRoute(ctx, req.Route)
	case privsvc.TypeFlushNeighbors:
		return h.Net.FlushNeighbors(ctx, req.FlushNeighbor)
	case privsvc.TypeAddWFPBlock:
		return h.Firewall.AddBlock(ctx, req.WFPBlock)
	case privsvc.TypeDelWFPBlock:
		return h.Firewall.DelBlock(ctx, req.WFPBlock)
	case privsvc.TypeRegisterDNS:
		go h.DNS.RegisterDNS(context.WithoutCancel(ctx))
		return nil
	case privsvc.TypeAddDNSCfg:
		return h.DNS.AddDNSCfg(ctx, req.DNSCfg)
	case privsvc.TypeDelDNSCfg:
		return h.DNS.DelDNSCfg(ctx, req.DNSCfg)
	case privsvc.TypeAddWINSCfg:
		return h.DNS.AddWINSCfg(ctx, req.WINSCfg)
	case privsvc.TypeDelWINSCfg:
		return h.DNS.DelWINSCfg(ctx, req.WINSCfg)
	case privsvc.TypeEnableDHCP:
		return h.Net.EnableDHCP(ctx, req.EnableDHCP)
	case privsvc.TypeRegisterRingBuffers:
		return h.Rings.Register(ctx, engineProcess, req.RingBuffers)
	case privsvc.TypeSetMTU:
		return h.Net.SetMTU(ctx, req.SetMTU)
	default:
		return fmt.Errorf("%w: %d", privsvc.ErrMessageType, req.Header.Type)
	}
}

// newRequestPipeline composes the per-frame request path out of the
// three stages every frame passes through: decode the raw bytes,
// dispatch to an actuator, encode the ack. The composition fails only
// on protocol errors from the decode stage; handler errors travel
// inside the ack.
func newRequestPipeline(w *Worker, engineProcess uintptr) privsvc.Func[[]byte, []byte] {
	return privsvc.Compose3(
		decodeFunc{},
		&dispatchFunc{
			engineProcess: engineProcess,
			errClassifier: w.ErrClassifier,
			handlers:      w.Handlers,
			logger:        w.Logger,
			timeNow:       w.TimeNow,
		},
		encodeAckFunc,
	)
}

// decodeFunc is the codec stage: one raw frame in, one decoded request
// out. It enforces that the authoritative size field equals the bytes
// actually received before the variant decoder sees them.
type decodeFunc struct{}

var _ privsvc.Func[[]byte, privsvc.Request] = decodeFunc{}

// Call implements [privsvc.Func].
func (decodeFunc) Call(ctx context.Context, frame []byte) (privsvc.Request, error) {
	header, err := privsvc.DecodeHeader(frame)
	if err != nil {
		return privsvc.Request{}, err
	}
	if int(header.Size) != len(frame) {
		return privsvc.Request{}, fmt.Errorf(
			"%w: declared %d, received %d", privsvc.ErrMessageData, header.Size, len(frame))
	}
	return privsvc.DecodeRequest(header, frame)
}

// dispatchFunc is the actuator stage. It brackets the dispatch with
// requestStart/requestDone events and folds the handler error into the
// ack, so the stage itself never fails.
type dispatchFunc struct {
	engineProcess uintptr
	errClassifier privsvc.ErrClassifier
	handlers      *Handlers
	logger        privsvc.SLogger
	timeNow       func() time.Time
}

var _ privsvc.Func[privsvc.Request, privsvc.Ack] = &dispatchFunc{}

// Call implements [privsvc.Func].
func (d *dispatchFunc) Call(ctx context.Context, req privsvc.Request) (privsvc.Ack, error) {
	t0 := d.timeNow()
	d.logger.Info(
		"requestStart",
		slog.Uint64("type", uint64(req.Header.Type)),
		slog.Uint64("messageID", uint64(req.Header.MessageID)),
		slog.Time("t", t0),
	)
	err := d.handlers.Handle(ctx, d.engineProcess, req)
	d.logger.Info(
		"requestDone",
		slog.Uint64("type", uint64(req.Header.Type)),
		slog.Uint64("messageID", uint64(req.Header.MessageID)),
		slog.Any("err", err),
		slog.String("errClass", d.errClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", d.timeNow()),
	)
	return privsvc.NewAck(req.Header.MessageID, ackerr.Encode(err)), nil
}

// encodeAckFunc is the serialization stage.
var encodeAckFunc = privsvc.FuncAdapter[privsvc.Ack, []byte](
	func(ctx context.Context, ack privsvc.Ack) ([]byte, error) {
		return privsvc.EncodeAck(ack), nil
	})
