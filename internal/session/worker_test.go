// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"testing"

	"github.com/ovpn3/privsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlob() []byte {
	return encodeBlob(`C:\work`, "--dev tun0", "secret-stdin")
}

// A complete session: startup, auth, launch, PID report, stdin
// forwarding, one request served and undone at teardown.
func TestWorkerFullSession(t *testing.T) {
	cfg := privsvc.NewConfig()
	cfg.EnginePath = `C:\engine.exe`
	ts := newTestSession(cfg, validBlob(), routeFrame(privsvc.TypeAddRoute, 5))

	ts.worker.Run(context.Background())

	// The child was launched with the blob's workdir and options and
	// the private pipe name in the spec.
	assert.Equal(t, `C:\work`, ts.launch.spec.WorkDir)
	assert.Equal(t, "--dev tun0", ts.launch.spec.Options)
	assert.Contains(t, ts.launch.spec.PipeName, "service_1")

	// PID ack went to the client; stdin reached the child.
	require.Len(t, ts.client.writes, 1)
	msgID, code := decodeAck(ts.client.writes[0])
	assert.Equal(t, uint32(4242), msgID)
	assert.Equal(t, privsvc.AckOK, code)
	assert.Equal(t, []byte("secret-stdin"), ts.child.stdin)

	// The route request was acked with success.
	require.Len(t, ts.engine.acks, 1)
	msgID, code = decodeAck(ts.engine.acks[0])
	assert.Equal(t, uint32(5), msgID)
	assert.Equal(t, privsvc.AckOK, code)

	// Teardown undid the route and closed everything.
	assert.Empty(t, ts.netAPI.routes)
	assert.Equal(t, 0, ts.ledger.Len(privsvc.KindRoute))
	assert.True(t, ts.engine.closed)
	assert.True(t, ts.client.closed)
	assert.True(t, ts.child.closed)
	assert.False(t, ts.child.terminated)
	assert.True(t, ts.auth.released)
}

// A malformed startup blob is reported and nothing is launched.
func TestWorkerMalformedStartup(t *testing.T) {
	cfg := privsvc.NewConfig()
	blob := encodeBlob(`C:\work`, "--dev tun0") // two strings, not three
	ts := newTestSession(cfg, blob)

	ts.worker.Run(context.Background())

	require.Len(t, ts.client.writes, 1)
	assert.Zero(t, ts.launch.spec.ExePath)
	assert.True(t, ts.client.closed)
}

// A disallowed option from a non-admin client stops the session before
// launch; the same option from an admin member proceeds.
func TestWorkerOptionPolicy(t *testing.T) {
	newCfg := func() *privsvc.Config {
		cfg := privsvc.NewConfig()
		cfg.CheckOption = func(opt string) bool { return opt != "--plugin" }
		return cfg
	}

	t.Run("non-admin rejected", func(t *testing.T) {
		ts := newTestSession(newCfg(), encodeBlob(`C:\work`, "--plugin evil", ""))
		ts.worker.Run(context.Background())
		assert.Zero(t, ts.launch.spec.ExePath)
	})

	t.Run("admin allowed", func(t *testing.T) {
		ts := newTestSession(newCfg(), encodeBlob(`C:\work`, "--plugin ok", ""))
		ts.auth.identity.IsAdmin = true
		ts.worker.Run(context.Background())
		assert.NotZero(t, ts.launch.spec.PipeName)
	})
}

// An unknown request type is acked with the type sentinel and mutates
// nothing.
func TestWorkerUnknownType(t *testing.T) {
	cfg := privsvc.NewConfig()
	frame := headerOnlyFrame(privsvc.RequestType(0xDEAD), privsvc.HeaderWireSize, 9)
	ts := newTestSession(cfg, validBlob(), frame)

	ts.worker.Run(context.Background())

	require.Len(t, ts.engine.acks, 1)
	msgID, code := decodeAck(ts.engine.acks[0])
	assert.Equal(t, uint32(9), msgID)
	assert.Equal(t, privsvc.AckErrMessageType, code)
	assert.Empty(t, ts.netAPI.routes)
	assert.Empty(t, ts.netAPI.addresses)
}

// A size that disagrees with the variant is acked with the data
// sentinel.
func TestWorkerSizeMismatch(t *testing.T) {
	cfg := privsvc.NewConfig()
	frame := headerOnlyFrame(privsvc.TypeAddRoute, privsvc.HeaderWireSize, 3)
	ts := newTestSession(cfg, validBlob(), frame)

	ts.worker.Run(context.Background())

	require.Len(t, ts.engine.acks, 1)
	msgID, code := decodeAck(ts.engine.acks[0])
	assert.Equal(t, uint32(3), msgID)
	assert.Equal(t, privsvc.AckErrMessageData, code)
}

// An engine declaring an oversized frame ends the session without an
// ack; the stuck child is terminated at teardown.
func TestWorkerOversizedFrame(t *testing.T) {
	cfg := privsvc.NewConfig()
	cfg.ChildExitTimeout = 0
	ts := newTestSession(cfg, validBlob())
	ts.engine.oversized = privsvc.MaxRequestWireSize + 1
	ts.child.exits = false

	ts.worker.Run(context.Background())

	assert.Empty(t, ts.engine.acks)
	assert.True(t, ts.child.terminated)
	assert.True(t, ts.child.closed)
}

// Matching add/del within one session leaves state and ledger clean.
func TestWorkerAddDelPair(t *testing.T) {
	cfg := privsvc.NewConfig()
	ts := newTestSession(cfg, validBlob(),
		routeFrame(privsvc.TypeAddRoute, 1),
		routeFrame(privsvc.TypeDelRoute, 2),
	)

	ts.worker.Run(context.Background())

	require.Len(t, ts.engine.acks, 2)
	for i, wantID := range []uint32{1, 2} {
		msgID, code := decodeAck(ts.engine.acks[i])
		assert.Equal(t, wantID, msgID)
		assert.Equal(t, privsvc.AckOK, code)
	}
	assert.Empty(t, ts.netAPI.routes)
	assert.Equal(t, 0, ts.ledger.Len(privsvc.KindRoute))
}
