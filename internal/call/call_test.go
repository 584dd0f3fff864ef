package call_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/tandem/internal/call"
	"github.com/sebas/tandem/internal/endpoint/local"
	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// newLocalPair builds a manager with one auto-answering local endpoint.
func newLocalPair(t *testing.T, opts ...local.Option) (*call.Manager, *local.Endpoint) {
	t.Helper()
	m := call.NewManager()
	ep := local.NewEndpoint(m, append([]local.Option{local.WithAutoAnswer(true)}, opts...)...)
	m.RegisterEndpoint(ep)
	return m, ep
}

// legs returns the call's two local legs in attachment order.
func legs(t *testing.T, c *call.Call) (*local.Connection, *local.Connection) {
	t.Helper()
	conns := c.EnumerateConnections(nil)
	require.Len(t, conns, 2)
	a, ok := conns[0].(*local.Connection)
	require.True(t, ok)
	b, ok := conns[1].(*local.Connection)
	require.True(t, ok)
	return a, b
}

func TestCallEstablishment(t *testing.T) {
	m, _ := newLocalPair(t)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	require.True(t, c.IsEstablished())

	a, b := legs(t, c)
	assert.Equal(t, call.PhaseEstablished, a.Phase())
	assert.Equal(t, call.PhaseEstablished, b.Phase())
	assert.Equal(t, "local:alice", c.PartyA())
	assert.Equal(t, "local:bob", c.PartyB())
	assert.Equal(t, 1, m.CallCount())

	c.ClearSync(call.EndReasonLocalUser)
	assert.Equal(t, 0, m.CallCount())
}

func TestCallMediaFlows(t *testing.T) {
	m, _ := newLocalPair(t)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	a, b := legs(t, c)

	aSrc, ok := a.GetMediaStream(format.DefaultAudioSessionID, true).(*media.QueueStream)
	require.True(t, ok, "A has no source stream")
	bSink, ok := b.GetMediaStream(format.DefaultAudioSessionID, false).(*media.QueueStream)
	require.True(t, ok, "B has no sink stream")

	// Both legs offer PCMU first, so no transcoding happens
	assert.Equal(t, format.PCMU.Name, aSrc.Format().Name)
	assert.Equal(t, format.PCMU.Name, bSink.Format().Name)

	frame := media.Frame{PayloadType: 0, Timestamp: 160, Payload: []byte{1, 2, 3}}
	require.NoError(t, aSrc.PushFrame(frame))

	deadline := time.After(time.Second)
	for {
		if got, ok := bSink.PopFrame(); ok {
			assert.Equal(t, frame.Payload, got.Payload)
			break
		}
		select {
		case <-deadline:
			t.Fatal("frame never reached B")
		case <-time.After(time.Millisecond):
		}
	}

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallTranscodedMedia(t *testing.T) {
	m := call.NewManager()
	ulaw := local.NewEndpoint(m,
		local.WithPrefix("ulaw"),
		local.WithFormats(format.NewList(format.PCMU)),
		local.WithAutoAnswer(true))
	alaw := local.NewEndpoint(m,
		local.WithPrefix("alaw"),
		local.WithFormats(format.NewList(format.PCMA)),
		local.WithAutoAnswer(true))
	m.RegisterEndpoint(ulaw)
	m.RegisterEndpoint(alaw)

	c, err := m.SetUpCall("ulaw:alice", "alaw:bob", nil)
	require.NoError(t, err)
	require.True(t, c.IsEstablished())

	a, b := legs(t, c)
	aSrc, ok := a.GetMediaStream(format.DefaultAudioSessionID, true).(*media.QueueStream)
	require.True(t, ok)
	bSink, ok := b.GetMediaStream(format.DefaultAudioSessionID, false).(*media.QueueStream)
	require.True(t, ok)

	assert.Equal(t, format.PCMU.Name, aSrc.Format().Name)
	assert.Equal(t, format.PCMA.Name, bSink.Format().Name)

	payload := []byte{0x10, 0x20, 0x30, 0x40}
	require.NoError(t, aSrc.PushFrame(media.Frame{
		PayloadType: format.PCMU.PayloadType,
		Payload:     payload,
	}))

	deadline := time.After(time.Second)
	for {
		if got, ok := bSink.PopFrame(); ok {
			assert.Equal(t, format.PCMA.PayloadType, got.PayloadType)
			assert.Len(t, got.Payload, len(payload))
			break
		}
		select {
		case <-deadline:
			t.Fatal("transcoded frame never reached B")
		case <-time.After(time.Millisecond):
		}
	}

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallNegotiationFailureRollsBack(t *testing.T) {
	m := call.NewManager()
	a := local.NewEndpoint(m,
		local.WithPrefix("a"),
		local.WithFormats(format.NewList(format.PCMU)),
		local.WithAutoAnswer(true))
	b := local.NewEndpoint(m,
		local.WithPrefix("b"),
		local.WithFormats(format.NewList(format.G729)),
		local.WithAutoAnswer(true))
	m.RegisterEndpoint(a)
	m.RegisterEndpoint(b)

	c, err := m.SetUpCall("a:x", "b:y", nil)
	require.NoError(t, err)

	// Signaling succeeds but no media flow can be negotiated and no
	// half-wired streams are left behind.
	legA, legB := legs(t, c)
	assert.Nil(t, legA.GetMediaStream(format.DefaultAudioSessionID, true))
	assert.Nil(t, legB.GetMediaStream(format.DefaultAudioSessionID, false))

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallLegReleaseCollapsesCall(t *testing.T) {
	var cleared int
	m := call.NewManager(call.WithOnClearedCall(func(*call.Call) { cleared++ }))
	ep := local.NewEndpoint(m, local.WithAutoAnswer(true))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	a, b := legs(t, c)

	a.Release(call.EndReasonRemoteUser)

	assert.Equal(t, call.PhaseReleased, a.Phase())
	assert.Equal(t, call.PhaseReleased, b.Phase())
	assert.Equal(t, call.EndReasonRemoteUser, c.EndReason())
	assert.Equal(t, 0, m.CallCount())
	assert.Equal(t, 1, cleared)
}

func TestCallEndReasonFirstWriterWins(t *testing.T) {
	m, _ := newLocalPair(t)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	a, _ := legs(t, c)

	a.Release(call.EndReasonRemoteBusy)
	// The cascade already recorded RemoteBusy; a later reason is ignored
	c.SetCallEndReason(call.EndReasonLocalUser)

	assert.Equal(t, call.EndReasonRemoteBusy, c.EndReason())
}

func TestCallReleaseIdempotent(t *testing.T) {
	var cleared int
	m := call.NewManager(call.WithOnClearedCall(func(*call.Call) { cleared++ }))
	ep := local.NewEndpoint(m, local.WithAutoAnswer(true))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	a, b := legs(t, c)

	for i := 0; i < 3; i++ {
		a.Release(call.EndReasonLocalUser)
		b.Release(call.EndReasonLocalUser)
	}

	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, m.CallCount())
}

func TestCallClearTwiceFiresClearedOnce(t *testing.T) {
	var cleared int
	m := call.NewManager(call.WithOnClearedCall(func(*call.Call) { cleared++ }))
	ep := local.NewEndpoint(m, local.WithAutoAnswer(true))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)

	c.ClearSync(call.EndReasonLocalUser)
	// A second clear must not rerun teardown, only wake its own waiter
	c.ClearSync(call.EndReasonLocalUser)
	c.Clear(call.EndReasonLocalUser, nil)

	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, m.CallCount())
}

func TestCallThreeLegCascade(t *testing.T) {
	var cleared int
	m := call.NewManager(call.WithOnClearedCall(func(*call.Call) { cleared++ }))
	ep := local.NewEndpoint(m, local.WithAutoAnswer(true))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	require.True(t, c.IsEstablished())

	third, err := m.MakeConnection(c, "local:carol", nil)
	require.NoError(t, err)
	require.NoError(t, third.SetUpConnection())

	conns := c.EnumerateConnections(nil)
	require.Len(t, conns, 3)
	a, b := conns[0], conns[1]

	// Dropping one of three legs leaves the call running
	a.Release(call.EndReasonRemoteUser)
	assert.Len(t, c.EnumerateConnections(nil), 2)
	assert.Equal(t, 0, cleared)

	// Dropping the second releases the lone survivor with the same
	// reason and clears the call exactly once
	b.Release(call.EndReasonRemoteUser)

	assert.Equal(t, call.PhaseReleased, third.Phase())
	assert.Equal(t, call.EndReasonRemoteUser, third.EndReason())
	assert.Equal(t, call.EndReasonRemoteUser, c.EndReason())
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, m.CallCount())
}

func TestCallRejectedByDestination(t *testing.T) {
	m := call.NewManager()
	ep := local.NewEndpoint(m,
		local.WithOnIncoming(func(c *local.Connection) { c.Reject() }))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)

	assert.False(t, c.IsEstablished())
	assert.Equal(t, call.EndReasonRefusal, c.EndReason())
	assert.Equal(t, 0, m.CallCount())
}

func TestCallManualAnswer(t *testing.T) {
	var ringing *local.Connection
	m := call.NewManager()
	ep := local.NewEndpoint(m,
		local.WithOnIncoming(func(c *local.Connection) { ringing = c }))
	m.RegisterEndpoint(ep)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	require.NotNil(t, ringing)
	assert.False(t, c.IsEstablished())
	assert.Equal(t, call.PhaseAlerting, ringing.Phase())

	require.NoError(t, ringing.Answer())
	assert.True(t, c.IsEstablished())

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallToneRelay(t *testing.T) {
	m, _ := newLocalPair(t)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)
	a, b := legs(t, c)

	a.PressTone('5', 100*time.Millisecond)

	select {
	case tone := <-b.Tones():
		assert.Equal(t, '5', tone.Tone)
		assert.Equal(t, 100*time.Millisecond, tone.Duration)
	case <-time.After(time.Second):
		t.Fatal("tone never relayed to B")
	}

	// The sender does not hear its own tone
	select {
	case tone := <-a.Tones():
		t.Fatalf("tone %q echoed back to sender", tone.Tone)
	default:
	}

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallHold(t *testing.T) {
	m, _ := newLocalPair(t)

	c, err := m.SetUpCall("local:alice", "local:bob", nil)
	require.NoError(t, err)

	assert.False(t, c.IsOnHold())
	require.NoError(t, c.Hold(true))
	assert.True(t, c.IsOnHold())
	require.NoError(t, c.Hold(false))
	assert.False(t, c.IsOnHold())

	c.ClearSync(call.EndReasonLocalUser)
}

func TestCallGetMediaFormats(t *testing.T) {
	m := call.NewManager()
	wide := local.NewEndpoint(m,
		local.WithPrefix("wide"),
		local.WithFormats(format.NewList(format.PCMU, format.PCMA)),
		local.WithAutoAnswer(true))
	narrow := local.NewEndpoint(m,
		local.WithPrefix("narrow"),
		local.WithFormats(format.NewList(format.PCMU)),
		local.WithAutoAnswer(true))
	m.RegisterEndpoint(wide)
	m.RegisterEndpoint(narrow)

	c, err := m.SetUpCall("wide:alice", "narrow:bob", nil)
	require.NoError(t, err)
	a, _ := legs(t, c)

	// What A can receive: B's PCMU expanded through the G.711 chain
	got := c.GetMediaFormats(a)
	assert.Equal(t, []string{"PCMU", "L16", "PCMA"}, got.Names())

	c.ClearSync(call.EndReasonLocalUser)
}

func TestManagerRouting(t *testing.T) {
	m, _ := newLocalPair(t)

	_, ok := m.FindEndpoint("local")
	assert.True(t, ok)
	_, ok = m.FindEndpoint("sip")
	assert.False(t, ok)

	_, err := m.SetUpCall("h323:alice", "local:bob", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, m.CallCount())

	_, err = m.SetUpCall("noprefix", "local:bob", nil)
	assert.Error(t, err)
}

func TestManagerShutdownClearsCalls(t *testing.T) {
	m, _ := newLocalPair(t)

	_, err := m.SetUpCall("local:a", "local:b", nil)
	require.NoError(t, err)
	_, err = m.SetUpCall("local:c", "local:d", nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.CallCount())

	m.Shutdown()
	assert.Equal(t, 0, m.CallCount())
}

// stuckConn never completes its release, keeping a synchronous Clear
// waiter pending.
type stuckConn struct {
	*call.BaseConnection
}

func (s *stuckConn) OnReleased() {}

func TestCallSecondSyncClearPanics(t *testing.T) {
	m, _ := newLocalPair(t)
	c := m.CreateCall()

	sc := &stuckConn{}
	sc.BaseConnection = call.NewBaseConnection(sc, c, call.KindIVR, "stuck")
	c.AddConnection(sc)

	c.Clear(call.EndReasonLocalUser, make(chan struct{}))

	assert.Panics(t, func() {
		c.Clear(call.EndReasonLocalUser, make(chan struct{}))
	})
}

func TestCallClearEmptyCall(t *testing.T) {
	m, _ := newLocalPair(t)
	c := m.CreateCall()

	done := make(chan struct{})
	c.Clear(call.EndReasonLocalUser, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sync waiter never signalled for empty call")
	}
	assert.Equal(t, 0, m.CallCount())
}
