package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placeserver/transport"
	"placeserver/wire"
)

type fakeStream struct {
	id        string
	direction transport.StreamDirection
}

func (f fakeStream) MediaID() string                      { return f.id }
func (f fakeStream) Direction() transport.StreamDirection { return f.direction }

type fakeTransport struct {
	cid wire.ClientID
}

func (f *fakeTransport) ClientID() wire.ClientID             { return f.cid }
func (f *fakeTransport) SetDelegate(transport.Delegate)      {}
func (f *fakeTransport) Disconnect() error                   { return nil }
func (f *fakeTransport) Send(transport.ChannelLabel, []byte) error {
	return nil
}
func (f *fakeTransport) GenerateOffer(context.Context) (*wire.SignallingPayload, error) {
	return &wire.SignallingPayload{}, nil
}
func (f *fakeTransport) GenerateAnswer(context.Context, *wire.SignallingPayload) (*wire.SignallingPayload, error) {
	return &wire.SignallingPayload{}, nil
}
func (f *fakeTransport) AcceptAnswer(context.Context, *wire.SignallingPayload) error { return nil }
func (f *fakeTransport) RollbackOffer(context.Context) error                         { return nil }

type fakeForwarder struct {
	mu      sync.Mutex
	stopped int
}

func (f *fakeForwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeForwarder) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type harness struct {
	mu         sync.Mutex
	starts     int
	failStarts bool
	forwarders []*fakeForwarder
	transports map[wire.ClientID]transport.Transport
}

func newHarness() *harness {
	return &harness{transports: make(map[wire.ClientID]transport.Transport)}
}

func (h *harness) addClient(cid wire.ClientID) transport.Transport {
	t := &fakeTransport{cid: cid}
	h.mu.Lock()
	h.transports[cid] = t
	h.mu.Unlock()
	return t
}

func (h *harness) forward(transport.IncomingStream, transport.Transport, transport.Transport) (Forwarder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failStarts {
		return nil, errors.New("induced start failure")
	}
	h.starts++
	f := &fakeForwarder{}
	h.forwarders = append(h.forwarders, f)
	return f, nil
}

func (h *harness) lookup(cid wire.ClientID) (transport.Transport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transports[cid]
	return t, ok
}

func (h *harness) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

const (
	clientA = wire.ClientID("aaaa1111-0000-0000-0000-000000000001")
	clientB = wire.ClientID("bbbb2222-0000-0000-0000-000000000002")
)

func TestForwardingStartsWhenDesiredMeetsAvailable(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	assert.Equal(t, 0, h.startCount(), "no listener yet")

	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	assert.Equal(t, 1, h.startCount())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	require.Equal(t, 1, h.startCount())

	for i := 0; i < 5; i++ {
		r.Reconcile()
	}
	assert.Equal(t, 1, h.startCount(), "unchanged inputs must not start anything")
	assert.Equal(t, 1, r.ActiveCount())
	assert.Equal(t, 0, h.forwarders[0].stopCount(), "unchanged inputs must not stop anything")
}

func TestListenerRetractionStopsForwarder(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	require.Equal(t, 1, h.startCount())

	r.SetListener("avatar-b", clientB, nil)
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 1, h.forwarders[0].stopCount(), "stop must be called exactly once")
	assert.Equal(t, 1, h.startCount())
}

func TestLostStreamStopsForwarderAndReturnRestartsIt(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	stream := fakeStream{id: "voice-mic", direction: transport.DirectionRecv}
	r.StreamAvailable(clientA, ta, stream)
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	require.Equal(t, 1, h.startCount())

	r.StreamLost(clientA, stream)
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 1, h.forwarders[0].stopCount())

	// The desire is still declared; the stream coming back restarts the
	// forwarding without any listener change.
	r.StreamAvailable(clientA, ta, stream)
	assert.Equal(t, 2, h.startCount())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestStartFailureKeepsDesireForRetry(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	h.failStarts = true
	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	assert.Equal(t, 0, r.ActiveCount())

	// Next reconcile-triggering event retries.
	h.mu.Lock()
	h.failStarts = false
	h.mu.Unlock()
	r.Reconcile()
	assert.Equal(t, 1, r.ActiveCount())
}

func TestNonRecvStreamsAreNotAvailable(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	r.StreamAvailable(clientA, ta, fakeStream{id: "playback", direction: transport.DirectionSend})
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".playback"})
	assert.Equal(t, 0, h.startCount())

	// sendrecv includes recv and is eligible.
	r.StreamAvailable(clientA, ta, fakeStream{id: "duplex", direction: transport.DirectionSendRecv})
	r.SetListener("avatar-b2", clientB, []string{clientA.Short() + ".duplex"})
	assert.Equal(t, 1, h.startCount())
}

func TestStreamNeverLoopsBackToPublisher(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)

	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	// A listens to its own stream: never forwarded.
	r.SetListener("avatar-a", clientA, []string{clientA.Short() + ".voice-mic"})
	assert.Equal(t, 0, h.startCount())
}

func TestClientGoneDropsBothSides(t *testing.T) {
	h := newHarness()
	r := NewReconciler(h.forward, h.lookup)
	ta := h.addClient(clientA)
	h.addClient(clientB)

	r.StreamAvailable(clientA, ta, fakeStream{id: "voice-mic", direction: transport.DirectionRecv})
	r.SetListener("avatar-b", clientB, []string{clientA.Short() + ".voice-mic"})
	require.Equal(t, 1, r.ActiveCount())

	r.ClientGone(clientA)
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 1, h.forwarders[0].stopCount())
}

func TestParsePlaceStreamID(t *testing.T) {
	id, err := ParsePlaceStreamID("8f4e2a10.voice-mic")
	require.NoError(t, err)
	assert.Equal(t, "8f4e2a10", id.ShortClientID)
	assert.Equal(t, "voice-mic", id.MediaID)
	assert.Equal(t, "8f4e2a10.voice-mic", id.String())

	for _, bad := range []string{"", "nodot", ".leading", "trailing.", "a.b.c"} {
		_, err := ParsePlaceStreamID(bad)
		assert.Error(t, err, "%q must not parse", bad)
	}
}
