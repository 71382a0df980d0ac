package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placeserver/transport"
	"placeserver/wire"
)

// fakeTransport records signalling calls and captures outbound channel
// traffic so tests can drive the session from both ends.
type fakeTransport struct {
	cid wire.ClientID

	mu        sync.Mutex
	delegate  transport.Delegate
	sent      []sentFrame
	offers    int
	answers   int
	accepts   int
	rollbacks int
	closed    bool
}

type sentFrame struct {
	label   transport.ChannelLabel
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{cid: wire.NewClientID()}
}

func (f *fakeTransport) ClientID() wire.ClientID { return f.cid }

func (f *fakeTransport) SetDelegate(d transport.Delegate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegate = d
}

func (f *fakeTransport) GenerateOffer(context.Context) (*wire.SignallingPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return &wire.SignallingPayload{SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeTransport) GenerateAnswer(_ context.Context, offer *wire.SignallingPayload) (*wire.SignallingPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return &wire.SignallingPayload{SDP: "answer-to-" + offer.SDP}, nil
}

func (f *fakeTransport) AcceptAnswer(context.Context, *wire.SignallingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts++
	return nil
}

func (f *fakeTransport) RollbackOffer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeTransport) Send(label transport.ChannelLabel, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{label: label, payload: payload})
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) counts() (offers, answers, accepts, rollbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.answers, f.accepts, f.rollbacks
}

// sentInteractions decodes everything written to the interactions channel.
func (f *fakeTransport) sentInteractions(t *testing.T) []wire.Interaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Interaction
	for _, frame := range f.sent {
		if frame.label != transport.ChannelInteractions {
			continue
		}
		frames, err := wire.DecodeFrames(frame.payload)
		require.NoError(t, err)
		for _, raw := range frames {
			var inter wire.Interaction
			require.NoError(t, wire.Unmarshal(raw, &inter))
			out = append(out, inter)
		}
	}
	return out
}

// deliver feeds an interaction into the session as inbound channel data.
func deliver(t *testing.T, ft *fakeTransport, inter wire.Interaction) {
	t.Helper()
	frame, err := wire.EncodeFrame(inter)
	require.NoError(t, err)
	ft.mu.Lock()
	d := ft.delegate
	ft.mu.Unlock()
	require.NotNil(t, d)
	d.TransportDidReceiveData(ft, transport.ChannelInteractions, frame)
}

type recordingDelegate struct {
	mu           sync.Mutex
	interactions []wire.Interaction
	intents      []wire.Intent
	logs         []wire.LogRecord
	disconnects  int
}

func (d *recordingDelegate) SessionDidReceiveInteraction(_ *Session, inter wire.Interaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactions = append(d.interactions, inter)
}

func (d *recordingDelegate) SessionDidReceiveIntent(_ *Session, intent wire.Intent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, intent)
}

func (d *recordingDelegate) SessionDidReceiveLogRecord(_ *Session, rec wire.LogRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, rec)
}

func (d *recordingDelegate) SessionDidAddStream(*Session, transport.IncomingStream)    {}
func (d *recordingDelegate) SessionDidRemoveStream(*Session, transport.IncomingStream) {}

func (d *recordingDelegate) SessionDidDisconnect(*Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
}

func findRenegotiateRequest(t *testing.T, ft *fakeTransport) wire.Interaction {
	t.Helper()
	var found wire.Interaction
	require.Eventually(t, func() bool {
		for _, inter := range ft.sentInteractions(t) {
			if inter.Type == wire.InteractionRequest && inter.Body.Case() == wire.CaseRenegotiate {
				found = inter
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no renegotiate request was sent")
	return found
}

func TestRequestResponseCorrelation(t *testing.T) {
	ft := newFakeTransport()
	d := &recordingDelegate{}
	s := New(ft, RoleServer, d)

	done := make(chan wire.Interaction, 1)
	go func() {
		resp, err := s.Request(context.Background(), wire.Interaction{
			SenderEntityID:   wire.PlaceEntityID,
			ReceiverEntityID: "avatar-1",
			Body:             wire.MakeBody(wire.AuthenticationRequest{}),
		})
		require.NoError(t, err)
		done <- resp
	}()

	var sent wire.Interaction
	require.Eventually(t, func() bool {
		inters := ft.sentInteractions(t)
		if len(inters) == 0 {
			return false
		}
		sent = inters[0]
		return true
	}, time.Second, 5*time.Millisecond)
	require.NotEmpty(t, sent.RequestID)

	deliver(t, ft, sent.Respond(wire.MakeBody(wire.Success{})))

	select {
	case resp := <-done:
		assert.Equal(t, wire.CaseSuccess, resp.Body.Case())
	case <-time.After(time.Second):
		t.Fatal("request was not completed by its response")
	}

	d.mu.Lock()
	assert.Empty(t, d.interactions, "a correlated response must not reach the delegate")
	d.mu.Unlock()
}

func TestRequestTimesOut(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleServer, &recordingDelegate{})
	s.requestTimeout = 50 * time.Millisecond

	_, err := s.Request(context.Background(), wire.Interaction{
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: "avatar-1",
		Body:             wire.MakeBody(wire.AuthenticationRequest{}),
	})
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestUncorrelatedTrafficReachesDelegate(t *testing.T) {
	ft := newFakeTransport()
	d := &recordingDelegate{}
	New(ft, RoleServer, d)

	deliver(t, ft, wire.Interaction{
		Type:             wire.InteractionRequest,
		SenderEntityID:   "avatar-1",
		ReceiverEntityID: wire.PlaceEntityID,
		RequestID:        "r1",
		Body:             wire.MakeBody(wire.CreateEntity{}),
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.interactions, 1)
	assert.Equal(t, wire.CaseCreateEntity, d.interactions[0].Body.Case())
}

func TestIntentAndLogChannels(t *testing.T) {
	ft := newFakeTransport()
	d := &recordingDelegate{}
	New(ft, RoleServer, d)

	intentFrame, err := wire.EncodeFrame(wire.Intent{AckStateRev: 7})
	require.NoError(t, err)
	ft.delegate.TransportDidReceiveData(ft, transport.ChannelWorldstate, intentFrame)

	logFrame, err := wire.EncodeFrame(wire.LogRecord{Level: "info", Message: "hello"})
	require.NoError(t, err)
	ft.delegate.TransportDidReceiveData(ft, transport.ChannelLogs, logFrame)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.intents, 1)
	assert.Equal(t, uint64(7), d.intents[0].AckStateRev)
	require.Len(t, d.logs, 1)
	assert.Equal(t, "hello", d.logs[0].Message)
}

func TestGarbageFramesAreDropped(t *testing.T) {
	ft := newFakeTransport()
	d := &recordingDelegate{}
	New(ft, RoleServer, d)

	ft.delegate.TransportDidReceiveData(ft, transport.ChannelInteractions, []byte{0xff, 0x01})
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.interactions)
}

func TestRemoteOfferIsAnsweredWhenStable(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleServer, &recordingDelegate{})

	deliver(t, ft, wire.Interaction{
		Type:             wire.InteractionRequest,
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: wire.PlaceEntityID,
		RequestID:        "neg-1",
		Body: wire.MakeBody(wire.Renegotiate{
			Direction: wire.RenegotiateOffer,
			Payload:   wire.SignallingPayload{SDP: "remote-offer"},
		}),
	})

	require.Eventually(t, func() bool {
		for _, inter := range ft.sentInteractions(t) {
			if inter.IsResponse() && inter.RequestID == "neg-1" && inter.Body.Case() == wire.CaseRenegotiate {
				var reneg wire.Renegotiate
				require.NoError(t, inter.Body.Decode(&reneg))
				return reneg.Direction == wire.RenegotiateAnswer && reneg.Payload.SDP == "answer-to-remote-offer"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.HasOutstandingOffer())
}

func TestLocalRenegotiationRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleServer, &recordingDelegate{})

	s.Renegotiate()
	req := findRenegotiateRequest(t, ft)

	deliver(t, ft, req.Respond(wire.MakeBody(wire.Renegotiate{
		Direction: wire.RenegotiateAnswer,
		Payload:   wire.SignallingPayload{SDP: "their-answer"},
	})))

	require.Eventually(t, func() bool {
		_, _, accepts, _ := ft.counts()
		return accepts == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.HasOutstandingOffer())
}

func TestGlareImpoliteServerDiscardsRemoteOffer(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleServer, &recordingDelegate{})

	s.Renegotiate()
	req := findRenegotiateRequest(t, ft)

	// Remote offer crosses ours mid-flight.
	deliver(t, ft, wire.Interaction{
		Type:             wire.InteractionRequest,
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: wire.PlaceEntityID,
		RequestID:        "their-neg",
		Body: wire.MakeBody(wire.Renegotiate{
			Direction: wire.RenegotiateOffer,
			Payload:   wire.SignallingPayload{SDP: "their-offer"},
		}),
	})

	// The impolite side rejects it and keeps its own offer alive.
	require.Eventually(t, func() bool {
		for _, inter := range ft.sentInteractions(t) {
			if inter.IsResponse() && inter.RequestID == "their-neg" && inter.Body.Case() == wire.CaseError {
				var e wire.ErrorBody
				require.NoError(t, inter.Body.Decode(&e))
				return e.Code == "discardedRenegotiation"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.HasOutstandingOffer())

	// Its own round still completes.
	deliver(t, ft, req.Respond(wire.MakeBody(wire.Renegotiate{
		Direction: wire.RenegotiateAnswer,
		Payload:   wire.SignallingPayload{SDP: "late-answer"},
	})))
	require.Eventually(t, func() bool {
		_, answers, accepts, rollbacks := ft.counts()
		return accepts == 1 && answers == 0 && rollbacks == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGlarePoliteClientRollsBack(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleClient, &recordingDelegate{})

	s.Renegotiate()
	findRenegotiateRequest(t, ft)

	deliver(t, ft, wire.Interaction{
		Type:             wire.InteractionRequest,
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: wire.PlaceEntityID,
		RequestID:        "server-neg",
		Body: wire.MakeBody(wire.Renegotiate{
			Direction: wire.RenegotiateOffer,
			Payload:   wire.SignallingPayload{SDP: "server-offer"},
		}),
	})

	// The polite side rolls its offer back and answers the remote one.
	require.Eventually(t, func() bool {
		offers, answers, _, rollbacks := ft.counts()
		return offers == 1 && answers == 1 && rollbacks == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, inter := range ft.sentInteractions(t) {
			if inter.IsResponse() && inter.RequestID == "server-neg" && inter.Body.Case() == wire.CaseRenegotiate {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.HasOutstandingOffer())

	// The discarded-renegotiation reply for the abandoned offer must not
	// trigger a second rollback.
	var req wire.Interaction
	for _, inter := range ft.sentInteractions(t) {
		if inter.Type == wire.InteractionRequest && inter.Body.Case() == wire.CaseRenegotiate {
			req = inter
		}
	}
	deliver(t, ft, req.Respond(wire.MakeBody(wire.ErrorBody{
		Domain: "place", Code: "discardedRenegotiation",
	})))
	time.Sleep(50 * time.Millisecond)
	_, _, _, rollbacks := ft.counts()
	assert.Equal(t, 1, rollbacks)
}

func TestQueuedRenegotiationRunsAfterStable(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, RoleServer, &recordingDelegate{})

	s.Renegotiate()
	req := findRenegotiateRequest(t, ft)

	// A second request while offering is queued, not started.
	s.Renegotiate()
	offers, _, _, _ := ft.counts()
	assert.Equal(t, 1, offers)

	deliver(t, ft, req.Respond(wire.MakeBody(wire.Renegotiate{
		Direction: wire.RenegotiateAnswer,
		Payload:   wire.SignallingPayload{SDP: "first-answer"},
	})))

	// Returning to stable kicks the queued round.
	require.Eventually(t, func() bool {
		offers, _, _, _ := ft.counts()
		return offers == 2
	}, time.Second, 5*time.Millisecond)
}
