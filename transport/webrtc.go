package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"placeserver/logging"
	"placeserver/wire"
)

// Options configures the shared WebRTC stack.
type Options struct {
	// PortRangeMin/Max bound the ephemeral UDP ports ICE may use. Each
	// transport reserves ports out of this shared range.
	PortRangeMin uint16
	PortRangeMax uint16
	// IPOverride rewrites the given local candidate IP to a public one,
	// for servers behind 1:1 NAT. Empty means no rewrite.
	IPOverrideFrom string
	IPOverrideTo   string
	ICEServers     []webrtc.ICEServer
}

// Factory builds transports off one shared pion API instance.
type Factory struct {
	api  *webrtc.API
	conf webrtc.Configuration
}

// NewFactory assembles the media engine (Opus audio), default interceptors
// and the setting engine once; transports share them.
func NewFactory(opts Options) (*Factory, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if opts.PortRangeMin != 0 || opts.PortRangeMax != 0 {
		if err := settings.SetEphemeralUDPPortRange(opts.PortRangeMin, opts.PortRangeMax); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if opts.IPOverrideTo != "" {
		// "public/local" maps only the given local IP; a bare public IP
		// replaces every host candidate.
		mapping := opts.IPOverrideTo
		if opts.IPOverrideFrom != "" {
			mapping += "/" + opts.IPOverrideFrom
		}
		settings.SetNAT1To1IPs([]string{mapping}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)
	return &Factory{api: api, conf: webrtc.Configuration{ICEServers: opts.ICEServers}}, nil
}

// Create implements Maker.
func (f *Factory) Create() (Transport, error) {
	return f.NewTransport()
}

// WebRTCTransport is the pion-backed Transport.
type WebRTCTransport struct {
	cid wire.ClientID
	pc  *webrtc.PeerConnection

	mu           sync.Mutex
	delegate     Delegate
	channels     map[ChannelLabel]*webrtc.DataChannel
	candidates   []wire.IceCandidate
	streams      map[string]*incomingStream
	disconnected bool

	closeOnce sync.Once
}

// NewTransport creates a peer connection with the three negotiated data
// channels already open on their fixed stream ids.
func (f *Factory) NewTransport() (*WebRTCTransport, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &WebRTCTransport{
		cid:      wire.NewClientID(),
		pc:       pc,
		channels: make(map[ChannelLabel]*webrtc.DataChannel),
		streams:  make(map[string]*incomingStream),
	}

	negotiated := true
	for _, label := range Labels() {
		id := ChannelID(label)
		init := &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id}
		if !Reliable(label) {
			ordered := false
			var retransmits uint16
			init.Ordered = &ordered
			init.MaxRetransmits = &retransmits
		}
		dc, err := pc.CreateDataChannel(string(label), init)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create %s channel: %w", label, err)
		}
		t.channels[label] = dc
		t.wireChannel(label, dc)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		cand := wire.IceCandidate{SDP: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int32(*j.SDPMLineIndex)
		}
		t.mu.Lock()
		t.candidates = append(t.candidates, cand)
		t.mu.Unlock()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.handleTrack(track, receiver)
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if state == webrtc.SignalingStateStable {
			if d := t.currentDelegate(); d != nil {
				d.TransportDidBecomeStable(t)
			}
		}
	})

	pc.OnNegotiationNeeded(func() {
		if d := t.currentDelegate(); d != nil {
			d.TransportRequiresRenegotiation(t)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logging.Debug("peer connection state changed", map[string]interface{}{
			"client_id": t.cid,
			"state":     state.String(),
		})
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.notifyDisconnect()
		}
	})

	return t, nil
}

func (t *WebRTCTransport) ClientID() wire.ClientID { return t.cid }

func (t *WebRTCTransport) SetDelegate(d Delegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = d
}

func (t *WebRTCTransport) currentDelegate() Delegate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegate
}

func (t *WebRTCTransport) wireChannel(label ChannelLabel, dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if d := t.currentDelegate(); d != nil {
			d.TransportDidReceiveData(t, label, msg.Data)
		}
	})
}

func (t *WebRTCTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	direction := DirectionRecv
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			if tr.Direction() == webrtc.RTPTransceiverDirectionSendrecv {
				direction = DirectionSendRecv
			}
			break
		}
	}

	s := &incomingStream{
		owner:     t,
		track:     track,
		receiver:  receiver,
		direction: direction,
		subs:      make(map[*Forwarder]struct{}),
	}
	t.mu.Lock()
	t.streams[track.ID()] = s
	t.mu.Unlock()

	logging.Info("incoming media stream", map[string]interface{}{
		"client_id": t.cid,
		"media_id":  track.ID(),
		"codec":     track.Codec().MimeType,
	})

	go s.run()

	if d := t.currentDelegate(); d != nil {
		d.TransportDidAddStream(t, s)
	}
}

func (t *WebRTCTransport) removeStream(s *incomingStream) {
	t.mu.Lock()
	delete(t.streams, s.MediaID())
	t.mu.Unlock()
	if d := t.currentDelegate(); d != nil {
		d.TransportDidRemoveStream(t, s)
	}
}

// GenerateOffer creates and locks a local offer, waits for candidate
// gathering and returns the payload.
func (t *WebRTCTransport) GenerateOffer(ctx context.Context) (*wire.SignallingPayload, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.payloadFromLocal(), nil
}

// GenerateAnswer applies the remote offer and builds the local answer.
func (t *WebRTCTransport) GenerateAnswer(ctx context.Context, offer *wire.SignallingPayload) (*wire.SignallingPayload, error) {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	if err := t.addRemoteCandidates(offer.Candidates); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.payloadFromLocal(), nil
}

// AcceptAnswer finalises a local offer with the remote answer.
func (t *WebRTCTransport) AcceptAnswer(_ context.Context, answer *wire.SignallingPayload) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return t.addRemoteCandidates(answer.Candidates)
}

// RollbackOffer aborts a locally proposed offer.
func (t *WebRTCTransport) RollbackOffer(_ context.Context) error {
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rollback offer: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) addRemoteCandidates(candidates []wire.IceCandidate) error {
	for _, c := range candidates {
		mid := c.SDPMid
		idx := uint16(c.SDPMLineIndex)
		init := webrtc.ICECandidateInit{Candidate: c.SDP, SDPMid: &mid, SDPMLineIndex: &idx}
		if err := t.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
	}
	return nil
}

func (t *WebRTCTransport) payloadFromLocal() *wire.SignallingPayload {
	t.mu.Lock()
	candidates := append([]wire.IceCandidate(nil), t.candidates...)
	t.mu.Unlock()
	desc := t.pc.LocalDescription()
	payload := &wire.SignallingPayload{Candidates: candidates}
	if desc != nil {
		payload.SDP = desc.SDP
	}
	return payload
}

// Send writes one message to a channel. Closed or not-yet-open channels drop
// the message; the worldstate channel is lossy by contract anyway.
func (t *WebRTCTransport) Send(label ChannelLabel, payload []byte) error {
	t.mu.Lock()
	dc := t.channels[label]
	t.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("no %s channel", label)
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%s channel not open", label)
	}
	return dc.Send(payload)
}

// Disconnect closes the peer connection. Idempotent.
func (t *WebRTCTransport) Disconnect() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
		t.notifyDisconnect()
	})
	return err
}

func (t *WebRTCTransport) notifyDisconnect() {
	t.mu.Lock()
	already := t.disconnected
	t.disconnected = true
	d := t.delegate
	t.mu.Unlock()
	if already {
		return
	}
	if d != nil {
		d.TransportDidDisconnect(t)
	}
}

// PeerConnection exposes the underlying pion connection to the forwarder.
func (t *WebRTCTransport) PeerConnection() *webrtc.PeerConnection { return t.pc }
