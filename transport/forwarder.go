package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"placeserver/logging"
)

// incomingStream owns the single RTP reader for one remote track and fans
// packets out to every subscribed forwarder. Splitting ReadRTP across
// consumers would split the packet stream, so subscription is the only way
// to consume it.
type incomingStream struct {
	owner     *WebRTCTransport
	track     *webrtc.TrackRemote
	receiver  *webrtc.RTPReceiver
	direction StreamDirection

	mu   sync.Mutex
	subs map[*Forwarder]struct{}
	gone bool
}

func (s *incomingStream) MediaID() string            { return s.track.ID() }
func (s *incomingStream) Direction() StreamDirection { return s.direction }

func (s *incomingStream) run() {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			break
		}
		s.mu.Lock()
		for f := range s.subs {
			f.writePacket(pkt)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.gone = true
	subs := make([]*Forwarder, 0, len(s.subs))
	for f := range s.subs {
		subs = append(subs, f)
	}
	s.mu.Unlock()

	for _, f := range subs {
		f.Stop()
	}
	s.owner.removeStream(s)
}

func (s *incomingStream) subscribe(f *Forwarder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return errors.New("stream has ended")
	}
	s.subs[f] = struct{}{}
	return nil
}

func (s *incomingStream) unsubscribe(f *Forwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, f)
}

// Forwarder relays one incoming RTP stream to one receiving transport. It
// lives on transport worker goroutines and talks to the core only through
// Stop and the error counters.
type Forwarder struct {
	stream *incomingStream
	from   *WebRTCTransport
	to     *WebRTCTransport

	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	packets     atomic.Uint64
	lastError   atomic.Value // string
	lastErrorAt atomic.Int64 // unix nanos

	stopOnce sync.Once
	stopped  chan struct{}
}

// Forward starts relaying a stream between two transports. The outgoing
// track is named by the place-wide stream id so receivers can match it to
// LiveMedia media ids. Forwarding a stream back to its own sender is
// forbidden.
func Forward(stream IncomingStream, from, to Transport) (*Forwarder, error) {
	if from == to {
		return nil, errors.New("refusing to forward a stream back to its sender")
	}
	in, ok := stream.(*incomingStream)
	if !ok {
		return nil, fmt.Errorf("stream %s is not a webrtc stream", stream.MediaID())
	}
	fromT, ok := from.(*WebRTCTransport)
	if !ok {
		return nil, errors.New("sender transport is not a webrtc transport")
	}
	toT, ok := to.(*WebRTCTransport)
	if !ok {
		return nil, errors.New("receiver transport is not a webrtc transport")
	}
	if !in.Direction().IncludesRecv() {
		return nil, fmt.Errorf("stream %s is not received by the server", stream.MediaID())
	}

	placeStreamID := fromT.ClientID().Short() + "." + in.MediaID()
	local, err := webrtc.NewTrackLocalStaticRTP(
		in.track.Codec().RTPCodecCapability,
		placeStreamID,
		fromT.ClientID().Short(),
	)
	if err != nil {
		return nil, fmt.Errorf("create outgoing track: %w", err)
	}
	sender, err := toT.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add outgoing track: %w", err)
	}

	f := &Forwarder{
		stream:  in,
		from:    fromT,
		to:      toT,
		local:   local,
		sender:  sender,
		stopped: make(chan struct{}),
	}
	if err := in.subscribe(f); err != nil {
		_ = toT.pc.RemoveTrack(sender)
		return nil, err
	}

	go f.relayRTCP()

	logging.Info("forwarder started", map[string]interface{}{
		"stream": placeStreamID,
		"from":   fromT.ClientID(),
		"to":     toT.ClientID(),
	})
	return f, nil
}

func (f *Forwarder) writePacket(pkt *rtp.Packet) {
	if err := f.local.WriteRTP(pkt); err != nil {
		f.recordError(err)
		return
	}
	f.packets.Add(1)
}

func (f *Forwarder) recordError(err error) {
	f.lastError.Store(err.Error())
	f.lastErrorAt.Store(time.Now().UnixNano())
}

// relayRTCP reads receiver-side RTCP (and drains the sender) so feedback
// like PLI reaches the publisher. Audio-only places rarely see these, but
// the relay keeps forwarding correct for feedback-bearing codecs.
func (f *Forwarder) relayRTCP() {
	for {
		select {
		case <-f.stopped:
			return
		default:
		}
		pkts, _, err := f.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				p.MediaSSRC = uint32(f.stream.track.SSRC())
				if err := f.from.pc.WriteRTCP([]rtcp.Packet{p}); err != nil {
					f.recordError(err)
				}
			case *rtcp.FullIntraRequest:
				p.MediaSSRC = uint32(f.stream.track.SSRC())
				if err := f.from.pc.WriteRTCP([]rtcp.Packet{p}); err != nil {
					f.recordError(err)
				}
			}
		}
	}
}

// Stop unsubscribes from the source and removes the outgoing track.
// Idempotent.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
		f.stream.unsubscribe(f)
		if err := f.to.pc.RemoveTrack(f.sender); err != nil {
			logging.Debug("remove forwarded track", map[string]interface{}{
				"to":    f.to.ClientID(),
				"error": err.Error(),
			})
		}
	})
}

// PacketsForwarded reports the relayed packet count.
func (f *Forwarder) PacketsForwarded() uint64 { return f.packets.Load() }

// LastError reports the most recent relay error, if any.
func (f *Forwarder) LastError() (string, time.Time, bool) {
	v := f.lastError.Load()
	if v == nil {
		return "", time.Time{}, false
	}
	return v.(string), time.Unix(0, f.lastErrorAt.Load()), true
}
