// Package transport abstracts a single peer connection: signalling, the
// three fixed data channels, and incoming/outgoing media. The production
// implementation wraps a pion WebRTC peer connection; tests substitute
// fakes.
package transport

import (
	"context"

	"placeserver/wire"
)

// ChannelLabel names one of the reserved data channels.
type ChannelLabel string

const (
	// ChannelInteractions carries Interaction values, reliable and
	// ordered, negotiated stream id 1.
	ChannelInteractions ChannelLabel = "interactions"
	// ChannelWorldstate carries PlaceChangeSet (server to client) and
	// Intent (client to server), unreliable and unordered, stream id 2.
	ChannelWorldstate ChannelLabel = "worldstate"
	// ChannelLogs carries stored log records, reliable, stream id 3.
	ChannelLogs ChannelLabel = "logs"
)

// ChannelID returns the negotiated SCTP stream id for a label. Both sides
// open matching negotiated channels, so no channel metadata is exchanged.
func ChannelID(label ChannelLabel) uint16 {
	switch label {
	case ChannelInteractions:
		return 1
	case ChannelWorldstate:
		return 2
	case ChannelLogs:
		return 3
	}
	return 0
}

// Labels lists the reserved channels in id order.
func Labels() []ChannelLabel {
	return []ChannelLabel{ChannelInteractions, ChannelWorldstate, ChannelLogs}
}

// Reliable reports whether a channel retransmits.
func Reliable(label ChannelLabel) bool { return label != ChannelWorldstate }

// StreamDirection describes a media stream from the server's perspective.
type StreamDirection string

const (
	DirectionRecv     StreamDirection = "recv"
	DirectionSend     StreamDirection = "send"
	DirectionSendRecv StreamDirection = "sendrecv"
)

// IncludesRecv reports whether the server receives media on the stream.
// Only such streams are eligible to be forwarded.
func (d StreamDirection) IncludesRecv() bool {
	return d == DirectionRecv || d == DirectionSendRecv
}

// IncomingStream is a media track arriving on a transport.
type IncomingStream interface {
	// MediaID is the sender-local track label (no dots).
	MediaID() string
	Direction() StreamDirection
}

// Delegate receives transport events. Callbacks arrive on transport-internal
// goroutines; implementations post onto their own scheduler.
type Delegate interface {
	TransportDidReceiveData(t Transport, label ChannelLabel, data []byte)
	TransportDidAddStream(t Transport, stream IncomingStream)
	TransportDidRemoveStream(t Transport, stream IncomingStream)
	// TransportDidBecomeStable fires when the signalling machine reaches
	// the stable state, unblocking queued renegotiations.
	TransportDidBecomeStable(t Transport)
	// TransportRequiresRenegotiation fires when local media changes need
	// a new offer/answer round.
	TransportRequiresRenegotiation(t Transport)
	TransportDidDisconnect(t Transport)
}

// Maker creates transports; the orchestrator holds one per place.
type Maker interface {
	Create() (Transport, error)
}

// Transport wraps one peer connection.
type Transport interface {
	ClientID() wire.ClientID
	SetDelegate(d Delegate)

	// GenerateOffer suspends until the local description is locked and
	// candidate gathering completes.
	GenerateOffer(ctx context.Context) (*wire.SignallingPayload, error)
	// GenerateAnswer applies the remote offer and builds the answer.
	GenerateAnswer(ctx context.Context, offer *wire.SignallingPayload) (*wire.SignallingPayload, error)
	// AcceptAnswer finalises the local-offer side.
	AcceptAnswer(ctx context.Context, answer *wire.SignallingPayload) error
	// RollbackOffer aborts a locally proposed offer.
	RollbackOffer(ctx context.Context) error

	// Send is non-blocking best effort; reliability follows the channel.
	Send(label ChannelLabel, payload []byte) error

	// Disconnect is idempotent.
	Disconnect() error
}
