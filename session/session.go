// Package session frames typed messages over a transport's data channels
// and runs the per-connection renegotiation state machine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"placeserver/logging"
	"placeserver/transport"
	"placeserver/wire"
)

// DefaultRequestTimeout bounds every request/response pair.
const DefaultRequestTimeout = 10 * time.Second

// ErrRequestTimeout reports that no response arrived in time.
var ErrRequestTimeout = errors.New("request timed out")

// Role decides glare behaviour during renegotiation: the server side is
// impolite, the client side is polite.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type negotiationState int

const (
	negStable negotiationState = iota
	negOffering
	negAnswering
)

// Delegate receives decoded session traffic and lifecycle events.
type Delegate interface {
	// SessionDidReceiveInteraction delivers interactions that are not
	// renegotiation traffic and do not complete an outstanding request.
	SessionDidReceiveInteraction(s *Session, inter wire.Interaction)
	SessionDidReceiveIntent(s *Session, intent wire.Intent)
	SessionDidReceiveLogRecord(s *Session, rec wire.LogRecord)
	SessionDidAddStream(s *Session, stream transport.IncomingStream)
	SessionDidRemoveStream(s *Session, stream transport.IncomingStream)
	SessionDidDisconnect(s *Session)
}

// Session binds one transport and provides typed messaging on top of it.
type Session struct {
	transport transport.Transport
	role      Role
	delegate  Delegate

	requestTimeout time.Duration

	mu          sync.Mutex
	outstanding map[string]chan wire.Interaction

	state                        negotiationState
	needsRenegotiationWhenStable bool
	// offerAbandoned marks a local offer that lost a glare: the polite
	// side already rolled it back, so whatever answer still arrives for
	// it must be ignored.
	offerAbandoned bool
}

// New wraps a transport. The session installs itself as the transport's
// delegate.
func New(t transport.Transport, role Role, delegate Delegate) *Session {
	s := &Session{
		transport:      t,
		role:           role,
		delegate:       delegate,
		requestTimeout: DefaultRequestTimeout,
		outstanding:    make(map[string]chan wire.Interaction),
	}
	t.SetDelegate(s)
	return s
}

// ClientID returns the bound transport's client id.
func (s *Session) ClientID() wire.ClientID { return s.transport.ClientID() }

// Transport returns the bound transport.
func (s *Session) Transport() transport.Transport { return s.transport }

// SendInteraction writes an interaction to the interactions channel.
func (s *Session) SendInteraction(inter wire.Interaction) error {
	frame, err := wire.EncodeFrame(inter)
	if err != nil {
		return err
	}
	return s.transport.Send(transport.ChannelInteractions, frame)
}

// SendChangeSet writes a change set to the unreliable worldstate channel.
func (s *Session) SendChangeSet(set wire.PlaceChangeSet) error {
	frame, err := wire.EncodeFrame(set)
	if err != nil {
		return err
	}
	return s.transport.Send(transport.ChannelWorldstate, frame)
}

// Respond answers a request with the given body.
func (s *Session) Respond(to wire.Interaction, body wire.Body) error {
	return s.SendInteraction(to.Respond(body))
}

// Request sends a request interaction and suspends until the response
// arrives, the timeout fires or the context is cancelled. The request id is
// assigned if empty.
func (s *Session) Request(ctx context.Context, inter wire.Interaction) (wire.Interaction, error) {
	inter.Type = wire.InteractionRequest
	if inter.RequestID == "" {
		inter.RequestID = uuid.NewString()
	}

	waker := make(chan wire.Interaction, 1)
	s.mu.Lock()
	s.outstanding[inter.RequestID] = waker
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.outstanding, inter.RequestID)
		s.mu.Unlock()
	}()

	if err := s.SendInteraction(inter); err != nil {
		return wire.Interaction{}, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()
	select {
	case resp := <-waker:
		return resp, nil
	case <-timer.C:
		return wire.Interaction{}, ErrRequestTimeout
	case <-ctx.Done():
		return wire.Interaction{}, ctx.Err()
	}
}

// completeRequest resolves an outstanding request, reporting whether one was
// waiting.
func (s *Session) completeRequest(resp wire.Interaction) bool {
	s.mu.Lock()
	waker, ok := s.outstanding[resp.RequestID]
	if ok {
		delete(s.outstanding, resp.RequestID)
	}
	s.mu.Unlock()
	if ok {
		waker <- resp
	}
	return ok
}

// Disconnect tears the transport down.
func (s *Session) Disconnect() error {
	return s.transport.Disconnect()
}

// TransportDidReceiveData decodes the per-channel payloads. Decode failures
// are logged and the offending message dropped.
func (s *Session) TransportDidReceiveData(_ transport.Transport, label transport.ChannelLabel, data []byte) {
	frames, err := wire.DecodeFrames(data)
	if err != nil {
		logging.Warn("undecodable channel message", map[string]interface{}{
			"client_id": s.ClientID(),
			"channel":   label,
			"error":     err.Error(),
		})
		return
	}
	for _, frame := range frames {
		s.dispatchFrame(label, frame)
	}
}

func (s *Session) dispatchFrame(label transport.ChannelLabel, frame []byte) {
	switch label {
	case transport.ChannelInteractions:
		var inter wire.Interaction
		if err := wire.Unmarshal(frame, &inter); err != nil {
			logging.Warn("undecodable interaction", map[string]interface{}{
				"client_id": s.ClientID(),
				"error":     err.Error(),
			})
			return
		}
		s.routeInteraction(inter)
	case transport.ChannelWorldstate:
		var intent wire.Intent
		if err := wire.Unmarshal(frame, &intent); err != nil {
			logging.Warn("undecodable intent", map[string]interface{}{
				"client_id": s.ClientID(),
				"error":     err.Error(),
			})
			return
		}
		s.delegate.SessionDidReceiveIntent(s, intent)
	case transport.ChannelLogs:
		var rec wire.LogRecord
		if err := wire.Unmarshal(frame, &rec); err != nil {
			logging.Warn("undecodable log record", map[string]interface{}{
				"client_id": s.ClientID(),
				"error":     err.Error(),
			})
			return
		}
		s.delegate.SessionDidReceiveLogRecord(s, rec)
	}
}

func (s *Session) routeInteraction(inter wire.Interaction) {
	// Renegotiation offers are internal session traffic and never reach
	// the interaction router.
	if inter.Body.Case() == wire.CaseRenegotiate && inter.Type == wire.InteractionRequest {
		s.handleRemoteRenegotiate(inter)
		return
	}
	if inter.IsResponse() && s.completeRequest(inter) {
		return
	}
	s.delegate.SessionDidReceiveInteraction(s, inter)
}

func (s *Session) TransportDidAddStream(_ transport.Transport, stream transport.IncomingStream) {
	s.delegate.SessionDidAddStream(s, stream)
}

func (s *Session) TransportDidRemoveStream(_ transport.Transport, stream transport.IncomingStream) {
	s.delegate.SessionDidRemoveStream(s, stream)
}

func (s *Session) TransportDidBecomeStable(transport.Transport) {
	s.mu.Lock()
	kick := s.state == negStable && s.needsRenegotiationWhenStable
	s.mu.Unlock()
	if kick {
		s.Renegotiate()
	}
}

func (s *Session) TransportRequiresRenegotiation(transport.Transport) {
	s.Renegotiate()
}

func (s *Session) TransportDidDisconnect(transport.Transport) {
	s.delegate.SessionDidDisconnect(s)
}
