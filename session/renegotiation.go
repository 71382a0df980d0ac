package session

import (
	"context"

	"placeserver/logging"
	"placeserver/wire"
)

// Renegotiation travels over the interactions channel because the HTTP
// handshake is gone once the connection is up. Both sides may want to offer
// at the same time; the polite client rolls back, the impolite server
// rejects the remote offer with discardedRenegotiation.

// Renegotiate requests an offer/answer round. While the machine is not
// stable the request is remembered and re-kicked on the next stable
// transition.
func (s *Session) Renegotiate() {
	s.mu.Lock()
	if s.state != negStable {
		s.needsRenegotiationWhenStable = true
		s.mu.Unlock()
		return
	}
	s.state = negOffering
	s.mu.Unlock()
	go s.runOffer()
}

// runOffer generates the local offer, sends it as a renegotiate request and
// resolves the outcome. Runs off the core scheduler because offer
// generation suspends on ICE gathering.
func (s *Session) runOffer() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	payload, err := s.transport.GenerateOffer(ctx)
	if err != nil {
		logging.Error("renegotiation offer failed", map[string]interface{}{
			"client_id": s.ClientID(),
			"error":     err.Error(),
		})
		s.enterStable()
		return
	}

	resp, err := s.Request(ctx, wire.Interaction{
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: wire.PlaceEntityID,
		Body: wire.MakeBody(wire.Renegotiate{
			Direction: wire.RenegotiateOffer,
			Payload:   *payload,
		}),
	})

	s.mu.Lock()
	abandoned := s.offerAbandoned
	s.offerAbandoned = false
	s.mu.Unlock()
	if abandoned {
		// Lost a glare while waiting; the rollback already happened on
		// the answering path.
		return
	}

	if err != nil {
		logging.Warn("renegotiation answer missing", map[string]interface{}{
			"client_id": s.ClientID(),
			"error":     err.Error(),
		})
		s.rollbackAndStabilise()
		return
	}

	switch resp.Body.Case() {
	case wire.CaseRenegotiate:
		var reneg wire.Renegotiate
		if err := resp.Body.Decode(&reneg); err != nil || reneg.Direction != wire.RenegotiateAnswer {
			s.failRenegotiation("renegotiation response was not an answer")
			return
		}
		if err := s.transport.AcceptAnswer(ctx, &reneg.Payload); err != nil {
			s.failRenegotiation(err.Error())
			return
		}
		s.enterStable()
	case wire.CaseError:
		var e wire.ErrorBody
		_ = resp.Body.Decode(&e)
		if e.Code == "discardedRenegotiation" {
			// Glare, and the remote side won: drop our offer; its
			// offer is handled (or arriving) separately.
			s.rollbackAndStabilise()
			return
		}
		s.failRenegotiation(e.Error())
	default:
		s.failRenegotiation("unexpected renegotiation response body " + resp.Body.Case())
	}
}

// handleRemoteRenegotiate processes an incoming renegotiate offer request.
func (s *Session) handleRemoteRenegotiate(inter wire.Interaction) {
	var reneg wire.Renegotiate
	if err := inter.Body.Decode(&reneg); err != nil || reneg.Direction != wire.RenegotiateOffer {
		_ = s.Respond(inter, wire.MakeBody(wire.ErrorBody{
			Domain:      "place",
			Code:        "failedRenegotiation",
			Description: "renegotiate request did not carry an offer",
		}))
		return
	}

	s.mu.Lock()
	switch s.state {
	case negOffering:
		if s.role == RoleServer {
			// Impolite: reject the remote offer, keep waiting for the
			// answer to ours.
			s.mu.Unlock()
			_ = s.Respond(inter, wire.MakeBody(wire.ErrorBody{
				Domain:      "place",
				Code:        "discardedRenegotiation",
				Description: "another renegotiation is in flight",
			}))
			return
		}
		// Polite: abandon our own offer and answer the remote one.
		s.state = negAnswering
		s.offerAbandoned = true
		s.mu.Unlock()
		go s.runAnswer(inter, reneg, true)
	case negStable:
		s.state = negAnswering
		s.mu.Unlock()
		go s.runAnswer(inter, reneg, false)
	default:
		s.mu.Unlock()
		_ = s.Respond(inter, wire.MakeBody(wire.ErrorBody{
			Domain:      "place",
			Code:        "discardedRenegotiation",
			Description: "already answering a renegotiation",
		}))
	}
}

func (s *Session) runAnswer(inter wire.Interaction, reneg wire.Renegotiate, rollbackFirst bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	if rollbackFirst {
		if err := s.transport.RollbackOffer(ctx); err != nil {
			logging.Warn("offer rollback failed", map[string]interface{}{
				"client_id": s.ClientID(),
				"error":     err.Error(),
			})
		}
	}

	answer, err := s.transport.GenerateAnswer(ctx, &reneg.Payload)
	if err != nil {
		_ = s.Respond(inter, wire.MakeBody(wire.ErrorBody{
			Domain:      "place",
			Code:        "failedRenegotiation",
			Description: err.Error(),
		}))
		s.enterStable()
		return
	}
	_ = s.Respond(inter, wire.MakeBody(wire.Renegotiate{
		Direction: wire.RenegotiateAnswer,
		Payload:   *answer,
	}))
	s.enterStable()
}

func (s *Session) rollbackAndStabilise() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.transport.RollbackOffer(ctx); err != nil {
		logging.Debug("offer rollback failed", map[string]interface{}{
			"client_id": s.ClientID(),
			"error":     err.Error(),
		})
	}
	s.enterStable()
}

func (s *Session) failRenegotiation(reason string) {
	logging.Error("renegotiation failed", map[string]interface{}{
		"client_id": s.ClientID(),
		"reason":    reason,
	})
	// Failed renegotiation is fatal for the connection.
	_ = s.Disconnect()
}

// enterStable returns the machine to stable and re-kicks a queued
// renegotiation.
func (s *Session) enterStable() {
	s.mu.Lock()
	s.state = negStable
	kick := s.needsRenegotiationWhenStable
	s.needsRenegotiationWhenStable = false
	s.mu.Unlock()
	if kick {
		s.Renegotiate()
	}
}

// HasOutstandingOffer reports whether a local offer is in flight.
func (s *Session) HasOutstandingOffer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == negOffering
}
