package interactions

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"placeserver/logging"
	"placeserver/metrics"
	"placeserver/version"
	"placeserver/wire"
)

// Peer is the router's view of a connected client.
type Peer interface {
	ClientID() wire.ClientID
	// Request sends a request to the peer and awaits its response.
	Request(ctx context.Context, inter wire.Interaction) (wire.Interaction, error)
	// Send delivers an interaction without waiting.
	Send(inter wire.Interaction) error
	// Disconnect ends the connection (used after fatal errors).
	Disconnect()
}

// World is what the router needs from the orchestrator: identity, client
// lookup and scene mutation on behalf of validated interactions.
type World interface {
	PlaceName() string

	// PeerFor resolves a connected, announced client.
	PeerFor(cid wire.ClientID) (Peer, bool)
	// OwnerOf resolves the owner of an entity in the current scene.
	OwnerOf(id wire.EntityID) (wire.ClientID, bool)

	// PerformAnnounce promotes the client and creates its avatar. It may
	// suspend until the avatar's scene tick has fired.
	PerformAnnounce(ctx context.Context, cid wire.ClientID, ann wire.Announce) (wire.AnnounceResponse, *wire.ErrorBody)
	PerformCreateEntity(cid wire.ClientID, spec wire.EntitySpec) (wire.EntityID, *wire.ErrorBody)
	PerformRemoveEntity(cid wire.ClientID, req wire.RemoveEntity) *wire.ErrorBody
	PerformChangeEntity(cid wire.ClientID, req wire.ChangeEntity) *wire.ErrorBody
}

type pendingForward struct {
	requester  wire.ClientID
	respondent wire.ClientID
	timer      *time.Timer
}

// Router dispatches inbound interactions to place handlers or forwards them
// to the client owning the receiver entity.
type Router struct {
	world World
	// authSecret, when set, must sign the bearer token presented by a
	// registering authentication provider.
	authSecret string
	// requestTimeout bounds forwarded request round trips.
	requestTimeout time.Duration

	mu          sync.Mutex
	outstanding map[string]pendingForward
	// expired remembers recently timed-out request ids so a late real
	// response can be discarded silently instead of rejected.
	expired     map[string]time.Time
	provider    wire.ClientID
	hasProvider bool
}

// NewRouter builds a router over the world. authSecret may be empty, in
// which case provider registration is open.
func NewRouter(world World, authSecret string) *Router {
	return &Router{
		world:          world,
		authSecret:     authSecret,
		requestTimeout: 10 * time.Second,
		outstanding:    make(map[string]pendingForward),
		expired:        make(map[string]time.Time),
	}
}

// HandleInteraction is the entry point for every interaction a session
// hands up (renegotiation traffic never reaches here).
func (r *Router) HandleInteraction(sender Peer, inter wire.Interaction) {
	metrics.InteractionsTotal.WithLabelValues(inter.Body.Case()).Inc()

	// Every interaction except announce must originate from an entity
	// the sender owns.
	if inter.Body.Case() != wire.CaseAnnounce {
		owner, ok := r.world.OwnerOf(inter.SenderEntityID)
		if !ok || owner != sender.ClientID() {
			r.reject(sender, inter, Errorf(CodeUnauthorized,
				"sender does not own entity %q", inter.SenderEntityID))
			return
		}
	}

	if inter.ReceiverEntityID == wire.PlaceEntityID {
		r.handlePlaceDirected(sender, inter)
		return
	}
	r.forward(sender, inter)
}

// reject answers a request with an error body; oneways are dropped with a
// log line since there is nothing to answer.
func (r *Router) reject(sender Peer, inter wire.Interaction, e wire.ErrorBody) {
	if inter.Type == wire.InteractionRequest {
		_ = sender.Send(inter.Respond(wire.MakeBody(e)))
	} else {
		logging.Debug("dropping invalid interaction", map[string]interface{}{
			"client_id": sender.ClientID(),
			"body":      inter.Body.Case(),
			"code":      e.Code,
		})
	}
	if IsFatal(e.Code) {
		sender.Disconnect()
	}
}

// forward relays an interaction to the client owning the receiver entity.
func (r *Router) forward(sender Peer, inter wire.Interaction) {
	if inter.IsResponse() {
		r.forwardResponse(sender, inter)
		return
	}

	ownerCID, ok := r.world.OwnerOf(inter.ReceiverEntityID)
	if !ok {
		r.reject(sender, inter, Errorf(CodeRecipientUnavailable,
			"no entity %q", inter.ReceiverEntityID))
		return
	}
	target, ok := r.world.PeerFor(ownerCID)
	if !ok {
		r.reject(sender, inter, Errorf(CodeRecipientUnavailable,
			"owner of entity %q is not connected", inter.ReceiverEntityID))
		return
	}

	if inter.Type == wire.InteractionRequest && inter.RequestID != "" {
		r.trackForward(sender, inter, ownerCID)
	}
	if err := target.Send(inter); err != nil {
		logging.Warn("interaction forward failed", map[string]interface{}{
			"from":  sender.ClientID(),
			"to":    ownerCID,
			"error": err.Error(),
		})
	}
}

func (r *Router) trackForward(sender Peer, inter wire.Interaction, respondent wire.ClientID) {
	requestID := inter.RequestID
	p := pendingForward{requester: sender.ClientID(), respondent: respondent}
	p.timer = time.AfterFunc(r.requestTimeout, func() {
		r.expireForward(requestID, inter)
	})
	r.mu.Lock()
	r.outstanding[requestID] = p
	r.mu.Unlock()
}

// expireForward fires when a forwarded request got no response in time: the
// mapping is dropped and a synthetic timeout response sent to the
// requester. A later real response is then discarded silently.
func (r *Router) expireForward(requestID string, inter wire.Interaction) {
	r.mu.Lock()
	p, ok := r.outstanding[requestID]
	if ok {
		delete(r.outstanding, requestID)
		r.expired[requestID] = time.Now()
		for id, at := range r.expired {
			if time.Since(at) > time.Minute {
				delete(r.expired, id)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	requester, ok := r.world.PeerFor(p.requester)
	if !ok {
		return
	}
	_ = requester.Send(inter.Respond(wire.MakeBody(Errorf(CodeRecipientTimedOut,
		"no response from %q within %s", inter.ReceiverEntityID, r.requestTimeout))))
}

func (r *Router) forwardResponse(sender Peer, inter wire.Interaction) {
	r.mu.Lock()
	p, ok := r.outstanding[inter.RequestID]
	if ok && p.respondent == sender.ClientID() {
		delete(r.outstanding, inter.RequestID)
		p.timer.Stop()
	}
	_, timedOut := r.expired[inter.RequestID]
	r.mu.Unlock()

	// A rejected response is answered with an invalidResponse error so the
	// responding client learns its reply went nowhere.
	if !ok {
		if timedOut {
			// The requester already got a synthetic timeout.
			return
		}
		_ = sender.Send(inter.Respond(wire.MakeBody(Errorf(CodeInvalidResponse,
			"no outstanding request %q", inter.RequestID))))
		return
	}
	if p.respondent != sender.ClientID() {
		_ = sender.Send(inter.Respond(wire.MakeBody(Errorf(CodeInvalidResponse,
			"response from wrong client for request %q", inter.RequestID))))
		return
	}
	requester, okReq := r.world.PeerFor(p.requester)
	if !okReq {
		return
	}
	_ = requester.Send(inter)
}

// ClientDisconnected clears router state owned by a departing client.
func (r *Router) ClientDisconnected(cid wire.ClientID) {
	r.mu.Lock()
	if r.hasProvider && r.provider == cid {
		r.hasProvider = false
		r.provider = ""
		logging.Info("authentication provider departed", map[string]interface{}{
			"client_id": cid,
		})
	}
	for id, p := range r.outstanding {
		if p.requester == cid || p.respondent == cid {
			p.timer.Stop()
			delete(r.outstanding, id)
		}
	}
	r.mu.Unlock()
}

// Provider returns the registered authentication provider, if any.
func (r *Router) Provider() (wire.ClientID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider, r.hasProvider
}

func (r *Router) handlePlaceDirected(sender Peer, inter wire.Interaction) {
	switch inter.Body.Case() {
	case wire.CaseAnnounce:
		// Announce suspends on authentication and on the avatar's
		// scene tick; run it off the caller.
		go r.handleAnnounce(sender, inter)
	case wire.CaseCreateEntity:
		var body wire.CreateEntity
		if err := inter.Body.Decode(&body); err != nil {
			r.reject(sender, inter, Errorf(CodeInvalidRequest, "malformed createEntity: %v", err))
			return
		}
		id, e := r.world.PerformCreateEntity(sender.ClientID(), body.Spec)
		if e != nil {
			r.reject(sender, inter, *e)
			return
		}
		_ = sender.Send(inter.Respond(wire.MakeBody(wire.CreateEntityResponse{EntityID: id})))
	case wire.CaseRemoveEntity:
		var body wire.RemoveEntity
		if err := inter.Body.Decode(&body); err != nil {
			r.reject(sender, inter, Errorf(CodeInvalidRequest, "malformed removeEntity: %v", err))
			return
		}
		if e := r.world.PerformRemoveEntity(sender.ClientID(), body); e != nil {
			r.reject(sender, inter, *e)
			return
		}
		_ = sender.Send(inter.Respond(wire.MakeBody(wire.Success{})))
	case wire.CaseChangeEntity:
		var body wire.ChangeEntity
		if err := inter.Body.Decode(&body); err != nil {
			r.reject(sender, inter, Errorf(CodeInvalidRequest, "malformed changeEntity: %v", err))
			return
		}
		if e := r.world.PerformChangeEntity(sender.ClientID(), body); e != nil {
			r.reject(sender, inter, *e)
			return
		}
		_ = sender.Send(inter.Respond(wire.MakeBody(wire.Success{})))
	case wire.CaseRegisterAuthProvider:
		r.handleRegisterProvider(sender, inter)
	default:
		r.reject(sender, inter, Errorf(CodeInvalidRequest,
			"the place does not understand %q", inter.Body.Case()))
	}
}

func (r *Router) handleAnnounce(sender Peer, inter wire.Interaction) {
	var ann wire.Announce
	if err := inter.Body.Decode(&ann); err != nil {
		r.reject(sender, inter, Errorf(CodeInvalidRequest, "malformed announce: %v", err))
		return
	}

	if err := version.CheckCompatible(version.Protocol, ann.Version); err != nil {
		// Version mismatch is fatal for the connection.
		_ = sender.Send(inter.Respond(wire.MakeBody(Errorf(CodeIncompatibleProtocolVersion,
			"server speaks %s: %v", version.Protocol, err))))
		sender.Disconnect()
		return
	}

	if e := r.authenticate(sender, ann.Identity); e != nil {
		_ = sender.Send(inter.Respond(wire.MakeBody(*e)))
		sender.Disconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()
	resp, e := r.world.PerformAnnounce(ctx, sender.ClientID(), ann)
	if e != nil {
		r.reject(sender, inter, *e)
		return
	}
	_ = sender.Send(inter.Respond(wire.MakeBody(resp)))
}

// authenticate consults the registered provider, if any. Rejection is fatal
// for the announcing connection.
func (r *Router) authenticate(sender Peer, identity wire.Identity) *wire.ErrorBody {
	r.mu.Lock()
	providerCID, has := r.provider, r.hasProvider
	r.mu.Unlock()
	if !has {
		return nil
	}
	provider, ok := r.world.PeerFor(providerCID)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()
	resp, err := provider.Request(ctx, wire.Interaction{
		SenderEntityID:   wire.PlaceEntityID,
		ReceiverEntityID: wire.PlaceEntityID,
		Body: wire.MakeBody(wire.AuthenticationRequest{
			Identity: identity,
			ClientID: sender.ClientID().String(),
		}),
	})
	if err != nil {
		e := Errorf(CodeRecipientTimedOut, "authentication provider did not respond")
		return &e
	}
	if resp.Body.Case() != wire.CaseSuccess {
		var deny wire.ErrorBody
		if resp.Body.Case() == wire.CaseError && resp.Body.Decode(&deny) == nil {
			return &deny
		}
		e := Errorf(CodeUnauthorized, "authentication rejected")
		return &e
	}
	return nil
}

// handleRegisterProvider accepts the first registration. When the server
// was started with an app auth token, the registration must present a
// bearer token signed with it.
func (r *Router) handleRegisterProvider(sender Peer, inter wire.Interaction) {
	var body wire.RegisterAsAuthenticationProvider
	if err := inter.Body.Decode(&body); err != nil {
		r.reject(sender, inter, Errorf(CodeInvalidRequest, "malformed registration: %v", err))
		return
	}
	if r.authSecret != "" {
		if err := r.verifyProviderToken(body.Token); err != nil {
			r.reject(sender, inter, Errorf(CodeUnauthorized,
				"provider token rejected: %v", err))
			return
		}
	}

	r.mu.Lock()
	if r.hasProvider {
		r.mu.Unlock()
		r.reject(sender, inter, Errorf(CodeInvalidRequest,
			"an authentication provider is already registered"))
		return
	}
	r.provider = sender.ClientID()
	r.hasProvider = true
	r.mu.Unlock()

	logging.Info("authentication provider registered", map[string]interface{}{
		"client_id": sender.ClientID(),
	})
	_ = sender.Send(inter.Respond(wire.MakeBody(wire.Success{})))
}

func (r *Router) verifyProviderToken(token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(r.authSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}
