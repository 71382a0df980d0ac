package wire

import (
	"fmt"
)

// InteractionType distinguishes the four messaging patterns.
type InteractionType string

const (
	InteractionOneway      InteractionType = "oneway"
	InteractionRequest     InteractionType = "request"
	InteractionResponse    InteractionType = "response"
	InteractionPublication InteractionType = "publication"
)

// Interaction is a typed, addressable message between entities, or between
// an entity and the Place itself.
type Interaction struct {
	Type             InteractionType `cbor:"type" json:"type"`
	SenderEntityID   EntityID        `cbor:"senderEntityId" json:"senderEntityId"`
	ReceiverEntityID EntityID        `cbor:"receiverEntityId" json:"receiverEntityId"`
	RequestID        string          `cbor:"requestId,omitempty" json:"requestId,omitempty"`
	Body             Body            `cbor:"body" json:"body"`
}

// IsResponse reports whether the interaction answers an earlier request.
func (i Interaction) IsResponse() bool { return i.Type == InteractionResponse }

// Respond builds the response interaction for a request, swapping sender and
// receiver and carrying the same request id.
func (i Interaction) Respond(body Body) Interaction {
	return Interaction{
		Type:             InteractionResponse,
		SenderEntityID:   i.ReceiverEntityID,
		ReceiverEntityID: i.SenderEntityID,
		RequestID:        i.RequestID,
		Body:             body,
	}
}

// Body is the tagged-union payload of an interaction. The wire form is the
// map {"case": <name>, "data": <case map>}. Cases the server does not know
// are preserved verbatim so plugin-defined interactions pass through.
type Body struct {
	caseName string
	data     []byte
}

type bodyEnvelope struct {
	Case string     `cbor:"case"`
	Data rawMessage `cbor:"data"`
}

// BodyVariant is implemented by the Go structs of known body cases.
type BodyVariant interface {
	BodyCase() string
}

// MakeBody encodes a typed variant into a Body.
func MakeBody(v BodyVariant) Body {
	data, err := Marshal(v)
	if err != nil {
		// Variants are plain structs of encodable fields.
		panic(fmt.Sprintf("encode %s body: %v", v.BodyCase(), err))
	}
	return Body{caseName: v.BodyCase(), data: data}
}

// Case names the variant carried by the body.
func (b Body) Case() string { return b.caseName }

// Decode unmarshals the case payload into v.
func (b Body) Decode(v interface{}) error {
	return Unmarshal(b.data, v)
}

func (b Body) MarshalCBOR() ([]byte, error) {
	return Marshal(bodyEnvelope{Case: b.caseName, Data: rawMessage(b.data)})
}

func (b *Body) UnmarshalCBOR(data []byte) error {
	var env bodyEnvelope
	if err := Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Case == "" {
		return fmt.Errorf("interaction body without case tag")
	}
	b.caseName = env.Case
	b.data = []byte(env.Data)
	return nil
}

// Body case names understood by the server core.
const (
	CaseAnnounce             = "announce"
	CaseAnnounceResponse     = "announceResponse"
	CaseCreateEntity         = "createEntity"
	CaseCreateEntityResponse = "createEntityResponse"
	CaseRemoveEntity         = "removeEntity"
	CaseChangeEntity         = "changeEntity"
	CaseRegisterAuthProvider = "registerAsAuthenticationProvider"
	CaseAuthRequest          = "authenticationRequest"
	CaseRenegotiate          = "renegotiate"
	CaseSuccess              = "success"
	CaseError                = "error"
)

// Identity describes who a client claims to be when announcing.
type Identity struct {
	DisplayName string `cbor:"displayName,omitempty" json:"displayName,omitempty"`
	Username    string `cbor:"username,omitempty" json:"username,omitempty"`
	Email       string `cbor:"email,omitempty" json:"email,omitempty"`
	AuthToken   string `cbor:"authToken,omitempty" json:"authToken,omitempty"`
}

// EntitySpec describes an entity to be created: its components and child
// entities.
type EntitySpec struct {
	Components []Component  `cbor:"components" json:"components"`
	Children   []EntitySpec `cbor:"children,omitempty" json:"children,omitempty"`
}

// Announce is the handshake by which a client authenticates and requests an
// avatar entity.
type Announce struct {
	Version  string     `cbor:"version" json:"version"`
	Identity Identity   `cbor:"identity" json:"identity"`
	Avatar   EntitySpec `cbor:"avatar" json:"avatar"`
}

func (Announce) BodyCase() string { return CaseAnnounce }

type AnnounceResponse struct {
	AvatarID        EntityID `cbor:"avatarId" json:"avatarId"`
	PlaceName       string   `cbor:"placeName" json:"placeName"`
	ProtocolVersion string   `cbor:"protocolVersion,omitempty" json:"protocolVersion,omitempty"`
}

func (AnnounceResponse) BodyCase() string { return CaseAnnounceResponse }

type CreateEntity struct {
	Spec EntitySpec `cbor:"spec" json:"spec"`
}

func (CreateEntity) BodyCase() string { return CaseCreateEntity }

type CreateEntityResponse struct {
	EntityID EntityID `cbor:"entityId" json:"entityId"`
}

func (CreateEntityResponse) BodyCase() string { return CaseCreateEntityResponse }

// RemovalMode selects what happens to an entity's children when it is
// removed.
type RemovalMode string

const (
	// RemovalReparent promotes children to scene roots.
	RemovalReparent RemovalMode = "reparent"
	// RemovalCascade removes the whole subtree.
	RemovalCascade RemovalMode = "cascade"
)

type RemoveEntity struct {
	EntityID EntityID    `cbor:"entityId" json:"entityId"`
	Mode     RemovalMode `cbor:"mode" json:"mode"`
}

func (RemoveEntity) BodyCase() string { return CaseRemoveEntity }

type ChangeEntity struct {
	EntityID    EntityID          `cbor:"entityId" json:"entityId"`
	AddOrChange []Component       `cbor:"addOrChange,omitempty" json:"addOrChange,omitempty"`
	Remove      []ComponentTypeID `cbor:"remove,omitempty" json:"remove,omitempty"`
}

func (ChangeEntity) BodyCase() string { return CaseChangeEntity }

type RegisterAsAuthenticationProvider struct {
	Token string `cbor:"token,omitempty" json:"token,omitempty"`
}

func (RegisterAsAuthenticationProvider) BodyCase() string { return CaseRegisterAuthProvider }

// AuthenticationRequest is sent by the place to the registered provider when
// a client announces.
type AuthenticationRequest struct {
	Identity Identity `cbor:"identity" json:"identity"`
	ClientID string   `cbor:"clientId" json:"clientId"`
}

func (AuthenticationRequest) BodyCase() string { return CaseAuthRequest }

// RenegotiateDirection tags which half of the offer/answer exchange a
// renegotiate body carries.
type RenegotiateDirection string

const (
	RenegotiateOffer  RenegotiateDirection = "offer"
	RenegotiateAnswer RenegotiateDirection = "answer"
)

// Renegotiate carries SDP over the interactions channel once the HTTP
// handshake is gone.
type Renegotiate struct {
	Direction RenegotiateDirection `cbor:"direction" json:"direction"`
	Payload   SignallingPayload    `cbor:"payload" json:"payload"`
}

func (Renegotiate) BodyCase() string { return CaseRenegotiate }

type Success struct{}

func (Success) BodyCase() string { return CaseSuccess }

// ErrorBody is the typed error reply. Codes are defined in the interactions
// package.
type ErrorBody struct {
	Domain      string `cbor:"domain" json:"domain"`
	Code        string `cbor:"code" json:"code"`
	Description string `cbor:"description,omitempty" json:"description,omitempty"`
}

func (ErrorBody) BodyCase() string { return CaseError }

func (e ErrorBody) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Description)
}

// Intent is the unreliable per-client keepalive carrying the latest revision
// the client has applied.
type Intent struct {
	AckStateRev uint64 `cbor:"ackStateRev" json:"ackStateRev"`
}

// LogRecord is a client-submitted log message carried on the logs channel.
type LogRecord struct {
	Level   string                 `cbor:"level" json:"level"`
	Message string                 `cbor:"message" json:"message"`
	Fields  map[string]interface{} `cbor:"fields,omitempty" json:"fields,omitempty"`
}
