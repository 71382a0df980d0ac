package wire

import (
	"strings"

	"github.com/google/uuid"
)

// ClientID is an opaque 128-bit identifier assigned by the server when a
// transport is created. Its stringified form is a UUID.
type ClientID string

// NewClientID allocates a fresh client identifier.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// Short returns the first hyphen-delimited token of the id. SDP attributes
// have length limits, so media identifiers embed this form instead of the
// full id.
func (c ClientID) Short() string {
	s := string(c)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c ClientID) String() string { return string(c) }

// EntityID names an entity within a Place.
type EntityID string

// PlaceEntityID is the reserved recipient denoting the Place itself.
const PlaceEntityID EntityID = "place"

// NewEntityID allocates a fresh entity identifier. IDs are never reused
// within a run.
func NewEntityID() EntityID {
	return EntityID(uuid.NewString())
}

// EntityData is the immutable identity record of an entity. Attributes live
// in components keyed on the entity id.
type EntityData struct {
	ID            EntityID `cbor:"id" json:"id"`
	OwnerClientID ClientID `cbor:"ownerClientId" json:"ownerClientId"`
}
