package wire

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// ComponentTypeID names a registered component schema.
type ComponentTypeID string

// Standard component type ids.
const (
	TypeTransform         ComponentTypeID = "transform"
	TypeRelationships     ComponentTypeID = "relationships"
	TypeModel             ComponentTypeID = "model"
	TypeCollision         ComponentTypeID = "collision"
	TypeLiveMedia         ComponentTypeID = "live_media"
	TypeLiveMediaListener ComponentTypeID = "live_media_listener"
)

// Component is a typed value tree addressable by (type, entity). On the wire
// it is the tagged map {"type": <id>, "data": <schema map>}. The data stays
// in its deterministic encoded form, which makes components comparable with
// a byte compare and lets unknown plugin-defined types travel through the
// server untouched.
type Component struct {
	typeID ComponentTypeID
	data   []byte
}

type componentEnvelope struct {
	Type ComponentTypeID `cbor:"type"`
	Data rawMessage      `cbor:"data"`
}

// rawMessage mirrors cbor.RawMessage but re-encodes through the
// deterministic encoder on construction paths that need it.
type rawMessage []byte

func (m rawMessage) MarshalCBOR() ([]byte, error) {
	if len(m) == 0 {
		return Marshal(map[string]interface{}{})
	}
	return m, nil
}

func (m *rawMessage) UnmarshalCBOR(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// TypedComponent is implemented by the Go structs of registered schemas.
type TypedComponent interface {
	ComponentType() ComponentTypeID
}

// NewComponent encodes a typed value into its wire component form.
func NewComponent(v TypedComponent) (Component, error) {
	data, err := Marshal(v)
	if err != nil {
		return Component{}, fmt.Errorf("encode %s component: %w", v.ComponentType(), err)
	}
	return Component{typeID: v.ComponentType(), data: data}, nil
}

// MustComponent is NewComponent for values that cannot fail to encode.
func MustComponent(v TypedComponent) Component {
	c, err := NewComponent(v)
	if err != nil {
		panic(err)
	}
	return c
}

// RawComponent wraps an already-encoded schema map under the given type id.
// The data is re-encoded canonically so equality stays a byte compare.
func RawComponent(typeID ComponentTypeID, data []byte) (Component, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return Component{}, fmt.Errorf("decode raw %s component: %w", typeID, err)
	}
	canonical, err := Marshal(v)
	if err != nil {
		return Component{}, err
	}
	return Component{typeID: typeID, data: canonical}, nil
}

// TypeID reports which schema the component carries.
func (c Component) TypeID() ComponentTypeID { return c.typeID }

// IsZero reports whether the component is the zero value.
func (c Component) IsZero() bool { return c.typeID == "" && c.data == nil }

// Equal compares the canonical encodings.
func (c Component) Equal(o Component) bool {
	return c.typeID == o.typeID && bytes.Equal(c.data, o.data)
}

// Decode unmarshals the schema map into v.
func (c Component) Decode(v interface{}) error {
	return Unmarshal(c.data, v)
}

func (c Component) MarshalCBOR() ([]byte, error) {
	return Marshal(componentEnvelope{Type: c.typeID, Data: rawMessage(c.data)})
}

func (c *Component) UnmarshalCBOR(data []byte) error {
	var env componentEnvelope
	if err := Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type == "" {
		return fmt.Errorf("component without type tag")
	}
	out, err := RawComponent(env.Type, []byte(env.Data))
	if err != nil {
		return err
	}
	*c = out
	return nil
}

// Transform positions an entity: a column-major 4x4 matrix.
type Transform struct {
	Matrix [16]float64 `cbor:"matrix" json:"matrix"`
}

func (Transform) ComponentType() ComponentTypeID { return TypeTransform }

// IdentityTransform returns the identity matrix transform.
func IdentityTransform() Transform {
	var t Transform
	t.Matrix[0], t.Matrix[5], t.Matrix[10], t.Matrix[15] = 1, 1, 1, 1
	return t
}

// Relationships links an entity to its parent in the scene hierarchy.
type Relationships struct {
	Parent EntityID `cbor:"parent" json:"parent"`
}

func (Relationships) ComponentType() ComponentTypeID { return TypeRelationships }

// Shape is a geometric primitive used by Model and Collision.
type Shape struct {
	Kind      string     `cbor:"kind" json:"kind"` // box, sphere, plane
	Size      [3]float64 `cbor:"size,omitempty" json:"size,omitempty"`
	Radius    float64    `cbor:"radius,omitempty" json:"radius,omitempty"`
	Roundness float64    `cbor:"roundness,omitempty" json:"roundness,omitempty"`
}

// Box builds a box shape with the given extents and corner roundness.
func Box(size [3]float64, roundness float64) Shape {
	return Shape{Kind: "box", Size: size, Roundness: roundness}
}

// Model gives an entity a renderable appearance, either a mesh asset
// reference or a primitive shape.
type Model struct {
	Asset string `cbor:"asset,omitempty" json:"asset,omitempty"`
	Shape *Shape `cbor:"shape,omitempty" json:"shape,omitempty"`
}

func (Model) ComponentType() ComponentTypeID { return TypeModel }

// Collision marks an entity as a collider.
type Collision struct {
	Shape  *Shape `cbor:"shape,omitempty" json:"shape,omitempty"`
	Static bool   `cbor:"static,omitempty" json:"static,omitempty"`
}

func (Collision) ComponentType() ComponentTypeID { return TypeCollision }

// LiveMedia announces a media stream published by the entity's owner.
// MediaID is "<shortClientId>.<incomingMediaId>".
type LiveMedia struct {
	MediaID string `cbor:"mediaId" json:"mediaId"`
	Format  string `cbor:"format" json:"format"`
}

func (LiveMedia) ComponentType() ComponentTypeID { return TypeLiveMedia }

// LiveMediaListener requests that the listed media streams be forwarded to
// the entity's owner.
type LiveMediaListener struct {
	MediaIDs []string `cbor:"mediaIds" json:"mediaIds"`
}

func (LiveMediaListener) ComponentType() ComponentTypeID { return TypeLiveMediaListener }

// SortedMediaIDs returns the id set in stable order.
func (l LiveMediaListener) SortedMediaIDs() []string {
	ids := append([]string(nil), l.MediaIDs...)
	sort.Strings(ids)
	return ids
}

// componentRegistry maps type ids to decoder factories so callers can ask
// for a typed view of a component without knowing the schema set. It is the
// one process-wide resource; registration happens at startup before any
// session exists.
var componentRegistry = struct {
	mu       sync.RWMutex
	decoders map[ComponentTypeID]func() TypedComponent
}{decoders: make(map[ComponentTypeID]func() TypedComponent)}

// RegisterComponentType installs a decoder for a component schema.
func RegisterComponentType(id ComponentTypeID, factory func() TypedComponent) {
	componentRegistry.mu.Lock()
	defer componentRegistry.mu.Unlock()
	componentRegistry.decoders[id] = factory
}

// DecodeRegistered returns a typed view of the component, or nil if its type
// is not registered (opaque passthrough).
func DecodeRegistered(c Component) (TypedComponent, error) {
	componentRegistry.mu.RLock()
	factory := componentRegistry.decoders[c.typeID]
	componentRegistry.mu.RUnlock()
	if factory == nil {
		return nil, nil
	}
	v := factory()
	if err := c.Decode(v); err != nil {
		return nil, fmt.Errorf("decode %s component: %w", c.typeID, err)
	}
	return v, nil
}

func init() {
	RegisterComponentType(TypeTransform, func() TypedComponent { return &Transform{} })
	RegisterComponentType(TypeRelationships, func() TypedComponent { return &Relationships{} })
	RegisterComponentType(TypeModel, func() TypedComponent { return &Model{} })
	RegisterComponentType(TypeCollision, func() TypedComponent { return &Collision{} })
	RegisterComponentType(TypeLiveMedia, func() TypedComponent { return &LiveMedia{} })
	RegisterComponentType(TypeLiveMediaListener, func() TypedComponent { return &LiveMediaListener{} })
}
