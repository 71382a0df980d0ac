// Package sfu matches the media streams the place has available against the
// forwardings clients have declared they want, and drives forwarder
// lifecycle from the difference.
package sfu

import (
	"fmt"
	"strings"

	"placeserver/wire"
)

// PlaceStreamID identifies a media stream uniquely within the place:
// the publishing client's short id plus its sender-local media id.
type PlaceStreamID struct {
	ShortClientID string
	MediaID       string
}

// String renders the id as "<shortClientId>.<incomingMediaId>".
func (id PlaceStreamID) String() string {
	return id.ShortClientID + "." + id.MediaID
}

// ParsePlaceStreamID parses the dotted form. The media id may not contain
// dots.
func ParsePlaceStreamID(s string) (PlaceStreamID, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return PlaceStreamID{}, fmt.Errorf("malformed place stream id %q", s)
	}
	media := s[i+1:]
	if strings.ContainsRune(media, '.') {
		return PlaceStreamID{}, fmt.Errorf("media id in %q contains a dot", s)
	}
	return PlaceStreamID{ShortClientID: s[:i], MediaID: media}, nil
}

// StreamIDFor builds the place stream id of a client's local media id.
func StreamIDFor(cid wire.ClientID, mediaID string) PlaceStreamID {
	return PlaceStreamID{ShortClientID: cid.Short(), MediaID: mediaID}
}

// ForwardingID names one desired forwarding: a source stream delivered to a
// target client.
type ForwardingID struct {
	Source PlaceStreamID
	Target wire.ClientID
}

func (f ForwardingID) String() string {
	return f.Source.String() + "->" + string(f.Target)
}
