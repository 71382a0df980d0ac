// Package wire defines the Place protocol data types and their binary
// encoding. Every message that crosses a data channel is a length-prefixed
// CBOR document built from tagged maps with stable field names, so payloads
// the server does not understand still round-trip losslessly.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical map ordering keeps encodings deterministic, which makes
	// encoded components directly comparable for equality.
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic encoder.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// frameHeaderLen is the size of the uint32 big-endian length prefix.
const frameHeaderLen = 4

// maxFrameLen bounds a single decoded frame. Anything larger is treated as a
// corrupt stream rather than an allocation request.
const maxFrameLen = 16 * 1024 * 1024

// EncodeFrame marshals v and prepends the length prefix.
func EncodeFrame(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// DecodeFrames splits a datagram into its length-prefixed payloads. A channel
// message normally carries exactly one frame, but concatenated frames are
// accepted.
func DecodeFrames(data []byte) ([][]byte, error) {
	var frames [][]byte
	for len(data) > 0 {
		if len(data) < frameHeaderLen {
			return nil, fmt.Errorf("truncated frame header (%d bytes)", len(data))
		}
		n := binary.BigEndian.Uint32(data)
		if n > maxFrameLen {
			return nil, fmt.Errorf("frame length %d exceeds limit", n)
		}
		data = data[frameHeaderLen:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("truncated frame payload: want %d, have %d", n, len(data))
		}
		frames = append(frames, data[:n])
		data = data[n:]
	}
	return frames, nil
}
