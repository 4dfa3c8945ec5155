// Package muxframe encodes the binary frames that carry terminal bytes for
// one sub-session: [1 byte id length][id][payload]. The payload runs to the
// end of the transport message.
package muxframe

import "errors"

const MaxIDLen = 0xFF

var (
	ErrEmptyID        = errors.New("muxframe: sub-session id required")
	ErrIDTooLong      = errors.New("muxframe: sub-session id longer than 255 bytes")
	ErrMalformedFrame = errors.New("muxframe: malformed frame")
)

func Encode(id string, payload []byte) ([]byte, error) {
	if len(id) == 0 {
		return nil, ErrEmptyID
	}
	if len(id) > MaxIDLen {
		return nil, ErrIDTooLong
	}
	buf := make([]byte, 1+len(id)+len(payload))
	buf[0] = byte(len(id))
	copy(buf[1:], id)
	copy(buf[1+len(id):], payload)
	return buf, nil
}

// Decode splits a frame. The returned payload aliases data.
func Decode(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, ErrMalformedFrame
	}
	idLen := int(data[0])
	if idLen == 0 || len(data) < 1+idLen {
		return "", nil, ErrMalformedFrame
	}
	return string(data[1 : 1+idLen]), data[1+idLen:], nil
}
