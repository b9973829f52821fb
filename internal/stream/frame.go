package stream

import (
	"errors"
	"fmt"
)

// FrameType is the one-byte tag that prefixes every binary message on the
// upload connection
type FrameType byte

const (
	// FrameData carries demo bytes. An empty payload is allowed.
	FrameData FrameType = 0x01
	// FrameEnd marks the end of the stream and carries no payload
	FrameEnd FrameType = 0x02
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameEnd:
		return "END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// ErrInvalidFrame is returned for messages that do not decode to a frame
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one decoded message
type Frame struct {
	Type    FrameType
	Payload []byte
}

// DecodeFrame parses a binary message. maxPayload <= 0 disables the size check.
func DecodeFrame(msg []byte, maxPayload int64) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrInvalidFrame)
	}

	frame := Frame{Type: FrameType(msg[0]), Payload: msg[1:]}
	switch frame.Type {
	case FrameData:
		if maxPayload > 0 && int64(len(frame.Payload)) > maxPayload {
			return Frame{}, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrInvalidFrame, len(frame.Payload), maxPayload)
		}
	case FrameEnd:
		if len(frame.Payload) != 0 {
			return Frame{}, fmt.Errorf("%w: END frame with payload", ErrInvalidFrame)
		}
		frame.Payload = nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %s", ErrInvalidFrame, frame.Type)
	}
	return frame, nil
}

// EncodeData frames chunk as a DATA message
func EncodeData(chunk []byte) []byte {
	msg := make([]byte, 1+len(chunk))
	msg[0] = byte(FrameData)
	copy(msg[1:], chunk)
	return msg
}

// EncodeEnd returns an END message
func EncodeEnd() []byte {
	return []byte{byte(FrameEnd)}
}
