package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire layout, big-endian:
//
//	magic(2) version(1) type(1) session_id(4) length(4) payload(length)
//
// length counts payload bytes only. The header is fixed-size and
// self-describing, so a reader never has to guess frame boundaries.
const (
	magic0 = 'S'
	magic1 = 'L'

	Version    = 1
	HeaderSize = 12

	// MaxPayload caps a single frame's payload. Byte streams larger than
	// this are chunked by the link's data writer.
	MaxPayload = 1 << 20
)

// ErrMalformedFrame indicates the byte stream can no longer be trusted.
// It is fatal to the link; there is no per-session recovery from it.
var ErrMalformedFrame = errors.New("malformed frame")

type Type uint8

const (
	TypeOpen Type = iota + 1
	TypeData
	TypeClose
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeOpen && t <= TypeError
}

// Mode selects how a session's bytes are interpreted, carried in the OPEN
// payload and fixed for the session's lifetime.
type Mode uint8

const (
	ModeRequestResponse Mode = 1 // one HTTP exchange, then close
	ModeTunnel          Mode = 2 // raw bidirectional relay (CONNECT)
)

func (m Mode) String() string {
	switch m {
	case ModeRequestResponse:
		return "request-response"
	case ModeTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Frame is the atomic unit on the ship<->offshore link.
type Frame struct {
	SessionID uint32
	Type      Type
	Payload   []byte
}

// Open builds the frame that creates a session. Sent ship->offshore with
// the target and mode; sent offshore->ship with an empty payload as the
// tunnel-established acknowledgment.
func Open(id uint32, mode Mode, target string) *Frame {
	p := make([]byte, 1+len(target))
	p[0] = byte(mode)
	copy(p[1:], target)
	return &Frame{SessionID: id, Type: TypeOpen, Payload: p}
}

// OpenAck builds the empty OPEN frame acknowledging tunnel establishment.
func OpenAck(id uint32) *Frame {
	return &Frame{SessionID: id, Type: TypeOpen}
}

// ParseOpen extracts mode and target from an OPEN payload.
func ParseOpen(p []byte) (Mode, string, error) {
	if len(p) < 2 {
		return 0, "", errors.New("open: short payload")
	}
	m := Mode(p[0])
	if m != ModeRequestResponse && m != ModeTunnel {
		return 0, "", fmt.Errorf("open: unknown mode %d", p[0])
	}
	return m, string(p[1:]), nil
}

// Data builds a DATA frame. The payload is referenced, not copied.
func Data(id uint32, p []byte) *Frame {
	return &Frame{SessionID: id, Type: TypeData, Payload: p}
}

// Close builds the directional half-close frame: no more data will follow
// from the sender's direction.
func Close(id uint32) *Frame {
	return &Frame{SessionID: id, Type: TypeClose}
}

// Error builds an abnormal-termination frame carrying a reason code and an
// optional human-readable message.
func Error(id uint32, reason Reason, msg string) *Frame {
	p := make([]byte, 1+len(msg))
	p[0] = byte(reason)
	copy(p[1:], msg)
	return &Frame{SessionID: id, Type: TypeError, Payload: p}
}

// ParseError extracts the reason and message from an ERROR payload.
func ParseError(p []byte) (Reason, string) {
	if len(p) == 0 {
		return ReasonNone, ""
	}
	return Reason(p[0]), string(p[1:])
}

// Marshal encodes f into a single contiguous buffer so the caller can put
// the whole frame on the wire with one write.
func Marshal(f *Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, uint8(f.Type))
	}
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds max %d", ErrMalformedFrame, len(f.Payload), MaxPayload)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = magic0
	buf[1] = magic1
	buf[2] = Version
	buf[3] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[4:8], f.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// Encode writes f to w as one frame.
func Encode(w io.Writer, f *Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame from r, blocking until all of its bytes
// have arrived. Partial delivery at any split point is handled by
// io.ReadFull resuming; a clean end of stream on a frame boundary returns
// io.EOF unwrapped.
func Decode(r io.Reader) (*Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}

	if hdr[0] != magic0 || hdr[1] != magic1 {
		return nil, fmt.Errorf("%w: bad magic %#02x%02x", ErrMalformedFrame, hdr[0], hdr[1])
	}
	if hdr[2] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, hdr[2])
	}
	t := Type(hdr[3])
	if !t.valid() {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, hdr[3])
	}
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds max %d", ErrMalformedFrame, length, MaxPayload)
	}

	f := &Frame{
		SessionID: binary.BigEndian.Uint32(hdr[4:8]),
		Type:      t,
	}
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("%w: truncated payload", ErrMalformedFrame)
		}
	}
	return f, nil
}
