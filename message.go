package msgport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire constants. All header fields are little-endian int32s; the peer
// discovers this host's byte order through the endianness probe (see
// handshake.go) rather than assuming network byte order.
const (
	// HeaderSize is the fixed size of a frame header:
	// [length][requestID][responseTo][opcode], four int32s.
	HeaderSize = 16

	// DefaultMaxMessageSize is the default upper bound on a frame's total
	// length, header included.
	DefaultMaxMessageSize = 48 * 1000 * 1000

	// NoResponse is the responseTo sentinel marking a frame that does not
	// answer any request. Zero is treated the same way on receive.
	NoResponse int32 = -1

	// allocGranularity rounds message buffer capacity up to reduce
	// allocator churn. The logical message length is unaffected and the
	// excess capacity is never read.
	allocGranularity = 1024
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Length     int32 // total frame length, header included
	RequestID  int32 // unique within the sending connection's lifetime
	ResponseTo int32 // RequestID of the frame this one answers, or 0 / NoResponse
	Opcode     int32 // payload semantics, opaque to this layer
}

// decodeHeader reads a Header from the first HeaderSize bytes of b.
func decodeHeader(b []byte) Header {
	return Header{
		Length:     int32(binary.LittleEndian.Uint32(b[0:4])),
		RequestID:  int32(binary.LittleEndian.Uint32(b[4:8])),
		ResponseTo: int32(binary.LittleEndian.Uint32(b[8:12])),
		Opcode:     int32(binary.LittleEndian.Uint32(b[12:16])),
	}
}

// encode writes h into the first HeaderSize bytes of b.
func (h Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Length))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Opcode))
}

// validate rejects lengths that cannot describe a real frame. Callers must
// treat a validation failure as fatal to the connection: once a bogus length
// has been read, the stream position can no longer be trusted.
func (h Header) validate(max int32) error {
	if h.Length < HeaderSize || h.Length > max {
		return errors.Wrapf(ErrInvalidLength, "length %d (min %d, max %d)", h.Length, HeaderSize, max)
	}
	return nil
}

// roundUpAlloc rounds n up to the next allocGranularity boundary.
func roundUpAlloc(n int) int {
	return (n + allocGranularity - 1) &^ (allocGranularity - 1)
}

// Message is one frame: the fixed header followed by an opaque payload in a
// single contiguous buffer. A Message owns its backing buffer exclusively;
// neither Recv nor NewMessage retains a reference after handing one out.
type Message struct {
	buf []byte
}

// NewMessage builds an outgoing message with the given opcode and payload.
// The request id and responseTo fields are assigned at send time by Say,
// Reply or Piggyback.
func NewMessage(opcode int32, payload []byte) *Message {
	length := HeaderSize + len(payload)
	buf := make([]byte, length, roundUpAlloc(length))
	Header{Length: int32(length), Opcode: opcode}.encode(buf)
	copy(buf[HeaderSize:], payload)
	return &Message{buf: buf}
}

// Header returns the decoded header fields.
func (m *Message) Header() Header {
	return decodeHeader(m.buf)
}

// Length returns the total frame length, header included.
func (m *Message) Length() int {
	return int(int32(binary.LittleEndian.Uint32(m.buf[0:4])))
}

// ID returns the frame's request id.
func (m *Message) ID() int32 {
	return int32(binary.LittleEndian.Uint32(m.buf[4:8]))
}

// ResponseTo returns the request id this frame answers, or 0 / NoResponse.
func (m *Message) ResponseTo() int32 {
	return int32(binary.LittleEndian.Uint32(m.buf[8:12]))
}

// Opcode returns the frame's operation code.
func (m *Message) Opcode() int32 {
	return int32(binary.LittleEndian.Uint32(m.buf[12:16]))
}

// Body returns the payload bytes following the header.
func (m *Message) Body() []byte {
	return m.buf[HeaderSize:]
}

// Bytes returns the full frame as it appears on the wire.
func (m *Message) Bytes() []byte {
	return m.buf
}

func (m *Message) setID(id int32) {
	binary.LittleEndian.PutUint32(m.buf[4:8], uint32(id))
}

func (m *Message) setResponseTo(id int32) {
	binary.LittleEndian.PutUint32(m.buf[8:12], uint32(id))
}
