// Package wire implements the on-the-wire packet format shared by the
// sender and receiver: a fixed 16-byte header followed by an optional
// payload, framed and validated with the checksum black box.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/telepresenceio/rtpipe/pkg/rtp/checksum"
)

// Type is the message-type enumeration carried in every packet header.
type Type uint32

const (
	Start Type = 0
	End   Type = 1
	Data  Type = 2
	Ack   Type = 3
)

func (t Type) String() string {
	switch t {
	case Start:
		return "START"
	case End:
		return "END"
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// HeaderLen is the fixed size, in bytes, of every PacketHeader on the wire.
const HeaderLen = 16

// Header is the fixed 16-byte header transmitted in network byte order.
type Header struct {
	Type     Type
	Seq      uint32
	Length   uint32
	Checksum uint16
}

// ErrInvalid is returned by Decode for any malformed, truncated, or
// checksum-mismatched input. Per the wire-format error policy, a packet
// that fails to decode is silently dropped by both peers — it is never
// logged as an application error, only observed as this sentinel.
var ErrInvalid = errors.New("rtp/wire: invalid packet")

// Encode serializes header and payload into a single wire frame: the
// header fields big-endian, the checksum field computed (with itself
// zeroed) over header||payload, followed by the payload bytes.
func Encode(h Header, payload []byte) []byte {
	h.Length = uint32(len(payload))
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, h, 0)
	copy(buf[HeaderLen:], payload)

	h.Checksum = 0
	putHeader(buf, h, 0)
	sum := checksum.Compute(buf)
	binary.BigEndian.PutUint32(buf[12:16], uint32(sum))
	return buf
}

// Decode parses buf as a single wire frame, validating its checksum. It
// returns ErrInvalid for any short read, unrecognized type, or checksum
// mismatch; the payload slice aliases buf and must be copied by the
// caller if it needs to outlive the buffer.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrInvalid
	}
	// The checksum is zero-extended to 32 bits; its upper half must be zero.
	if binary.BigEndian.Uint16(buf[12:14]) != 0 {
		return Header{}, nil, ErrInvalid
	}
	h := getHeader(buf)
	if !isKnownType(h.Type) {
		return Header{}, nil, ErrInvalid
	}
	if len(buf) < HeaderLen+int(h.Length) {
		return Header{}, nil, ErrInvalid
	}
	frame := buf[:HeaderLen+int(h.Length)]
	received := h.Checksum

	zeroed := make([]byte, len(frame))
	copy(zeroed, frame)
	putHeader(zeroed, Header{Type: h.Type, Seq: h.Seq, Length: h.Length, Checksum: 0}, 0)
	if checksum.Compute(zeroed) != received {
		return Header{}, nil, ErrInvalid
	}

	payload := frame[HeaderLen:]
	return h, payload, nil
}

func isKnownType(t Type) bool {
	switch t {
	case Start, End, Data, Ack:
		return true
	default:
		return false
	}
}

func putHeader(buf []byte, h Header, at int) {
	binary.BigEndian.PutUint32(buf[at:at+4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[at+4:at+8], h.Seq)
	binary.BigEndian.PutUint32(buf[at+8:at+12], h.Length)
	binary.BigEndian.PutUint32(buf[at+12:at+16], uint32(h.Checksum))
}

func getHeader(buf []byte) Header {
	return Header{
		Type:     Type(binary.BigEndian.Uint32(buf[0:4])),
		Seq:      binary.BigEndian.Uint32(buf[4:8]),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
		Checksum: uint16(binary.BigEndian.Uint32(buf[12:16])),
	}
}
