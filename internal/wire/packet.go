package wire

import (
	"errors"
	"fmt"

	"github.com/cendern/toothpaste/internal/crypto"
)

const (
	// HeaderSize is the fixed outer header: packet ID, flags, packet
	// number, total packets (one byte each).
	HeaderSize = 4

	// MinPacketSize is the smallest valid attribute write: header, IV and
	// tag with an empty ciphertext.
	MinPacketSize = HeaderSize + crypto.IVSize + crypto.TagSize

	// MaxDataLen is the largest ciphertext (and therefore plaintext) that
	// fits in one MTU-bounded attribute write.
	MaxDataLen = 201

	// MaxChallengeLen bounds the payload of a ResponsePacket.
	MaxChallengeLen = 32

	flagSlowMode = 0x01
)

var (
	// ErrDecode is returned when a record fails to parse.
	ErrDecode = errors.New("malformed record")

	// ErrPacketTooLarge is returned when a payload exceeds MaxDataLen.
	ErrPacketTooLarge = errors.New("payload exceeds maximum size")

	// ErrFragmented is returned for multi-fragment packets. Fragmentation
	// is reserved on the wire but not implemented; anything with
	// total_packets > 1 is rejected until the format is extended.
	ErrFragmented = errors.New("fragmented packets not supported")
)

// DataPacket is the outer record of every client attribute write.
// Wire layout:
//
//	ID      [1 byte]  - DATA or AUTH
//	Flags   [1 byte]  - bit 0: slow mode
//	Number  [1 byte]  - packet number within the message
//	Total   [1 byte]  - total packets for the message
//	IV      [12 bytes]
//	Data    [0..MaxDataLen bytes] - ciphertext (DATA) or base64 key (AUTH)
//	Tag     [16 bytes]
type DataPacket struct {
	ID       PacketID
	SlowMode bool
	Number   uint32
	Total    uint32
	IV       [crypto.IVSize]byte
	Data     []byte
	Tag      [crypto.TagSize]byte
}

// Encode serializes the packet to bytes.
func (p *DataPacket) Encode() ([]byte, error) {
	if len(p.Data) > MaxDataLen {
		return nil, ErrPacketTooLarge
	}
	if p.Number > 0xFF || p.Total > 0xFF {
		return nil, fmt.Errorf("%w: packet counters exceed one byte", ErrDecode)
	}

	buf := make([]byte, MinPacketSize+len(p.Data))
	buf[0] = byte(p.ID)
	if p.SlowMode {
		buf[1] |= flagSlowMode
	}
	buf[2] = byte(p.Number)
	buf[3] = byte(p.Total)

	offset := HeaderSize
	copy(buf[offset:], p.IV[:])
	offset += crypto.IVSize

	copy(buf[offset:], p.Data)
	offset += len(p.Data)

	copy(buf[offset:], p.Tag[:])

	return buf, nil
}

// DecodeDataPacket deserializes an outer record from an attribute write.
// The ciphertext length is implied by the write length.
func DecodeDataPacket(buf []byte) (*DataPacket, error) {
	if len(buf) < MinPacketSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrDecode, len(buf), MinPacketSize)
	}
	dataLen := len(buf) - MinPacketSize
	if dataLen > MaxDataLen {
		return nil, ErrPacketTooLarge
	}

	p := &DataPacket{
		ID:       PacketID(buf[0]),
		SlowMode: buf[1]&flagSlowMode != 0,
		Number:   uint32(buf[2]),
		Total:    uint32(buf[3]),
	}

	switch p.ID {
	case PacketData, PacketAuth:
	default:
		return nil, fmt.Errorf("%w: unknown packet id 0x%02x", ErrDecode, buf[0])
	}
	if p.Total > 1 {
		return nil, fmt.Errorf("%w: total_packets=%d", ErrFragmented, p.Total)
	}

	offset := HeaderSize
	copy(p.IV[:], buf[offset:offset+crypto.IVSize])
	offset += crypto.IVSize

	p.Data = make([]byte, dataLen)
	copy(p.Data, buf[offset:offset+dataLen])
	offset += dataLen

	copy(p.Tag[:], buf[offset:])

	return p, nil
}

// String returns a debug representation of the packet.
func (p *DataPacket) String() string {
	return fmt.Sprintf("DataPacket{ID=%s, Slow=%v, Number=%d, Total=%d, DataLen=%d}",
		PacketIDName(p.ID), p.SlowMode, p.Number, p.Total, len(p.Data))
}

// ResponsePacket is the device-to-client record on the notification
// characteristic.
// Wire layout:
//
//	Type    [1 byte]
//	Len     [1 byte]  - payload length, 0..32
//	Payload [Len bytes]
type ResponsePacket struct {
	Type      ResponseType
	Challenge []byte
}

// Encode serializes the response to bytes.
func (r *ResponsePacket) Encode() ([]byte, error) {
	if len(r.Challenge) > MaxChallengeLen {
		return nil, fmt.Errorf("%w: challenge %d bytes, max %d", ErrPacketTooLarge, len(r.Challenge), MaxChallengeLen)
	}

	buf := make([]byte, 2+len(r.Challenge))
	buf[0] = byte(r.Type)
	buf[1] = byte(len(r.Challenge))
	copy(buf[2:], r.Challenge)
	return buf, nil
}

// DecodeResponsePacket deserializes a notification record.
func DecodeResponsePacket(buf []byte) (*ResponsePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrDecode)
	}

	payloadLen := int(buf[1])
	if payloadLen > MaxChallengeLen {
		return nil, fmt.Errorf("%w: challenge length %d", ErrDecode, payloadLen)
	}
	if len(buf) < 2+payloadLen {
		return nil, fmt.Errorf("%w: response payload truncated", ErrDecode)
	}

	r := &ResponsePacket{Type: ResponseType(buf[0])}
	switch r.Type {
	case ResponseChallenge, ResponsePeerUnknown, ResponseReady, ResponseDrop,
		ResponseRecvReady, ResponseRecvNotReady:
	default:
		return nil, fmt.Errorf("%w: unknown response type 0x%02x", ErrDecode, buf[0])
	}

	if payloadLen > 0 {
		r.Challenge = make([]byte, payloadLen)
		copy(r.Challenge, buf[2:2+payloadLen])
	}
	return r, nil
}

// String returns a debug representation of the response.
func (r *ResponsePacket) String() string {
	return fmt.Sprintf("ResponsePacket{Type=%s, PayloadLen=%d}", ResponseTypeName(r.Type), len(r.Challenge))
}
