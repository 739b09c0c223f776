package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxKeycodeSlots is the number of key slots in a boot keyboard report.
	MaxKeycodeSlots = 6

	// MaxMouseFrames caps the relative-move frames in one mouse command.
	MaxMouseFrames = 10

	// MaxConsumerCodes caps the usage codes in one consumer-control command.
	MaxConsumerCodes = 16
)

// MouseFrame is a single relative mouse displacement.
type MouseFrame struct {
	X int32
	Y int32
}

// Command is the inner EncryptedData record: a tagged union over the
// device's command sinks. Exactly the fields of the active Kind are
// meaningful.
// Wire layout: a kind byte followed by the variant payload:
//
//	keyboard, rename    UTF-8 bytes
//	keycode             1..6 encoded key bytes
//	mouse               numFrames [1], frames [numFrames × (x,y int32 BE)],
//	                    lClick, rClick, wheel [int32 BE each]
//	consumer_control    n × uint16 BE usage codes
//	system_control      1 byte (0..3)
//	mouse_jiggle        1 byte (0 or 1)
type Command struct {
	Kind CommandKind

	// keyboard / rename
	Text string

	// keycode
	Keycodes []byte

	// mouse
	Frames []MouseFrame
	LClick int32
	RClick int32
	Wheel  int32

	// consumer_control
	Usages []uint16

	// system_control
	SystemCode uint8

	// mouse_jiggle
	JiggleEnable bool
}

// Encode serializes the command. The result must fit in MaxDataLen so that
// the sealed record fits one attribute write.
func (c *Command) Encode() ([]byte, error) {
	var buf []byte

	switch c.Kind {
	case CommandKeyboard, CommandRename:
		buf = make([]byte, 1+len(c.Text))
		buf[0] = byte(c.Kind)
		copy(buf[1:], c.Text)

	case CommandKeycode:
		if len(c.Keycodes) == 0 || len(c.Keycodes) > MaxKeycodeSlots {
			return nil, fmt.Errorf("%w: %d keycodes", ErrDecode, len(c.Keycodes))
		}
		buf = make([]byte, 1+len(c.Keycodes))
		buf[0] = byte(c.Kind)
		copy(buf[1:], c.Keycodes)

	case CommandMouse:
		if len(c.Frames) > MaxMouseFrames {
			return nil, fmt.Errorf("%w: %d mouse frames", ErrDecode, len(c.Frames))
		}
		buf = make([]byte, 1+1+len(c.Frames)*8+12)
		buf[0] = byte(c.Kind)
		buf[1] = byte(len(c.Frames))
		offset := 2
		for _, f := range c.Frames {
			binary.BigEndian.PutUint32(buf[offset:], uint32(f.X))
			binary.BigEndian.PutUint32(buf[offset+4:], uint32(f.Y))
			offset += 8
		}
		binary.BigEndian.PutUint32(buf[offset:], uint32(c.LClick))
		binary.BigEndian.PutUint32(buf[offset+4:], uint32(c.RClick))
		binary.BigEndian.PutUint32(buf[offset+8:], uint32(c.Wheel))

	case CommandConsumerControl:
		if len(c.Usages) == 0 || len(c.Usages) > MaxConsumerCodes {
			return nil, fmt.Errorf("%w: %d usage codes", ErrDecode, len(c.Usages))
		}
		buf = make([]byte, 1+len(c.Usages)*2)
		buf[0] = byte(c.Kind)
		for i, u := range c.Usages {
			binary.BigEndian.PutUint16(buf[1+i*2:], u)
		}

	case CommandSystemControl:
		if c.SystemCode > 3 {
			return nil, fmt.Errorf("%w: system code %d", ErrDecode, c.SystemCode)
		}
		buf = []byte{byte(c.Kind), c.SystemCode}

	case CommandMouseJiggle:
		buf = []byte{byte(c.Kind), 0}
		if c.JiggleEnable {
			buf[1] = 1
		}

	default:
		return nil, fmt.Errorf("%w: unknown command kind 0x%02x", ErrDecode, uint8(c.Kind))
	}

	if len(buf) > MaxDataLen {
		return nil, ErrPacketTooLarge
	}
	return buf, nil
}

// DecodeCommand deserializes an inner record recovered by AEAD open.
func DecodeCommand(buf []byte) (*Command, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrDecode)
	}
	if len(buf) > MaxDataLen {
		return nil, ErrPacketTooLarge
	}

	c := &Command{Kind: CommandKind(buf[0])}
	payload := buf[1:]

	switch c.Kind {
	case CommandKeyboard, CommandRename:
		c.Text = string(payload)

	case CommandKeycode:
		if len(payload) == 0 || len(payload) > MaxKeycodeSlots {
			return nil, fmt.Errorf("%w: keycode payload %d bytes", ErrDecode, len(payload))
		}
		c.Keycodes = make([]byte, len(payload))
		copy(c.Keycodes, payload)

	case CommandMouse:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: mouse payload missing frame count", ErrDecode)
		}
		numFrames := int(payload[0])
		if numFrames > MaxMouseFrames {
			return nil, fmt.Errorf("%w: %d mouse frames", ErrDecode, numFrames)
		}
		if len(payload) != 1+numFrames*8+12 {
			return nil, fmt.Errorf("%w: mouse payload %d bytes for %d frames", ErrDecode, len(payload), numFrames)
		}
		offset := 1
		c.Frames = make([]MouseFrame, numFrames)
		for i := range c.Frames {
			c.Frames[i].X = int32(binary.BigEndian.Uint32(payload[offset:]))
			c.Frames[i].Y = int32(binary.BigEndian.Uint32(payload[offset+4:]))
			offset += 8
		}
		c.LClick = int32(binary.BigEndian.Uint32(payload[offset:]))
		c.RClick = int32(binary.BigEndian.Uint32(payload[offset+4:]))
		c.Wheel = int32(binary.BigEndian.Uint32(payload[offset+8:]))

	case CommandConsumerControl:
		if len(payload) == 0 || len(payload)%2 != 0 || len(payload)/2 > MaxConsumerCodes {
			return nil, fmt.Errorf("%w: consumer payload %d bytes", ErrDecode, len(payload))
		}
		c.Usages = make([]uint16, len(payload)/2)
		for i := range c.Usages {
			c.Usages[i] = binary.BigEndian.Uint16(payload[i*2:])
		}

	case CommandSystemControl:
		if len(payload) != 1 || payload[0] > 3 {
			return nil, fmt.Errorf("%w: system control payload", ErrDecode)
		}
		c.SystemCode = payload[0]

	case CommandMouseJiggle:
		if len(payload) != 1 || payload[0] > 1 {
			return nil, fmt.Errorf("%w: jiggle payload", ErrDecode)
		}
		c.JiggleEnable = payload[0] == 1

	default:
		return nil, fmt.Errorf("%w: unknown command kind 0x%02x", ErrDecode, buf[0])
	}

	return c, nil
}

// String returns a debug representation of the command.
func (c *Command) String() string {
	return fmt.Sprintf("Command{Kind=%s}", CommandKindName(c.Kind))
}
