// Package wire implements the attribute-stream wire format: the outer
// DataPacket record carried by client writes, the ResponsePacket record
// pushed over the notification characteristic, and the inner EncryptedData
// command union recovered after AEAD open.
package wire

// PacketID identifies the kind of an outer DataPacket.
type PacketID uint8

const (
	// PacketData carries an AEAD-sealed EncryptedData record.
	PacketData PacketID = 0x00

	// PacketAuth carries a plaintext base64 peer public key.
	PacketAuth PacketID = 0x01
)

// PacketIDName returns a human-readable packet ID name.
func PacketIDName(id PacketID) string {
	switch id {
	case PacketData:
		return "DATA"
	case PacketAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// ResponseType identifies the kind of a ResponsePacket notification.
type ResponseType uint8

const (
	// ResponseChallenge carries the fresh session salt after a successful
	// enrollment or known-peer derivation.
	ResponseChallenge ResponseType = 0x01

	// ResponsePeerUnknown tells the peer its fingerprint is not enrolled.
	ResponsePeerUnknown ResponseType = 0x02

	// ResponseReady tells the peer the device accepts DATA packets.
	ResponseReady ResponseType = 0x03

	// ResponseDrop tells the peer the last packet was discarded.
	ResponseDrop ResponseType = 0x04

	// ResponseRecvReady signals free space in the command queue.
	ResponseRecvReady ResponseType = 0x05

	// ResponseRecvNotReady signals the command queue is full.
	ResponseRecvNotReady ResponseType = 0x06
)

// ResponseTypeName returns a human-readable response type name.
func ResponseTypeName(rt ResponseType) string {
	switch rt {
	case ResponseChallenge:
		return "CHALLENGE"
	case ResponsePeerUnknown:
		return "PEER_UNKNOWN"
	case ResponseReady:
		return "READY"
	case ResponseDrop:
		return "DROP"
	case ResponseRecvReady:
		return "RECV_READY"
	case ResponseRecvNotReady:
		return "RECV_NOT_READY"
	default:
		return "UNKNOWN"
	}
}

// CommandKind identifies the variant of an inner EncryptedData record.
type CommandKind uint8

const (
	CommandKeyboard        CommandKind = 0x01
	CommandKeycode         CommandKind = 0x02
	CommandMouse           CommandKind = 0x03
	CommandConsumerControl CommandKind = 0x04
	CommandSystemControl   CommandKind = 0x05
	CommandMouseJiggle     CommandKind = 0x06
	CommandRename          CommandKind = 0x07
)

// CommandKindName returns a human-readable command kind name.
func CommandKindName(k CommandKind) string {
	switch k {
	case CommandKeyboard:
		return "keyboard"
	case CommandKeycode:
		return "keycode"
	case CommandMouse:
		return "mouse"
	case CommandConsumerControl:
		return "consumer_control"
	case CommandSystemControl:
		return "system_control"
	case CommandMouseJiggle:
		return "mouse_jiggle"
	case CommandRename:
		return "rename"
	default:
		return "unknown"
	}
}
