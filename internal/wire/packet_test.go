package wire

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/cendern/toothpaste/internal/crypto"
)

func TestDataPacket_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := &DataPacket{
			ID:       PacketID(rapid.IntRange(0, 1).Draw(t, "id")),
			SlowMode: rapid.Bool().Draw(t, "slow"),
			Number:   uint32(rapid.IntRange(0, 255).Draw(t, "number")),
			Total:    uint32(rapid.IntRange(0, 1).Draw(t, "total")),
			Data:     rapid.SliceOfN(rapid.Byte(), 0, MaxDataLen).Draw(t, "data"),
		}
		copy(p.IV[:], rapid.SliceOfN(rapid.Byte(), crypto.IVSize, crypto.IVSize).Draw(t, "iv"))
		copy(p.Tag[:], rapid.SliceOfN(rapid.Byte(), crypto.TagSize, crypto.TagSize).Draw(t, "tag"))

		encoded, err := p.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}

		got, err := DecodeDataPacket(encoded)
		if err != nil {
			t.Fatalf("DecodeDataPacket() error = %v", err)
		}

		if got.ID != p.ID || got.SlowMode != p.SlowMode || got.Number != p.Number || got.Total != p.Total {
			t.Fatalf("header mismatch: got %v, want %v", got, p)
		}
		if got.IV != p.IV || got.Tag != p.Tag || !bytes.Equal(got.Data, p.Data) {
			t.Fatal("body mismatch after round trip")
		}
	})
}

func TestDecodeDataPacket_MinimumSize(t *testing.T) {
	// Exactly header + IV + tag with empty ciphertext is accepted.
	buf := make([]byte, MinPacketSize)
	buf[0] = byte(PacketData)
	buf[3] = 1

	p, err := DecodeDataPacket(buf)
	if err != nil {
		t.Fatalf("DecodeDataPacket(32 bytes) error = %v", err)
	}
	if len(p.Data) != 0 {
		t.Errorf("data length = %d, want 0", len(p.Data))
	}

	// One byte short is rejected.
	if _, err := DecodeDataPacket(buf[:MinPacketSize-1]); err == nil {
		t.Error("DecodeDataPacket(31 bytes) should fail")
	}
}

func TestDecodeDataPacket_RejectsFragmented(t *testing.T) {
	buf := make([]byte, MinPacketSize)
	buf[0] = byte(PacketData)
	buf[2] = 1
	buf[3] = 2 // total_packets > 1

	_, err := DecodeDataPacket(buf)
	if !errors.Is(err, ErrFragmented) {
		t.Errorf("error = %v, want ErrFragmented", err)
	}
}

func TestDecodeDataPacket_RejectsUnknownID(t *testing.T) {
	buf := make([]byte, MinPacketSize)
	buf[0] = 0x7F
	buf[3] = 1

	if _, err := DecodeDataPacket(buf); !errors.Is(err, ErrDecode) {
		t.Errorf("error = %v, want ErrDecode", err)
	}
}

func TestDecodeDataPacket_RejectsOversize(t *testing.T) {
	buf := make([]byte, MinPacketSize+MaxDataLen+1)
	buf[0] = byte(PacketData)
	buf[3] = 1

	if _, err := DecodeDataPacket(buf); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("error = %v, want ErrPacketTooLarge", err)
	}
}

func TestDataPacket_EncodeOversize(t *testing.T) {
	p := &DataPacket{ID: PacketData, Total: 1, Data: make([]byte, MaxDataLen+1)}
	if _, err := p.Encode(); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("error = %v, want ErrPacketTooLarge", err)
	}
}

func TestResponsePacket_RoundTrip(t *testing.T) {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = byte(i)
	}

	tests := []ResponsePacket{
		{Type: ResponseChallenge, Challenge: salt},
		{Type: ResponsePeerUnknown},
		{Type: ResponseReady},
		{Type: ResponseDrop},
		{Type: ResponseRecvReady},
		{Type: ResponseRecvNotReady},
	}

	for _, want := range tests {
		t.Run(ResponseTypeName(want.Type), func(t *testing.T) {
			encoded, err := want.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := DecodeResponsePacket(encoded)
			if err != nil {
				t.Fatalf("DecodeResponsePacket() error = %v", err)
			}
			if got.Type != want.Type || !bytes.Equal(got.Challenge, want.Challenge) {
				t.Errorf("round trip mismatch: got %v, want %v", got, &want)
			}
		})
	}
}

func TestResponsePacket_ChallengeTooLong(t *testing.T) {
	r := &ResponsePacket{Type: ResponseChallenge, Challenge: make([]byte, MaxChallengeLen+1)}
	if _, err := r.Encode(); err == nil {
		t.Error("Encode with 33-byte challenge should fail")
	}
}

func TestDecodeResponsePacket_Truncated(t *testing.T) {
	if _, err := DecodeResponsePacket([]byte{byte(ResponseChallenge)}); err == nil {
		t.Error("one-byte response should fail")
	}
	// Declared length longer than buffer.
	if _, err := DecodeResponsePacket([]byte{byte(ResponseChallenge), 4, 1, 2}); err == nil {
		t.Error("truncated payload should fail")
	}
}
