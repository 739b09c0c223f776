// Package crypto implements the cryptographic engine for the secure session:
// ECDH key agreement over secp256r1, HKDF-SHA256 key derivation, and
// AES-256-GCM sealing of command records.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of AES keys and raw ECDH shared secrets in bytes.
	KeySize = 32

	// IVSize is the size of AES-GCM initialization vectors in bytes.
	IVSize = 12

	// TagSize is the size of AES-GCM authentication tags in bytes.
	TagSize = 16

	// PublicKeySize is the size of an uncompressed secp256r1 point
	// (0x04 prefix + X + Y).
	PublicKeySize = 65

	// CompressedPublicKeySize is the size of a compressed secp256r1 point
	// (parity prefix + X).
	CompressedPublicKeySize = 33
)

var (
	// ErrInvalidPeerKey is returned when a peer public key has the wrong
	// length or prefix, or is not a point on the curve.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrAgreementFailed is returned when the ECDH backend rejects an
	// otherwise well-formed key agreement.
	ErrAgreementFailed = errors.New("ecdh agreement failed")

	// ErrKeyDerivation is returned when HKDF cannot produce the requested
	// output key material.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrAuthFailure is returned when an AEAD open fails authentication.
	ErrAuthFailure = errors.New("aead authentication failed")
)

// Keypair holds an ephemeral secp256r1 keypair generated for one pairing
// window. The private scalar lives only inside the ecdh handle; Destroy
// drops it as soon as the shared secret is computed or the window ends.
type Keypair struct {
	priv *ecdh.PrivateKey

	// Public is the uncompressed public point (65 bytes).
	Public [PublicKeySize]byte

	// Compressed is the compressed public point (33 bytes).
	Compressed [CompressedPublicKeySize]byte
}

// GenerateKeypair generates a fresh ephemeral secp256r1 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	kp := &Keypair{priv: priv}
	pub := priv.PublicKey().Bytes()
	if len(pub) != PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected public key length %d", ErrAgreementFailed, len(pub))
	}
	copy(kp.Public[:], pub)

	// Compressed form: 0x02 if Y is even, 0x03 if odd, followed by X.
	if pub[PublicKeySize-1]&0x01 == 0x01 {
		kp.Compressed[0] = 0x03
	} else {
		kp.Compressed[0] = 0x02
	}
	copy(kp.Compressed[1:], pub[1:CompressedPublicKeySize])

	return kp, nil
}

// Destroyed reports whether the private scalar has been dropped.
func (kp *Keypair) Destroyed() bool {
	return kp == nil || kp.priv == nil
}

// Destroy drops the private scalar and clears the public point copies.
// The keypair cannot agree after this.
func (kp *Keypair) Destroy() {
	if kp == nil {
		return
	}
	kp.priv = nil
	ZeroBytes(kp.Public[:])
	ZeroBytes(kp.Compressed[:])
}

// Agree performs ECDH between the ephemeral private key and the peer's
// uncompressed public point and returns the raw 32-byte x-coordinate.
// A 66-byte input with a trailing NUL is accepted as a convenience for
// base64-decoded buffers.
func (kp *Keypair) Agree(peerPublic []byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	if kp.Destroyed() {
		return shared, fmt.Errorf("%w: no private key", ErrAgreementFailed)
	}

	if len(peerPublic) == PublicKeySize+1 && peerPublic[PublicKeySize] == 0x00 {
		peerPublic = peerPublic[:PublicKeySize]
	}
	if len(peerPublic) != PublicKeySize {
		return shared, fmt.Errorf("%w: length %d, want %d", ErrInvalidPeerKey, len(peerPublic), PublicKeySize)
	}
	if peerPublic[0] != 0x04 {
		return shared, fmt.Errorf("%w: prefix 0x%02x, want 0x04", ErrInvalidPeerKey, peerPublic[0])
	}

	// NewPublicKey rejects points that are not on the curve.
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	secret, err := kp.priv.ECDH(pub)
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrAgreementFailed, err)
	}
	if len(secret) != KeySize {
		return shared, fmt.Errorf("%w: secret length %d", ErrAgreementFailed, len(secret))
	}

	copy(shared[:], secret)
	ZeroBytes(secret)
	return shared, nil
}

// HKDFSHA256 derives 32 bytes of output key material from the input key
// material. Salt may be empty.
func HKDFSHA256(salt, ikm, info []byte) ([KeySize]byte, error) {
	var okm [KeySize]byte
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, okm[:]); err != nil {
		return okm, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return okm, nil
}

// Seal encrypts plaintext under key with a freshly random IV and no
// associated data. The ciphertext has the same length as the plaintext;
// the 16-byte tag is returned separately.
func Seal(key [KeySize]byte, plaintext []byte) (iv [IVSize]byte, ciphertext []byte, tag [TagSize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, iv[:]); err != nil {
		err = fmt.Errorf("generate iv: %w", err)
		return
	}

	aead, err := newGCM(key)
	if err != nil {
		return
	}

	sealed := aead.Seal(nil, iv[:], plaintext, nil)
	ciphertext = sealed[:len(plaintext)]
	copy(tag[:], sealed[len(plaintext):])
	return
}

// Open decrypts and authenticates ciphertext. The tag comparison is
// constant time inside the GCM implementation; failures never yield
// plaintext.
func Open(key [KeySize]byte, iv [IVSize]byte, ciphertext []byte, tag [TagSize]byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)

	plaintext, err := aead.Open(nil, iv[:], sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes setup: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm setup: %w", err)
	}
	return aead, nil
}

// Random returns n cryptographically strong random bytes.
func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from
// lingering in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
