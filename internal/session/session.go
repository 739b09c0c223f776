// Package session owns the device's ephemeral keypair, the per-peer AES key
// for the active connection, and the enrollment/derivation/teardown policies
// around them. It consumes the crypto engine and the keystore.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cendern/toothpaste/internal/crypto"
	"github.com/cendern/toothpaste/internal/keystore"
	"github.com/cendern/toothpaste/internal/logging"
)

// HKDFInfo is the fixed info string for session key derivation. It must
// match the client side exactly.
const HKDFInfo = "aes-gcm-256"

// SaltSize is the size of the session salt sent as the challenge payload.
const SaltSize = 32

var (
	// ErrNotInitialized is returned when the session has no keystore.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrNoSession is returned when no session key has been derived.
	ErrNoSession = errors.New("no active session key")

	// ErrNoSharedSecret is returned when derivation is attempted before a
	// shared secret is loaded or computed.
	ErrNoSharedSecret = errors.New("no shared secret in memory")
)

// Session is the device's secure-session state. All methods are called from
// the packet worker or the pairing orchestrator; the mutex covers the
// orchestrator's timer goroutine.
type Session struct {
	store  *keystore.Store
	logger *slog.Logger

	mu          sync.Mutex
	keypair     *crypto.Keypair
	shared      [crypto.KeySize]byte
	sharedReady bool
	aesKey      [crypto.KeySize]byte
	aesKeyReady bool
	salt        [SaltSize]byte
}

// New creates a session bound to the keystore.
func New(store *keystore.Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{
		store:  store,
		logger: logger.With(logging.KeyComponent, "session"),
	}
}

// GenerateKeypair creates a fresh ephemeral keypair for a pairing window
// and returns the base64 encoding of the compressed public key (44 chars).
// Any prior ephemeral key is destroyed.
func (s *Session) GenerateKeypair() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return "", ErrNotInitialized
	}

	s.keypair.Destroy()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return "", err
	}
	s.keypair = kp

	return base64.StdEncoding.EncodeToString(kp.Compressed[:]), nil
}

// PublicKey returns the uncompressed public point of the live ephemeral
// keypair, for diagnostics. The pairing side channel carries the compressed
// form returned by GenerateKeypair instead.
func (s *Session) PublicKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keypair.Destroyed() {
		return nil, ErrNoSharedSecret
	}
	pub := make([]byte, crypto.PublicKeySize)
	copy(pub, s.keypair.Public[:])
	return pub, nil
}

// HasKeypair reports whether an ephemeral keypair is live.
func (s *Session) HasKeypair() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.keypair.Destroyed()
}

// ComputeSharedSecret runs ECDH against the peer's uncompressed public key,
// persists the shared secret under the peer's fingerprint, derives the
// session key, and generates a fresh session salt. The ephemeral private
// scalar is destroyed whether or not the flow succeeds; on failure the
// session is left without a key.
func (s *Session) ComputeSharedSecret(peerPublic []byte, peerBase64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return ErrNotInitialized
	}

	shared, err := s.keypair.Agree(peerPublic)
	s.keypair.Destroy()
	s.keypair = nil
	if err != nil {
		s.clearLocked()
		return err
	}

	s.shared = shared
	s.sharedReady = true

	fp := keystore.Fingerprint(peerBase64)
	if err := s.store.Put(fp, shared); err != nil {
		s.clearLocked()
		return err
	}
	s.logger.Debug("enrollment stored", logging.KeyFingerprint, fp)

	return s.deriveLocked()
}

// LoadIfEnrolled looks the peer up by fingerprint and, when enrolled, loads
// the shared secret into memory. It does not derive the session key; the
// caller follows with Derive.
func (s *Session) LoadIfEnrolled(peerBase64 string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store == nil {
		return false, ErrNotInitialized
	}

	fp := keystore.Fingerprint(peerBase64)
	shared, err := s.store.Load(fp)
	if errors.Is(err, keystore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.shared = shared
	s.sharedReady = true
	return true, nil
}

// Derive runs the HKDF step on the in-memory shared secret and generates a
// fresh session salt.
func (s *Session) Derive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deriveLocked()
}

func (s *Session) deriveLocked() error {
	if !s.sharedReady {
		return ErrNoSharedSecret
	}

	key, err := crypto.HKDFSHA256(nil, s.shared[:], []byte(HKDFInfo))
	if err != nil {
		s.clearLocked()
		return err
	}
	s.aesKey = key
	s.aesKeyReady = true

	salt, err := crypto.Random(SaltSize)
	if err != nil {
		s.clearLocked()
		return fmt.Errorf("session salt: %w", err)
	}
	copy(s.salt[:], salt)
	crypto.ZeroBytes(salt)

	return nil
}

// Ready reports whether a session key is live.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aesKeyReady
}

// Salt returns the current session salt.
func (s *Session) Salt() [SaltSize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salt
}

// Seal encrypts plaintext under the session key.
func (s *Session) Seal(plaintext []byte) (iv [crypto.IVSize]byte, ciphertext []byte, tag [crypto.TagSize]byte, err error) {
	s.mu.Lock()
	key, ready := s.aesKey, s.aesKeyReady
	s.mu.Unlock()

	if !ready {
		err = ErrNoSession
		return
	}
	return crypto.Seal(key, plaintext)
}

// Open decrypts and authenticates a sealed record under the session key.
func (s *Session) Open(iv [crypto.IVSize]byte, ciphertext []byte, tag [crypto.TagSize]byte) ([]byte, error) {
	s.mu.Lock()
	key, ready := s.aesKey, s.aesKeyReady
	s.mu.Unlock()

	if !ready {
		return nil, ErrNoSession
	}
	return crypto.Open(key, iv, ciphertext, tag)
}

// VerifyChallenge checks a client proof: the session salt sealed back under
// the session key. The dispatch path wires this in only when challenge
// proof is required by configuration.
func (s *Session) VerifyChallenge(iv [crypto.IVSize]byte, ciphertext []byte, tag [crypto.TagSize]byte) bool {
	plaintext, err := s.Open(iv, ciphertext, tag)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(plaintext) != SaltSize {
		return false
	}
	match := true
	for i := range s.salt {
		if plaintext[i] != s.salt[i] {
			match = false
		}
	}
	return match
}

// Teardown zeroes the session key and shared secret, destroys any live
// ephemeral keypair, and clears the ready flags.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Session) clearLocked() {
	s.keypair.Destroy()
	s.keypair = nil
	crypto.ZeroKey(&s.aesKey)
	crypto.ZeroKey(&s.shared)
	crypto.ZeroBytes(s.salt[:])
	s.aesKeyReady = false
	s.sharedReady = false
}
