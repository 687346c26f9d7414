package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer seals and opens payloads carried under FlagEncrypted. Grounded on
// the teacher's RLPx FrameCodec (pkg/p2p/rlpx_frame_codec.go), which
// AES-CTR+HMACs frame payloads keyed off the handshake; this runtime's
// advisory encryption layer is optional per spec.md's Non-goals (no mandated
// transport security) and uses an AEAD construction instead, since frames
// here are already individually checksummed and a nonce-carrying AEAD needs
// no separate MAC step.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key (e.g. derived from a shared
// AUTH secret).
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("protocol: sealer init: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, prefixing the nonce to the returned ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("protocol: nonce generation: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("protocol: sealed payload shorter than nonce")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	plain, err := s.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: open sealed payload: %w", err)
	}
	return plain, nil
}
