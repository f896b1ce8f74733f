package crypto

import (
	"crypto/cipher"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

// Session encrypts and decrypts with a fixed AES-256-GCM key. Safe for
// concurrent use.
type Session struct {
	aead   cipher.AEAD
	nonces nonceSource
}

// NewSession creates a session from a 32-byte key
func NewSession(key []byte) (*Session, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Session{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, err := s.nonces.next()
	if err != nil {
		return nil, err
	}

	// Nonce is prepended to ciphertext
	out := make([]byte, 0, NonceSize+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt
func (s *Session) Decrypt(data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, errs.New(errs.Decryption, "ciphertext too short: %d bytes", len(data))
	}

	nonce := data[:NonceSize]
	plaintext, err := s.aead.Open(nil, nonce, data[NonceSize:], nil)
	if err != nil {
		return nil, errs.Wrap(errs.Decryption, err, "open")
	}
	return plaintext, nil
}

// Overhead is the number of bytes Encrypt adds to a plaintext
func (s *Session) Overhead() int {
	return NonceSize + s.aead.Overhead()
}
