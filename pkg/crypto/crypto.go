// Package crypto provides end-to-end encryption for P2P file transfers and
// for the browser share gateway.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"github.com/p2p-filesharing/peersend/pkg/errs"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length
const KeySize = 32

// newAEAD builds AES-256-GCM from a 32-byte key
func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KeyExchange, "key must be %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "create gcm")
	}
	return gcm, nil
}

// DeriveKey expands a shared secret into one AES-256 key with HKDF-SHA256
func DeriveKey(sharedSecret []byte, info string) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, nil, []byte(info))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "derive key")
	}
	return key, nil
}
