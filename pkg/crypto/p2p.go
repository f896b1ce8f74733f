package crypto

import (
	"crypto/rand"

	"github.com/p2p-filesharing/peersend/pkg/errs"
	"golang.org/x/crypto/curve25519"
)

// KeyExchange is one side of an X25519 exchange between two nodes. The
// sender is the initiator and puts its public key in the file request; the
// receiver responds with its own in the file response.
type KeyExchange struct {
	private [curve25519.ScalarSize]byte
	public  []byte
}

func newKeyExchange() (*KeyExchange, error) {
	kx := &KeyExchange{}
	if _, err := rand.Read(kx.private[:]); err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "generate private key")
	}
	pub, err := curve25519.X25519(kx.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "derive public key")
	}
	kx.public = pub
	return kx, nil
}

// KeyExchangeInitiator starts an exchange on the sending side
func KeyExchangeInitiator() (*KeyExchange, error) {
	return newKeyExchange()
}

// KeyExchangeResponder answers an exchange on the receiving side
func KeyExchangeResponder() (*KeyExchange, error) {
	return newKeyExchange()
}

// PublicKey returns the 32-byte public key to send to the peer
func (kx *KeyExchange) PublicKey() []byte {
	out := make([]byte, len(kx.public))
	copy(out, kx.public)
	return out
}

// Complete derives the session from the peer's public key. The raw X25519
// shared secret is the AES-256 key.
func (kx *KeyExchange) Complete(peerPublic []byte) (*Session, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, errs.New(errs.KeyExchange, "peer public key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	shared, err := curve25519.X25519(kx.private[:], peerPublic)
	if err != nil {
		return nil, errs.Wrap(errs.KeyExchange, err, "x25519")
	}
	return NewSession(shared)
}
