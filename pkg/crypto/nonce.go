package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

// NonceSize is the GCM nonce length: 8-byte counter plus 4 random bytes
const NonceSize = 12

// nonceSource hands out nonces whose counter part strictly increases for the
// lifetime of a session.
type nonceSource struct {
	counter atomic.Uint64
}

// next fails once the counter is spent; the session must then be replaced
// rather than reuse a nonce under the same key.
func (n *nonceSource) next() ([]byte, error) {
	var c uint64
	for {
		cur := n.counter.Load()
		if cur == math.MaxUint64 {
			return nil, errs.New(errs.Encryption, "nonce counter exhausted")
		}
		if n.counter.CompareAndSwap(cur, cur+1) {
			c = cur + 1
			break
		}
	}
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint64(nonce[:8], c)
	if _, err := rand.Read(nonce[8:]); err != nil {
		return nil, errs.Wrap(errs.Encryption, err, "read nonce randomness")
	}
	return nonce, nil
}

// NonceCounter extracts the counter portion of a nonce
func NonceCounter(nonce []byte) uint64 {
	if len(nonce) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(nonce[:8])
}
