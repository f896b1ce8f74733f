package crypto

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/logger"
)

const (
	// HTTPKeyInfo is the HKDF info string shared with the browser client
	HTTPKeyInfo = "peersend-http-aes-gcm"

	DefaultSessionTTL    = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// HTTPSession is an encrypted session negotiated with a browser
type HTTPSession struct {
	ID        string
	Session   *Session
	CreatedAt time.Time
	ttl       time.Duration
}

// IsExpired reports whether the session is older than its TTL
func (s *HTTPSession) IsExpired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.ttl
}

// SessionManager tracks browser sessions keyed by session id
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*HTTPSession
	ttl      time.Duration
	clock    clock.Clock
	log      *logger.Logger
}

// NewSessionManager creates a manager. A zero ttl means DefaultSessionTTL.
func NewSessionManager(ttl time.Duration, c clock.Clock, log *logger.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		sessions: make(map[string]*HTTPSession),
		ttl:      ttl,
		clock:    clock.OrReal(c),
		log:      logger.OrDiscard(log, "HTTP Crypto"),
	}
}

// Handshake performs P-256 ECDH against the client's uncompressed public key
// and stores a new session. It returns the session id and the server's
// uncompressed public key.
func (m *SessionManager) Handshake(clientPublic []byte) (string, []byte, error) {
	curve := ecdh.P256()
	peer, err := curve.NewPublicKey(clientPublic)
	if err != nil {
		return "", nil, errs.Wrap(errs.KeyExchange, err, "invalid client public key")
	}

	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, errs.Wrap(errs.KeyExchange, err, "generate server key")
	}

	shared, err := priv.ECDH(peer)
	if err != nil {
		return "", nil, errs.Wrap(errs.KeyExchange, err, "ecdh")
	}

	key, err := DeriveKey(shared, HTTPKeyInfo)
	if err != nil {
		return "", nil, err
	}
	sess, err := NewSession(key)
	if err != nil {
		return "", nil, err
	}

	hs := &HTTPSession{
		ID:        uuid.New().String(),
		Session:   sess,
		CreatedAt: m.clock.Now(),
		ttl:       m.ttl,
	}

	m.mu.Lock()
	m.sessions[hs.ID] = hs
	m.mu.Unlock()

	m.log.Debug("Established session %s", hs.ID)
	return hs.ID, priv.PublicKey().Bytes(), nil
}

// Get returns a live session. Expired sessions are removed and reported absent.
func (m *SessionManager) Get(id string) (*HTTPSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if hs.IsExpired(m.clock.Now()) {
		delete(m.sessions, id)
		return nil, false
	}
	return hs, true
}

func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CleanupExpired removes expired sessions and returns how many were dropped
func (m *SessionManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	count := 0
	for id, hs := range m.sessions {
		if hs.IsExpired(now) {
			delete(m.sessions, id)
			count++
		}
	}
	return count
}

// Start sweeps expired sessions every interval until ctx is done
func (m *SessionManager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupExpired(); n > 0 {
				m.log.Info("Removed %d expired sessions", n)
			}
		}
	}
}
