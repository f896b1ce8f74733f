// Package discovery keeps the table of peers seen on the local network,
// fed by UDP broadcast announcements and, optionally, mDNS.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
)

// PeerKey is the table key for a device name seen at ip
func PeerKey(name, ip string) string {
	return name + "-" + ip
}

// PeerTable is the set of known peers. Online status is always derived from
// LastSeen at read time.
type PeerTable struct {
	mu     sync.RWMutex
	peers  map[string]*protocol.PeerInfo
	clock  clock.Clock
	events events.Emitter
}

func NewPeerTable(c clock.Clock, emitter events.Emitter) *PeerTable {
	return &PeerTable{
		peers:  make(map[string]*protocol.PeerInfo),
		clock:  clock.OrReal(c),
		events: events.OrNop(emitter),
	}
}

// Upsert records an announcement from ip. It reports whether the peer is new.
func (t *PeerTable) Upsert(a protocol.Announcement, ip string) (protocol.PeerInfo, bool) {
	now := t.clock.Now()
	key := PeerKey(a.DeviceName, ip)
	deviceType := a.DeviceType
	if deviceType == "" {
		deviceType = protocol.DeviceUnknown
	}

	t.mu.Lock()
	p, ok := t.peers[key]
	if !ok {
		p = &protocol.PeerInfo{
			ID:           key,
			Name:         a.DeviceName,
			IP:           ip,
			DiscoveredAt: now,
		}
		t.peers[key] = p
	}
	p.Port = a.Port
	p.DeviceType = deviceType
	p.LastSeen = now
	p.Status = protocol.PeerAvailable
	snapshot := *p
	online := t.onlineLocked(now)
	t.mu.Unlock()

	metrics.SetPeersOnline(online)
	if !ok {
		t.events.Emit(events.PeerDiscovered, snapshot)
	}
	return snapshot, !ok
}

// Get returns the peer with its current status
func (t *PeerTable) Get(id string) (protocol.PeerInfo, bool) {
	now := t.clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return protocol.PeerInfo{}, false
	}
	return withStatus(*p, now), true
}

// List returns every known peer sorted by name, stale ones marked offline
func (t *PeerTable) List() []protocol.PeerInfo {
	return t.collect(false)
}

// Online returns only peers seen within the online window
func (t *PeerTable) Online() []protocol.PeerInfo {
	return t.collect(true)
}

func (t *PeerTable) collect(onlineOnly bool) []protocol.PeerInfo {
	now := t.clock.Now()
	t.mu.RLock()
	out := make([]protocol.PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		if onlineOnly && !p.IsOnline(now) {
			continue
		}
		out = append(out, withStatus(*p, now))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// ExpireStale drops peers not seen for maxAge and returns them
func (t *PeerTable) ExpireStale(maxAge time.Duration) []protocol.PeerInfo {
	now := t.clock.Now()
	var lost []protocol.PeerInfo

	t.mu.Lock()
	for key, p := range t.peers {
		if now.Sub(p.LastSeen) > maxAge {
			p.Status = protocol.PeerOffline
			lost = append(lost, *p)
			delete(t.peers, key)
		}
	}
	online := t.onlineLocked(now)
	t.mu.Unlock()

	metrics.SetPeersOnline(online)
	for _, p := range lost {
		t.events.Emit(events.PeerLost, p)
	}
	return lost
}

// Remove forgets a peer, e.g. after an mDNS goodbye
func (t *PeerTable) Remove(id string) bool {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()
	if ok {
		t.events.Emit(events.PeerLost, *p)
	}
	return ok
}

func (t *PeerTable) onlineLocked(now time.Time) int {
	n := 0
	for _, p := range t.peers {
		if p.IsOnline(now) {
			n++
		}
	}
	return n
}

func withStatus(p protocol.PeerInfo, now time.Time) protocol.PeerInfo {
	if !p.IsOnline(now) {
		p.Status = protocol.PeerOffline
	}
	return p
}
