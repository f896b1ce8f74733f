package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events/eventstest"
	"golang.org/x/net/ipv4"
)

func TestPeerTableLifecycle(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &eventstest.Recorder{}
	table := NewPeerTable(fc, rec)

	p, isNew := table.Upsert(protocol.Announcement{DeviceName: "laptop", Port: 53317}, "192.168.1.20")
	if !isNew {
		t.Fatal("Expected first announcement to create a peer")
	}
	if p.ID != "laptop-192.168.1.20" {
		t.Errorf("Expected id laptop-192.168.1.20, got %s", p.ID)
	}
	if p.DeviceType != protocol.DeviceUnknown {
		t.Errorf("Expected unknown device type, got %s", p.DeviceType)
	}
	discoveredAt := p.DiscoveredAt

	fc.Advance(2 * time.Second)
	p, isNew = table.Upsert(protocol.Announcement{DeviceName: "laptop", Port: 6000, DeviceType: protocol.DeviceLaptop}, "192.168.1.20")
	if isNew {
		t.Error("Expected repeat announcement to update the existing peer")
	}
	if p.Port != 6000 || p.DeviceType != protocol.DeviceLaptop {
		t.Errorf("Expected port and type refreshed, got %+v", p)
	}
	if !p.DiscoveredAt.Equal(discoveredAt) {
		t.Error("DiscoveredAt should not change on refresh")
	}

	// Same name from another address is another peer
	fc.Advance(3 * time.Second)
	table.Upsert(protocol.Announcement{DeviceName: "laptop", Port: 53317}, "192.168.1.21")
	if got := len(table.List()); got != 2 {
		t.Fatalf("Expected 2 peers, got %d", got)
	}

	fc.Advance(4 * time.Second)
	online := table.Online()
	if len(online) != 1 || online[0].IP != "192.168.1.21" {
		t.Errorf("Expected only the fresher peer online, got %+v", online)
	}
	stale, _ := table.Get("laptop-192.168.1.20")
	if stale.Status != protocol.PeerOffline {
		t.Errorf("Expected offline status, got %s", stale.Status)
	}

	fc.Advance(4 * time.Second)
	lost := table.ExpireStale(DefaultStaleAfter)
	if len(lost) != 1 || lost[0].IP != "192.168.1.20" {
		t.Errorf("Expected the older peer expired, got %+v", lost)
	}
	if _, ok := table.Get("laptop-192.168.1.20"); ok {
		t.Error("Expected expired peer to be gone")
	}

	want := []string{events.PeerDiscovered, events.PeerDiscovered, events.PeerLost}
	got := rec.Types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestBroadcasterIngest(t *testing.T) {
	table := NewPeerTable(nil, nil)
	b := NewBroadcaster(Config{DeviceName: "me", TransferPort: 53317}, table, nil)

	tests := []struct {
		name string
		data string
		ip   string
		want bool
	}{
		{"valid", `{"device_name":"phone","port":53317,"device_type":"mobile"}`, "10.0.0.5", true},
		{"malformed", `{"device_name":`, "10.0.0.6", false},
		{"missing name", `{"port":53317}`, "10.0.0.7", false},
		{"bad port", `{"device_name":"x","port":70000}`, "10.0.0.8", false},
		{"own announcement", `{"device_name":"me","port":53317}`, "127.0.0.1", false},
		{"same name elsewhere", `{"device_name":"me","port":53317}`, "203.0.113.9", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.ingest([]byte(tt.data), tt.ip, nil); got != tt.want {
				t.Errorf("Expected ingest=%v, got %v", tt.want, got)
			}
		})
	}

	if got := len(table.List()); got != 2 {
		t.Errorf("Expected 2 peers, got %d", got)
	}
	p, ok := table.Get(PeerKey("phone", "10.0.0.5"))
	if !ok || p.DeviceType != protocol.DeviceMobile {
		t.Errorf("Expected mobile peer, got %+v", p)
	}
}

func TestBroadcasterUsesControlMessage(t *testing.T) {
	table := NewPeerTable(nil, nil)
	b := NewBroadcaster(Config{DeviceName: "me", TransferPort: 53317}, table, nil)
	b.ifaceAddrs = func(index int) map[string]bool {
		if index == 3 {
			return map[string]bool{"192.168.1.5": true}
		}
		return nil
	}
	own := `{"device_name":"me","port":53317}`
	other := `{"device_name":"tablet","port":53317}`

	tests := []struct {
		name string
		data string
		ip   string
		cm   *ipv4.ControlMessage
		want bool
	}{
		{"own address on receiving interface", own, "192.168.1.5", &ipv4.ControlMessage{IfIndex: 3, Dst: net.IPv4bcast}, false},
		{"same name from another host", own, "192.168.1.6", &ipv4.ControlMessage{IfIndex: 3, Dst: net.IPv4bcast}, true},
		{"other device on our address", other, "192.168.1.5", &ipv4.ControlMessage{IfIndex: 3, Dst: net.IPv4bcast}, true},
		{"unknown interface falls back to local set", own, "127.0.0.1", &ipv4.ControlMessage{IfIndex: 9}, false},
		{"multicast destination", other, "192.168.1.7", &ipv4.ControlMessage{IfIndex: 3, Dst: net.IPv4(224, 0, 0, 251)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.ingest([]byte(tt.data), tt.ip, tt.cm); got != tt.want {
				t.Errorf("Expected ingest=%v, got %v", tt.want, got)
			}
		})
	}

	if _, ok := table.Get(PeerKey("tablet", "192.168.1.7")); ok {
		t.Error("Multicast datagram must not add a peer")
	}
}

func TestBroadcasterReceivesDatagrams(t *testing.T) {
	spare, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	port := spare.LocalAddr().(*net.UDPAddr).Port
	spare.Close()

	table := NewPeerTable(nil, nil)
	b := NewBroadcaster(Config{
		DeviceName:    "me",
		TransferPort:  53317,
		DiscoveryPort: port,
		BroadcastAddr: "127.0.0.1",
		Interval:      50 * time.Millisecond,
	}, table, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	sender, err := net.Dial("udp4", protocol.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sender.Close()
	data, _ := json.Marshal(protocol.Announcement{DeviceName: "desk", Port: 4000, DeviceType: protocol.DeviceDesktop})

	deadline := time.Now().Add(5 * time.Second)
	found := false
	for time.Now().Before(deadline) && !found {
		sender.Write(data)
		time.Sleep(50 * time.Millisecond)
		_, found = table.Get(PeerKey("desk", "127.0.0.1"))
	}
	if !found {
		t.Fatal("Expected announcement to reach the table")
	}
	for _, p := range table.List() {
		if p.Name == "me" {
			t.Error("Own announcements must be ignored")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcaster did not stop")
	}
}

func TestDeviceTypeFromText(t *testing.T) {
	if got := deviceTypeFromText([]string{"foo=bar", "device_type=server"}); got != protocol.DeviceServer {
		t.Errorf("Expected server, got %s", got)
	}
	if got := deviceTypeFromText(nil); got != protocol.DeviceUnknown {
		t.Errorf("Expected unknown, got %s", got)
	}
}
