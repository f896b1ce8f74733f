package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"golang.org/x/net/ipv4"
)

const maxDatagram = 2048

// Broadcaster announces this node on the discovery port and ingests the
// announcements of others
type Broadcaster struct {
	cfg   Config
	table *PeerTable
	log   *logger.Logger
	local map[string]bool
	// ifaceAddrs lists the addresses bound to an interface index
	ifaceAddrs func(index int) map[string]bool
}

func NewBroadcaster(cfg Config, table *PeerTable, log *logger.Logger) *Broadcaster {
	cfg.setDefaults()
	return &Broadcaster{
		cfg:        cfg,
		table:      table,
		log:        logger.OrDiscard(log, "Discovery"),
		local:      localAddrs(),
		ifaceAddrs: interfaceAddrs,
	}
}

// Run binds the discovery port and blocks until ctx ends
func (b *Broadcaster) Run(ctx context.Context) error {
	c, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", b.cfg.DiscoveryPort))
	if err != nil {
		return fmt.Errorf("listen on discovery port %d: %w", b.cfg.DiscoveryPort, err)
	}
	pc := ipv4.NewPacketConn(c)
	defer pc.Close()

	// Destination info is not available everywhere; reads still work without it
	if err := pc.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		b.log.Debug("Control messages unavailable: %v", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", protocol.JoinHostPort(b.cfg.BroadcastAddr, b.cfg.DiscoveryPort))
	if err != nil {
		return fmt.Errorf("resolve broadcast address: %w", err)
	}
	b.log.Info("Announcing %q on %s every %s", b.cfg.DeviceName, dst, b.cfg.Interval)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.readLoop(pc)
	}()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	b.announce(pc, dst)
	for {
		select {
		case <-ctx.Done():
			pc.Close()
			<-done
			return nil
		case <-done:
			return errors.New("discovery listener stopped")
		case <-ticker.C:
			b.announce(pc, dst)
		}
	}
}

func (b *Broadcaster) announce(pc *ipv4.PacketConn, dst net.Addr) {
	data, err := json.Marshal(protocol.Announcement{
		DeviceName: b.cfg.DeviceName,
		Port:       b.cfg.TransferPort,
		DeviceType: b.cfg.DeviceType,
	})
	if err != nil {
		return
	}
	if _, err := pc.WriteTo(data, nil, dst); err != nil {
		b.log.Debug("Announce failed: %v", err)
	}
}

func (b *Broadcaster) readLoop(pc *ipv4.PacketConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Warn("Discovery read error: %v", err)
			}
			return
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		b.ingest(buf[:n], udp.IP.String(), cm)
	}
}

// ingest parses one datagram and updates the table. Malformed datagrams,
// datagrams sent to a multicast group and our own announcements are dropped.
// With a control message, our own announcement is one whose source is an
// address of the interface it arrived on; without one, any local address.
func (b *Broadcaster) ingest(data []byte, ip string, cm *ipv4.ControlMessage) bool {
	if cm != nil && cm.Dst != nil && cm.Dst.IsMulticast() {
		return false
	}
	var a protocol.Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		b.log.Debug("Ignoring malformed datagram from %s", ip)
		return false
	}
	if a.DeviceName == "" || a.Port <= 0 || a.Port > 65535 {
		return false
	}
	if a.DeviceName == b.cfg.DeviceName && b.isSelf(ip, cm) {
		return false
	}
	if _, isNew := b.table.Upsert(a, ip); isNew {
		b.log.Info("Discovered %s at %s:%d", a.DeviceName, ip, a.Port)
	}
	return true
}

func (b *Broadcaster) isSelf(ip string, cm *ipv4.ControlMessage) bool {
	if cm == nil || cm.IfIndex <= 0 {
		return b.local[ip]
	}
	if addrs := b.ifaceAddrs(cm.IfIndex); addrs != nil {
		return addrs[ip]
	}
	return b.local[ip]
}

func interfaceAddrs(index int) map[string]bool {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	out := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			out[ipnet.IP.String()] = true
		}
	}
	return out
}

func localAddrs() map[string]bool {
	out := map[string]bool{"127.0.0.1": true}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			out[ipnet.IP.String()] = true
		}
	}
	return out
}
