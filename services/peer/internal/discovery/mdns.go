package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

const (
	// ServiceType is the mDNS service advertised by every node
	ServiceType = "_peersend._tcp"
	mdnsDomain  = "local."
)

// MDNS advertises this node over multicast DNS and feeds browsed services
// into the peer table
type MDNS struct {
	cfg   Config
	table *PeerTable
	log   *logger.Logger
}

func NewMDNS(cfg Config, table *PeerTable, log *logger.Logger) *MDNS {
	cfg.setDefaults()
	return &MDNS{cfg: cfg, table: table, log: logger.OrDiscard(log, "mDNS")}
}

// Run registers the service and browses in rounds until ctx ends. Each round
// uses a fresh resolver so services that are still present refresh LastSeen.
func (m *MDNS) Run(ctx context.Context) error {
	txt := []string{"device_type=" + string(m.cfg.DeviceType)}
	server, err := zeroconf.Register(m.cfg.DeviceName, ServiceType, mdnsDomain, m.cfg.TransferPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	defer server.Shutdown()
	m.log.Info("Advertising %s as %q", ServiceType, m.cfg.DeviceName)

	for {
		if err := m.browse(ctx); err != nil {
			m.log.Warn("Browse failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (m *MDNS) browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			m.ingest(entry)
		}
	}()

	if err := resolver.Browse(rctx, ServiceType, mdnsDomain, entries); err != nil {
		// the resolver closes entries once its loop sees the cancellation
		<-done
		// avoid spinning when the network is unavailable
		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.Interval):
		}
		return err
	}
	<-rctx.Done()
	<-done
	return nil
}

func (m *MDNS) ingest(entry *zeroconf.ServiceEntry) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Instance == m.cfg.DeviceName {
		return
	}
	a := protocol.Announcement{
		DeviceName: entry.Instance,
		Port:       entry.Port,
		DeviceType: deviceTypeFromText(entry.Text),
	}
	if _, isNew := m.table.Upsert(a, entry.AddrIPv4[0].String()); isNew {
		m.log.Info("Discovered %s at %s:%d", a.DeviceName, entry.AddrIPv4[0], a.Port)
	}
}

func deviceTypeFromText(txt []string) protocol.DeviceType {
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "device_type="); ok && v != "" {
			return protocol.DeviceType(v)
		}
	}
	return protocol.DeviceUnknown
}
