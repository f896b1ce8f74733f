package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

const (
	DefaultDiscoveryPort = 53318
	DefaultInterval      = 3 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultStaleAfter    = 10 * time.Second
)

type Config struct {
	DeviceName    string
	DeviceType    protocol.DeviceType
	TransferPort  int
	DiscoveryPort int
	BroadcastAddr string
	Interval      time.Duration
	SweepInterval time.Duration
	// StaleAfter is how long a silent peer stays in the table
	StaleAfter time.Duration
	EnableMDNS bool
}

func (c *Config) setDefaults() {
	if c.DiscoveryPort <= 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = "255.255.255.255"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.DeviceType == "" {
		c.DeviceType = protocol.DeviceUnknown
	}
}

// Service runs the broadcaster, the optional mDNS responder and the expiry
// sweep against one PeerTable
type Service struct {
	cfg   Config
	table *PeerTable
	log   *logger.Logger
}

func NewService(cfg Config, table *PeerTable, log *logger.Logger) *Service {
	cfg.setDefaults()
	return &Service{cfg: cfg, table: table, log: logger.OrDiscard(log, "Discovery")}
}

func (s *Service) Table() *PeerTable {
	return s.table
}

// Run blocks until ctx ends. A broadcaster bind failure is returned; mDNS
// failures only disable mDNS.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.cfg.EnableMDNS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := NewMDNS(s.cfg, s.table, s.log).Run(ctx); err != nil {
				s.log.Warn("mDNS disabled: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweep(ctx)
	}()

	err := NewBroadcaster(s.cfg, s.table, s.log).Run(ctx)
	cancel()
	wg.Wait()
	return err
}

func (s *Service) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.table.ExpireStale(s.cfg.StaleAfter) {
				s.log.Info("Lost %s at %s", p.Name, p.IP)
			}
		}
	}
}
