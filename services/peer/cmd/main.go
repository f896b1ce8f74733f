package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/compression"
	"github.com/p2p-filesharing/peersend/pkg/crypto"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/resume"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/api"
	"github.com/p2p-filesharing/peersend/services/peer/internal/config"
	"github.com/p2p-filesharing/peersend/services/peer/internal/discovery"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/history"
	"github.com/p2p-filesharing/peersend/services/peer/internal/httpx"
	"github.com/p2p-filesharing/peersend/services/peer/internal/settings"
	"github.com/p2p-filesharing/peersend/services/peer/internal/share"
	"github.com/p2p-filesharing/peersend/services/peer/internal/storage"
	"github.com/p2p-filesharing/peersend/services/peer/internal/transfer"
	"github.com/p2p-filesharing/peersend/services/peer/internal/upload"
)

const (
	portRetries      = 10
	tokenTTL         = 30 * 24 * time.Hour
	checkpointSweep  = time.Hour
	shutdownDeadline = 10 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.SetDefaultLevel(logger.ParseLevel(cfg.LogLevel))
	log := logger.New("PeerSend")

	log.Info("=== PeerSend ===")
	log.Info("Device: %s (%s)", cfg.DeviceName, cfg.DeviceType)

	if err := run(cfg, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewLocalStorage(cfg.DataDir)
	if err != nil {
		return err
	}
	log.Info("Data directory: %s", cfg.DataDir)

	prefs, err := settings.New(cfg.DataDir, settings.Defaults(cfg.SaveDir), log.With("Settings"))
	if err != nil {
		return err
	}

	current := prefs.Get()
	bandwidth := throttle.NewBandwidthManager(current.Bandwidth.UploadBps, current.Bandwidth.DownloadBps)

	hub := events.NewHub(log.With("Events"))
	go hub.Run(ctx)

	prefs.Subscribe(func(s settings.Settings) {
		bandwidth.SetUploadLimit(s.Bandwidth.UploadBps)
		bandwidth.SetDownloadLimit(s.Bandwidth.DownloadBps)
		hub.Emit(events.SettingsChanged, s.Redacted())
	})

	checkpoints, err := resume.New(store.ResumeDir(), nil, log.With("Resume"))
	if err != nil {
		return err
	}
	go checkpoints.Start(ctx, checkpointSweep)

	records, err := history.Open(cfg.HistoryDriver, cfg.HistoryDSN)
	if err != nil {
		return err
	}
	defer records.Close()
	log.Info("Transfer history: %s", cfg.HistoryDriver)

	transfers := transfer.NewManager(transfer.Options{
		DeviceName:  cfg.DeviceName,
		DeviceType:  cfg.DeviceType,
		AckTimeout:  cfg.AckTimeout,
		Settings:    prefs,
		Checkpoints: checkpoints,
		History:     records,
		Events:      hub,
		Bandwidth:   bandwidth,
	}, log.With("Transfer"))
	defer transfers.Close()

	ln, err := transfer.Listen(cfg.TransferPort, portRetries)
	if err != nil {
		return err
	}
	transferPort := ln.Addr().(*net.TCPAddr).Port
	log.Info("Transfer service listening on :%d", transferPort)
	go func() {
		if err := transfers.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Error("Transfer service stopped: %v", err)
		}
	}()

	peers := discovery.NewPeerTable(nil, hub)
	disco := discovery.NewService(discovery.Config{
		DeviceName:    cfg.DeviceName,
		DeviceType:    cfg.DeviceType,
		TransferPort:  transferPort,
		DiscoveryPort: cfg.DiscoveryPort,
		EnableMDNS:    cfg.EnableMDNS,
	}, peers, log.With("Discovery"))
	go func() {
		if err := disco.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Discovery stopped: %v", err)
		}
	}()

	sessions := crypto.NewSessionManager(0, nil, log.With("HTTP Crypto"))
	go sessions.Start(ctx, cfg.SweepInterval)

	shareState := share.NewState(func() (string, bool) {
		s := prefs.Get().Share
		return s.PIN, s.AutoAccept
	}, nil, hub)
	shareSrv := share.NewServer(share.Options{
		DeviceName: cfg.DeviceName,
		State:      shareState,
		Storage:    store,
		Sessions:   sessions,
		Bandwidth:  bandwidth,
		Compressor: func() compression.Compressor { return prefs.Get().Compressor() },
		PINRequired: func() bool {
			return prefs.Get().Share.PIN != ""
		},
	}, log.With("Share"))
	go shareSrv.PINLimiter().Run(ctx)

	uploadState := upload.NewState(func() bool { return prefs.Get().Upload.AutoReceive }, nil, hub)
	uploadSrv := upload.NewServer(upload.Options{
		DeviceName: cfg.DeviceName,
		State:      uploadState,
		SaveDir:    func() string { return prefs.Get().Receive.SaveDir },
		Bandwidth:  bandwidth,
	}, log.With("Upload"))

	jwtm := httpx.NewJWTManager(cfg.JWTSecret, "peersend", tokenTTL)
	token, expires, err := jwtm.GenerateToken(cfg.DeviceName, httpx.RoleOperator)
	if err != nil {
		return err
	}
	tokenPath := filepath.Join(cfg.DataDir, "operator.token")
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0600); err != nil {
		log.Warn("Could not write operator token: %v", err)
	} else {
		log.Info("Operator token written to %s (expires %s)", tokenPath, expires.Format(time.RFC3339))
	}

	control := api.NewServer(api.Options{
		DeviceName:   cfg.DeviceName,
		Transfers:    transfers,
		Peers:        peers,
		Settings:     prefs,
		History:      records,
		Share:        shareState,
		Storage:      store,
		ShareChunker: shareSrv.Chunker(),
		Uploads:      uploadState,
		Hub:          hub,
		Bandwidth:    bandwidth,
		JWT:          jwtm,
	}, log.With("API"))

	servers := []*http.Server{
		{Addr: cfg.ShareAddr, Handler: shareSrv.Router(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.UploadAddr, Handler: uploadSrv.Router(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.ControlAddr, Handler: control.Router(), ReadHeaderTimeout: 10 * time.Second},
	}
	names := []string{"Share gateway", "Upload gateway", "Control API"}
	failed := make(chan error, len(servers))
	for i, srv := range servers {
		log.Info("%s listening on %s", names[i], srv.Addr)
		go func(srv *http.Server, name string) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				failed <- fmt.Errorf("%s: %w", name, err)
			}
		}(srv, names[i])
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err = <-failed:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	for i, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("%s shutdown: %v", names[i], err)
		}
	}
	return err
}
