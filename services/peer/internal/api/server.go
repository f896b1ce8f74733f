// Package api is the local control surface used by the desktop UI: peers,
// transfers, settings and the approval queues of both gateways.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/discovery"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/history"
	"github.com/p2p-filesharing/peersend/services/peer/internal/httpx"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
	"github.com/p2p-filesharing/peersend/services/peer/internal/settings"
	"github.com/p2p-filesharing/peersend/services/peer/internal/share"
	"github.com/p2p-filesharing/peersend/services/peer/internal/storage"
	"github.com/p2p-filesharing/peersend/services/peer/internal/transfer"
	"github.com/p2p-filesharing/peersend/services/peer/internal/upload"
)

const Version = "1.0.0"

type Options struct {
	DeviceName string
	Transfers  *transfer.Manager
	Peers      *discovery.PeerTable
	Settings   *settings.Service
	History    history.Store
	Share      *share.State
	Storage    *storage.LocalStorage
	// ShareChunker splits files offered through the share gateway
	ShareChunker *chunker.Chunker
	Uploads      *upload.State
	Hub          *events.Hub
	Bandwidth    *throttle.BandwidthManager
	JWT          *httpx.JWTManager
}

// Server serves the control API
type Server struct {
	opts      Options
	startTime time.Time
	log       *logger.Logger
}

func NewServer(opts Options, log *logger.Logger) *Server {
	return &Server{opts: opts, startTime: time.Now(), log: logger.OrDiscard(log, "API")}
}

// Router builds the routes. Reads are open to the loopback listener;
// anything that changes state, and the event stream, needs the operator token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware("control"))

	r.Get("/health", s.health)
	r.Get("/health/detailed", s.healthDetailed)
	r.Handle("/metrics", metrics.Handler())
	if s.opts.Hub != nil {
		r.With(s.opts.JWT.RequireStream(httpx.RoleOperator)).Get("/ws", s.opts.Hub.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/peers", s.listPeers)
		r.Get("/transfers", s.listTransfers)
		r.Get("/transfers/{id}", s.getTransfer)
		r.Get("/resume", s.listCheckpoints)
		r.Get("/history", s.listHistory)
		r.Get("/settings", s.getSettings)
		r.Get("/bandwidth", s.bandwidth)
		r.Get("/incoming", s.listIncoming)
		r.Get("/share/files", s.listSharedFiles)
		r.Get("/share/requests", s.listShareRequests)
		r.Get("/upload/requests", s.listUploadRequests)
		r.Get("/upload/records", s.listUploadRecords)

		r.Group(func(r chi.Router) {
			r.Use(s.opts.JWT.Require(httpx.RoleOperator))
			r.Post("/transfers", s.sendFile)
			r.Post("/transfers/{id}/cancel", s.cancelTransfer)
			r.Post("/transfers/{id}/resume", s.resumeTransfer)
			r.Put("/settings", s.putSettings)
			r.Post("/incoming/{id}/accept", s.respondIncoming(true))
			r.Post("/incoming/{id}/reject", s.respondIncoming(false))
			r.Post("/share/files", s.shareFile)
			r.Delete("/share/files/{id}", s.unshareFile)
			r.Post("/share/requests/{id}/accept", s.decideShare(true))
			r.Post("/share/requests/{id}/reject", s.decideShare(false))
			r.Post("/upload/requests/{id}/accept", s.decideUpload(true))
			r.Post("/upload/requests/{id}/reject", s.decideUpload(false))
		})
	})
	return r
}
