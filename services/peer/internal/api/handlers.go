package api

import (
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/p2p-filesharing/peersend/pkg/protocol"
	"github.com/p2p-filesharing/peersend/services/peer/internal/history"
	"github.com/p2p-filesharing/peersend/services/peer/internal/httpx"
	"github.com/p2p-filesharing/peersend/services/peer/internal/settings"
	"github.com/p2p-filesharing/peersend/services/peer/internal/transfer"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

type memoryHealth struct {
	AllocMB    float64 `json:"alloc_mb"`
	SysMB      float64 `json:"sys_mb"`
	NumGC      uint32  `json:"num_gc"`
	Goroutines int     `json:"goroutines"`
}

func (s *Server) healthDetailed(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	active := 0
	for _, t := range s.opts.Transfers.List() {
		if t.Status == protocol.StatusTransferring {
			active++
		}
	}
	stats := map[string]int{"active_transfers": active}
	if s.opts.Peers != nil {
		stats["peers_online"] = len(s.opts.Peers.Online())
	}
	if s.opts.Storage != nil {
		stats["shared_files"] = len(s.opts.Storage.SharedFiles())
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     Version,
		"device_name": s.opts.DeviceName,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"memory": memoryHealth{
			AllocMB:    float64(m.Alloc) / 1024 / 1024,
			SysMB:      float64(m.Sys) / 1024 / 1024,
			NumGC:      m.NumGC,
			Goroutines: runtime.NumGoroutine(),
		},
		"stats": stats,
	})
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Peers == nil {
		httpx.WriteJSON(w, http.StatusOK, []protocol.PeerInfo{})
		return
	}
	if r.URL.Query().Get("online") == "true" {
		httpx.WriteJSON(w, http.StatusOK, s.opts.Peers.Online())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.opts.Peers.List())
}

type sendRequest struct {
	Path    string                `json:"path"`
	PeerID  string                `json:"peer_id"`
	Address string                `json:"address"`
	Mode    protocol.TransferMode `json:"mode"`
}

// sendFile targets a discovered peer by id or any host:port directly
func (s *Server) sendFile(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		httpx.WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.Mode == "" {
		req.Mode = protocol.ModeLocal
	}

	var peer *protocol.PeerInfo
	switch {
	case req.PeerID != "":
		if s.opts.Peers == nil {
			httpx.WriteError(w, http.StatusNotFound, "peer not found")
			return
		}
		p, ok := s.opts.Peers.Get(req.PeerID)
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "peer not found")
			return
		}
		peer = &p
	case req.Address != "":
		host, portStr, err := net.SplitHostPort(req.Address)
		port, perr := strconv.Atoi(portStr)
		if err != nil || perr != nil {
			httpx.WriteError(w, http.StatusBadRequest, "address must be host:port")
			return
		}
		peer = &protocol.PeerInfo{ID: req.Address, Name: host, IP: host, Port: port}
	case req.Mode == protocol.ModeLocal:
		httpx.WriteError(w, http.StatusBadRequest, "peer_id or address is required")
		return
	}

	task, err := s.opts.Transfers.SendFile(r.Context(), req.Path, peer, req.Mode)
	if err != nil {
		writeTransferErr(w, err)
		return
	}
	s.log.Info("Queued %s for %s", task.File.Name, req.Address+req.PeerID)
	httpx.WriteJSON(w, http.StatusAccepted, task)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Transfers.List())
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Transfers.Progress(chi.URLParam(r, "id"))
	if err != nil {
		writeTransferErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Transfers.Cancel(chi.URLParam(r, "id")); err != nil {
		writeTransferErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeTransfer(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Transfers.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTransferErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, task)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Transfers.Checkpoints())
}

func (s *Server) listIncoming(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Transfers.PendingIncoming())
}

func (s *Server) respondIncoming(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Transfers.RespondIncoming(chi.URLParam(r, "id"), accept); err != nil {
			writeTransferErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		httpx.WriteJSON(w, http.StatusOK, []history.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}

// settingsView hides the share PIN; PINSet tells the UI whether one exists
type settingsView struct {
	settings.Settings
	PINSet bool `json:"pin_set"`
}

func (s *Server) redactedSettings() settingsView {
	cur := s.opts.Settings.Get()
	return settingsView{Settings: cur.Redacted(), PINSet: cur.Share.PIN != ""}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.redactedSettings())
}

// putSettings merges the body over the current settings. A body without
// share.pin keeps the stored PIN; an empty string clears it.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	next := settingsView{Settings: s.opts.Settings.Get()}
	if err := httpx.DecodeJSON(r, &next); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Settings.Update(func(cur *settings.Settings) { *cur = next.Settings }); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.redactedSettings())
}

func (s *Server) bandwidth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bandwidth == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.opts.Bandwidth.Stats())
}

func (s *Server) listSharedFiles(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		MimeType string `json:"mime_type"`
		Path     string `json:"path"`
	}
	out := []entry{}
	for _, f := range s.opts.Storage.SharedFiles() {
		out = append(out, entry{f.Metadata.ID, f.Metadata.Name, f.Metadata.Size, f.Metadata.MimeType, f.FilePath})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) shareFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil || body.Path == "" {
		httpx.WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	sf, err := s.opts.Storage.ShareFile(body.Path, s.opts.ShareChunker)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	s.log.Info("Sharing %s", sf.FilePath)
	httpx.WriteJSON(w, http.StatusCreated, sf.Metadata)
}

func (s *Server) unshareFile(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Storage.RemoveSharedFile(chi.URLParam(r, "id")) {
		httpx.WriteError(w, http.StatusNotFound, "file not shared")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listShareRequests(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Share.Requests())
}

func (s *Server) decideShare(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		decide := s.opts.Share.Reject
		if accept {
			decide = s.opts.Share.Accept
		}
		req, ok := decide(id)
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "request not found")
			return
		}
		s.log.Info("Share access for %s is now %s", req.IP, req.Status)
		httpx.WriteJSON(w, http.StatusOK, req)
	}
}

func (s *Server) listUploadRequests(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Uploads.Requests())
}

func (s *Server) listUploadRecords(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.opts.Uploads.Records())
}

func (s *Server) decideUpload(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		decide := s.opts.Uploads.Reject
		if accept {
			decide = s.opts.Uploads.Accept
		}
		req, ok := decide(id)
		if !ok {
			httpx.WriteError(w, http.StatusNotFound, "request not found")
			return
		}
		s.log.Info("Uploads from %s are now %s", req.IP, req.Status)
		httpx.WriteJSON(w, http.StatusOK, req)
	}
}

func writeTransferErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transfer.ErrAlreadyRunning):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		httpx.WriteErr(w, err)
	}
}
