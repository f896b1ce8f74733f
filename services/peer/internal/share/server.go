package share

import (
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/p2p-filesharing/peersend/pkg/chunker"
	"github.com/p2p-filesharing/peersend/pkg/compression"
	"github.com/p2p-filesharing/peersend/pkg/crypto"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/httpx"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
	"github.com/p2p-filesharing/peersend/services/peer/internal/storage"
)

//go:embed templates/*
var templatesFS embed.FS

// DefaultChunkSize is the chunk size of files shared to browsers
const DefaultChunkSize = 1 << 20

// SessionHeader carries the id returned by POST /crypto/handshake
const SessionHeader = "X-Session-Id"

type Options struct {
	DeviceName string
	State      *State
	Storage    *storage.LocalStorage
	Sessions   *crypto.SessionManager
	Bandwidth  *throttle.BandwidthManager
	// Compressor returns the current compression policy
	Compressor func() compression.Compressor
	// PINRequired reports whether the share gateway asks for a PIN
	PINRequired func() bool
	ChunkSize   int64
}

// Server is the browser-facing share gateway
type Server struct {
	opts    Options
	chunker *chunker.Chunker
	pins    *httpx.RateLimiter
	page    *template.Template
	log     *logger.Logger
}

func NewServer(opts Options, log *logger.Logger) *Server {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Compressor == nil {
		opts.Compressor = func() compression.Compressor { return compression.Compressor{} }
	}
	if opts.PINRequired == nil {
		opts.PINRequired = func() bool { return false }
	}
	return &Server{
		opts:    opts,
		chunker: chunker.New(opts.ChunkSize),
		pins:    httpx.NewRateLimiter(1, 5),
		page:    template.Must(template.ParseFS(templatesFS, "templates/index.html")),
		log:     logger.OrDiscard(log, "Share"),
	}
}

// Chunker is the chunker files must be shared with
func (s *Server) Chunker() *chunker.Chunker {
	return s.chunker
}

// PINLimiter is exposed so the caller can run its idle sweep
func (s *Server) PINLimiter() *httpx.RateLimiter {
	return s.pins
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware("share"))

	r.Get("/", s.index)
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/capabilities", s.capabilities)
	r.Get("/request-status", s.requestStatus)
	r.With(s.pins.Middleware).Post("/verify-pin", s.verifyPIN)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAccess)
		r.Get("/files", s.files)
		r.Post("/crypto/handshake", s.handshake)
		r.Get("/download/{id}/meta", s.meta)
		r.Get("/download/{id}/chunk/{n}", s.chunk)
		r.Get("/download/{id}", s.download)
	})
	return r
}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.State.IsVerified(httpx.ClientIP(r)) {
			httpx.WriteError(w, http.StatusForbidden, "access not granted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type fileView struct {
	ID   string
	Name string
	Size string
}

type pageData struct {
	DeviceName  string
	View        string
	Files       []fileView
	LockedUntil string
}

// index renders the page matching the client's access state
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	data := pageData{DeviceName: s.opts.DeviceName}
	status := http.StatusOK

	req := s.opts.State.RequestAccess(ip, r.UserAgent())
	switch {
	case req.Status == StatusRejected:
		data.View = "denied"
		status = http.StatusForbidden
	case req.Status == StatusAccepted:
		data.View = "files"
		for _, f := range s.opts.Storage.SharedFiles() {
			data.Files = append(data.Files, fileView{
				ID:   f.Metadata.ID,
				Name: f.Metadata.Name,
				Size: formatBytes(f.Metadata.Size),
			})
		}
	default:
		if until, locked := s.opts.State.LockedUntil(ip); locked {
			data.View = "locked"
			data.LockedUntil = until.Local().Format("15:04:05")
		} else if !req.PINVerified {
			data.View = "pin"
		} else {
			data.View = "waiting"
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, data); err != nil {
		s.log.Warn("Render page: %v", err)
	}
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"device_name":  s.opts.DeviceName,
		"compression":  []string{"zstd"},
		"encryption":   []string{"aes-256-gcm"},
		"key_exchange": "ecdh-p256",
		"kdf":          "hkdf-sha256",
		"hkdf_info":    crypto.HTTPKeyInfo,
		"chunk_size":   s.opts.ChunkSize,
		"pin_required": s.opts.PINRequired(),
	})
}

type statusResponse struct {
	Status      RequestStatus `json:"status"`
	PINRequired bool          `json:"pin_required"`
	PINVerified bool          `json:"pin_verified"`
	Locked      bool          `json:"locked"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
	Attempts    int           `json:"pin_attempts"`
}

func (s *Server) requestStatus(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	req := s.opts.State.RequestAccess(ip, r.UserAgent())
	resp := statusResponse{
		Status:      req.Status,
		PINRequired: s.opts.PINRequired(),
		PINVerified: req.PINVerified,
		Attempts:    req.PINAttempts,
	}
	if until, locked := s.opts.State.LockedUntil(ip); locked {
		resp.Locked = true
		resp.LockedUntil = &until
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// verifyPIN accepts a JSON body from scripts or a form post from the page
func (s *Server) verifyPIN(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	form := strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")

	var pin string
	if form {
		pin = r.FormValue("pin")
	} else {
		var body struct {
			PIN string `json:"pin"`
		}
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		pin = body.PIN
	}

	res := s.opts.State.VerifyPIN(ip, pin)
	if res.Locked {
		s.log.Warn("PIN attempts from %s are locked until %s", ip, res.LockedUntil.Format(time.RFC3339))
	}
	if form {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	status := http.StatusOK
	switch {
	case res.Locked:
		status = http.StatusLocked
	case !res.Success:
		status = http.StatusUnauthorized
	}
	httpx.WriteJSON(w, status, res)
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		MimeType   string `json:"mime_type"`
		Hash       string `json:"hash"`
		ChunkCount int    `json:"chunk_count"`
	}
	out := []entry{}
	for _, f := range s.opts.Storage.SharedFiles() {
		out = append(out, entry{
			ID:         f.Metadata.ID,
			Name:       f.Metadata.Name,
			Size:       f.Metadata.Size,
			MimeType:   f.Metadata.MimeType,
			Hash:       f.Metadata.Hash,
			ChunkCount: len(f.Metadata.Chunks),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handshake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	clientKey, err := base64.StdEncoding.DecodeString(body.PublicKey)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "public_key must be base64")
		return
	}

	id, serverKey, err := s.opts.Sessions.Handshake(clientKey)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.SetHTTPSessions(s.opts.Sessions.Len())
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"public_key": base64.StdEncoding.EncodeToString(serverKey),
	})
}

func (s *Server) sharedFile(w http.ResponseWriter, r *http.Request) (*storage.SharedFile, bool) {
	sf, ok := s.opts.Storage.GetSharedFile(chi.URLParam(r, "id"))
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	return sf, true
}

func (s *Server) meta(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.sharedFile(w, r)
	if !ok {
		return
	}
	md := *sf.Metadata
	md.Path = ""
	httpx.WriteJSON(w, http.StatusOK, md)
}

// chunk serves one chunk, compressed then encrypted. The X- headers name the
// stages that were applied so the client can undo them in reverse order.
func (s *Server) chunk(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.sharedFile(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 0 || n >= len(sf.Metadata.Chunks) {
		httpx.WriteError(w, http.StatusBadRequest, "chunk index out of range")
		return
	}

	var sess *crypto.HTTPSession
	if id := r.Header.Get(SessionHeader); id != "" {
		if sess, ok = s.opts.Sessions.Get(id); !ok {
			httpx.WriteError(w, http.StatusUnauthorized, "unknown or expired session")
			return
		}
	}

	data, err := s.chunker.ReadChunk(sf.FilePath, sf.Metadata.Chunks[n])
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	original := len(data)

	payload, compressed, err := s.opts.Compressor().MaybeCompress(data, sf.Metadata.MimeType)
	if err != nil {
		httpx.WriteErr(w, errs.Wrap(errs.Compression, err, "chunk %d", n))
		return
	}
	if sess != nil {
		if payload, err = sess.Session.Encrypt(payload); err != nil {
			httpx.WriteErr(w, err)
			return
		}
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	h.Set("X-Chunk-Index", strconv.Itoa(n))
	h.Set("X-Original-Size", strconv.Itoa(original))
	if compressed {
		h.Set("X-Compression", "zstd")
	}
	if sess != nil {
		h.Set("X-Encryption", "aes-256-gcm")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := s.limit(r, w).Write(payload); err != nil {
		s.log.Debug("Chunk %d of %s to %s aborted: %v", n, sf.Metadata.Name, httpx.ClientIP(r), err)
		return
	}
	metrics.RecordBytes("share", int64(original))
}

// download serves the whole file with Range support
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	sf, ok := s.sharedFile(w, r)
	if !ok {
		return
	}
	f, err := os.Open(sf.FilePath)
	if err != nil {
		httpx.WriteErr(w, errs.FromIO(err, "open %s", sf.Metadata.Name))
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		httpx.WriteErr(w, errs.FromIO(err, "stat %s", sf.Metadata.Name))
		return
	}

	if sf.Metadata.MimeType != "" {
		w.Header().Set("Content-Type", sf.Metadata.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sf.Metadata.Name))
	cw := &countingWriter{ResponseWriter: w, w: s.limit(r, w)}
	http.ServeContent(cw, r, sf.Metadata.Name, stat.ModTime(), f)
	metrics.RecordBytes("share", cw.n)
	s.log.Info("Served %s (%d bytes) to %s", sf.Metadata.Name, cw.n, httpx.ClientIP(r))
}

func (s *Server) limit(r *http.Request, w io.Writer) io.Writer {
	if s.opts.Bandwidth == nil {
		return w
	}
	return s.opts.Bandwidth.WrapWriter(r.Context(), w)
}

// countingWriter routes body bytes through w
type countingWriter struct {
	http.ResponseWriter
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
