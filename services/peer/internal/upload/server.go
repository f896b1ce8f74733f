package upload

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/p2p-filesharing/peersend/pkg/errs"
	"github.com/p2p-filesharing/peersend/pkg/logger"
	"github.com/p2p-filesharing/peersend/pkg/throttle"
	"github.com/p2p-filesharing/peersend/services/peer/internal/httpx"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
	"github.com/p2p-filesharing/peersend/services/peer/internal/storage"
)

//go:embed templates/*
var templatesFS embed.FS

const progressInterval = 200 * time.Millisecond

type Options struct {
	DeviceName string
	State      *State
	// SaveDir returns the directory uploads are written to
	SaveDir   func() string
	Bandwidth *throttle.BandwidthManager
	// MaxFileSize caps a single file, 0 for no limit
	MaxFileSize int64
}

// Server is the browser-facing upload gateway
type Server struct {
	opts Options
	page *template.Template
	log  *logger.Logger
}

func NewServer(opts Options, log *logger.Logger) *Server {
	return &Server{
		opts: opts,
		page: template.Must(template.ParseFS(templatesFS, "templates/index.html")),
		log:  logger.OrDiscard(log, "Upload"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware("upload"))

	r.Get("/", s.index)
	r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/request-status", s.requestStatus)
	r.Post("/upload", s.upload)
	return r
}

type pageData struct {
	DeviceName string
	Status     RequestStatus
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	req := s.opts.State.Contact(httpx.ClientIP(r), r.UserAgent())
	status := http.StatusOK
	if req.Status == RequestRejected {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, pageData{DeviceName: s.opts.DeviceName, Status: req.Status}); err != nil {
		s.log.Warn("Render page: %v", err)
	}
}

func (s *Server) requestStatus(w http.ResponseWriter, r *http.Request) {
	req := s.opts.State.Contact(httpx.ClientIP(r), r.UserAgent())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  req.Status,
		"allowed": req.Status == RequestAccepted,
	})
}

type uploadResult struct {
	Records []Record `json:"records"`
}

// upload streams every file part of a multipart body to the save directory
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	ip := httpx.ClientIP(r)
	if !s.opts.State.IsAllowed(ip) {
		httpx.WriteError(w, http.StatusForbidden, "uploads from this device are not allowed")
		return
	}
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		httpx.WriteError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	var body io.Reader = r.Body
	if s.opts.Bandwidth != nil {
		body = s.opts.Bandwidth.WrapReader(r.Context(), r.Body)
	}
	mr := multipart.NewReader(body, params["boundary"])

	result := uploadResult{Records: []Record{}}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "malformed multipart body: "+err.Error())
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		rec, err := s.receivePart(r, ip, part)
		part.Close()
		result.Records = append(result.Records, rec)
		if err != nil {
			httpx.WriteJSON(w, httpx.ErrorStatus(err), map[string]any{"error": err.Error(), "records": result.Records})
			return
		}
	}
	if len(result.Records) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "no file in request")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) receivePart(r *http.Request, ip string, part *multipart.Part) (Record, error) {
	total := int64(-1)
	if v := r.Header.Get("X-File-Size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			total = n
		}
	}

	f, path, err := storage.CreateUnique(s.opts.SaveDir(), part.FileName())
	if err != nil {
		rec := s.opts.State.StartRecord(ip, part.FileName(), "", total)
		rec, _ = s.opts.State.Fail(rec.ID, err)
		return rec, err
	}
	rec := s.opts.State.StartRecord(ip, storage.SanitizeName(part.FileName()), path, total)
	s.log.Info("Receiving %s from %s", rec.FileName, ip)

	pw := &progressWriter{state: s.opts.State, id: rec.ID}
	var src io.Reader = part
	if s.opts.MaxFileSize > 0 {
		src = io.LimitReader(part, s.opts.MaxFileSize+1)
	}
	n, err := io.Copy(io.MultiWriter(f, pw), src)
	pw.flush()
	if err == nil && s.opts.MaxFileSize > 0 && n > s.opts.MaxFileSize {
		err = errs.New(errs.FileTooLarge, "%s exceeds %d bytes", rec.FileName, s.opts.MaxFileSize)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		if !errs.IsKind(err, errs.FileTooLarge) {
			err = errs.FromIO(err, "receive %s", rec.FileName)
		}
		failed, _ := s.opts.State.Fail(rec.ID, err)
		s.log.Warn("Upload of %s from %s failed: %v", rec.FileName, ip, err)
		return failed, err
	}

	metrics.RecordBytes("upload", n)
	done, _ := s.opts.State.Complete(rec.ID)
	s.log.Info("Saved %s (%d bytes) from %s", path, n, ip)
	return done, nil
}

// progressWriter reports received bytes to the state at most every
// progressInterval
type progressWriter struct {
	state   *State
	id      string
	pending int64
	last    time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.pending += int64(len(b))
	if time.Since(p.last) >= progressInterval {
		p.flush()
	}
	return len(b), nil
}

func (p *progressWriter) flush() {
	if p.pending == 0 {
		return
	}
	p.state.AddProgress(p.id, p.pending)
	p.pending = 0
	p.last = time.Now()
}
