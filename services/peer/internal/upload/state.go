// Package upload lets browsers on the LAN push files to this node. Each
// client IP must be allowed, either automatically or by the operator.
package upload

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Request asks the operator to let ip upload
type Request struct {
	ID        string        `json:"id"`
	IP        string        `json:"ip"`
	UserAgent string        `json:"user_agent"`
	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

type RecordStatus string

const (
	RecordUploading RecordStatus = "uploading"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

// Record tracks one uploaded file
type Record struct {
	ID            string       `json:"id"`
	IP            string       `json:"ip"`
	FileName      string       `json:"file_name"`
	SavePath      string       `json:"save_path,omitempty"`
	TotalBytes    int64        `json:"total_bytes"`
	ReceivedBytes int64        `json:"received_bytes"`
	Status        RecordStatus `json:"status"`
	Error         string       `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
}

// State holds the IP gate and the upload records
type State struct {
	mu         sync.Mutex
	allowed    map[string]bool
	requests   map[string]*Request // id -> request
	byIP       map[string]string   // ip -> pending or decided request id
	records    map[string]*Record
	autoAccept func() bool
	clock      clock.Clock
	events     events.Emitter
}

// NewState builds the gate. autoAccept is consulted on every first contact.
func NewState(autoAccept func() bool, c clock.Clock, emitter events.Emitter) *State {
	if autoAccept == nil {
		autoAccept = func() bool { return false }
	}
	return &State{
		allowed:    make(map[string]bool),
		requests:   make(map[string]*Request),
		byIP:       make(map[string]string),
		records:    make(map[string]*Record),
		autoAccept: autoAccept,
		clock:      clock.OrReal(c),
		events:     events.OrNop(emitter),
	}
}

// Contact registers a visit from ip and returns its request. Under auto
// receive the IP is allowed on first contact.
func (s *State) Contact(ip, userAgent string) Request {
	auto := s.autoAccept()

	s.mu.Lock()
	if id, ok := s.byIP[ip]; ok {
		req := *s.requests[id]
		s.mu.Unlock()
		return req
	}
	req := &Request{
		ID:        uuid.New().String(),
		IP:        ip,
		UserAgent: userAgent,
		Status:    RequestPending,
		CreatedAt: s.clock.Now(),
	}
	if auto {
		req.Status = RequestAccepted
		s.allowed[ip] = true
	}
	s.requests[req.ID] = req
	s.byIP[ip] = req.ID
	snapshot := *req
	s.mu.Unlock()

	if !auto {
		s.events.Emit(events.UploadRequest, snapshot)
	}
	return snapshot
}

func (s *State) Accept(id string) (Request, bool) {
	return s.decide(id, RequestAccepted)
}

func (s *State) Reject(id string) (Request, bool) {
	return s.decide(id, RequestRejected)
}

func (s *State) decide(id string, status RequestStatus) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	req.Status = status
	if status == RequestAccepted {
		s.allowed[req.IP] = true
	} else {
		delete(s.allowed, req.IP)
	}
	return *req, true
}

func (s *State) IsAllowed(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[ip]
}

// Requests returns every request, oldest first
func (s *State) Requests() []Request {
	s.mu.Lock()
	out := make([]Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, *req)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// StartRecord opens a record for a file being received from ip. total is -1
// when the client did not announce a size.
func (s *State) StartRecord(ip, fileName, savePath string, total int64) Record {
	rec := &Record{
		ID:         uuid.New().String(),
		IP:         ip,
		FileName:   fileName,
		SavePath:   savePath,
		TotalBytes: total,
		Status:     RecordUploading,
		StartedAt:  s.clock.Now(),
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return *rec
}

// AddProgress adds n received bytes to a record still uploading
func (s *State) AddProgress(id string, n int64) (Record, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Status != RecordUploading {
		s.mu.Unlock()
		return Record{}, false
	}
	rec.ReceivedBytes += n
	snapshot := *rec
	s.mu.Unlock()

	s.events.Emit(events.UploadProgress, snapshot)
	return snapshot, true
}

func (s *State) Complete(id string) (Record, bool) {
	return s.finish(id, RecordCompleted, "")
}

func (s *State) Fail(id string, err error) (Record, bool) {
	return s.finish(id, RecordFailed, err.Error())
}

// finish moves a record to a terminal status once
func (s *State) finish(id string, status RecordStatus, message string) (Record, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Status != RecordUploading {
		s.mu.Unlock()
		return Record{}, false
	}
	rec.Status = status
	rec.Error = message
	rec.FinishedAt = &now
	if status == RecordCompleted && rec.TotalBytes < 0 {
		rec.TotalBytes = rec.ReceivedBytes
	}
	snapshot := *rec
	s.mu.Unlock()

	s.events.Emit(events.UploadProgress, snapshot)
	return snapshot, true
}

// Records returns every record, newest first
func (s *State) Records() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
