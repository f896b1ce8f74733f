// Package share serves the node's shared files to browsers on the LAN.
// Access is gated per client IP by an optional PIN and operator approval.
package share

import (
	"crypto/subtle"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/metrics"
)

const (
	MaxPINAttempts = 3
	LockoutPeriod  = 5 * time.Minute
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

// AccessRequest is the single access request of one client IP
type AccessRequest struct {
	ID          string        `json:"id"`
	IP          string        `json:"ip"`
	UserAgent   string        `json:"user_agent"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	PINVerified bool          `json:"pin_verified"`
	PINAttempts int           `json:"pin_attempts"`
	Locked      bool          `json:"locked"`
	LockedUntil *time.Time    `json:"locked_until,omitempty"`
}

// PinResult is the outcome of one PIN attempt
type PinResult struct {
	Success           bool          `json:"success"`
	Locked            bool          `json:"locked"`
	LockedUntil       *time.Time    `json:"locked_until,omitempty"`
	RemainingAttempts int           `json:"remaining_attempts"`
	Status            RequestStatus `json:"status"`
}

// Policy reports the current PIN (empty for none) and whether verified
// clients are accepted without the operator
type Policy func() (pin string, autoAccept bool)

// StaticPolicy is a fixed Policy
func StaticPolicy(pin string, autoAccept bool) Policy {
	return func() (string, bool) { return pin, autoAccept }
}

// State tracks access requests. An IP is never in both the verified and the
// rejected set.
type State struct {
	mu       sync.Mutex
	requests map[string]*AccessRequest // request id -> request
	byIP     map[string]string         // ip -> request id
	verified map[string]bool
	rejected map[string]bool
	policy   Policy
	clock    clock.Clock
	events   events.Emitter
}

func NewState(policy Policy, c clock.Clock, emitter events.Emitter) *State {
	if policy == nil {
		policy = StaticPolicy("", false)
	}
	return &State{
		requests: make(map[string]*AccessRequest),
		byIP:     make(map[string]string),
		verified: make(map[string]bool),
		rejected: make(map[string]bool),
		policy:   policy,
		clock:    clock.OrReal(c),
		events:   events.OrNop(emitter),
	}
}

// RequestAccess returns the request for ip, creating it on first contact.
// Without a PIN the request enters the approval queue at once, or is
// accepted outright under auto accept.
func (s *State) RequestAccess(ip, userAgent string) AccessRequest {
	pin, autoAccept := s.policy()

	s.mu.Lock()
	req, created := s.requestLocked(ip, userAgent)
	queued := false
	if created && pin == "" {
		req.PINVerified = true
		if autoAccept {
			s.acceptLocked(req)
		} else {
			queued = true
		}
	}
	snapshot := *req
	s.mu.Unlock()

	if queued {
		s.events.Emit(events.AccessRequest, snapshot)
	}
	return snapshot
}

func (s *State) requestLocked(ip, userAgent string) (*AccessRequest, bool) {
	if id, ok := s.byIP[ip]; ok {
		return s.requests[id], false
	}
	req := &AccessRequest{
		ID:        uuid.New().String(),
		IP:        ip,
		UserAgent: userAgent,
		Status:    StatusPending,
		CreatedAt: s.clock.Now(),
	}
	if s.rejected[ip] {
		req.Status = StatusRejected
	}
	s.requests[req.ID] = req
	s.byIP[ip] = req.ID
	return req, true
}

// VerifyPIN checks one PIN attempt from ip. Attempts made while locked are
// refused without being counted. A lock that has run out is cleared
// together with the attempt counter before the PIN is checked.
func (s *State) VerifyPIN(ip, pin string) PinResult {
	expected, autoAccept := s.policy()
	now := s.clock.Now()

	s.mu.Lock()
	req, _ := s.requestLocked(ip, "")

	if req.Locked {
		if now.Before(*req.LockedUntil) {
			res := PinResult{Locked: true, LockedUntil: copyTime(req.LockedUntil), Status: req.Status}
			s.mu.Unlock()
			return res
		}
		req.Locked = false
		req.LockedUntil = nil
		req.PINAttempts = 0
	}

	if expected == "" || subtle.ConstantTimeCompare([]byte(pin), []byte(expected)) == 1 {
		req.PINAttempts = 0
		firstTime := !req.PINVerified
		req.PINVerified = true
		queued := false
		if req.Status == StatusPending {
			if autoAccept {
				s.acceptLocked(req)
			} else {
				queued = firstTime
			}
		}
		snapshot := *req
		s.mu.Unlock()

		if queued {
			s.events.Emit(events.AccessRequest, snapshot)
		}
		return PinResult{Success: true, RemainingAttempts: MaxPINAttempts, Status: snapshot.Status}
	}

	req.PINAttempts++
	metrics.IncrementPINFailures()
	res := PinResult{
		RemainingAttempts: max(0, MaxPINAttempts-req.PINAttempts),
		Status:            req.Status,
	}
	if req.PINAttempts >= MaxPINAttempts {
		until := now.Add(LockoutPeriod)
		req.Locked = true
		req.LockedUntil = &until
		res.Locked = true
		res.LockedUntil = copyTime(&until)
		metrics.IncrementLockouts()
	}
	s.mu.Unlock()
	return res
}

// Accept approves a request and moves its IP to the verified set
func (s *State) Accept(id string) (AccessRequest, bool) {
	return s.decide(id, true)
}

// Reject denies a request and moves its IP to the rejected set
func (s *State) Reject(id string) (AccessRequest, bool) {
	return s.decide(id, false)
}

func (s *State) decide(id string, accept bool) (AccessRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return AccessRequest{}, false
	}
	if accept {
		s.acceptLocked(req)
	} else {
		req.Status = StatusRejected
		s.rejected[req.IP] = true
		delete(s.verified, req.IP)
	}
	return *req, true
}

func (s *State) acceptLocked(req *AccessRequest) {
	req.Status = StatusAccepted
	s.verified[req.IP] = true
	delete(s.rejected, req.IP)
}

// Status returns the request of ip, if any
func (s *State) Status(ip string) (AccessRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIP[ip]
	if !ok {
		return AccessRequest{}, false
	}
	req := *s.requests[id]
	req.LockedUntil = copyTime(req.LockedUntil)
	return req, true
}

// LockedUntil returns the end of an active lockout of ip
func (s *State) LockedUntil(ip string) (time.Time, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIP[ip]
	if !ok {
		return time.Time{}, false
	}
	req := s.requests[id]
	if !req.Locked || !now.Before(*req.LockedUntil) {
		return time.Time{}, false
	}
	return *req.LockedUntil, true
}

func (s *State) IsVerified(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[ip]
}

func (s *State) IsRejected(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[ip]
}

// Requests returns all requests, oldest first
func (s *State) Requests() []AccessRequest {
	s.mu.Lock()
	out := make([]AccessRequest, 0, len(s.requests))
	for _, req := range s.requests {
		r := *req
		r.LockedUntil = copyTime(r.LockedUntil)
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Reset forgets every request and both IP sets
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.requests)
	clear(s.byIP)
	clear(s.verified)
	clear(s.rejected)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
