package share

import (
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/clock"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events"
	"github.com/p2p-filesharing/peersend/services/peer/internal/events/eventstest"
)

func newState(pin string, autoAccept bool) (*State, *clock.FakeClock, *eventstest.Recorder) {
	fc := clock.NewFake(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	rec := &eventstest.Recorder{}
	return NewState(StaticPolicy(pin, autoAccept), fc, rec), fc, rec
}

func TestAutoAcceptWithoutPIN(t *testing.T) {
	s, _, rec := newState("", true)

	req := s.RequestAccess("192.168.1.50", "firefox")
	if req.Status != StatusAccepted {
		t.Errorf("Expected accepted, got %s", req.Status)
	}
	if !s.IsVerified("192.168.1.50") {
		t.Error("Expected IP in verified set")
	}
	if rec.Has(events.AccessRequest) {
		t.Error("Auto accepted requests should not reach the operator")
	}

	again := s.RequestAccess("192.168.1.50", "firefox")
	if again.ID != req.ID {
		t.Error("Expected one request per IP")
	}
}

func TestManualApprovalWithoutPIN(t *testing.T) {
	s, _, rec := newState("", false)

	req := s.RequestAccess("10.0.0.1", "")
	if req.Status != StatusPending || !req.PINVerified {
		t.Errorf("Expected pending request with no PIN step, got %+v", req)
	}
	if !rec.Has(events.AccessRequest) {
		t.Error("Expected access-request event")
	}
	if s.IsVerified("10.0.0.1") {
		t.Error("Pending request must not be verified")
	}

	if _, ok := s.Reject(req.ID); !ok {
		t.Fatal("Reject failed")
	}
	if !s.IsRejected("10.0.0.1") || s.IsVerified("10.0.0.1") {
		t.Error("Expected IP only in rejected set")
	}

	if _, ok := s.Accept(req.ID); !ok {
		t.Fatal("Accept failed")
	}
	if s.IsRejected("10.0.0.1") || !s.IsVerified("10.0.0.1") {
		t.Error("Expected IP only in verified set")
	}

	if _, ok := s.Accept("missing"); ok {
		t.Error("Expected unknown request to fail")
	}
}

func TestPINLockout(t *testing.T) {
	s, fc, _ := newState("4321", true)
	ip := "192.168.1.9"

	for i, want := range []int{2, 1} {
		res := s.VerifyPIN(ip, "0000")
		if res.Success || res.Locked {
			t.Fatalf("Attempt %d: expected plain failure, got %+v", i+1, res)
		}
		if res.RemainingAttempts != want {
			t.Errorf("Attempt %d: expected %d remaining, got %d", i+1, want, res.RemainingAttempts)
		}
	}

	res := s.VerifyPIN(ip, "1111")
	if !res.Locked || res.LockedUntil == nil {
		t.Fatalf("Expected lock on third failure, got %+v", res)
	}
	if want := fc.Now().Add(LockoutPeriod); !res.LockedUntil.Equal(want) {
		t.Errorf("Expected lock until %v, got %v", want, res.LockedUntil)
	}
	if res.RemainingAttempts != 0 {
		t.Errorf("Expected 0 remaining, got %d", res.RemainingAttempts)
	}

	// Correct PIN while locked is refused and does not reset the counter
	fc.Advance(time.Minute)
	res = s.VerifyPIN(ip, "4321")
	if res.Success || !res.Locked {
		t.Errorf("Expected locked result, got %+v", res)
	}
	req, _ := s.Status(ip)
	if req.PINAttempts != MaxPINAttempts || s.IsVerified(ip) {
		t.Errorf("Expected attempts kept and no access, got %+v", req)
	}

	fc.Advance(LockoutPeriod)
	if _, locked := s.LockedUntil(ip); locked {
		t.Error("Expected lock to have expired")
	}
	res = s.VerifyPIN(ip, "4321")
	if !res.Success || res.Status != StatusAccepted {
		t.Errorf("Expected success after lock expiry, got %+v", res)
	}
	req, _ = s.Status(ip)
	if req.PINAttempts != 0 || req.Locked {
		t.Errorf("Expected reset attempts, got %+v", req)
	}
}

func TestPINThenOperatorApproval(t *testing.T) {
	s, _, rec := newState("1234", false)
	ip := "10.1.1.1"

	req := s.RequestAccess(ip, "")
	if req.PINVerified {
		t.Error("PIN should not be verified yet")
	}
	if rec.Has(events.AccessRequest) {
		t.Error("Request should not be queued before the PIN")
	}

	s.VerifyPIN(ip, "9999")
	res := s.VerifyPIN(ip, "1234")
	if !res.Success || res.Status != StatusPending {
		t.Errorf("Expected verified but pending, got %+v", res)
	}
	if s.IsVerified(ip) {
		t.Error("Correct PIN alone must not grant access without auto accept")
	}
	if got := len(rec.Events()); got != 1 {
		t.Errorf("Expected one access-request event, got %d", got)
	}
	req, _ = s.Status(ip)
	if req.PINAttempts != 0 {
		t.Errorf("Expected attempts reset on success, got %d", req.PINAttempts)
	}

	s.Accept(req.ID)
	if !s.IsVerified(ip) {
		t.Error("Expected access after approval")
	}
}

func TestRequestsAndReset(t *testing.T) {
	s, fc, _ := newState("", false)
	s.RequestAccess("10.0.0.2", "")
	fc.Advance(time.Second)
	s.RequestAccess("10.0.0.1", "")

	reqs := s.Requests()
	if len(reqs) != 2 || reqs[0].IP != "10.0.0.2" {
		t.Errorf("Expected oldest first, got %+v", reqs)
	}

	s.Reset()
	if len(s.Requests()) != 0 {
		t.Error("Expected no requests after reset")
	}
}
