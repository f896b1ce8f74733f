package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		xff    string
		want   string
	}{
		{"192.168.1.5:51234", "", "192.168.1.5"},
		{"[fe80::1]:8080", "", "fe80::1"},
		{"10.0.0.2:1000", "1.2.3.4", "10.0.0.2"},
		{"garbage", "", "garbage"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ClientIP(r); got != tt.want {
			t.Errorf("ClientIP(%q): expected %q, got %q", tt.remote, tt.want, got)
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.New(errs.FileNotFound, "x"), http.StatusNotFound},
		{errs.New(errs.InvalidMetadata, "x"), http.StatusBadRequest},
		{errs.New(errs.UnsupportedOperation, "x"), http.StatusNotImplemented},
		{errs.New(errs.PeerUnreachable, "x"), http.StatusBadGateway},
		{errs.New(errs.IO, "x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := ErrorStatus(tt.err); got != tt.want {
			t.Errorf("ErrorStatus(%v): expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		payload string
		ct      string
		wantErr bool
	}{
		{"valid", `{"name":"a"}`, "application/json", false},
		{"no content type", `{"name":"a"}`, "", false},
		{"unknown field", `{"name":"a","x":1}`, "application/json", true},
		{"empty", ``, "application/json", true},
		{"two objects", `{"name":"a"}{"name":"b"}`, "application/json", true},
		{"wrong type", `{"name":"a"}`, "text/plain", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			if tt.ct != "" {
				r.Header.Set("Content-Type", tt.ct)
			}
			var b body
			err := DecodeJSON(r, &b)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 204,204,429, got %v", codes)
	}

	// Other IPs have their own bucket
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for another IP, got %d", rec.Code)
	}

	if n := rl.Cleanup(); n != 0 {
		t.Errorf("Expected no idle visitors yet, got %d", n)
	}
}

func TestJWTRequire(t *testing.T) {
	m := NewJWTManager("secret", "peersend", time.Hour)
	token, expires, err := m.GenerateToken("desk", RoleOperator)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("Expected expiry in the future")
	}
	otherRole, _, _ := m.GenerateToken("desk", "viewer")
	foreign, _, _ := NewJWTManager("other", "peersend", time.Hour).GenerateToken("desk", RoleOperator)
	expired, _, _ := NewJWTManager("secret", "peersend", -time.Minute).GenerateToken("desk", RoleOperator)

	h := m.Require(RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Device != "desk" {
			t.Errorf("Expected claims in context, got %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong role", "Bearer " + otherRole, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
