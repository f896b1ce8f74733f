// Package httpx holds the HTTP helpers shared by the share gateway, the upload
// gateway and the control API.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/p2p-filesharing/peersend/pkg/errs"
)

// MaxJSONBody caps request bodies read by DecodeJSON
const MaxJSONBody = 1 << 20

// ClientIP is the peer address of the connection. Forwarding headers are
// ignored: access decisions are keyed by IP and the gateways face the LAN
// directly.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr maps a classified error to a status code
func WriteErr(w http.ResponseWriter, err error) {
	WriteError(w, ErrorStatus(err), err.Error())
}

func ErrorStatus(err error) int {
	switch errs.KindOf(err) {
	case errs.FileNotFound:
		return http.StatusNotFound
	case errs.InvalidMetadata, errs.Decryption, errs.Decompression:
		return http.StatusBadRequest
	case errs.FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.UnsupportedOperation:
		return http.StatusNotImplemented
	case errs.PeerUnreachable, errs.Network:
		return http.StatusBadGateway
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.InsufficientStorage:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads a single JSON object into v, rejecting unknown fields
func DecodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
