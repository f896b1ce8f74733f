// Package errs defines the error taxonomy shared by the transfer engine,
// crypto sessions and compression pipeline.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies an error
type Kind int

const (
	Internal Kind = iota
	IO
	Network
	FileNotFound
	FileTooLarge
	Timeout
	Cancelled
	IntegrityCheckFailed
	PeerUnreachable
	InvalidMetadata
	InsufficientStorage
	UnsupportedOperation
	KeyExchange
	Encryption
	Decryption
	Compression
	Decompression
)

var kindNames = map[Kind]string{
	Internal:             "internal error",
	IO:                   "I/O error",
	Network:              "network error",
	FileNotFound:         "file not found",
	FileTooLarge:         "file too large",
	Timeout:              "timeout",
	Cancelled:            "transfer cancelled",
	IntegrityCheckFailed: "integrity check failed",
	PeerUnreachable:      "peer unreachable",
	InvalidMetadata:      "invalid metadata",
	InsufficientStorage:  "insufficient storage",
	UnsupportedOperation: "unsupported operation",
	KeyExchange:          "key exchange failed",
	Encryption:           "encryption failed",
	Decryption:           "decryption failed",
	Compression:          "compression failed",
	Decompression:        "decompression failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error with an optional cause
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.E(errs.Cancelled))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E returns a bare error of the given kind, mostly useful as an errors.Is target
func E(kind Kind) *Error {
	return &Error{Kind: kind}
}

// New creates a classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// FromIO classifies a filesystem error
func FromIO(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Wrap(FileNotFound, err, format, args...)
	}
	return Wrap(IO, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err's chain contains an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, E(kind))
}
