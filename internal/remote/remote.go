// Package remote defines the authoritative document store contract that the
// sync engine reconciles against, plus its error taxonomy.
//
// A Store holds one string payload per (collection, document) key. It offers a
// point read, an upsert-with-merge write and a subscription that delivers the
// current payload whenever it changes. Concurrent writers are not serialized:
// whichever write lands last is what the next snapshot carries.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Key identifies a document within a logical collection ("projects",
// "workspaces", ...).
type Key struct {
	Collection string `json:"collection"`
	DocumentID string `json:"documentId"`
}

// String returns the canonical "collection/documentId" form, also used as the
// local cache key.
func (k Key) String() string {
	return k.Collection + "/" + k.DocumentID
}

// Valid reports whether both parts of the key are set.
func (k Key) Valid() bool {
	return k.Collection != "" && k.DocumentID != ""
}

// Store is the remote document store.
type Store interface {
	// Read returns the current payload, or found=false if the document does
	// not exist.
	Read(ctx context.Context, key Key) (payload string, found bool, err error)

	// Subscribe registers onChange for every new payload of key. The current
	// payload, if any, is delivered shortly after subscribing. onError receives
	// asynchronous failures of the subscription. The returned function cancels
	// the subscription and is safe to call more than once.
	Subscribe(ctx context.Context, key Key, onChange func(payload string), onError func(err error)) (unsubscribe func(), err error)

	// UpsertMerge writes payload for key, creating the document if needed and
	// preserving any metadata the backend keeps beside the payload.
	UpsertMerge(ctx context.Context, key Key, payload string) error
}

// ErrorKind classifies remote failures.
type ErrorKind int

const (
	// Transient failures are retried on the next debounce cycle.
	Transient ErrorKind = iota
	// PermissionDenied disables remote sync for one key for the session.
	PermissionDenied
	// UnavailableFatal disables remote sync for the whole process.
	UnavailableFatal
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission-denied"
	case UnavailableFatal:
		return "unavailable-fatal"
	default:
		return "transient"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// Transient.
func ParseErrorKind(s string) ErrorKind {
	switch s {
	case "permission-denied":
		return PermissionDenied
	case "unavailable-fatal":
		return UnavailableFatal
	default:
		return Transient
	}
}

var (
	// ErrPermissionDenied matches errors of kind PermissionDenied.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable matches errors of kind UnavailableFatal.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrTransient matches errors of kind Transient created by this package.
	ErrTransient = errors.New("transient remote failure")
)

// Error is a classified remote failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  Key
	Err  error
}

// NewError builds an Error.
func NewError(kind ErrorKind, op string, key Key, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == PermissionDenied
	case ErrUnavailable:
		return e.Kind == UnavailableFatal
	case ErrTransient:
		return e.Kind == Transient
	}
	return false
}

// KindOf classifies err. Errors that are not an *Error (or wrap one, or
// wrap a kind sentinel) are Transient.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, ErrUnavailable):
		return UnavailableFatal
	default:
		return Transient
	}
}
