package hub

import (
	"errors"

	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// Handshake headers carrying the caller identity. The hub trusts them; it is
// meant to sit behind an authenticating proxy.
const (
	HeaderIdentity  = "X-Boardsync-Identity"
	HeaderAnonymous = "X-Boardsync-Anonymous"
)

// Op names a frame.
type Op string

const (
	// Requests (client to hub). Each carries a request id.
	OpRead        Op = "read"
	OpUpsert      Op = "upsert"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"

	// OpResult answers a request. Subscribe results carry the current payload.
	OpResult Op = "result"
	// OpError answers a request that failed; Kind holds the error kind.
	OpError Op = "error"
	// OpSnapshot pushes a new payload of a subscribed document.
	OpSnapshot Op = "snapshot"
)

// Frame is the single JSON message shape exchanged over the websocket.
type Frame struct {
	Op         Op     `json:"op"`
	Req        uint64 `json:"req,omitempty"`
	Collection string `json:"collection,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Found      bool   `json:"found,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Key returns the document key of the frame.
func (f Frame) Key() remote.Key {
	return remote.Key{Collection: f.Collection, DocumentID: f.DocumentID}
}

// Err turns an error frame answering op back into a classified remote
// error. Other frames return nil.
func (f Frame) Err(op Op) error {
	if f.Op != OpError {
		return nil
	}
	return remote.NewError(remote.ParseErrorKind(f.Kind), string(op), f.Key(), errors.New(f.Message))
}

func errorFrame(req uint64, key remote.Key, err error) Frame {
	return Frame{
		Op:         OpError,
		Req:        req,
		Collection: key.Collection,
		DocumentID: key.DocumentID,
		Kind:       remote.KindOf(err).String(),
		Message:    err.Error(),
	}
}

// IdentityFromHeaders reads the handshake identity. A missing id is an
// anonymous caller.
func IdentityFromHeaders(get func(string) string) identity.Identity {
	id := identity.Identity{ID: get(HeaderIdentity)}
	id.IsAnonymous = id.ID == "" || get(HeaderAnonymous) == "true"
	return id
}
