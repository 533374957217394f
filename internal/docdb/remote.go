package docdb

import (
	"context"
	"time"

	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// DefaultPollInterval is how often a subscription checks for a new version.
const DefaultPollInterval = 500 * time.Millisecond

// Remote exposes a DB as a remote.Store, for clients that reach the
// database directly (a Turso URL, or a shared file). Memberships are
// enforced with the identity carried in the context.
type Remote struct {
	db       *DB
	interval time.Duration
}

// NewRemote wraps db. interval <= 0 uses DefaultPollInterval.
func NewRemote(db *DB, interval time.Duration) *Remote {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Remote{db: db, interval: interval}
}

func caller(ctx context.Context) identity.Identity {
	id, _ := identity.FromContext(ctx)
	return id
}

// Read implements remote.Store.
func (r *Remote) Read(ctx context.Context, key remote.Key) (string, bool, error) {
	if err := r.db.Authorize(ctx, key, caller(ctx), false); err != nil {
		return "", false, err
	}
	doc, found, err := r.db.Get(ctx, key)
	if err != nil {
		return "", false, classify("read", key, err)
	}
	return doc.Payload, found, nil
}

// UpsertMerge implements remote.Store.
func (r *Remote) UpsertMerge(ctx context.Context, key remote.Key, payload string) error {
	id := caller(ctx)
	if err := r.db.Authorize(ctx, key, id, true); err != nil {
		return err
	}
	if _, err := r.db.Upsert(ctx, key, payload, id.ID); err != nil {
		return classify("upsert", key, err)
	}
	return nil
}

// Subscribe implements remote.Store. The current payload is delivered
// before Subscribe returns; later versions are picked up by polling.
// Authorization is re-checked on every poll so a revoked membership ends
// the subscription with a PermissionDenied error.
func (r *Remote) Subscribe(ctx context.Context, key remote.Key, onChange func(string), onError func(error)) (func(), error) {
	id := caller(ctx)
	if err := r.db.Authorize(ctx, key, id, false); err != nil {
		return nil, err
	}
	doc, found, err := r.db.Get(ctx, key)
	if err != nil {
		return nil, classify("subscribe", key, err)
	}
	if found {
		onChange(doc.Payload)
	}

	ctx, cancel := context.WithCancel(ctx)
	go r.poll(ctx, key, id, doc.Version, onChange, onError)
	return cancel, nil
}

func (r *Remote) poll(ctx context.Context, key remote.Key, id identity.Identity, version int64, onChange func(string), onError func(error)) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	report := func(err error) {
		if onError != nil && ctx.Err() == nil {
			onError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.db.Authorize(ctx, key, id, false); err != nil {
			report(err)
			if remote.KindOf(err) != remote.Transient {
				return
			}
			continue
		}
		doc, found, err := r.db.Get(ctx, key)
		if err != nil {
			err = classify("subscribe", key, err)
			report(err)
			if remote.KindOf(err) != remote.Transient {
				return
			}
			continue
		}
		if found && doc.Version > version {
			version = doc.Version
			if ctx.Err() == nil {
				onChange(doc.Payload)
			}
		}
	}
}
