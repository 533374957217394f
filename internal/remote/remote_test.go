package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localboard/boardsync/internal/identity"
)

var testKey = Key{Collection: "projects", DocumentID: "p-1"}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "typed denied", err: NewError(PermissionDenied, "upsert", testKey, nil), want: PermissionDenied},
		{name: "wrapped fatal", err: fmt.Errorf("flush: %w", NewError(UnavailableFatal, "upsert", testKey, nil)), want: UnavailableFatal},
		{name: "sentinel denied", err: fmt.Errorf("x: %w", ErrPermissionDenied), want: PermissionDenied},
		{name: "sentinel unavailable", err: ErrUnavailable, want: UnavailableFatal},
		{name: "plain error", err: errors.New("connection reset"), want: Transient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := NewError(PermissionDenied, "read", testKey, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "projects/p-1")
	assert.Contains(t, err.Error(), "permission-denied")
}

func TestParseErrorKindRoundTrip(t *testing.T) {
	for _, k := range []ErrorKind{Transient, PermissionDenied, UnavailableFatal} {
		assert.Equal(t, k, ParseErrorKind(k.String()))
	}
	assert.Equal(t, Transient, ParseErrorKind("bogus"))
}

func TestMemorySubscribeDeliversCurrentAndChanges(t *testing.T) {
	m := NewMemory()
	m.Put(testKey, `{"v":1}`)

	var got []string
	unsubscribe, err := m.Subscribe(context.Background(), testKey, func(p string) { got = append(got, p) }, nil)
	require.NoError(t, err)

	ctx := identity.WithIdentity(context.Background(), identity.Identity{ID: "alice"})
	require.NoError(t, m.UpsertMerge(ctx, testKey, `{"v":2}`))
	assert.Equal(t, []string{`{"v":1}`, `{"v":2}`}, got)
	assert.Equal(t, "alice", m.UpdatedBy(testKey))
	assert.Equal(t, 1, m.Subscribers(testKey))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, m.TotalSubscribers())

	m.Put(testKey, `{"v":3}`)
	assert.Len(t, got, 2)
}

func TestMemoryFaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.FailNext(Transient, 2)
	require.Error(t, m.UpsertMerge(ctx, testKey, "a"))
	require.Error(t, m.UpsertMerge(ctx, testKey, "a"))
	require.NoError(t, m.UpsertMerge(ctx, testKey, "a"))
	assert.Equal(t, 3, m.Writes(testKey))

	m.Deny(testKey)
	err := m.UpsertMerge(ctx, testKey, "b")
	assert.Equal(t, PermissionDenied, KindOf(err))

	m.SetDown(true)
	_, _, err = m.Read(ctx, Key{Collection: "projects", DocumentID: "other"})
	assert.Equal(t, UnavailableFatal, KindOf(err))
}
