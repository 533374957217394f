package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanSync(t *testing.T) {
	assert.True(t, Identity{ID: "u-1"}.CanSync())
	assert.False(t, Identity{ID: "u-1", IsAnonymous: true}.CanSync())
	assert.False(t, Identity{}.CanSync())
}

func TestProviders(t *testing.T) {
	id, ok := Static(Identity{ID: "u-2"}).Current()
	assert.True(t, ok)
	assert.Equal(t, "u-2", id.ID)

	_, ok = None().Current()
	assert.False(t, ok)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ID: "u-3"})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u-3", id.ID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
