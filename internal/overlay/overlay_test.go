package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/localboard/boardsync/internal/clock"
)

type field struct {
	Item string
	Name string
}

func newTestOverlay() (*Overlay[field, string], *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New[field, string](clk, 0), clk
}

func TestOverrideMasksUntilExpiry(t *testing.T) {
	o, clk := newTestOverlay()
	status := field{Item: "i-1", Name: "status"}

	assert.Equal(t, "done", o.Effective(status, "done"))

	o.Set(status, "working", 0)
	assert.Equal(t, "working", o.Effective(status, "done"))

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, "working", o.Effective(status, "done"))

	clk.Advance(time.Millisecond)
	assert.Equal(t, "done", o.Effective(status, "done"))
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 0, clk.Pending())
}

func TestSetRestartsExpiry(t *testing.T) {
	o, clk := newTestOverlay()
	status := field{Item: "i-1", Name: "status"}

	o.Set(status, "working", 0)
	clk.Advance(800 * time.Millisecond)
	o.Set(status, "stuck", 0)
	clk.Advance(800 * time.Millisecond)

	v, ok := o.Get(status)
	assert.True(t, ok)
	assert.Equal(t, "stuck", v)
	assert.Equal(t, 1, clk.Pending(), "replaced timer was stopped")

	clk.Advance(200 * time.Millisecond)
	_, ok = o.Get(status)
	assert.False(t, ok)
}

func TestCustomTTL(t *testing.T) {
	o, clk := newTestOverlay()
	name := field{Item: "i-1", Name: "name"}

	o.Set(name, "Draft", 50*time.Millisecond)
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, "Final", o.Effective(name, "Final"))
}

func TestOnExpire(t *testing.T) {
	o, clk := newTestOverlay()
	a := field{Item: "i-1", Name: "status"}
	b := field{Item: "i-2", Name: "status"}

	var expired []field
	o.OnExpire(func(key field) {
		assert.Equal(t, "done", o.Effective(key, "done"), "override gone before the callback")
		expired = append(expired, key)
	})

	o.Set(a, "working", 0)
	o.Set(b, "working", 0)
	o.Clear(b)
	clk.Advance(time.Second)

	assert.Equal(t, []field{a}, expired)
}

func TestClear(t *testing.T) {
	o, clk := newTestOverlay()
	a := field{Item: "i-1", Name: "status"}
	b := field{Item: "i-2", Name: "status"}

	o.Set(a, "x", 0)
	o.Set(b, "y", 0)
	o.Clear(a)
	o.Clear(a)

	assert.Equal(t, 1, o.Len())
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, "auth", o.Effective(a, "auth"))
	assert.Equal(t, "y", o.Effective(b, "auth"))
}

func TestCloseCancelsAllTimers(t *testing.T) {
	o, clk := newTestOverlay()
	for i := 0; i < 10; i++ {
		o.Set(field{Item: string(rune('a' + i)), Name: "status"}, "v", 0)
	}
	assert.Equal(t, 10, clk.Pending())

	o.Close()
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, o.Len())

	o.Set(field{Item: "late"}, "v", 0)
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 0, clk.Pending())
}

func TestRealClockExpiry(t *testing.T) {
	o := New[string, int](nil, 10*time.Millisecond)
	defer o.Close()

	o.Set("k", 1, 0)
	assert.Equal(t, 1, o.Effective("k", 0))
	assert.Eventually(t, func() bool { return o.Effective("k", 0) == 0 }, time.Second, 5*time.Millisecond)
}
