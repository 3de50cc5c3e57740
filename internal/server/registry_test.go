package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddRemove(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRegistry()

	c, _ := newPipeClient(t, s, "s1", false)

	r.Add("s1", c)
	assert.True(t, r.Contains("s1"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"s1"}, r.SessionIDs())

	r.Remove("s1", c)
	assert.False(t, r.Contains("s1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDisplacement(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRegistry()

	first, _ := newPipeClient(t, s, "s1", false)
	second, _ := newPipeClient(t, s, "s1", false)

	r.Add("s1", first)
	r.Add("s1", second)

	// The displaced connection is cancelled so its own pumps tear it down.
	select {
	case <-first.ctx.Done():
	default:
		t.Fatal("displaced client was not cancelled")
	}
	select {
	case <-second.ctx.Done():
		t.Fatal("replacement client must not be cancelled")
	default:
	}

	assert.Equal(t, 1, r.Len())
	snap := r.Snapshot()
	assert.Len(t, snap, 1)
	assert.Same(t, second, snap[0])

	// The displaced connection's teardown must not evict its replacement.
	r.Remove("s1", first)
	assert.True(t, r.Contains("s1"))

	r.Remove("s1", second)
	assert.False(t, r.Contains("s1"))
}

func TestRegistryReAddSameClient(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRegistry()

	c, _ := newPipeClient(t, s, "s1", false)
	r.Add("s1", c)
	r.Add("s1", c)

	select {
	case <-c.ctx.Done():
		t.Fatal("re-adding the same client must not cancel it")
	default:
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySnapshotIsPointInTime(t *testing.T) {
	s, _ := newTestServer(t)
	r := NewRegistry()

	a, _ := newPipeClient(t, s, "a", false)
	r.Add("a", a)

	snap := r.Snapshot()

	b, _ := newPipeClient(t, s, "b", false)
	r.Add("b", b)

	assert.Len(t, snap, 1, "snapshot must not observe later mutations")
	assert.Equal(t, 2, r.Len())
}
