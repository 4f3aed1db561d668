package boundedmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mirrors bounded_hashmap_test in original_source/conmon-rs/server/src/bounded_hashmap.rs.
func TestBoundedMap(t *testing.T) {
	m := New[int, int](2, DefaultMaxDuration)
	require.Equal(t, 0, m.Len())

	_, had := m.Insert(0, 0)
	assert.False(t, had)
	require.Equal(t, 1, m.Len())

	_, had = m.Insert(1, 0)
	assert.False(t, had)
	require.Equal(t, 2, m.Len())

	_, ok := m.Remove(1)
	assert.True(t, ok)
	require.Equal(t, 1, m.Len())

	_, had = m.Insert(1, 0)
	assert.False(t, had)

	_, had = m.Insert(2, 0)
	assert.False(t, had)
	require.Equal(t, 2, m.Len())
	_, ok = m.Remove(0)
	assert.False(t, ok, "0 should have been evicted as the oldest entry")
	_, ok = m.Remove(1)
	assert.True(t, ok)
	m.Insert(1, 0)

	_, had = m.Insert(3, 0)
	assert.False(t, had)
	require.Equal(t, 2, m.Len())
	_, ok = m.Remove(2)
	assert.False(t, ok, "2 should have been evicted as the oldest entry, 1 having been re-inserted after it")
	m.Insert(2, 0)
	_, ok = m.Remove(3)
	assert.True(t, ok)
}

func TestBoundedMapTTLExpiry(t *testing.T) {
	m := New[string, int](DefaultMaxItems, 50*time.Millisecond)
	m.Insert("a", 1)
	time.Sleep(100 * time.Millisecond)

	_, ok := m.Remove("a")
	assert.False(t, ok, "expired entry must be treated as absent")

	// a fresh insert after expiry sweeps the dead entry and succeeds cleanly
	_, had := m.Insert("a", 2)
	assert.False(t, had)
	v, ok := m.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestBoundedMapNeverExceedsMaxItems(t *testing.T) {
	m := New[int, int](5, DefaultMaxDuration)
	for i := 0; i < 50; i++ {
		m.Insert(i, i)
		require.LessOrEqual(t, m.Len(), 5)
	}
}
