package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestPruneByTTL(t *testing.T) {
	c := New(5*time.Second, 15*time.Second)
	c.Merge(1, Entry{Name: "Alice", Updated: t0})

	c.Prune(t0.Add(4 * time.Second))
	_, ok := c.Current(1)
	assert.True(t, ok)

	c.Prune(t0.Add(5 * time.Second))
	_, ok = c.Current(1)
	assert.False(t, ok)
	_, ok = c.LastKnown(1)
	assert.True(t, ok)

	c.Prune(t0.Add(15 * time.Second))
	_, ok = c.LastKnown(1)
	assert.False(t, ok)
}

func TestLookupNeverReturnsExpired(t *testing.T) {
	c := New(5*time.Second, 15*time.Second)
	c.Merge(1, Entry{Name: "Alice", Updated: t0})

	// Без очистки: текущая запись просрочена, но есть последняя известная.
	e, ok := c.Lookup(1, t0.Add(6*time.Second))
	assert.True(t, ok)
	assert.Equal(t, "Alice", e.Name)

	_, ok = c.Lookup(1, t0.Add(15*time.Second))
	assert.False(t, ok)

	_, ok = c.Lookup(2, t0)
	assert.False(t, ok)
}

func TestLookupPromotesLastKnown(t *testing.T) {
	c := New(5*time.Second, 15*time.Second)
	c.Merge(1, Entry{Name: "Alice", Updated: t0})
	delete(c.current, 1)

	_, ok := c.Lookup(1, t0.Add(time.Second))
	assert.True(t, ok)

	_, ok = c.Current(1)
	assert.True(t, ok)
}

func TestPending(t *testing.T) {
	c := New(5*time.Second, 15*time.Second)

	c.MarkPending(7, t0)
	assert.True(t, c.Pending(7, t0.Add(time.Second)))
	assert.False(t, c.Pending(7, t0.Add(5*time.Second)))

	c.Merge(7, Entry{Name: "Unknown", Updated: t0.Add(time.Second)})
	assert.False(t, c.Pending(7, t0.Add(time.Second)))

	c.MarkPending(8, t0)
	c.Prune(t0.Add(6 * time.Second))
	assert.False(t, c.Pending(8, t0))

	c.Reset()
	_, ok := c.LastKnown(7)
	assert.False(t, ok)
}
