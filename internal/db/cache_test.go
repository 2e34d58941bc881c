package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newSizedRecordCache[string, int](2)
	c.put("a", 1)
	c.put("b", 2)
	_, _ = c.get("a")
	c.put("c", 3)

	_, ok := c.get("b")
	assert.False(t, ok, "b was least recently used")
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.delete("a")
	_, ok = c.get("a")
	assert.False(t, ok)

	c.clear()
	_, ok = c.get("c")
	assert.False(t, ok)
}
