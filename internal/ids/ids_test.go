package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id], "duplicate id generated")
		seen[id] = true
		if prev != "" {
			assert.True(t, id >= prev, "ids must sort monotonically: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestCorrelationIsUUIDShaped(t *testing.T) {
	c := Correlation()
	assert.Len(t, c, 36)
}
