package container

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowThrottler(t *testing.T) {
	t.Parallel()

	const limit = 5
	now := time.Unix(1000, 0)
	w := NewThrottler(limit, time.Second)
	w.now = func() time.Time { return now }

	allowed := 0
	throttled := 0
	for i := 0; i < limit+1; i++ {
		if ok, _ := w.Allow(); ok {
			allowed++
		} else {
			throttled++
		}
	}
	assert.Equal(t, limit, allowed)
	assert.Equal(t, 1, throttled)

	now = now.Add(400 * time.Millisecond)
	ok, wait := w.Allow()
	assert.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, wait, "Should wait for the rest of the window.")

	now = now.Add(600 * time.Millisecond)
	ok, _ = w.Allow()
	assert.True(t, ok, "A new window should allow again.")
}
