package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_OncePerInterval(t *testing.T) {
	d := NewDebouncer(15 * time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.True(t, d.Allow("t1", "incident-change"))
	assert.False(t, d.Allow("t1", "incident-change"))

	// Keys are independent
	assert.True(t, d.Allow("t2", "incident-change"))
	assert.True(t, d.Allow("t1", "presets-changed"))

	now = now.Add(14 * time.Second)
	assert.False(t, d.Allow("t1", "incident-change"))

	now = now.Add(time.Second)
	assert.True(t, d.Allow("t1", "incident-change"))
	assert.False(t, d.Allow("t1", "incident-change"))
}

func TestDebouncer_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultDebounceInterval, NewDebouncer(0).Interval())
	assert.Equal(t, time.Minute, NewDebouncer(time.Minute).Interval())
}
