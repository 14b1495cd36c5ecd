package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

// recordingPusher remembers every trigger
type recordingPusher struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (r *recordingPusher) Trigger(_ context.Context, channel, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Channel: channel, Event: event, Payload: payload})
	return r.err
}

func TestDebouncedPusher_Notify(t *testing.T) {
	rec := &recordingPusher{}
	d := NewDebouncer(time.Minute)
	p := NewDebouncedPusher(rec, d, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	assert.True(t, p.Notify(ctx, "t1", "incident-change", nil))
	assert.False(t, p.Notify(ctx, "t1", "incident-change", nil))
	assert.True(t, p.Notify(ctx, "t1", "presets-changed", map[string]int{"count": 1}))

	assert.Equal(t, []Message{
		{Channel: "private-t1", Event: "incident-change"},
		{Channel: "private-t1", Event: "presets-changed", Payload: map[string]int{"count": 1}},
	}, rec.messages)
}

func TestDebouncedPusher_FailureIsSwallowed(t *testing.T) {
	rec := &recordingPusher{err: errors.New("unreachable")}
	p := NewDebouncedPusher(rec, NewDebouncer(time.Minute), zaptest.NewLogger(t).Sugar())

	assert.True(t, p.Notify(context.Background(), "t1", "incident-change", nil))
	assert.Len(t, rec.messages, 1)
}

func TestDebouncedPusher_NilPusher(t *testing.T) {
	p := NewDebouncedPusher(nil, NewDebouncer(time.Minute), zaptest.NewLogger(t).Sugar())
	assert.False(t, p.Notify(context.Background(), "t1", "incident-change", nil))

	var none *DebouncedPusher
	assert.False(t, none.Notify(context.Background(), "t1", "incident-change", nil))
}
