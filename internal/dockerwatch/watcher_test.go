package dockerwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hack-sh/hack/internal/logger"
)

// fakeSource hands out scripted event streams, one per Events call.
type fakeSource struct {
	mu      sync.Mutex
	streams []func(chan<- events.Message, chan<- error)
	calls   int
}

func (f *fakeSource) Events(ctx context.Context, _ events.ListOptions) (<-chan events.Message, <-chan error) {
	f.mu.Lock()
	script := func(chan<- events.Message, chan<- error) {}
	if f.calls < len(f.streams) {
		script = f.streams[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	msgs := make(chan events.Message)
	errs := make(chan error, 1)
	go script(msgs, errs)
	return msgs, errs
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestWatcherDeliversEvents(t *testing.T) {
	source := &fakeSource{streams: []func(chan<- events.Message, chan<- error){
		func(msgs chan<- events.Message, errs chan<- error) {
			msgs <- events.Message{Type: events.ContainerEventType, Action: "start"}
			msgs <- events.Message{Type: events.ContainerEventType, Action: "die"}
			// Keep the stream open until the watcher stops.
		},
	}}

	var mu sync.Mutex
	var seen []string
	w := New(source, func(msg events.Message) {
		mu.Lock()
		seen = append(seen, string(msg.Action))
		mu.Unlock()
	}, logger.Nop().Component("dockerwatch"))

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"start", "die"}, seen)
	mu.Unlock()
}

func TestWatcherReconnectsAfterStreamError(t *testing.T) {
	source := &fakeSource{streams: []func(chan<- events.Message, chan<- error){
		func(msgs chan<- events.Message, errs chan<- error) {
			errs <- context.DeadlineExceeded
		},
		func(msgs chan<- events.Message, errs chan<- error) {
			msgs <- events.Message{Type: events.ContainerEventType, Action: "start"}
		},
	}}

	delivered := make(chan struct{}, 1)
	w := New(source, func(events.Message) {
		select {
		case delivered <- struct{}{}:
		default:
		}
	}, logger.Nop().Component("dockerwatch"))

	w.Start()
	defer w.Stop()

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reconnected after a stream error")
	}
	assert.GreaterOrEqual(t, source.callCount(), 2)
}

func TestStopTerminatesPromptly(t *testing.T) {
	source := &fakeSource{}
	w := New(source, func(events.Message) {}, logger.Nop().Component("dockerwatch"))
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, reconnectDelay(0))
	assert.Equal(t, 400*time.Millisecond, reconnectDelay(1))
	assert.Equal(t, 800*time.Millisecond, reconnectDelay(2))
	assert.Equal(t, 1600*time.Millisecond, reconnectDelay(3))
	assert.Equal(t, 2*time.Second, reconnectDelay(4))
	assert.Equal(t, 2*time.Second, reconnectDelay(10))
	assert.Equal(t, 2*time.Second, reconnectDelay(63), "shift never overflows")
}
