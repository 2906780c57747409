// Package dockerwatch tails Docker container events for the runtime
// cache.
package dockerwatch

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/rs/zerolog"
)

// EventSource is the slice of the Docker client the watcher needs.
// *client.Client satisfies it; tests inject channels.
type EventSource interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Watcher runs a long-lived event stream filtered to container events
// and delivers each message to a callback. The stream reconnects with
// bounded backoff whenever Docker drops it.
type Watcher struct {
	source  EventSource
	onEvent func(events.Message)
	log     zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a watcher. Call Start to begin streaming.
func New(source EventSource, onEvent func(events.Message), log zerolog.Logger) *Watcher {
	return &Watcher{source: source, onEvent: onEvent, log: log}
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop terminates the stream and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	attempt := 0
	for {
		if !w.stream(ctx, &attempt) {
			return
		}

		delay := reconnectDelay(attempt)
		attempt++
		w.log.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("docker event stream lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// stream consumes one Events connection. Returns false when the watcher
// is shutting down.
func (w *Watcher) stream(ctx context.Context, attempt *int) bool {
	msgs, errs := w.source.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", "container")),
	})

	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return true
			}
			*attempt = 0
			w.onEvent(msg)
		case err := <-errs:
			if ctx.Err() != nil {
				return false
			}
			if err != nil {
				w.log.Warn().Err(err).Msg("docker event stream error")
			}
			return true
		}
	}
}

// reconnectDelay is min(2000ms, 200ms * 2^attempt).
func reconnectDelay(attempt int) time.Duration {
	const (
		base = 200 * time.Millisecond
		max  = 2 * time.Second
	)
	if attempt > 4 {
		return max
	}
	d := base << attempt
	if d > max {
		return max
	}
	return d
}
