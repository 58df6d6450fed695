package askap

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Watcher polls the state-change feed and hands each event to a handler.
// Delivery is at-least-once: the cursor only advances after a poll completes,
// so a crash between polls replays nothing and a crash mid-batch replays the
// batch. Handlers must be idempotent, which the per-observation store
// bookkeeping guarantees downstream.
type Watcher struct {
	client   *Client
	interval time.Duration
	cursor   string
	log      zerolog.Logger
}

func NewWatcher(client *Client, interval time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{client: client, interval: interval, log: log}
}

// Run polls until the context is cancelled. Feed errors are logged and
// retried on the next tick, never returned.
func (w *Watcher) Run(ctx context.Context, handle func(StateEvent)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.poll(ctx, handle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context, handle func(StateEvent)) {
	events, cursor, err := w.client.Changes(ctx, w.cursor)
	if err != nil {
		w.log.Warn().Err(err).Msg("state feed poll failed")
		return
	}
	w.cursor = cursor
	for _, ev := range events {
		w.log.Info().Int("sbid", ev.SBID).Stringer("from", ev.OldState).Stringer("to", ev.State).
			Msg("schedblock state change")
		handle(ev)
	}
}
