package sse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/gigmarket/gigmarket/internal/domain/changefeed"
	"github.com/gigmarket/gigmarket/internal/domain/stream"
)

// Relay forwards every committed change to the hub group of its
// conversation. Clients that missed events while the relay reconnected
// re-fetch through the HTTP API.
type Relay struct {
	feed   changefeed.Feed
	hub    stream.Hub
	retry  time.Duration
	logger zerolog.Logger
}

// NewRelay creates a relay. retry is the pause between subscription attempts.
func NewRelay(feed changefeed.Feed, hub stream.Hub, retry time.Duration, logger zerolog.Logger) *Relay {
	if retry <= 0 {
		retry = time.Second
	}
	return &Relay{feed: feed, hub: hub, retry: retry, logger: logger.With().Str("component", "sse_relay").Logger()}
}

// Run relays until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	for ctx.Err() == nil {
		changes, err := r.feed.Subscribe(ctx, changefeed.Filter{})
		if err != nil {
			r.logger.Debug().Err(err).Msg("subscribe failed")
		} else {
			for c := range changes {
				r.forward(c)
			}
			if ctx.Err() == nil {
				r.logger.Warn().Msg("change feed closed; resubscribing")
			}
		}
		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
		}
	}
}

func (r *Relay) forward(c changefeed.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode change")
		return
	}
	r.hub.Publish(c.ConversationID, EventName(c), data)
}

// EventName is the SSE event name of a change, e.g. "messages.insert".
func EventName(c changefeed.Change) string {
	return string(c.Collection) + "." + string(c.Op)
}
