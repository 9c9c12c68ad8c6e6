package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"guild-sync/internal/events"
)

// ErrRequestTimeout is returned when no response arrives within the deadline.
var ErrRequestTimeout = errors.New("bus: request timed out")

// Request publishes a request event on the channel and waits for a response
// carrying the same requestId. No match by the timeout is treated as failure;
// a late response is simply dropped by the closed subscription.
func (b *Bus) Request(ctx context.Context, channel string, req events.Event, timeout time.Duration) (events.Event, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	req.EventType = events.TypeRequest

	matched := make(chan events.Event, 1)
	sub, err := b.Subscribe(ctx, func(_ context.Context, _ string, ev events.Event) {
		if ev.RequestID != req.RequestID || ev.EventType == events.TypeRequest {
			return
		}
		select {
		case matched <- ev:
		default:
		}
	}, channel)
	if err != nil {
		return events.Event{}, err
	}
	defer sub.Close()

	if err := b.Publish(ctx, channel, req); err != nil {
		return events.Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-matched:
		if ev.EventType == events.TypeError {
			return ev, errors.New(ev.Error)
		}
		return ev, nil
	case <-timer.C:
		return events.Event{}, ErrRequestTimeout
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}
