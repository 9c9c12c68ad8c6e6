package gateway

import (
	"context"
	"log"
	"time"

	"guild-sync/internal/bus"
	"guild-sync/internal/events"
)

// RolesResponder answers read-only role queries on the role channel. This is
// the responder half of the request/response sub-protocol: requesters publish
// a request with a requestId and time out on their own side.
type RolesResponder struct {
	bus    *bus.Bus
	client Client
}

// NewRolesResponder builds a responder over the gateway client.
func NewRolesResponder(b *bus.Bus, client Client) *RolesResponder {
	return &RolesResponder{bus: b, client: client}
}

// Subscribe starts answering requests until the context is cancelled.
func (r *RolesResponder) Subscribe(ctx context.Context) (*bus.Subscription, error) {
	return r.bus.Subscribe(ctx, func(ctx context.Context, _ string, ev events.Event) {
		if ev.EventType != events.TypeRequest || ev.RequestID == "" {
			return
		}
		r.respond(ctx, ev)
	}, events.ChannelRole)
}

func (r *RolesResponder) respond(ctx context.Context, req events.Event) {
	resp := events.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: req.RequestID,
		GuildID:   req.GuildID,
	}
	roles, err := r.client.ListRoles(ctx, req.GuildID)
	if err != nil {
		resp.EventType = events.TypeError
		resp.Error = err.Error()
	} else {
		resp.EventType = events.TypeResponse
		resp.Roles = roles
	}
	if err := r.bus.Publish(ctx, events.ChannelRole, resp); err != nil {
		log.Printf("roles responder: reply to %s failed: %v", req.RequestID, err)
	}
}
