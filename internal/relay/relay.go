package relay

import (
	"context"
	"log"

	"guild-sync/internal/bus"
	"guild-sync/internal/events"
)

// EntityWriter is the narrow "apply confirmed state" surface the relay needs
// from the entity store. Implementations must make every write idempotent:
// redelivered outcome events may call these more than once.
type EntityWriter interface {
	SetCategoryDiscordID(ctx context.Context, id, discordID string) error
	MarkCategoryDeleted(ctx context.Context, id string) error
	SetZoneDiscordID(ctx context.Context, id, discordID string) error
	MarkZoneDeleted(ctx context.Context, id string) error
}

// Relay is the data-owner-side listener for outcome events. Confirmations are
// persisted; errors and rate limits pass through untouched. Every outcome is
// republished on the normalized notification channel for observers.
type Relay struct {
	bus    *bus.Bus
	writer EntityWriter
}

// New builds a relay over the bus and the entity store.
func New(b *bus.Bus, writer EntityWriter) *Relay {
	return &Relay{bus: b, writer: writer}
}

// Subscribe starts consuming outcome events on the category and zone channels.
// Persistence failures are logged and never stop the listener loop.
func (r *Relay) Subscribe(ctx context.Context) (*bus.Subscription, error) {
	return r.bus.Subscribe(ctx, r.handle, events.ChannelCategory, events.ChannelZone)
}

func (r *Relay) handle(ctx context.Context, channel string, ev events.Event) {
	switch ev.EventType {
	case events.TypeConfirmation:
		r.persistConfirmation(ctx, channel, ev)
	case events.TypeUpdateConfirmed:
		log.Printf("relay: update confirmed for %s", ev.ID)
	case events.TypeDeleteConfirmed:
		r.persistDeletion(ctx, channel, ev)
	case events.TypeError:
		log.Printf("relay: error outcome for %s: %s", ev.ID, ev.Error)
	case events.TypeRateLimit, events.TypeQueued:
		// Informational only; no persisted state changes.
	case events.TypeCreated, events.TypeUpdated, events.TypeDeleted,
		events.TypeRequest, events.TypeResponse:
		// Intents and the query sub-protocol are not outcomes.
		return
	default:
		log.Printf("relay: unknown event type %q on %s", ev.EventType, channel)
		return
	}

	if err := r.bus.Publish(ctx, events.ChannelNotification, ev); err != nil {
		log.Printf("relay: notification for %s failed: %v", ev.ID, err)
	}
}

func (r *Relay) persistConfirmation(ctx context.Context, channel string, ev events.Event) {
	var err error
	switch channel {
	case events.ChannelCategory:
		if ev.DiscordCategoryID == "" {
			return
		}
		err = r.writer.SetCategoryDiscordID(ctx, ev.ID, ev.DiscordCategoryID)
	case events.ChannelZone:
		if ev.DiscordVoiceID == "" {
			return
		}
		err = r.writer.SetZoneDiscordID(ctx, ev.ID, ev.DiscordVoiceID)
	}
	if err != nil {
		log.Printf("relay: persist confirmation for %s: %v", ev.ID, err)
		return
	}
	log.Printf("relay: confirmed external id for %s", ev.ID)
}

func (r *Relay) persistDeletion(ctx context.Context, channel string, ev events.Event) {
	var err error
	switch channel {
	case events.ChannelCategory:
		err = r.writer.MarkCategoryDeleted(ctx, ev.ID)
	case events.ChannelZone:
		err = r.writer.MarkZoneDeleted(ctx, ev.ID)
	}
	if err != nil {
		log.Printf("relay: persist deletion for %s: %v", ev.ID, err)
	}
}
