package gateway

import (
	"context"
	"fmt"

	"guild-sync/internal/events"
	"guild-sync/internal/models"
)

// Operation is one remote mutation derived from an intent event.
type Operation struct {
	Kind       events.Type
	EntityKind string
	Event      events.Event
}

// Result reports what the remote system handed back. ExternalID is set only
// when the operation established a new remote resource.
type Result struct {
	ExternalID string
}

// Executor performs the actual remote mutation. The scheduler treats the call
// as opaque and only inspects the error's retryability.
type Executor interface {
	Execute(ctx context.Context, op Operation) (Result, error)
}

// DiscordExecutor maps operations onto the narrow gateway client.
type DiscordExecutor struct {
	client Client
}

// NewExecutor builds an executor over a gateway client.
func NewExecutor(client Client) *DiscordExecutor {
	return &DiscordExecutor{client: client}
}

// Execute dispatches by entity kind and operation kind. Missing required
// fields surface as ErrIncompleteEvent before any remote call is made.
func (e *DiscordExecutor) Execute(ctx context.Context, op Operation) (Result, error) {
	switch op.EntityKind {
	case models.KindCategory:
		return e.executeCategory(ctx, op)
	case models.KindZone:
		return e.executeZone(ctx, op)
	default:
		return Result{}, fmt.Errorf("%w: unknown entity kind %q", ErrIncompleteEvent, op.EntityKind)
	}
}

func (e *DiscordExecutor) executeCategory(ctx context.Context, op Operation) (Result, error) {
	ev := op.Event
	switch op.Kind {
	case events.TypeCreated:
		if ev.GuildID == "" || ev.Name == "" {
			return Result{}, fmt.Errorf("%w: category create needs guildId and name", ErrIncompleteEvent)
		}
		id, err := e.client.CreateCategory(ctx, ev.GuildID, ev.Name)
		if err != nil {
			return Result{}, err
		}
		return Result{ExternalID: id}, nil
	case events.TypeUpdated:
		if ev.DiscordCategoryID == "" || ev.Name == "" {
			return Result{}, fmt.Errorf("%w: category update needs discordCategoryId and name", ErrIncompleteEvent)
		}
		return Result{}, e.client.RenameChannel(ctx, ev.DiscordCategoryID, ev.Name)
	case events.TypeDeleted:
		if ev.DiscordCategoryID == "" {
			return Result{}, fmt.Errorf("%w: category delete needs discordCategoryId", ErrIncompleteEvent)
		}
		return Result{}, e.client.DeleteChannel(ctx, ev.DiscordCategoryID)
	default:
		return Result{}, fmt.Errorf("%w: unsupported category operation %q", ErrIncompleteEvent, op.Kind)
	}
}

func (e *DiscordExecutor) executeZone(ctx context.Context, op Operation) (Result, error) {
	ev := op.Event
	switch op.Kind {
	case events.TypeCreated:
		if ev.GuildID == "" || ev.DiscordCategoryID == "" || ev.Name == "" {
			return Result{}, fmt.Errorf("%w: zone create needs guildId, discordCategoryId and name", ErrIncompleteEvent)
		}
		id, err := e.client.CreateVoiceChannel(ctx, ev.GuildID, ev.DiscordCategoryID, ev.Name)
		if err != nil {
			return Result{}, err
		}
		return Result{ExternalID: id}, nil
	case events.TypeUpdated:
		if ev.DiscordVoiceID == "" {
			return Result{}, fmt.Errorf("%w: zone update needs discordVoiceId", ErrIncompleteEvent)
		}
		if ev.Name != "" {
			if err := e.client.RenameChannel(ctx, ev.DiscordVoiceID, ev.Name); err != nil {
				return Result{}, err
			}
		}
		// A populated parent id on an update means the zone changed category.
		if ev.DiscordCategoryID != "" {
			if err := e.client.MoveChannel(ctx, ev.DiscordVoiceID, ev.DiscordCategoryID); err != nil {
				return Result{}, err
			}
		}
		return Result{}, nil
	case events.TypeDeleted:
		if ev.DiscordVoiceID == "" {
			return Result{}, fmt.Errorf("%w: zone delete needs discordVoiceId", ErrIncompleteEvent)
		}
		return Result{}, e.client.DeleteChannel(ctx, ev.DiscordVoiceID)
	default:
		return Result{}, fmt.Errorf("%w: unsupported zone operation %q", ErrIncompleteEvent, op.Kind)
	}
}
