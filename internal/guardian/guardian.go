package guardian

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"guild-sync/internal/bus"
	"guild-sync/internal/events"
	"guild-sync/internal/gateway"
	"guild-sync/internal/telemetry"
)

// ZoneLister exposes the canonical child→parent placement from the entity
// store: remote voice channel id to remote category id, for every zone that
// has both established.
type ZoneLister interface {
	ZoneMappings(ctx context.Context) (map[string]string, error)
}

// Guardian keeps a durable mapping of where each remote voice channel belongs
// and moves channels back when an out-of-band change puts them elsewhere.
// Corrections repair drift rather than representing new intents, so they are
// deliberately outside the quota tracker; the remote system's own throttling
// still applies and is retried as a transient failure.
type Guardian struct {
	rdb        *redis.Client
	gw         gateway.Client
	bus        *bus.Bus
	prefix     string
	maxRetries int
	backoff    time.Duration
}

// New builds a guardian over Redis mapping records and the gateway client.
func New(rdb *redis.Client, gw gateway.Client, b *bus.Bus, maxRetries int, backoff time.Duration) *Guardian {
	return &Guardian{
		rdb:        rdb,
		gw:         gw,
		bus:        b,
		prefix:     "voiceChannel:",
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Mapping returns the expected parent for the child, or "" when untracked.
func (g *Guardian) Mapping(ctx context.Context, voiceID string) (string, error) {
	parent, err := g.rdb.Get(ctx, g.prefix+voiceID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read mapping %s: %w", voiceID, err)
	}
	return parent, nil
}

// SetMapping records the canonical parent for a child. Called when a child is
// first established remotely and when a confirmed operation changes its
// parent; never from a drift correction.
func (g *Guardian) SetMapping(ctx context.Context, voiceID, categoryID string) error {
	if err := g.rdb.Set(ctx, g.prefix+voiceID, categoryID, 0).Err(); err != nil {
		return fmt.Errorf("set mapping %s: %w", voiceID, err)
	}
	if g.bus != nil {
		ev := events.New(events.TypeUpdated, voiceID)
		details, err := events.EncodeDetails(events.MappingDetails{
			DiscordVoiceID:    voiceID,
			DiscordCategoryID: categoryID,
		})
		if err == nil {
			ev.Details = details
			if err := g.bus.Publish(ctx, events.ChannelChannel, ev); err != nil {
				log.Printf("guardian: mapping notification for %s failed: %v", voiceID, err)
			}
		}
	}
	return nil
}

// Subscribe starts consuming observed placements from the channel event feed.
// Watchers of the remote system publish the placement they saw; mapping
// notifications from SetMapping flow on the same channel but carry the
// canonical parent, so they fall through OnChildObserved as no-ops.
func (g *Guardian) Subscribe(ctx context.Context) (*bus.Subscription, error) {
	return g.bus.Subscribe(ctx, func(ctx context.Context, _ string, ev events.Event) {
		if ev.EventType != events.TypeUpdated {
			return
		}
		voiceID, parentID := ev.DiscordVoiceID, ev.DiscordCategoryID
		if ev.Details != "" {
			var details events.MappingDetails
			if err := events.DecodeDetails(ev.Details, &details); err == nil {
				voiceID, parentID = details.DiscordVoiceID, details.DiscordCategoryID
			}
		}
		if voiceID == "" {
			return
		}
		if err := g.OnChildObserved(ctx, voiceID, parentID); err != nil {
			log.Printf("guardian: correction for %s failed: %v", voiceID, err)
		}
	}, events.ChannelChannel)
}

// OnChildObserved reacts to an externally observed placement of a child. When
// the actual parent diverges from the expected one, the child is moved back.
// The mapping record itself is left untouched.
func (g *Guardian) OnChildObserved(ctx context.Context, voiceID, actualParentID string) error {
	expected, err := g.Mapping(ctx, voiceID)
	if err != nil {
		return err
	}
	if expected == "" || expected == actualParentID {
		return nil
	}

	log.Printf("guardian: channel %s drifted to %s, moving back to %s", voiceID, actualParentID, expected)
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.backoff * (1 << (attempt - 1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = g.gw.MoveChannel(ctx, voiceID, expected)
		if lastErr == nil {
			telemetry.DriftCorrections.Inc()
			return nil
		}
		if !gateway.IsRetryable(lastErr) {
			break
		}
	}
	return fmt.Errorf("move %s back to %s: %w", voiceID, expected, lastErr)
}

// Rebuild repopulates mapping records from the entity store. Run at startup so
// corrections survive a gateway restart with a cold Redis.
func (g *Guardian) Rebuild(ctx context.Context, lister ZoneLister) (int, error) {
	mappings, err := lister.ZoneMappings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list zone mappings: %w", err)
	}
	count := 0
	for voiceID, categoryID := range mappings {
		if err := g.rdb.Set(ctx, g.prefix+voiceID, categoryID, 0).Err(); err != nil {
			return count, fmt.Errorf("set mapping %s: %w", voiceID, err)
		}
		count++
	}
	log.Printf("guardian: rebuilt %d channel mappings", count)
	return count, nil
}
