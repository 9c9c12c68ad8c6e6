package events

import (
	"encoding/json"
	"time"

	"guild-sync/internal/models"
)

// Channel names, one per entity kind plus the auxiliary read-only channels and
// the normalized observer feed.
const (
	ChannelCategory     = "categoryEvent"
	ChannelZone         = "zoneEvent"
	ChannelRole         = "roleEvent"
	ChannelChannel      = "channelEvent"
	ChannelNotification = "notificationEvent"
)

// Type is the closed set of event kinds exchanged on the bus.
type Type string

const (
	// Intents emitted by the data owner.
	TypeCreated Type = "created"
	TypeUpdated Type = "updated"
	TypeDeleted Type = "deleted"

	// Outcomes published by the scheduler.
	TypeConfirmation    Type = "confirmation"
	TypeUpdateConfirmed Type = "updateConfirmed"
	TypeDeleteConfirmed Type = "deleteConfirmed"
	TypeError           Type = "error"
	TypeRateLimit       Type = "rateLimit"
	TypeQueued          Type = "queued"

	// Read-only query/response sub-protocol.
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
)

// IsIntent reports whether t originates a remote mutation.
func (t Type) IsIntent() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeDeleted:
		return true
	}
	return false
}

// IsTerminal reports whether t ends the lifecycle of an accepted intent.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeConfirmation, TypeUpdateConfirmed, TypeDeleteConfirmed, TypeError:
		return true
	}
	return false
}

// Event is the JSON envelope carried on every channel. ID is the entity id the
// event concerns; kind-specific fields are populated depending on the channel.
type Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	EventType Type   `json:"eventType"`

	// Category fields.
	GuildID           string `json:"guildId,omitempty"`
	DiscordCategoryID string `json:"discordCategoryId,omitempty"`

	// Zone fields.
	CategoryID     string `json:"categoryId,omitempty"`
	DiscordVoiceID string `json:"discordVoiceId,omitempty"`

	Name string `json:"name,omitempty"`

	// Query/response correlation.
	RequestID string        `json:"requestId,omitempty"`
	Roles     []models.Role `json:"roles,omitempty"`

	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// New builds an envelope for an entity with the timestamp set to now.
func New(eventType Type, entityID string) Event {
	return Event{
		ID:        entityID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		EventType: eventType,
	}
}

// RateLimitDetails is carried JSON-encoded in Details on rateLimit events.
type RateLimitDetails struct {
	OriginalEventType Type   `json:"originalEventType"`
	DelayMs           int64  `json:"delayMs"`
	DelayMinutes      int    `json:"delayMinutes"`
	ScheduledTime     string `json:"scheduledTime"`
	EntityName        string `json:"entityName,omitempty"`
}

// QueuedDetails is carried JSON-encoded in Details on queued events.
type QueuedDetails struct {
	JobID             string `json:"jobId"`
	EstimatedDelayMs  int64  `json:"estimatedDelayMs"`
	OriginalEventType Type   `json:"originalEventType"`
}

// MappingDetails is carried on channelEvent notifications when a mapping record changes.
type MappingDetails struct {
	DiscordVoiceID    string `json:"discordVoiceId"`
	DiscordCategoryID string `json:"discordCategoryId"`
}

// EncodeDetails serializes an auxiliary payload for the Details field.
func EncodeDetails(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeDetails parses the Details field into the given payload type.
func DecodeDetails(details string, v any) error {
	return json.Unmarshal([]byte(details), v)
}
