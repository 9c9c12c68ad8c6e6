package models

import (
	"time"
)

// EntityKind distinguishes the two record families that have a remote counterpart.
const (
	KindCategory = "category"
	KindZone     = "zone"
)

// Category is a container record persisted in Postgres. Its remote counterpart
// is a channel category in the gateway system.
type Category struct {
	ID                 string    `json:"id"`
	GuildID            string    `json:"guildId"`
	Name               string    `json:"name"`
	DiscordCategoryID  *string   `json:"discordCategoryId,omitempty"`
	IsDeletedInDiscord bool      `json:"isDeletedInDiscord"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Zone is a child record placed under a category. Its remote counterpart is a
// voice channel parented to the category's remote counterpart.
type Zone struct {
	ID                 string    `json:"id"`
	CategoryID         string    `json:"categoryId"`
	ZoneKey            string    `json:"zoneKey"`
	Name               string    `json:"name"`
	DiscordVoiceID     *string   `json:"discordVoiceId,omitempty"`
	IsDeletedInDiscord bool      `json:"isDeletedInDiscord"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Role mirrors the read-only role records served by the gateway responder.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
