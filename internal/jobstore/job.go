package jobstore

import (
	"fmt"
	"time"

	"guild-sync/internal/events"
	"guild-sync/internal/models"
)

// Job is the durable unit of deferred work. Exactly one job per
// (entity, operation) key is meant to exist at a time; a newer intent for the
// same key supersedes the older job before taking its place.
type Job struct {
	ID         string       `json:"id"`
	EventType  events.Type  `json:"eventType"`
	CategoryID string       `json:"categoryId,omitempty"`
	ZoneID     string       `json:"zoneId,omitempty"`
	Event      events.Event `json:"eventData"`
	Timestamp  time.Time    `json:"timestamp"`
	Attempt    int          `json:"attempt"`
}

// EntityID resolves whichever of the two id fields is populated.
func (j Job) EntityID() string {
	if j.CategoryID != "" {
		return j.CategoryID
	}
	return j.ZoneID
}

// EntityKind reports which record family the job mutates.
func (j Job) EntityKind() string {
	if j.CategoryID != "" {
		return models.KindCategory
	}
	return models.KindZone
}

// Key returns the dedup key: one outstanding job per entity and operation kind.
func (j Job) Key() string {
	return Key(j.EntityID(), j.EventType)
}

// Key builds the (entityId, operationKind) dedup key.
func Key(entityID string, eventType events.Type) string {
	return fmt.Sprintf("%s-%s", entityID, eventType)
}

// NewJobID mints a job id in the "<eventType>:<entityId>:<epochMillis>" format.
func NewJobID(eventType events.Type, entityID string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", eventType, entityID, now.UnixMilli())
}

// NewJob builds a job around an intent event.
func NewJob(ev events.Event, kind string, now time.Time) Job {
	j := Job{
		ID:        NewJobID(ev.EventType, ev.ID, now),
		EventType: ev.EventType,
		Event:     ev,
		Timestamp: now.UTC(),
	}
	if kind == models.KindCategory {
		j.CategoryID = ev.ID
	} else {
		j.ZoneID = ev.ID
	}
	return j
}
