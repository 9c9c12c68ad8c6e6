package gateway

import (
	"context"
	"errors"
	"testing"

	"guild-sync/internal/events"
	"guild-sync/internal/models"
)

// fakeClient records calls and optionally fails them.
type fakeClient struct {
	created    []string
	renamed    []string
	moved      [][2]string
	deleted    []string
	failWith   error
	externalID string
}

func (f *fakeClient) CreateCategory(_ context.Context, guildID, name string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.created = append(f.created, guildID+"/"+name)
	return f.externalID, nil
}

func (f *fakeClient) CreateVoiceChannel(_ context.Context, guildID, parentID, name string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.created = append(f.created, guildID+"/"+parentID+"/"+name)
	return f.externalID, nil
}

func (f *fakeClient) RenameChannel(_ context.Context, channelID, name string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.renamed = append(f.renamed, channelID+"="+name)
	return nil
}

func (f *fakeClient) MoveChannel(_ context.Context, channelID, parentID string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.moved = append(f.moved, [2]string{channelID, parentID})
	return nil
}

func (f *fakeClient) DeleteChannel(_ context.Context, channelID string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakeClient) ListRoles(_ context.Context, _ string) ([]models.Role, error) {
	return nil, f.failWith
}

func TestExecuteCategoryCreate(t *testing.T) {
	client := &fakeClient{externalID: "900"}
	exec := NewExecutor(client)

	res, err := exec.Execute(context.Background(), Operation{
		Kind:       events.TypeCreated,
		EntityKind: models.KindCategory,
		Event:      events.Event{ID: "cat-1", GuildID: "guild-1", Name: "lounge"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExternalID != "900" {
		t.Fatalf("expected external id 900, got %q", res.ExternalID)
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(client.created))
	}
}

func TestExecuteZoneUpdateRenameAndMove(t *testing.T) {
	client := &fakeClient{}
	exec := NewExecutor(client)

	_, err := exec.Execute(context.Background(), Operation{
		Kind:       events.TypeUpdated,
		EntityKind: models.KindZone,
		Event: events.Event{
			ID:                "zone-1",
			Name:              "arena",
			DiscordVoiceID:    "v-1",
			DiscordCategoryID: "c-2",
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(client.renamed) != 1 || client.renamed[0] != "v-1=arena" {
		t.Fatalf("expected rename, got %v", client.renamed)
	}
	if len(client.moved) != 1 || client.moved[0] != [2]string{"v-1", "c-2"} {
		t.Fatalf("expected move to new parent, got %v", client.moved)
	}
}

func TestExecuteValidatesRequiredFields(t *testing.T) {
	exec := NewExecutor(&fakeClient{})

	cases := []Operation{
		{Kind: events.TypeCreated, EntityKind: models.KindCategory, Event: events.Event{ID: "x", Name: "no-guild"}},
		{Kind: events.TypeUpdated, EntityKind: models.KindCategory, Event: events.Event{ID: "x", Name: "no-remote-id"}},
		{Kind: events.TypeDeleted, EntityKind: models.KindCategory, Event: events.Event{ID: "x"}},
		{Kind: events.TypeCreated, EntityKind: models.KindZone, Event: events.Event{ID: "x", Name: "no-parent", GuildID: "g"}},
		{Kind: events.TypeUpdated, EntityKind: models.KindZone, Event: events.Event{ID: "x", Name: "no-voice-id"}},
	}
	for i, op := range cases {
		if _, err := exec.Execute(context.Background(), op); !errors.Is(err, ErrIncompleteEvent) {
			t.Fatalf("case %d: expected ErrIncompleteEvent, got %v", i, err)
		}
	}
}
