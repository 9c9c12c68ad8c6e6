package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"guild-sync/internal/models"
)

// Client is the narrow surface the executor and the guardian need from the
// remote system. Implementations report failures as *APIError when a status
// code is available.
type Client interface {
	CreateCategory(ctx context.Context, guildID, name string) (string, error)
	CreateVoiceChannel(ctx context.Context, guildID, parentID, name string) (string, error)
	RenameChannel(ctx context.Context, channelID, name string) error
	MoveChannel(ctx context.Context, channelID, parentID string) error
	DeleteChannel(ctx context.Context, channelID string) error
	ListRoles(ctx context.Context, guildID string) ([]models.Role, error)
}

// Discord channel type discriminators.
const (
	channelTypeVoice    = 2
	channelTypeCategory = 4
)

// RESTClient talks to the Discord-style HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient builds a client with bot-token auth.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type channelPayload struct {
	Name     string `json:"name,omitempty"`
	Type     int    `json:"type,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

type channelResponse struct {
	ID string `json:"id"`
}

func (c *RESTClient) CreateCategory(ctx context.Context, guildID, name string) (string, error) {
	var out channelResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/guilds/%s/channels", guildID),
		channelPayload{Name: name, Type: channelTypeCategory}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *RESTClient) CreateVoiceChannel(ctx context.Context, guildID, parentID, name string) (string, error) {
	var out channelResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/guilds/%s/channels", guildID),
		channelPayload{Name: name, Type: channelTypeVoice, ParentID: parentID}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *RESTClient) RenameChannel(ctx context.Context, channelID, name string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, channelPayload{Name: name}, nil)
}

func (c *RESTClient) MoveChannel(ctx context.Context, channelID, parentID string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, channelPayload{ParentID: parentID}, nil)
}

// DeleteChannel removes the remote channel. A 404 means someone already
// deleted it out of band, which is the state we wanted anyway.
func (c *RESTClient) DeleteChannel(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *RESTClient) ListRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	var out []models.Role
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/guilds/%s/roles", guildID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Message: string(msg)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
