package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"guild-sync/internal/bus"
	"guild-sync/internal/config"
	"guild-sync/internal/events"
	"guild-sync/internal/models"
	"guild-sync/internal/store"
	"guild-sync/internal/telemetry"
)

// Server wires HTTP handlers for the data-owning service. Mutations persist
// first, then publish the matching intent event for the gateway worker.
type Server struct {
	cfg   config.Config
	store *store.Store
	bus   *bus.Bus
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, b *bus.Bus) *Server {
	return &Server{cfg: cfg, store: st, bus: b}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/categories", s.handleCreateCategory)
	r.Get("/categories", s.handleListCategories)
	r.Get("/categories/{id}", s.handleGetCategory)
	r.Patch("/categories/{id}", s.handleRenameCategory)
	r.Delete("/categories/{id}", s.handleDeleteCategory)

	r.Post("/zones", s.handleCreateZone)
	r.Get("/zones", s.handleListZones)
	r.Get("/zones/{id}", s.handleGetZone)
	r.Patch("/zones/{id}", s.handleUpdateZone)
	r.Delete("/zones/{id}", s.handleDeleteZone)

	r.Get("/roles", s.handleRoles)
	return r
}

type createCategoryRequest struct {
	GuildID string `json:"guildId"`
	Name    string `json:"name"`
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req createCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.GuildID == "" || req.Name == "" {
		http.Error(w, "guildId and name are required", http.StatusBadRequest)
		return
	}
	cat, err := s.store.CreateCategory(r.Context(), req.GuildID, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ev := events.New(events.TypeCreated, cat.ID)
	ev.GuildID = cat.GuildID
	ev.Name = cat.Name
	s.publishIntent(r.Context(), events.ChannelCategory, ev)

	writeJSON(w, http.StatusAccepted, cat)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := s.store.GetCategory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	cat, err := s.store.UpdateCategoryName(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if cat.DiscordCategoryID != nil {
		ev := events.New(events.TypeUpdated, cat.ID)
		ev.GuildID = cat.GuildID
		ev.Name = cat.Name
		ev.DiscordCategoryID = *cat.DiscordCategoryID
		s.publishIntent(r.Context(), events.ChannelCategory, ev)
	}
	writeJSON(w, http.StatusAccepted, cat)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := s.store.GetCategory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cat.DiscordCategoryID != nil {
		ev := events.New(events.TypeDeleted, cat.ID)
		ev.GuildID = cat.GuildID
		ev.Name = cat.Name
		ev.DiscordCategoryID = *cat.DiscordCategoryID
		s.publishIntent(r.Context(), events.ChannelCategory, ev)
	} else if err := s.store.MarkCategoryDeleted(r.Context(), cat.ID); err != nil {
		// Nothing to remove remotely; mark locally right away.
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deletion scheduled"})
}

type createZoneRequest struct {
	CategoryID string `json:"categoryId"`
	ZoneKey    string `json:"zoneKey"`
	Name       string `json:"name"`
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CategoryID == "" || req.Name == "" {
		http.Error(w, "categoryId and name are required", http.StatusBadRequest)
		return
	}
	parent, err := s.store.GetCategory(r.Context(), req.CategoryID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	zone, err := s.store.CreateZone(r.Context(), req.CategoryID, req.ZoneKey, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The remote voice channel can only be created once the parent category
	// exists remotely; until then the zone stays local-only.
	if parent.DiscordCategoryID != nil {
		ev := events.New(events.TypeCreated, zone.ID)
		ev.CategoryID = zone.CategoryID
		ev.GuildID = parent.GuildID
		ev.DiscordCategoryID = *parent.DiscordCategoryID
		ev.Name = zone.Name
		s.publishIntent(r.Context(), events.ChannelZone, ev)
	}
	writeJSON(w, http.StatusAccepted, zone)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.store.ListZones(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	zone, err := s.store.GetZone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, zone)
}

type updateZoneRequest struct {
	Name       string `json:"name"`
	CategoryID string `json:"categoryId"`
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	var req updateZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" && req.CategoryID == "" {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}
	zone, err := s.store.UpdateZone(r.Context(), chi.URLParam(r, "id"), req.Name, req.CategoryID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if zone.DiscordVoiceID != nil {
		ev := events.New(events.TypeUpdated, zone.ID)
		ev.CategoryID = zone.CategoryID
		ev.DiscordVoiceID = *zone.DiscordVoiceID
		if req.Name != "" {
			ev.Name = zone.Name
		}
		if req.CategoryID != "" {
			parent, err := s.store.GetCategory(r.Context(), zone.CategoryID)
			if err == nil && parent.DiscordCategoryID != nil {
				ev.DiscordCategoryID = *parent.DiscordCategoryID
			}
		}
		s.publishIntent(r.Context(), events.ChannelZone, ev)
	}
	writeJSON(w, http.StatusAccepted, zone)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	zone, err := s.store.GetZone(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if zone.DiscordVoiceID != nil {
		ev := events.New(events.TypeDeleted, zone.ID)
		ev.CategoryID = zone.CategoryID
		ev.Name = zone.Name
		ev.DiscordVoiceID = *zone.DiscordVoiceID
		s.publishIntent(r.Context(), events.ChannelZone, ev)
	} else if err := s.store.MarkZoneDeleted(r.Context(), zone.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deletion scheduled"})
}

// handleRoles proxies the read-only role list through the bus request/response
// sub-protocol; no match within the timeout is treated as failure.
func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guildId")
	if guildID == "" {
		guildID = s.cfg.GuildID
	}
	if guildID == "" {
		http.Error(w, "guildId is required", http.StatusBadRequest)
		return
	}
	req := events.Event{GuildID: guildID}
	resp, err := s.bus.Request(r.Context(), events.ChannelRole, req, s.cfg.RequestTimeout)
	if errors.Is(err, bus.ErrRequestTimeout) {
		http.Error(w, "gateway did not answer in time", http.StatusGatewayTimeout)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if resp.Roles == nil {
		resp.Roles = []models.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": resp.Roles})
}

// publishIntent is best-effort from the HTTP handler's point of view: the row
// is already persisted, so a failed publish is logged, not surfaced as a 5xx.
func (s *Server) publishIntent(ctx context.Context, channel string, ev events.Event) {
	if err := s.bus.Publish(ctx, channel, ev); err != nil {
		log.Printf("api: intent %s for %s failed to publish: %v", ev.EventType, ev.ID, err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
