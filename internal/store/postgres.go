package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"guild-sync/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence of categories and zones.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateCategory inserts a category row.
func (s *Store) CreateCategory(ctx context.Context, guildID, name string) (models.Category, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO categories (id, guild_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, guildID, name, now)
	if err != nil {
		return models.Category{}, fmt.Errorf("insert category: %w", err)
	}
	return models.Category{ID: id, GuildID: guildID, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(ctx context.Context, id string) (models.Category, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guild_id, name, discord_category_id, is_deleted_in_discord, created_at, updated_at
		FROM categories WHERE id = $1
	`, id)
	return scanCategory(row)
}

// ListCategories returns every category ordered by creation time.
func (s *Store) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, guild_id, name, discord_category_id, is_deleted_in_discord, created_at, updated_at
		FROM categories ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []models.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCategoryName renames a category and returns the updated row.
func (s *Store) UpdateCategoryName(ctx context.Context, id, name string) (models.Category, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE categories SET name = $2, updated_at = NOW() WHERE id = $1
	`, id, name)
	if err != nil {
		return models.Category{}, fmt.Errorf("update category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Category{}, ErrNotFound
	}
	return s.GetCategory(ctx, id)
}

// SetCategoryDiscordID persists the confirmed external id. Idempotent: the row
// is only touched when the stored value differs, so a redelivered confirmation
// is a no-op.
func (s *Store) SetCategoryDiscordID(ctx context.Context, id, discordID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE categories SET discord_category_id = $2, updated_at = NOW()
		WHERE id = $1 AND discord_category_id IS DISTINCT FROM $2
	`, id, discordID)
	if err != nil {
		return fmt.Errorf("set category discord id: %w", err)
	}
	return nil
}

// MarkCategoryDeleted flags a category whose remote counterpart is gone.
func (s *Store) MarkCategoryDeleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE categories SET is_deleted_in_discord = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_deleted_in_discord = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("mark category deleted: %w", err)
	}
	return nil
}

// CreateZone inserts a zone row under an existing category.
func (s *Store) CreateZone(ctx context.Context, categoryID, zoneKey, name string) (models.Zone, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO zones (id, category_id, zone_key, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, categoryID, zoneKey, name, now)
	if err != nil {
		return models.Zone{}, fmt.Errorf("insert zone: %w", err)
	}
	return models.Zone{ID: id, CategoryID: categoryID, ZoneKey: zoneKey, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetZone fetches a zone by id.
func (s *Store) GetZone(ctx context.Context, id string) (models.Zone, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, category_id, zone_key, name, discord_voice_id, is_deleted_in_discord, created_at, updated_at
		FROM zones WHERE id = $1
	`, id)
	return scanZone(row)
}

// ListZones returns every zone ordered by creation time.
func (s *Store) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, category_id, zone_key, name, discord_voice_id, is_deleted_in_discord, created_at, updated_at
		FROM zones ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()
	var out []models.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// UpdateZone renames and/or re-parents a zone and returns the updated row.
func (s *Store) UpdateZone(ctx context.Context, id, name, categoryID string) (models.Zone, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE zones
		SET name = COALESCE(NULLIF($2, ''), name),
		    category_id = COALESCE(NULLIF($3, ''), category_id),
		    updated_at = NOW()
		WHERE id = $1
	`, id, name, categoryID)
	if err != nil {
		return models.Zone{}, fmt.Errorf("update zone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Zone{}, ErrNotFound
	}
	return s.GetZone(ctx, id)
}

// SetZoneDiscordID persists the confirmed external id, idempotently.
func (s *Store) SetZoneDiscordID(ctx context.Context, id, discordID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE zones SET discord_voice_id = $2, updated_at = NOW()
		WHERE id = $1 AND discord_voice_id IS DISTINCT FROM $2
	`, id, discordID)
	if err != nil {
		return fmt.Errorf("set zone discord id: %w", err)
	}
	return nil
}

// MarkZoneDeleted flags a zone whose remote counterpart is gone.
func (s *Store) MarkZoneDeleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE zones SET is_deleted_in_discord = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_deleted_in_discord = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("mark zone deleted: %w", err)
	}
	return nil
}

// ZoneMappings returns remote voice id → remote category id for every zone
// with both sides established. Used to rebuild the guardian's mapping records.
func (s *Store) ZoneMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT z.discord_voice_id, c.discord_category_id
		FROM zones z
		JOIN categories c ON c.id = z.category_id
		WHERE z.discord_voice_id IS NOT NULL AND c.discord_category_id IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query zone mappings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var voiceID, categoryID string
		if err := rows.Scan(&voiceID, &categoryID); err != nil {
			return nil, fmt.Errorf("scan zone mapping: %w", err)
		}
		out[voiceID] = categoryID
	}
	return out, rows.Err()
}

func scanCategory(row pgx.Row) (models.Category, error) {
	var c models.Category
	var discordID pgtype.Text
	err := row.Scan(&c.ID, &c.GuildID, &c.Name, &discordID, &c.IsDeletedInDiscord, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Category{}, ErrNotFound
	}
	if err != nil {
		return models.Category{}, fmt.Errorf("scan category: %w", err)
	}
	c.DiscordCategoryID = textPtr(discordID)
	return c, nil
}

func scanZone(row pgx.Row) (models.Zone, error) {
	var z models.Zone
	var discordID pgtype.Text
	err := row.Scan(&z.ID, &z.CategoryID, &z.ZoneKey, &z.Name, &discordID, &z.IsDeletedInDiscord, &z.CreatedAt, &z.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Zone{}, ErrNotFound
	}
	if err != nil {
		return models.Zone{}, fmt.Errorf("scan zone: %w", err)
	}
	z.DiscordVoiceID = textPtr(discordID)
	return z, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
