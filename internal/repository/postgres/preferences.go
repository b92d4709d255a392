package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
)

type preferencesRow struct {
	UserID            uuid.UUID       `db:"user_id"`
	Consents          json.RawMessage `db:"consents"`
	PreferredChannels json.RawMessage `db:"preferred_channels"`
	QuietHours        json.RawMessage `db:"quiet_hours"`
	Limits            json.RawMessage `db:"limits"`
	Performance       json.RawMessage `db:"performance"`
	Properties        json.RawMessage `db:"properties"`
	Tags              pq.StringArray  `db:"tags"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (row *preferencesRow) toModel() (*model.UserChannelPreferences, error) {
	prefs := &model.UserChannelPreferences{
		UserID:    row.UserID,
		Tags:      row.Tags,
		UpdatedAt: row.UpdatedAt,
	}
	for raw, dst := range map[*json.RawMessage]interface{}{
		&row.Consents:          &prefs.Consents,
		&row.PreferredChannels: &prefs.PreferredChannels,
		&row.QuietHours:        &prefs.QuietHours,
		&row.Limits:            &prefs.Limits,
		&row.Performance:       &prefs.Performance,
		&row.Properties:        &prefs.Properties,
	} {
		if len(*raw) == 0 {
			continue
		}
		if err := json.Unmarshal(*raw, dst); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
	}
	return prefs, nil
}

type preferencesRepository struct {
	BaseRepository
}

func NewPreferencesRepository(base BaseRepository) repository.PreferencesRepository {
	return &preferencesRepository{base}
}

func (r *preferencesRepository) Get(ctx context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error) {
	query := `
		SELECT user_id, consents, preferred_channels, quiet_hours, limits,
			   performance, properties, tags, updated_at
		FROM user_channel_preferences
		WHERE user_id = $1
	`
	var row preferencesRow
	err := r.db.GetContext(ctx, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return row.toModel()
}

func (r *preferencesRepository) Upsert(ctx context.Context, prefs *model.UserChannelPreferences) error {
	prefs.UpdatedAt = time.Now()

	consents, _ := json.Marshal(prefs.Consents)
	preferred, _ := json.Marshal(prefs.PreferredChannels)
	quietHours, _ := json.Marshal(prefs.QuietHours)
	limits, _ := json.Marshal(prefs.Limits)
	performance, _ := json.Marshal(prefs.Performance)
	properties, _ := json.Marshal(prefs.Properties)

	query := `
		INSERT INTO user_channel_preferences (
			user_id, consents, preferred_channels, quiet_hours, limits,
			performance, properties, tags, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			consents = EXCLUDED.consents,
			preferred_channels = EXCLUDED.preferred_channels,
			quiet_hours = EXCLUDED.quiet_hours,
			limits = EXCLUDED.limits,
			performance = EXCLUDED.performance,
			properties = EXCLUDED.properties,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		prefs.UserID, consents, preferred, quietHours, limits,
		performance, properties, pq.StringArray(prefs.Tags), prefs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

func (r *preferencesRepository) SetProperty(ctx context.Context, userID uuid.UUID, key, value string) error {
	query := `
		UPDATE user_channel_preferences
		SET properties = jsonb_set(COALESCE(properties, '{}'::jsonb), ARRAY[$2], to_jsonb($3::text)),
			updated_at = NOW()
		WHERE user_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set property: %w", err)
	}
	return nil
}

func (r *preferencesRepository) AddTag(ctx context.Context, userID uuid.UUID, tag string) error {
	query := `
		UPDATE user_channel_preferences
		SET tags = array_append(tags, $2), updated_at = NOW()
		WHERE user_id = $1 AND NOT ($2 = ANY(COALESCE(tags, '{}')))
	`
	_, err := r.db.ExecContext(ctx, query, userID, tag)
	if err != nil {
		return fmt.Errorf("failed to add tag: %w", err)
	}
	return nil
}

func (r *preferencesRepository) RemoveTag(ctx context.Context, userID uuid.UUID, tag string) error {
	query := `
		UPDATE user_channel_preferences
		SET tags = array_remove(tags, $2), updated_at = NOW()
		WHERE user_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, userID, tag)
	if err != nil {
		return fmt.Errorf("failed to remove tag: %w", err)
	}
	return nil
}

var performanceFields = map[string]bool{
	"sent":      true,
	"delivered": true,
	"read":      true,
	"clicked":   true,
}

func (r *preferencesRepository) IncrPerformance(ctx context.Context, userID uuid.UUID, ch model.Channel, field string) error {
	if !performanceFields[field] {
		return fmt.Errorf("unknown performance field %q", field)
	}

	// Counters are stored as {channel: {sent: n, ...}}; increment one in place.
	query := fmt.Sprintf(`
		UPDATE user_channel_preferences
		SET performance = jsonb_set(
				COALESCE(performance, '{}'::jsonb),
				ARRAY[$2, '%s'],
				to_jsonb(COALESCE((performance->$2->>'%s')::bigint, 0) + 1)
			),
			updated_at = NOW()
		WHERE user_id = $1
	`, field, field)

	_, err := r.db.ExecContext(ctx, query, userID, string(ch))
	if err != nil {
		return fmt.Errorf("failed to increment performance counter: %w", err)
	}
	return nil
}

func (r *preferencesRepository) UsersWithDateBefore(ctx context.Context, property string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	// Property values are stored as strings; non-date values fail the cast
	// and are filtered out before it runs.
	query := `
		SELECT user_id FROM user_channel_preferences
		WHERE properties ? $1
		AND (properties->>$1) ~ '^\d{4}-\d{2}-\d{2}'
		AND (properties->>$1)::timestamptz <= $2
		LIMIT $3
	`
	var users []uuid.UUID
	if err := r.db.SelectContext(ctx, &users, query, property, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list users by date property: %w", err)
	}
	return users, nil
}
