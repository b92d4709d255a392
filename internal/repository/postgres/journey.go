package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
)

type journeyRow struct {
	ID        uuid.UUID       `db:"id"`
	Name      string          `db:"name"`
	Version   int             `db:"version"`
	Active    bool            `db:"active"`
	Trigger   json.RawMessage `db:"trigger"`
	Steps     json.RawMessage `db:"steps"`
	Branches  json.RawMessage `db:"branches"`
	Settings  json.RawMessage `db:"settings"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func (row *journeyRow) toModel() (*model.Journey, error) {
	j := &model.Journey{
		ID:        row.ID,
		Name:      row.Name,
		Version:   row.Version,
		Active:    row.Active,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Trigger, &j.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode journey trigger: %w", err)
	}
	if err := json.Unmarshal(row.Steps, &j.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode journey steps: %w", err)
	}
	if len(row.Branches) > 0 {
		if err := json.Unmarshal(row.Branches, &j.Branches); err != nil {
			return nil, fmt.Errorf("failed to decode journey branches: %w", err)
		}
	}
	if err := json.Unmarshal(row.Settings, &j.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode journey settings: %w", err)
	}
	return j, nil
}

type journeyRepository struct {
	BaseRepository
}

func NewJourneyRepository(base BaseRepository) repository.JourneyRepository {
	return &journeyRepository{base}
}

const journeyColumns = `id, name, version, active, trigger, steps, branches, settings, created_at, updated_at`

func (r *journeyRepository) Create(ctx context.Context, journey *model.Journey) error {
	if journey.ID == uuid.Nil {
		journey.ID = uuid.New()
	}
	if journey.Version == 0 {
		journey.Version = 1
	}
	journey.CreatedAt = time.Now()
	journey.UpdatedAt = journey.CreatedAt

	trigger, _ := json.Marshal(journey.Trigger)
	steps, _ := json.Marshal(journey.Steps)
	branches, _ := json.Marshal(journey.Branches)
	settings, _ := json.Marshal(journey.Settings)

	query := `
		INSERT INTO journeys (
			id, name, version, active, trigger, steps, branches, settings, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		journey.ID, journey.Name, journey.Version, journey.Active,
		trigger, steps, branches, settings, journey.CreatedAt, journey.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create journey: %w", err)
	}
	return nil
}

func (r *journeyRepository) Get(ctx context.Context, id uuid.UUID) (*model.Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys WHERE id = $1`

	var row journeyRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journey: %w", err)
	}
	return row.toModel()
}

func (r *journeyRepository) List(ctx context.Context, activeOnly bool) ([]*model.Journey, error) {
	query := `SELECT ` + journeyColumns + ` FROM journeys`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY created_at DESC`

	var rows []journeyRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}
	return rowsToJourneys(rows)
}

func (r *journeyRepository) ListActiveByTriggerEvent(ctx context.Context, eventName string) ([]*model.Journey, error) {
	query := `
		SELECT ` + journeyColumns + `
		FROM journeys
		WHERE active = true
		AND trigger->>'type' = 'event'
		AND trigger->>'event_name' = $1
	`
	var rows []journeyRow
	if err := r.db.SelectContext(ctx, &rows, query, eventName); err != nil {
		return nil, fmt.Errorf("failed to list journeys by trigger: %w", err)
	}
	return rowsToJourneys(rows)
}

func (r *journeyRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE journeys SET active = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("failed to set journey active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func rowsToJourneys(rows []journeyRow) ([]*model.Journey, error) {
	journeys := make([]*model.Journey, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, nil
}
