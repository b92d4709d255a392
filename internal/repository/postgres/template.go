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

// templateRow flattens the JSON-typed columns for sqlx scanning.
type templateRow struct {
	ID              uuid.UUID       `db:"id"`
	Name            string          `db:"name"`
	Category        string          `db:"category"`
	Channels        json.RawMessage `db:"channels"`
	Content         json.RawMessage `db:"content"`
	Variables       json.RawMessage `db:"variables"`
	RequiresConsent bool            `db:"requires_consent"`
	Variants        json.RawMessage `db:"variants"`
	Status          string          `db:"status"`
	Version         int             `db:"version"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (row *templateRow) toModel() (*model.Template, error) {
	tmpl := &model.Template{
		ID:              row.ID,
		Name:            row.Name,
		Category:        model.TemplateCategory(row.Category),
		RequiresConsent: row.RequiresConsent,
		Status:          model.TemplateStatus(row.Status),
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Channels, &tmpl.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode template channels: %w", err)
	}
	if err := json.Unmarshal(row.Content, &tmpl.Content); err != nil {
		return nil, fmt.Errorf("failed to decode template content: %w", err)
	}
	if len(row.Variables) > 0 {
		if err := json.Unmarshal(row.Variables, &tmpl.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode template variables: %w", err)
		}
	}
	if len(row.Variants) > 0 {
		if err := json.Unmarshal(row.Variants, &tmpl.Variants); err != nil {
			return nil, fmt.Errorf("failed to decode template variants: %w", err)
		}
	}
	return tmpl, nil
}

type templateRepository struct {
	BaseRepository
}

func NewTemplateRepository(base BaseRepository) repository.TemplateRepository {
	return &templateRepository{base}
}

func (r *templateRepository) Create(ctx context.Context, tmpl *model.Template) error {
	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	tmpl.CreatedAt = time.Now()
	tmpl.UpdatedAt = tmpl.CreatedAt
	tmpl.Status = model.TemplateStatusDraft
	tmpl.Version = 1

	channels, _ := json.Marshal(tmpl.Channels)
	content, _ := json.Marshal(tmpl.Content)
	variables, _ := json.Marshal(tmpl.Variables)
	variants, _ := json.Marshal(tmpl.Variants)

	query := `
		INSERT INTO templates (
			id, name, category, channels, content, variables,
			requires_consent, variants, status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		tmpl.ID, tmpl.Name, tmpl.Category, channels, content, variables,
		tmpl.RequiresConsent, variants, tmpl.Status, tmpl.Version,
		tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (r *templateRepository) Get(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	query := `
		SELECT id, name, category, channels, content, variables,
			   requires_consent, variants, status, version, created_at, updated_at
		FROM templates
		WHERE id = $1
	`
	var row templateRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return row.toModel()
}

func (r *templateRepository) Update(ctx context.Context, tmpl *model.Template) error {
	tmpl.UpdatedAt = time.Now()

	channels, _ := json.Marshal(tmpl.Channels)
	content, _ := json.Marshal(tmpl.Content)
	variables, _ := json.Marshal(tmpl.Variables)
	variants, _ := json.Marshal(tmpl.Variants)

	// Published templates are immutable; edits only land on drafts.
	query := `
		UPDATE templates
		SET name = $1, category = $2, channels = $3, content = $4,
			variables = $5, requires_consent = $6, variants = $7, updated_at = $8
		WHERE id = $9 AND status = 'draft'
	`
	result, err := r.db.ExecContext(ctx, query,
		tmpl.Name, tmpl.Category, channels, content, variables,
		tmpl.RequiresConsent, variants, tmpl.UpdatedAt, tmpl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
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

func (r *templateRepository) Publish(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE templates
		SET status = 'published', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to publish template: %w", err)
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

func (r *templateRepository) List(ctx context.Context) ([]*model.Template, error) {
	query := `
		SELECT id, name, category, channels, content, variables,
			   requires_consent, variants, status, version, created_at, updated_at
		FROM templates
		ORDER BY created_at DESC
	`
	var rows []templateRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templates := make([]*model.Template, 0, len(rows))
	for i := range rows {
		tmpl, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}
	return templates, nil
}
