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

type enrollmentRow struct {
	ID              uuid.UUID       `db:"id"`
	JourneyID       uuid.UUID       `db:"journey_id"`
	JourneyVersion  int             `db:"journey_version"`
	UserID          uuid.UUID       `db:"user_id"`
	DogID           *uuid.UUID      `db:"dog_id"`
	Status          string          `db:"status"`
	Branch          string          `db:"branch"`
	CurrentStepID   string          `db:"current_step_id"`
	NextExecutionAt *time.Time      `db:"next_execution_at"`
	Version         int             `db:"version"`
	History         json.RawMessage `db:"history"`
	Context         json.RawMessage `db:"context"`
	ExitReason      *string         `db:"exit_reason"`
	PauseReason     *string         `db:"pause_reason"`
	EnrolledAt      time.Time       `db:"enrolled_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
	ExitedAt        *time.Time      `db:"exited_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (row *enrollmentRow) toModel() (*model.JourneyEnrollment, error) {
	e := &model.JourneyEnrollment{
		ID:              row.ID,
		JourneyID:       row.JourneyID,
		JourneyVersion:  row.JourneyVersion,
		UserID:          row.UserID,
		DogID:           row.DogID,
		Status:          model.EnrollmentStatus(row.Status),
		Branch:          row.Branch,
		CurrentStepID:   row.CurrentStepID,
		NextExecutionAt: row.NextExecutionAt,
		Version:         row.Version,
		ExitReason:      row.ExitReason,
		PauseReason:     row.PauseReason,
		EnrolledAt:      row.EnrolledAt,
		CompletedAt:     row.CompletedAt,
		ExitedAt:        row.ExitedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &e.History); err != nil {
			return nil, fmt.Errorf("failed to decode enrollment history: %w", err)
		}
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to decode enrollment context: %w", err)
		}
	}
	return e, nil
}

type enrollmentRepository struct {
	BaseRepository
}

func NewEnrollmentRepository(base BaseRepository) repository.EnrollmentRepository {
	return &enrollmentRepository{base}
}

const enrollmentColumns = `
	id, journey_id, journey_version, user_id, dog_id, status, branch,
	current_step_id, next_execution_at, version, history, context,
	exit_reason, pause_reason, enrolled_at, completed_at, exited_at, updated_at
`

func (r *enrollmentRepository) Create(ctx context.Context, e *model.JourneyEnrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Version = 1
	e.EnrolledAt = time.Now()
	e.UpdatedAt = e.EnrolledAt

	history, _ := json.Marshal(e.History)
	context_, _ := json.Marshal(e.Context)

	// The partial unique index on (journey_id, user_id) WHERE status='active'
	// backs the single-active-enrollment invariant under concurrent enrolls.
	query := `
		INSERT INTO journey_enrollments (
			id, journey_id, journey_version, user_id, dog_id, status, branch,
			current_step_id, next_execution_at, version, history, context,
			enrolled_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.JourneyID, e.JourneyVersion, e.UserID, e.DogID, e.Status,
		e.Branch, e.CurrentStepID, e.NextExecutionAt, e.Version, history,
		context_, e.EnrolledAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create enrollment: %w", err)
	}
	return nil
}

func (r *enrollmentRepository) Get(ctx context.Context, id uuid.UUID) (*model.JourneyEnrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM journey_enrollments WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *enrollmentRepository) GetActive(ctx context.Context, journeyID, userID uuid.UUID) (*model.JourneyEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM journey_enrollments
		WHERE journey_id = $1 AND user_id = $2 AND status = 'active'
	`
	return r.getOne(ctx, query, journeyID, userID)
}

func (r *enrollmentRepository) GetLatest(ctx context.Context, journeyID, userID uuid.UUID) (*model.JourneyEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM journey_enrollments
		WHERE journey_id = $1 AND user_id = $2
		ORDER BY enrolled_at DESC
		LIMIT 1
	`
	return r.getOne(ctx, query, journeyID, userID)
}

func (r *enrollmentRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*model.JourneyEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM journey_enrollments
		WHERE user_id = $1 AND status = 'active'
	`
	var rows []enrollmentRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list active enrollments: %w", err)
	}
	return rowsToEnrollments(rows)
}

func (r *enrollmentRepository) Due(ctx context.Context, now time.Time, limit int) ([]*model.JourneyEnrollment, error) {
	query := `
		SELECT ` + enrollmentColumns + `
		FROM journey_enrollments e
		WHERE e.status = 'active'
		AND e.next_execution_at IS NOT NULL
		AND e.next_execution_at <= $1
		AND EXISTS (
			SELECT 1 FROM journeys j WHERE j.id = e.journey_id AND j.active = true
		)
		ORDER BY e.next_execution_at ASC
		LIMIT $2
		FOR UPDATE OF e SKIP LOCKED
	`
	var rows []enrollmentRow
	err := r.db.SelectContext(ctx, &rows, query, now, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due enrollments: %w", err)
	}
	return rowsToEnrollments(rows)
}

func (r *enrollmentRepository) Advance(ctx context.Context, e *model.JourneyEnrollment) error {
	history, _ := json.Marshal(e.History)
	context_, _ := json.Marshal(e.Context)
	e.UpdatedAt = time.Now()

	query := `
		UPDATE journey_enrollments
		SET status = $1, branch = $2, current_step_id = $3, next_execution_at = $4,
			history = $5, context = $6, exit_reason = $7, pause_reason = $8,
			completed_at = $9, exited_at = $10, version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13
	`
	result, err := r.db.ExecContext(ctx, query,
		e.Status, e.Branch, e.CurrentStepID, e.NextExecutionAt,
		history, context_, e.ExitReason, e.PauseReason,
		e.CompletedAt, e.ExitedAt, e.UpdatedAt, e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to advance enrollment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrStaleEnrollment
	}
	e.Version++
	return nil
}

func (r *enrollmentRepository) getOne(ctx context.Context, query string, args ...interface{}) (*model.JourneyEnrollment, error) {
	var row enrollmentRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return row.toModel()
}

func rowsToEnrollments(rows []enrollmentRow) ([]*model.JourneyEnrollment, error) {
	enrollments := make([]*model.JourneyEnrollment, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, nil
}
