package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
)

type eventRepository struct {
	BaseRepository
}

func NewEventRepository(base BaseRepository) repository.EventRepository {
	return &eventRepository{base}
}

func (r *eventRepository) Append(ctx context.Context, event *model.CommunicationEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.RecordedAt = time.Now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = event.RecordedAt
	}
	event.PublishStatus = model.PublishStatusPending

	query := `
		INSERT INTO communication_events (
			id, event_type, user_id, message_id, journey_id, payload,
			occurred_at, recorded_at, publish_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.EventType, event.UserID, event.MessageID,
		event.JourneyID, event.Payload, event.OccurredAt, event.RecordedAt,
		event.PublishStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *eventRepository) GetPendingWithLock(ctx context.Context, limit int) ([]*model.CommunicationEvent, error) {
	query := `
		SELECT id, event_type, user_id, message_id, journey_id, payload,
			   occurred_at, recorded_at, publish_status, error_message,
			   retry_count, retry_at, processed_at
		FROM communication_events
		WHERE publish_status IN ('pending', 'failed')
		AND (retry_at IS NULL OR retry_at <= NOW())
		ORDER BY recorded_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	var events []*model.CommunicationEvent
	err := r.db.SelectContext(ctx, &events, query, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	return events, nil
}

func (r *eventRepository) UpdatePublishStatus(ctx context.Context, id uuid.UUID, status model.PublishStatus, errorMessage *string, retryAt *time.Time) error {
	query := `
		UPDATE communication_events
		SET publish_status = $1,
			error_message = $2,
			retry_at = $3,
			retry_count = CASE WHEN $1 = 'failed' THEN retry_count + 1 ELSE retry_count END,
			processed_at = CASE WHEN $1 = 'processed' THEN NOW() ELSE processed_at END
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, status, errorMessage, retryAt, id)
	if err != nil {
		return fmt.Errorf("failed to update event publish status: %w", err)
	}
	return nil
}

func (r *eventRepository) MoveToDeadLetter(ctx context.Context, event *model.CommunicationEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		insert := `
			INSERT INTO communication_events_deadletter (
				event_id, event_type, user_id, payload, error_message, retry_count, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`
		if _, err := tx.ExecContext(ctx, insert,
			event.ID, event.EventType, event.UserID, event.Payload,
			event.ErrorMessage, event.RetryCount,
		); err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}

		update := `UPDATE communication_events SET publish_status = 'dead_letter' WHERE id = $1`
		if _, err := tx.ExecContext(ctx, update, event.ID); err != nil {
			return fmt.Errorf("failed to mark event dead lettered: %w", err)
		}
		return nil
	})
}

func (r *eventRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM communication_events
		WHERE publish_status = 'processed'
		AND processed_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}
	return result.RowsAffected()
}

func (r *eventRepository) UsersInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM communication_events
		GROUP BY user_id
		HAVING MAX(occurred_at) < $1
		LIMIT $2
	`
	var users []uuid.UUID
	if err := r.db.SelectContext(ctx, &users, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list inactive users: %w", err)
	}
	return users, nil
}
