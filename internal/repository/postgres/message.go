package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
)

type messageRepository struct {
	BaseRepository
}

func NewMessageRepository(base BaseRepository) repository.MessageRepository {
	return &messageRepository{base}
}

const messageColumns = `
	id, user_id, dog_id, template_id, variant_id, channel, fallback_channel,
	priority, recipient, payload, journey_id, step_id, status, retry_count,
	max_retries, last_error, scheduled_at, sent_at, delivered_at, failed_at,
	read_at, clicked_at, archived_at, created_at, updated_at
`

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()
	msg.UpdatedAt = msg.CreatedAt

	query := `
		INSERT INTO messages (
			id, user_id, dog_id, template_id, variant_id, channel, fallback_channel,
			priority, recipient, payload, journey_id, step_id, status, retry_count,
			max_retries, scheduled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.UserID,
		msg.DogID,
		msg.TemplateID,
		msg.VariantID,
		msg.Channel,
		msg.FallbackChannel,
		msg.Priority,
		msg.Recipient,
		msg.Payload,
		msg.JourneyID,
		msg.StepID,
		msg.Status,
		msg.RetryCount,
		msg.MaxRetries,
		msg.ScheduledAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *messageRepository) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var msg model.Message
	err := r.db.GetContext(ctx, &msg, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (r *messageRepository) Update(ctx context.Context, msg *model.Message) error {
	msg.UpdatedAt = time.Now()

	query := `
		UPDATE messages
		SET channel = $1, fallback_channel = $2, status = $3, retry_count = $4,
			last_error = $5, scheduled_at = $6, sent_at = $7, delivered_at = $8,
			failed_at = $9, read_at = $10, clicked_at = $11, updated_at = $12
		WHERE id = $13
	`
	result, err := r.db.ExecContext(ctx, query,
		msg.Channel,
		msg.FallbackChannel,
		msg.Status,
		msg.RetryCount,
		msg.LastError,
		msg.ScheduledAt,
		msg.SentAt,
		msg.DeliveredAt,
		msg.FailedAt,
		msg.ReadAt,
		msg.ClickedAt,
		msg.UpdatedAt,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
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

// ClaimDue takes at most one due message per (user, channel) so same-user
// messages on a channel dispatch in enqueue order.
func (r *messageRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id IN (
			SELECT DISTINCT ON (user_id, channel) id
			FROM messages
			WHERE status = 'pending'
			AND scheduled_at <= $1
			AND archived_at IS NULL
			ORDER BY user_id, channel, created_at ASC
			LIMIT $2
		)
		ORDER BY scheduled_at ASC
		FOR UPDATE SKIP LOCKED
	`
	var messages []*model.Message
	err := r.db.SelectContext(ctx, &messages, query, now, limit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim due messages: %w", err)
	}
	return messages, nil
}

func (r *messageRepository) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE messages
		SET scheduled_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`
	_, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule message: %w", err)
	}
	return nil
}

var statusTimestampColumn = map[model.MessageStatus]string{
	model.MessageStatusSent:      "sent_at",
	model.MessageStatusDelivered: "delivered_at",
	model.MessageStatusFailed:    "failed_at",
	model.MessageStatusRead:      "read_at",
	model.MessageStatusClicked:   "clicked_at",
}

func (r *messageRepository) Transition(ctx context.Context, id uuid.UUID, from, to model.MessageStatus, at time.Time) (bool, error) {
	col, ok := statusTimestampColumn[to]
	if !ok {
		return false, fmt.Errorf("no timestamp column for status %s", to)
	}

	query := fmt.Sprintf(`
		UPDATE messages
		SET status = $1, %s = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, col)

	result, err := r.db.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *messageRepository) ArchiveTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET archived_at = NOW(), updated_at = NOW()
		WHERE status IN ('failed', 'clicked', 'read', 'delivered')
		AND archived_at IS NULL
		AND updated_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to archive messages: %w", err)
	}
	return result.RowsAffected()
}
